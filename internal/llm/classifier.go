// Package llm implements the Tier-3 classifier: a schema-constrained
// chat completion against openai, anthropic or ollama, guarded by the
// circuit breaker and a rejecting in-flight cap.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/internal/breaker"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// ErrBusy is returned when the in-flight cap rejects an admission. The
// rejection also counts as a breaker failure.
var ErrBusy = errors.New("llm: too many in-flight requests")

// Options selects and tunes the provider.
type Options struct {
	Provider    string // openai | anthropic | ollama
	Endpoint    string
	Model       string
	APIKey      string
	Deadline    time.Duration
	MaxInflight int
}

// Request is everything the prompt builder needs for one classification.
type Request struct {
	Company   *models.Company
	Turns     []models.Turn // most recent last
	Collected models.CollectedFields
	Catalog   []models.Product
	Today     models.CivilDate
	Message   string
}

// ProductPick is one product the model extracted from the message.
type ProductPick struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Extracted is the structured data portion of a classification.
type Extracted struct {
	Date     string        `json:"date,omitempty"`
	Time     string        `json:"time,omitempty"`
	Guests   int           `json:"guests,omitempty"`
	Phone    string        `json:"phone,omitempty"`
	Service  string        `json:"service,omitempty"`
	Address  string        `json:"address,omitempty"`
	Name     string        `json:"name,omitempty"`
	Products []ProductPick `json:"products,omitempty"`
}

// Result is the schema every model reply must satisfy.
type Result struct {
	Intention      models.Intent   `json:"intention"`
	Confidence     float64         `json:"confidence"`
	ExtractedData  Extracted       `json:"extractedData"`
	MissingFields  []string        `json:"missingFields"`
	SuggestedReply string          `json:"suggestedReply"`
	Thinking       json.RawMessage `json:"thinking,omitempty"`
}

// Classifier is safe for concurrent use.
type Classifier struct {
	opts    Options
	client  *http.Client
	brk     *breaker.Breaker
	tickets chan struct{}

	latencyMu sync.Mutex
	latencyMs int64
}

// New builds a classifier around the given breaker. The breaker is owned
// by the caller so metrics and the orchestrator can observe its state.
func New(opts Options, brk *breaker.Breaker) *Classifier {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 32
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 4 * time.Second
	}
	return &Classifier{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Deadline + time.Second},
		brk:     brk,
		tickets: make(chan struct{}, opts.MaxInflight),
	}
}

// State reports the breaker position for stats and logs.
func (c *Classifier) State() breaker.State { return c.brk.State() }

// LatencyMs reports the rolling average call latency.
func (c *Classifier) LatencyMs() int64 {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	return c.latencyMs
}

// Classify sends the prompt and returns the validated result. A reply
// that fails schema validation is retried once with a corrective
// message. Breaker rejections surface as breaker.ErrOpen; in-flight cap
// rejections as ErrBusy (and count as breaker failures).
func (c *Classifier) Classify(ctx context.Context, req *Request) (*Result, error) {
	if err := c.brk.Allow(); err != nil {
		return nil, err
	}

	select {
	case c.tickets <- struct{}{}:
		defer func() { <-c.tickets }()
	default:
		c.brk.Failure()
		return nil, ErrBusy
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Deadline)
	defer cancel()

	start := time.Now()
	msgs := c.buildMessages(req)

	result, err := c.completeAndParse(ctx, msgs)
	if err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			log.Warn().
				Str("company_id", req.Company.ID).
				Str("reason", schemaErr.Reason).
				Msg("Model reply failed schema validation, retrying once")
			msgs = append(msgs,
				chatMessage{Role: "assistant", Content: schemaErr.Raw},
				chatMessage{Role: "user", Content: correctiveMessage},
			)
			result, err = c.completeAndParse(ctx, msgs)
		}
	}
	if err != nil {
		c.brk.Failure()
		return nil, err
	}

	c.brk.Success()
	c.trackLatency(time.Since(start).Milliseconds())
	return result, nil
}

func (c *Classifier) trackLatency(ms int64) {
	c.latencyMu.Lock()
	if c.latencyMs == 0 {
		c.latencyMs = ms
	} else {
		// exponential moving average
		c.latencyMs = (c.latencyMs*7 + ms*3) / 10
	}
	c.latencyMu.Unlock()
}

// ── Prompt ──────────────────────────────────────────────────────────

const correctiveMessage = `Tu respuesta anterior no cumple el esquema. Responde UNICAMENTE con el objeto JSON del esquema indicado, sin texto adicional ni markdown.`

const schemaBlock = `Responde UNICAMENTE con JSON valido con esta forma exacta:
{
  "intention": "saludar|reservar|cancelar|consultar|despedida|otro",
  "confidence": 0.0,
  "extractedData": {
    "date": "YYYY-MM-DD o vacio",
    "time": "HH:MM o vacio",
    "guests": 0,
    "phone": "",
    "service": "",
    "address": "",
    "name": "",
    "products": [{"name": "", "quantity": 0}]
  },
  "missingFields": [],
  "suggestedReply": "",
  "thinking": {}
}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Classifier) buildMessages(req *Request) []chatMessage {
	var b strings.Builder

	fmt.Fprintf(&b, "Eres el asistente de reservas de %q (%s).\n", req.Company.Name, req.Company.Type)
	fmt.Fprintf(&b, "Fecha de hoy: %s (%s).\n", req.Today, req.Today.Weekday())
	if hours := hoursLine(req.Company.Hours); hours != "" {
		fmt.Fprintf(&b, "Horario: %s.\n", hours)
	}

	services := make([]string, 0, 4)
	var products []string
	for _, p := range req.Catalog {
		if p.IsService() {
			services = append(services, p.Meta.ServiceKey)
			continue
		}
		products = append(products, fmt.Sprintf("%s ($%s)", p.Name, p.Price))
	}
	if len(services) > 0 {
		fmt.Fprintf(&b, "Servicios disponibles: %s.\n", strings.Join(services, ", "))
	}
	if len(products) > 0 {
		fmt.Fprintf(&b, "Productos: %s.\n", strings.Join(products, "; "))
	}

	if snapshot, err := json.Marshal(req.Collected); err == nil && string(snapshot) != "{}" {
		fmt.Fprintf(&b, "Datos ya recolectados: %s\n", snapshot)
	}
	b.WriteString("\nClasifica la intencion del ultimo mensaje del usuario y extrae datos.\n")
	b.WriteString(schemaBlock)

	msgs := make([]chatMessage, 0, len(req.Turns)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: b.String()})

	turns := req.Turns
	if len(turns) > 5 {
		turns = turns[len(turns)-5:]
	}
	for _, t := range turns {
		role := "user"
		if t.Role == "bot" {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: t.Text})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.Message})
}

func hoursLine(hours models.BusinessHours) string {
	if len(hours) == 0 {
		return ""
	}
	days := []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	parts := make([]string, 0, len(days))
	for _, d := range days {
		h, ok := hours[d]
		if !ok || h.Closed {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s-%s", d, h.Open, h.Close))
	}
	return strings.Join(parts, ", ")
}

// ── Parsing & validation ────────────────────────────────────────────

// SchemaError reports a reply that is not the required JSON shape. Raw
// carries the offending text for the corrective retry.
type SchemaError struct {
	Reason string
	Raw    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llm: reply failed schema validation: %s", e.Reason)
}

var validIntents = map[models.Intent]bool{
	models.IntentSaludar:   true,
	models.IntentReservar:  true,
	models.IntentCancelar:  true,
	models.IntentConsultar: true,
	models.IntentDespedida: true,
	models.IntentOtro:      true,
}

func parseResult(content string) (*Result, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, &SchemaError{Reason: "no JSON object found", Raw: clip(content)}
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, &SchemaError{Reason: err.Error(), Raw: clip(content)}
	}
	if !validIntents[res.Intention] {
		return nil, &SchemaError{Reason: fmt.Sprintf("unknown intention %q", res.Intention), Raw: clip(content)}
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, &SchemaError{Reason: fmt.Sprintf("confidence %v out of range", res.Confidence), Raw: clip(content)}
	}
	if res.ExtractedData.Guests < 0 {
		return nil, &SchemaError{Reason: "negative guests", Raw: clip(content)}
	}
	for _, p := range res.ExtractedData.Products {
		if p.Quantity < 0 {
			return nil, &SchemaError{Reason: "negative product quantity", Raw: clip(content)}
		}
	}
	return &res, nil
}

// extractJSON tolerates markdown fences and prose around the object.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func clip(s string) string {
	if len(s) > 2000 {
		return s[:2000]
	}
	return s
}

// ── Providers ───────────────────────────────────────────────────────

func (c *Classifier) completeAndParse(ctx context.Context, msgs []chatMessage) (*Result, error) {
	var content string
	var err error

	switch c.opts.Provider {
	case "anthropic":
		content, err = c.callAnthropic(ctx, msgs)
	case "ollama":
		content, err = c.callOllama(ctx, msgs)
	default: // openai and OpenAI-compatible endpoints
		content, err = c.callOpenAI(ctx, msgs)
	}
	if err != nil {
		return nil, err
	}
	return parseResult(content)
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Classifier) callOpenAI(ctx context.Context, msgs []chatMessage) (string, error) {
	endpoint := c.opts.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if c.opts.APIKey == "" && !strings.HasPrefix(endpoint, "http://") {
		return "", fmt.Errorf("openai: api key not configured")
	}

	body, _ := json.Marshal(openAIRequest{Model: c.opts.Model, Messages: msgs})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, clip(string(respBody)))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices")
	}
	return oaiResp.Choices[0].Message.Content, nil
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Classifier) callAnthropic(ctx context.Context, msgs []chatMessage) (string, error) {
	endpoint := c.opts.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if c.opts.APIKey == "" {
		return "", fmt.Errorf("anthropic: api key not configured")
	}

	// anthropic carries the system prompt out of band
	system := ""
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == "system" {
		system = msgs[0].Content
		rest = msgs[1:]
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:     c.opts.Model,
		System:    system,
		Messages:  rest,
		MaxTokens: 1024,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.opts.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, clip(string(respBody)))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	for _, part := range anthResp.Content {
		if part.Type == "text" {
			content += part.Text
		}
	}
	return content, nil
}

func (c *Classifier) callOllama(ctx context.Context, msgs []chatMessage) (string, error) {
	endpoint := c.opts.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	body, _ := json.Marshal(openAIRequest{Model: c.opts.Model, Messages: msgs})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, clip(string(respBody)))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("ollama: empty choices")
	}
	return oaiResp.Choices[0].Message.Content, nil
}
