// Package engine orchestrates one inbound message end to end: the
// per-conversation gate, context load, normalization and entity
// extraction, the three-tier intent cascade, and the handler for the
// decided intent. The context store is written only after a turn
// succeeds, so a failed message never leaves half-updated state behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/internal/entities"
	"github.com/cupobot/cupobot/engine/internal/flow"
	"github.com/cupobot/cupobot/engine/internal/intent"
	"github.com/cupobot/cupobot/engine/internal/llm"
	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/normalizer"
	"github.com/cupobot/cupobot/engine/internal/resolver"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/internal/templates"
	"github.com/cupobot/cupobot/engine/internal/validator"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// defaultDeadline bounds one message end to end.
const defaultDeadline = 8 * time.Second

// maxTurns caps the rolling transcript kept in the context store and
// fed to the Tier-3 prompt.
const maxTurns = 10

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Store      store.Store
	Sessions   sessions.Store
	Gate       *sessions.Gate
	Normalizer *normalizer.Normalizer
	Entities   *entities.Extractor
	Intents    *intent.Service
	Classifier *llm.Classifier
	Flow       *flow.Service
	Resolver   *resolver.Service
	Metrics    *metrics.Metrics
	Days       *dateutil.Resolver
}

// Engine handles at most one in-flight message per conversation.
type Engine struct {
	store       store.Store
	sessions    sessions.Store
	gate        *sessions.Gate
	normalizer  *normalizer.Normalizer
	entities    *entities.Extractor
	intents     *intent.Service
	classifier  *llm.Classifier
	flow        *flow.Service
	resolver    *resolver.Service
	metrics     *metrics.Metrics
	days        *dateutil.Resolver
	svcKeywords *cache.Cache
	deadline    time.Duration
}

// New wires the orchestrator. deadline bounds one message end to end;
// zero means the default of 8s. A nil Classifier disables Tier 3: the
// cascade then falls back to the best Tier-1/2 candidate.
func New(d Deps, deadline time.Duration) *Engine {
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	return &Engine{
		store:       d.Store,
		sessions:    d.Sessions,
		gate:        d.Gate,
		normalizer:  d.Normalizer,
		entities:    d.Entities,
		intents:     d.Intents,
		classifier:  d.Classifier,
		flow:        d.Flow,
		resolver:    d.Resolver,
		metrics:     d.Metrics,
		days:        d.Days,
		svcKeywords: cache.New(10*time.Minute, 5*time.Minute),
		deadline:    deadline,
	}
}

// ── Wire shapes ──────────────────────────────────────────────

// Message is one inbound chat message. Exactly one of UserID and Phone
// identifies the sender; a phone finds or creates the user.
type Message struct {
	CompanyID string `json:"companyId"`
	UserID    string `json:"userId,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Text      string `json:"message"`
}

// Response is the rendered outcome of one message.
type Response struct {
	Reply             string                   `json:"reply"`
	Intention         models.Intent            `json:"intention,omitempty"`
	Confidence        float64                  `json:"confidence,omitempty"`
	MissingFields     []string                 `json:"missingFields,omitempty"`
	ConversationState models.ConversationState `json:"conversationState,omitempty"`
	ConversationID    string                   `json:"conversationId,omitempty"`
}

// ── Entry point ──────────────────────────────────────────────

// Handle runs the full pipeline for one message. An error comes back
// only when the request never reached a conversation (unknown company,
// bad identity); after that point failures surface as an error reply
// and the context store stays untouched.
func (e *Engine) Handle(ctx context.Context, msg *Message) (*Response, error) {
	raw := strings.TrimSpace(msg.Text)
	if raw == "" {
		return nil, &models.FieldError{Field: "message", Reason: "must not be empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	company, err := e.store.GetCompany(ctx, msg.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("engine: load company: %w", err)
	}
	user, sessionUser, err := e.resolveUser(ctx, msg)
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveMessage()

	// One holder and one waiter per conversation; anyone else is told
	// the bot is still busy with the previous message.
	release, acquired := e.gate.Acquire(ctx, company.ID+":"+sessionUser)
	if !acquired {
		return &Response{Reply: e.render(company, "still_thinking", nil)}, nil
	}
	defer release()

	conv, err := e.loadConversation(ctx, company.ID, sessionUser, user)
	if err != nil {
		return e.errorReply(company, nil, err), nil
	}

	resp, err := e.handleTurn(ctx, company, user, sessionUser, conv, raw)
	if err != nil {
		return e.errorReply(company, conv, err), nil
	}
	return resp, nil
}

// errorReply is the boundary for turn failures: counted, logged with a
// correlation id, answered with the generic error template. The context
// store was not written, so the conversation replays cleanly.
func (e *Engine) errorReply(company *models.Company, conv *models.Conversation, err error) *Response {
	e.metrics.ObserveError()

	resp := &Response{Reply: e.render(company, "error", nil)}
	evt := log.Error().Str("company_id", company.ID)
	if conv != nil {
		resp.ConversationID = conv.ID
		evt = evt.Str("conversation_id", conv.ID)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		evt.Err(&models.TimeoutError{Op: "handle_message"}).Msg("message deadline exceeded")
		return resp
	}
	sysErr := &models.SystemError{Correlation: uuid.NewString(), Err: err}
	evt.Err(sysErr).Str("correlation_id", sysErr.Correlation).Msg("message handling failed")
	return resp
}

// resolveUser maps the message identity to a user row and the context
// key. Phones find-or-create; a user id resolves to its stored phone so
// both entry points land on the same conversation.
func (e *Engine) resolveUser(ctx context.Context, msg *Message) (*models.User, string, error) {
	phone := strings.TrimSpace(msg.Phone)
	userID := strings.TrimSpace(msg.UserID)
	switch {
	case phone != "" && userID != "":
		return nil, "", &models.FieldError{Field: "userId", Reason: "exactly one of userId or phone"}
	case phone != "":
		user, err := e.store.EnsureUserByPhone(ctx, phone)
		if err != nil {
			return nil, "", fmt.Errorf("engine: ensure user: %w", err)
		}
		return user, user.Phone, nil
	case userID != "":
		user, err := e.store.GetUser(ctx, userID)
		if err != nil {
			return nil, "", fmt.Errorf("engine: load user: %w", err)
		}
		key := user.Phone
		if key == "" {
			key = user.ID
		}
		return user, key, nil
	default:
		return nil, "", &models.FieldError{Field: "phone", Reason: "one of userId or phone is required"}
	}
}

// loadConversation returns the live context, or a fresh one when none
// exists or the stored conversation already reached an outcome.
func (e *Engine) loadConversation(ctx context.Context, companyID, sessionUser string, user *models.User) (*models.Conversation, error) {
	conv, err := e.sessions.Get(ctx, companyID, sessionUser)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return newConversation(companyID, user), nil
	case err != nil:
		return nil, fmt.Errorf("engine: load context: %w", err)
	}
	if conv.State == models.StateConfirmed || conv.State.Terminal() {
		return newConversation(companyID, user), nil
	}
	return conv, nil
}

func newConversation(companyID string, user *models.User) *models.Conversation {
	return &models.Conversation{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		UserID:    user.ID,
		Phone:     user.Phone,
		State:     models.StateInitial,
		CreatedAt: time.Now(),
	}
}

// ── One turn ─────────────────────────────────────────────────

func (e *Engine) handleTurn(ctx context.Context, company *models.Company, user *models.User, sessionUser string, conv *models.Conversation, raw string) (*Response, error) {
	normalized, _ := e.normalizer.Normalize(raw)
	ents := e.entities.Extract(normalized)

	// Mid-cancel turns answer the list pick or the final yes/no; they
	// never reclassify.
	if flow.InCancelFlow(conv) {
		reply, err := e.flow.ContinueCancel(ctx, company, conv, normalized)
		if err != nil {
			return nil, err
		}
		return e.finishTurn(ctx, company, sessionUser, conv, raw, reply, intent.Decision{Intent: models.IntentCancelar})
	}

	decision, res, err := e.classify(ctx, company, conv, normalized, raw)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("company_id", company.ID).
		Str("conversation_id", conv.ID).
		Str("intent", string(decision.Intent)).
		Str("layer", string(decision.Layer)).
		Float64("confidence", decision.Confidence).
		Msg("message classified")

	reply, err := e.route(ctx, company, user, conv, decision, res, ents, normalized, raw)
	if err != nil {
		return nil, err
	}
	return e.finishTurn(ctx, company, sessionUser, conv, raw, reply, decision)
}

// finishTurn appends the exchange to the transcript, persists the
// context, and shapes the response envelope.
func (e *Engine) finishTurn(ctx context.Context, company *models.Company, sessionUser string, conv *models.Conversation, raw, reply string, d intent.Decision) (*Response, error) {
	pushTurn(conv, "user", raw)
	pushTurn(conv, "bot", reply)
	conv.LastTurnAt = time.Now()

	if err := e.sessions.Put(ctx, company.ID, sessionUser, conv); err != nil {
		return nil, fmt.Errorf("engine: persist context: %w", err)
	}

	return &Response{
		Reply:             reply,
		Intention:         d.Intent,
		Confidence:        d.Confidence,
		MissingFields:     e.missingFor(ctx, company, conv),
		ConversationState: conv.State,
		ConversationID:    conv.ID,
	}, nil
}

// pushTurn appends one transcript entry, keeping the last maxTurns.
func pushTurn(conv *models.Conversation, role, text string) {
	conv.Turns = append(conv.Turns, models.Turn{Role: role, Text: text, At: time.Now()})
	if len(conv.Turns) > maxTurns {
		conv.Turns = conv.Turns[len(conv.Turns)-maxTurns:]
	}
}

// missingFor reports the outstanding required fields of a collecting
// conversation for the response envelope.
func (e *Engine) missingFor(ctx context.Context, company *models.Company, conv *models.Conversation) []string {
	if conv.State != models.StateCollecting {
		return nil
	}
	resolved, err := e.resolver.Resolve(ctx, company, conv.ServiceKey, e.store.ListProducts)
	if err != nil {
		return nil
	}
	if resolved.ServiceKey == "" {
		return []string{"service"}
	}
	return validator.Missing(conv.Collected, resolved.Config)
}

// ── Classification cascade ───────────────────────────────────

// classify runs the tiers in order, recording per-tier outcomes and
// latencies. The returned decision is always usable: when the LLM is
// unavailable the best Tier-1/2 candidate stands in, and with no
// candidates at all the message lands on otro.
func (e *Engine) classify(ctx context.Context, company *models.Company, conv *models.Conversation, normalized, raw string) (intent.Decision, *llm.Result, error) {
	load := e.intentData(company.ID)

	start := time.Now()
	d1, err := e.intents.DetectKeywords(ctx, company.ID, normalized, load)
	if err != nil {
		return intent.Decision{}, nil, fmt.Errorf("engine: tier1: %w", err)
	}
	e.metrics.ObserveTier(string(intent.LayerKeyword), outcomeOf(d1), time.Since(start))
	if d1.Decided {
		return d1, nil, nil
	}

	start = time.Now()
	d2, err := e.intents.MatchExamples(ctx, company.ID, normalized, d1.Candidates, load)
	if err != nil {
		return intent.Decision{}, nil, fmt.Errorf("engine: tier2: %w", err)
	}
	e.metrics.ObserveTier(string(intent.LayerSimilarity), outcomeOf(d2), time.Since(start))
	if d2.Decided {
		return d2, nil, nil
	}

	if e.classifier == nil {
		return fallbackDecision(d2), nil, nil
	}

	catalog, err := e.store.ListProducts(ctx, company.ID)
	if err != nil {
		return intent.Decision{}, nil, fmt.Errorf("engine: load catalog: %w", err)
	}
	req := &llm.Request{
		Company:   company,
		Turns:     conv.Turns,
		Collected: conv.Collected,
		Catalog:   catalog,
		Today:     e.days.Today(),
		Message:   raw,
	}

	before := e.classifier.State()
	start = time.Now()
	res, err := e.classifier.Classify(ctx, req)
	elapsed := time.Since(start)
	if after := e.classifier.State(); after != before {
		e.metrics.ObserveBreaker(after.String())
	}
	if err != nil {
		e.metrics.ObserveTier(string(intent.LayerLLM), "error", elapsed)
		log.Warn().Err(err).
			Str("company_id", company.ID).
			Str("breaker", e.classifier.State().String()).
			Msg("tier-3 classification unavailable")
		return fallbackDecision(d2), nil, nil
	}
	e.metrics.ObserveTier(string(intent.LayerLLM), "decided", elapsed)

	return intent.Decision{
		Decided:    true,
		Intent:     res.Intention,
		Confidence: res.Confidence,
		Layer:      intent.LayerLLM,
	}, res, nil
}

// intentData adapts the store to the intent cache's loader. System
// keywords are global; the rest is per-company vocabulary.
func (e *Engine) intentData(companyID string) intent.LoadFunc {
	return func(ctx context.Context) (intent.Data, error) {
		intentions, err := e.store.ListIntentions(ctx, companyID)
		if err != nil {
			return intent.Data{}, err
		}
		patterns, err := e.store.ListPatterns(ctx, companyID)
		if err != nil {
			return intent.Data{}, err
		}
		system, err := e.store.ListSystemKeywords(ctx)
		if err != nil {
			return intent.Data{}, err
		}
		examples, err := e.store.ListExamples(ctx, companyID)
		if err != nil {
			return intent.Data{}, err
		}
		return intent.Data{Intentions: intentions, Patterns: patterns, System: system, Examples: examples}, nil
	}
}

// fallbackFloor is the weakest candidate score the fallback will act
// on. Example similarity is rarely exactly zero, so without a floor
// any gibberish would inherit the least dissimilar intent.
const fallbackFloor = 0.5

// fallbackDecision stands in when Tier 3 is unavailable: the best
// Tier-1/2 candidate wins, and with none the message is otro.
func fallbackDecision(d intent.Decision) intent.Decision {
	if len(d.Candidates) > 0 && d.Candidates[0].Score >= fallbackFloor {
		best := d.Candidates[0]
		return intent.Decision{Decided: true, Intent: best.Intent, Confidence: best.Score, Layer: intent.LayerFallback}
	}
	return intent.Decision{Decided: true, Intent: models.IntentOtro, Layer: intent.LayerFallback}
}

func outcomeOf(d intent.Decision) string {
	if d.Decided {
		return "decided"
	}
	return "undecided"
}

// ── Intent routing ───────────────────────────────────────────

func (e *Engine) route(ctx context.Context, company *models.Company, user *models.User, conv *models.Conversation, d intent.Decision, res *llm.Result, ents []entities.Entity, normalized, raw string) (string, error) {
	switch d.Intent {
	case models.IntentCancelar:
		conv.Intent = models.IntentCancelar
		return e.flow.StartCancel(ctx, company, user, conv)

	case models.IntentConsultar:
		return e.consulta(ctx, company, normalized)

	case models.IntentSaludar:
		if conv.State == models.StateInitial {
			conv.Intent = models.IntentSaludar
		}
		return e.greeting(ctx, company, user), nil

	case models.IntentDespedida:
		if conv.State == models.StateInitial {
			conv.Intent = models.IntentDespedida
		}
		return e.render(company, "farewell", nil), nil

	case models.IntentReservar:
		return e.advance(ctx, company, user, conv, res, ents, normalized, raw)

	default:
		// Mid-flow free text usually answers the pending question.
		if inFlow(conv) {
			return e.advance(ctx, company, user, conv, res, ents, normalized, raw)
		}
		if res != nil && strings.TrimSpace(res.SuggestedReply) != "" {
			return strings.TrimSpace(res.SuggestedReply), nil
		}
		return e.notUnderstood(company, conv, d, normalized), nil
	}
}

func inFlow(conv *models.Conversation) bool {
	return conv.State == models.StateCollecting || conv.State == models.StateAwaitingPayment
}

// greeting renders the welcome: personalized for returning customers,
// overridable per tenant, generic otherwise.
func (e *Engine) greeting(ctx context.Context, company *models.Company, user *models.User) string {
	if pref, err := e.store.GetPreference(ctx, user.ID, company.ID); err == nil && pref.ReservationCount > 0 {
		return e.render(company, "greeting_returning", nil)
	}
	if g := strings.TrimSpace(company.Config.Greeting); g != "" {
		return strings.ReplaceAll(g, "{{company}}", company.Name)
	}
	return e.render(company, "greeting", nil)
}

// consulta answers hours and catalog questions from tenant config and
// the product list. It never touches conversation state.
func (e *Engine) consulta(ctx context.Context, company *models.Company, normalized string) (string, error) {
	if wantsHours(normalized) && len(company.Hours) > 0 {
		return e.render(company, "hours", map[string]string{"hours": hoursLines(company.Hours)}), nil
	}

	products, err := e.store.ListProducts(ctx, company.ID)
	if err != nil {
		return "", fmt.Errorf("engine: load catalog: %w", err)
	}
	lines := make([]string, 0, len(products))
	for _, p := range products {
		if !p.Active || p.IsService() {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", p.Name, templates.FormatMoney(p.Price)))
	}
	if len(lines) == 0 {
		for _, p := range products {
			if p.Active && p.IsService() {
				lines = append(lines, "- "+p.Name)
			}
		}
	}
	if len(lines) == 0 {
		if len(company.Hours) > 0 {
			return e.render(company, "hours", map[string]string{"hours": hoursLines(company.Hours)}), nil
		}
		return e.render(company, "not_understood", nil), nil
	}
	return e.render(company, "catalog", map[string]string{"items": strings.Join(lines, "\n")}), nil
}

// wantsHours reports whether a consulta asks about opening hours rather
// than the catalog.
func wantsHours(normalized string) bool {
	for _, kw := range [...]string{"horario", "abren", "cierran", "abierto", "atienden", "hora"} {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}

var weekDays = []struct{ key, name string }{
	{"monday", "lunes"},
	{"tuesday", "martes"},
	{"wednesday", "miércoles"},
	{"thursday", "jueves"},
	{"friday", "viernes"},
	{"saturday", "sábado"},
	{"sunday", "domingo"},
}

// hoursLines renders the weekly schedule, one day per line. Days the
// tenant never configured read as closed, matching the booking check.
func hoursLines(hours models.BusinessHours) string {
	lines := make([]string, 0, len(weekDays))
	for _, d := range weekDays {
		h, ok := hours[d.key]
		if !ok || h.Closed {
			lines = append(lines, d.name+": cerrado")
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s a %s", d.name, h.Open, h.Close))
	}
	return strings.Join(lines, "\n")
}

// notUnderstood renders the clarifying reply and records the utterance
// so tenant vocabularies can learn from it.
func (e *Engine) notUnderstood(company *models.Company, conv *models.Conversation, d intent.Decision, normalized string) string {
	nuErr := &models.NotUnderstoodError{Best: d.Intent, Confidence: d.Confidence}
	log.Info().Err(nuErr).
		Str("company_id", company.ID).
		Str("conversation_id", conv.ID).
		Str("text", normalized).
		Msg("message not classified")
	return e.render(company, "not_understood", nil)
}

// ── Reservation turns ────────────────────────────────────────

// advance merges this turn's extracted data into the conversation and
// steps the reservation flow.
func (e *Engine) advance(ctx context.Context, company *models.Company, user *models.User, conv *models.Conversation, res *llm.Result, ents []entities.Entity, normalized, raw string) (string, error) {
	conv.Intent = models.IntentReservar
	e.merge(ctx, company, user, conv, res, ents, normalized, raw)
	return e.flow.Advance(ctx, company, user, conv)
}

// merge folds one turn's data into conv.Collected. Precedence: typed
// entities from the message, then LLM-extracted fields, then — when the
// flow is waiting on a free-text field — the message itself.
func (e *Engine) merge(ctx context.Context, company *models.Company, user *models.User, conv *models.Conversation, res *llm.Result, ents []entities.Entity, normalized, raw string) {
	set := make(map[string]bool, 4)
	for _, ent := range ents {
		switch ent.Type {
		case entities.TypeDate:
			if ent.Date != nil {
				d := *ent.Date
				conv.Collected.Date = &d
				set["date"] = true
			}
		case entities.TypeTime:
			conv.Collected.Time = ent.Value
			set["time"] = true
		case entities.TypeQuantity:
			if ent.Guests {
				conv.Collected.Guests = ent.Number
				set["guests"] = true
			}
		case entities.TypePhone:
			conv.Collected.Phone = ent.Value
			set["phone"] = true
		case entities.TypeEmail:
			e.learnEmail(ctx, user, ent.Value)
		}
	}

	if key := e.matchService(ctx, company.ID, normalized); key != "" {
		conv.ServiceKey = key
		conv.Collected.Service = key
		set["service"] = true
	}

	if res != nil {
		ex := res.ExtractedData
		if !set["date"] && ex.Date != "" {
			if t, err := time.Parse("2006-01-02", ex.Date); err == nil {
				d := models.CivilDateOf(t)
				conv.Collected.Date = &d
			}
		}
		if !set["time"] && validator.ValidTime(ex.Time) {
			conv.Collected.Time = ex.Time
		}
		if !set["guests"] && ex.Guests > 0 {
			conv.Collected.Guests = ex.Guests
		}
		if !set["phone"] && validator.ValidPhone(ex.Phone) {
			conv.Collected.Phone = ex.Phone
		}
		if !set["service"] && conv.ServiceKey == "" {
			if key := strings.ToLower(strings.TrimSpace(ex.Service)); key != "" {
				conv.ServiceKey = key
				conv.Collected.Service = key
			}
		}
		if addr := strings.TrimSpace(ex.Address); addr != "" {
			conv.Collected.Address = addr
		}
		if name := strings.TrimSpace(ex.Name); name != "" {
			conv.Collected.Name = name
		}
		if items := toItems(ex.Products); len(items) > 0 {
			conv.Collected.Products = items
		}
	}

	e.captureFreeText(ctx, company, conv, ents, raw)
}

// captureFreeText assigns the raw message to a pending address or name
// field when no extractor claimed it. Addresses and names keep their
// original casing and accents.
func (e *Engine) captureFreeText(ctx context.Context, company *models.Company, conv *models.Conversation, ents []entities.Entity, raw string) {
	if conv.State != models.StateCollecting || conv.ServiceKey == "" {
		return
	}
	resolved, err := e.resolver.Resolve(ctx, company, conv.ServiceKey, e.store.ListProducts)
	if err != nil {
		return
	}
	missing := validator.Missing(conv.Collected, resolved.Config)
	if len(missing) == 0 {
		return
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return
	}

	switch missing[0] {
	case "address":
		// Street numbers are fine; a bare phone, date or time is not an
		// address.
		for _, ent := range ents {
			if ent.Type == entities.TypePhone || ent.Type == entities.TypeDate || ent.Type == entities.TypeTime {
				return
			}
		}
		conv.Collected.Address = text
	case "name":
		if len(ents) > 0 || len(strings.Fields(text)) > 5 {
			return
		}
		conv.Collected.Name = text
	}
}

// learnEmail stores a newly seen email on the user record. Failures
// only log; the turn does not depend on it.
func (e *Engine) learnEmail(ctx context.Context, user *models.User, email string) {
	if email == "" || user.Email == email {
		return
	}
	user.Email = email
	if err := e.store.UpdateUser(ctx, user); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("user email update failed")
	}
}

// matchService finds the service a message names through the tenant's
// trigger keywords. Best weight wins; no match leaves the conversation
// on its current service.
func (e *Engine) matchService(ctx context.Context, companyID, normalized string) string {
	keywords, err := e.serviceKeywords(ctx, companyID)
	if err != nil {
		log.Warn().Err(err).Str("company_id", companyID).Msg("service keywords unavailable")
		return ""
	}

	tokens := strings.Fields(normalized)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}
	padded := " " + normalized + " "

	var best string
	var bestWeight float64
	for _, kw := range keywords {
		var hit bool
		switch kw.Mode {
		case models.MatchExact:
			if strings.Contains(kw.Keyword, " ") {
				hit = strings.Contains(padded, " "+kw.Keyword+" ")
			} else {
				hit = tokenSet[kw.Keyword]
			}
		default:
			hit = strings.Contains(normalized, kw.Keyword)
		}
		if hit && kw.Weight > bestWeight {
			best, bestWeight = kw.ServiceKey, kw.Weight
		}
	}
	return best
}

func (e *Engine) serviceKeywords(ctx context.Context, companyID string) ([]models.ServiceKeyword, error) {
	if cached, ok := e.svcKeywords.Get(companyID); ok {
		return cached.([]models.ServiceKeyword), nil
	}
	keywords, err := e.store.ListServiceKeywords(ctx, companyID)
	if err != nil {
		return nil, err
	}
	e.svcKeywords.SetDefault(companyID, keywords)
	return keywords, nil
}

func toItems(picks []llm.ProductPick) []models.ItemRequest {
	items := make([]models.ItemRequest, 0, len(picks))
	for _, p := range picks {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		qty := p.Quantity
		if qty <= 0 {
			qty = 1
		}
		items = append(items, models.ItemRequest{Name: name, Quantity: qty})
	}
	return items
}

// ── Shared ───────────────────────────────────────────────────

func (e *Engine) render(company *models.Company, key string, vars map[string]string) string {
	if vars == nil {
		vars = make(map[string]string, 1)
	}
	vars["company"] = company.Name
	return templates.Render(company.Type, key, vars, company.Config.Terminology)
}

// InvalidateCaches drops every compiled vocabulary, resolved service
// config and service-keyword list; the next message per company
// reloads. Wired to the admin cache-invalidation endpoint.
func (e *Engine) InvalidateCaches() {
	e.intents.InvalidateAll()
	e.resolver.InvalidateAll()
	e.svcKeywords.Flush()
}
