package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/internal/breaker"
	"github.com/cupobot/cupobot/engine/internal/catalog"
	"github.com/cupobot/cupobot/engine/internal/config"
	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/internal/engine"
	"github.com/cupobot/cupobot/engine/internal/entities"
	"github.com/cupobot/cupobot/engine/internal/flow"
	"github.com/cupobot/cupobot/engine/internal/intent"
	"github.com/cupobot/cupobot/engine/internal/llm"
	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/normalizer"
	"github.com/cupobot/cupobot/engine/internal/notify"
	"github.com/cupobot/cupobot/engine/internal/payment"
	"github.com/cupobot/cupobot/engine/internal/resolver"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/stock"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Wednesday. The seeded restaurant opens Wednesday through Saturday.
var testNow = time.Date(2026, time.March, 11, 15, 0, 0, 0, time.UTC)

const testPhone = "+573001112233"

type fixture struct {
	store    store.Store
	sessions sessions.Store
	engine   *engine.Engine
	metrics  *metrics.Metrics
	company  *models.Company
	pizza    *models.Product

	llm       *httptest.Server
	llmStatus atomic.Int64 // 0 serves the scripted result
	llmDelay  atomic.Int64 // nanoseconds before answering
	llmCalls  atomic.Int64
}

// scriptedResult fakes the Tier-3 model: a few message markers map to
// canned classifications, everything else is a plain reservar.
func scriptedResult(message string) string {
	switch {
	case strings.Contains(message, "carrera"):
		return `{"intention":"otro","confidence":0.4,"extractedData":{},"missingFields":[],"suggestedReply":""}`
	case strings.Contains(message, "pizza"):
		return `{"intention":"reservar","confidence":0.9,"extractedData":{"products":[{"name":"pizza","quantity":1}]},"missingFields":[],"suggestedReply":""}`
	default:
		return `{"intention":"reservar","confidence":0.9,"extractedData":{},"missingFields":[],"suggestedReply":""}`
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{store: store.NewMemoryStore("")}
	t.Cleanup(func() { f.store.Close() })

	f.llm = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.llmCalls.Add(1)
		if d := time.Duration(f.llmDelay.Load()); d > 0 {
			time.Sleep(d)
		}
		if status := int(f.llmStatus.Load()); status != 0 {
			w.WriteHeader(status)
			return
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		last := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				last = m.Content
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": scriptedResult(strings.ToLower(last))}},
			},
		})
	}))
	t.Cleanup(f.llm.Close)

	days, err := dateutil.NewWithClock("UTC", func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("NewWithClock() error = %v", err)
	}

	m := metrics.New()
	sess := sessions.NewMemory(30 * time.Minute)
	t.Cleanup(sess.Close)
	res := resolver.New()

	fl := flow.NewService(flow.Deps{
		Store:    f.store,
		Stock:    stock.NewService(f.store, notify.NewNotifier(), m, 0),
		Payments: payment.NewService(f.store, config.PaymentConfig{BaseURL: "http://127.0.0.1:1", PrivateKey: "prv_test"}, config.BreakerConfig{Failures: 10, Timeout: time.Minute, Probes: 1}, m),
		Resolver: res,
		Sessions: sess,
		Metrics:  m,
		Days:     days,
	}, 3)

	f.sessions = sess
	f.metrics = m
	f.engine = engine.New(engine.Deps{
		Store:      f.store,
		Sessions:   sess,
		Gate:       sessions.NewGate(0),
		Normalizer: normalizer.New(),
		Entities:   entities.New(days),
		Intents:    intent.New(),
		Classifier: llm.New(llm.Options{Provider: "openai", Endpoint: f.llm.URL, Model: "test-model", APIKey: "sk-test", Deadline: 2 * time.Second}, breaker.New(5, time.Minute, 2)),
		Flow:       fl,
		Resolver:   res,
		Metrics:    m,
		Days:       days,
	}, 0)
	return f
}

func (f *fixture) createCompany(t *testing.T, c *models.Company) {
	t.Helper()
	if err := f.store.CreateCompany(context.Background(), c); err != nil {
		t.Fatalf("CreateCompany() error = %v", err)
	}
	f.company = c
	f.seedVocabulary(t, c.ID)
}

// seedVocabulary stamps the default intent and service-keyword sets the
// provisioning path gives every new tenant.
func (f *fixture) seedVocabulary(t *testing.T, companyID string) {
	t.Helper()
	ctx := context.Background()

	intentions, patterns, examples := catalog.DefaultIntentions(companyID)
	for i := range intentions {
		if err := f.store.CreateIntention(ctx, &intentions[i]); err != nil {
			t.Fatalf("CreateIntention() error = %v", err)
		}
	}
	for i := range patterns {
		if err := f.store.CreatePattern(ctx, &patterns[i]); err != nil {
			t.Fatalf("CreatePattern() error = %v", err)
		}
	}
	for i := range examples {
		if err := f.store.CreateExample(ctx, &examples[i]); err != nil {
			t.Fatalf("CreateExample() error = %v", err)
		}
	}
	if err := f.store.ReplaceSystemKeywords(ctx, catalog.SystemKeywords()); err != nil {
		t.Fatalf("ReplaceSystemKeywords() error = %v", err)
	}
	for _, kw := range catalog.DefaultServiceKeywords(companyID) {
		if err := f.store.CreateServiceKeyword(ctx, &kw); err != nil {
			t.Fatalf("CreateServiceKeyword() error = %v", err)
		}
	}
}

func (f *fixture) createProduct(t *testing.T, p *models.Product) *models.Product {
	t.Helper()
	p.CompanyID = f.company.ID
	if err := f.store.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("CreateProduct(%s) error = %v", p.Name, err)
	}
	return p
}

// seedRestaurant builds a table-service restaurant with a stocked menu.
// Open Wednesday through Saturday, closed Sunday.
func (f *fixture) seedRestaurant(t *testing.T) {
	t.Helper()
	f.createCompany(t, &models.Company{
		Name: "La Terraza", Type: models.CompanyRestaurant, Active: true,
		Hours: models.BusinessHours{
			"wednesday": {Open: "12:00", Close: "22:00"},
			"thursday":  {Open: "12:00", Close: "22:00"},
			"friday":    {Open: "12:00", Close: "23:00"},
			"saturday":  {Open: "12:00", Close: "23:00"},
			"sunday":    {Closed: true},
		},
	})
	f.createProduct(t, &models.Product{
		Name: "Mesa", Category: models.CategoryService,
		Meta: models.ServiceMeta{ServiceKey: models.ServiceMesa}, Active: true,
	})
	f.pizza = f.createProduct(t, &models.Product{
		Name: "Pizza Margarita", Price: decimal.NewFromInt(35000),
		HasStock: true, Stock: 10, MinStock: 3,
		Keywords: []string{"pizza"}, Active: true,
	})
}

// seedDelivery builds a delivery-only restaurant: products and address
// required, delivery fee on top, no schedule restrictions.
func (f *fixture) seedDelivery(t *testing.T) {
	t.Helper()
	f.createCompany(t, &models.Company{
		Name: "La Terraza", Type: models.CompanyRestaurant, Active: true,
		Config: models.CompanyConfig{DeliveryFee: decimal.NewFromInt(5000)},
	})
	f.createProduct(t, &models.Product{
		Name: "Domicilio", Category: models.CategoryService,
		Meta: models.ServiceMeta{
			ServiceKey:       models.ServiceDomicilio,
			RequiresProducts: true,
			RequiresAddress:  true,
		},
		Active: true,
	})
	f.pizza = f.createProduct(t, &models.Product{
		Name: "Pizza Margarita", Price: decimal.NewFromInt(35000),
		HasStock: true, Stock: 10, MinStock: 3,
		Keywords: []string{"pizza"}, Active: true,
	})
}

func (f *fixture) handle(t *testing.T, text string) *engine.Response {
	t.Helper()
	resp, err := f.engine.Handle(context.Background(), &engine.Message{
		CompanyID: f.company.ID,
		Phone:     testPhone,
		Text:      text,
	})
	if err != nil {
		t.Fatalf("Handle(%q) error = %v", text, err)
	}
	return resp
}

func (f *fixture) user(t *testing.T) *models.User {
	t.Helper()
	user, err := f.store.GetUserByPhone(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("GetUserByPhone() error = %v", err)
	}
	return user
}

func (f *fixture) session(t *testing.T) *models.Conversation {
	t.Helper()
	conv, err := f.sessions.Get(context.Background(), f.company.ID, f.user(t).Phone)
	if err != nil {
		t.Fatalf("sessions.Get() error = %v", err)
	}
	return conv
}

func (f *fixture) reservations(t *testing.T) []models.Reservation {
	t.Helper()
	rows, err := f.store.ListReservations(context.Background(), f.company.ID, store.ReservationFilter{})
	if err != nil {
		t.Fatalf("ListReservations() error = %v", err)
	}
	return rows
}

// ─── Identity and lookup ─────────────────────────────────────

func TestHandleValidatesIdentity(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	tests := []struct {
		name      string
		msg       engine.Message
		wantField string
	}{
		{"both identities", engine.Message{CompanyID: f.company.ID, UserID: "u-1", Phone: testPhone, Text: "hola"}, "userId"},
		{"no identity", engine.Message{CompanyID: f.company.ID, Text: "hola"}, "phone"},
		{"blank message", engine.Message{CompanyID: f.company.ID, Phone: testPhone, Text: "   "}, "message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Handle(context.Background(), &tt.msg)
			var fieldErr *models.FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("Handle() error = %v, want *models.FieldError", err)
			}
			if fieldErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", fieldErr.Field, tt.wantField)
			}
		})
	}
}

func TestHandleUnknownCompany(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	_, err := f.engine.Handle(context.Background(), &engine.Message{
		CompanyID: "ghost", Phone: testPhone, Text: "hola",
	})
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Handle() error = %v, want *store.ErrNotFound", err)
	}
}

// ─── Greetings and lookups ───────────────────────────────────

func TestHandleGreetsAndPersonalizes(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	resp := f.handle(t, "hola")
	if !strings.Contains(resp.Reply, "Bienvenido a La Terraza") {
		t.Errorf("Reply = %q, want the restaurant greeting", resp.Reply)
	}
	if resp.Intention != models.IntentSaludar || resp.Confidence != 1.0 {
		t.Errorf("decision = %s/%.2f, want saludar/1.00", resp.Intention, resp.Confidence)
	}
	if resp.ConversationID == "" || resp.ConversationState != models.StateInitial {
		t.Errorf("conversation = %q/%s, want fresh initial context", resp.ConversationID, resp.ConversationState)
	}
	if f.llmCalls.Load() != 0 {
		t.Errorf("llm calls = %d, want 0 for a Tier-1 decision", f.llmCalls.Load())
	}

	pref := &models.UserPreference{UserID: f.user(t).ID, CompanyID: f.company.ID, ReservationCount: 1}
	if err := f.store.UpsertPreference(context.Background(), pref); err != nil {
		t.Fatalf("UpsertPreference() error = %v", err)
	}

	again := f.handle(t, "buenos dias")
	if !strings.Contains(again.Reply, "Hola de nuevo") {
		t.Errorf("Reply = %q, want the returning-customer greeting", again.Reply)
	}
	if again.ConversationID != resp.ConversationID {
		t.Errorf("conversation id changed across an open context: %q vs %q", again.ConversationID, resp.ConversationID)
	}
}

func TestHandleTenantGreetingOverride(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	f.company.Config.Greeting = "Te atiende el bot de {{company}}. ¿Qué necesitas?"
	if err := f.store.UpdateCompany(context.Background(), f.company); err != nil {
		t.Fatalf("UpdateCompany() error = %v", err)
	}

	resp := f.handle(t, "hola")
	want := "Te atiende el bot de La Terraza. ¿Qué necesitas?"
	if resp.Reply != want {
		t.Errorf("Reply = %q, want %q", resp.Reply, want)
	}
}

func TestHandleFarewell(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	resp := f.handle(t, "hasta luego")
	if !strings.Contains(resp.Reply, "Gracias por escribirnos") {
		t.Errorf("Reply = %q, want the farewell", resp.Reply)
	}
	if resp.Intention != models.IntentDespedida {
		t.Errorf("Intention = %s, want despedida", resp.Intention)
	}
}

// ─── Consultas ───────────────────────────────────────────────

func TestHandleHoursQuestion(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	resp := f.handle(t, "cual es el horario")
	if resp.Intention != models.IntentConsultar {
		t.Fatalf("Intention = %s (%.2f), want consultar", resp.Intention, resp.Confidence)
	}
	for _, want := range []string{"Nuestro horario es", "miércoles: 12:00 a 22:00", "lunes: cerrado", "domingo: cerrado"} {
		if !strings.Contains(resp.Reply, want) {
			t.Errorf("Reply = %q, missing %q", resp.Reply, want)
		}
	}
	if f.llmCalls.Load() != 0 {
		t.Errorf("llm calls = %d, want 0 for a Tier-2 decision", f.llmCalls.Load())
	}
}

func TestHandleCatalogQuestion(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	resp := f.handle(t, "que precios tienen")
	if resp.Intention != models.IntentConsultar {
		t.Fatalf("Intention = %s (%.2f), want consultar", resp.Intention, resp.Confidence)
	}
	if !strings.Contains(resp.Reply, "Pizza Margarita: $35.000") {
		t.Errorf("Reply = %q, want the menu listing", resp.Reply)
	}
}

// ─── Reservation flow ────────────────────────────────────────

func TestHandleReservationFlowEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	resp := f.handle(t, "quiero reservar una mesa")
	if resp.Intention != models.IntentReservar || resp.Confidence != 1.0 {
		t.Fatalf("decision = %s/%.2f, want reservar/1.00", resp.Intention, resp.Confidence)
	}
	if resp.ConversationState != models.StateCollecting {
		t.Fatalf("state = %s, want collecting", resp.ConversationState)
	}
	if !strings.Contains(resp.Reply, "la fecha") {
		t.Errorf("Reply = %q, want the date question", resp.Reply)
	}
	wantMissing := []string{"date", "time", "guests", "phone"}
	if len(resp.MissingFields) != len(wantMissing) {
		t.Fatalf("MissingFields = %v, want %v", resp.MissingFields, wantMissing)
	}
	for i, field := range wantMissing {
		if resp.MissingFields[i] != field {
			t.Errorf("MissingFields[%d] = %q, want %q", i, resp.MissingFields[i], field)
		}
	}

	resp = f.handle(t, "manana a las 8 de la noche")
	if !strings.Contains(resp.Reply, "el número de personas") {
		t.Errorf("Reply = %q, want the guests question", resp.Reply)
	}
	if len(resp.MissingFields) != 2 || resp.MissingFields[0] != "guests" {
		t.Errorf("MissingFields = %v, want [guests phone]", resp.MissingFields)
	}

	resp = f.handle(t, "somos 4 personas y mi telefono es 3001112233")
	if resp.ConversationState != models.StateConfirmed {
		t.Fatalf("state = %s, want confirmed (reply %q)", resp.ConversationState, resp.Reply)
	}
	if !strings.Contains(resp.Reply, "Mesa para 4 personas") {
		t.Errorf("Reply = %q, want the confirmation", resp.Reply)
	}
	if resp.MissingFields != nil {
		t.Errorf("MissingFields = %v, want none after confirmation", resp.MissingFields)
	}

	rows := f.reservations(t)
	if len(rows) != 1 {
		t.Fatalf("reservations = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Status != models.ReservationConfirmed || row.Guests != 4 || row.Time != "20:00" {
		t.Errorf("reservation = %s/%d guests/%s, want confirmed/4/20:00", row.Status, row.Guests, row.Time)
	}
	if row.Date != (models.CivilDate{Year: 2026, Month: time.March, Day: 12}) {
		t.Errorf("Date = %s, want 2026-03-12", row.Date)
	}
	if row.Phone != "+57 300 111 2233" {
		t.Errorf("Phone = %q, want the normalized mobile", row.Phone)
	}

	pref, err := f.store.GetPreference(context.Background(), f.user(t).ID, f.company.ID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if pref.ReservationCount != 1 || pref.PreferredService != models.ServiceMesa {
		t.Errorf("preference = %d/%s, want 1/mesa", pref.ReservationCount, pref.PreferredService)
	}

	confirmedID := resp.ConversationID

	// A finished conversation does not accept more turns; the next
	// message opens a fresh context and greets the returning customer.
	resp = f.handle(t, "hola")
	if resp.ConversationID == confirmedID {
		t.Error("conversation id reused after a confirmed outcome")
	}
	if !strings.Contains(resp.Reply, "Hola de nuevo") {
		t.Errorf("Reply = %q, want the returning-customer greeting", resp.Reply)
	}
}

func TestHandleDeliveryCapturesAddress(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t)

	resp := f.handle(t, "quiero pedir un domicilio")
	if resp.Intention != models.IntentReservar {
		t.Fatalf("Intention = %s, want reservar", resp.Intention)
	}
	if !strings.Contains(resp.Reply, "la fecha") {
		t.Errorf("Reply = %q, want the date question", resp.Reply)
	}

	resp = f.handle(t, "manana a las 7 de la noche")
	if !strings.Contains(resp.Reply, "los productos") {
		t.Errorf("Reply = %q, want the products question", resp.Reply)
	}

	resp = f.handle(t, "una pizza margarita")
	if !strings.Contains(resp.Reply, "la dirección de entrega") {
		t.Errorf("Reply = %q, want the address question", resp.Reply)
	}

	// Free text answers the pending address; casing and punctuation
	// survive verbatim.
	const address = "Carrera 7 # 45 - 12, apto 301"
	resp = f.handle(t, address)
	if !strings.Contains(resp.Reply, "un número de teléfono") {
		t.Errorf("Reply = %q, want the phone question", resp.Reply)
	}
	if got := f.session(t).Collected.Address; got != address {
		t.Errorf("Collected.Address = %q, want %q", got, address)
	}

	resp = f.handle(t, "3001112233")
	if resp.ConversationState != models.StateConfirmed {
		t.Fatalf("state = %s, want confirmed (reply %q)", resp.ConversationState, resp.Reply)
	}

	rows := f.reservations(t)
	if len(rows) != 1 {
		t.Fatalf("reservations = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Address != address {
		t.Errorf("Address = %q, want %q", row.Address, address)
	}
	if len(row.Items) != 1 || row.Items[0].ProductID != f.pizza.ID {
		t.Fatalf("Items = %+v, want the pizza", row.Items)
	}
	if want := decimal.NewFromInt(40000); !row.Total.Equal(want) {
		t.Errorf("Total = %s, want %s (items plus delivery fee)", row.Total, want)
	}
}

// ─── Cancellation ────────────────────────────────────────────

func TestHandleCancelEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	user, err := f.store.EnsureUserByPhone(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("EnsureUserByPhone() error = %v", err)
	}
	res := &models.Reservation{
		CompanyID:  f.company.ID,
		UserID:     user.ID,
		ServiceKey: models.ServiceMesa,
		Date:       models.CivilDate{Year: 2026, Month: time.March, Day: 12},
		Time:       "20:00",
		Guests:     2,
		Phone:      testPhone,
		Status:     models.ReservationConfirmed,
	}
	if _, err := f.store.CreateReservation(context.Background(), res, nil); err != nil {
		t.Fatalf("CreateReservation() error = %v", err)
	}

	resp := f.handle(t, "quiero cancelar mi reserva")
	if resp.Intention != models.IntentCancelar {
		t.Fatalf("Intention = %s (%.2f), want cancelar", resp.Intention, resp.Confidence)
	}
	if !strings.Contains(resp.Reply, "12 de marzo") || !strings.Contains(resp.Reply, "Confirmas") {
		t.Errorf("Reply = %q, want the confirm question for March 12", resp.Reply)
	}

	resp = f.handle(t, "si")
	if !strings.Contains(resp.Reply, "cancelad") {
		t.Errorf("Reply = %q, want the cancellation notice", resp.Reply)
	}

	got, err := f.store.GetReservation(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("GetReservation() error = %v", err)
	}
	if got.Status != models.ReservationCancelled || got.CancelledAt == nil {
		t.Errorf("reservation = %s (cancelledAt %v), want cancelled with timestamp", got.Status, got.CancelledAt)
	}
	if conv := f.session(t); flow.InCancelFlow(conv) {
		t.Error("cancel scratch not cleared after the final answer")
	}
}

// ─── Degraded modes ──────────────────────────────────────────

func TestHandleLLMDownFallsBackToCandidates(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	f.llmStatus.Store(http.StatusInternalServerError)

	// "horario" alone stays under both tier thresholds; with the model
	// away the strongest candidate still answers the question.
	resp := f.handle(t, "horario")
	if resp.Intention != models.IntentConsultar {
		t.Fatalf("Intention = %s (%.2f), want consultar via fallback", resp.Intention, resp.Confidence)
	}
	if !strings.Contains(resp.Reply, "Nuestro horario es") {
		t.Errorf("Reply = %q, want the hours", resp.Reply)
	}

	// Noise-level candidates must not decide; the bot asks to rephrase.
	resp = f.handle(t, "xyzzy plugh")
	if resp.Intention != models.IntentOtro {
		t.Fatalf("Intention = %s (%.2f), want otro", resp.Intention, resp.Confidence)
	}
	if !strings.Contains(resp.Reply, "no te entendí") {
		t.Errorf("Reply = %q, want the clarifying reply", resp.Reply)
	}

	snap := f.metrics.Snapshot()
	if got := snap.Tiers["layer3"]["error"].Calls; got != 2 {
		t.Errorf("layer3 error calls = %d, want 2", got)
	}
}

func TestHandleBreakerStopsCallingOpenLLM(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	f.llmStatus.Store(http.StatusInternalServerError)

	for i := 0; i < 5; i++ {
		f.handle(t, "mensaje sin clasificar numero "+strings.Repeat("x", i+1))
	}
	if got := f.llmCalls.Load(); got != 5 {
		t.Fatalf("llm calls = %d, want 5 before the breaker opens", got)
	}

	// Five straight failures open the breaker: the next message must
	// not reach the provider at all.
	resp := f.handle(t, "otro mensaje sin clasificar")
	if got := f.llmCalls.Load(); got != 5 {
		t.Errorf("llm calls = %d, want still 5 with the breaker open", got)
	}
	if resp.Intention != models.IntentOtro {
		t.Errorf("Intention = %s, want otro from the fallback", resp.Intention)
	}
}

func TestHandleSecondMessageWhileBusy(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	f.llmDelay.Store(int64(time.Second))

	type result struct {
		resp *engine.Response
		err  error
	}
	send := func(text string) chan result {
		ch := make(chan result, 1)
		go func() {
			resp, err := f.engine.Handle(context.Background(), &engine.Message{
				CompanyID: f.company.ID, Phone: testPhone, Text: text,
			})
			ch <- result{resp, err}
		}()
		return ch
	}

	first := send("somos 4 personas")
	time.Sleep(50 * time.Millisecond)
	second := send("y tambien quiero postre")
	time.Sleep(50 * time.Millisecond)

	// Holder busy, waiter queued: a third arrival is turned away at once.
	third := f.handle(t, "hola?")
	if !strings.Contains(third.Reply, "Dame un momento") {
		t.Errorf("third Reply = %q, want the still-thinking notice", third.Reply)
	}
	if third.ConversationID != "" {
		t.Errorf("third ConversationID = %q, want empty: rejected turns must not touch state", third.ConversationID)
	}

	if got := <-second; got.err != nil {
		t.Errorf("second Handle() error = %v", got.err)
	} else if !strings.Contains(got.resp.Reply, "Dame un momento") {
		t.Errorf("second Reply = %q, want the still-thinking notice after patience ran out", got.resp.Reply)
	}
	if got := <-first; got.err != nil {
		t.Errorf("first Handle() error = %v", got.err)
	} else if got.resp.ConversationState != models.StateCollecting {
		t.Errorf("first state = %s, want collecting (reply %q)", got.resp.ConversationState, got.resp.Reply)
	}
}

// ─── Context bookkeeping ─────────────────────────────────────

func TestHandleTranscriptCapped(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	for i := 0; i < 6; i++ {
		f.handle(t, "hola")
	}

	conv := f.session(t)
	if len(conv.Turns) != 10 {
		t.Fatalf("Turns = %d, want capped at 10", len(conv.Turns))
	}
	for i, turn := range conv.Turns {
		want := "user"
		if i%2 == 1 {
			want = "bot"
		}
		if turn.Role != want {
			t.Errorf("Turns[%d].Role = %q, want %q", i, turn.Role, want)
		}
	}
	if conv.LastTurnAt.IsZero() {
		t.Error("LastTurnAt not stamped")
	}
}

func TestInvalidateCachesPicksUpNewVocabulary(t *testing.T) {
	f := newFixture(t)
	f.llmStatus.Store(http.StatusInternalServerError)

	// A tenant provisioned with no vocabulary at all.
	company := &models.Company{Name: "La Terraza", Type: models.CompanyRestaurant, Active: true}
	if err := f.store.CreateCompany(context.Background(), company); err != nil {
		t.Fatalf("CreateCompany() error = %v", err)
	}
	f.company = company

	if resp := f.handle(t, "hola"); resp.Intention != models.IntentOtro {
		t.Fatalf("Intention = %s, want otro with an empty vocabulary", resp.Intention)
	}

	f.seedVocabulary(t, company.ID)

	// The compiled view is cached: new keywords stay invisible until an
	// invalidation event.
	if resp := f.handle(t, "hola"); resp.Intention != models.IntentOtro {
		t.Fatalf("Intention = %s, want otro while the stale view is cached", resp.Intention)
	}

	f.engine.InvalidateCaches()
	resp := f.handle(t, "hola")
	if resp.Intention != models.IntentSaludar {
		t.Errorf("Intention = %s, want saludar after invalidation", resp.Intention)
	}
	if !strings.Contains(resp.Reply, "Bienvenido a La Terraza") {
		t.Errorf("Reply = %q, want the greeting", resp.Reply)
	}
}
