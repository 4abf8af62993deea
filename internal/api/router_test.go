package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/internal/api"
	"github.com/cupobot/cupobot/engine/internal/api/handlers"
	"github.com/cupobot/cupobot/engine/internal/catalog"
	"github.com/cupobot/cupobot/engine/internal/config"
	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/internal/engine"
	"github.com/cupobot/cupobot/engine/internal/entities"
	"github.com/cupobot/cupobot/engine/internal/flow"
	"github.com/cupobot/cupobot/engine/internal/intent"
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
	flow     *flow.Service
	router   http.Handler
	company  *models.Company
	user     *models.User
	pizza    *models.Product
	mesa     *models.Product

	checkouts atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{store: store.NewMemoryStore("")}
	t.Cleanup(func() { f.store.Close() })

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.checkouts.Add(1)
		ref := fmt.Sprintf("ref-%d", n)
		json.NewEncoder(w).Encode(payment.CheckoutResponse{
			PaymentID:  fmt.Sprintf("pay-%d", n),
			PaymentURL: "https://pay.test/c/" + ref,
			Status:     "PENDING",
			Reference:  ref,
		})
	}))
	t.Cleanup(provider.Close)

	days, err := dateutil.NewWithClock("UTC", func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("NewWithClock() error = %v", err)
	}

	m := metrics.New()
	sess := sessions.NewMemory(30 * time.Minute)
	t.Cleanup(sess.Close)
	res := resolver.New()
	stk := stock.NewService(f.store, notify.NewNotifier(), m, 0)

	fl := flow.NewService(flow.Deps{
		Store:    f.store,
		Stock:    stk,
		Payments: payment.NewService(f.store, config.PaymentConfig{BaseURL: provider.URL, PrivateKey: "prv_test"}, config.BreakerConfig{Failures: 10, Timeout: time.Minute, Probes: 1}, m),
		Resolver: res,
		Sessions: sess,
		Metrics:  m,
		Days:     days,
	}, 3)

	// Tier 3 stays nil: every scripted message decides on keywords.
	eng := engine.New(engine.Deps{
		Store:      f.store,
		Sessions:   sess,
		Gate:       sessions.NewGate(0),
		Normalizer: normalizer.New(),
		Entities:   entities.New(days),
		Intents:    intent.New(),
		Flow:       fl,
		Resolver:   res,
		Metrics:    m,
		Days:       days,
	}, 0)

	f.sessions = sess
	f.flow = fl
	h := handlers.New(f.store, eng, fl, stk, sess, m)
	f.router = api.NewRouter(&config.Config{CORS: config.CORSConfig{Origins: []string{"*"}}}, h)
	return f
}

// do pushes one request through the assembled router. A string body is
// sent raw, anything else is marshalled to JSON.
func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	resp := rec.Result()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	resp.Body.Close()
	return resp, raw
}

// message posts one inbound message for the fixture company and decodes
// the engine reply.
func (f *fixture) message(t *testing.T, text string) *engine.Response {
	t.Helper()
	resp, raw := f.do(t, http.MethodPost, "/api/v1/companies/"+f.company.ID+"/messages",
		map[string]string{"phone": testPhone, "message": text})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST message status = %d, body %s", resp.StatusCode, raw)
	}
	out := &engine.Response{}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return out
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
	f.mesa = f.createProduct(t, &models.Product{
		Name: "Mesa", Category: models.CategoryService,
		Meta: models.ServiceMeta{ServiceKey: models.ServiceMesa}, Active: true,
	})
	f.pizza = f.createProduct(t, &models.Product{
		Name: "Pizza Margarita", Price: decimal.NewFromInt(35000),
		HasStock: true, Stock: 10, MinStock: 3,
		Keywords: []string{"pizza"}, Active: true,
	})
}

// seedDelivery builds a delivery restaurant with an upfront-payment
// policy, so parked drafts hold both stock and a pending checkout.
func (f *fixture) seedDelivery(t *testing.T, pol models.PaymentPolicy) {
	t.Helper()
	f.createCompany(t, &models.Company{
		Name: "La Terraza", Type: models.CompanyRestaurant, Active: true,
		Payment: pol,
		Config:  models.CompanyConfig{DeliveryFee: decimal.NewFromInt(5000)},
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

	user, err := f.store.EnsureUserByPhone(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("EnsureUserByPhone() error = %v", err)
	}
	f.user = user
}

// parkDraft drives the flow into awaiting_payment: one pizza reserved,
// one pending checkout.
func (f *fixture) parkDraft(t *testing.T) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		ID:        "conv-parked",
		CompanyID: f.company.ID,
		UserID:    f.user.ID,
		Phone:     testPhone,
		State:     models.StateInitial,
		Intent:    models.IntentReservar,
	}
	conv.Collected.Date = &models.CivilDate{Year: 2026, Month: time.March, Day: 12}
	conv.Collected.Time = "20:00"
	conv.Collected.Products = []models.ItemRequest{{Name: "pizza", Quantity: 1}}
	conv.Collected.Address = "Calle 10 # 5-31"
	conv.Collected.Phone = testPhone

	if _, err := f.flow.Advance(context.Background(), f.company, f.user, conv); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if conv.State != models.StateAwaitingPayment {
		t.Fatalf("State = %q, want %q", conv.State, models.StateAwaitingPayment)
	}
	if err := f.sessions.Put(context.Background(), f.company.ID, testPhone, conv); err != nil {
		t.Fatalf("sessions.Put() error = %v", err)
	}
	return conv
}

// ─── Health and exposition ───────────────────────────────────

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	resp, raw := f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "healthy") {
		t.Errorf("health body = %s, want healthy", raw)
	}

	f.message(t, "hola")

	resp, raw = f.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "cupo_engine_messages_total") {
		t.Error("exposition is missing the message counter")
	}
}

// ─── Messages ────────────────────────────────────────────────

func TestPostMessageRunsEngine(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	out := f.message(t, "hola")
	if !strings.Contains(out.Reply, "Bienvenido a La Terraza") {
		t.Errorf("reply = %q, want the greeting", out.Reply)
	}
	if out.Intention != models.IntentSaludar {
		t.Errorf("intention = %s, want saludar", out.Intention)
	}
	if out.ConversationState != models.StateInitial {
		t.Errorf("state = %s, want initial", out.ConversationState)
	}
	if out.ConversationID == "" {
		t.Error("conversationId is empty")
	}
}

func TestPostMessageRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	path := "/api/v1/companies/" + f.company.ID + "/messages"
	tests := []struct {
		name string
		body any
		want string
	}{
		{"both identities", map[string]string{"userId": "u-1", "phone": testPhone, "message": "hola"}, "userId"},
		{"no identity", map[string]string{"message": "hola"}, "phone"},
		{"blank message", map[string]string{"phone": testPhone, "message": "   "}, "message"},
		{"malformed json", "{not json", "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := f.do(t, http.MethodPost, path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", resp.StatusCode, raw)
			}
			if !strings.Contains(string(raw), tt.want) {
				t.Errorf("body = %s, want mention of %q", raw, tt.want)
			}
		})
	}
}

func TestPostMessageUnknownCompany(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	resp, raw := f.do(t, http.MethodPost, "/api/v1/companies/nope/messages",
		map[string]string{"phone": testPhone, "message": "hola"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", resp.StatusCode, raw)
	}
}

// ─── Catalog ─────────────────────────────────────────────────

func TestGetCatalogSplitsServices(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	f.createProduct(t, &models.Product{Name: "Calzone", Active: false})

	resp, raw := f.do(t, http.MethodGet, "/api/v1/companies/"+f.company.ID+"/catalog", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Company  string           `json:"company"`
		Services []models.Product `json:"services"`
		Products []models.Product `json:"products"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if out.Company != "La Terraza" {
		t.Errorf("company = %q, want La Terraza", out.Company)
	}
	if len(out.Services) != 1 || out.Services[0].Name != "Mesa" {
		t.Errorf("services = %+v, want only Mesa", out.Services)
	}
	if len(out.Products) != 1 || out.Products[0].Name != "Pizza Margarita" {
		t.Errorf("products = %+v, want only the pizza", out.Products)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/companies/nope/catalog", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown company status = %d, want 404", resp.StatusCode)
	}
}

// ─── Reservations ────────────────────────────────────────────

func TestListReservationsFilters(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	ctx := context.Background()

	user, err := f.store.EnsureUserByPhone(ctx, testPhone)
	if err != nil {
		t.Fatalf("EnsureUserByPhone() error = %v", err)
	}
	seed := []models.Reservation{
		{CompanyID: f.company.ID, UserID: user.ID, ServiceKey: models.ServiceMesa, Date: models.CivilDate{Year: 2026, Month: time.March, Day: 12}, Time: "20:00", Guests: 2, Phone: testPhone, Status: models.ReservationConfirmed},
		{CompanyID: f.company.ID, UserID: user.ID, ServiceKey: models.ServiceMesa, Date: models.CivilDate{Year: 2026, Month: time.March, Day: 13}, Time: "19:00", Guests: 4, Phone: testPhone, Status: models.ReservationPending},
	}
	for i := range seed {
		if _, err := f.store.CreateReservation(ctx, &seed[i], nil); err != nil {
			t.Fatalf("CreateReservation() error = %v", err)
		}
	}

	base := "/api/v1/companies/" + f.company.ID + "/reservations"
	count := func(t *testing.T, path string) int {
		t.Helper()
		resp, raw := f.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, body %s", path, resp.StatusCode, raw)
		}
		var rows []models.Reservation
		if err := json.Unmarshal(raw, &rows); err != nil {
			t.Fatalf("decode reservations: %v", err)
		}
		return len(rows)
	}

	if got := count(t, base); got != 2 {
		t.Errorf("unfiltered = %d rows, want 2", got)
	}
	if got := count(t, base+"?status=confirmed"); got != 1 {
		t.Errorf("status=confirmed = %d rows, want 1", got)
	}
	if got := count(t, base+"?user="+user.ID); got != 2 {
		t.Errorf("user filter = %d rows, want 2", got)
	}
	if got := count(t, base+"?limit=1"); got != 1 {
		t.Errorf("limit=1 = %d rows, want 1", got)
	}

	resp, raw := f.do(t, http.MethodGet, base+"?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=abc status = %d, want 400 (body %s)", resp.StatusCode, raw)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/companies/nope/reservations", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown company status = %d, want 404", resp.StatusCode)
	}
}

// ─── Conversations ───────────────────────────────────────────

func TestListConversationsReadsSessions(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	f.message(t, "hola")

	resp, raw := f.do(t, http.MethodGet, "/api/v1/companies/"+f.company.ID+"/conversations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var rows []models.Conversation
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("conversations = %d, want 1", len(rows))
	}
	if rows[0].CompanyID != f.company.ID {
		t.Errorf("companyId = %s, want %s", rows[0].CompanyID, f.company.ID)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/companies/nope/conversations", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown company status = %d, want 404", resp.StatusCode)
	}
}

// ─── Stock ───────────────────────────────────────────────────

func TestGetStockChecksAvailability(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	ctx := context.Background()

	base := "/api/v1/companies/" + f.company.ID + "/products/" + f.pizza.ID + "/stock"

	resp, raw := f.do(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var check stock.CheckResult
	if err := json.Unmarshal(raw, &check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if !check.Available || check.CurrentStock != 10 {
		t.Errorf("check = %+v, want 10 available", check)
	}

	resp, raw = f.do(t, http.MethodGet, base+"?qty=11", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("qty=11 status = %d, body %s", resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, &check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if check.Available {
		t.Error("qty=11 reported available, want short")
	}

	resp, _ = f.do(t, http.MethodGet, base+"?qty=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("qty=0 status = %d, want 400", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/companies/"+f.company.ID+"/products/nope/stock", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown product status = %d, want 404", resp.StatusCode)
	}

	// A product from another tenant is invisible under this company.
	other := &models.Company{Name: "Ajena", Type: models.CompanyRestaurant, Active: true}
	if err := f.store.CreateCompany(ctx, other); err != nil {
		t.Fatalf("CreateCompany() error = %v", err)
	}
	foreign := &models.Product{CompanyID: other.ID, Name: "Empanada", HasStock: true, Stock: 5, Active: true}
	if err := f.store.CreateProduct(ctx, foreign); err != nil {
		t.Fatalf("CreateProduct() error = %v", err)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/companies/"+f.company.ID+"/products/"+foreign.ID+"/stock", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", resp.StatusCode)
	}
}

func TestAdjustStock(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)

	path := "/api/v1/companies/" + f.company.ID + "/products/" + f.pizza.ID + "/stock/adjust"

	resp, raw := f.do(t, http.MethodPost, path, map[string]any{"delta": -4, "reason": "damage"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var mv models.StockMovement
	if err := json.Unmarshal(raw, &mv); err != nil {
		t.Fatalf("decode movement: %v", err)
	}
	if mv.NewStock != 6 || mv.Type != models.MovementOut {
		t.Errorf("movement = %+v, want out to 6", mv)
	}

	resp, _ = f.do(t, http.MethodPost, path, map[string]any{"delta": -100})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("overdraw status = %d, want 409", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, path, map[string]any{"delta": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero delta status = %d, want 400", resp.StatusCode)
	}

	untracked := "/api/v1/companies/" + f.company.ID + "/products/" + f.mesa.ID + "/stock/adjust"
	resp, _ = f.do(t, http.MethodPost, untracked, map[string]any{"delta": 2})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("untracked product status = %d, want 400", resp.StatusCode)
	}
}

// ─── Payment webhook ─────────────────────────────────────────

func TestPaymentWebhookSettlesDraft(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{Enabled: true, Percentage: 50})
	conv := f.parkDraft(t)
	ctx := context.Background()

	post := func(t *testing.T, body any) (*http.Response, []byte) {
		t.Helper()
		return f.do(t, http.MethodPost, "/api/v1/webhooks/payments", body)
	}

	resp, raw := post(t, map[string]string{"reference": conv.PaymentRef, "status": "PENDING"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-terminal status = %d, want 400 (body %s)", resp.StatusCode, raw)
	}
	resp, _ = post(t, map[string]string{"status": "APPROVED"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing reference status = %d, want 400", resp.StatusCode)
	}
	resp, _ = post(t, map[string]string{"reference": "ref-nope", "status": "APPROVED"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown reference status = %d, want 404", resp.StatusCode)
	}

	resp, raw = post(t, map[string]string{"reference": conv.PaymentRef, "status": "APPROVED"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Reference string               `json:"reference"`
		Status    models.PaymentStatus `json:"status"`
		Reply     string               `json:"reply"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	if out.Status != models.PaymentApproved {
		t.Errorf("status = %s, want APPROVED", out.Status)
	}
	if !strings.Contains(out.Reply, "Pago recibido") {
		t.Errorf("reply = %q, want the confirmation", out.Reply)
	}
	res, err := f.store.GetReservation(ctx, conv.DraftReservationID)
	if err != nil {
		t.Fatalf("GetReservation() error = %v", err)
	}
	if res.Status != models.ReservationConfirmed {
		t.Errorf("reservation status = %s, want confirmed", res.Status)
	}

	// Replays settle nothing and answer 200 without a reply.
	resp, raw = post(t, map[string]string{"reference": conv.PaymentRef, "status": "APPROVED"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, body %s", resp.StatusCode, raw)
	}
	var replay map[string]any
	if err := json.Unmarshal(raw, &replay); err != nil {
		t.Fatalf("decode replay response: %v", err)
	}
	if _, ok := replay["reply"]; ok {
		t.Errorf("replay body = %s, want no reply", raw)
	}
}

// ─── Admin ───────────────────────────────────────────────────

func TestCacheInvalidateAndStats(t *testing.T) {
	f := newFixture(t)
	f.seedRestaurant(t)
	f.message(t, "hola")

	resp, raw := f.do(t, http.MethodPost, "/api/v1/admin/cache/invalidate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invalidate status = %d, body %s", resp.StatusCode, raw)
	}
	if !strings.Contains(string(raw), "invalidated") {
		t.Errorf("invalidate body = %s", raw)
	}

	resp, raw = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, body %s", resp.StatusCode, raw)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Messages < 1 {
		t.Errorf("messages = %d, want at least 1", snap.Messages)
	}
	if _, ok := snap.Tiers["layer1"]; !ok {
		t.Errorf("tiers = %v, want layer1 present", snap.Tiers)
	}
}
