package flow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/internal/config"
	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/internal/flow"
	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/notify"
	"github.com/cupobot/cupobot/engine/internal/payment"
	"github.com/cupobot/cupobot/engine/internal/resolver"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/stock"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// The fixed clock pins "today" to Wednesday 2026-03-11.
var testNow = time.Date(2026, time.March, 11, 15, 0, 0, 0, time.UTC)

const testPhone = "+573001112233"

type fixture struct {
	store    store.Store
	flow     *flow.Service
	sessions sessions.Store
	company  *models.Company
	user     *models.User
	pizza    *models.Product

	checkouts atomic.Int64
	payStatus atomic.Int64 // provider reply; 0 means 200
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	f.store = st

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(f.payStatus.Load()); code != 0 && code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
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
	f.sessions = sess

	f.flow = flow.NewService(flow.Deps{
		Store:    st,
		Stock:    stock.NewService(st, notify.NewNotifier(), m, 0),
		Payments: payment.NewService(st, config.PaymentConfig{BaseURL: provider.URL, PrivateKey: "prv_test"}, config.BreakerConfig{Failures: 10, Timeout: time.Minute, Probes: 1}, m),
		Resolver: resolver.New(),
		Sessions: sess,
		Metrics:  m,
		Days:     days,
	}, 3)
	return f
}

func (f *fixture) createCompany(t *testing.T, c *models.Company) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateCompany(ctx, c); err != nil {
		t.Fatalf("CreateCompany() error = %v", err)
	}
	f.company = c

	user, err := f.store.EnsureUserByPhone(ctx, testPhone)
	if err != nil {
		t.Fatalf("EnsureUserByPhone() error = %v", err)
	}
	f.user = user
}

func (f *fixture) createProduct(t *testing.T, p *models.Product) *models.Product {
	t.Helper()
	p.CompanyID = f.company.ID
	if err := f.store.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("CreateProduct(%s) error = %v", p.Name, err)
	}
	return p
}

// seedMesa builds a restaurant with one table service and a stocked pizza.
// Open Wednesday through Saturday, closed Sunday.
func (f *fixture) seedMesa(t *testing.T, pol models.PaymentPolicy) {
	t.Helper()
	f.createCompany(t, &models.Company{
		Name: "La Terraza", Type: models.CompanyRestaurant, Active: true,
		Payment: pol,
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

// seedDelivery builds a restaurant whose only service is domicilio:
// products and address required, and a delivery fee on top of the total.
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
}

// seedClinic builds a clinic with one priced appointment service.
func (f *fixture) seedClinic(t *testing.T, pol models.PaymentPolicy) {
	t.Helper()
	f.createCompany(t, &models.Company{
		Name: "Clínica Norte", Type: models.CompanyClinic, Active: true,
		Payment: pol,
	})
	f.createProduct(t, &models.Product{
		Name: "Consulta", Category: models.CategoryService,
		Price: decimal.NewFromInt(80000),
		Meta:  models.ServiceMeta{ServiceKey: models.ServiceCita},
		Active: true,
	})
}

func (f *fixture) newConversation() *models.Conversation {
	return &models.Conversation{
		ID:        "conv-1",
		CompanyID: f.company.ID,
		UserID:    f.user.ID,
		Phone:     testPhone,
		State:     models.StateInitial,
		Intent:    models.IntentReservar,
	}
}

func (f *fixture) advance(t *testing.T, conv *models.Conversation) string {
	t.Helper()
	reply, err := f.flow.Advance(context.Background(), f.company, f.user, conv)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	return reply
}

func (f *fixture) stockOf(t *testing.T, productID string) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("GetProduct() error = %v", err)
	}
	return p.Stock
}

// bookReservation inserts a confirmed table booking directly.
func (f *fixture) bookReservation(t *testing.T, day int, clock string) *models.Reservation {
	t.Helper()
	res := &models.Reservation{
		CompanyID:  f.company.ID,
		UserID:     f.user.ID,
		ServiceKey: models.ServiceMesa,
		Date:       models.CivilDate{Year: 2026, Month: time.March, Day: day},
		Time:       clock,
		Guests:     2,
		Phone:      testPhone,
		Status:     models.ReservationConfirmed,
	}
	if _, err := f.store.CreateReservation(context.Background(), res, nil); err != nil {
		t.Fatalf("CreateReservation() error = %v", err)
	}
	return res
}

func thursday() *models.CivilDate {
	return &models.CivilDate{Year: 2026, Month: time.March, Day: 12}
}

// ─── Field collection ────────────────────────────────────────

func TestAdvanceAsksFieldsInOrder(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	conv := f.newConversation()

	steps := []struct {
		fill func()
		want string
	}{
		{func() {}, "la fecha"},
		{func() { conv.Collected.Date = thursday() }, "la hora"},
		{func() { conv.Collected.Time = "20:00" }, "el número de personas"},
		{func() { conv.Collected.Guests = 4 }, "un número de teléfono"},
	}
	for _, step := range steps {
		step.fill()
		reply := f.advance(t, conv)
		if !strings.Contains(reply, step.want) {
			t.Fatalf("Advance() = %q, want mention of %q", reply, step.want)
		}
		if conv.State != models.StateCollecting {
			t.Fatalf("State = %q, want %q", conv.State, models.StateCollecting)
		}
	}

	conv.Collected.Phone = testPhone
	reply := f.advance(t, conv)
	if conv.State != models.StateConfirmed {
		t.Fatalf("State = %q, want %q", conv.State, models.StateConfirmed)
	}
	if !strings.Contains(reply, "Mesa para 4 personas") {
		t.Errorf("Advance() = %q, want the restaurant confirmation", reply)
	}

	list, err := f.store.ListReservations(context.Background(), f.company.ID, store.ReservationFilter{})
	if err != nil {
		t.Fatalf("ListReservations() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListReservations() returned %d, want 1", len(list))
	}
	if list[0].Status != models.ReservationConfirmed || list[0].Guests != 4 {
		t.Errorf("reservation = %s/%d guests, want confirmed/4", list[0].Status, list[0].Guests)
	}

	pref, err := f.store.GetPreference(context.Background(), f.user.ID, f.company.ID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if pref.ReservationCount != 1 || pref.PreferredService != models.ServiceMesa {
		t.Errorf("preference = %d/%q, want 1/%q", pref.ReservationCount, pref.PreferredService, models.ServiceMesa)
	}
}

func TestAdvanceAdoptsSingleService(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	conv := f.newConversation()

	f.advance(t, conv)
	if conv.ServiceKey != models.ServiceMesa {
		t.Errorf("ServiceKey = %q, want %q", conv.ServiceKey, models.ServiceMesa)
	}
	if conv.Collected.Service != models.ServiceMesa {
		t.Errorf("Collected.Service = %q, want %q", conv.Collected.Service, models.ServiceMesa)
	}
}

func TestAdvanceMultiServiceAsksChoice(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	f.createProduct(t, &models.Product{
		Name: "Domicilio", Category: models.CategoryService,
		Meta:   models.ServiceMeta{ServiceKey: models.ServiceDomicilio, RequiresProducts: true},
		Active: true,
	})
	conv := f.newConversation()

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "domicilio") || !strings.Contains(reply, "mesa") {
		t.Errorf("Advance() = %q, want both service keys offered", reply)
	}
	if conv.ServiceKey != "" {
		t.Errorf("ServiceKey = %q, want empty until the user picks", conv.ServiceKey)
	}
	if conv.State != models.StateCollecting {
		t.Errorf("State = %q, want %q", conv.State, models.StateCollecting)
	}
}

func TestAdvanceDisabledServiceApologizes(t *testing.T) {
	f := newFixture(t)
	f.createCompany(t, &models.Company{Name: "La Terraza", Type: models.CompanyRestaurant, Active: true})
	f.createProduct(t, &models.Product{
		Name: "Mesa", Category: models.CategoryService,
		Meta: models.ServiceMeta{ServiceKey: models.ServiceMesa},
	}) // Active false: configured but switched off
	conv := f.newConversation()

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "no ofrecemos") {
		t.Errorf("Advance() = %q, want the unavailable apology", reply)
	}
	if conv.State != models.StateInitial || conv.ServiceKey != "" {
		t.Errorf("state = %q/%q, want initial with no service", conv.State, conv.ServiceKey)
	}
}

// ─── Schedule checks ─────────────────────────────────────────

func TestAdvanceClosedDayAsksAnotherDate(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	conv := f.newConversation()
	conv.Collected.Date = &models.CivilDate{Year: 2026, Month: time.March, Day: 15} // Sunday

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "no abrimos") {
		t.Errorf("Advance() = %q, want the closed-day reply", reply)
	}
	if conv.Collected.Date != nil {
		t.Errorf("Collected.Date = %v, want cleared", conv.Collected.Date)
	}
}

func TestAdvancePastDateAsksAnotherDate(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	conv := f.newConversation()
	conv.Collected.Date = &models.CivilDate{Year: 2026, Month: time.March, Day: 10} // yesterday

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "no abrimos") {
		t.Errorf("Advance() = %q, want the closed-day reply", reply)
	}
	if conv.Collected.Date != nil {
		t.Errorf("Collected.Date = %v, want cleared", conv.Collected.Date)
	}
}

func TestAdvanceOutsideHoursAsksAnotherTime(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	conv := f.newConversation()
	conv.Collected.Date = thursday()
	conv.Collected.Time = "23:00"

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "12:00 a 22:00") {
		t.Errorf("Advance() = %q, want the day's window", reply)
	}
	if conv.Collected.Time != "" {
		t.Errorf("Collected.Time = %q, want cleared", conv.Collected.Time)
	}
	if conv.Collected.Date == nil {
		t.Error("Collected.Date cleared, want kept")
	}
}

// ─── Product lines ───────────────────────────────────────────

func deliveryFields(conv *models.Conversation, qty int) {
	conv.Collected.Date = thursday()
	conv.Collected.Time = "20:00"
	conv.Collected.Products = []models.ItemRequest{{Name: "pizza", Quantity: qty}}
	conv.Collected.Address = "Calle 10 # 5-31"
	conv.Collected.Phone = testPhone
}

func TestAdvanceDeliveryConfirmAddsFee(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{})
	conv := f.newConversation()
	deliveryFields(conv, 2)

	reply := f.advance(t, conv)
	if conv.State != models.StateConfirmed {
		t.Fatalf("State = %q, want %q (reply %q)", conv.State, models.StateConfirmed, reply)
	}

	list, _ := f.store.ListReservations(context.Background(), f.company.ID, store.ReservationFilter{})
	if len(list) != 1 {
		t.Fatalf("ListReservations() returned %d, want 1", len(list))
	}
	r := list[0]
	if want := decimal.NewFromInt(75000); !r.Total.Equal(want) {
		t.Errorf("Total = %s, want %s (2 pizzas + delivery fee)", r.Total, want)
	}
	if !r.StockReserved {
		t.Error("StockReserved = false, want true")
	}
	if got := f.stockOf(t, f.pizza.ID); got != 8 {
		t.Errorf("stock = %d, want 8", got)
	}

	pref, err := f.store.GetPreference(context.Background(), f.user.ID, f.company.ID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if len(pref.FavoriteProducts) != 1 || pref.FavoriteProducts[0] != f.pizza.ID {
		t.Errorf("FavoriteProducts = %v, want [%s]", pref.FavoriteProducts, f.pizza.ID)
	}
	if pref.PreferredDay != "thursday" {
		t.Errorf("PreferredDay = %q, want %q", pref.PreferredDay, "thursday")
	}
}

func TestAdvanceShortStockAsksAgain(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{})
	conv := f.newConversation()
	deliveryFields(conv, 20)

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "Pizza Margarita") {
		t.Errorf("Advance() = %q, want the product named", reply)
	}
	if conv.State != models.StateCollecting {
		t.Errorf("State = %q, want %q", conv.State, models.StateCollecting)
	}
	if conv.Retries != 0 {
		t.Errorf("Retries = %d, want 0 after a stock miss", conv.Retries)
	}
	if got := f.stockOf(t, f.pizza.ID); got != 10 {
		t.Errorf("stock = %d, want untouched 10", got)
	}
}

func TestAdvanceUnknownProductAsksAgain(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{})
	conv := f.newConversation()
	deliveryFields(conv, 1)
	conv.Collected.Products = []models.ItemRequest{{Name: "hamburguesa", Quantity: 1}}

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "hamburguesa") {
		t.Errorf("Advance() = %q, want the unknown product echoed", reply)
	}
	if conv.State != models.StateCollecting {
		t.Errorf("State = %q, want %q", conv.State, models.StateCollecting)
	}
}

// ─── Payment leg ─────────────────────────────────────────────

func clinicFields(conv *models.Conversation) {
	conv.Collected.Date = thursday()
	conv.Collected.Time = "10:00"
	conv.Collected.Phone = testPhone
}

func TestAdvancePaymentLegParksDraft(t *testing.T) {
	f := newFixture(t)
	f.seedClinic(t, models.PaymentPolicy{Enabled: true, Percentage: 50})
	conv := f.newConversation()
	clinicFields(conv)

	reply := f.advance(t, conv)
	if conv.State != models.StateAwaitingPayment {
		t.Fatalf("State = %q, want %q (reply %q)", conv.State, models.StateAwaitingPayment, reply)
	}
	if conv.DraftReservationID == "" || conv.PaymentRef == "" {
		t.Fatalf("draft = %q ref = %q, want both set", conv.DraftReservationID, conv.PaymentRef)
	}
	if !strings.Contains(reply, "https://pay.test/c/") {
		t.Errorf("Advance() = %q, want the checkout link", reply)
	}

	r, err := f.store.GetReservation(context.Background(), conv.DraftReservationID)
	if err != nil {
		t.Fatalf("GetReservation() error = %v", err)
	}
	if r.Status != models.ReservationAwaitingPayment {
		t.Errorf("Status = %q, want %q", r.Status, models.ReservationAwaitingPayment)
	}

	p, err := f.store.GetPaymentByReference(context.Background(), conv.PaymentRef)
	if err != nil {
		t.Fatalf("GetPaymentByReference() error = %v", err)
	}
	if want := decimal.NewFromInt(40000); !p.Amount.Equal(want) {
		t.Errorf("Amount = %s, want %s (50%% of 80000)", p.Amount, want)
	}
}

func TestAdvanceRemindsWhileAwaitingPayment(t *testing.T) {
	f := newFixture(t)
	f.seedClinic(t, models.PaymentPolicy{Enabled: true, Percentage: 50})
	conv := f.newConversation()
	clinicFields(conv)
	f.advance(t, conv)

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "https://pay.test/c/") {
		t.Errorf("Advance() = %q, want the link re-sent", reply)
	}
	if got := f.checkouts.Load(); got != 1 {
		t.Errorf("provider checkouts = %d, want 1 (no re-booking)", got)
	}
	list, _ := f.store.ListReservations(context.Background(), f.company.ID, store.ReservationFilter{})
	if len(list) != 1 {
		t.Errorf("ListReservations() returned %d, want 1", len(list))
	}
}

func TestAdvanceCheckoutFailureBurnsRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.seedClinic(t, models.PaymentPolicy{Enabled: true, Percentage: 100})
	f.payStatus.Store(http.StatusBadGateway)
	conv := f.newConversation()
	clinicFields(conv)

	for attempt := 1; attempt <= 2; attempt++ {
		reply := f.advance(t, conv)
		if !strings.Contains(reply, "Algo salió mal") {
			t.Fatalf("attempt %d reply = %q, want the flow error", attempt, reply)
		}
		if conv.State != models.StateCollecting {
			t.Fatalf("attempt %d State = %q, want %q", attempt, conv.State, models.StateCollecting)
		}
		if conv.Retries != attempt {
			t.Fatalf("attempt %d Retries = %d, want %d", attempt, conv.Retries, attempt)
		}
	}

	reply := f.advance(t, conv)
	if !strings.Contains(reply, "varios intentos") {
		t.Errorf("Advance() = %q, want retries exhausted", reply)
	}
	if conv.State != models.StateInitial || conv.Retries != 0 {
		t.Errorf("state = %q retries = %d, want initial/0", conv.State, conv.Retries)
	}
	if conv.Collected.Date != nil || conv.Collected.Time != "" {
		t.Error("Collected fields kept, want reset")
	}

	list, _ := f.store.ListReservations(context.Background(), f.company.ID, store.ReservationFilter{
		Statuses: []models.ReservationStatus{models.ReservationCancelled},
	})
	if len(list) != 3 {
		t.Errorf("cancelled drafts = %d, want 3", len(list))
	}
}

// ─── Webhook settlement ──────────────────────────────────────

// parkDraft runs the payment leg and stores the session, returning the
// conversation parked in awaiting_payment.
func (f *fixture) parkDraft(t *testing.T, prep func(*models.Conversation)) *models.Conversation {
	t.Helper()
	conv := f.newConversation()
	prep(conv)
	f.advance(t, conv)
	if conv.State != models.StateAwaitingPayment {
		t.Fatalf("State = %q, want %q", conv.State, models.StateAwaitingPayment)
	}
	if err := f.sessions.Put(context.Background(), f.company.ID, testPhone, conv); err != nil {
		t.Fatalf("sessions.Put() error = %v", err)
	}
	return conv
}

func TestWebhookApprovedConfirmsEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seedClinic(t, models.PaymentPolicy{Enabled: true, Percentage: 50})
	conv := f.parkDraft(t, clinicFields)
	ctx := context.Background()

	pay, reply, err := f.flow.HandlePaymentWebhook(ctx, payment.WebhookEvent{Reference: conv.PaymentRef, Status: models.PaymentApproved})
	if err != nil {
		t.Fatalf("HandlePaymentWebhook() error = %v", err)
	}
	if pay.Status != models.PaymentApproved {
		t.Errorf("payment status = %q, want %q", pay.Status, models.PaymentApproved)
	}
	if !strings.Contains(reply, "Pago recibido") {
		t.Errorf("reply = %q, want the approved message", reply)
	}

	r, _ := f.store.GetReservation(ctx, conv.DraftReservationID)
	if r.Status != models.ReservationConfirmed {
		t.Errorf("reservation = %q, want %q", r.Status, models.ReservationConfirmed)
	}
	pref, err := f.store.GetPreference(ctx, f.user.ID, f.company.ID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if pref.ReservationCount != 1 {
		t.Errorf("ReservationCount = %d, want 1", pref.ReservationCount)
	}

	got, err := f.sessions.Get(ctx, f.company.ID, testPhone)
	if err != nil {
		t.Fatalf("sessions.Get() error = %v", err)
	}
	if got.State != models.StateConfirmed || got.PaymentRef != "" {
		t.Errorf("session = %q/%q, want confirmed with ref cleared", got.State, got.PaymentRef)
	}

	// Replays settle nothing further.
	_, reply2, err := f.flow.HandlePaymentWebhook(ctx, payment.WebhookEvent{Reference: pay.Reference, Status: models.PaymentApproved})
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if reply2 != "" {
		t.Errorf("replay reply = %q, want empty", reply2)
	}
	pref2, _ := f.store.GetPreference(ctx, f.user.ID, f.company.ID)
	if pref2.ReservationCount != 1 {
		t.Errorf("ReservationCount after replay = %d, want 1", pref2.ReservationCount)
	}
}

func TestWebhookDeclinedReleasesHeldStock(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{Enabled: true, Percentage: 100})
	conv := f.parkDraft(t, func(c *models.Conversation) { deliveryFields(c, 3) })
	ctx := context.Background()

	if got := f.stockOf(t, f.pizza.ID); got != 7 {
		t.Fatalf("stock after draft = %d, want 7", got)
	}

	_, reply, err := f.flow.HandlePaymentWebhook(ctx, payment.WebhookEvent{Reference: conv.PaymentRef, Status: models.PaymentDeclined})
	if err != nil {
		t.Fatalf("HandlePaymentWebhook() error = %v", err)
	}
	if !strings.Contains(reply, "no fue aprobado") {
		t.Errorf("reply = %q, want the declined message", reply)
	}

	if got := f.stockOf(t, f.pizza.ID); got != 10 {
		t.Errorf("stock = %d, want released back to 10", got)
	}
	r, _ := f.store.GetReservation(ctx, conv.DraftReservationID)
	if r.Status != models.ReservationCancelled || r.CancelledAt == nil {
		t.Errorf("reservation = %q/%v, want cancelled with timestamp", r.Status, r.CancelledAt)
	}

	movements, _ := f.store.ListMovements(ctx, f.pizza.ID, 1)
	if len(movements) != 1 || movements[0].Reason != "payment_declined" {
		t.Errorf("newest movement = %+v, want reason payment_declined", movements)
	}

	got, _ := f.sessions.Get(ctx, f.company.ID, testPhone)
	if got.State != models.StateCancelled {
		t.Errorf("session state = %q, want %q", got.State, models.StateCancelled)
	}
}

// ─── Cancellation ────────────────────────────────────────────

func TestCancelListSelectConfirm(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	first := f.bookReservation(t, 12, "20:00")
	second := f.bookReservation(t, 14, "13:00")
	conv := f.newConversation()
	ctx := context.Background()

	reply, err := f.flow.StartCancel(ctx, f.company, f.user, conv)
	if err != nil {
		t.Fatalf("StartCancel() error = %v", err)
	}
	if !strings.Contains(reply, "1.") || !strings.Contains(reply, "2.") {
		t.Fatalf("StartCancel() = %q, want a numbered list", reply)
	}
	if len(conv.CancelOptions) != 2 {
		t.Fatalf("CancelOptions = %v, want two entries", conv.CancelOptions)
	}

	reply, err = f.flow.ContinueCancel(ctx, f.company, conv, "la 2")
	if err != nil {
		t.Fatalf("ContinueCancel(pick) error = %v", err)
	}
	if !strings.Contains(reply, "14 de marzo") {
		t.Errorf("confirm question = %q, want the second reservation", reply)
	}
	if conv.CancelSelected != second.ID {
		t.Errorf("CancelSelected = %q, want %q", conv.CancelSelected, second.ID)
	}

	reply, err = f.flow.ContinueCancel(ctx, f.company, conv, "si")
	if err != nil {
		t.Fatalf("ContinueCancel(yes) error = %v", err)
	}
	if !strings.Contains(reply, "cancelada") {
		t.Errorf("ContinueCancel(yes) = %q, want the done message", reply)
	}

	got, _ := f.store.GetReservation(ctx, second.ID)
	if got.Status != models.ReservationCancelled {
		t.Errorf("second = %q, want cancelled", got.Status)
	}
	kept, _ := f.store.GetReservation(ctx, first.ID)
	if kept.Status != models.ReservationConfirmed {
		t.Errorf("first = %q, want still confirmed", kept.Status)
	}
}

func TestCancelSingleGoesStraightToConfirm(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	r := f.bookReservation(t, 12, "20:00")
	conv := f.newConversation()
	ctx := context.Background()

	reply, err := f.flow.StartCancel(ctx, f.company, f.user, conv)
	if err != nil {
		t.Fatalf("StartCancel() error = %v", err)
	}
	if conv.CancelSelected != r.ID {
		t.Fatalf("CancelSelected = %q, want %q", conv.CancelSelected, r.ID)
	}
	if !strings.Contains(reply, "12 de marzo") {
		t.Errorf("StartCancel() = %q, want the reservation summary", reply)
	}

	reply, err = f.flow.ContinueCancel(ctx, f.company, conv, "no")
	if err != nil {
		t.Fatalf("ContinueCancel(no) error = %v", err)
	}
	if !strings.Contains(reply, "sigue en pie") {
		t.Errorf("ContinueCancel(no) = %q, want the kept message", reply)
	}
	if flow.InCancelFlow(conv) {
		t.Error("InCancelFlow = true, want cleared after no")
	}

	got, _ := f.store.GetReservation(ctx, r.ID)
	if got.Status != models.ReservationConfirmed {
		t.Errorf("reservation = %q, want untouched", got.Status)
	}
}

func TestCancelNothingActive(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	conv := f.newConversation()

	reply, err := f.flow.StartCancel(context.Background(), f.company, f.user, conv)
	if err != nil {
		t.Fatalf("StartCancel() error = %v", err)
	}
	if !strings.Contains(reply, "No encontré") {
		t.Errorf("StartCancel() = %q, want the none message", reply)
	}
	if flow.InCancelFlow(conv) {
		t.Error("InCancelFlow = true, want false")
	}
}

func TestCancelPastReservationExcluded(t *testing.T) {
	f := newFixture(t)
	f.seedMesa(t, models.PaymentPolicy{})
	f.bookReservation(t, 9, "20:00") // before the fixed clock
	conv := f.newConversation()

	reply, err := f.flow.StartCancel(context.Background(), f.company, f.user, conv)
	if err != nil {
		t.Fatalf("StartCancel() error = %v", err)
	}
	if !strings.Contains(reply, "No encontré") {
		t.Errorf("StartCancel() = %q, want the none message", reply)
	}
}

func TestCancelOwnDraftVoidsPayment(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{Enabled: true, Percentage: 100})
	conv := f.parkDraft(t, func(c *models.Conversation) { deliveryFields(c, 3) })
	ref := conv.PaymentRef
	ctx := context.Background()

	if _, err := f.flow.StartCancel(ctx, f.company, f.user, conv); err != nil {
		t.Fatalf("StartCancel() error = %v", err)
	}
	reply, err := f.flow.ContinueCancel(ctx, f.company, conv, "si")
	if err != nil {
		t.Fatalf("ContinueCancel(yes) error = %v", err)
	}
	if !strings.Contains(reply, "cancelad") {
		t.Errorf("ContinueCancel(yes) = %q, want the done message", reply)
	}

	if conv.State != models.StateCancelled || conv.DraftReservationID != "" || conv.PaymentRef != "" {
		t.Errorf("conversation = %q/%q/%q, want cancelled with scratch cleared",
			conv.State, conv.DraftReservationID, conv.PaymentRef)
	}
	if got := f.stockOf(t, f.pizza.ID); got != 10 {
		t.Errorf("stock = %d, want 10", got)
	}
	p, _ := f.store.GetPaymentByReference(ctx, ref)
	if p.Status != models.PaymentVoided {
		t.Errorf("payment = %q, want %q", p.Status, models.PaymentVoided)
	}
}

// ─── Retention hooks ─────────────────────────────────────────

func TestAbandonReleasesDraftAndExpiresPayment(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{Enabled: true, Percentage: 100})
	conv := f.parkDraft(t, func(c *models.Conversation) { deliveryFields(c, 3) })
	draft, ref := conv.DraftReservationID, conv.PaymentRef
	ctx := context.Background()

	if err := f.flow.Abandon(ctx, conv); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if conv.State != models.StateAbandoned {
		t.Errorf("State = %q, want %q", conv.State, models.StateAbandoned)
	}

	r, _ := f.store.GetReservation(ctx, draft)
	if r.Status != models.ReservationCancelled {
		t.Errorf("draft = %q, want cancelled", r.Status)
	}
	if got := f.stockOf(t, f.pizza.ID); got != 10 {
		t.Errorf("stock = %d, want 10", got)
	}
	movements, _ := f.store.ListMovements(ctx, f.pizza.ID, 1)
	if len(movements) != 1 || movements[0].Reason != "abandoned" {
		t.Errorf("newest movement = %+v, want reason abandoned", movements)
	}
	p, _ := f.store.GetPaymentByReference(ctx, ref)
	if p.Status != models.PaymentExpired {
		t.Errorf("payment = %q, want %q", p.Status, models.PaymentExpired)
	}

	stored, err := f.sessions.Get(ctx, f.company.ID, testPhone)
	if err != nil {
		t.Fatalf("sessions.Get() error = %v", err)
	}
	if stored.State != models.StateAbandoned {
		t.Errorf("stored session = %q, want %q", stored.State, models.StateAbandoned)
	}

	// Terminal conversations are left alone.
	if err := f.flow.Abandon(ctx, conv); err != nil {
		t.Errorf("second Abandon() error = %v", err)
	}
}

func TestExpirePaymentsSweepsStaleDrafts(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery(t, models.PaymentPolicy{Enabled: true, Percentage: 100})
	conv := f.parkDraft(t, func(c *models.Conversation) { deliveryFields(c, 3) })
	ctx := context.Background()

	n, err := f.flow.ExpirePayments(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ExpirePayments() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ExpirePayments() = %d, want 1", n)
	}

	r, _ := f.store.GetReservation(ctx, conv.DraftReservationID)
	if r.Status != models.ReservationCancelled {
		t.Errorf("draft = %q, want cancelled", r.Status)
	}
	if got := f.stockOf(t, f.pizza.ID); got != 10 {
		t.Errorf("stock = %d, want 10", got)
	}
	p, _ := f.store.GetPaymentByReference(ctx, conv.PaymentRef)
	if p.Status != models.PaymentExpired {
		t.Errorf("payment = %q, want %q", p.Status, models.PaymentExpired)
	}
	stored, _ := f.sessions.Get(ctx, f.company.ID, testPhone)
	if stored.State != models.StateCancelled {
		t.Errorf("session = %q, want %q", stored.State, models.StateCancelled)
	}
}
