// Package flow drives reservation conversations through their state
// machine: collecting required fields, booking the transactional unit,
// handing drafts to the payment provider, and settling webhooks,
// cancellations and abandonment. Methods mutate the conversation in
// place and return the user-facing reply; the caller persists the
// session afterwards.
package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/payment"
	"github.com/cupobot/cupobot/engine/internal/resolver"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/stock"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/internal/templates"
	"github.com/cupobot/cupobot/engine/internal/validator"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Reasons recorded on the stock movements a settlement writes.
const (
	reasonCancellation    = "cancellation"
	reasonAbandoned       = "abandoned"
	reasonPaymentDeclined = "payment_declined"
	reasonPaymentExpired  = "payment_expired"
	reasonCheckoutFailed  = "payment_unavailable"
)

const defaultRetryBudget = 3

// cancellable are the statuses a user may cancel over chat. Completed
// reservations stay out; those need a human.
var cancellable = []models.ReservationStatus{
	models.ReservationPending,
	models.ReservationAwaitingPayment,
	models.ReservationConfirmed,
}

// Deps are the collaborators a flow Service needs.
type Deps struct {
	Store    store.Store
	Stock    *stock.Service
	Payments *payment.Service
	Resolver *resolver.Service
	Sessions sessions.Store
	Metrics  *metrics.Metrics
	Days     *dateutil.Resolver
}

// Service owns every conversation transition that touches storage.
type Service struct {
	store    store.Store
	stock    *stock.Service
	payments *payment.Service
	resolver *resolver.Service
	sessions sessions.Store
	metrics  *metrics.Metrics
	days     *dateutil.Resolver
	budget   int
}

// NewService wires the reservation flow. retryBudget caps failed booking
// attempts per conversation; zero means the default of 3.
func NewService(d Deps, retryBudget int) *Service {
	if retryBudget <= 0 {
		retryBudget = defaultRetryBudget
	}
	return &Service{
		store:    d.Store,
		stock:    d.Stock,
		payments: d.Payments,
		resolver: d.Resolver,
		sessions: d.Sessions,
		metrics:  d.Metrics,
		days:     d.Days,
		budget:   retryBudget,
	}
}

// ── Collect and book ─────────────────────────────────────────

// Advance moves a reservar conversation one step after the caller merged
// newly extracted fields into conv.Collected. Complete field sets book
// directly or enter the payment leg; incomplete ones ask for the first
// missing field.
func (s *Service) Advance(ctx context.Context, company *models.Company, user *models.User, conv *models.Conversation) (string, error) {
	// A parked draft already holds stock; remind instead of re-booking.
	if conv.State == models.StateAwaitingPayment {
		return s.PaymentReminder(ctx, company, conv)
	}

	resolved, err := s.resolver.Resolve(ctx, company, conv.ServiceKey, s.loadCatalog)
	if err != nil {
		return "", fmt.Errorf("flow: resolve %s/%s: %w", company.ID, conv.ServiceKey, err)
	}

	// A tenant with several services needs the user to pick one first.
	if resolved.ServiceKey == "" {
		conv.State = models.StateCollecting
		return s.askService(company, resolved), nil
	}
	if conv.ServiceKey == "" {
		conv.ServiceKey = resolved.ServiceKey
		conv.Collected.Service = resolved.ServiceKey
	}

	if !resolved.Config.Enabled {
		name := resolved.Config.Name
		if name == "" {
			name = conv.ServiceKey
		}
		conv.State = models.StateInitial
		conv.ServiceKey = ""
		conv.Collected.Service = ""
		return s.render(company, "service_unavailable", map[string]string{"service_name": name}), nil
	}

	if reply, ok := s.checkSchedule(company, conv); !ok {
		conv.State = models.StateCollecting
		return reply, nil
	}

	if missing := validator.Missing(conv.Collected, resolved.Config); len(missing) > 0 {
		conv.State = models.StateCollecting
		if missing[0] == "service" {
			return s.askService(company, resolved), nil
		}
		return s.render(company, "ask_field", map[string]string{
			"field": resolved.FieldLabels[missing[0]],
			"noun":  resolved.ReservationNoun,
		}), nil
	}

	items, total, reply, err := s.priceItems(ctx, company, conv)
	if err != nil {
		return "", err
	}
	if reply != "" {
		conv.State = models.StateCollecting
		return reply, nil
	}

	charge := chargeFor(company, total)
	if resolved.Config.RequiresPayment && charge.IsPositive() {
		return s.enterAwaitingPayment(ctx, company, user, conv, resolved, items, total, charge)
	}
	return s.confirmDirect(ctx, company, user, conv, resolved, items, total)
}

func (s *Service) askService(company *models.Company, resolved *resolver.Resolved) string {
	return s.render(company, "ask_service", map[string]string{
		"services": strings.Join(resolved.AvailableServices, ", "),
		"noun":     resolved.ReservationNoun,
	})
}

// checkSchedule rejects collected dates and times the tenant cannot
// serve, clearing the offending field so it is asked for again.
func (s *Service) checkSchedule(company *models.Company, conv *models.Conversation) (string, bool) {
	if conv.Collected.Date == nil {
		return "", true
	}
	date := *conv.Collected.Date
	if date.Before(s.days.Today()) {
		conv.Collected.Date = nil
		return s.render(company, "closed_that_day", nil), false
	}

	window, ok := company.Hours[strings.ToLower(date.Weekday().String())]
	if !ok {
		return "", true
	}
	if window.Closed {
		conv.Collected.Date = nil
		return s.render(company, "closed_that_day", nil), false
	}
	if conv.Collected.Time == "" || window.Open == "" || window.Close == "" {
		return "", true
	}
	if conv.Collected.Time < window.Open || conv.Collected.Time > window.Close {
		conv.Collected.Time = ""
		return s.render(company, "outside_hours", map[string]string{
			"window": window.Open + " a " + window.Close,
		}), false
	}
	return "", true
}

// priceItems resolves the collected product lines against the catalog
// and totals them. A non-empty reply sends the user back to fix a line
// (unknown product, not enough stock) before anything is booked.
func (s *Service) priceItems(ctx context.Context, company *models.Company, conv *models.Conversation) ([]models.ReservationItem, decimal.Decimal, string, error) {
	catalog, err := s.store.ListProducts(ctx, company.ID)
	if err != nil {
		return nil, decimal.Zero, "", fmt.Errorf("flow: load catalog for %s: %w", company.ID, err)
	}

	total := decimal.Zero
	items := make([]models.ReservationItem, 0, len(conv.Collected.Products))
	for _, want := range conv.Collected.Products {
		p := matchProduct(catalog, want)
		if p == nil {
			return nil, decimal.Zero, s.render(company, "product_unknown", map[string]string{"product": want.Name}), nil
		}
		qty := want.Quantity
		if qty <= 0 {
			qty = 1
		}
		check, err := s.stock.Check(ctx, p.ID, qty)
		if err != nil {
			return nil, decimal.Zero, "", err
		}
		if !check.Available {
			return nil, decimal.Zero, s.render(company, "stock_conflict", map[string]string{"product": p.Name}), nil
		}
		items = append(items, models.ReservationItem{ProductID: p.ID, Name: p.Name, Quantity: qty, UnitPrice: p.Price})
		total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(qty))))
	}

	if len(items) == 0 {
		// Service bookings charge the variant price when one is set.
		for i := range catalog {
			v := &catalog[i]
			if v.IsService() && v.Meta.ServiceKey == conv.ServiceKey {
				total = v.Price
				break
			}
		}
	}
	if conv.ServiceKey == models.ServiceDomicilio {
		total = total.Add(company.Config.DeliveryFee)
	}
	return items, total, "", nil
}

// matchProduct finds the active catalog product a collected line refers
// to: by id when the extractor resolved one, then by exact name, then by
// keyword or partial name.
func matchProduct(catalog []models.Product, want models.ItemRequest) *models.Product {
	name := strings.ToLower(strings.TrimSpace(want.Name))
	var loose *models.Product
	for i := range catalog {
		p := &catalog[i]
		if !p.Active || p.IsService() {
			continue
		}
		if want.ProductID != "" && p.ID == want.ProductID {
			return p
		}
		pn := strings.ToLower(p.Name)
		if name != "" && pn == name {
			return p
		}
		if loose != nil || name == "" {
			continue
		}
		if strings.Contains(pn, name) || strings.Contains(name, pn) {
			loose = p
			continue
		}
		for _, kw := range p.Keywords {
			if strings.ToLower(kw) == name {
				loose = p
				break
			}
		}
	}
	return loose
}

// chargeFor is the upfront amount the tenant's payment policy asks for.
// A missing or out-of-range percentage charges the full total.
func chargeFor(company *models.Company, total decimal.Decimal) decimal.Decimal {
	pct := company.Payment.Percentage
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	return total.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
}

func (s *Service) confirmDirect(ctx context.Context, company *models.Company, user *models.User, conv *models.Conversation, resolved *resolver.Resolved, items []models.ReservationItem, total decimal.Decimal) (string, error) {
	res := buildReservation(company, user, conv, items, total, models.ReservationConfirmed)
	movements, err := s.store.CreateReservation(ctx, res, s.preferenceFor(ctx, res))
	if err != nil {
		return s.bookingFailed(company, conv, resolved, err)
	}
	s.stock.EmitLowStock(movements)

	conv.State = models.StateConfirmed
	conv.DraftReservationID = ""
	conv.PaymentRef = ""
	conv.Retries = 0
	log.Info().
		Str("company_id", company.ID).
		Str("reservation_id", res.ID).
		Str("service", res.ServiceKey).
		Str("date", res.Date.String()).
		Msg("reservation confirmed")
	return s.confirmedReply(company, resolved, res), nil
}

func (s *Service) enterAwaitingPayment(ctx context.Context, company *models.Company, user *models.User, conv *models.Conversation, resolved *resolver.Resolved, items []models.ReservationItem, total, charge decimal.Decimal) (string, error) {
	res := buildReservation(company, user, conv, items, total, models.ReservationAwaitingPayment)
	// The preference counts only when the payment confirms.
	movements, err := s.store.CreateReservation(ctx, res, nil)
	if err != nil {
		return s.bookingFailed(company, conv, resolved, err)
	}
	s.stock.EmitLowStock(movements)

	description := fmt.Sprintf("%s en %s (%s %s)", resolved.ReservationNoun, company.Name, res.Date, res.Time)
	pay, err := s.payments.CreateCheckout(ctx, company, res, charge, description, s.customerEmail(ctx, user, company.ID))
	if err != nil {
		// The draft cannot proceed without a checkout; give the stock back.
		if _, _, serr := s.store.SettleReservation(ctx, res.ID, models.ReservationCancelled, reasonCheckoutFailed, nil); serr != nil {
			log.Error().Err(serr).Str("reservation_id", res.ID).Msg("release draft after checkout failure")
		}
		return s.bookingFailed(company, conv, resolved, err)
	}

	conv.State = models.StateAwaitingPayment
	conv.DraftReservationID = res.ID
	conv.PaymentRef = pay.Reference
	log.Info().
		Str("company_id", company.ID).
		Str("reservation_id", res.ID).
		Str("reference", pay.Reference).
		Str("amount", charge.String()).
		Msg("reservation awaiting payment")
	return s.render(company, "awaiting_payment", map[string]string{
		"url":  pay.CheckoutURL,
		"noun": resolved.ReservationNoun,
	}), nil
}

// bookingFailed maps a failed booking transaction to the next user
// message. Stock conflicts keep the retry budget; anything else burns
// one attempt, and an exhausted budget resets the conversation.
func (s *Service) bookingFailed(company *models.Company, conv *models.Conversation, resolved *resolver.Resolved, err error) (string, error) {
	var conflict *models.StockConflictError
	if errors.As(err, &conflict) {
		s.metrics.ObserveStockConflict()
		conv.State = models.StateCollecting
		name := conflict.Name
		if name == "" {
			name = "uno de los productos"
		}
		log.Warn().
			Str("company_id", company.ID).
			Str("product_id", conflict.ProductID).
			Int("available", conflict.Available).
			Msg("booking lost a stock race")
		return s.render(company, "stock_conflict", map[string]string{"product": name}), nil
	}

	conv.Retries++
	log.Error().Err(err).
		Str("company_id", company.ID).
		Str("conversation_id", conv.ID).
		Int("retries", conv.Retries).
		Msg("booking transaction failed")
	if conv.Retries >= s.budget {
		noun := resolved.ReservationNoun
		conv.State = models.StateInitial
		conv.ServiceKey = ""
		conv.Collected = models.CollectedFields{}
		conv.Retries = 0
		return s.render(company, "retries_exhausted", map[string]string{"noun": noun}), nil
	}
	conv.State = models.StateCollecting
	return s.render(company, "flow_error", map[string]string{"noun": resolved.ReservationNoun}), nil
}

func (s *Service) confirmedReply(company *models.Company, resolved *resolver.Resolved, res *models.Reservation) string {
	vars := map[string]string{
		"date": templates.FormatDate(res.Date),
		"time": res.Time,
		"noun": resolved.ReservationNoun,
	}
	key := "confirmed"
	if res.Guests > 0 {
		key = "confirmed_guests"
		vars["guests"] = strconv.Itoa(res.Guests)
	}
	return s.render(company, key, vars)
}

func buildReservation(company *models.Company, user *models.User, conv *models.Conversation, items []models.ReservationItem, total decimal.Decimal, status models.ReservationStatus) *models.Reservation {
	c := conv.Collected
	res := &models.Reservation{
		CompanyID:      company.ID,
		UserID:         user.ID,
		ConversationID: conv.ID,
		ServiceKey:     conv.ServiceKey,
		Time:           c.Time,
		Guests:         c.Guests,
		Phone:          c.Phone,
		Name:           c.Name,
		Address:        c.Address,
		Items:          items,
		Status:         status,
		Total:          total,
	}
	if c.Date != nil {
		res.Date = *c.Date
	}
	if res.Phone == "" {
		res.Phone = conv.Phone
	}
	if res.Name == "" {
		res.Name = user.Name
	}
	return res
}

// preferenceFor folds a booking into the user's learned profile. The
// previous row is loaded fresh so counters survive session loss.
func (s *Service) preferenceFor(ctx context.Context, res *models.Reservation) *models.UserPreference {
	pref := &models.UserPreference{UserID: res.UserID, CompanyID: res.CompanyID}
	if prev, err := s.store.GetPreference(ctx, res.UserID, res.CompanyID); err == nil {
		*pref = *prev
	}

	now := time.Now().UTC()
	pref.ReservationCount++
	pref.LastReservation = &now
	pref.UpdatedAt = now
	pref.PreferredService = res.ServiceKey
	if res.Time != "" {
		pref.PreferredTime = res.Time
	}
	if !res.Date.IsZero() {
		pref.PreferredDay = strings.ToLower(res.Date.Weekday().String())
	}
	if res.Guests > 0 {
		pref.DefaultGuests = res.Guests
	}
	if res.Phone != "" {
		pref.ConfirmedPhone = res.Phone
	}
	for _, it := range res.Items {
		if !slices.Contains(pref.FavoriteProducts, it.ProductID) {
			pref.FavoriteProducts = append(pref.FavoriteProducts, it.ProductID)
		}
	}
	return pref
}

func (s *Service) customerEmail(ctx context.Context, user *models.User, companyID string) string {
	if user.Email != "" {
		return user.Email
	}
	if pref, err := s.store.GetPreference(ctx, user.ID, companyID); err == nil {
		return pref.ConfirmedEmail
	}
	return ""
}

// ── Cancellation ─────────────────────────────────────────────

// InCancelFlow reports whether the conversation is waiting on a
// cancel-flow answer (a pick from the list or the final yes/no).
func InCancelFlow(conv *models.Conversation) bool {
	return conv.CancelSelected != "" || len(conv.CancelOptions) > 0
}

// StartCancel lists the user's upcoming reservations and asks which one
// to cancel; a single match skips straight to the confirmation question.
func (s *Service) StartCancel(ctx context.Context, company *models.Company, user *models.User, conv *models.Conversation) (string, error) {
	all, err := s.store.ListReservations(ctx, company.ID, store.ReservationFilter{UserID: user.ID, Statuses: cancellable})
	if err != nil {
		return "", fmt.Errorf("flow: list reservations for %s: %w", user.ID, err)
	}
	today := s.days.Today()
	upcoming := make([]models.Reservation, 0, len(all))
	for _, r := range all {
		if !r.Date.Before(today) {
			upcoming = append(upcoming, r)
		}
	}

	conv.CancelOptions = nil
	conv.CancelSelected = ""
	switch len(upcoming) {
	case 0:
		return s.render(company, "cancel_none", nil), nil
	case 1:
		conv.CancelSelected = upcoming[0].ID
		return s.render(company, "cancel_confirm", map[string]string{"summary": summarize(&upcoming[0])}), nil
	default:
		var b strings.Builder
		for i := range upcoming {
			conv.CancelOptions = append(conv.CancelOptions, upcoming[i].ID)
			fmt.Fprintf(&b, "%d. %s\n", i+1, summarize(&upcoming[i]))
		}
		return s.render(company, "cancel_list", map[string]string{
			"options": strings.TrimRight(b.String(), "\n"),
		}), nil
	}
}

// ContinueCancel consumes the user's answer inside the cancel flow: a
// pick from the list first, then the yes/no confirmation. message must
// be normalized text.
func (s *Service) ContinueCancel(ctx context.Context, company *models.Company, conv *models.Conversation, message string) (string, error) {
	if conv.CancelSelected == "" {
		pick, ok := pickOption(message, len(conv.CancelOptions))
		if !ok {
			return s.relistOptions(ctx, company, conv)
		}
		conv.CancelSelected = conv.CancelOptions[pick-1]
		conv.CancelOptions = nil
		return s.confirmQuestion(ctx, company, conv)
	}

	switch answer(message) {
	case answerYes:
		return s.finishCancel(ctx, company, conv)
	case answerNo:
		conv.CancelSelected = ""
		conv.CancelOptions = nil
		return s.render(company, "cancel_kept", nil), nil
	default:
		return s.confirmQuestion(ctx, company, conv)
	}
}

func (s *Service) confirmQuestion(ctx context.Context, company *models.Company, conv *models.Conversation) (string, error) {
	r, err := s.store.GetReservation(ctx, conv.CancelSelected)
	if err != nil {
		conv.CancelSelected = ""
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return s.render(company, "cancel_none", nil), nil
		}
		return "", fmt.Errorf("flow: load cancel pick: %w", err)
	}
	return s.render(company, "cancel_confirm", map[string]string{"summary": summarize(r)}), nil
}

func (s *Service) relistOptions(ctx context.Context, company *models.Company, conv *models.Conversation) (string, error) {
	var b strings.Builder
	shown := 0
	for i, id := range conv.CancelOptions {
		r, err := s.store.GetReservation(ctx, id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, summarize(r))
		shown++
	}
	if shown == 0 {
		conv.CancelOptions = nil
		return s.render(company, "cancel_none", nil), nil
	}
	return s.render(company, "cancel_list", map[string]string{
		"options": strings.TrimRight(b.String(), "\n"),
	}), nil
}

func (s *Service) finishCancel(ctx context.Context, company *models.Company, conv *models.Conversation) (string, error) {
	id := conv.CancelSelected
	conv.CancelSelected = ""
	conv.CancelOptions = nil

	current, err := s.store.GetReservation(ctx, id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return s.render(company, "cancel_none", nil), nil
		}
		return "", fmt.Errorf("flow: load reservation %s: %w", id, err)
	}
	noun := resolver.Noun(current.ServiceKey)
	switch current.Status {
	case models.ReservationCancelled:
		return s.render(company, "already_cancelled", map[string]string{"noun": noun}), nil
	case models.ReservationCompleted:
		return s.render(company, "cancel_not_allowed", map[string]string{"noun": noun}), nil
	}

	if _, _, err := s.store.SettleReservation(ctx, id, models.ReservationCancelled, reasonCancellation, nil); err != nil {
		var conflict *store.ErrStateConflict
		if errors.As(err, &conflict) {
			return s.render(company, "cancel_not_allowed", map[string]string{"noun": noun}), nil
		}
		return "", fmt.Errorf("flow: cancel %s: %w", id, err)
	}

	if conv.DraftReservationID == id {
		// The user backed out of their own pending draft.
		if conv.PaymentRef != "" {
			if _, _, err := s.store.TransitionPayment(ctx, conv.PaymentRef, models.PaymentVoided); err != nil {
				log.Warn().Err(err).Str("reference", conv.PaymentRef).Msg("void payment on cancel")
			}
		}
		conv.DraftReservationID = ""
		conv.PaymentRef = ""
		conv.State = models.StateCancelled
	}

	log.Info().
		Str("company_id", company.ID).
		Str("reservation_id", id).
		Msg("reservation cancelled by user")
	return s.render(company, "cancel_done", map[string]string{"noun": noun}), nil
}

// summarize is the one-line description used in cancel prompts:
// "la reserva del jueves 12 de marzo de 2026 a las 20:00".
func summarize(r *models.Reservation) string {
	noun := resolver.Noun(r.ServiceKey)
	article := "la "
	if noun == "pedido" {
		article = "el "
	}
	out := article + noun + " del " + templates.FormatDate(r.Date)
	if r.Time != "" {
		out += " a las " + r.Time
	}
	return out
}

// pickOption finds a 1-based list index among the message tokens. A
// number outside the list is a miss, not a retry with the next token.
func pickOption(message string, n int) (int, bool) {
	for _, tok := range strings.Fields(message) {
		v, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if v >= 1 && v <= n {
			return v, true
		}
		return 0, false
	}
	return 0, false
}

type yesNo int

const (
	answerUnknown yesNo = iota
	answerYes
	answerNo
)

// answer reads a normalized yes/no. "si" covers "sí" because the
// normalizer strips accents before the flow sees the text.
func answer(message string) yesNo {
	for _, tok := range strings.Fields(message) {
		switch tok {
		case "si", "claro", "confirmo", "dale", "correcto":
			return answerYes
		case "no":
			return answerNo
		}
	}
	return answerUnknown
}

// ── Payment settlement ───────────────────────────────────────

// HandlePaymentWebhook applies a provider event end to end: the payment
// row first (idempotent per reference), then the reservation it funds,
// then the chat session. The returned reply is the user-facing line for
// transports that can push it; it is empty for replayed events.
func (s *Service) HandlePaymentWebhook(ctx context.Context, event payment.WebhookEvent) (*models.Payment, string, error) {
	pay, applied, err := s.payments.HandleWebhook(ctx, event)
	if err != nil {
		return nil, "", err
	}
	if !applied || pay.ReservationID == "" {
		return pay, "", nil
	}

	company, err := s.store.GetCompany(ctx, pay.CompanyID)
	if err != nil {
		return pay, "", fmt.Errorf("flow: webhook company %s: %w", pay.CompanyID, err)
	}
	res, err := s.store.GetReservation(ctx, pay.ReservationID)
	if err != nil {
		return pay, "", fmt.Errorf("flow: webhook reservation %s: %w", pay.ReservationID, err)
	}

	var (
		to     models.ReservationStatus
		reason string
		pref   *models.UserPreference
		key    string
	)
	switch pay.Status {
	case models.PaymentApproved:
		to, pref, key = models.ReservationConfirmed, s.preferenceFor(ctx, res), "payment_approved"
	case models.PaymentDeclined, models.PaymentVoided:
		to, reason, key = models.ReservationCancelled, reasonPaymentDeclined, "payment_declined"
	case models.PaymentExpired:
		to, reason, key = models.ReservationCancelled, reasonPaymentExpired, "payment_expired"
	default:
		return pay, "", nil
	}

	settled, _, err := s.store.SettleReservation(ctx, res.ID, to, reason, pref)
	if err != nil {
		var conflict *store.ErrStateConflict
		if errors.As(err, &conflict) {
			// The janitor or the user got there first; the payment row
			// stays as the provider reported it.
			log.Warn().
				Str("reservation_id", res.ID).
				Str("from", string(conflict.From)).
				Str("to", string(to)).
				Msg("webhook raced a settled reservation")
			return pay, "", nil
		}
		return pay, "", fmt.Errorf("flow: settle %s: %w", res.ID, err)
	}
	if settled.Status != res.Status {
		s.syncConversation(ctx, pay, settled)
	}

	log.Info().
		Str("reference", pay.Reference).
		Str("status", string(pay.Status)).
		Str("reservation_id", res.ID).
		Msg("payment settled")
	return pay, s.render(company, key, map[string]string{"noun": resolver.Noun(res.ServiceKey)}), nil
}

// PaymentReminder re-sends the checkout link for a conversation parked
// in awaiting_payment. When the payment already settled but the session
// missed the webhook sync, the session is healed instead.
func (s *Service) PaymentReminder(ctx context.Context, company *models.Company, conv *models.Conversation) (string, error) {
	if conv.PaymentRef == "" {
		return "", nil
	}
	pay, err := s.store.GetPaymentByReference(ctx, conv.PaymentRef)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			conv.PaymentRef = ""
			conv.State = models.StateCollecting
			return "", nil
		}
		return "", fmt.Errorf("flow: load payment %s: %w", conv.PaymentRef, err)
	}

	noun := resolver.Noun(conv.ServiceKey)
	if models.TerminalPayment(pay.Status) {
		key := "payment_declined"
		switch pay.Status {
		case models.PaymentApproved:
			conv.State = models.StateConfirmed
			key = "payment_approved"
		case models.PaymentExpired:
			conv.State = models.StateCancelled
			key = "payment_expired"
		default:
			conv.State = models.StateCancelled
		}
		conv.DraftReservationID = ""
		conv.PaymentRef = ""
		return s.render(company, key, map[string]string{"noun": noun}), nil
	}
	return s.render(company, "awaiting_payment", map[string]string{
		"url":  pay.CheckoutURL,
		"noun": noun,
	}), nil
}

// syncConversation moves the chat session that created the draft, when
// it is still alive and still about this payment.
func (s *Service) syncConversation(ctx context.Context, pay *models.Payment, res *models.Reservation) {
	conv, err := s.sessions.Get(ctx, pay.CompanyID, res.Phone)
	if err != nil || conv.PaymentRef != pay.Reference {
		return
	}
	if res.Status == models.ReservationConfirmed {
		conv.State = models.StateConfirmed
	} else {
		conv.State = models.StateCancelled
	}
	conv.DraftReservationID = ""
	conv.PaymentRef = ""
	conv.Retries = 0
	if err := s.sessions.Put(ctx, pay.CompanyID, res.Phone, conv); err != nil {
		log.Warn().Err(err).Str("company_id", pay.CompanyID).Msg("sync conversation after settlement")
	}
}

// ── Retention hooks ──────────────────────────────────────────

// Abandon closes out an idle conversation: an awaiting_payment draft
// gives its stock back, the checkout expires, and the session is left
// terminal for listings until its TTL removes it.
func (s *Service) Abandon(ctx context.Context, conv *models.Conversation) error {
	if conv.State != models.StateCollecting && conv.State != models.StateAwaitingPayment {
		return nil
	}
	if conv.DraftReservationID != "" {
		if _, _, err := s.store.SettleReservation(ctx, conv.DraftReservationID, models.ReservationCancelled, reasonAbandoned, nil); err != nil {
			var conflict *store.ErrStateConflict
			var nf *store.ErrNotFound
			if !errors.As(err, &conflict) && !errors.As(err, &nf) {
				return fmt.Errorf("flow: abandon draft %s: %w", conv.DraftReservationID, err)
			}
		}
	}
	if conv.PaymentRef != "" {
		if _, _, err := s.store.TransitionPayment(ctx, conv.PaymentRef, models.PaymentExpired); err != nil {
			log.Warn().Err(err).Str("reference", conv.PaymentRef).Msg("expire payment on abandon")
		}
	}

	conv.State = models.StateAbandoned
	conv.DraftReservationID = ""
	conv.PaymentRef = ""
	if err := s.sessions.Put(ctx, conv.CompanyID, conv.Phone, conv); err != nil {
		return fmt.Errorf("flow: store abandoned session %s: %w", conv.ID, err)
	}
	log.Info().
		Str("company_id", conv.CompanyID).
		Str("conversation_id", conv.ID).
		Msg("conversation abandoned")
	return nil
}

// ExpirePayments voids checkouts that never completed and cancels the
// reservations holding stock for them.
func (s *Service) ExpirePayments(ctx context.Context, before time.Time) (int, error) {
	expired, err := s.payments.ExpirePending(ctx, before)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		p := &expired[i]
		if p.ReservationID == "" {
			continue
		}
		res, _, err := s.store.SettleReservation(ctx, p.ReservationID, models.ReservationCancelled, reasonPaymentExpired, nil)
		if err != nil {
			var conflict *store.ErrStateConflict
			if errors.As(err, &conflict) {
				continue
			}
			return 0, fmt.Errorf("flow: expire reservation %s: %w", p.ReservationID, err)
		}
		s.syncConversation(ctx, p, res)
	}
	return len(expired), nil
}

// ── Helpers ──────────────────────────────────────────────────

func (s *Service) loadCatalog(ctx context.Context, companyID string) ([]models.Product, error) {
	return s.store.ListProducts(ctx, companyID)
}

// render fills company-wide vars before the template lookup.
func (s *Service) render(company *models.Company, key string, vars map[string]string) string {
	if vars == nil {
		vars = make(map[string]string, 1)
	}
	if _, ok := vars["company"]; !ok {
		vars["company"] = company.Name
	}
	return templates.Render(company.Type, key, vars, company.Config.Terminology)
}
