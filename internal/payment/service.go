// Package payment talks to the external checkout provider and settles
// provider webhooks. Outbound calls run through a circuit breaker: when the
// provider is down the flow gets a fast typed error instead of a hung
// conversation.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/cupobot/cupobot/engine/internal/config"
	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

const checkoutPath = "/v1/checkouts"

// CheckoutRequest is the provider contract for creating a checkout link.
// Amount is in minor units.
type CheckoutRequest struct {
	CompanyID      string `json:"companyId"`
	ConversationID string `json:"conversationId"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	CustomerEmail  string `json:"customerEmail,omitempty"`
	CustomerName   string `json:"customerName,omitempty"`
	RedirectURL    string `json:"redirectUrl,omitempty"`
}

// CheckoutResponse is the provider's reply.
type CheckoutResponse struct {
	PaymentID  string `json:"paymentId"`
	PaymentURL string `json:"paymentUrl"`
	Status     string `json:"status"`
	Reference  string `json:"reference"`
}

// WebhookEvent is the inbound provider notification. Deliveries may repeat;
// settlement is idempotent per reference.
type WebhookEvent struct {
	Reference string               `json:"reference"`
	Status    models.PaymentStatus `json:"status"`
	RawEvent  json.RawMessage      `json:"rawEvent,omitempty"`
}

// Service owns the provider client and the payment ledger.
type Service struct {
	store       store.Store
	client      *resty.Client
	breaker     *gobreaker.CircuitBreaker
	metrics     *metrics.Metrics
	redirectURL string
}

func NewService(st store.Store, cfg config.PaymentConfig, brk config.BreakerConfig, m *metrics.Metrics) *Service {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
	if cfg.PrivateKey != "" {
		client.SetAuthToken(cfg.PrivateKey)
	}

	settings := gobreaker.Settings{
		Name:        "payment",
		MaxRequests: uint32(brk.Probes),
		Timeout:     brk.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(brk.Failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("payment breaker transition")
			if m != nil {
				m.ObserveBreaker(to.String())
			}
		},
	}

	return &Service{
		store:       st,
		client:      client,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		metrics:     m,
		redirectURL: cfg.RedirectURL,
	}
}

// CreateCheckout requests a checkout link for a reservation charge and
// records the PENDING payment. amount is in major currency units; the wire
// carries minor units. Tenant credentials override the process default.
func (s *Service) CreateCheckout(ctx context.Context, company *models.Company, res *models.Reservation, amount decimal.Decimal, description, customerEmail string) (*models.Payment, error) {
	currency := company.Config.Currency
	if currency == "" {
		currency = "COP"
	}

	req := CheckoutRequest{
		CompanyID:      company.ID,
		ConversationID: res.ConversationID,
		Amount:         amount.Shift(2).IntPart(),
		Description:    description,
		CustomerEmail:  customerEmail,
		CustomerName:   res.Name,
		RedirectURL:    s.redirectURL,
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		r := s.client.R().
			SetContext(ctx).
			SetBody(req)
		if company.Creds.PrivateKey != "" {
			r.SetAuthToken(company.Creds.PrivateKey)
		}
		var out CheckoutResponse
		resp, err := r.SetResult(&out).Post(checkoutPath)
		if err != nil {
			return nil, fmt.Errorf("checkout request: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("checkout request: provider HTTP %d", resp.StatusCode())
		}
		if out.Reference == "" || out.PaymentURL == "" {
			return nil, fmt.Errorf("checkout request: provider reply missing reference or url")
		}
		return &out, nil
	})
	if err != nil {
		return nil, &models.UpstreamError{Upstream: "payment", Err: err}
	}
	out := result.(*CheckoutResponse)

	payment := &models.Payment{
		ID:             out.PaymentID,
		CompanyID:      company.ID,
		ConversationID: res.ConversationID,
		ReservationID:  res.ID,
		Amount:         amount,
		Currency:       currency,
		Status:         models.PaymentPending,
		CheckoutURL:    out.PaymentURL,
		Reference:      out.Reference,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	log.Info().
		Str("company", company.ID).
		Str("reservation", res.ID).
		Str("reference", payment.Reference).
		Str("amount", amount.String()).
		Msg("checkout created")
	return payment, nil
}

// HandleWebhook settles one provider notification. The bool reports whether
// this delivery changed state; a replay returns the stored payment with
// false and must not re-trigger side effects.
func (s *Service) HandleWebhook(ctx context.Context, event WebhookEvent) (*models.Payment, bool, error) {
	if event.Reference == "" {
		return nil, false, fmt.Errorf("webhook: missing reference")
	}
	if !models.TerminalPayment(event.Status) {
		return nil, false, fmt.Errorf("webhook: status %q is not terminal", event.Status)
	}

	payment, applied, err := s.store.TransitionPayment(ctx, event.Reference, event.Status)
	if err != nil {
		return nil, false, fmt.Errorf("webhook settle: %w", err)
	}
	if applied && s.metrics != nil {
		s.metrics.ObservePayment(string(event.Status))
	}

	log.Info().
		Str("reference", event.Reference).
		Str("status", string(event.Status)).
		Bool("applied", applied).
		Msg("payment webhook settled")
	return payment, applied, nil
}

// ExpirePending voids PENDING payments created before the cutoff and
// returns the ones this sweep actually expired.
func (s *Service) ExpirePending(ctx context.Context, before time.Time) ([]models.Payment, error) {
	pending, err := s.store.ListPendingPayments(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}

	var expired []models.Payment
	for _, p := range pending {
		settled, applied, err := s.store.TransitionPayment(ctx, p.Reference, models.PaymentExpired)
		if err != nil {
			log.Warn().Err(err).Str("reference", p.Reference).Msg("payment expiry failed")
			continue
		}
		if !applied {
			continue
		}
		if s.metrics != nil {
			s.metrics.ObservePayment(string(models.PaymentExpired))
		}
		expired = append(expired, *settled)
	}
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("pending payments expired")
	}
	return expired, nil
}
