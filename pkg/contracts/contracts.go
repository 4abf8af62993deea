// Package contracts is the public surface of the reservation engine:
// type aliases onto the internal wire types, plus the service
// interfaces a transport binary programs against.
//
// Code outside this module cannot import internal/ packages, so every
// type an embedder needs to name is re-exported here. The JSON field
// names are wire-stable (camelCase, matching the public API and the
// payment provider).
package contracts

import (
	"context"

	"github.com/cupobot/cupobot/engine/internal/engine"
	"github.com/cupobot/cupobot/engine/internal/payment"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// ── Storage ─────────────────────────────────────────────────

// Store is the engine's datastore interface.
type Store = store.Store

// SessionStore is the short-term conversation context store.
type SessionStore = sessions.Store

// ErrNotFound is the typed missing-row error every Store returns.
type ErrNotFound = store.ErrNotFound

// ── Messages ────────────────────────────────────────────────

// InboundMessage is a single user message scoped to a tenant. Exactly
// one of UserID and Phone identifies the sender; a phone finds or
// creates the user.
type InboundMessage = engine.Message

// OutboundMessage is the engine's reply to one inbound message.
type OutboundMessage = engine.Response

// ── Payment provider ────────────────────────────────────────

// CheckoutRequest asks the provider for a checkout link. Amount is in
// minor units (centavos).
type CheckoutRequest = payment.CheckoutRequest

// CheckoutResponse is the provider's answer; status is PENDING at
// creation time.
type CheckoutResponse = payment.CheckoutResponse

// PaymentWebhook is the provider's asynchronous status notification.
// Processing is idempotent per reference.
type PaymentWebhook = payment.WebhookEvent

// ── Admin requests ──────────────────────────────────────────

// StockAdjustRequest is the administrative stock-adjustment body.
type StockAdjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// ── Service interfaces ──────────────────────────────────────

// BotService processes one inbound message end to end.
// Implementation: internal/engine.Engine.
type BotService interface {
	Handle(ctx context.Context, msg *InboundMessage) (*OutboundMessage, error)
}

// WebhookProcessor applies a provider webhook to the owning payment,
// reservation and conversation. The returned string is the user-facing
// line a push-capable transport may deliver.
// Implementation: internal/flow.Service.
type WebhookProcessor interface {
	HandlePaymentWebhook(ctx context.Context, event PaymentWebhook) (*models.Payment, string, error)
}
