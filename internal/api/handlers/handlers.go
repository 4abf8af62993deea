// Package handlers implements the HTTP handlers for the reservation
// engine API: the inbound-message operation, the payment webhook, and
// the admin reads over catalog, reservations, conversations and stock.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/internal/engine"
	"github.com/cupobot/cupobot/engine/internal/flow"
	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/payment"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/stock"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Engine   *engine.Engine
	Flow     *flow.Service
	Stock    *stock.Service
	Sessions sessions.Store
	Metrics  *metrics.Metrics
}

func New(st store.Store, eng *engine.Engine, fl *flow.Service, stk *stock.Service, sess sessions.Store, m *metrics.Metrics) *Handlers {
	return &Handlers{Store: st, Engine: eng, Flow: fl, Stock: stk, Sessions: sess, Metrics: m}
}

// ── Messages ─────────────────────────────────────────────────

// PostMessage runs one inbound message through the engine. The company
// in the path wins over anything in the body.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	var msg engine.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg.CompanyID = chi.URLParam(r, "companyID")

	resp, err := h.Engine.Handle(r.Context(), &msg)
	if err != nil {
		var fieldErr *models.FieldError
		if errors.As(err, &fieldErr) {
			respondError(w, http.StatusBadRequest, fieldErr.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Catalog ──────────────────────────────────────────────────

// GetCatalog lists what the company offers, service variants and
// sellable products separately.
func (h *Handlers) GetCatalog(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	company, err := h.Store.GetCompany(r.Context(), companyID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	products, err := h.Store.ListProducts(r.Context(), companyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	services := []models.Product{}
	items := []models.Product{}
	for _, p := range products {
		if !p.Active {
			continue
		}
		if p.Category == models.CategoryService {
			services = append(services, p)
		} else {
			items = append(items, p)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"company":  company.Name,
		"type":     company.Type,
		"services": services,
		"products": items,
	})
}

// ── Reservations ─────────────────────────────────────────────

// ListReservations reads the reservation ledger. Optional query params:
// status (comma-separated), user, limit.
func (h *Handlers) ListReservations(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	if _, err := h.Store.GetCompany(r.Context(), companyID); err != nil {
		respondStoreError(w, err)
		return
	}

	filter := store.ReservationFilter{UserID: r.URL.Query().Get("user")}
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Statuses = append(filter.Statuses, models.ReservationStatus(part))
			}
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	reservations, err := h.Store.ListReservations(r.Context(), companyID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reservations == nil {
		reservations = []models.Reservation{}
	}
	respondJSON(w, http.StatusOK, reservations)
}

// ── Conversations ────────────────────────────────────────────

// ListConversations reads the live conversation contexts for a company.
// Expired sessions are gone by definition, so the list is the current
// working set, not a history.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	if _, err := h.Store.GetCompany(r.Context(), companyID); err != nil {
		respondStoreError(w, err)
		return
	}

	convs, err := h.Sessions.ListByCompany(r.Context(), companyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

// ── Stock ────────────────────────────────────────────────────

// GetStock reads availability without locking. qty sets the quantity
// the availability answer is judged against (default 1).
func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	product, err := h.Store.GetProduct(r.Context(), productID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if product.CompanyID != chi.URLParam(r, "companyID") {
		respondError(w, http.StatusNotFound, (&store.ErrNotFound{Entity: "product", Key: productID}).Error())
		return
	}

	qty := 1
	if q := r.URL.Query().Get("qty"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "qty must be a positive integer")
			return
		}
		qty = n
	}

	result, err := h.Stock.Check(r.Context(), productID, qty)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// AdjustStock applies an administrative delta and returns the movement
// it wrote.
func (h *Handlers) AdjustStock(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	productID := chi.URLParam(r, "productID")

	var req struct {
		Delta  int    `json:"delta"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Delta == 0 {
		respondError(w, http.StatusBadRequest, "delta must not be zero")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual_adjust"
	}

	product, err := h.Store.GetProduct(r.Context(), productID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if product.CompanyID != companyID {
		respondError(w, http.StatusNotFound, (&store.ErrNotFound{Entity: "product", Key: productID}).Error())
		return
	}

	mov, err := h.Stock.Adjust(r.Context(), productID, req.Delta, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUntracked):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNegativeStock):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondStoreError(w, err)
		}
		return
	}
	respondJSON(w, http.StatusOK, mov)
}

// ── Payments ─────────────────────────────────────────────────

// PaymentWebhook settles a provider event. Replays settle nothing and
// still answer 200 so the provider stops retrying.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var event payment.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if event.Reference == "" {
		respondError(w, http.StatusBadRequest, "reference is required")
		return
	}
	if !models.TerminalPayment(event.Status) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("status %q is not terminal", event.Status))
		return
	}

	pay, reply, err := h.Flow.HandlePaymentWebhook(r.Context(), event)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	resp := map[string]any{
		"reference": pay.Reference,
		"status":    pay.Status,
	}
	if reply != "" {
		resp["reply"] = reply
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Admin ────────────────────────────────────────────────────

// InvalidateCache drops the compiled vocabulary and config caches so
// the next message rereads the datastore.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	h.Engine.InvalidateCaches()
	log.Info().Msg("caches invalidated")
	respondJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Stats serves the in-process EMA snapshot. Prometheus exposition
// lives at /metrics; this is the cheap human-readable view.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps datastore errors: unknown keys are 404,
// anything else is a 500.
func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
