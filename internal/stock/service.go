// Package stock is the inventory service. All product stock mutations go
// through here: it wraps the store's locking transactions with the stock
// deadline, counts conflicts, and emits low-stock events after commit.
package stock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/notify"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// CheckResult is the non-locking availability read.
type CheckResult struct {
	ProductID    string `json:"product_id"`
	HasStock     bool   `json:"has_stock"`
	CurrentStock int    `json:"current_stock"`
	Available    bool   `json:"available"`
}

// Service executes inventory operations.
type Service struct {
	store    store.Store
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	deadline time.Duration // per stock transaction
}

func NewService(st store.Store, notifier *notify.Notifier, m *metrics.Metrics, deadline time.Duration) *Service {
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	return &Service{store: st, notifier: notifier, metrics: m, deadline: deadline}
}

// Check reads availability without locking. Untracked products are
// available whenever active, regardless of qty.
func (s *Service) Check(ctx context.Context, productID string, qty int) (*CheckResult, error) {
	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		ProductID:    p.ID,
		HasStock:     p.HasStock,
		CurrentStock: p.Stock,
		Available:    p.Active && (!p.HasStock || p.Stock >= qty),
	}, nil
}

// Reserve runs the claiming transaction and, after commit, emits low-stock
// events for products that crossed their minimum.
func (s *Service) Reserve(ctx context.Context, companyID string, items []models.ReservationItem, correlation string) ([]models.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	movements, err := s.store.ReserveStock(ctx, companyID, items, correlation)
	if err != nil {
		return nil, s.mapStockErr(err, "stock reserve")
	}

	s.EmitLowStock(movements)
	return movements, nil
}

// Release returns stock held by a reservation. Reason is recorded on each
// movement (cancellation, abandoned, payment_declined).
func (s *Service) Release(ctx context.Context, companyID string, items []models.ReservationItem, reason, correlation string) ([]models.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	movements, err := s.store.ReleaseStock(ctx, companyID, items, reason, correlation)
	if err != nil {
		return nil, s.mapStockErr(err, "stock release")
	}
	return movements, nil
}

// Adjust applies an administrative delta.
func (s *Service) Adjust(ctx context.Context, productID string, delta int, reason string) (*models.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	mov, err := s.store.AdjustStock(ctx, productID, delta, reason)
	if err != nil {
		return nil, s.mapStockErr(err, "stock adjust")
	}

	log.Info().
		Str("product", productID).
		Int("delta", delta).
		Int("stock", mov.NewStock).
		Str("reason", reason).
		Msg("stock adjusted")
	if delta < 0 {
		s.EmitLowStock([]models.StockMovement{*mov})
	}
	return mov, nil
}

// Movements lists the audit trail for a product, newest first.
func (s *Service) Movements(ctx context.Context, productID string, limit int) ([]models.StockMovement, error) {
	return s.store.ListMovements(ctx, productID, limit)
}

// EmitLowStock inspects committed out-movements and dispatches a low-stock
// event for each product at or below its minimum. Runs detached: alerting
// must not hold up the reply that triggered it.
func (s *Service) EmitLowStock(movements []models.StockMovement) {
	var outs []models.StockMovement
	for _, mov := range movements {
		if mov.Type == models.MovementOut {
			outs = append(outs, mov)
		}
	}
	if len(outs) == 0 || s.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var events []notify.Event
		for _, mov := range outs {
			p, err := s.store.GetProduct(ctx, mov.ProductID)
			if err != nil {
				log.Warn().Err(err).Str("product", mov.ProductID).Msg("low-stock check: product read failed")
				continue
			}
			if !p.HasStock || mov.NewStock > p.MinStock {
				continue
			}
			events = append(events, models.LowStockEvent{
				CompanyID:   mov.CompanyID,
				ProductID:   mov.ProductID,
				ProductName: p.Name,
				Stock:       mov.NewStock,
				MinStock:    p.MinStock,
				Correlation: mov.Correlation,
				At:          mov.CreatedAt,
			})
		}
		s.notifier.LowStock(ctx, events)
	}()
}

// mapStockErr counts conflicts and turns deadline expiry into the typed
// timeout the orchestrator's error branch expects.
func (s *Service) mapStockErr(err error, op string) error {
	var conflict *models.StockConflictError
	if errors.As(err, &conflict) {
		if s.metrics != nil {
			s.metrics.ObserveStockConflict()
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.TimeoutError{Op: op}
	}
	return err
}
