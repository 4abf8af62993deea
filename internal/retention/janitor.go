// Package retention sweeps conversations nobody finished. A collecting
// or awaiting-payment context left idle past the threshold is abandoned,
// releasing any stock its draft still holds, and checkouts that never
// completed are expired even when their conversation is already gone.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. It races the user and the payment
// webhook by design: every settle underneath is a compare-and-set, so a
// lost race is a logged no-op, never a double release.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/internal/flow"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// DefaultIdle is how long a conversation may sit without a turn before
// the sweep abandons it.
const DefaultIdle = 30 * time.Minute

// DefaultInterval is how often the janitor sweeps.
const DefaultInterval = 5 * time.Minute

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	Abandoned       int
	ExpiredPayments int
	Errors          []error
}

// Janitor abandons idle flows and expires stale checkouts.
type Janitor struct {
	store    store.Store
	sessions sessions.Store
	flow     *flow.Service
	idle     time.Duration
	interval time.Duration
}

// NewJanitor builds the sweeper. Zero durations take the defaults.
func NewJanitor(st store.Store, sess sessions.Store, fl *flow.Service, idle, interval time.Duration) *Janitor {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Janitor{store: st, sessions: sess, flow: fl, idle: idle, interval: interval}
}

// Start runs the sweep loop until ctx is canceled. One sweep runs
// immediately so a restart does not extend stale stock holds.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("idle", j.idle).
		Dur("interval", j.interval).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one cycle across every tenant.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	companies, err := j.store.ListCompanies(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("retention sweep: list companies")
		stats.Errors = append(stats.Errors, err)
		return stats
	}

	cutoff := start.Add(-j.idle)
	for i := range companies {
		j.sweepCompany(ctx, companies[i].ID, cutoff, &stats)
	}

	expired, err := j.flow.ExpirePayments(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("retention sweep: expire payments")
		stats.Errors = append(stats.Errors, err)
	}
	stats.ExpiredPayments = expired

	if stats.Abandoned > 0 || stats.ExpiredPayments > 0 {
		log.Info().
			Int("abandoned", stats.Abandoned).
			Int("expired_payments", stats.ExpiredPayments).
			Int("companies", len(companies)).
			Dur("elapsed", time.Since(start)).
			Msg("retention sweep complete")
	}
	return stats
}

func (j *Janitor) sweepCompany(ctx context.Context, companyID string, cutoff time.Time, stats *CycleStats) {
	convs, err := j.sessions.ListByCompany(ctx, companyID)
	if err != nil {
		log.Warn().Err(err).Str("company_id", companyID).Msg("retention sweep: list conversations")
		stats.Errors = append(stats.Errors, err)
		return
	}
	for i := range convs {
		conv := &convs[i]
		if !sweepable(conv, cutoff) {
			continue
		}
		if err := j.flow.Abandon(ctx, conv); err != nil {
			log.Warn().Err(err).
				Str("company_id", companyID).
				Str("conversation_id", conv.ID).
				Msg("retention sweep: abandon conversation")
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Abandoned++
	}
}

// sweepable limits the sweep to flows holding user expectations or
// stock; an idle greeting just ages out with its session TTL.
func sweepable(conv *models.Conversation, cutoff time.Time) bool {
	if conv.State != models.StateCollecting && conv.State != models.StateAwaitingPayment {
		return false
	}
	last := conv.LastTurnAt
	if last.IsZero() {
		last = conv.CreatedAt
	}
	return last.Before(cutoff)
}
