// Package notify dispatches low-stock events to registered sinks.
//
// The log sink is always on; a webhook sink (HTTP POST of the event JSON,
// optional HMAC-SHA256 signing) is added when a URL is configured. Sinks
// run after the stock transaction commits and never block or fail the
// reservation that triggered them.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Event is the low-stock notification payload.
type Event = models.LowStockEvent

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// ── Notifier ────────────────────────────────────────────────

// Notifier fans events out to all registered sinks.
type Notifier struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewNotifier(sinks ...Sink) *Notifier {
	n := &Notifier{}
	for _, s := range sinks {
		n.RegisterSink(s)
	}
	return n
}

// RegisterSink appends a sink. Safe to call after dispatch has started.
func (n *Notifier) RegisterSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
	log.Info().Str("sink", s.Name()).Msg("registered low-stock sink")
}

// LowStock dispatches every event to every sink concurrently and waits.
// Sink failures are logged, never propagated: alerting is best-effort.
func (n *Notifier) LowStock(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	n.mu.RLock()
	sinks := make([]Sink, len(n.sinks))
	copy(sinks, n.sinks)
	n.mu.RUnlock()

	var wg sync.WaitGroup
	for _, event := range events {
		for _, sink := range sinks {
			wg.Add(1)
			go func(sink Sink, event Event) {
				defer wg.Done()
				if err := sink.Send(ctx, event); err != nil {
					log.Warn().Err(err).
						Str("sink", sink.Name()).
						Str("product", event.ProductID).
						Msg("low-stock dispatch failed")
				}
			}(sink, event)
		}
	}
	wg.Wait()
}

// ── Log Sink ────────────────────────────────────────────────

// LogSink writes a structured warning per event. Always registered.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, event Event) error {
	log.Warn().
		Str("company", event.CompanyID).
		Str("product", event.ProductID).
		Str("name", event.ProductName).
		Int("stock", event.Stock).
		Int("min_stock", event.MinStock).
		Str("correlation", event.Correlation).
		Msg("product stock at or below minimum")
	return nil
}

// ── Webhook Sink ────────────────────────────────────────────

// WebhookSink POSTs the event as JSON with optional HMAC-SHA256 signing.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send posts with up to 3 attempts and linear backoff. The request is
// rebuilt per attempt; a consumed body must not be resent.
func (s *WebhookSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal low-stock payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "CupoBot-Engine/1.0")
		req.Header.Set("X-Cupo-Event", "stock.low")
		req.Header.Set("X-Cupo-Company", event.CompanyID)
		if s.secret != "" {
			mac := hmac.New(sha256.New, []byte(s.secret))
			mac.Write(body)
			req.Header.Set("X-Cupo-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
