// Package sessions is the conversation context store: short-lived
// per-(company, user) state between turns. Values are JSON snapshots
// with a sliding TTL; the last writer wins. Per-conversation
// serialization is the Gate's job and always stays in-process.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// DefaultTTL is the sliding conversation lifetime.
const DefaultTTL = 30 * time.Minute

// ErrNotFound is returned when no live context exists for the key.
var ErrNotFound = errors.New("sessions: not found")

// Store persists conversation context between turns. The user key is
// the caller's canonical identity for the conversation (phone when
// known, channel user id otherwise).
type Store interface {
	Get(ctx context.Context, companyID, user string) (*models.Conversation, error)
	Put(ctx context.Context, companyID, user string, conv *models.Conversation) error
	Delete(ctx context.Context, companyID, user string) error
	ListByCompany(ctx context.Context, companyID string) ([]models.Conversation, error)
}

func sessionKey(companyID, user string) string {
	return companyID + ":" + user
}

// ── Memory backend ──────────────────────────────────────────────────

type memoryEntry struct {
	companyID string
	data      []byte
	expiresAt time.Time
}

// Memory is the in-process Store used when no Redis URL is configured.
// Values are stored marshaled so readers never alias a writer's slices.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemory builds a memory store and starts its sweeper.
func NewMemory(ttl time.Duration) *Memory {
	m := NewMemoryWithClock(ttl, time.Now)
	go m.sweep(time.Minute)
	return m
}

// NewMemoryWithClock builds a memory store without a sweeper; expired
// entries are still invisible to reads. Tests drive the clock.
func NewMemoryWithClock(ttl time.Duration, clock func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     clock,
		done:    make(chan struct{}),
	}
}

// Close stops the sweeper.
func (m *Memory) Close() { m.once.Do(func() { close(m.done) }) }

func (m *Memory) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Get returns the stored context and slides its expiry.
func (m *Memory) Get(_ context.Context, companyID, user string) (*models.Conversation, error) {
	key := sessionKey(companyID, user)

	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	if ok {
		e.expiresAt = m.now().Add(m.ttl)
		m.entries[key] = e
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	var conv models.Conversation
	if err := json.Unmarshal(e.data, &conv); err != nil {
		return nil, fmt.Errorf("sessions: decode %s: %w", key, err)
	}
	return &conv, nil
}

// Put stores the context snapshot and resets its TTL.
func (m *Memory) Put(_ context.Context, companyID, user string, conv *models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("sessions: encode: %w", err)
	}

	m.mu.Lock()
	m.entries[sessionKey(companyID, user)] = memoryEntry{
		companyID: companyID,
		data:      data,
		expiresAt: m.now().Add(m.ttl),
	}
	m.mu.Unlock()
	return nil
}

// Delete removes the context. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, companyID, user string) error {
	m.mu.Lock()
	delete(m.entries, sessionKey(companyID, user))
	m.mu.Unlock()
	return nil
}

// ListByCompany returns every live context for the company.
func (m *Memory) ListByCompany(_ context.Context, companyID string) ([]models.Conversation, error) {
	now := m.now()

	m.mu.RLock()
	blobs := make([][]byte, 0, 8)
	for _, e := range m.entries {
		if e.companyID == companyID && !now.After(e.expiresAt) {
			blobs = append(blobs, e.data)
		}
	}
	m.mu.RUnlock()

	convs := make([]models.Conversation, 0, len(blobs))
	for _, b := range blobs {
		var conv models.Conversation
		if err := json.Unmarshal(b, &conv); err != nil {
			return nil, fmt.Errorf("sessions: decode: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}
