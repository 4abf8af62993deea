// Package store — in-memory Store implementation.
// Used when DATABASE_URL is not set (local dev, tests). Supports
// file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk. The phone and
// payment-reference indexes are derived and rebuilt on load.
type snapshot struct {
	Companies       map[string]*models.Company          `json:"companies"`
	Products        map[string]*models.Product          `json:"products"`
	Intentions      map[string]*models.Intention        `json:"intentions"`
	Patterns        map[string][]*models.KeywordPattern `json:"patterns"` // key: intention id
	Examples        map[string][]*models.IntentExample  `json:"examples"` // key: intention id
	SystemKeywords  []*models.SystemKeyword             `json:"system_keywords"`
	ServiceKeywords map[string][]*models.ServiceKeyword `json:"service_keywords"` // key: company id ("" = global)
	Users           map[string]*models.User             `json:"users"`
	Preferences     map[string]*models.UserPreference   `json:"preferences"` // key: user_id:company_id
	Reservations    map[string]*models.Reservation      `json:"reservations"`
	Movements       map[string][]*models.StockMovement  `json:"movements"` // key: product id, oldest first
	Payments        map[string]*models.Payment          `json:"payments"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu              sync.RWMutex
	companies       map[string]*models.Company
	products        map[string]*models.Product
	intentions      map[string]*models.Intention
	patterns        map[string][]*models.KeywordPattern
	examples        map[string][]*models.IntentExample
	systemKeywords  []*models.SystemKeyword
	serviceKeywords map[string][]*models.ServiceKeyword
	users           map[string]*models.User
	usersByPhone    map[string]string // phone → user id
	preferences     map[string]*models.UserPreference
	reservations    map[string]*models.Reservation
	movements       map[string][]*models.StockMovement
	payments        map[string]*models.Payment
	paymentsByRef   map[string]string // reference → payment id

	// Per-product locks emulating the row-level FOR UPDATE NOWAIT of the
	// Postgres store: a reservation holds its items' locks for the span
	// of the transaction; a concurrent claimer fails fast.
	lockMu       sync.Mutex
	productLocks map[string]*sync.Mutex

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates an in-memory store. When snapshotPath is not
// empty, data is loaded from and persisted to that JSON file.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		companies:       make(map[string]*models.Company),
		products:        make(map[string]*models.Product),
		intentions:      make(map[string]*models.Intention),
		patterns:        make(map[string][]*models.KeywordPattern),
		examples:        make(map[string][]*models.IntentExample),
		serviceKeywords: make(map[string][]*models.ServiceKeyword),
		users:           make(map[string]*models.User),
		usersByPhone:    make(map[string]string),
		preferences:     make(map[string]*models.UserPreference),
		reservations:    make(map[string]*models.Reservation),
		movements:       make(map[string][]*models.StockMovement),
		payments:        make(map[string]*models.Payment),
		paymentsByRef:   make(map[string]string),
		productLocks:    make(map[string]*sync.Mutex),
		saveCh:          make(chan struct{}, 1),
		doneCh:          make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = snapshotPath
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// already pending
	}
}

// saveLoop debounces save requests (max one write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON, temp file then rename.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Companies:       m.companies,
		Products:        m.products,
		Intentions:      m.intentions,
		Patterns:        m.patterns,
		Examples:        m.examples,
		SystemKeywords:  m.systemKeywords,
		ServiceKeywords: m.serviceKeywords,
		Users:           m.users,
		Preferences:     m.preferences,
		Reservations:    m.reservations,
		Movements:       m.movements,
		Payments:        m.payments,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to rename snapshot")
		return
	}
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("no snapshot file, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Companies != nil {
		m.companies = snap.Companies
	}
	if snap.Products != nil {
		m.products = snap.Products
	}
	if snap.Intentions != nil {
		m.intentions = snap.Intentions
	}
	if snap.Patterns != nil {
		m.patterns = snap.Patterns
	}
	if snap.Examples != nil {
		m.examples = snap.Examples
	}
	if snap.SystemKeywords != nil {
		m.systemKeywords = snap.SystemKeywords
	}
	if snap.ServiceKeywords != nil {
		m.serviceKeywords = snap.ServiceKeywords
	}
	if snap.Users != nil {
		m.users = snap.Users
	}
	if snap.Preferences != nil {
		m.preferences = snap.Preferences
	}
	if snap.Reservations != nil {
		m.reservations = snap.Reservations
	}
	if snap.Movements != nil {
		m.movements = snap.Movements
	}
	if snap.Payments != nil {
		m.payments = snap.Payments
	}

	// rebuild derived indexes
	for id, u := range m.users {
		m.usersByPhone[u.Phone] = id
	}
	for id, p := range m.payments {
		m.paymentsByRef[p.Reference] = id
	}

	log.Info().
		Int("companies", len(m.companies)).
		Int("products", len(m.products)).
		Int("users", len(m.users)).
		Int("reservations", len(m.reservations)).
		Str("path", m.snapshotPath).
		Msg("snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	log.Info().Msg("memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Company Store ───────────────────────────────────────────

func (m *MemoryStore) ListCompanies(_ context.Context) ([]models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Company, 0, len(m.companies))
	for _, c := range m.companies {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetCompany(_ context.Context, id string) (*models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "company", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCompany(_ context.Context, company *models.Company) error {
	m.mu.Lock()
	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = time.Now().UTC()
	}
	company.UpdatedAt = company.CreatedAt
	cp := *company
	m.companies[company.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateCompany(_ context.Context, company *models.Company) error {
	m.mu.Lock()
	if _, ok := m.companies[company.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "company", Key: company.ID}
	}
	company.UpdatedAt = time.Now().UTC()
	cp := *company
	m.companies[company.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Product Store ───────────────────────────────────────────

func (m *MemoryStore) ListProducts(_ context.Context, companyID string) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Product
	for _, p := range m.products {
		if p.CompanyID == companyID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "product", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProduct(_ context.Context, product *models.Product) error {
	m.mu.Lock()
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.UpdatedAt = product.CreatedAt
	cp := *product
	m.products[product.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateProduct(_ context.Context, product *models.Product) error {
	m.mu.Lock()
	if _, ok := m.products[product.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "product", Key: product.ID}
	}
	product.UpdatedAt = time.Now().UTC()
	cp := *product
	m.products[product.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteProduct(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.products[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "product", Key: id}
	}
	delete(m.products, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Vocabulary Store ────────────────────────────────────────

func (m *MemoryStore) ListIntentions(_ context.Context, companyID string) ([]models.Intention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Intention
	for _, in := range m.intentions {
		if in.CompanyID == companyID {
			result = append(result, *in)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Priority > result[j].Priority })
	return result, nil
}

func (m *MemoryStore) ListPatterns(_ context.Context, companyID string) ([]models.KeywordPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.KeywordPattern
	for id, in := range m.intentions {
		if in.CompanyID != companyID {
			continue
		}
		for _, p := range m.patterns[id] {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExamples(_ context.Context, companyID string) ([]models.IntentExample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.IntentExample
	for id, in := range m.intentions {
		if in.CompanyID != companyID {
			continue
		}
		for _, ex := range m.examples[id] {
			result = append(result, *ex)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateIntention(_ context.Context, intention *models.Intention) error {
	m.mu.Lock()
	if intention.ID == "" {
		intention.ID = uuid.NewString()
	}
	if intention.CreatedAt.IsZero() {
		intention.CreatedAt = time.Now().UTC()
	}
	cp := *intention
	m.intentions[intention.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) CreatePattern(_ context.Context, pattern *models.KeywordPattern) error {
	m.mu.Lock()
	if _, ok := m.intentions[pattern.IntentionID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "intention", Key: pattern.IntentionID}
	}
	if pattern.ID == "" {
		pattern.ID = uuid.NewString()
	}
	cp := *pattern
	m.patterns[pattern.IntentionID] = append(m.patterns[pattern.IntentionID], &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) CreateExample(_ context.Context, example *models.IntentExample) error {
	m.mu.Lock()
	if _, ok := m.intentions[example.IntentionID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "intention", Key: example.IntentionID}
	}
	if example.ID == "" {
		example.ID = uuid.NewString()
	}
	cp := *example
	m.examples[example.IntentionID] = append(m.examples[example.IntentionID], &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSystemKeywords(_ context.Context) ([]models.SystemKeyword, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.SystemKeyword, 0, len(m.systemKeywords))
	for _, kw := range m.systemKeywords {
		result = append(result, *kw)
	}
	return result, nil
}

func (m *MemoryStore) ReplaceSystemKeywords(_ context.Context, keywords []models.SystemKeyword) error {
	m.mu.Lock()
	next := make([]*models.SystemKeyword, 0, len(keywords))
	for _, kw := range keywords {
		cp := kw
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		next = append(next, &cp)
	}
	m.systemKeywords = next
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListServiceKeywords(_ context.Context, companyID string) ([]models.ServiceKeyword, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ServiceKeyword
	for _, kw := range m.serviceKeywords[""] {
		result = append(result, *kw)
	}
	if companyID != "" {
		for _, kw := range m.serviceKeywords[companyID] {
			result = append(result, *kw)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateServiceKeyword(_ context.Context, keyword *models.ServiceKeyword) error {
	m.mu.Lock()
	if keyword.ID == "" {
		keyword.ID = uuid.NewString()
	}
	cp := *keyword
	m.serviceKeywords[keyword.CompanyID] = append(m.serviceKeywords[keyword.CompanyID], &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── User Store ──────────────────────────────────────────────

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByPhone(_ context.Context, phone string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByPhone[phone]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: phone}
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) EnsureUserByPhone(_ context.Context, phone string) (*models.User, error) {
	m.mu.Lock()
	if id, ok := m.usersByPhone[phone]; ok {
		cp := *m.users[id]
		m.mu.Unlock()
		return &cp, nil
	}
	u := &models.User{ID: uuid.NewString(), Phone: phone, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u
	m.usersByPhone[phone] = u.ID
	cp := *u
	m.mu.Unlock()
	m.requestSave()
	return &cp, nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	prev, ok := m.users[user.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "user", Key: user.ID}
	}
	if prev.Phone != user.Phone {
		delete(m.usersByPhone, prev.Phone)
		m.usersByPhone[user.Phone] = user.ID
	}
	cp := *user
	m.users[user.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetPreference(_ context.Context, userID, companyID string) (*models.UserPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.preferences[key(userID, companyID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "preference", Key: key(userID, companyID)}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertPreference(_ context.Context, pref *models.UserPreference) error {
	m.mu.Lock()
	m.upsertPreferenceLocked(pref)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) upsertPreferenceLocked(pref *models.UserPreference) {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now().UTC()
	}
	cp := *pref
	m.preferences[key(pref.UserID, pref.CompanyID)] = &cp
}

// ── Stock helpers ───────────────────────────────────────────

// mergeItems collapses duplicate product lines and drops empty ones, so
// one product maps to one lock and one movement.
func mergeItems(items []models.ReservationItem) []models.ReservationItem {
	merged := make([]models.ReservationItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" || it.Quantity <= 0 {
			continue
		}
		if i, ok := index[it.ProductID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged
}

// trackedSubset resolves items against the catalog and keeps the
// stock-tracked ones. Unknown products error when strict; released items
// whose product vanished are skipped.
func (m *MemoryStore) trackedSubset(companyID string, items []models.ReservationItem, strict bool) ([]models.ReservationItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracked := make([]models.ReservationItem, 0, len(items))
	for _, it := range items {
		p, ok := m.products[it.ProductID]
		if !ok || p.CompanyID != companyID {
			if strict {
				return nil, &ErrNotFound{Entity: "product", Key: it.ProductID}
			}
			continue
		}
		if !p.HasStock {
			continue
		}
		it.Name = p.Name
		tracked = append(tracked, it)
	}
	return tracked, nil
}

func (m *MemoryStore) productLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.productLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.productLocks[id] = l
	}
	return l
}

// lockItems acquires per-product locks in product-id order. With noWait
// a held lock fails fast with a StockConflictError, mirroring FOR UPDATE
// NOWAIT. The returned release unlocks everything acquired.
func (m *MemoryStore) lockItems(items []models.ReservationItem, noWait bool) (func(), error) {
	sorted := make([]models.ReservationItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	held := make([]*sync.Mutex, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
	for _, it := range sorted {
		l := m.productLock(it.ProductID)
		if noWait {
			if !l.TryLock() {
				release()
				return nil, &models.StockConflictError{
					ProductID: it.ProductID,
					Name:      it.Name,
					Requested: it.Quantity,
					Available: -1,
				}
			}
		} else {
			l.Lock()
		}
		held = append(held, l)
	}
	return release, nil
}

// reserveLocked checks then decrements stock for tracked items, writing
// one "out" movement per item. Caller holds m.mu and the product locks.
// Nothing is mutated unless every item passes.
func (m *MemoryStore) reserveLocked(companyID string, tracked []models.ReservationItem, correlation string) ([]models.StockMovement, error) {
	for _, it := range tracked {
		p, ok := m.products[it.ProductID]
		if !ok {
			return nil, &ErrNotFound{Entity: "product", Key: it.ProductID}
		}
		if p.Stock < it.Quantity {
			return nil, &models.StockConflictError{
				ProductID: it.ProductID,
				Name:      p.Name,
				Requested: it.Quantity,
				Available: p.Stock,
			}
		}
	}

	now := time.Now().UTC()
	movements := make([]models.StockMovement, 0, len(tracked))
	for _, it := range tracked {
		p := m.products[it.ProductID]
		mov := models.StockMovement{
			ID:            uuid.NewString(),
			CompanyID:     companyID,
			ProductID:     p.ID,
			Type:          models.MovementOut,
			Quantity:      -it.Quantity,
			PreviousStock: p.Stock,
			NewStock:      p.Stock - it.Quantity,
			Reason:        "reservation",
			Correlation:   correlation,
			CreatedAt:     now,
		}
		p.Stock = mov.NewStock
		p.UpdatedAt = now
		cp := mov
		m.movements[p.ID] = append(m.movements[p.ID], &cp)
		movements = append(movements, mov)
	}
	return movements, nil
}

// releaseLocked is the inverse of reserveLocked. Caller holds m.mu and
// the product locks.
func (m *MemoryStore) releaseLocked(companyID string, tracked []models.ReservationItem, reason, correlation string) []models.StockMovement {
	now := time.Now().UTC()
	movements := make([]models.StockMovement, 0, len(tracked))
	for _, it := range tracked {
		p, ok := m.products[it.ProductID]
		if !ok {
			continue
		}
		mov := models.StockMovement{
			ID:            uuid.NewString(),
			CompanyID:     companyID,
			ProductID:     p.ID,
			Type:          models.MovementIn,
			Quantity:      it.Quantity,
			PreviousStock: p.Stock,
			NewStock:      p.Stock + it.Quantity,
			Reason:        reason,
			Correlation:   correlation,
			CreatedAt:     now,
		}
		p.Stock = mov.NewStock
		p.UpdatedAt = now
		cp := mov
		m.movements[p.ID] = append(m.movements[p.ID], &cp)
		movements = append(movements, mov)
	}
	return movements
}

// ── Stock Store ─────────────────────────────────────────────

func (m *MemoryStore) ReserveStock(ctx context.Context, companyID string, items []models.ReservationItem, correlation string) ([]models.StockMovement, error) {
	tracked, err := m.trackedSubset(companyID, mergeItems(items), true)
	if err != nil {
		return nil, err
	}
	if len(tracked) == 0 {
		return nil, nil
	}
	release, err := m.lockItems(tracked, true)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	movements, err := m.reserveLocked(companyID, tracked, correlation)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.requestSave()
	return movements, nil
}

func (m *MemoryStore) ReleaseStock(ctx context.Context, companyID string, items []models.ReservationItem, reason, correlation string) ([]models.StockMovement, error) {
	tracked, _ := m.trackedSubset(companyID, mergeItems(items), false)
	if len(tracked) == 0 {
		return nil, nil
	}
	release, err := m.lockItems(tracked, false)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	movements := m.releaseLocked(companyID, tracked, reason, correlation)
	m.mu.Unlock()
	m.requestSave()
	return movements, nil
}

func (m *MemoryStore) AdjustStock(ctx context.Context, productID string, delta int, reason string) (*models.StockMovement, error) {
	l := m.productLock(productID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return nil, &ErrNotFound{Entity: "product", Key: productID}
	}
	if !p.HasStock {
		return nil, ErrUntracked
	}
	if p.Stock+delta < 0 {
		return nil, ErrNegativeStock
	}

	now := time.Now().UTC()
	mov := models.StockMovement{
		ID:            uuid.NewString(),
		CompanyID:     p.CompanyID,
		ProductID:     p.ID,
		Type:          models.MovementIn,
		Quantity:      delta,
		PreviousStock: p.Stock,
		NewStock:      p.Stock + delta,
		Reason:        reason,
		CreatedAt:     now,
	}
	if delta < 0 {
		mov.Type = models.MovementOut
	}
	p.Stock = mov.NewStock
	p.UpdatedAt = now
	cp := mov
	m.movements[p.ID] = append(m.movements[p.ID], &cp)
	m.requestSave()
	return &mov, nil
}

func (m *MemoryStore) ListMovements(_ context.Context, productID string, limit int) ([]models.StockMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	trail := m.movements[productID]
	result := make([]models.StockMovement, 0, limit)
	for i := len(trail) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, *trail[i])
	}
	return result, nil
}

// ── Reservation Store ───────────────────────────────────────

func (m *MemoryStore) CreateReservation(ctx context.Context, res *models.Reservation, pref *models.UserPreference) ([]models.StockMovement, error) {
	tracked, err := m.trackedSubset(res.CompanyID, mergeItems(res.Items), true)
	if err != nil {
		return nil, err
	}
	release, err := m.lockItems(tracked, true)
	if err != nil {
		return nil, err
	}
	defer release()

	if res.ID == "" {
		res.ID = uuid.NewString()
	}

	m.mu.Lock()
	movements, err := m.reserveLocked(res.CompanyID, tracked, res.ID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	res.StockReserved = len(movements) > 0
	cp := *res
	m.reservations[res.ID] = &cp

	if pref != nil {
		m.upsertPreferenceLocked(pref)
	}
	m.mu.Unlock()
	m.requestSave()
	return movements, nil
}

func (m *MemoryStore) SettleReservation(ctx context.Context, id string, to models.ReservationStatus, reason string, pref *models.UserPreference) (*models.Reservation, []models.StockMovement, error) {
	m.mu.RLock()
	r, ok := m.reservations[id]
	if !ok {
		m.mu.RUnlock()
		return nil, nil, &ErrNotFound{Entity: "reservation", Key: id}
	}
	current := *r
	m.mu.RUnlock()

	// Stock locks are only needed when cancelling holds.
	var release func()
	if to == models.ReservationCancelled && current.StockReserved {
		tracked, _ := m.trackedSubset(current.CompanyID, mergeItems(current.Items), false)
		var err error
		release, err = m.lockItems(tracked, false)
		if err != nil {
			return nil, nil, err
		}
	}
	if release != nil {
		defer release()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok = m.reservations[id]
	if !ok {
		return nil, nil, &ErrNotFound{Entity: "reservation", Key: id}
	}
	if r.Status == to {
		cp := *r
		return &cp, nil, nil
	}
	if r.Status == models.ReservationCancelled || r.Status == models.ReservationCompleted {
		return nil, nil, &ErrStateConflict{Key: id, From: r.Status, To: to}
	}

	now := time.Now().UTC()
	var movements []models.StockMovement
	switch to {
	case models.ReservationCancelled:
		if r.StockReserved {
			tracked, _ := m.trackedSubset(r.CompanyID, mergeItems(r.Items), false)
			movements = m.releaseLocked(r.CompanyID, tracked, reason, r.ID)
			r.StockReserved = false
		}
		r.CancelledAt = &now
	case models.ReservationConfirmed:
		if pref != nil {
			m.upsertPreferenceLocked(pref)
		}
	}
	r.Status = to
	r.UpdatedAt = now

	cp := *r
	m.requestSave()
	return &cp, movements, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "reservation", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListReservations(_ context.Context, companyID string, filter ReservationFilter) ([]models.Reservation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	wantStatus := make(map[models.ReservationStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		wantStatus[s] = true
	}

	m.mu.RLock()
	var result []models.Reservation
	for _, r := range m.reservations {
		if r.CompanyID != companyID {
			continue
		}
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if len(wantStatus) > 0 && !wantStatus[r.Status] {
			continue
		}
		result = append(result, *r)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date.Before(result[j].Date)
		}
		if result[i].Time != result[j].Time {
			return result[i].Time < result[j].Time
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Payment Store ───────────────────────────────────────────

func (m *MemoryStore) CreatePayment(_ context.Context, payment *models.Payment) error {
	m.mu.Lock()
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.UpdatedAt = payment.CreatedAt
	cp := *payment
	m.payments[payment.ID] = &cp
	m.paymentsByRef[payment.Reference] = payment.ID
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetPaymentByReference(_ context.Context, reference string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.paymentsByRef[reference]
	if !ok {
		return nil, &ErrNotFound{Entity: "payment", Key: reference}
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *MemoryStore) TransitionPayment(_ context.Context, reference string, to models.PaymentStatus) (*models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.paymentsByRef[reference]
	if !ok {
		return nil, false, &ErrNotFound{Entity: "payment", Key: reference}
	}
	p := m.payments[id]
	if p.Status != models.PaymentPending {
		cp := *p
		return &cp, false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.requestSave()
	return &cp, true, nil
}

func (m *MemoryStore) ListPendingPayments(_ context.Context, before time.Time) ([]models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Payment
	for _, p := range m.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(before) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
