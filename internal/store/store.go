// Package store provides the storage interface and implementations for the
// reservation engine. Local dev and tests run on the in-memory store with
// JSON snapshot persistence; production uses PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Store is the primary storage interface. All engine and handler code
// depends on this interface, making it easy to swap between in-memory
// (dev, tests) and PostgreSQL (production) implementations.
type Store interface {
	CompanyStore
	ProductStore
	VocabularyStore
	UserStore
	ReservationStore
	StockStore
	PaymentStore

	// Ping checks if the datastore is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Company Store ───────────────────────────────────────────

type CompanyStore interface {
	ListCompanies(ctx context.Context) ([]models.Company, error)
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	CreateCompany(ctx context.Context, company *models.Company) error
	UpdateCompany(ctx context.Context, company *models.Company) error
}

// ── Product Store ───────────────────────────────────────────

type ProductStore interface {
	ListProducts(ctx context.Context, companyID string) ([]models.Product, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	CreateProduct(ctx context.Context, product *models.Product) error
	UpdateProduct(ctx context.Context, product *models.Product) error
	DeleteProduct(ctx context.Context, id string) error
}

// ── Vocabulary Store ────────────────────────────────────────

// VocabularyStore persists the classification material: intentions with
// their weighted keyword patterns and example utterances, the global
// system keywords, and the service-key triggers.
type VocabularyStore interface {
	ListIntentions(ctx context.Context, companyID string) ([]models.Intention, error)
	ListPatterns(ctx context.Context, companyID string) ([]models.KeywordPattern, error)
	ListExamples(ctx context.Context, companyID string) ([]models.IntentExample, error)
	CreateIntention(ctx context.Context, intention *models.Intention) error
	CreatePattern(ctx context.Context, pattern *models.KeywordPattern) error
	CreateExample(ctx context.Context, example *models.IntentExample) error

	ListSystemKeywords(ctx context.Context) ([]models.SystemKeyword, error)
	// ReplaceSystemKeywords swaps the whole global set (boot seeding).
	ReplaceSystemKeywords(ctx context.Context, keywords []models.SystemKeyword) error

	// ListServiceKeywords returns the company's triggers plus the global
	// ones (company id "").
	ListServiceKeywords(ctx context.Context, companyID string) ([]models.ServiceKeyword, error)
	CreateServiceKeyword(ctx context.Context, keyword *models.ServiceKeyword) error
}

// ── User Store ──────────────────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	// EnsureUserByPhone returns the user for a normalized phone, creating
	// the row on first contact.
	EnsureUserByPhone(ctx context.Context, phone string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	GetPreference(ctx context.Context, userID, companyID string) (*models.UserPreference, error)
	UpsertPreference(ctx context.Context, pref *models.UserPreference) error
}

// ── Reservation Store ───────────────────────────────────────

// ReservationFilter narrows ListReservations. Zero values mean "any".
type ReservationFilter struct {
	UserID   string
	Statuses []models.ReservationStatus
	Limit    int // default 100
}

type ReservationStore interface {
	// CreateReservation runs the booking transaction as ONE unit: insert
	// the reservation row, take a NOWAIT lock per stock-tracked item and
	// decrement with a StockMovement, and optionally upsert the user
	// preference. Any failure aborts the whole unit; lock contention
	// or short stock returns *models.StockConflictError. On success
	// res.StockReserved reflects whether any stock was held, and the
	// movements written are returned for low-stock evaluation.
	CreateReservation(ctx context.Context, res *models.Reservation, pref *models.UserPreference) ([]models.StockMovement, error)

	// SettleReservation transitions a reservation in one transaction.
	// to=confirmed applies the optional preference update; to=cancelled
	// releases any held stock via mirror "in" movements tagged with the
	// reason and stamps CancelledAt. Settling to the current status is an
	// idempotent no-op. Transitions out of a terminal status return
	// *ErrStateConflict.
	SettleReservation(ctx context.Context, id string, to models.ReservationStatus, reason string, pref *models.UserPreference) (*models.Reservation, []models.StockMovement, error)

	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	ListReservations(ctx context.Context, companyID string, filter ReservationFilter) ([]models.Reservation, error)
}

// ── Stock Store ─────────────────────────────────────────────

type StockStore interface {
	// ReserveStock decrements stock for every tracked item in ONE
	// transaction: per item a row-level exclusive lock (NOWAIT; lock
	// contention fails fast), assert stock >= qty, write the decrement and
	// an "out" StockMovement. Untracked products are skipped silently.
	ReserveStock(ctx context.Context, companyID string, items []models.ReservationItem, correlation string) ([]models.StockMovement, error)

	// ReleaseStock is the inverse; releases commute and never conflict.
	ReleaseStock(ctx context.Context, companyID string, items []models.ReservationItem, reason, correlation string) ([]models.StockMovement, error)

	// AdjustStock applies an administrative correction. The resulting
	// level must not go negative (ErrNegativeStock).
	AdjustStock(ctx context.Context, productID string, delta int, reason string) (*models.StockMovement, error)

	// ListMovements returns a product's audit trail, newest first.
	ListMovements(ctx context.Context, productID string, limit int) ([]models.StockMovement, error)
}

// ── Payment Store ───────────────────────────────────────────

type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)

	// TransitionPayment moves a payment from PENDING to a terminal status.
	// The bool reports whether the transition happened now; a payment
	// already terminal is left untouched (webhooks are idempotent per
	// reference).
	TransitionPayment(ctx context.Context, reference string, to models.PaymentStatus) (*models.Payment, bool, error)

	// ListPendingPayments returns PENDING payments created before the
	// cutoff (retention sweep input).
	ListPendingPayments(ctx context.Context, before time.Time) ([]models.Payment, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrStateConflict is returned when a reservation transition is not legal
// from its current status.
type ErrStateConflict struct {
	Key  string
	From models.ReservationStatus
	To   models.ReservationStatus
}

func (e *ErrStateConflict) Error() string {
	return "reservation " + e.Key + ": cannot move " + string(e.From) + " to " + string(e.To)
}

// ErrNegativeStock rejects administrative adjustments that would drop a
// product's stock below zero.
var ErrNegativeStock = errors.New("stock cannot go negative")

// ErrUntracked rejects stock operations on products with hasStock=false.
var ErrUntracked = errors.New("product does not track stock")
