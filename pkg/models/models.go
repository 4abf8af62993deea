package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ── Conversation State & Intent ──────────────────────────────

// ConversationState is wire-stable: values appear verbatim in API responses
// and in the context store.
type ConversationState string

const (
	StateInitial         ConversationState = "initial"
	StateCollecting      ConversationState = "collecting"
	StateAwaitingPayment ConversationState = "awaiting_payment"
	StateConfirmed       ConversationState = "confirmed"
	StateCancelled       ConversationState = "cancelled"
	StateAbandoned       ConversationState = "abandoned"
)

// Terminal reports whether no further transition is allowed from s.
// Cancellation is reachable from any non-terminal state, including confirmed.
func (s ConversationState) Terminal() bool {
	return s == StateCancelled || s == StateAbandoned
}

// Intent is the wire-stable intent taxonomy.
type Intent string

const (
	IntentSaludar   Intent = "saludar"
	IntentReservar  Intent = "reservar"
	IntentCancelar  Intent = "cancelar"
	IntentConsultar Intent = "consultar"
	IntentDespedida Intent = "despedida"
	IntentOtro      Intent = "otro"
)

// ── Company (Tenant) ─────────────────────────────────────────

type CompanyType string

const (
	CompanyRestaurant CompanyType = "restaurant"
	CompanyClinic     CompanyType = "clinic"
	CompanySalon      CompanyType = "salon"
	CompanySpa        CompanyType = "spa"
	CompanyGeneric    CompanyType = "generic"
)

// DayHours is a civil open/close window ("HH:MM" local clock).
type DayHours struct {
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// BusinessHours maps lowercase English weekday names ("monday".."sunday")
// to that day's window.
type BusinessHours map[string]DayHours

// PaymentPolicy controls whether reservations require an upfront payment
// and what fraction of the total it covers.
type PaymentPolicy struct {
	Enabled    bool `json:"enabled"`
	Percentage int  `json:"percentage"` // 0..100 of the reservation total
}

// PaymentCredentials holds opaque provider credentials. Never logged.
type PaymentCredentials struct {
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

type Company struct {
	ID        string             `json:"id" db:"id"`
	Name      string             `json:"name" db:"name"`
	Type      CompanyType        `json:"type" db:"type"`
	Timezone  string             `json:"timezone,omitempty" db:"timezone"`
	Hours     BusinessHours      `json:"hours,omitempty"`
	Payment   PaymentPolicy      `json:"payment"`
	Creds     PaymentCredentials `json:"creds,omitempty"`
	Config    CompanyConfig      `json:"config,omitempty"`
	Active    bool               `json:"active" db:"active"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// ── Company Config (tagged struct + opaque carrier) ──────────

// CompanyConfig is the structured form of the tenant's free-form config.
// Unknown keys survive a load/store round trip via Extra but are never read
// by control flow.
type CompanyConfig struct {
	Greeting    string            `json:"greeting,omitempty"`
	Terminology map[string]string `json:"terminology,omitempty"` // reservation/person/people/service overrides
	DeliveryFee decimal.Decimal   `json:"delivery_fee,omitempty"`
	Currency    string            `json:"currency,omitempty"` // default COP

	Extra map[string]json.RawMessage `json:"-"`
}

var companyConfigKeys = []string{"greeting", "terminology", "delivery_fee", "currency"}

func (c *CompanyConfig) UnmarshalJSON(data []byte) error {
	type alias CompanyConfig
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("company config: %w", err)
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("company config: %w", err)
	}
	for _, k := range companyConfigKeys {
		delete(raw, k)
	}
	*c = CompanyConfig(known)
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

func (c CompanyConfig) MarshalJSON() ([]byte, error) {
	type alias CompanyConfig
	base, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	for k, v := range c.Extra {
		merged[k] = v
	}
	var own map[string]json.RawMessage
	if err := json.Unmarshal(base, &own); err != nil {
		return nil, err
	}
	for k, v := range own { // known keys win over stale Extra entries
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ── Product & Service Variant ────────────────────────────────

// CategoryService is the reserved product category marking a service
// variant record rather than a sellable item.
const CategoryService = "service"

// Reserved service keys. Additional keys are tenant-defined.
const (
	ServiceMesa      = "mesa"      // dine-in
	ServiceDomicilio = "domicilio" // delivery
	ServiceCita      = "cita"      // appointment
)

type Product struct {
	ID         string          `json:"id" db:"id"`
	CompanyID  string          `json:"company_id" db:"company_id"`
	Name       string          `json:"name" db:"name"`
	Category   string          `json:"category" db:"category"`
	Price      decimal.Decimal `json:"price" db:"price"`
	DurationMn int             `json:"duration_minutes,omitempty" db:"duration_minutes"`

	// Stock tracking. When HasStock is false the product is always
	// available while active and Stock is ignored.
	HasStock bool `json:"has_stock" db:"has_stock"`
	Stock    int  `json:"stock" db:"stock"`
	MinStock int  `json:"min_stock" db:"min_stock"`

	Keywords  []string    `json:"keywords,omitempty"`
	Meta      ServiceMeta `json:"meta,omitempty"`
	Active    bool        `json:"active" db:"active"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// IsService reports whether the product is a service-variant record.
func (p *Product) IsService() bool { return p.Category == CategoryService }

// ServiceMeta parameterizes a service variant. On sellable products only
// Extra is meaningful. RequiresGuests is a tri-state: nil defers to the
// tenant-type default (see the resolver).
type ServiceMeta struct {
	ServiceKey        string            `json:"serviceKey,omitempty"`
	RequiresProducts  bool              `json:"requiresProducts,omitempty"`
	RequiresPayment   bool              `json:"requiresPayment,omitempty"`
	RequiresGuests    *bool             `json:"requiresGuests,omitempty"`
	RequiresAddress   bool              `json:"requiresAddress,omitempty"`
	RequiresTable     bool              `json:"requiresTable,omitempty"`
	MinAdvanceMinutes int               `json:"minAdvanceMinutes,omitempty"`
	RequiredFields    []string          `json:"requiredFields,omitempty"`
	FieldLabels       map[string]string `json:"fieldLabels,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var serviceMetaKeys = []string{
	"serviceKey", "requiresProducts", "requiresPayment", "requiresGuests",
	"requiresAddress", "requiresTable", "minAdvanceMinutes", "requiredFields",
	"fieldLabels",
}

func (m *ServiceMeta) UnmarshalJSON(data []byte) error {
	type alias ServiceMeta
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("service meta: %w", err)
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("service meta: %w", err)
	}
	for _, k := range serviceMetaKeys {
		delete(raw, k)
	}
	*m = ServiceMeta(known)
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

func (m ServiceMeta) MarshalJSON() ([]byte, error) {
	type alias ServiceMeta
	base, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	for k, v := range m.Extra {
		merged[k] = v
	}
	var own map[string]json.RawMessage
	if err := json.Unmarshal(base, &own); err != nil {
		return nil, err
	}
	for k, v := range own {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ── Resource ─────────────────────────────────────────────────

type Resource struct {
	ID        string                     `json:"id" db:"id"`
	CompanyID string                     `json:"company_id" db:"company_id"`
	Name      string                     `json:"name" db:"name"`
	Type      string                     `json:"type" db:"type"` // mesa, consultorio, ...
	Capacity  int                        `json:"capacity" db:"capacity"`
	Available bool                       `json:"available" db:"available"`
	Active    bool                       `json:"active" db:"active"`
	Meta      map[string]json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time                  `json:"created_at" db:"created_at"`
}

// ── Intentions & Keywords (arena-style, id-keyed) ────────────

// Intention is a per-company intent label. Patterns and examples live in
// separate id-keyed records pointing back via IntentionID — no cycles.
type Intention struct {
	ID        string    `json:"id" db:"id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	Name      string    `json:"name" db:"name"` // saludar, reservar, ...
	Priority  int       `json:"priority" db:"priority"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchExact    MatchMode = "exact"
)

// KeywordPattern is a weighted keyword owned by an Intention.
type KeywordPattern struct {
	ID          string    `json:"id" db:"id"`
	IntentionID string    `json:"intention_id" db:"intention_id"`
	Pattern     string    `json:"pattern" db:"pattern"`
	Weight      float64   `json:"weight" db:"weight"` // 0..1
	Mode        MatchMode `json:"mode" db:"mode"`
}

// IntentExample is a literal example utterance owned by an Intention,
// used by the similarity matcher.
type IntentExample struct {
	ID          string `json:"id" db:"id"`
	IntentionID string `json:"intention_id" db:"intention_id"`
	Text        string `json:"text" db:"text"`
}

// SystemKeyword is a global, tenant-independent keyword.
type SystemKeyword struct {
	ID       string    `json:"id" db:"id"`
	Category string    `json:"category" db:"category"` // intent name
	Keyword  string    `json:"keyword" db:"keyword"`
	Weight   float64   `json:"weight" db:"weight"`
	Mode     MatchMode `json:"mode" db:"mode"`
	Language string    `json:"language,omitempty" db:"language"`
}

// ServiceKeyword maps a word or phrase to a service key. CompanyID empty
// means global.
type ServiceKeyword struct {
	ID         string    `json:"id" db:"id"`
	CompanyID  string    `json:"company_id,omitempty" db:"company_id"`
	ServiceKey string    `json:"service_key" db:"service_key"`
	Keyword    string    `json:"keyword" db:"keyword"`
	Weight     float64   `json:"weight" db:"weight"`
	Mode       MatchMode `json:"mode" db:"mode"`
}

// ── User & Preferences ───────────────────────────────────────

// User is keyed by normalized phone; ID is a surrogate for joins.
type User struct {
	ID        string    `json:"id" db:"id"`
	Phone     string    `json:"phone" db:"phone"`
	Name      string    `json:"name,omitempty" db:"name"`
	Email     string    `json:"email,omitempty" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserPreference is the learned per-(user, company) profile, updated only
// when a reservation completes.
type UserPreference struct {
	UserID           string     `json:"user_id" db:"user_id"`
	CompanyID        string     `json:"company_id" db:"company_id"`
	PreferredTime    string     `json:"preferred_time,omitempty" db:"preferred_time"`
	PreferredDay     string     `json:"preferred_day,omitempty" db:"preferred_day"`
	PreferredService string     `json:"preferred_service,omitempty" db:"preferred_service"`
	DefaultGuests    int        `json:"default_guests,omitempty" db:"default_guests"`
	ConfirmedPhone   string     `json:"confirmed_phone,omitempty" db:"confirmed_phone"`
	ConfirmedEmail   string     `json:"confirmed_email,omitempty" db:"confirmed_email"`
	FavoriteProducts []string   `json:"favorite_products,omitempty"`
	ReservationCount int        `json:"reservation_count" db:"reservation_count"`
	LastReservation  *time.Time `json:"last_reservation,omitempty" db:"last_reservation"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// ── Civil Date ───────────────────────────────────────────────

// CivilDate is a timezone-free calendar date. Reservation dates are civil:
// "mañana" means tomorrow on the tenant's wall clock, not an instant.
type CivilDate struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
}

func CivilDateOf(t time.Time) CivilDate {
	return CivilDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d CivilDate) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// AddDays returns the civil date n days later (negative n allowed).
func (d CivilDate) AddDays(n int) CivilDate {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return CivilDateOf(t)
}

// Weekday of the civil date.
func (d CivilDate) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

// In anchors the civil date at midnight in loc.
func (d CivilDate) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Before reports whether d is strictly earlier than other.
func (d CivilDate) Before(other CivilDate) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d CivilDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// ── Conversation ─────────────────────────────────────────────

// Turn is one message in the recent-history window kept for Tier-3 prompts.
type Turn struct {
	Role string    `json:"role"` // "user" or "bot"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ItemRequest is a product selection collected during a conversation.
type ItemRequest struct {
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

// CollectedFields is the typed collected-data snapshot of a conversation.
// Field presence is judged by the validator, in its canonical order.
type CollectedFields struct {
	Service  string        `json:"service,omitempty"`
	Date     *CivilDate    `json:"date,omitempty"`
	Time     string        `json:"time,omitempty"` // "HH:MM"
	Guests   int           `json:"guests,omitempty"`
	Products []ItemRequest `json:"products,omitempty"`
	Address  string        `json:"address,omitempty"`
	Phone    string        `json:"phone,omitempty"`
	Name     string        `json:"name,omitempty"`
}

// Conversation is the per-(company, user) logical session.
type Conversation struct {
	ID        string            `json:"id" db:"id"`
	CompanyID string            `json:"company_id" db:"company_id"`
	UserID    string            `json:"user_id" db:"user_id"`
	Phone     string            `json:"phone" db:"phone"`
	State     ConversationState `json:"state" db:"state"`
	Intent    Intent            `json:"intent,omitempty" db:"intent"`

	ServiceKey string          `json:"service_key,omitempty" db:"service_key"`
	Collected  CollectedFields `json:"collected"`

	// Cancel-flow scratch: reservation ids listed to the user, and the one
	// selected pending confirmation.
	CancelOptions  []string `json:"cancel_options,omitempty"`
	CancelSelected string   `json:"cancel_selected,omitempty"`

	DraftReservationID string `json:"draft_reservation_id,omitempty" db:"draft_reservation_id"`
	PaymentRef         string `json:"payment_ref,omitempty" db:"payment_ref"`
	Retries            int    `json:"retries" db:"retries"`

	Turns      []Turn    `json:"turns,omitempty"`
	LastTurnAt time.Time `json:"last_turn_at" db:"last_turn_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ── Reservation ──────────────────────────────────────────────

type ReservationStatus string

const (
	ReservationPending         ReservationStatus = "pending"
	ReservationAwaitingPayment ReservationStatus = "awaiting_payment"
	ReservationConfirmed       ReservationStatus = "confirmed"
	ReservationCompleted       ReservationStatus = "completed"
	ReservationCancelled       ReservationStatus = "cancelled"
)

type ReservationItem struct {
	ProductID string          `json:"product_id" db:"product_id"`
	Name      string          `json:"name" db:"name"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
}

type Reservation struct {
	ID             string            `json:"id" db:"id"`
	CompanyID      string            `json:"company_id" db:"company_id"`
	UserID         string            `json:"user_id" db:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty" db:"conversation_id"`
	ServiceKey     string            `json:"service_key" db:"service_key"`
	Date           CivilDate         `json:"date"`
	Time           string            `json:"time" db:"time"` // "HH:MM" local clock
	Guests         int               `json:"guests,omitempty" db:"guests"`
	Phone          string            `json:"phone" db:"phone"`
	Name           string            `json:"name,omitempty" db:"name"`
	Address        string            `json:"address,omitempty" db:"address"`
	Items          []ReservationItem `json:"items,omitempty"`
	ResourceID     string            `json:"resource_id,omitempty" db:"resource_id"`
	Status         ReservationStatus `json:"status" db:"status"`
	Total          decimal.Decimal   `json:"total" db:"total"`
	StockReserved  bool              `json:"stock_reserved" db:"stock_reserved"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// ── Stock Movements ──────────────────────────────────────────

type MovementType string

const (
	MovementIn  MovementType = "in"
	MovementOut MovementType = "out"
)

// StockMovement is an append-only audit row. Quantity is signed: negative
// for "out", positive for "in", so the running sum tracks stock exactly.
type StockMovement struct {
	ID            string       `json:"id" db:"id"`
	CompanyID     string       `json:"company_id" db:"company_id"`
	ProductID     string       `json:"product_id" db:"product_id"`
	Type          MovementType `json:"type" db:"type"`
	Quantity      int          `json:"quantity" db:"quantity"`
	PreviousStock int          `json:"previous_stock" db:"previous_stock"`
	NewStock      int          `json:"new_stock" db:"new_stock"`
	Reason        string       `json:"reason" db:"reason"`
	Correlation   string       `json:"correlation,omitempty" db:"correlation"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// ── Payment ──────────────────────────────────────────────────

// PaymentStatus values are wire-stable and match the provider's webhook.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentApproved PaymentStatus = "APPROVED"
	PaymentDeclined PaymentStatus = "DECLINED"
	PaymentVoided   PaymentStatus = "VOIDED"
	PaymentExpired  PaymentStatus = "EXPIRED"
)

// TerminalPayment reports whether the provider can no longer change s.
func TerminalPayment(s PaymentStatus) bool { return s != PaymentPending }

type Payment struct {
	ID             string          `json:"id" db:"id"`
	CompanyID      string          `json:"company_id" db:"company_id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	ReservationID  string          `json:"reservation_id,omitempty" db:"reservation_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Status         PaymentStatus   `json:"status" db:"status"`
	CheckoutURL    string          `json:"checkout_url,omitempty" db:"checkout_url"`
	Reference      string          `json:"reference" db:"reference"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ── Low-Stock Events ─────────────────────────────────────────

// LowStockEvent is emitted after a reservation commit leaves a product at
// or below its minimum stock.
type LowStockEvent struct {
	CompanyID   string    `json:"company_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	Stock       int       `json:"stock"`
	MinStock    int       `json:"min_stock"`
	Correlation string    `json:"correlation,omitempty"`
	At          time.Time `json:"at"`
}
