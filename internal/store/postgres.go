// Package store — PostgreSQL Store implementation over pgx.
// The two locking transactions (reservation booking, stock movement) use
// row-level FOR UPDATE NOWAIT; SQLSTATE 55P03 (lock not available) maps
// to StockConflictError so contended claims fail fast.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// PostgresStore implements Store on a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and migrates the schema. maxConns
// caps the pool; zero keeps the pgx default.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS companies (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL,
		timezone   TEXT NOT NULL DEFAULT '',
		hours      JSONB NOT NULL DEFAULT '{}',
		payment    JSONB NOT NULL DEFAULT '{}',
		creds      JSONB NOT NULL DEFAULT '{}',
		config     JSONB NOT NULL DEFAULT '{}',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS products (
		id               TEXT PRIMARY KEY,
		company_id       TEXT NOT NULL REFERENCES companies(id),
		name             TEXT NOT NULL,
		category         TEXT NOT NULL DEFAULT '',
		price            NUMERIC NOT NULL DEFAULT 0,
		duration_minutes INT NOT NULL DEFAULT 0,
		has_stock        BOOLEAN NOT NULL DEFAULT FALSE,
		stock            INT NOT NULL DEFAULT 0 CHECK (stock >= 0),
		min_stock        INT NOT NULL DEFAULT 0,
		keywords         JSONB NOT NULL DEFAULT '[]',
		meta             JSONB NOT NULL DEFAULT '{}',
		active           BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_products_company ON products (company_id);

	CREATE TABLE IF NOT EXISTS intentions (
		id         TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id),
		name       TEXT NOT NULL,
		priority   INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_intentions_company ON intentions (company_id);

	CREATE TABLE IF NOT EXISTS keyword_patterns (
		id           TEXT PRIMARY KEY,
		intention_id TEXT NOT NULL REFERENCES intentions(id) ON DELETE CASCADE,
		pattern      TEXT NOT NULL,
		weight       DOUBLE PRECISION NOT NULL,
		mode         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_intention ON keyword_patterns (intention_id);

	CREATE TABLE IF NOT EXISTS intent_examples (
		id           TEXT PRIMARY KEY,
		intention_id TEXT NOT NULL REFERENCES intentions(id) ON DELETE CASCADE,
		text         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_examples_intention ON intent_examples (intention_id);

	CREATE TABLE IF NOT EXISTS system_keywords (
		id       TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		keyword  TEXT NOT NULL,
		weight   DOUBLE PRECISION NOT NULL,
		mode     TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'es'
	);

	CREATE TABLE IF NOT EXISTS service_keywords (
		id          TEXT PRIMARY KEY,
		company_id  TEXT NOT NULL DEFAULT '',
		service_key TEXT NOT NULL,
		keyword     TEXT NOT NULL,
		weight      DOUBLE PRECISION NOT NULL,
		mode        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_service_keywords_company ON service_keywords (company_id);

	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		phone      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		email      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS user_preferences (
		user_id           TEXT NOT NULL REFERENCES users(id),
		company_id        TEXT NOT NULL,
		preferred_time    TEXT NOT NULL DEFAULT '',
		preferred_day     TEXT NOT NULL DEFAULT '',
		preferred_service TEXT NOT NULL DEFAULT '',
		default_guests    INT NOT NULL DEFAULT 0,
		confirmed_phone   TEXT NOT NULL DEFAULT '',
		confirmed_email   TEXT NOT NULL DEFAULT '',
		favorite_products JSONB NOT NULL DEFAULT '[]',
		reservation_count INT NOT NULL DEFAULT 0,
		last_reservation  TIMESTAMPTZ,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, company_id)
	);

	CREATE TABLE IF NOT EXISTS reservations (
		id              TEXT PRIMARY KEY,
		company_id      TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		service_key     TEXT NOT NULL,
		res_date        DATE NOT NULL,
		res_time        TEXT NOT NULL,
		guests          INT NOT NULL DEFAULT 0,
		phone           TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL DEFAULT '',
		address         TEXT NOT NULL DEFAULT '',
		items           JSONB NOT NULL DEFAULT '[]',
		resource_id     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		total           NUMERIC NOT NULL DEFAULT 0,
		stock_reserved  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		cancelled_at    TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_company ON reservations (company_id, status);
	CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations (company_id, user_id);

	CREATE TABLE IF NOT EXISTS stock_movements (
		id             TEXT PRIMARY KEY,
		company_id     TEXT NOT NULL,
		product_id     TEXT NOT NULL,
		type           TEXT NOT NULL,
		quantity       INT NOT NULL,
		previous_stock INT NOT NULL,
		new_stock      INT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		correlation    TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_movements_product ON stock_movements (product_id, created_at);

	CREATE TABLE IF NOT EXISTS payments (
		id              TEXT PRIMARY KEY,
		company_id      TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		reservation_id  TEXT NOT NULL DEFAULT '',
		amount          NUMERIC NOT NULL,
		currency        TEXT NOT NULL DEFAULT 'COP',
		status          TEXT NOT NULL,
		checkout_url    TEXT NOT NULL DEFAULT '',
		reference       TEXT NOT NULL UNIQUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// lockNotAvailable reports whether err is SQLSTATE 55P03 (a NOWAIT lock
// could not be acquired).
func lockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

type scanner interface {
	Scan(dest ...any) error
}

// ── Company Store ───────────────────────────────────────────

const companyCols = `id, name, type, timezone, hours, payment, creds, config, active, created_at, updated_at`

func scanCompany(row scanner) (*models.Company, error) {
	var c models.Company
	var typ string
	var hours, payment, creds, config []byte
	if err := row.Scan(&c.ID, &c.Name, &typ, &c.Timezone, &hours, &payment, &creds, &config, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = models.CompanyType(typ)
	if err := json.Unmarshal(hours, &c.Hours); err != nil {
		return nil, fmt.Errorf("company hours: %w", err)
	}
	if err := json.Unmarshal(payment, &c.Payment); err != nil {
		return nil, fmt.Errorf("company payment: %w", err)
	}
	if err := json.Unmarshal(creds, &c.Creds); err != nil {
		return nil, fmt.Errorf("company creds: %w", err)
	}
	if err := json.Unmarshal(config, &c.Config); err != nil {
		return nil, fmt.Errorf("company config: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]models.Company, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+companyCols+` FROM companies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var result []models.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx, `SELECT `+companyCols+` FROM companies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "company", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CreateCompany(ctx context.Context, company *models.Company) error {
	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = time.Now().UTC()
	}
	company.UpdatedAt = company.CreatedAt

	hours, _ := json.Marshal(company.Hours)
	payment, _ := json.Marshal(company.Payment)
	creds, _ := json.Marshal(company.Creds)
	config, _ := json.Marshal(company.Config)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO companies (id, name, type, timezone, hours, payment, creds, config, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		company.ID, company.Name, string(company.Type), company.Timezone,
		hours, payment, creds, config, company.Active, company.CreatedAt, company.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create company: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCompany(ctx context.Context, company *models.Company) error {
	company.UpdatedAt = time.Now().UTC()
	hours, _ := json.Marshal(company.Hours)
	payment, _ := json.Marshal(company.Payment)
	creds, _ := json.Marshal(company.Creds)
	config, _ := json.Marshal(company.Config)
	tag, err := s.pool.Exec(ctx, `
		UPDATE companies SET name = $2, type = $3, timezone = $4, hours = $5,
			payment = $6, creds = $7, config = $8, active = $9, updated_at = $10
		WHERE id = $1`,
		company.ID, company.Name, string(company.Type), company.Timezone,
		hours, payment, creds, config, company.Active, company.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update company: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "company", Key: company.ID}
	}
	return nil
}

// ── Product Store ───────────────────────────────────────────

const productCols = `id, company_id, name, category, price::text, duration_minutes,
	has_stock, stock, min_stock, keywords, meta, active, created_at, updated_at`

func scanProduct(row scanner) (*models.Product, error) {
	var p models.Product
	var price string
	var keywords, meta []byte
	if err := row.Scan(&p.ID, &p.CompanyID, &p.Name, &p.Category, &price, &p.DurationMn,
		&p.HasStock, &p.Stock, &p.MinStock, &keywords, &meta, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("product price: %w", err)
	}
	if err := json.Unmarshal(keywords, &p.Keywords); err != nil {
		return nil, fmt.Errorf("product keywords: %w", err)
	}
	if err := json.Unmarshal(meta, &p.Meta); err != nil {
		return nil, fmt.Errorf("product meta: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, companyID string) ([]models.Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+productCols+` FROM products WHERE company_id = $1 ORDER BY name`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var result []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "product", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreateProduct(ctx context.Context, product *models.Product) error {
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.UpdatedAt = product.CreatedAt

	keywords, _ := json.Marshal(product.Keywords)
	meta, _ := json.Marshal(product.Meta)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, company_id, name, category, price, duration_minutes,
			has_stock, stock, min_stock, keywords, meta, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		product.ID, product.CompanyID, product.Name, product.Category, product.Price.String(),
		product.DurationMn, product.HasStock, product.Stock, product.MinStock,
		keywords, meta, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, product *models.Product) error {
	product.UpdatedAt = time.Now().UTC()
	keywords, _ := json.Marshal(product.Keywords)
	meta, _ := json.Marshal(product.Meta)
	tag, err := s.pool.Exec(ctx, `
		UPDATE products SET name = $2, category = $3, price = $4::numeric, duration_minutes = $5,
			has_stock = $6, stock = $7, min_stock = $8, keywords = $9, meta = $10,
			active = $11, updated_at = $12
		WHERE id = $1`,
		product.ID, product.Name, product.Category, product.Price.String(), product.DurationMn,
		product.HasStock, product.Stock, product.MinStock, keywords, meta,
		product.Active, product.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "product", Key: product.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "product", Key: id}
	}
	return nil
}

// ── Vocabulary Store ────────────────────────────────────────

func (s *PostgresStore) ListIntentions(ctx context.Context, companyID string) ([]models.Intention, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, name, priority, created_at
		FROM intentions WHERE company_id = $1 ORDER BY priority DESC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list intentions: %w", err)
	}
	defer rows.Close()

	var result []models.Intention
	for rows.Next() {
		var in models.Intention
		if err := rows.Scan(&in.ID, &in.CompanyID, &in.Name, &in.Priority, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan intention: %w", err)
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListPatterns(ctx context.Context, companyID string) ([]models.KeywordPattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.intention_id, p.pattern, p.weight, p.mode
		FROM keyword_patterns p
		JOIN intentions i ON p.intention_id = i.id
		WHERE i.company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var result []models.KeywordPattern
	for rows.Next() {
		var p models.KeywordPattern
		var mode string
		if err := rows.Scan(&p.ID, &p.IntentionID, &p.Pattern, &p.Weight, &mode); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Mode = models.MatchMode(mode)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListExamples(ctx context.Context, companyID string) ([]models.IntentExample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.intention_id, e.text
		FROM intent_examples e
		JOIN intentions i ON e.intention_id = i.id
		WHERE i.company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	defer rows.Close()

	var result []models.IntentExample
	for rows.Next() {
		var ex models.IntentExample
		if err := rows.Scan(&ex.ID, &ex.IntentionID, &ex.Text); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		result = append(result, ex)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateIntention(ctx context.Context, intention *models.Intention) error {
	if intention.ID == "" {
		intention.ID = uuid.NewString()
	}
	if intention.CreatedAt.IsZero() {
		intention.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intentions (id, company_id, name, priority, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		intention.ID, intention.CompanyID, intention.Name, intention.Priority, intention.CreatedAt)
	if err != nil {
		return fmt.Errorf("create intention: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePattern(ctx context.Context, pattern *models.KeywordPattern) error {
	if pattern.ID == "" {
		pattern.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keyword_patterns (id, intention_id, pattern, weight, mode)
		VALUES ($1, $2, $3, $4, $5)`,
		pattern.ID, pattern.IntentionID, pattern.Pattern, pattern.Weight, string(pattern.Mode))
	if err != nil {
		return fmt.Errorf("create pattern: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateExample(ctx context.Context, example *models.IntentExample) error {
	if example.ID == "" {
		example.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intent_examples (id, intention_id, text) VALUES ($1, $2, $3)`,
		example.ID, example.IntentionID, example.Text)
	if err != nil {
		return fmt.Errorf("create example: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSystemKeywords(ctx context.Context) ([]models.SystemKeyword, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, category, keyword, weight, mode, language FROM system_keywords`)
	if err != nil {
		return nil, fmt.Errorf("list system keywords: %w", err)
	}
	defer rows.Close()

	var result []models.SystemKeyword
	for rows.Next() {
		var kw models.SystemKeyword
		var mode string
		if err := rows.Scan(&kw.ID, &kw.Category, &kw.Keyword, &kw.Weight, &mode, &kw.Language); err != nil {
			return nil, fmt.Errorf("scan system keyword: %w", err)
		}
		kw.Mode = models.MatchMode(mode)
		result = append(result, kw)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ReplaceSystemKeywords(ctx context.Context, keywords []models.SystemKeyword) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace system keywords: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM system_keywords`); err != nil {
		return fmt.Errorf("clear system keywords: %w", err)
	}
	for _, kw := range keywords {
		if kw.ID == "" {
			kw.ID = uuid.NewString()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO system_keywords (id, category, keyword, weight, mode, language)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			kw.ID, kw.Category, kw.Keyword, kw.Weight, string(kw.Mode), kw.Language); err != nil {
			return fmt.Errorf("insert system keyword: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListServiceKeywords(ctx context.Context, companyID string) ([]models.ServiceKeyword, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, service_key, keyword, weight, mode
		FROM service_keywords WHERE company_id = '' OR company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list service keywords: %w", err)
	}
	defer rows.Close()

	var result []models.ServiceKeyword
	for rows.Next() {
		var kw models.ServiceKeyword
		var mode string
		if err := rows.Scan(&kw.ID, &kw.CompanyID, &kw.ServiceKey, &kw.Keyword, &kw.Weight, &mode); err != nil {
			return nil, fmt.Errorf("scan service keyword: %w", err)
		}
		kw.Mode = models.MatchMode(mode)
		result = append(result, kw)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateServiceKeyword(ctx context.Context, keyword *models.ServiceKeyword) error {
	if keyword.ID == "" {
		keyword.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_keywords (id, company_id, service_key, keyword, weight, mode)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		keyword.ID, keyword.CompanyID, keyword.ServiceKey, keyword.Keyword, keyword.Weight, string(keyword.Mode))
	if err != nil {
		return fmt.Errorf("create service keyword: %w", err)
	}
	return nil
}

// ── User Store ──────────────────────────────────────────────

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Phone, &u.Name, &u.Email, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT id, phone, name, email, created_at FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT id, phone, name, email, created_at FROM users WHERE phone = $1`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: phone}
	}
	if err != nil {
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) EnsureUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	// Insert-if-absent then read back; concurrent first contacts race on
	// the unique phone index, both land on the same row.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, phone, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO NOTHING`,
		uuid.NewString(), phone, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetUserByPhone(ctx, phone)
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET phone = $2, name = $3, email = $4 WHERE id = $1`,
		user.ID, user.Phone, user.Name, user.Email)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "user", Key: user.ID}
	}
	return nil
}

const prefCols = `user_id, company_id, preferred_time, preferred_day, preferred_service,
	default_guests, confirmed_phone, confirmed_email, favorite_products,
	reservation_count, last_reservation, updated_at`

func scanPreference(row scanner) (*models.UserPreference, error) {
	var p models.UserPreference
	var favorites []byte
	if err := row.Scan(&p.UserID, &p.CompanyID, &p.PreferredTime, &p.PreferredDay, &p.PreferredService,
		&p.DefaultGuests, &p.ConfirmedPhone, &p.ConfirmedEmail, &favorites,
		&p.ReservationCount, &p.LastReservation, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(favorites, &p.FavoriteProducts); err != nil {
		return nil, fmt.Errorf("preference favorites: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPreference(ctx context.Context, userID, companyID string) (*models.UserPreference, error) {
	p, err := scanPreference(s.pool.QueryRow(ctx,
		`SELECT `+prefCols+` FROM user_preferences WHERE user_id = $1 AND company_id = $2`, userID, companyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "preference", Key: key(userID, companyID)}
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPreference(ctx context.Context, pref *models.UserPreference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now().UTC()
	}
	favorites, _ := json.Marshal(pref.FavoriteProducts)
	_, err := s.pool.Exec(ctx, upsertPreferenceSQL,
		pref.UserID, pref.CompanyID, pref.PreferredTime, pref.PreferredDay, pref.PreferredService,
		pref.DefaultGuests, pref.ConfirmedPhone, pref.ConfirmedEmail, favorites,
		pref.ReservationCount, pref.LastReservation, pref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

const upsertPreferenceSQL = `
	INSERT INTO user_preferences (user_id, company_id, preferred_time, preferred_day, preferred_service,
		default_guests, confirmed_phone, confirmed_email, favorite_products,
		reservation_count, last_reservation, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (user_id, company_id) DO UPDATE SET
		preferred_time = EXCLUDED.preferred_time,
		preferred_day = EXCLUDED.preferred_day,
		preferred_service = EXCLUDED.preferred_service,
		default_guests = EXCLUDED.default_guests,
		confirmed_phone = EXCLUDED.confirmed_phone,
		confirmed_email = EXCLUDED.confirmed_email,
		favorite_products = EXCLUDED.favorite_products,
		reservation_count = EXCLUDED.reservation_count,
		last_reservation = EXCLUDED.last_reservation,
		updated_at = EXCLUDED.updated_at`

// ── Stock transactions ──────────────────────────────────────

// reserveInTx locks each tracked product (NOWAIT), asserts availability,
// decrements, and writes one "out" movement per item. Items must be
// pre-merged; iteration is in product-id order so concurrent multi-item
// claims collide deterministically.
func reserveInTx(ctx context.Context, tx pgx.Tx, companyID string, items []models.ReservationItem, correlation string) ([]models.StockMovement, error) {
	sorted := make([]models.ReservationItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	now := time.Now().UTC()
	var movements []models.StockMovement
	for _, it := range sorted {
		var name string
		var hasStock bool
		var stock int
		err := tx.QueryRow(ctx, `
			SELECT name, has_stock, stock FROM products
			WHERE id = $1 AND company_id = $2
			FOR UPDATE NOWAIT`, it.ProductID, companyID).Scan(&name, &hasStock, &stock)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "product", Key: it.ProductID}
		}
		if lockNotAvailable(err) {
			return nil, &models.StockConflictError{ProductID: it.ProductID, Name: it.Name, Requested: it.Quantity, Available: -1}
		}
		if err != nil {
			return nil, fmt.Errorf("lock product: %w", err)
		}
		if !hasStock {
			continue
		}
		if stock < it.Quantity {
			return nil, &models.StockConflictError{ProductID: it.ProductID, Name: name, Requested: it.Quantity, Available: stock}
		}

		mov := models.StockMovement{
			ID:            uuid.NewString(),
			CompanyID:     companyID,
			ProductID:     it.ProductID,
			Type:          models.MovementOut,
			Quantity:      -it.Quantity,
			PreviousStock: stock,
			NewStock:      stock - it.Quantity,
			Reason:        "reservation",
			Correlation:   correlation,
			CreatedAt:     now,
		}
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1`,
			it.ProductID, mov.NewStock, now); err != nil {
			return nil, fmt.Errorf("decrement stock: %w", err)
		}
		if err := insertMovement(ctx, tx, mov); err != nil {
			return nil, err
		}
		movements = append(movements, mov)
	}
	return movements, nil
}

// releaseInTx is the inverse: blocking locks (releases commute and must
// not fail fast), increments, "in" movements. Vanished products are
// skipped.
func releaseInTx(ctx context.Context, tx pgx.Tx, companyID string, items []models.ReservationItem, reason, correlation string) ([]models.StockMovement, error) {
	sorted := make([]models.ReservationItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	now := time.Now().UTC()
	var movements []models.StockMovement
	for _, it := range sorted {
		var hasStock bool
		var stock int
		err := tx.QueryRow(ctx, `
			SELECT has_stock, stock FROM products
			WHERE id = $1 AND company_id = $2
			FOR UPDATE`, it.ProductID, companyID).Scan(&hasStock, &stock)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock product: %w", err)
		}
		if !hasStock {
			continue
		}

		mov := models.StockMovement{
			ID:            uuid.NewString(),
			CompanyID:     companyID,
			ProductID:     it.ProductID,
			Type:          models.MovementIn,
			Quantity:      it.Quantity,
			PreviousStock: stock,
			NewStock:      stock + it.Quantity,
			Reason:        reason,
			Correlation:   correlation,
			CreatedAt:     now,
		}
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1`,
			it.ProductID, mov.NewStock, now); err != nil {
			return nil, fmt.Errorf("increment stock: %w", err)
		}
		if err := insertMovement(ctx, tx, mov); err != nil {
			return nil, err
		}
		movements = append(movements, mov)
	}
	return movements, nil
}

func insertMovement(ctx context.Context, tx pgx.Tx, mov models.StockMovement) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stock_movements (id, company_id, product_id, type, quantity,
			previous_stock, new_stock, reason, correlation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		mov.ID, mov.CompanyID, mov.ProductID, string(mov.Type), mov.Quantity,
		mov.PreviousStock, mov.NewStock, mov.Reason, mov.Correlation, mov.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

// ── Stock Store ─────────────────────────────────────────────

func (s *PostgresStore) ReserveStock(ctx context.Context, companyID string, items []models.ReservationItem, correlation string) ([]models.StockMovement, error) {
	merged := mergeItems(items)
	if len(merged) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve stock: %w", err)
	}
	defer tx.Rollback(ctx)

	movements, err := reserveInTx(ctx, tx, companyID, merged, correlation)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("reserve stock commit: %w", err)
	}
	return movements, nil
}

func (s *PostgresStore) ReleaseStock(ctx context.Context, companyID string, items []models.ReservationItem, reason, correlation string) ([]models.StockMovement, error) {
	merged := mergeItems(items)
	if len(merged) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("release stock: %w", err)
	}
	defer tx.Rollback(ctx)

	movements, err := releaseInTx(ctx, tx, companyID, merged, reason, correlation)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("release stock commit: %w", err)
	}
	return movements, nil
}

func (s *PostgresStore) AdjustStock(ctx context.Context, productID string, delta int, reason string) (*models.StockMovement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}
	defer tx.Rollback(ctx)

	var companyID string
	var hasStock bool
	var stock int
	err = tx.QueryRow(ctx, `SELECT company_id, has_stock, stock FROM products WHERE id = $1 FOR UPDATE`, productID).
		Scan(&companyID, &hasStock, &stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "product", Key: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("lock product: %w", err)
	}
	if !hasStock {
		return nil, ErrUntracked
	}
	if stock+delta < 0 {
		return nil, ErrNegativeStock
	}

	now := time.Now().UTC()
	mov := models.StockMovement{
		ID:            uuid.NewString(),
		CompanyID:     companyID,
		ProductID:     productID,
		Type:          models.MovementIn,
		Quantity:      delta,
		PreviousStock: stock,
		NewStock:      stock + delta,
		Reason:        reason,
		CreatedAt:     now,
	}
	if delta < 0 {
		mov.Type = models.MovementOut
	}
	if _, err := tx.Exec(ctx, `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1`,
		productID, mov.NewStock, now); err != nil {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}
	if err := insertMovement(ctx, tx, mov); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("adjust stock commit: %w", err)
	}
	return &mov, nil
}

func (s *PostgresStore) ListMovements(ctx context.Context, productID string, limit int) ([]models.StockMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, product_id, type, quantity, previous_stock, new_stock,
			reason, correlation, created_at
		FROM stock_movements WHERE product_id = $1
		ORDER BY created_at DESC LIMIT $2`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	var result []models.StockMovement
	for rows.Next() {
		var mov models.StockMovement
		var typ string
		if err := rows.Scan(&mov.ID, &mov.CompanyID, &mov.ProductID, &typ, &mov.Quantity,
			&mov.PreviousStock, &mov.NewStock, &mov.Reason, &mov.Correlation, &mov.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		mov.Type = models.MovementType(typ)
		result = append(result, mov)
	}
	return result, rows.Err()
}

// ── Reservation Store ───────────────────────────────────────

const reservationCols = `id, company_id, user_id, conversation_id, service_key, res_date, res_time,
	guests, phone, name, address, items, resource_id, status, total::text,
	stock_reserved, created_at, updated_at, cancelled_at`

func scanReservation(row scanner) (*models.Reservation, error) {
	var r models.Reservation
	var date time.Time
	var items []byte
	var status, total string
	if err := row.Scan(&r.ID, &r.CompanyID, &r.UserID, &r.ConversationID, &r.ServiceKey, &date, &r.Time,
		&r.Guests, &r.Phone, &r.Name, &r.Address, &items, &r.ResourceID, &status, &total,
		&r.StockReserved, &r.CreatedAt, &r.UpdatedAt, &r.CancelledAt); err != nil {
		return nil, err
	}
	r.Date = models.CivilDateOf(date)
	r.Status = models.ReservationStatus(status)
	var err error
	if r.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("reservation total: %w", err)
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("reservation items: %w", err)
	}
	return &r, nil
}

func insertReservation(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	items, _ := json.Marshal(res.Items)
	_, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, company_id, user_id, conversation_id, service_key, res_date, res_time,
			guests, phone, name, address, items, resource_id, status, total,
			stock_reserved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11, $12, $13, $14, $15::numeric, $16, $17, $18)`,
		res.ID, res.CompanyID, res.UserID, res.ConversationID, res.ServiceKey, res.Date.String(), res.Time,
		res.Guests, res.Phone, res.Name, res.Address, items, res.ResourceID, string(res.Status),
		res.Total.String(), res.StockReserved, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func upsertPreferenceInTx(ctx context.Context, tx pgx.Tx, pref *models.UserPreference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now().UTC()
	}
	favorites, _ := json.Marshal(pref.FavoriteProducts)
	_, err := tx.Exec(ctx, upsertPreferenceSQL,
		pref.UserID, pref.CompanyID, pref.PreferredTime, pref.PreferredDay, pref.PreferredService,
		pref.DefaultGuests, pref.ConfirmedPhone, pref.ConfirmedEmail, favorites,
		pref.ReservationCount, pref.LastReservation, pref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateReservation(ctx context.Context, res *models.Reservation, pref *models.UserPreference) ([]models.StockMovement, error) {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	movements, err := reserveInTx(ctx, tx, res.CompanyID, mergeItems(res.Items), res.ID)
	if err != nil {
		return nil, err
	}
	res.StockReserved = len(movements) > 0

	if err := insertReservation(ctx, tx, res); err != nil {
		return nil, err
	}
	if pref != nil {
		if err := upsertPreferenceInTx(ctx, tx, pref); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create reservation commit: %w", err)
	}
	return movements, nil
}

func (s *PostgresStore) SettleReservation(ctx context.Context, id string, to models.ReservationStatus, reason string, pref *models.UserPreference) (*models.Reservation, []models.StockMovement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("settle reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanReservation(tx.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, &ErrNotFound{Entity: "reservation", Key: id}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("settle reservation: %w", err)
	}

	if r.Status == to {
		return r, nil, nil
	}
	if r.Status == models.ReservationCancelled || r.Status == models.ReservationCompleted {
		return nil, nil, &ErrStateConflict{Key: id, From: r.Status, To: to}
	}

	now := time.Now().UTC()
	var movements []models.StockMovement
	switch to {
	case models.ReservationCancelled:
		if r.StockReserved {
			movements, err = releaseInTx(ctx, tx, r.CompanyID, mergeItems(r.Items), reason, r.ID)
			if err != nil {
				return nil, nil, err
			}
			r.StockReserved = false
		}
		r.CancelledAt = &now
	case models.ReservationConfirmed:
		if pref != nil {
			if err := upsertPreferenceInTx(ctx, tx, pref); err != nil {
				return nil, nil, err
			}
		}
	}
	r.Status = to
	r.UpdatedAt = now

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, stock_reserved = $3, updated_at = $4, cancelled_at = $5
		WHERE id = $1`,
		r.ID, string(r.Status), r.StockReserved, r.UpdatedAt, r.CancelledAt); err != nil {
		return nil, nil, fmt.Errorf("settle reservation update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("settle reservation commit: %w", err)
	}
	return r, movements, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "reservation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReservations(ctx context.Context, companyID string, filter ReservationFilter) ([]models.Reservation, error) {
	query := `SELECT ` + reservationCols + ` FROM reservations WHERE company_id = $1`
	args := []any{companyID}
	argIdx := 2

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY res_date, res_time, created_at LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var result []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// ── Payment Store ───────────────────────────────────────────

const paymentCols = `id, company_id, conversation_id, reservation_id, amount::text, currency,
	status, checkout_url, reference, created_at, updated_at`

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var amount, status string
	if err := row.Scan(&p.ID, &p.CompanyID, &p.ConversationID, &p.ReservationID, &amount, &p.Currency,
		&status, &p.CheckoutURL, &p.Reference, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment amount: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.UpdatedAt = payment.CreatedAt
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, company_id, conversation_id, reservation_id, amount, currency,
			status, checkout_url, reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)`,
		payment.ID, payment.CompanyID, payment.ConversationID, payment.ReservationID,
		payment.Amount.String(), payment.Currency, string(payment.Status),
		payment.CheckoutURL, payment.Reference, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE reference = $1`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "payment", Key: reference}
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) TransitionPayment(ctx context.Context, reference string, to models.PaymentStatus) (*models.Payment, bool, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		UPDATE payments SET status = $2, updated_at = NOW()
		WHERE reference = $1 AND status = $3
		RETURNING `+paymentCols,
		reference, string(to), string(models.PaymentPending)))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("transition payment: %w", err)
	}

	// no pending row matched: either unknown reference or already terminal
	p, err = s.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

func (s *PostgresStore) ListPendingPayments(ctx context.Context, before time.Time) ([]models.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentCols+` FROM payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`, string(models.PaymentPending), before)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var result []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}
