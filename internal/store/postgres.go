package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/modelmux/modelmux/pkg/types"
)

// PostgresStore implements Store using PostgreSQL. Credential selection runs
// inside a transaction with row locks, closing the check-then-act race the
// memory-free reference implementation had.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "modelmux",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id          TEXT PRIMARY KEY,
			secret      TEXT NOT NULL UNIQUE,
			daily_limit INTEGER NOT NULL DEFAULT 50,
			is_active   BOOLEAN NOT NULL DEFAULT TRUE,
			quota_tier  TEXT NOT NULL DEFAULT 'free',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS usage (
			credential_id     TEXT NOT NULL REFERENCES credentials(id),
			date              TEXT NOT NULL,
			request_count     INTEGER NOT NULL DEFAULT 0,
			last_request_time TIMESTAMPTZ,
			PRIMARY KEY (credential_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS instance_assignments (
			instance_id   TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL REFERENCES credentials(id),
			assigned_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			model_id          TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			description       TEXT,
			category          TEXT NOT NULL,
			provider          TEXT,
			context_length    INTEGER NOT NULL DEFAULT 0,
			pricing_json      TEXT,
			capabilities_json TEXT,
			is_free           BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS model_performance (
			model_id        TEXT PRIMARY KEY,
			total           BIGINT NOT NULL DEFAULT 0,
			successes       BIGINT NOT NULL DEFAULT 0,
			failures        BIGINT NOT NULL DEFAULT 0,
			avg_latency_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
			failure_streak  INTEGER NOT NULL DEFAULT 0,
			breaker_state   TEXT NOT NULL DEFAULT 'healthy',
			last_success_at TIMESTAMPTZ,
			last_failure_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_category ON models(category)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_date ON usage(date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateCredential inserts a new credential.
func (s *PostgresStore) CreateCredential(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (id, secret, daily_limit, is_active, quota_tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID, cred.Secret, cred.DailyLimit, cred.IsActive, cred.QuotaTier, cred.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by ID, or nil when unknown.
func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	query := `
		SELECT id, secret, daily_limit, is_active, quota_tier, created_at
		FROM credentials WHERE id = $1`

	var cred Credential
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&cred.ID, &cred.Secret, &cred.DailyLimit, &cred.IsActive, &cred.QuotaTier, &cred.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &cred, nil
}

// DeactivateCredential soft-deletes a credential.
func (s *PostgresStore) DeactivateCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET is_active = FALSE WHERE id = $1`, id)
	return err
}

// ListCredentials returns all credentials, optionally active only.
func (s *PostgresStore) ListCredentials(ctx context.Context, activeOnly bool) ([]*Credential, error) {
	query := `
		SELECT id, secret, daily_limit, is_active, quota_tier, created_at
		FROM credentials`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		var cred Credential
		if err := rows.Scan(&cred.ID, &cred.Secret, &cred.DailyLimit, &cred.IsActive, &cred.QuotaTier, &cred.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, &cred)
	}
	return out, rows.Err()
}

// Usage returns the usage record for a credential and day, zero-valued when
// no row exists.
func (s *PostgresStore) Usage(ctx context.Context, credentialID, date string) (*UsageRecord, error) {
	query := `
		SELECT request_count, COALESCE(last_request_time, 'epoch'::timestamptz)
		FROM usage WHERE credential_id = $1 AND date = $2`

	rec := &UsageRecord{CredentialID: credentialID, Date: date}
	err := s.db.QueryRowContext(ctx, query, credentialID, date).Scan(&rec.RequestCount, &rec.LastRequestTime)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	return rec, nil
}

// RecordUsage atomically increments the day counter via upsert.
func (s *PostgresStore) RecordUsage(ctx context.Context, credentialID, date string, at time.Time) error {
	query := `
		INSERT INTO usage (credential_id, date, request_count, last_request_time)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (credential_id, date) DO UPDATE SET
			request_count = usage.request_count + 1,
			last_request_time = EXCLUDED.last_request_time`

	_, err := s.db.ExecContext(ctx, query, credentialID, date, at)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageByCredential returns the joined credential/usage view for one day.
func (s *PostgresStore) UsageByCredential(ctx context.Context, date string) ([]*CredentialUsage, error) {
	query := `
		SELECT c.id, c.secret, c.daily_limit, c.is_active, c.quota_tier, c.created_at,
		       COALESCE(u.request_count, 0),
		       COALESCE(u.last_request_time, 'epoch'::timestamptz)
		FROM credentials c
		LEFT JOIN usage u ON u.credential_id = c.id AND u.date = $1
		ORDER BY c.id`

	rows, err := s.db.QueryContext(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("query usage by credential: %w", err)
	}
	defer rows.Close()

	var out []*CredentialUsage
	for rows.Next() {
		var cu CredentialUsage
		if err := rows.Scan(
			&cu.ID, &cu.Secret, &cu.DailyLimit, &cu.IsActive, &cu.QuotaTier, &cu.CreatedAt,
			&cu.RequestCount, &cu.LastRequestTime,
		); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, &cu)
	}
	return out, rows.Err()
}

// Assignment returns the current assignment for an instance, or nil.
func (s *PostgresStore) Assignment(ctx context.Context, instanceID string) (*Assignment, error) {
	query := `
		SELECT instance_id, credential_id, assigned_at
		FROM instance_assignments WHERE instance_id = $1`

	var a Assignment
	err := s.db.QueryRowContext(ctx, query, instanceID).Scan(&a.InstanceID, &a.CredentialID, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query assignment: %w", err)
	}
	return &a, nil
}

// PickAndAssign runs the sticky selection inside a single transaction.
// Credential rows are locked FOR UPDATE so concurrent callers serialize on
// the pick instead of both observing the same least-used credential.
func (s *PostgresStore) PickAndAssign(ctx context.Context, instanceID, date string, margin int) (*CredentialUsage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Current assignment, if still serviceable.
	sticky := `
		SELECT c.id, c.secret, c.daily_limit, c.is_active, c.quota_tier, c.created_at,
		       COALESCE(u.request_count, 0),
		       COALESCE(u.last_request_time, 'epoch'::timestamptz)
		FROM instance_assignments i
		JOIN credentials c ON c.id = i.credential_id
		LEFT JOIN usage u ON u.credential_id = c.id AND u.date = $2
		WHERE i.instance_id = $1 AND c.is_active = TRUE
		FOR UPDATE OF c`

	var cu CredentialUsage
	err = tx.QueryRowContext(ctx, sticky, instanceID, date).Scan(
		&cu.ID, &cu.Secret, &cu.DailyLimit, &cu.IsActive, &cu.QuotaTier, &cu.CreatedAt,
		&cu.RequestCount, &cu.LastRequestTime,
	)
	if err == nil && cu.RequestCount < cu.DailyLimit-margin {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return &cu, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query sticky assignment: %w", err)
	}

	// Least-used active credential under margin, else globally least-used.
	pick := `
		SELECT c.id, c.secret, c.daily_limit, c.is_active, c.quota_tier, c.created_at,
		       COALESCE(u.request_count, 0),
		       COALESCE(u.last_request_time, 'epoch'::timestamptz)
		FROM credentials c
		LEFT JOIN usage u ON u.credential_id = c.id AND u.date = $1
		WHERE c.is_active = TRUE
		ORDER BY (COALESCE(u.request_count, 0) < c.daily_limit - $2) DESC,
		         COALESCE(u.request_count, 0) ASC,
		         COALESCE(u.last_request_time, 'epoch'::timestamptz) ASC,
		         c.id ASC
		LIMIT 1
		FOR UPDATE OF c`

	err = tx.QueryRowContext(ctx, pick, date, margin).Scan(
		&cu.ID, &cu.Secret, &cu.DailyLimit, &cu.IsActive, &cu.QuotaTier, &cu.CreatedAt,
		&cu.RequestCount, &cu.LastRequestTime,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("pick credential: %w", err)
	}

	upsert := `
		INSERT INTO instance_assignments (instance_id, credential_id, assigned_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			credential_id = EXCLUDED.credential_id,
			assigned_at = EXCLUDED.assigned_at`

	if _, err := tx.ExecContext(ctx, upsert, instanceID, cu.ID); err != nil {
		return nil, fmt.Errorf("upsert assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &cu, nil
}

// UpsertModels replaces catalog entries wholesale.
func (s *PostgresStore) UpsertModels(ctx context.Context, models []*types.ModelDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO models (model_id, name, description, category, provider,
		                    context_length, pricing_json, capabilities_json, is_free, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (model_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			provider = EXCLUDED.provider,
			context_length = EXCLUDED.context_length,
			pricing_json = EXCLUDED.pricing_json,
			capabilities_json = EXCLUDED.capabilities_json,
			is_free = EXCLUDED.is_free,
			updated_at = NOW()`

	for _, m := range models {
		pricingJSON, _ := json.Marshal(m.Pricing)
		capsJSON, _ := json.Marshal(m.Capabilities)
		if _, err := tx.ExecContext(ctx, query,
			m.ModelID, m.Name, m.Description, string(m.Category), m.Provider,
			m.ContextLength, string(pricingJSON), string(capsJSON), m.IsFree,
		); err != nil {
			return fmt.Errorf("upsert model %s: %w", m.ModelID, err)
		}
	}
	return tx.Commit()
}

// ListModels returns all stored catalog entries.
func (s *PostgresStore) ListModels(ctx context.Context) ([]*types.ModelDescriptor, error) {
	query := `
		SELECT model_id, name, COALESCE(description, ''), category, COALESCE(provider, ''),
		       context_length, COALESCE(pricing_json, '{}'), COALESCE(capabilities_json, '{}'),
		       is_free, updated_at
		FROM models ORDER BY model_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*types.ModelDescriptor
	for rows.Next() {
		var m types.ModelDescriptor
		var category, pricingJSON, capsJSON string
		if err := rows.Scan(
			&m.ModelID, &m.Name, &m.Description, &category, &m.Provider,
			&m.ContextLength, &pricingJSON, &capsJSON, &m.IsFree, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Category = types.Category(category)
		if err := json.Unmarshal([]byte(pricingJSON), &m.Pricing); err != nil {
			return nil, fmt.Errorf("parse pricing for %s: %w", m.ModelID, err)
		}
		if err := json.Unmarshal([]byte(capsJSON), &m.Capabilities); err != nil {
			return nil, fmt.Errorf("parse capabilities for %s: %w", m.ModelID, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SavePerformance upserts performance snapshots.
func (s *PostgresStore) SavePerformance(ctx context.Context, snaps []*PerformanceSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO model_performance (model_id, total, successes, failures, avg_latency_ms,
		                               failure_streak, breaker_state, last_success_at, last_failure_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (model_id) DO UPDATE SET
			total = EXCLUDED.total,
			successes = EXCLUDED.successes,
			failures = EXCLUDED.failures,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			failure_streak = EXCLUDED.failure_streak,
			breaker_state = EXCLUDED.breaker_state,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at`

	for _, p := range snaps {
		if _, err := tx.ExecContext(ctx, query,
			p.ModelID, p.Total, p.Successes, p.Failures,
			float64(p.AvgLatency.Milliseconds()), p.FailureStreak, p.BreakerState,
			nullableTime(p.LastSuccessAt), nullableTime(p.LastFailureAt),
		); err != nil {
			return fmt.Errorf("save performance %s: %w", p.ModelID, err)
		}
	}
	return tx.Commit()
}

// ListPerformance returns all stored performance snapshots.
func (s *PostgresStore) ListPerformance(ctx context.Context) ([]*PerformanceSnapshot, error) {
	query := `
		SELECT model_id, total, successes, failures, avg_latency_ms, failure_streak,
		       breaker_state, last_success_at, last_failure_at
		FROM model_performance ORDER BY model_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list performance: %w", err)
	}
	defer rows.Close()

	var out []*PerformanceSnapshot
	for rows.Next() {
		var p PerformanceSnapshot
		var latencyMs float64
		var lastSuccess, lastFailure sql.NullTime
		if err := rows.Scan(
			&p.ModelID, &p.Total, &p.Successes, &p.Failures, &latencyMs,
			&p.FailureStreak, &p.BreakerState, &lastSuccess, &lastFailure,
		); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		p.AvgLatency = time.Duration(latencyMs * float64(time.Millisecond))
		if lastSuccess.Valid {
			p.LastSuccessAt = lastSuccess.Time
		}
		if lastFailure.Valid {
			p.LastFailureAt = lastFailure.Time
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
