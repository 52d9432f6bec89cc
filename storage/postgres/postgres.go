// Package postgres is the durable Repository implementation: sqlx over
// lib/pq, with schema managed by golang-migrate. It mirrors the teacher's
// connection-pool tuning and upsert style, adapted to the Analyses/Users/
// Contracts record shapes the indexer core consumes.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	"github.com/chainlens/streaming-indexer/services/indexer"
)

// Repository is a Postgres-backed indexer.Repository.
type Repository struct {
	db *sqlx.DB

	latencyMu        sync.Mutex
	lastWriteLatency time.Duration
}

// Config carries the DSN and pool tuning for a Postgres-backed repository.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

// Open connects to Postgres, tunes the pool, verifies connectivity, and
// optionally runs pending migrations from cfg.MigrationsPath.
func Open(ctx context.Context, cfg Config) (*Repository, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.MigrationsPath != "" {
		if err := runMigrations(cfg.MigrationsPath, cfg.DSN); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return &Repository{db: db}, nil
}

func runMigrations(migrationsPath, dsn string) error {
	m, err := migrate.New("file://"+migrationsPath, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// LastWriteLatency satisfies indexer.StorageLatencyRecorder.
func (r *Repository) LastWriteLatency() time.Duration {
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()
	return r.lastWriteLatency
}

func (r *Repository) recordLatency(since time.Time) {
	r.latencyMu.Lock()
	r.lastWriteLatency = time.Since(since)
	r.latencyMu.Unlock()
}

// analysisRow mirrors indexer.Analysis's db tags for sqlx scanning; kept
// distinct so adding storage-only columns never touches the wire type.
type analysisRow struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	ContractAddress string    `db:"contract_address"`
	Chain           string    `db:"chain"`
	Tier            string    `db:"tier"`
	WindowFrom      uint64    `db:"window_from"`
	WindowTo        uint64    `db:"window_to"`
	Status          string    `db:"status"`
	Progress        float64   `db:"progress"`
	MetricsJSON     []byte    `db:"metrics_json"`
	TerminalReason  string    `db:"terminal_reason"`
	RawProvider     []byte    `db:"raw_provider"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r analysisRow) toAnalysis() indexer.Analysis {
	return indexer.Analysis{
		ID:              r.ID,
		UserID:          r.UserID,
		ContractAddress: r.ContractAddress,
		Chain:           chain.ChainID(r.Chain),
		Tier:            indexer.SubscriptionTier(r.Tier),
		WindowFrom:      r.WindowFrom,
		WindowTo:        r.WindowTo,
		Status:          indexer.SessionState(r.Status),
		Progress:        r.Progress,
		MetricsJSON:     json.RawMessage(r.MetricsJSON),
		TerminalReason:  r.TerminalReason,
		RawProvider:     json.RawMessage(r.RawProvider),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// Create inserts a new Analysis, generating an id via Postgres'
// gen_random_uuid() default when record.ID is empty.
func (r *Repository) Create(ctx context.Context, record indexer.Analysis) (string, error) {
	start := time.Now()
	const query = `
		INSERT INTO indexer_analyses (
			id, user_id, contract_address, chain, tier, window_from, window_to,
			status, progress, metrics_json, terminal_reason, raw_provider, created_at, updated_at
		) VALUES (
			COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now()
		)
		RETURNING id
	`
	var id string
	err := r.db.QueryRowxContext(ctx, query,
		record.ID, record.UserID, record.ContractAddress, string(record.Chain), string(record.Tier),
		record.WindowFrom, record.WindowTo, string(record.Status), record.Progress,
		[]byte(record.MetricsJSON), record.TerminalReason, []byte(record.RawProvider),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert analysis: %w", err)
	}
	r.recordLatency(start)
	return id, nil
}

// Update applies patch to the analysis row identified by id, touching
// only the columns the patch names.
func (r *Repository) Update(ctx context.Context, id string, patch indexer.AnalysisPatch) error {
	start := time.Now()

	sets := []string{"updated_at = now()"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = "+arg(*patch.Progress))
	}
	if patch.MetricsJSON != nil {
		sets = append(sets, "metrics_json = "+arg(patch.MetricsJSON))
	}
	if patch.TerminalReason != nil {
		sets = append(sets, "terminal_reason = "+arg(*patch.TerminalReason))
	}

	query := "UPDATE indexer_analyses SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = " + arg(id)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update analysis %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update analysis %s: %w", id, err)
	}
	if affected == 0 {
		return indexer.ErrNotFound
	}
	r.recordLatency(start)
	return nil
}

// FindByID returns the analysis row stored under id.
func (r *Repository) FindByID(ctx context.Context, id string) (indexer.Analysis, error) {
	const query = `
		SELECT id, user_id, contract_address, chain, tier, window_from, window_to,
			status, progress, metrics_json, terminal_reason, raw_provider, created_at, updated_at
		FROM indexer_analyses WHERE id = $1
	`
	var row analysisRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return indexer.Analysis{}, indexer.ErrNotFound
		}
		return indexer.Analysis{}, fmt.Errorf("find analysis %s: %w", id, err)
	}
	return row.toAnalysis(), nil
}

// FindByUser lists a user's analyses, newest first, filtered by chain and
// status when filter names them.
func (r *Repository) FindByUser(ctx context.Context, userID string, filter indexer.AnalysisFilter) ([]indexer.Analysis, error) {
	query := `
		SELECT id, user_id, contract_address, chain, tier, window_from, window_to,
			status, progress, metrics_json, terminal_reason, raw_provider, created_at, updated_at
		FROM indexer_analyses WHERE user_id = $1
	`
	args := []interface{}{userID}
	if filter.Chain != "" {
		args = append(args, filter.Chain)
		query += fmt.Sprintf(" AND chain = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []analysisRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find analyses for user %s: %w", userID, err)
	}
	out := make([]indexer.Analysis, len(rows))
	for i, row := range rows {
		out[i] = row.toAnalysis()
	}
	return out, nil
}

// Get returns the user row stored under id.
func (r *Repository) Get(ctx context.Context, id string) (indexer.User, error) {
	const query = `
		SELECT id, default_contract, default_chain, onboarding_done, created_at
		FROM indexer_users WHERE id = $1
	`
	var u indexer.User
	if err := r.db.GetContext(ctx, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return indexer.User{}, indexer.ErrNotFound
		}
		return indexer.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// UpdateOnboarding upserts the user's default contract and chain.
func (r *Repository) UpdateOnboarding(ctx context.Context, id, defaultContractAddress, defaultChain string) error {
	start := time.Now()
	const query = `
		INSERT INTO indexer_users (id, default_contract, default_chain, onboarding_done, created_at)
		VALUES ($1, $2, $3, true, now())
		ON CONFLICT (id) DO UPDATE SET
			default_contract = EXCLUDED.default_contract,
			default_chain = EXCLUDED.default_chain,
			onboarding_done = true
	`
	if _, err := r.db.ExecContext(ctx, query, id, defaultContractAddress, defaultChain); err != nil {
		return fmt.Errorf("update onboarding for user %s: %w", id, err)
	}
	r.recordLatency(start)
	return nil
}

// ByUser lists the contracts registered for userID.
func (r *Repository) ByUser(ctx context.Context, userID string) ([]indexer.Contract, error) {
	const query = `SELECT user_id, chain, address, label FROM indexer_contracts WHERE user_id = $1`
	var contracts []indexer.Contract
	if err := r.db.SelectContext(ctx, &contracts, query, userID); err != nil {
		return nil, fmt.Errorf("find contracts for user %s: %w", userID, err)
	}
	return contracts, nil
}

// Register adds a contract to a user's registered set; exposed for
// onboarding flows, not part of the Repository contract.
func (r *Repository) Register(ctx context.Context, c indexer.Contract) error {
	start := time.Now()
	const query = `
		INSERT INTO indexer_contracts (user_id, chain, address, label)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, chain, address) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, c.UserID, c.Chain, c.Address, c.Label); err != nil {
		return fmt.Errorf("register contract for user %s: %w", c.UserID, err)
	}
	r.recordLatency(start)
	return nil
}

var _ indexer.Repository = (*Repository)(nil)
