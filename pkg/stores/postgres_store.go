package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfleet/openfleet/pkg/engine"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// PostgresStore implements the Store interface using Postgres. It is the
// shared backend for teams running the engine from multiple machines: the
// claim upsert serializes concurrent runs against the same action keys.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresConfig
}

// NewPostgresStore creates a new Postgres store instance.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &PostgresStore{cfg: cfg}, nil
}

// OpenPostgresStore creates, initializes, and migrates a Postgres store.
func OpenPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	s, err := NewPostgresStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection pool.
func (s *PostgresStore) Init(ctx context.Context) error {
	db, err := sql.Open("pgx", s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// GetRecord retrieves the deployed state record for an action key.
// Returns nil without error when no record exists.
func (s *PostgresStore) GetRecord(ctx context.Context, key string) (*engine.StateRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE key = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}

	return rec, nil
}

// PutRecord inserts or replaces a deployed state record. A successful put
// clears the writing run's claim and revives a tombstoned key.
func (s *PostgresStore) PutRecord(ctx context.Context, record *engine.StateRecord) error {
	if record == nil || record.Key == "" {
		return fmt.Errorf("record key is required")
	}

	outputs, err := marshalMap(record.Outputs)
	if err != nil {
		return err
	}
	dependsOn, err := marshalList(record.DependsOn)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	query := `
		INSERT INTO records (
			key, section, kind, account_id, region,
			product_name, portfolio, product_version,
			parameter_hash, outputs, provisioned_id,
			last_operation, last_status, tainted, attempts, depends_on,
			tombstoned, claim_run_id, claim_expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, FALSE, NULL, NULL, $17, $18)
		ON CONFLICT(key) DO UPDATE SET
			section = excluded.section,
			kind = excluded.kind,
			account_id = excluded.account_id,
			region = excluded.region,
			product_name = excluded.product_name,
			portfolio = excluded.portfolio,
			product_version = excluded.product_version,
			parameter_hash = excluded.parameter_hash,
			outputs = excluded.outputs,
			provisioned_id = excluded.provisioned_id,
			last_operation = excluded.last_operation,
			last_status = excluded.last_status,
			tainted = excluded.tainted,
			attempts = excluded.attempts,
			depends_on = excluded.depends_on,
			tombstoned = FALSE,
			claim_run_id = NULL,
			claim_expires_at = NULL,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		record.Key,
		record.Section,
		record.Kind,
		record.AccountID,
		record.Region,
		record.Product.Name,
		record.Product.Portfolio,
		record.Product.Version,
		record.ParameterHash,
		outputs,
		record.ProvisionedID,
		record.LastOperation,
		record.LastStatus,
		record.Tainted,
		record.Attempts,
		dependsOn,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put record %s: %w", record.Key, err)
	}

	return nil
}

// ListRecords returns all records that have not been tombstoned.
func (s *PostgresStore) ListRecords(ctx context.Context) ([]*engine.StateRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE tombstoned = FALSE ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*engine.StateRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// TombstoneRecord marks a record as terminated. The row is kept for audit
// but no longer appears in ListRecords.
func (s *PostgresStore) TombstoneRecord(ctx context.Context, key, runID string) error {
	query := `
		UPDATE records
		SET tombstoned = TRUE,
			last_operation = $1,
			claim_run_id = NULL,
			claim_expires_at = NULL,
			updated_at = $2
		WHERE key = $3
	`

	result, err := s.db.ExecContext(ctx, query, engine.OperationTerminate, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to tombstone record %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("record not found: %s", key), nil).
			WithCode(engine.ErrCodeNotFound).
			WithAction(key)
	}

	return nil
}

// ClaimRecord atomically claims an action key for a run. The upsert takes
// the claim when the key is unclaimed, already held by the same run, or
// held by an expired claim; otherwise zero rows change and the claim is
// reported as a conflict.
func (s *PostgresStore) ClaimRecord(ctx context.Context, key, runID string, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	query := `
		INSERT INTO records (key, claim_run_id, claim_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT(key) DO UPDATE SET
			claim_run_id = excluded.claim_run_id,
			claim_expires_at = excluded.claim_expires_at,
			updated_at = excluded.updated_at
		WHERE records.claim_run_id IS NULL
		   OR records.claim_run_id = excluded.claim_run_id
		   OR records.claim_expires_at IS NULL
		   OR records.claim_expires_at <= $5
	`

	result, err := s.db.ExecContext(ctx, query, key, runID, expiresAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to claim record %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewConflictError(
			fmt.Sprintf("action %s is claimed by another run", key), nil).
			WithCode(engine.ErrCodeConflict).
			WithAction(key)
	}

	return nil
}

// ReleaseClaim releases a claim held by the given run. Releasing a claim
// the run no longer holds is a no-op.
func (s *PostgresStore) ReleaseClaim(ctx context.Context, key, runID string) error {
	query := `
		UPDATE records
		SET claim_run_id = NULL, claim_expires_at = NULL, updated_at = $1
		WHERE key = $2 AND claim_run_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), key, runID); err != nil {
		return fmt.Errorf("failed to release claim on %s: %w", key, err)
	}

	return nil
}

// SaveRun persists a run result and its per-action outcomes in one
// transaction.
func (s *PostgresStore) SaveRun(ctx context.Context, result *engine.RunResult) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runErr, err := marshalError(result.Error)
	if err != nil {
		return err
	}

	runQuery := `
		INSERT INTO runs (
			id, manifest_name, manifest_hash, verdict, dry_run,
			started_at, completed_at, duration_ms,
			total, succeeded, failed, skipped, changed, unchanged, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = tx.ExecContext(ctx, runQuery,
		result.RunID,
		result.ManifestName,
		result.ManifestHash,
		result.Verdict,
		result.DryRun,
		result.StartedAt.UTC(),
		result.CompletedAt.UTC(),
		result.Duration.Milliseconds(),
		result.Summary.Total,
		result.Summary.Succeeded,
		result.Summary.Failed,
		result.Summary.Skipped,
		result.Summary.Changed,
		result.Summary.Unchanged,
		runErr,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", result.RunID, err)
	}

	actionQuery := `
		INSERT INTO run_actions (
			run_id, key, position, section, account_id, region,
			operation, status, effect, attempts, error, outputs,
			started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	for i, ar := range result.Actions {
		actionErr, err := marshalError(ar.Error)
		if err != nil {
			return err
		}
		outputs, err := marshalMap(ar.Outputs)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, actionQuery,
			result.RunID,
			ar.Key,
			i,
			ar.Section,
			ar.AccountID,
			ar.Region,
			ar.Operation,
			ar.Status,
			ar.Effect,
			ar.Attempts,
			actionErr,
			outputs,
			nullableTime(ar.StartedAt),
			nullableTime(ar.CompletedAt),
			ar.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to save action result %s: %w", ar.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", result.RunID, err)
	}

	return nil
}

// GetRun retrieves a run result by ID, including per-action outcomes.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*engine.RunResult, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	result, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("run not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	actionQuery := `SELECT ` + actionColumns + ` FROM run_actions WHERE run_id = $1 ORDER BY position ASC`

	rows, err := s.db.QueryContext(ctx, actionQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list run actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ar, err := scanRunAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action result: %w", err)
		}
		result.Actions = append(result.Actions, ar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run actions: %w", err)
	}

	return result, nil
}

// ListRuns lists run results with pagination, most recent first.
// Per-action outcomes are not populated; use GetRun for detail.
func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.RunResult, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.RunResult{}
	for rows.Next() {
		result, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
