package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var validSchemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Repository struct {
	db     *pgxpool.Pool
	schema string
}

func NewRepository(ctx context.Context, dbURL, schema string) (*Repository, error) {
	if !validSchemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	// Apply Pool Settings
	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	// Prevent stale connections from surviving across deployments.
	// MaxConnLifetime ensures connections are recycled periodically.
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	// Set per-connection PostgreSQL parameters to auto-kill orphaned queries/transactions.
	// - statement_timeout: kill any single query that runs longer than 5 minutes
	// - idle_in_transaction_session_timeout: kill connections idle inside a transaction
	//   for more than 2 minutes (prevents lock-holding ghosts after crashes)
	if config.ConnConfig.RuntimeParams == nil {
		config.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := config.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["statement_timeout"] = getEnvDefault("DB_STATEMENT_TIMEOUT", "300000") // 5 min
	}
	if _, ok := config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = getEnvDefault("DB_IDLE_TX_TIMEOUT", "120000") // 2 min
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool, schema: schema}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *Repository) Close() {
	r.db.Close()
}

// EnsureSchema creates the schema and tables if absent. Idempotent, run at
// startup by the supervisor before any worker is spawned.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;

		CREATE TABLE IF NOT EXISTS %[1]s.seen_accounts (
			namespace TEXT NOT NULL,
			did       TEXT NOT NULL,
			added_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, did)
		);

		CREATE TABLE IF NOT EXISTS %[1]s.backfill_jobs (
			did              TEXT PRIMARY KEY,
			status           TEXT NOT NULL DEFAULT 'PENDING',
			attempt          INT NOT NULL DEFAULT 0,
			leased_by        TEXT,
			lease_expires_at TIMESTAMPTZ,
			enqueued_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_backfill_jobs_claim
			ON %[1]s.backfill_jobs (status, lease_expires_at);

		CREATE TABLE IF NOT EXISTS %[1]s.records (
			uri          TEXT PRIMARY KEY,
			did          TEXT NOT NULL,
			collection   TEXT NOT NULL,
			rkey         TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			record_time  TIMESTAMPTZ NOT NULL,
			value        JSONB,
			indexed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_records_did ON %[1]s.records (did);
		CREATE INDEX IF NOT EXISTS idx_records_collection_time
			ON %[1]s.records (collection, record_time DESC);

		CREATE TABLE IF NOT EXISTS %[1]s.collection_records (
			collection   TEXT NOT NULL,
			did          TEXT NOT NULL,
			rkey         TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			record_time  TIMESTAMPTZ NOT NULL,
			value        JSONB,
			indexed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, did, rkey)
		) PARTITION BY LIST (collection);

		CREATE TABLE IF NOT EXISTS %[1]s.collection_records_default
			PARTITION OF %[1]s.collection_records DEFAULT;
	`, r.schema)

	if _, err := r.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// BeginBulkLoad relaxes database durability for the duration of a backfill
// run. Everything written here is reconstructable from the upstream hosts,
// so losing the last moments of WAL on a crash only costs re-fetching.
func (r *Repository) BeginBulkLoad(ctx context.Context) error {
	dbName, err := r.currentDatabase(ctx)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, fmt.Sprintf(`ALTER DATABASE %s SET synchronous_commit TO off`, quoteIdent(dbName))); err != nil {
		return fmt.Errorf("failed to disable synchronous_commit: %w", err)
	}
	log.Printf("[repository] bulk load tuning enabled on %s (synchronous_commit=off)", dbName)
	return nil
}

// EndBulkLoad reverts the tuning applied by BeginBulkLoad.
func (r *Repository) EndBulkLoad(ctx context.Context) error {
	dbName, err := r.currentDatabase(ctx)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, fmt.Sprintf(`ALTER DATABASE %s RESET synchronous_commit`, quoteIdent(dbName))); err != nil {
		return fmt.Errorf("failed to reset synchronous_commit: %w", err)
	}
	log.Printf("[repository] bulk load tuning reverted on %s", dbName)
	return nil
}

func (r *Repository) currentDatabase(ctx context.Context) (string, error) {
	var name string
	if err := r.db.QueryRow(ctx, `SELECT current_database()`).Scan(&name); err != nil {
		return "", fmt.Errorf("failed to resolve current database: %w", err)
	}
	return name, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
