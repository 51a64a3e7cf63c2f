package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when an execution ID is unknown.
var ErrNotFound = errors.New("execution not found")

const schema = `
CREATE TABLE IF NOT EXISTS codemode_executions (
	id              TEXT PRIMARY KEY,
	code_hash       TEXT NOT NULL,
	backend         TEXT NOT NULL,
	success         BOOLEAN NOT NULL,
	error_code      TEXT NOT NULL DEFAULT '',
	exit_code       INTEGER,
	stdout          TEXT NOT NULL DEFAULT '',
	stderr          TEXT NOT NULL DEFAULT '',
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	redactions      INTEGER NOT NULL DEFAULT 0,
	security_events INTEGER NOT NULL DEFAULT 0,
	working_dir     TEXT NOT NULL DEFAULT '',
	request_ip      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS codemode_executions_created_at ON codemode_executions (created_at DESC);
`

// maxStoredText caps each text column.
const maxStoredText = 65535

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New connects, pings and applies the schema.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying audit schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL audit log")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO codemode_executions (id, code_hash, backend, success, error_code,
			exit_code, stdout, stderr, duration_ms, redactions, security_events,
			working_dir, request_ip, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.CodeHash, exec.Backend, exec.Success, exec.ErrorCode,
		exec.ExitCode,
		truncateForDB(exec.Stdout, maxStoredText),
		truncateForDB(exec.Stderr, maxStoredText),
		exec.DurationMS, exec.Redactions, exec.SecurityEvents,
		exec.WorkingDir, exec.RequestIP,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

const selectColumns = `id, code_hash, backend, success, error_code, exit_code,
	stdout, stderr, duration_ms, redactions, security_events, working_dir,
	request_ip, created_at, completed_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var exec Execution
	err := row.Scan(
		&exec.ID, &exec.CodeHash, &exec.Backend, &exec.Success, &exec.ErrorCode,
		&exec.ExitCode, &exec.Stdout, &exec.Stderr, &exec.DurationMS,
		&exec.Redactions, &exec.SecurityEvents, &exec.WorkingDir,
		&exec.RequestIP, &exec.CreatedAt, &exec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM codemode_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `SELECT ` + selectColumns + `
		FROM codemode_executions
		WHERE ($1 = '' OR backend = $1)
		  AND ($2 = '' OR error_code = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := db.pool.Query(ctx, query,
		filter.Backend, filter.ErrorCode, clampLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, *exec)
	}
	return results, rows.Err()
}

func clampLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
