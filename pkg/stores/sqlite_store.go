package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/govframe/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements engine.RunStore using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
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

	// Every connection to :memory: opens a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
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

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_time_format=sqlite&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, kind, status, environment, state, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Kind),
		string(run.Status),
		run.Environment,
		run.State,
		run.Error,
		run.StartedAt.UTC(),
		nullTime(run.CompletedAt),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// UpdateRun updates the mutable fields of a run
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *engine.Run) error {
	query := `
		UPDATE runs
		SET status = ?, state = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		run.State,
		run.Error,
		nullTime(run.CompletedAt),
		time.Now().UTC(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `id, kind, status, environment, state, error, started_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*engine.Run, error) {
	var (
		run         engine.Run
		kind        string
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&kind,
		&status,
		&run.Environment,
		&run.State,
		&run.Error,
		&run.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Kind = engine.RunKind(kind)
	run.Status = engine.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists the most recent runs first. A non-positive limit lists
// every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RecordTransition appends a state transition to a run
func (s *SQLiteStore) RecordTransition(ctx context.Context, t *engine.StateTransition) error {
	query := `
		INSERT INTO state_transitions (run_id, sequence, from_state, to_state, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.RunID,
		t.Sequence,
		t.From,
		t.To,
		t.Attempts,
		t.Error,
		t.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// ListTransitions returns the transitions of a run in sequence order
func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]*engine.StateTransition, error) {
	query := `
		SELECT run_id, sequence, from_state, to_state, attempts, error, created_at
		FROM state_transitions
		WHERE run_id = ?
		ORDER BY sequence
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*engine.StateTransition{}
	for rows.Next() {
		t := &engine.StateTransition{}
		if err := rows.Scan(&t.RunID, &t.Sequence, &t.From, &t.To, &t.Attempts, &t.Error, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// SaveTaskResult stores the result of a task, replacing an earlier one
func (s *SQLiteStore) SaveTaskResult(ctx context.Context, runID string, result *engine.TaskResult) error {
	outputs, err := json.Marshal(result.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	var taskErr sql.NullString
	if result.Error != nil {
		data, err := json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("failed to encode task error: %w", err)
		}
		taskErr = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO task_results (run_id, task_id, status, outputs, error, started_at, completed_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			status = excluded.status,
			outputs = excluded.outputs,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ns = excluded.duration_ns
	`

	_, err = s.db.ExecContext(ctx, query,
		runID,
		result.TaskID,
		string(result.Status),
		string(outputs),
		taskErr,
		result.StartedAt.UTC(),
		result.CompletedAt.UTC(),
		int64(result.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}

	return nil
}

// ListTaskResults returns the task results of a run in completion order
func (s *SQLiteStore) ListTaskResults(ctx context.Context, runID string) ([]*engine.TaskResult, error) {
	query := `
		SELECT task_id, status, outputs, error, started_at, completed_at, duration_ns
		FROM task_results
		WHERE run_id = ?
		ORDER BY completed_at, task_id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	results := []*engine.TaskResult{}
	for rows.Next() {
		var (
			r        engine.TaskResult
			status   string
			outputs  string
			taskErr  sql.NullString
			duration int64
		)
		if err := rows.Scan(&r.TaskID, &status, &outputs, &taskErr, &r.StartedAt, &r.CompletedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		r.Status = engine.TaskStatus(status)
		r.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs of %s: %w", r.TaskID, err)
		}
		if taskErr.Valid {
			r.Error = &engine.EngineError{}
			if err := json.Unmarshal([]byte(taskErr.String), r.Error); err != nil {
				return nil, fmt.Errorf("failed to decode error of %s: %w", r.TaskID, err)
			}
		}
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return results, nil
}

// UpsertAccount inserts or updates a tracked account
func (s *SQLiteStore) UpsertAccount(ctx context.Context, account *engine.TrackedAccount) error {
	query := `
		INSERT INTO accounts (environment, name, email, account_id, ou_path, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (environment, name) DO UPDATE SET
			email = excluded.email,
			account_id = CASE WHEN excluded.account_id = '' THEN accounts.account_id ELSE excluded.account_id END,
			ou_path = excluded.ou_path,
			state = excluded.state,
			updated_at = excluded.updated_at
	`

	updatedAt := account.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		account.Environment,
		account.Name,
		account.Email,
		account.AccountID,
		account.OUPath,
		string(account.State),
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	return nil
}

// ListAccounts returns every tracked account
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*engine.TrackedAccount, error) {
	query := `
		SELECT environment, name, email, account_id, ou_path, state, updated_at
		FROM accounts
		ORDER BY environment, name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []*engine.TrackedAccount{}
	for rows.Next() {
		var (
			a     engine.TrackedAccount
			state string
		)
		if err := rows.Scan(&a.Environment, &a.Name, &a.Email, &a.AccountID, &a.OUPath, &state, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.State = engine.AccountState(state)
		accounts = append(accounts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var _ engine.RunStore = (*SQLiteStore)(nil)
