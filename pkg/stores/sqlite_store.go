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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the StateStore interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
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

	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store in one call.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
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
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
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

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// StoreTaskRecord inserts or replaces a task record
func (s *SQLiteStore) StoreTaskRecord(ctx context.Context, record *TaskRecord) error {
	if record == nil || record.Name == "" {
		return fmt.Errorf("task record name is required")
	}

	resources, err := json.Marshal(record.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode task resources: %w", err)
	}
	data, err := json.Marshal(record.Data)
	if err != nil {
		return fmt.Errorf("failed to encode task data: %w", err)
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO task_records (name, task_id, type, agent_id, hostname, executor_id, config_id, resources, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			task_id = excluded.task_id,
			type = excluded.type,
			agent_id = excluded.agent_id,
			hostname = excluded.hostname,
			executor_id = excluded.executor_id,
			config_id = excluded.config_id,
			resources = excluded.resources,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		record.Name,
		record.TaskID,
		record.Type,
		record.AgentID,
		record.Hostname,
		record.ExecutorID,
		record.ConfigID,
		string(resources),
		string(data),
		updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task record: %w", err)
	}

	return nil
}

const taskRecordColumns = `name, task_id, type, agent_id, hostname, executor_id, config_id, resources, data, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRecord(row rowScanner) (*TaskRecord, error) {
	var (
		r         TaskRecord
		resources string
		data      string
		updatedAt int64
	)
	if err := row.Scan(
		&r.Name,
		&r.TaskID,
		&r.Type,
		&r.AgentID,
		&r.Hostname,
		&r.ExecutorID,
		&r.ConfigID,
		&resources,
		&data,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if resources != "" && resources != "null" {
		if err := json.Unmarshal([]byte(resources), &r.Resources); err != nil {
			return nil, fmt.Errorf("failed to decode task resources: %w", err)
		}
	}
	if data != "" && data != "null" {
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("failed to decode task data: %w", err)
		}
	}
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &r, nil
}

// FetchTaskRecord retrieves a task record by name
func (s *SQLiteStore) FetchTaskRecord(ctx context.Context, name string) (*TaskRecord, error) {
	query := `SELECT ` + taskRecordColumns + ` FROM task_records WHERE name = ?`

	r, err := scanTaskRecord(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task record %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}

	return r, nil
}

// FetchTaskRecords lists all task records ordered by name
func (s *SQLiteStore) FetchTaskRecords(ctx context.Context) ([]*TaskRecord, error) {
	query := `SELECT ` + taskRecordColumns + ` FROM task_records ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		r, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task records: %w", err)
	}

	return records, nil
}

// RemoveTaskRecord deletes a task record and its status
func (s *SQLiteStore) RemoveTaskRecord(ctx context.Context, name string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_status WHERE task_name = ?`, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete task status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_records WHERE name = ?`, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete task record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task removal: %w", err)
	}
	return nil
}

// StoreTaskStatus upserts a task status unless a newer one is already stored
func (s *SQLiteStore) StoreTaskStatus(ctx context.Context, status *TaskStatus) error {
	if status == nil || status.TaskName == "" {
		return fmt.Errorf("task status name is required")
	}

	query := `
		INSERT INTO task_status (task_name, task_id, state, message, healthy, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			task_id = excluded.task_id,
			state = excluded.state,
			message = excluded.message,
			healthy = excluded.healthy,
			timestamp = excluded.timestamp
		WHERE excluded.timestamp >= task_status.timestamp
	`

	_, err := s.db.ExecContext(ctx, query,
		status.TaskName,
		status.TaskID,
		status.State,
		status.Message,
		status.Healthy,
		status.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task status: %w", err)
	}

	return nil
}

// FetchTaskStatus retrieves the latest status of a task
func (s *SQLiteStore) FetchTaskStatus(ctx context.Context, name string) (*TaskStatus, error) {
	query := `
		SELECT task_name, task_id, state, message, healthy, timestamp
		FROM task_status
		WHERE task_name = ?
	`

	var (
		st TaskStatus
		ts int64
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&st.TaskName,
		&st.TaskID,
		&st.State,
		&st.Message,
		&st.Healthy,
		&ts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task status %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	st.Timestamp = time.Unix(0, ts).UTC()
	return &st, nil
}

// StoreProperty upserts a named property
func (s *SQLiteStore) StoreProperty(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("property key is required")
	}

	query := `
		INSERT INTO properties (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to store property: %w", err)
	}
	return nil
}

// FetchProperty retrieves a named property
func (s *SQLiteStore) FetchProperty(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM properties WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("property %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	return value, nil
}

// ClearProperty deletes a named property
func (s *SQLiteStore) ClearProperty(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM properties WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear property: %w", err)
	}
	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
