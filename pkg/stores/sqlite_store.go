package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements the Store interface using SQLite
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
	// Every connection to ":memory:" opens its own empty database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// dsn builds a modernc connection string with per-connection pragmas.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_time_format=sqlite"}
	if !isMemory(s.cfg.Path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	return s.cfg.Path + sep + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
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

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertPluginQuery = `
	INSERT INTO plugins (id, stem, path, name, version, phase, refreshing, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		stem = excluded.stem,
		path = excluded.path,
		name = excluded.name,
		version = excluded.version,
		phase = excluded.phase,
		refreshing = excluded.refreshing,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
`

func upsertPlugin(ctx context.Context, ex execer, rec *PluginRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	_, err := ex.ExecContext(ctx, upsertPluginQuery,
		rec.ID,
		rec.Stem,
		rec.Path,
		rec.Name,
		rec.Version,
		rec.Phase,
		rec.Refreshing,
		rec.LastError,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

// UpsertPlugin inserts or replaces the inventory row for a plugin. The
// original created_at is kept on update.
func (s *SQLiteStore) UpsertPlugin(ctx context.Context, rec *PluginRecord) error {
	if err := upsertPlugin(ctx, s.db, rec); err != nil {
		return fmt.Errorf("failed to upsert plugin: %w", err)
	}
	return nil
}

const selectPlugin = `
	SELECT id, stem, path, name, version, phase, refreshing, last_error, created_at, updated_at
	FROM plugins
`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row scanner) (*PluginRecord, error) {
	rec := &PluginRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.Stem,
		&rec.Path,
		&rec.Name,
		&rec.Version,
		&rec.Phase,
		&rec.Refreshing,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetPlugin retrieves a plugin by container id
func (s *SQLiteStore) GetPlugin(ctx context.Context, id string) (*PluginRecord, error) {
	rec, err := scanPlugin(s.db.QueryRowContext(ctx, selectPlugin+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}
	return rec, nil
}

// GetPluginByStem retrieves the most recently updated plugin with stem.
func (s *SQLiteStore) GetPluginByStem(ctx context.Context, stem string) (*PluginRecord, error) {
	rec, err := scanPlugin(s.db.QueryRowContext(ctx,
		selectPlugin+" WHERE stem = ? ORDER BY updated_at DESC LIMIT 1", stem))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plugin %s: %w", stem, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}
	return rec, nil
}

// ListPlugins retrieves plugins ordered by stem with pagination
func (s *SQLiteStore) ListPlugins(ctx context.Context, limit, offset int) ([]*PluginRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectPlugin+" ORDER BY stem ASC, created_at ASC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	var recs []*PluginRecord
	for rows.Next() {
		rec, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plugins: %w", err)
	}

	return recs, nil
}

// DeletePlugin removes a plugin row. Its history is kept.
func (s *SQLiteStore) DeletePlugin(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM plugins WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete plugin: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}

	return nil
}

// RecordTransition appends tr to the history and updates the inventory row
// in one transaction.
func (s *SQLiteStore) RecordTransition(ctx context.Context, plugin *PluginRecord, tr *TransitionRecord) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := upsertPlugin(ctx, tx, plugin); err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to upsert plugin: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO plugin_transitions (plugin_id, stem, from_state, to_state, error, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		tr.PluginID,
		tr.Stem,
		tr.FromState,
		tr.ToState,
		tr.Error,
		tr.At,
	)
	if err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to record transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to get transition ID: %w", err)
	}

	if err := s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	tr.ID = id
	return nil
}

// ListTransitions retrieves history entries, newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, filter TransitionFilter) ([]*TransitionRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, plugin_id, stem, from_state, to_state, error, at
		FROM plugin_transitions
		WHERE (? IS NULL OR plugin_id = ?)
		  AND (? IS NULL OR stem = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.PluginID, filter.PluginID,
		filter.Stem, filter.Stem,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var trs []*TransitionRecord
	for rows.Next() {
		tr := &TransitionRecord{}
		if err := rows.Scan(
			&tr.ID,
			&tr.PluginID,
			&tr.Stem,
			&tr.FromState,
			&tr.ToState,
			&tr.Error,
			&tr.At,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		trs = append(trs, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return trs, nil
}

// PruneTransitions deletes history older than before and returns the
// number of rows removed.
func (s *SQLiteStore) PruneTransitions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM plugin_transitions WHERE at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
