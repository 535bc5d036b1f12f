package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite-backed store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=2000&_foreign_keys=on&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db: db,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS series_catalog (
		series_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS series (
		series_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		area TEXT NOT NULL,
		period TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL,
		fetched_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		series_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_state_status ON sync_state(status);
	CREATE INDEX IF NOT EXISTS idx_sync_state_updated_at ON sync_state(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// AddToCatalog registers series identifiers as known work items
func (s *SQLiteStore) AddToCatalog(ctx context.Context, seriesID, title string) error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		query := `
		INSERT INTO series_catalog (series_id, title) VALUES (?, ?)
		ON CONFLICT(series_id) DO UPDATE SET title = excluded.title
		`
		_, err := s.db.ExecContext(ctx, query, seriesID, title)
		return err
	})
}

// UpsertSeries inserts a series observation or updates its mutable fields
func (s *SQLiteStore) UpsertSeries(ctx context.Context, series Series) error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.upsertSeriesWithTransaction(ctx, series)
	})
}

func (s *SQLiteStore) upsertSeriesWithTransaction(ctx context.Context, series Series) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	// Use UPSERT instead of DELETE+INSERT to reduce lock contention
	query := `
	INSERT INTO series
	(series_id, title, area, period, value, unit, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(series_id) DO UPDATE SET
		title = excluded.title,
		area = excluded.area,
		period = excluded.period,
		value = excluded.value,
		unit = excluded.unit,
		fetched_at = excluded.fetched_at
	`

	_, err = tx.ExecContext(ctx, query,
		series.SeriesID,
		series.Title,
		series.Area,
		series.Period,
		series.Value,
		series.Unit,
		series.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}

	return tx.Commit()
}

// GetSeries retrieves a series observation by identifier
func (s *SQLiteStore) GetSeries(ctx context.Context, seriesID string) (*Series, error) {
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	query := `
	SELECT series_id, title, area, period, value, unit, fetched_at
	FROM series WHERE series_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, seriesID)

	var series Series
	err := row.Scan(
		&series.SeriesID,
		&series.Title,
		&series.Area,
		&series.Period,
		&series.Value,
		&series.Unit,
		&series.FetchedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &series, nil
}

// SaveState saves or updates a per-series sync state record
func (s *SQLiteStore) SaveState(ctx context.Context, record *StateRecord) error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		record.UpdatedAt = time.Now()

		query := `
		INSERT INTO sync_state
		(series_id, status, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(series_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		`

		_, err := s.db.ExecContext(ctx, query,
			record.SeriesID,
			record.Status,
			record.Attempts,
			record.LastError,
			record.UpdatedAt,
		)
		return err
	})
}

// ExistsSuccessful reports whether a series was already synced successfully
func (s *SQLiteStore) ExistsSuccessful(ctx context.Context, seriesID string) (bool, error) {
	if s.closed {
		return false, fmt.Errorf("store is closed")
	}

	query := `SELECT 1 FROM sync_state WHERE series_id = ? AND status = ?`

	var one int
	err := s.db.QueryRowContext(ctx, query, seriesID, StatusCompleted).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// ListPending returns catalog identifiers not yet synced successfully
func (s *SQLiteStore) ListPending(ctx context.Context) ([]string, error) {
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	query := `
	SELECT c.series_id
	FROM series_catalog c
	LEFT JOIN sync_state st ON st.series_id = c.series_id AND st.status = ?
	WHERE st.series_id IS NULL
	ORDER BY c.series_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ResetState discards all per-series sync state (force restart)
func (s *SQLiteStore) ResetState(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state`)
		return err
	})
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.db.PingContext(ctx)
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			// Exponential backoff with a small jitter to reduce contention
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
