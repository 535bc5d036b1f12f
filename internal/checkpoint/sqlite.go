package checkpoint

import (
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

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
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
	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL DEFAULT '',
		batch_index INTEGER NOT NULL,
		processed INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// Save appends a checkpoint record
func (s *SQLiteStore) Save(record *Record) error {
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		record.Timestamp = time.Now()

		query := `INSERT INTO checkpoints (run_id, batch_index, processed, created_at) VALUES (?, ?, ?, ?)`
		_, err := s.db.Exec(query, record.RunID, record.BatchIndex, record.Processed, record.Timestamp)
		return err
	})
}

// Latest returns the most recent checkpoint, or nil when none exists
func (s *SQLiteStore) Latest() (*Record, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	query := `
	SELECT run_id, batch_index, processed, created_at
	FROM checkpoints ORDER BY id DESC LIMIT 1
	`

	var record Record
	err := s.db.QueryRow(query).Scan(&record.RunID, &record.BatchIndex, &record.Processed, &record.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// Clear discards all checkpoints
func (s *SQLiteStore) Clear() error {
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM checkpoints`)
		return err
	})
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
			delay := baseDelay * time.Duration(1<<uint(attempt))
			time.Sleep(delay)
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
