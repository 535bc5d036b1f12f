package store

import (
	"context"
	"time"
)

// SyncStatus represents the sync state of a series
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
	StatusSkipped   SyncStatus = "skipped"
)

// Series represents one labor-statistics observation fetched from upstream
type Series struct {
	SeriesID  string    `json:"series_id"`
	Title     string    `json:"title"`
	Area      string    `json:"area"`
	Period    string    `json:"period"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	FetchedAt time.Time `json:"fetched_at"`
}

// StateRecord represents the per-series sync state
type StateRecord struct {
	SeriesID  string     `json:"series_id"`
	Status    SyncStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store defines the interface for relational persistence
type Store interface {
	// Series operations
	UpsertSeries(ctx context.Context, s Series) error
	GetSeries(ctx context.Context, seriesID string) (*Series, error)

	// Sync state operations
	SaveState(ctx context.Context, record *StateRecord) error
	ExistsSuccessful(ctx context.Context, seriesID string) (bool, error)
	ListPending(ctx context.Context) ([]string, error)
	ResetState(ctx context.Context) error

	// Connectivity
	Ping(ctx context.Context) error

	// Cleanup
	Close() error
}
