package db

import (
	"context"
	"errors"
	"time"
)

// Store is the persistence interface for baselines and the anomaly journal.
type Store interface {
	BaselineStore
	AnomalyStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// ─── Baseline store ───────────────────────────────────────────────────────────

// BaselineStore keeps the opaque serialized baseline blob per session key.
type BaselineStore interface {
	// SaveBaseline inserts or replaces the blob stored under key.
	SaveBaseline(ctx context.Context, key, blob string) error

	// LoadBaseline returns the blob stored under key, or ErrNotFound.
	LoadBaseline(ctx context.Context, key string) (*BaselineRecord, error)

	// ListBaselines returns every stored key, newest first.
	ListBaselines(ctx context.Context) ([]*BaselineRecord, error)
}

// BaselineRecord is a persisted baseline snapshot.
type BaselineRecord struct {
	Key       string    `json:"key"`
	Blob      string    `json:"blob"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ─── Anomaly store ────────────────────────────────────────────────────────────

// AnomalyRecord is a persisted anomaly verdict.
type AnomalyRecord struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Metric         string    `json:"metric"`
	Value          float64   `json:"value"`
	AnomalyType    string    `json:"anomaly_type"`
	Severity       string    `json:"severity"`
	Score          float64   `json:"score"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineStdDev float64   `json:"baseline_std_dev"`
	Message        string    `json:"message"`
	Context        string    `json:"context"` // JSON blob
	DetectedAt     time.Time `json:"detected_at"`
}

// AnomalyQuery filters anomaly queries.
type AnomalyQuery struct {
	SessionID   string
	Metric      string
	AnomalyType string
	Severity    string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// AnomalyStore persists anomaly history.
type AnomalyStore interface {
	// AppendAnomaly stores a detected anomaly event and sets rec.ID.
	AppendAnomaly(ctx context.Context, rec *AnomalyRecord) error

	// QueryAnomalies retrieves anomalies with optional filters, newest first.
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error)

	// GetAnomaly retrieves a single anomaly by ID, or ErrNotFound.
	GetAnomaly(ctx context.Context, id int64) (*AnomalyRecord, error)

	// AnomalySummary returns count grouped by severity for a time window.
	AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error)
}
