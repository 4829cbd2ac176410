// Package usage tracks per-request accounting for the gateway: lock-free
// counters for the status endpoints plus a persistence backend selected by
// DSN (SQLite for single-node, PostgreSQL for shared deployments).
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/nghyane/samba-mux/internal/config"
)

// Record is one completed (or failed) completion request.
type Record struct {
	Model            string    `json:"model"`
	APIKey           string    `json:"api_key"`
	RequestedAt      time.Time `json:"requested_at"`
	Stream           bool      `json:"stream"`
	Failed           bool      `json:"failed"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Estimated        bool      `json:"estimated"`
	LatencyMs        int64     `json:"latency_ms"`
}

// AggregatedStats summarizes a time window.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}

// DailyStats is one day's aggregate.
type DailyStats struct {
	Day      string `json:"day"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// ModelStats is one served model's aggregate.
type ModelStats struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	SuccessCount     int64  `json:"success_count"`
	FailureCount     int64  `json:"failure_count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// Backend is the persistence contract. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Enqueue adds a record to the write queue without blocking.
	Enqueue(record Record)

	// Flush writes all pending records.
	Flush(ctx context.Context) error

	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)

	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start launches the write and retention loops.
	Start() error

	// Stop flushes pending writes and shuts down.
	Stop() error
}

// BackendConfig holds backend initialization parameters.
type BackendConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

// NewBackend selects a backend from the DSN scheme.
func NewBackend(cfg BackendConfig) (Backend, error) {
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("DSN is required (use sqlite:// or postgres://)")
	}

	switch parsed.Backend {
	case "postgres":
		return NewPostgresBackend(parsed.URL, cfg)
	case "sqlite":
		return NewSQLiteBackend(parsed.Path, cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %q", parsed.Backend)
	}
}
