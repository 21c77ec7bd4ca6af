package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit log plus an atomically replaced context snapshot
//   - "sqlite": a single SQLite database file
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 keeps the driver default
}

// Audit kinds.
const (
	KindTask   = "task"
	KindModule = "module"
)

// AuditEntry records one finished task or module run.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Name   string    `json:"name"`
	RefID  string    `json:"ref_id,omitempty"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
	Meta   string    `json:"meta,omitempty"` // JSON
}

// Store is the persistence API used by the app.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// ListAudit returns up to limit most recent entries, oldest first.
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	// SaveContext replaces the stored context snapshot. Values must be
	// JSON-encodable; callers drop the ones that are not.
	SaveContext(ctx context.Context, values map[string]any) error
	// LoadContext returns the stored snapshot; ok is false when none exists.
	LoadContext(ctx context.Context) (values map[string]any, ok bool, err error)

	Close() error
}
