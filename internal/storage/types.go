package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the tracking store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (json snapshot + jsonl audit)
//
// If Driver is "none", storage is disabled and termination cleanup has
// nothing to delete.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunAudit records one broadcast or drain run.
// Keep it compact and schema-stable.
type RunAudit struct {
	At       time.Time `json:"at"`
	RunID    string    `json:"run_id"`
	Operator int64     `json:"operator"`
	Kind     string    `json:"kind"` // all | selected | test | drain
	Total    int       `json:"total"`
	Sent     int       `json:"sent"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}
