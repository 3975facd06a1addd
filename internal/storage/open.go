package storage

import (
	"context"
	"errors"
	"strings"

	"wappsender/pkg/logx"
)

// Store is the durable tracking record behind a broadcast run: the
// message IDs the gateway emitted (consumed by the termination
// workflow), the persisted exclusion selection, and a run audit log.
// It survives process restarts so cleanup can resume after a crash
// mid-broadcast.
type Store interface {
	AppendMessageID(ctx context.Context, id string) error
	ListMessageIDs(ctx context.Context) ([]string, error)
	ResetMessageIDs(ctx context.Context) error

	AddExcludedGroups(ctx context.Context, ids []string) error
	ListExcludedGroups(ctx context.Context) ([]string, error)
	ResetExcludedGroups(ctx context.Context) error

	AppendRunAudit(ctx context.Context, e RunAudit) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
