package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wappsender/internal/gateway"
	"wappsender/internal/kit"
	"wappsender/internal/session"
	"wappsender/internal/storage"
)

// Gateway is the slice of the messaging gateway the executor needs.
type Gateway interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendImage(ctx context.Context, to, caption, link string) (string, error)
	SendVideo(ctx context.Context, to, caption, link string) (string, error)
	SendDocument(ctx context.Context, to, caption, link, filename string) (string, error)
	FetchStatistics(ctx context.Context) (gateway.Statistics, error)
	ClearQueue(ctx context.Context, status string) error
	DeleteMessage(ctx context.Context, msgID string) error
}

type Config struct {
	Workers int
	// Cooldown is the termination settle delay before tracked messages
	// are deleted.
	Cooldown time.Duration
}

type JobKind string

const (
	JobBroadcast JobKind = "broadcast"
	// JobDrain is the idle-state termination run: no fan-out, straight
	// to queue drain and tracked-message cleanup.
	JobDrain JobKind = "drain"
)

// Job is one scheduled run. Content is a dispatch-time snapshot; the
// executor never reads the live staging area.
type Job struct {
	ID       string
	Kind     JobKind
	Operator kit.ChatTarget
	Targets  []string
	Content  session.Bundle
	// Audit labels the run for the audit trail: all | selected | test | drain.
	Audit string
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	gw    Gateway
	sess  *session.Session
	store storage.Store
	notif kit.Notifier
	log   *slog.Logger

	queue  chan Job
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed
	// when the workers have fully exited.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}
