// Package broadcast is the background executor behind the bot: it fans
// staged content out to WhatsApp groups, tracks per-run progress in the
// shared session, and runs the termination workflow that drains and
// deletes an interrupted run. Exactly one run is active at a time; the
// session's in-flight flag is the single-writer lock.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"wappsender/internal/kit"
	"wappsender/internal/session"
	"wappsender/internal/storage"
)

var (
	ErrQueueFull = errors.New("broadcast queue full")
	// ErrStopped is returned by Enqueue outside the Start/Stop window,
	// when no worker pool exists to pick the job up.
	ErrStopped = errors.New("broadcast service not running")
)

func New(cfg Config, gw Gateway, sess *session.Session, store storage.Store, notif kit.Notifier, log *slog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	return &Service{
		cfg:   cfg,
		gw:    gw,
		sess:  sess,
		store: store,
		notif: notif,
		log:   log,
		queue: make(chan Job, 8),
	}
}

// Apply updates live-tunable settings during config hot reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	if cfg.Cooldown > 0 {
		s.cfg.Cooldown = cfg.Cooldown
	}
	s.mu.Unlock()
}

func (s *Service) cooldown() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Cooldown
}

// Enqueue claims the single run slot and schedules the job. It returns
// session.ErrBusy while another run is in flight, so a second broadcast
// can never start mid-run. When the service is stopped the job is
// rejected before the slot is claimed, or it would sit unserved in the
// queue with the in-flight flag wedged.
func (s *Service) Enqueue(j Job) error {
	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	if !running {
		return ErrStopped
	}
	if err := s.sess.TryBeginRun(len(j.Targets)); err != nil {
		return err
	}
	select {
	case s.queue <- j:
		s.log.Info("run scheduled",
			slog.String("job", j.ID),
			slog.String("kind", string(j.Kind)),
			slog.Int("targets", len(j.Targets)))
		return nil
	default:
		s.sess.FinishRun()
		return ErrQueueFull
	}
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents
	// double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.log.Debug("worker started", slog.Int("worker", idx))
			s.worker(runCtx, stopCh, queue)
			s.log.Debug("worker stopped", slog.Int("worker", idx))
		}()
	}

	s.log.Info("service started", slog.Int("workers", workers))
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Job) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execute(ctx, j)
		}
	}
}

// execute runs one job with a fatal-failure backstop: whatever happens,
// the in-flight flag is released so the session never wedges.
func (s *Service) execute(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in run",
				slog.String("job", j.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			s.sess.FinishRun()
			s.notify(ctx, j.Operator, "Error: internal failure in broadcast run")
		}
	}()

	switch j.Kind {
	case JobDrain:
		s.runTermination(ctx, j)
	default:
		s.runBroadcast(ctx, j)
	}
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", slog.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// notify reports to the operator; failures are logged by the notifier,
// never propagated.
func (s *Service) notify(ctx context.Context, to kit.ChatTarget, text string) {
	_ = s.notif.Notify(ctx, kit.Notification{Target: to, Text: text})
}

// track records a gateway message ID for termination cleanup.
func (s *Service) track(ctx context.Context, id string) {
	if s.store == nil || id == "" {
		return
	}
	if err := s.store.AppendMessageID(ctx, id); err != nil {
		s.log.Warn("message id tracking failed", slog.String("id", id), slog.Any("err", err))
	}
}

func (s *Service) audit(ctx context.Context, e storage.RunAudit) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendRunAudit(ctx, e); err != nil {
		s.log.Warn("run audit write failed", slog.String("run", e.RunID), slog.Any("err", err))
	}
}
