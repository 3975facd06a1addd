// Package digest periodically reports gateway queue statistics to the
// configured operators on a cron schedule. Purely informational; it
// skips a tick while a broadcast is in flight so the fan-out keeps the
// gateway to itself.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wappsender/internal/gateway"
	"wappsender/internal/kit"
	"wappsender/internal/session"
)

type Stats interface {
	FetchStatistics(ctx context.Context) (gateway.Statistics, error)
}

type Config struct {
	Enabled bool
	// Schedule is a standard 5-field cron expression.
	Schedule   string
	Recipients []int64
}

type Service struct {
	stats Stats
	sess  *session.Session
	notif kit.Notifier
	log   *slog.Logger

	mu         sync.Mutex
	enabled    bool
	sched      cron.Schedule
	recipients []int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ParseSchedule validates a digest cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("digest.schedule: invalid cron %q: %w", spec, err)
	}
	return sched, nil
}

func New(cfg Config, stats Stats, sess *session.Session, notif kit.Notifier, log *slog.Logger) (*Service, error) {
	s := &Service{stats: stats, sess: sess, notif: notif, log: log}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply updates schedule and recipients. Safe during hot reload; the
// new schedule takes effect at the next tick computation.
func (s *Service) Apply(cfg Config) error {
	var sched cron.Schedule
	if cfg.Enabled {
		var err error
		sched, err = ParseSchedule(cfg.Schedule)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.enabled = cfg.Enabled
	s.sched = sched
	s.recipients = append([]int64(nil), cfg.Recipients...)
	s.mu.Unlock()
	return nil
}

func (s *Service) snapshot() (bool, cron.Schedule, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.sched, append([]int64(nil), s.recipients...)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(rctx)
	}()
	s.log.Info("digest started")
}

func (s *Service) loop(ctx context.Context) {
	for {
		enabled, sched, _ := s.snapshot()
		if !enabled || sched == nil {
			// Idle poll so a hot-reload enabling the digest is noticed.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			continue
		}

		next := sched.Next(time.Now())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if s.sess.InFlight() {
		s.log.Debug("digest skipped (broadcast in flight)")
		return
	}
	stats, err := s.stats.FetchStatistics(ctx)
	if err != nil {
		s.log.Warn("digest statistics fetch failed", slog.Any("err", err))
		return
	}
	_, _, recipients := s.snapshot()
	for _, id := range recipients {
		_ = s.notif.Notify(ctx, kit.Notification{
			Target: kit.ChatTarget{ChatID: id},
			Text:   "Daily digest\n" + stats.String(),
		})
	}
	s.log.Debug("digest sent", slog.Int("recipients", len(recipients)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
