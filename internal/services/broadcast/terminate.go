package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wappsender/internal/storage"
)

// runTermination cleans up an interrupted (or idle-drained) run:
// drain the gateway's pending and sent queues, wait for the gateway to
// settle, delete every tracked message, then reset session state.
// Failures are reported to the operator but both flags are reset on
// every exit path; termination must never leave the session stuck
// in-flight.
func (s *Service) runTermination(ctx context.Context, j Job) {
	start := time.Now()
	s.log.Info("termination started", slog.String("job", j.ID))

	defer func() {
		s.sess.ClearContent(j.Operator.ChatID)
		s.sess.FinishRun()
		s.sess.ResetTerminate()
	}()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.gw.ClearQueue(ctx, "queue"))
	keep(s.gw.ClearQueue(ctx, "sent"))

	// Let the gateway settle before deleting; deletes against a still
	// flushing queue are silently dropped upstream.
	if err := sleepCtx(ctx, s.cooldown()); err != nil {
		keep(err)
	}

	deleted := 0
	if s.store != nil {
		ids, err := s.store.ListMessageIDs(ctx)
		keep(err)
		for _, id := range ids {
			if err := s.gw.DeleteMessage(ctx, id); err != nil {
				s.log.Warn("tracked message delete failed", slog.String("id", id), slog.Any("err", err))
				keep(err)
				continue
			}
			deleted++
		}
		keep(s.store.ResetMessageIDs(ctx))
	}

	if firstErr != nil {
		s.notify(ctx, j.Operator, fmt.Sprintf("Termination finished with errors: %v", firstErr))
	} else {
		s.notify(ctx, j.Operator, "Termination process completed.")
	}

	s.log.Info("termination finished",
		slog.String("job", j.ID),
		slog.Int("deleted", deleted),
		slog.Duration("dur", time.Since(start)),
		slog.Any("err", firstErr))

	errStr := ""
	if firstErr != nil {
		errStr = firstErr.Error()
	}
	s.audit(ctx, storage.RunAudit{
		At: start, RunID: j.ID, Operator: j.Operator.ChatID, Kind: "drain",
		Total: 0, Sent: deleted, OK: firstErr == nil, Error: errStr,
		TookMS: time.Since(start).Milliseconds(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
