package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wappsender/internal/kit"
	"wappsender/internal/session"
	"wappsender/internal/storage"
)

// runBroadcast fans the content bundle out to the job's targets, one
// recipient at a time. The terminate flag is polled between recipients
// (not between items), bounding cancellation latency to one recipient's
// worth of sends. Each recipient receives every bundle item in order,
// then the caption as a separate text message.
func (s *Service) runBroadcast(ctx context.Context, j Job) {
	start := time.Now()
	s.log.Info("broadcast started",
		slog.String("job", j.ID),
		slog.String("audit", j.Audit),
		slog.Int("targets", len(j.Targets)),
		slog.Int("items", len(j.Content.Items)))

	// Fresh tracking record per run; leftovers belong to a previous run
	// that already completed or was cleaned up.
	if s.store != nil {
		if err := s.store.ResetMessageIDs(ctx); err != nil {
			s.log.Warn("tracking reset failed", slog.String("job", j.ID), slog.Any("err", err))
		}
	}

	for i, target := range j.Targets {
		if s.sess.TerminateRequested() {
			s.log.Info("terminate observed; aborting fan-out",
				slog.String("job", j.ID),
				slog.Int("sent", i),
				slog.Int("total", len(j.Targets)))
			s.notify(ctx, j.Operator, "Termination process initiated!")
			s.runTermination(ctx, j)
			s.audit(ctx, storage.RunAudit{
				At: start, RunID: j.ID, Operator: j.Operator.ChatID, Kind: j.Audit,
				Total: len(j.Targets), Sent: i, OK: false, Error: "terminated",
				TookMS: time.Since(start).Milliseconds(),
			})
			return
		}

		if err := s.sendBundle(ctx, target, j.Content); err != nil {
			// No automatic retry: report the failing recipient and the
			// unsent tail, release the run slot and stop.
			unsent := j.Targets[i:]
			s.log.Warn("broadcast aborted on gateway failure",
				slog.String("job", j.ID),
				slog.String("target", target),
				slog.Int("unsent", len(unsent)),
				slog.Any("err", err))
			s.sess.FinishRun()
			s.notify(ctx, j.Operator, fmt.Sprintf(
				"Error: %v\nFailed recipient: %s\nUnsent recipients (%d):\n%s",
				err, target, len(unsent), strings.Join(unsent, "\n")))
			s.audit(ctx, storage.RunAudit{
				At: start, RunID: j.ID, Operator: j.Operator.ChatID, Kind: j.Audit,
				Total: len(j.Targets), Sent: i, OK: false, Error: err.Error(),
				TookMS: time.Since(start).Milliseconds(),
			})
			return
		}
		s.sess.MarkSent()
	}

	// Natural completion.
	sent := s.sess.Progress().Sent
	s.sess.ClearContent(j.Operator.ChatID)
	s.sess.FinishRun()

	summary := fmt.Sprintf("Broadcast completed: %d/%d recipients.", sent, len(j.Targets))
	if stats, err := s.gw.FetchStatistics(ctx); err != nil {
		s.log.Warn("statistics fetch failed", slog.String("job", j.ID), slog.Any("err", err))
	} else {
		summary += "\n" + stats.String()
	}
	s.notify(ctx, j.Operator, summary)

	s.log.Info("broadcast finished",
		slog.String("job", j.ID),
		slog.Int("sent", sent),
		slog.Duration("dur", time.Since(start)))
	s.audit(ctx, storage.RunAudit{
		At: start, RunID: j.ID, Operator: j.Operator.ChatID, Kind: j.Audit,
		Total: len(j.Targets), Sent: sent, OK: true,
		TookMS: time.Since(start).Milliseconds(),
	})
}

// sendBundle delivers every item of the bundle to one recipient, then
// the caption. The first gateway failure aborts; a recipient either
// receives the whole bundle or is reported failed.
func (s *Service) sendBundle(ctx context.Context, target string, b session.Bundle) error {
	for _, it := range b.Items {
		var (
			id  string
			err error
		)
		switch it.Kind {
		case kit.MediaPhoto:
			id, err = s.gw.SendImage(ctx, target, "", it.URL)
		case kit.MediaVideo:
			id, err = s.gw.SendVideo(ctx, target, "", it.URL)
		case kit.MediaDocument:
			id, err = s.gw.SendDocument(ctx, target, "", it.URL, it.Name)
		default:
			err = fmt.Errorf("unknown media kind %q", it.Kind)
		}
		if err != nil {
			return err
		}
		s.track(ctx, id)
	}
	if b.Caption != "" {
		id, err := s.gw.SendText(ctx, target, b.Caption)
		if err != nil {
			return err
		}
		s.track(ctx, id)
	}
	return nil
}
