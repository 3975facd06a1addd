package digest

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"wappsender/internal/gateway"
	"wappsender/internal/kit"
	"wappsender/internal/session"
)

type stubStats struct {
	mu    sync.Mutex
	calls int
}

func (s *stubStats) FetchStatistics(ctx context.Context) (gateway.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return gateway.Statistics{Sent: 10, Queue: 1}, nil
}

func (s *stubStats) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubNotifier struct {
	mu    sync.Mutex
	sent  []int64
	texts []string
}

func (n *stubNotifier) Notify(ctx context.Context, noti kit.Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, noti.Target.ChatID)
	n.texts = append(n.texts, noti.Text)
	n.mu.Unlock()
	return nil
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	if _, err := ParseSchedule("0 9 * * *"); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
	if _, err := ParseSchedule("not a cron"); err == nil {
		t.Fatal("invalid cron accepted")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	sess := session.New("pw", nil)
	_, err := New(Config{Enabled: true, Schedule: "nope"}, &stubStats{}, sess, &stubNotifier{}, slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestTickNotifiesRecipients(t *testing.T) {
	t.Parallel()
	sess := session.New("pw", nil)
	stats := &stubStats{}
	notif := &stubNotifier{}
	svc, err := New(Config{Enabled: true, Schedule: "0 9 * * *", Recipients: []int64{11, 22}},
		stats, sess, notif, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	svc.tick(context.Background())

	if stats.count() != 1 {
		t.Fatalf("stats calls = %d", stats.count())
	}
	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.sent) != 2 || notif.sent[0] != 11 || notif.sent[1] != 22 {
		t.Fatalf("recipients = %v", notif.sent)
	}
}

func TestTickSkipsWhileRunInFlight(t *testing.T) {
	t.Parallel()
	sess := session.New("pw", nil)
	stats := &stubStats{}
	svc, err := New(Config{Enabled: true, Schedule: "0 9 * * *", Recipients: []int64{11}},
		stats, sess, &stubNotifier{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	if err := sess.TryBeginRun(3); err != nil {
		t.Fatal(err)
	}
	svc.tick(context.Background())

	if stats.count() != 0 {
		t.Fatal("digest polled the gateway during an active run")
	}
}
