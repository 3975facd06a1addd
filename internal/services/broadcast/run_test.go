package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"wappsender/internal/gateway"
	"wappsender/internal/kit"
	"wappsender/internal/session"
	"wappsender/internal/storage"
)

type call struct {
	Op string
	To string
}

// fakeGateway records calls in order. onSend, when set, runs after each
// successful send (used to flip the terminate flag mid-run). failOn
// makes sends to that recipient fail.
type fakeGateway struct {
	mu     sync.Mutex
	calls  []call
	nextID int

	failOn    string
	failClear bool
	onSend    func(op, to string)
}

func (g *fakeGateway) record(op, to string) (string, error) {
	g.mu.Lock()
	if g.failOn != "" && to == g.failOn && strings.HasPrefix(op, "send_") {
		g.mu.Unlock()
		return "", fmt.Errorf("gateway refused %s", to)
	}
	g.calls = append(g.calls, call{Op: op, To: to})
	g.nextID++
	id := fmt.Sprintf("m%d", g.nextID)
	hook := g.onSend
	g.mu.Unlock()
	if hook != nil && strings.HasPrefix(op, "send_") {
		hook(op, to)
	}
	return id, nil
}

func (g *fakeGateway) Calls() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

func (g *fakeGateway) SendText(ctx context.Context, to, body string) (string, error) {
	return g.record("send_text", to)
}
func (g *fakeGateway) SendImage(ctx context.Context, to, caption, link string) (string, error) {
	return g.record("send_image", to)
}
func (g *fakeGateway) SendVideo(ctx context.Context, to, caption, link string) (string, error) {
	return g.record("send_video", to)
}
func (g *fakeGateway) SendDocument(ctx context.Context, to, caption, link, filename string) (string, error) {
	return g.record("send_document", to)
}
func (g *fakeGateway) FetchStatistics(ctx context.Context) (gateway.Statistics, error) {
	_, _ = g.record("fetch_statistics", "")
	return gateway.Statistics{Sent: 42}, nil
}
func (g *fakeGateway) ClearQueue(ctx context.Context, status string) error {
	if g.failClear {
		return fmt.Errorf("clear %s failed", status)
	}
	_, _ = g.record("clear_"+status, "")
	return nil
}
func (g *fakeGateway) DeleteMessage(ctx context.Context, msgID string) error {
	_, _ = g.record("delete", msgID)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(ctx context.Context, noti kit.Notification) error {
	n.mu.Lock()
	n.texts = append(n.texts, noti.Text)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) Texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

func (n *fakeNotifier) joined() string { return strings.Join(n.Texts(), "\n---\n") }

// memStore is an in-memory storage.Store for executor tests.
type memStore struct {
	mu       sync.Mutex
	ids      []string
	excluded []string
	audits   []storage.RunAudit
}

func (m *memStore) AppendMessageID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	return nil
}
func (m *memStore) ListMessageIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...), nil
}
func (m *memStore) ResetMessageIDs(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = nil
	return nil
}
func (m *memStore) AddExcludedGroups(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excluded = append(m.excluded, ids...)
	return nil
}
func (m *memStore) ListExcludedGroups(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.excluded...), nil
}
func (m *memStore) ResetExcludedGroups(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excluded = nil
	return nil
}
func (m *memStore) AppendRunAudit(ctx context.Context, e storage.RunAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}
func (m *memStore) Close() error { return nil }

func newTestService(t *testing.T, gw Gateway) (*Service, *session.Session, *fakeNotifier, *memStore) {
	t.Helper()
	sess := session.New("pw", []int64{1})
	notif := &fakeNotifier{}
	store := &memStore{}
	svc := New(Config{Workers: 1, Cooldown: time.Millisecond}, gw, sess, store, notif, slog.New(slog.DiscardHandler))
	return svc, sess, notif, store
}

func testBundle() session.Bundle {
	return session.Bundle{
		Items: []session.Item{
			{Kind: kit.MediaPhoto, URL: "https://cdn/x.jpg"},
			{Kind: kit.MediaDocument, URL: "https://cdn/x.pdf", Name: "x.pdf"},
		},
		Caption: "Hello",
	}
}

func TestRunBroadcastCallOrder(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, sess, notif, store := newTestService(t, gw)

	targets := []string{"A", "B", "C"}
	if err := sess.TryBeginRun(len(targets)); err != nil {
		t.Fatal(err)
	}
	svc.runBroadcast(context.Background(), Job{
		ID: "j1", Kind: JobBroadcast, Operator: kit.ChatTarget{ChatID: 1},
		Targets: targets, Content: testBundle(), Audit: "all",
	})

	var sends []call
	for _, c := range gw.Calls() {
		if strings.HasPrefix(c.Op, "send_") {
			sends = append(sends, c)
		}
	}
	if len(sends) != 9 {
		t.Fatalf("send calls = %d, want 9: %+v", len(sends), sends)
	}
	for i, to := range targets {
		base := i * 3
		want := []string{"send_image", "send_document", "send_text"}
		for k, op := range want {
			if sends[base+k].Op != op || sends[base+k].To != to {
				t.Fatalf("call %d = %+v, want {%s %s}", base+k, sends[base+k], op, to)
			}
		}
	}

	p := sess.Progress()
	if p.InFlight {
		t.Fatal("in-flight not released after completion")
	}
	if p.Sent != 3 {
		t.Fatalf("sent = %d, want 3", p.Sent)
	}
	if sess.HasContent() {
		t.Fatal("bundle not cleared after completion")
	}
	if got := notif.joined(); !strings.Contains(got, "Broadcast completed: 3/3") {
		t.Fatalf("completion notice missing, got: %q", got)
	}
	if len(store.audits) != 1 || !store.audits[0].OK {
		t.Fatalf("audits = %+v", store.audits)
	}
}

func TestRunBroadcastCancellation(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	svc, sess, notif, store := newTestService(t, gw)

	// Flip the terminate flag while recipient A is still being served:
	// A must complete, B and C must receive nothing.
	gw.onSend = func(op, to string) {
		if op == "send_text" && to == "A" {
			sess.RequestTerminate()
		}
	}

	targets := []string{"A", "B", "C"}
	if err := sess.TryBeginRun(len(targets)); err != nil {
		t.Fatal(err)
	}
	svc.runBroadcast(context.Background(), Job{
		ID: "j2", Kind: JobBroadcast, Operator: kit.ChatTarget{ChatID: 1},
		Targets: targets, Content: testBundle(), Audit: "all",
	})

	for _, c := range gw.Calls() {
		if strings.HasPrefix(c.Op, "send_") && c.To != "A" {
			t.Fatalf("recipient %s received %s after terminate", c.To, c.Op)
		}
	}

	calls := gw.Calls()
	var cleared, deleted int
	for _, c := range calls {
		switch {
		case strings.HasPrefix(c.Op, "clear_"):
			cleared++
		case c.Op == "delete":
			deleted++
		}
	}
	if cleared != 2 {
		t.Fatalf("queue clears = %d, want 2 (queue + sent)", cleared)
	}
	if deleted != 3 {
		t.Fatalf("deletes = %d, want 3 (one per tracked message)", deleted)
	}

	p := sess.Progress()
	if p.InFlight || p.Terminate {
		t.Fatalf("flags not reset after termination: %+v", p)
	}
	if sess.HasContent() {
		t.Fatal("bundle survived termination")
	}
	if ids, _ := store.ListMessageIDs(context.Background()); len(ids) != 0 {
		t.Fatalf("tracked ids not reset: %v", ids)
	}
	if got := notif.joined(); !strings.Contains(got, "Termination process initiated!") ||
		!strings.Contains(got, "Termination process completed.") {
		t.Fatalf("termination notices missing, got: %q", got)
	}
}

func TestRunBroadcastUnsentTail(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{failOn: "B"}
	svc, sess, notif, _ := newTestService(t, gw)

	targets := []string{"A", "B", "C"}
	if err := sess.TryBeginRun(len(targets)); err != nil {
		t.Fatal(err)
	}
	svc.runBroadcast(context.Background(), Job{
		ID: "j3", Kind: JobBroadcast, Operator: kit.ChatTarget{ChatID: 1},
		Targets: targets, Content: testBundle(), Audit: "all",
	})

	p := sess.Progress()
	if p.InFlight {
		t.Fatal("in-flight not released after failure")
	}
	if p.Sent != 1 {
		t.Fatalf("sent = %d, want 1", p.Sent)
	}

	got := notif.joined()
	if !strings.Contains(got, "Failed recipient: B") {
		t.Fatalf("failing recipient not reported: %q", got)
	}
	if !strings.Contains(got, "C") {
		t.Fatalf("unsent tail not reported: %q", got)
	}
	// No automatic retry.
	for _, c := range gw.Calls() {
		if strings.HasPrefix(c.Op, "send_") && c.To == "C" {
			t.Fatal("recipient past the failure was attempted")
		}
	}
}

func TestRunTerminationResetsFlagsOnFailure(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{failClear: true}
	svc, sess, notif, _ := newTestService(t, gw)

	if err := sess.TryBeginRun(0); err != nil {
		t.Fatal(err)
	}
	sess.RequestTerminate()
	svc.runTermination(context.Background(), Job{
		ID: "j4", Kind: JobDrain, Operator: kit.ChatTarget{ChatID: 1}, Audit: "drain",
	})

	p := sess.Progress()
	if p.InFlight || p.Terminate {
		t.Fatalf("flags not reset after failed termination: %+v", p)
	}
	if got := notif.joined(); !strings.Contains(got, "errors") {
		t.Fatalf("failure not reported: %q", got)
	}
}

func TestEnqueueSingleRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	gw := &fakeGateway{}
	// Park the worker inside the first send so the run slot stays held
	// for the duration of the test.
	gw.onSend = func(op, to string) { <-release }
	svc, _, _, _ := newTestService(t, gw)

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)
	defer close(release)

	j := Job{ID: "j5", Kind: JobBroadcast, Targets: []string{"A"}, Content: testBundle(), Audit: "all"}
	if err := svc.Enqueue(j); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := svc.Enqueue(j); err != session.ErrBusy {
		t.Fatalf("second enqueue err = %v, want ErrBusy", err)
	}
}

func TestEnqueueRejectedWhileStopped(t *testing.T) {
	t.Parallel()
	svc, sess, _, _ := newTestService(t, &fakeGateway{})
	ctx := context.Background()

	j := Job{ID: "j6", Kind: JobBroadcast, Targets: []string{"A"}, Content: testBundle(), Audit: "all"}
	if err := svc.Enqueue(j); err != ErrStopped {
		t.Fatalf("enqueue before start err = %v, want ErrStopped", err)
	}

	svc.Start(ctx)
	svc.Stop(ctx)

	if err := svc.Enqueue(j); err != ErrStopped {
		t.Fatalf("enqueue after stop err = %v, want ErrStopped", err)
	}
	if sess.InFlight() {
		t.Fatal("run slot claimed with no workers to serve it")
	}
}
