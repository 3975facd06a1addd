package session

import (
	"errors"
	"reflect"
	"testing"

	"wappsender/internal/kit"
)

func TestTryLogin(t *testing.T) {
	t.Parallel()
	s := New("secret", nil)

	if s.IsAuthorized(1) {
		t.Fatal("fresh session should not be authorized")
	}
	s.SetMode(1, AwaitingPassword)

	if s.TryLogin(1, "wrong") {
		t.Fatal("wrong password accepted")
	}
	if s.Mode(1) != AwaitingPassword {
		t.Fatalf("mode changed on failed login: %v", s.Mode(1))
	}

	if !s.TryLogin(1, "secret") {
		t.Fatal("correct password rejected")
	}
	if !s.IsAuthorized(1) {
		t.Fatal("operator not authorized after login")
	}
	if s.Mode(1) != Idle {
		t.Fatalf("mode = %v, want Idle", s.Mode(1))
	}
}

func TestSeededOperators(t *testing.T) {
	t.Parallel()
	s := New("secret", []int64{7, 8})
	if !s.IsAuthorized(7) || !s.IsAuthorized(8) {
		t.Fatal("seeded operators should be pre-authorized")
	}
	if s.IsAuthorized(9) {
		t.Fatal("unseeded operator authorized")
	}
}

func TestModesArePerOperator(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	s.SetMode(1, AwaitingContent)
	s.SetMode(2, AwaitingExclusionIndices)

	if got := s.Mode(1); got != AwaitingContent {
		t.Fatalf("operator 1 mode = %v", got)
	}
	if got := s.Mode(2); got != AwaitingExclusionIndices {
		t.Fatalf("operator 2 mode = %v", got)
	}
}

func TestAddItemSizeCeiling(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	s.BeginUpload(1)

	item := Item{Kind: kit.MediaPhoto, URL: "https://x/file"}
	if err := s.AddItem(item, 17<<20, 16<<20); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if n := len(s.Staged().Items); n != 0 {
		t.Fatalf("oversized item was appended, items = %d", n)
	}

	if err := s.AddItem(item, 15<<20, 16<<20); err != nil {
		t.Fatalf("in-limit item rejected: %v", err)
	}
	if n := len(s.Staged().Items); n != 1 {
		t.Fatalf("items = %d, want 1", n)
	}
}

func TestClearContentIdempotent(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	s.BeginUpload(1)
	_ = s.AddItem(Item{Kind: kit.MediaDocument, URL: "u", Name: "a.pdf"}, 10, 0)
	s.SetCaption("hello")

	s.ClearContent(1)
	first := s.Staged()
	s.ClearContent(1)
	second := s.Staged()

	if !first.Empty() || !second.Empty() {
		t.Fatal("clear should leave an empty bundle")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("clear not idempotent: %+v vs %+v", first, second)
	}
	if s.Mode(1) != Idle {
		t.Fatalf("mode = %v, want Idle", s.Mode(1))
	}
}

func TestStagedIsSnapshot(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	s.BeginUpload(1)
	_ = s.AddItem(Item{Kind: kit.MediaPhoto, URL: "u1"}, 1, 0)

	snap := s.Staged()
	_ = s.AddItem(Item{Kind: kit.MediaPhoto, URL: "u2"}, 1, 0)
	s.SetCaption("late")

	if len(snap.Items) != 1 || snap.Caption != "" {
		t.Fatalf("snapshot observed later mutations: %+v", snap)
	}
}

func TestExclusionRoundTrip(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	listing := []Group{
		{ID: "G1", Name: "one"}, {ID: "G2", Name: "two"}, {ID: "G3", Name: "three"},
		{ID: "G4", Name: "four"}, {ID: "G5", Name: "five"},
	}
	s.BeginExclusion(1, listing)

	resolved, err := s.ResolveExclusions(1, []int{1, 3})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 2 || resolved[0].ID != "G1" || resolved[1].ID != "G3" {
		t.Fatalf("resolved = %+v", resolved)
	}
	if got := s.Excluded(); !reflect.DeepEqual(got, []string{"G1", "G3"}) {
		t.Fatalf("excluded = %v", got)
	}

	// A broadcast to "all minus excluded" targets exactly the rest.
	var targets []string
	for _, g := range listing {
		if !s.IsExcluded(g.ID) {
			targets = append(targets, g.ID)
		}
	}
	if !reflect.DeepEqual(targets, []string{"G2", "G4", "G5"}) {
		t.Fatalf("targets = %v", targets)
	}
	if s.Mode(1) != Idle {
		t.Fatalf("mode = %v, want Idle after resolve", s.Mode(1))
	}
}

func TestExclusionOutOfRangeAbortsBatch(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	s.BeginExclusion(1, []Group{{ID: "G1"}, {ID: "G2"}})

	if _, err := s.ResolveExclusions(1, []int{1, 9}); err == nil {
		t.Fatal("out-of-range index accepted")
	}
	// No partial application.
	if got := s.Excluded(); len(got) != 0 {
		t.Fatalf("partial exclusions applied: %v", got)
	}
}

func TestBeginExclusionResetsSelection(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	s.BeginExclusion(1, []Group{{ID: "G1"}})
	if _, err := s.ResolveExclusions(1, []int{1}); err != nil {
		t.Fatal(err)
	}
	s.BeginExclusion(1, []Group{{ID: "G2"}})
	if got := s.Excluded(); len(got) != 0 {
		t.Fatalf("stale exclusions survived a new dialog: %v", got)
	}
}

func TestTryBeginRunSingleWriter(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)

	if err := s.TryBeginRun(3); err != nil {
		t.Fatalf("first run rejected: %v", err)
	}
	if err := s.TryBeginRun(1); !errors.Is(err, ErrBusy) {
		t.Fatalf("second run err = %v, want ErrBusy", err)
	}
	s.FinishRun()
	if err := s.TryBeginRun(1); err != nil {
		t.Fatalf("run after finish rejected: %v", err)
	}
}

func TestProgressCounters(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	if err := s.TryBeginRun(2); err != nil {
		t.Fatal(err)
	}

	s.MarkSent()
	s.MarkSent()
	s.MarkSent() // beyond total, must clamp

	p := s.Progress()
	if p.Sent != 2 || p.Total != 2 {
		t.Fatalf("progress = %+v", p)
	}
	if !p.InFlight {
		t.Fatal("in-flight flag dropped mid-run")
	}
}

func TestTerminateFlag(t *testing.T) {
	t.Parallel()
	s := New("pw", nil)
	_ = s.TryBeginRun(1)

	s.RequestTerminate()
	if !s.TerminateRequested() {
		t.Fatal("terminate not visible")
	}
	// A fresh run starts with a clean flag.
	s.FinishRun()
	s.ResetTerminate()
	_ = s.TryBeginRun(1)
	if s.TerminateRequested() {
		t.Fatal("terminate flag leaked into new run")
	}
}
