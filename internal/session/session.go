// Package session holds the process-wide mutable state shared between
// the command router and the broadcast executor: operator dialog modes,
// the login registry, the staged content bundle, exclusion selection
// and run progress. All cross-field transitions happen under one mutex
// so a concurrent status query never observes a torn intermediate state.
package session

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
)

// Mode is the dialog state of one operator. Keyed per operator so two
// simultaneous operators cannot corrupt each other's flow.
type Mode int

const (
	Idle Mode = iota
	AwaitingPassword
	AwaitingExclusionIndices
	AwaitingBroadcastChoice
	AwaitingContent
)

func (m Mode) String() string {
	switch m {
	case AwaitingPassword:
		return "awaiting_password"
	case AwaitingExclusionIndices:
		return "awaiting_exclusion"
	case AwaitingBroadcastChoice:
		return "awaiting_choice"
	case AwaitingContent:
		return "awaiting_content"
	default:
		return "idle"
	}
}

// Group mirrors one entry of the gateway group listing. The session
// keeps its own copy so the exclusion dialog resolves positional
// indices against a stable snapshot.
type Group struct {
	ID   string
	Name string
}

var (
	ErrTooLarge = errors.New("attachment exceeds size ceiling")
	ErrBusy     = errors.New("broadcast already in flight")
)

// Progress is the point-in-time run state reported by /show_status.
type Progress struct {
	InFlight  bool
	Terminate bool
	Sent      int
	Total     int
}

type Session struct {
	mu sync.Mutex

	password   string
	authorized map[int64]bool
	modes      map[int64]Mode

	pending Bundle

	excluded    []string
	excludedSet map[string]bool
	// listing is the per-operator group snapshot captured when the
	// exclusion dialog starts; indices resolve against it only.
	listing map[int64][]Group

	inFlight  bool
	terminate bool
	sent      int
	total     int
}

// New creates the session. Operators in seed are pre-authorized.
func New(password string, seed []int64) *Session {
	s := &Session{
		password:    password,
		authorized:  make(map[int64]bool, len(seed)),
		modes:       map[int64]Mode{},
		excludedSet: map[string]bool{},
		listing:     map[int64][]Group{},
	}
	for _, id := range seed {
		s.authorized[id] = true
	}
	return s
}

func (s *Session) Mode(op int64) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[op]
}

func (s *Session) SetMode(op int64, m Mode) {
	s.mu.Lock()
	s.modes[op] = m
	s.mu.Unlock()
}

func (s *Session) IsAuthorized(op int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized[op]
}

// TryLogin matches input against the shared secret. On success the
// operator is authorized and returned to Idle; on mismatch the mode is
// unchanged so the dialog re-prompts.
func (s *Session) TryLogin(op int64, input string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subtle.ConstantTimeCompare([]byte(input), []byte(s.password)) != 1 {
		return false
	}
	s.authorized[op] = true
	s.modes[op] = Idle
	return true
}

// ---- Content staging ----

// BeginUpload clears any staged bundle and puts the operator into
// content-entry mode. The bundle is fully replaced, never merged.
func (s *Session) BeginUpload(op int64) {
	s.mu.Lock()
	s.pending = Bundle{}
	s.modes[op] = AwaitingContent
	s.mu.Unlock()
}

// AddItem appends a media item unless its declared size exceeds the
// ceiling, in which case the bundle is left untouched.
func (s *Session) AddItem(it Item, declaredSize, maxBytes int64) error {
	if maxBytes > 0 && declaredSize > maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, declaredSize)
	}
	s.mu.Lock()
	s.pending.Items = append(s.pending.Items, it)
	s.mu.Unlock()
	return nil
}

// SetCaption replaces the bundle caption. Last write wins.
func (s *Session) SetCaption(text string) {
	s.mu.Lock()
	s.pending.Caption = text
	s.mu.Unlock()
}

// ClearContent resets the bundle and drops the operator back to Idle.
// Idempotent.
func (s *Session) ClearContent(op int64) {
	s.mu.Lock()
	s.pending = Bundle{}
	s.modes[op] = Idle
	s.mu.Unlock()
}

func (s *Session) HasContent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending.Empty()
}

// Staged returns a deep copy of the pending bundle for dispatch.
func (s *Session) Staged() Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.clone()
}

// ---- Exclusion selection ----

// BeginExclusion snapshots the freshly fetched listing for the
// operator, resets the accumulated exclusions and enters index-entry
// mode. A new listing always starts a clean selection.
func (s *Session) BeginExclusion(op int64, listing []Group) {
	s.mu.Lock()
	s.listing[op] = append([]Group(nil), listing...)
	s.excluded = nil
	s.excludedSet = map[string]bool{}
	s.modes[op] = AwaitingExclusionIndices
	s.mu.Unlock()
}

// ResolveExclusions applies 1-based indices against the operator's
// listing snapshot. Any out-of-range index aborts the whole batch with
// no partial application. On success the resolved groups are recorded
// and the operator returns to Idle.
func (s *Session) ResolveExclusions(op int64, indices []int) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listing := s.listing[op]
	resolved := make([]Group, 0, len(indices))
	for _, idx := range indices {
		if idx < 1 || idx > len(listing) {
			return nil, fmt.Errorf("index %d out of range (1..%d)", idx, len(listing))
		}
		resolved = append(resolved, listing[idx-1])
	}
	for _, g := range resolved {
		if !s.excludedSet[g.ID] {
			s.excludedSet[g.ID] = true
			s.excluded = append(s.excluded, g.ID)
		}
	}
	s.modes[op] = Idle
	return resolved, nil
}

// Excluded returns the accumulated excluded group IDs in selection order.
func (s *Session) Excluded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.excluded...)
}

func (s *Session) IsExcluded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excludedSet[id]
}

// SetExcluded replaces the exclusion set, used when reloading the
// persisted selection at startup or after a cache reset.
func (s *Session) SetExcluded(ids []string) {
	s.mu.Lock()
	s.excluded = append([]string(nil), ids...)
	s.excludedSet = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.excludedSet[id] = true
	}
	s.mu.Unlock()
}

// ---- Run lifecycle ----

// TryBeginRun is the single-writer lock for the broadcast executor and
// the termination workflow: exactly one run may be active per process.
// It atomically sets the in-flight flag and resets progress counters.
func (s *Session) TryBeginRun(total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return ErrBusy
	}
	s.inFlight = true
	s.terminate = false
	s.sent = 0
	s.total = total
	return nil
}

// FinishRun clears the in-flight flag. The terminate flag is left
// as-is; the termination workflow resets it via ResetTerminate.
func (s *Session) FinishRun() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Session) RequestTerminate() {
	s.mu.Lock()
	s.terminate = true
	s.mu.Unlock()
}

func (s *Session) ResetTerminate() {
	s.mu.Lock()
	s.terminate = false
	s.mu.Unlock()
}

func (s *Session) TerminateRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminate
}

func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// MarkSent increments the progress counter after all bundle items for
// one recipient succeeded.
func (s *Session) MarkSent() {
	s.mu.Lock()
	if s.sent < s.total {
		s.sent++
	}
	s.mu.Unlock()
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{InFlight: s.inFlight, Terminate: s.terminate, Sent: s.sent, Total: s.total}
}
