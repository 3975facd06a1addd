package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wappsender/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json  (tracked message IDs + excluded groups, rewritten on change)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
//
// The state file is small (one run's worth of message IDs plus the
// exclusion selection) so a full rewrite per mutation is fine.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath string
	auditFile *os.File

	state fileState
}

type fileState struct {
	MessageIDs []string `json:"message_ids"`
	Excluded   []string `json:"excluded_groups"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	statePath := prefix + ".state.json"
	auditPath := prefix + ".audit.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := &fileStore{log: log, statePath: statePath, auditFile: af}
	if err := st.loadState(); err != nil {
		st.log.Warn("state load failed; starting empty", logx.Err(err))
	}
	return st, nil
}

func (s *fileStore) loadState() error {
	f, err := os.Open(s.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(&s.state)
}

// writeStateLocked rewrites the snapshot atomically (tmp + rename).
func (s *fileStore) writeStateLocked() error {
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) AppendMessageID(ctx context.Context, id string) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MessageIDs = append(s.state.MessageIDs, id)
	return s.writeStateLocked()
}

func (s *fileStore) ListMessageIDs(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.state.MessageIDs...), nil
}

func (s *fileStore) ResetMessageIDs(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MessageIDs = nil
	return s.writeStateLocked()
}

func (s *fileStore) AddExcludedGroups(ctx context.Context, ids []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.state.Excluded))
	for _, id := range s.state.Excluded {
		seen[id] = true
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		s.state.Excluded = append(s.state.Excluded, id)
	}
	return s.writeStateLocked()
}

func (s *fileStore) ListExcludedGroups(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.state.Excluded...), nil
}

func (s *fileStore) ResetExcludedGroups(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Excluded = nil
	return s.writeStateLocked()
}

func (s *fileStore) AppendRunAudit(ctx context.Context, e RunAudit) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
