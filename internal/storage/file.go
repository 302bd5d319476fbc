package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"feedrelay/internal/config"
	"feedrelay/internal/fswatch"
	"feedrelay/internal/model"
	"feedrelay/internal/settings"
	logx "feedrelay/pkg/logx"
)

// document is the on-disk layout of the file driver.
type document struct {
	Tasks    []model.Task                 `json:"tasks" yaml:"tasks"`
	Settings map[string]settings.Settings `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// fileStore keeps tasks and settings in one operator-edited document.
//
// Files:
//   - <path>                       (tasks + settings, JSON or YAML)
//   - <prefix>.seen.snapshot.json  (periodic snapshot)
//   - <prefix>.seen.journal.jsonl  (append-only journal)
type fileStore struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	doc  document
	hash uint64

	seenMu           sync.Mutex
	seenSnapshotPath string
	seenJournal      *os.File
	seen             map[string]int64 // unix milli
	seenWrites       int
}

type seenRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	s := &fileStore{
		path:             path,
		log:              log,
		seenSnapshotPath: prefix + ".seen.snapshot.json",
		seen:             map[string]int64{},
	}
	if _, err := s.reload(); err != nil {
		return nil, err
	}

	journalPath := prefix + ".seen.journal.jsonl"
	_ = loadSeenSnapshot(s.seenSnapshotPath, s.seen)
	_ = replaySeenJournal(journalPath, s.seen)
	pruneExpiredSeen(s.seen, time.Now())
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.seenJournal = jf
	return s, nil
}

// reload re-reads the document. It reports whether the content changed.
// A missing file is an empty document.
func (s *fileStore) reload() (bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		raw = nil
	} else if err != nil {
		return false, err
	}
	h := hashBytes(raw)

	var doc document
	if len(raw) > 0 {
		if err := config.DecodeBytes(s.path, raw, &doc); err != nil {
			return false, fmt.Errorf("%s: %w", s.path, err)
		}
	}
	if err := validateDocument(doc); err != nil {
		return false, fmt.Errorf("%s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h == s.hash && s.doc.Settings != nil {
		return false, nil
	}
	if doc.Settings == nil {
		doc.Settings = map[string]settings.Settings{}
	}
	s.doc = doc
	s.hash = h
	return true, nil
}

func validateDocument(doc document) error {
	ids := make(map[string]struct{}, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if err := ValidateTask(t); err != nil {
			return err
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	for key, st := range doc.Settings {
		if err := st.Validate(); err != nil {
			return fmt.Errorf("settings %q: %w", key, err)
		}
	}
	return nil
}

// Watch reloads the document when it is edited and calls onChange when the
// content actually changed. Invalid edits are logged and ignored.
func (s *fileStore) Watch(ctx context.Context, onChange func()) {
	fswatch.Watch(ctx, s.path, 0, s.log, func() {
		changed, err := s.reload()
		if err != nil {
			s.log.Warn("store file rejected", logx.Err(err))
			return
		}
		if !changed {
			s.log.Debug("store file unchanged")
			return
		}
		s.log.Info("store file reloaded", logx.Int("tasks", s.taskCount()))
		if onChange != nil {
			onChange()
		}
	})
}

func (s *fileStore) taskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doc.Tasks)
}

func (s *fileStore) ActiveTasks(ctx context.Context) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.doc.Tasks))
	for _, t := range s.doc.Tasks {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fileStore) Task(_ context.Context, id string) (model.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.doc.Tasks {
		if t.ID == id {
			return t, true, nil
		}
	}
	return model.Task{}, false, nil
}

func (s *fileStore) PutTask(_ context.Context, t model.Task) error {
	if err := ValidateTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID == t.ID {
			s.doc.Tasks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Tasks = append(s.doc.Tasks, t)
	}
	return s.writeLocked()
}

func (s *fileStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID == id {
			s.doc.Tasks = append(s.doc.Tasks[:i], s.doc.Tasks[i+1:]...)
			return s.writeLocked()
		}
	}
	return ErrNotFound
}

func (s *fileStore) LoadSettings(_ context.Context, key string) (settings.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Settings[key], nil
}

func (s *fileStore) PutSettings(_ context.Context, key string, st settings.Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Settings[key] = st
	return s.writeLocked()
}

// writeLocked replaces the document atomically. The new hash is recorded so
// the watcher does not report our own write as an edit.
func (s *fileStore) writeLocked() error {
	sort.SliceStable(s.doc.Tasks, func(i, j int) bool { return s.doc.Tasks[i].ID < s.doc.Tasks[j].ID })
	var (
		b   []byte
		err error
	)
	if config.IsYAML(s.path) {
		b, err = yaml.Marshal(s.doc)
	} else {
		b, err = json.MarshalIndent(s.doc, "", "  ")
	}
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.hash = hashBytes(b)
	return nil
}

func (s *fileStore) MarkSeen(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seenJournal == nil {
		return ErrClosed
	}
	s.seen[key] = ms
	if err := json.NewEncoder(s.seenJournal).Encode(seenRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.seenWrites++
	if s.seenWrites%1000 == 0 {
		if err := s.compactSeenLocked(); err != nil {
			s.log.Debug("seen compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Seen(_ context.Context, key string) (bool, error) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	ms, ok := s.seen[strings.TrimSpace(key)]
	return ok && ms >= time.Now().UnixMilli(), nil
}

func (s *fileStore) compactSeenLocked() error {
	pruneExpiredSeen(s.seen, time.Now())
	tmp := s.seenSnapshotPath + ".tmp"
	b, err := json.Marshal(s.seen)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.seenSnapshotPath); err != nil {
		return err
	}
	if err := s.seenJournal.Truncate(0); err != nil {
		return err
	}
	_, err = s.seenJournal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seenJournal == nil {
		return nil
	}
	err := s.compactSeenLocked()
	if cerr := s.seenJournal.Close(); err == nil {
		err = cerr
	}
	s.seenJournal = nil
	return err
}

func loadSeenSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replaySeenJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredSeen(m map[string]int64, now time.Time) {
	n := now.UnixMilli()
	for k, v := range m {
		if v < n {
			delete(m, k)
		}
	}
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
