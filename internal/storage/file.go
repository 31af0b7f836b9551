package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "naspanel/pkg/logx"
)

// fileStore appends runs to <path> as JSON Lines and keeps an in-memory
// index per job. Every compactEvery appends the log is rewritten with only
// the retained runs.
type fileStore struct {
	log logx.Logger
	cfg Config

	mu     sync.Mutex
	path   string
	f      *os.File
	byJob  map[string][]Run // oldest first
	writes int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, cfg: cfg, path: path, byJob: map[string][]Run{}}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history replay failed", logx.Err(err))
	}
	s.trimLocked(time.Now())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.JobID == "" {
			continue
		}
		s.byJob[r.JobID] = append(s.byJob[r.JobID], r)
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r Run) error {
	_ = ctx
	if strings.TrimSpace(r.JobID) == "" {
		return nil
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run history closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.byJob[r.JobID] = append(s.byJob[r.JobID], r)
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(time.Now()); err != nil {
			s.log.Debug("run history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, jobID string, limit int) ([]Run, error) {
	_ = ctx
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.byJob[jobID]
	out := make([]Run, 0, min(limit, len(runs)))
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, runs[i])
	}
	return out, nil
}

func (s *fileStore) trimLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.Retention)
	for id, runs := range s.byJob {
		i := sort.Search(len(runs), func(i int) bool { return !runs[i].StartedAt.Before(cutoff) })
		runs = runs[i:]
		if len(runs) > s.cfg.KeepPerJob {
			runs = runs[len(runs)-s.cfg.KeepPerJob:]
		}
		if len(runs) == 0 {
			delete(s.byJob, id)
			continue
		}
		s.byJob[id] = append([]Run(nil), runs...)
	}
}

func (s *fileStore) compactLocked(now time.Time) error {
	s.trimLocked(now)

	all := make([]Run, 0, len(s.byJob)*4)
	for _, runs := range s.byJob {
		all = append(all, runs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	_ = s.f.Close()
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}
