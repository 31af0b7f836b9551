// Package jobstore persists the job list as one JSON array on disk.
//
// Every writer (HTTP handlers and scheduled firings alike) goes through
// Mutate, which holds the per-file lock for the whole read-modify-write, so
// concurrent updates never drop each other's changes.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"naspanel/internal/errs"
	"naspanel/internal/jsonfile"
	logx "naspanel/pkg/logx"
)

type Store struct {
	path string
	log  logx.Logger
	now  func() time.Time
}

func Open(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		path: path,
		log:  log.With(logx.String("comp", "jobstore")),
		now:  time.Now,
	}
}

func (s *Store) Path() string { return s.path }

// Load returns every persisted job. A missing file is created as [] and a
// corrupt one is set aside and treated as empty.
func (s *Store) Load() ([]Job, error) {
	mu := jsonfile.Lock(s.path)
	mu.Lock()
	defer mu.Unlock()
	return s.loadLocked(true)
}

func (s *Store) loadLocked(create bool) ([]Job, error) {
	var jobs []Job
	err := jsonfile.ReadLocked(s.path, &jobs)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		if create {
			if werr := jsonfile.WriteLocked(s.path, []Job{}); werr != nil {
				return nil, werr
			}
		}
		return []Job{}, nil
	case isParse(err):
		s.quarantine(err)
		return []Job{}, nil
	default:
		return nil, err
	}
	if jobs == nil {
		jobs = []Job{}
	}
	for i := range jobs {
		jobs[i].normalize()
	}
	return jobs, nil
}

// quarantine keeps a copy of an unreadable job file so the next save does
// not destroy it.
func (s *Store) quarantine(cause error) {
	dst := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, dst); err != nil {
		s.log.Warn("job file is corrupt; treating as empty", logx.Err(cause), logx.String("path", s.path))
		return
	}
	s.log.Warn("job file is corrupt; treating as empty", logx.Err(cause), logx.String("path", s.path), logx.String("moved_to", dst))
}

func isParse(err error) bool {
	var pe *errs.PersistenceError
	return errors.As(err, &pe) && pe.Op == "parse"
}

// SaveAll rewrites the whole file with jobs.
func (s *Store) SaveAll(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	return jsonfile.Write(s.path, jobs)
}

// Mutate runs fn over the current list and persists its result atomically
// with respect to other writers of the same file.
func (s *Store) Mutate(fn func([]Job) ([]Job, error)) error {
	mu := jsonfile.Lock(s.path)
	mu.Lock()
	defer mu.Unlock()

	jobs, err := s.loadLocked(false)
	if err != nil {
		return err
	}
	next, err := fn(jobs)
	if err != nil {
		return err
	}
	if next == nil {
		next = []Job{}
	}
	return jsonfile.WriteLocked(s.path, next)
}

// Get returns the persisted job with id.
func (s *Store) Get(id string) (Job, error) {
	jobs, err := s.Load()
	if err != nil {
		return Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, errs.NotFound("job", id)
}

// Upsert replaces the job with the same id or appends it. A LastRun already
// on disk is kept when job carries none.
func (s *Store) Upsert(job Job) error {
	job.normalize()
	return s.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == job.ID {
				if job.LastRun == nil {
					job.LastRun = jobs[i].LastRun
				}
				jobs[i] = job
				return jobs, nil
			}
		}
		return append(jobs, job), nil
	})
}

// Delete removes id and reports whether it was present.
func (s *Store) Delete(id string) (bool, error) {
	found := false
	err := s.Mutate(func(jobs []Job) ([]Job, error) {
		out := jobs[:0]
		for _, j := range jobs {
			if j.ID == id {
				found = true
				continue
			}
			out = append(out, j)
		}
		return out, nil
	})
	return found, err
}

// Touch records the start of a run. Unknown ids are ignored; the job may
// have been deleted while it was firing.
func (s *Store) Touch(id string, at time.Time) error {
	return s.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == id {
				t := at.UTC()
				jobs[i].LastRun = &t
				break
			}
		}
		return jobs, nil
	})
}

// MigrateLegacy copies the cronJobs array of the settings document into the
// job file when the job file does not exist yet. It returns how many jobs
// were copied; running it again is a no-op.
func (s *Store) MigrateLegacy(settingsPath string) (int, error) {
	mu := jsonfile.Lock(s.path)
	mu.Lock()
	defer mu.Unlock()

	if jsonfile.Exists(s.path) {
		return 0, nil
	}
	var doc struct {
		CronJobs []Job `json:"cronJobs"`
	}
	if err := jsonfile.Read(settingsPath, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		s.log.Warn("legacy settings unreadable; skipping job migration", logx.Err(err))
		return 0, nil
	}
	if len(doc.CronJobs) == 0 {
		return 0, nil
	}
	for i := range doc.CronJobs {
		doc.CronJobs[i].normalize()
	}
	if err := jsonfile.WriteLocked(s.path, doc.CronJobs); err != nil {
		return 0, err
	}
	s.log.Info("migrated legacy jobs", logx.Int("count", len(doc.CronJobs)), logx.String("from", settingsPath))
	return len(doc.CronJobs), nil
}

// Decode unmarshals a job's Params into v. Empty params leave v untouched.
func Decode(job Job, v any) error {
	if len(job.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Params, v); err != nil {
		return fmt.Errorf("job %s params: %w", job.ID, err)
	}
	return nil
}
