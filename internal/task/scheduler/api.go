package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/jobstore"
	"naspanel/internal/storage"
	logx "naspanel/pkg/logx"
)

// Arm registers job's trigger, replacing any trigger with the same id. The
// expression is validated first; on error nothing changes.
func (s *Service) Arm(job jobstore.Job, body Body) error {
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return errs.InvalidSchedule(job.Schedule, "job id required")
	}
	if body == nil {
		return errs.InvalidSchedule(job.Schedule, "job %s has no body", id)
	}
	sched, err := cronspec.Parse(job.Schedule)
	if err != nil {
		return err
	}
	s.armSchedule(id, job.Clone(), sched, body)
	return nil
}

func (s *Service) armSchedule(id string, job jobstore.Job, sched cron.Schedule, body Body) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &def{job: job, body: body, sched: sched, lastRun: job.LastRun}
	if old, ok := s.defs[id]; ok {
		if s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
		// Keep in-memory run facts newer than what the caller loaded.
		if old.lastRun != nil && (d.lastRun == nil || old.lastRun.After(*d.lastRun)) {
			d.lastRun = old.lastRun
		}
		d.lastErr, d.lastDur = old.lastErr, old.lastDur
	}
	s.defs[id] = d
	if s.c != nil {
		s.registerLocked(id, d)
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("job armed",
			logx.String("job", id),
			logx.String("schedule", job.Schedule),
			logx.String("next", previewNext(sched, s.now().In(s.loc), 3)),
		)
	}
}

func (s *Service) registerLocked(id string, d *def) {
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() {
		_ = s.run(s.baseContext(), id, TriggerSchedule)
	}))
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Disarm removes id's trigger. It reports whether a trigger existed; a
// running body is left to finish.
func (s *Service) Disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, id)
	if st := s.states[id]; st != nil && !st.running() {
		delete(s.states, id)
	}
	s.log.Debug("job disarmed", logx.String("job", id))
	return true
}

// RunNow executes id's body immediately and waits for it. The next scheduled
// run is unaffected.
func (s *Service) RunNow(ctx context.Context, id string) error {
	return s.run(ctx, id, TriggerManual)
}

func (s *Service) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[id]
	return ok
}

// Get returns the entry for id.
func (s *Service) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return Entry{}, errs.NotFound("job", id)
	}
	return s.entryLocked(id, d, s.now().In(s.loc)), nil
}

// List returns every armed job sorted by id. NextRun is computed at call time.
func (s *Service) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().In(s.loc)
	out := make([]Entry, 0, len(s.defs))
	for id, d := range s.defs {
		out = append(out, s.entryLocked(id, d, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) entryLocked(id string, d *def, now time.Time) Entry {
	e := Entry{
		ID:           id,
		Name:         d.job.Name,
		Schedule:     d.job.Schedule,
		Kind:         d.job.Kind,
		NextRun:      d.sched.Next(now),
		IsActive:     true,
		LastError:    d.lastErr,
		LastDuration: d.lastDur,
	}
	if d.lastRun != nil {
		t := *d.lastRun
		e.LastRun = &t
	}
	if st, ok := s.states[id]; ok {
		e.Running = st.running()
	}
	return e
}

// History returns up to limit recent runs of id, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]storage.Run, error) {
	if s.history == nil {
		return []storage.Run{}, nil
	}
	return s.history.RecentRuns(ctx, id, limit)
}

func previewNext(sched cron.Schedule, from time.Time, n int) string {
	parts := make([]string, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04 MST"))
	}
	return strings.Join(parts, ", ")
}
