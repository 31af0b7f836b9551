package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"naspanel/internal/backup"
	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/jobstore"
	"naspanel/internal/settings"
	"naspanel/internal/storage"
	"naspanel/internal/task/scheduler"
	logx "naspanel/pkg/logx"
)

// Scheduler is the trigger surface the service drives. *scheduler.Service
// satisfies it.
type Scheduler interface {
	Arm(job jobstore.Job, body scheduler.Body) error
	Disarm(id string) bool
	RunNow(ctx context.Context, id string) error
	Get(id string) (scheduler.Entry, error)
	List() []scheduler.Entry
	History(ctx context.Context, id string, limit int) ([]storage.Run, error)
}

// Documents are the files the system jobs are derived from.
type Documents struct {
	Catalog    *backup.Catalog
	Settings   *settings.Store
	AutoUpdate *settings.AutoUpdateStore
}

// Service keeps the job file and the scheduler in agreement. Mutations are
// serialized so a create racing a delete cannot leave a trigger without a
// row or the reverse.
type Service struct {
	mu    sync.Mutex
	store *jobstore.Store
	sched Scheduler
	reg   *Registry
	docs  Documents
	log   logx.Logger
	now   func() time.Time

	// manual backups run detached from the request that started them
	bg     context.Context
	stopBg context.CancelFunc
	bgWG   sync.WaitGroup
	closed bool
}

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("jobs service closed")

func NewService(store *jobstore.Store, sched Scheduler, reg *Registry, docs Documents, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	bg, stop := context.WithCancel(context.Background())
	return &Service{
		store:  store,
		sched:  sched,
		reg:    reg,
		docs:   docs,
		log:    log.With(logx.String("comp", "jobs")),
		now:    time.Now,
		bg:     bg,
		stopBg: stop,
	}
}

// Input is the user-editable part of a job.
type Input struct {
	Name        string          `json:"name"`
	Schedule    string          `json:"schedule"`
	Command     string          `json:"command"`
	Description string          `json:"description"`
	Kind        string          `json:"type,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// View is a job as listed: the persisted fields plus scheduler state.
type View struct {
	jobstore.Job
	NextRun   *time.Time `json:"nextRun,omitempty"`
	IsActive  bool       `json:"isActive"`
	Running   bool       `json:"running"`
	LastError string     `json:"lastError,omitempty"`
}

// Restore arms every persisted user job. Jobs that cannot be armed are
// logged and left in the file; system jobs are handled by SyncSystemJobs.
func (s *Service) Restore() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.store.Load()
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, job := range list {
		if jobstore.IsReserved(job.ID) {
			continue
		}
		if err := s.armLocked(job); err != nil {
			s.log.Warn("job not armed", logx.String("job", job.ID), logx.String("schedule", job.Schedule), logx.Err(err))
			continue
		}
		armed++
	}
	s.log.Info("jobs restored", logx.Int("armed", armed), logx.Int("total", len(list)))
	return armed, nil
}

func (s *Service) armLocked(job jobstore.Job) error {
	body, err := s.reg.Body(job)
	if err != nil {
		return err
	}
	return s.sched.Arm(job, body)
}

func (in Input) job(id string) (jobstore.Job, error) {
	sched := strings.TrimSpace(in.Schedule)
	if err := cronspec.Validate(sched); err != nil {
		return jobstore.Job{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "New Cron Job"
	}
	kind := strings.TrimSpace(in.Kind)
	switch kind {
	case jobstore.KindCommand, jobstore.KindDockerBackup:
	default:
		return jobstore.Job{}, errs.Input("type", "type %q cannot be created here", kind)
	}
	return jobstore.Job{
		ID:          id,
		Name:        name,
		Schedule:    sched,
		Command:     strings.TrimSpace(in.Command),
		Kind:        kind,
		Params:      in.Params,
		Description: strings.TrimSpace(in.Description),
	}, nil
}

// Create validates in, arms it and persists it.
func (s *Service) Create(in Input) (jobstore.Job, error) {
	job, err := in.job(uuid.NewString())
	if err != nil {
		return jobstore.Job{}, err
	}
	return job, s.add(job)
}

func (s *Service) add(job jobstore.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.armLocked(job); err != nil {
		return err
	}
	if err := s.store.Upsert(job); err != nil {
		s.sched.Disarm(job.ID)
		return err
	}
	s.log.Info("job created", logx.String("job", job.ID), logx.String("schedule", job.Schedule))
	return nil
}

// Update replaces a user job. On a persistence failure the previous trigger
// is restored.
func (s *Service) Update(id string, in Input) (jobstore.Job, error) {
	if jobstore.IsReserved(id) {
		return jobstore.Job{}, errs.Input("id", "system jobs are changed through their settings")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.store.Get(id)
	if err != nil {
		return jobstore.Job{}, err
	}
	if in.Kind == "" {
		in.Kind = old.Kind
	}
	if len(in.Params) == 0 {
		in.Params = old.Params
	}
	job, err := in.job(id)
	if err != nil {
		return jobstore.Job{}, err
	}
	job.LastRun = old.LastRun
	if err := s.armLocked(job); err != nil {
		return jobstore.Job{}, err
	}
	if err := s.store.Upsert(job); err != nil {
		if rerr := s.armLocked(old); rerr != nil {
			s.sched.Disarm(id)
		}
		return jobstore.Job{}, err
	}
	s.log.Info("job updated", logx.String("job", id), logx.String("schedule", job.Schedule))
	return job, nil
}

// Delete disarms and removes a user job.
func (s *Service) Delete(id string) error {
	if jobstore.IsReserved(id) {
		return errs.Input("id", "system jobs are disabled through their settings")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.store.Delete(id)
	if err != nil {
		return err
	}
	armed := s.sched.Disarm(id)
	if !found && !armed {
		return errs.NotFound("job", id)
	}
	s.log.Info("job deleted", logx.String("job", id))
	return nil
}

// RunNow fires id synchronously through the scheduler's run guard.
func (s *Service) RunNow(ctx context.Context, id string) error {
	return s.sched.RunNow(ctx, id)
}

// List returns every persisted job merged with scheduler state, sorted by id.
func (s *Service) List() ([]View, error) {
	list, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	entries := map[string]scheduler.Entry{}
	for _, e := range s.sched.List() {
		entries[e.ID] = e
	}
	out := make([]View, 0, len(list))
	for _, job := range list {
		out = append(out, merge(job, entries))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one job merged with scheduler state.
func (s *Service) Get(id string) (View, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return View{}, err
	}
	entries := map[string]scheduler.Entry{}
	if e, err := s.sched.Get(id); err == nil {
		entries[id] = e
	}
	return merge(job, entries), nil
}

func merge(job jobstore.Job, entries map[string]scheduler.Entry) View {
	v := View{Job: job}
	e, ok := entries[job.ID]
	if !ok {
		return v
	}
	if !e.NextRun.IsZero() {
		n := e.NextRun
		v.NextRun = &n
	}
	if e.LastRun != nil && (v.LastRun == nil || e.LastRun.After(*v.LastRun)) {
		t := *e.LastRun
		v.LastRun = &t
	}
	v.IsActive, v.Running, v.LastError = e.IsActive, e.Running, e.LastError
	return v
}

// History returns recent runs of id, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]storage.Run, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}
	return s.sched.History(ctx, id, limit)
}

// DockerBackupInput schedules a docker backup.
type DockerBackupInput struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Location string   `json:"location"`
	Includes []string `json:"includes"`
}

// CreateDockerBackup arms and persists a docker-backup job.
func (s *Service) CreateDockerBackup(in DockerBackupInput) (jobstore.Job, error) {
	if err := cronspec.Validate(in.Schedule); err != nil {
		return jobstore.Job{}, err
	}
	p, err := NormalizeDockerBackup(jobstore.DockerBackupParams{Location: in.Location, Includes: in.Includes}, s.reg.Config().DockerBackupDir)
	if err != nil {
		return jobstore.Job{}, err
	}
	params, err := json.Marshal(p)
	if err != nil {
		return jobstore.Job{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Docker Backup"
	}
	job := jobstore.Job{
		ID:          fmt.Sprintf("backup_%d", s.now().UnixMilli()),
		Name:        name,
		Schedule:    strings.TrimSpace(in.Schedule),
		Kind:        jobstore.KindDockerBackup,
		Params:      params,
		Description: "Automatic Docker backup job",
	}
	return job, s.add(job)
}

// DockerBackups lists the docker-backup jobs.
func (s *Service) DockerBackups() ([]View, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if v.Kind == jobstore.KindDockerBackup {
			out = append(out, v)
		}
	}
	return out, nil
}

// DeleteDockerBackup removes a docker-backup job; other ids are not found.
func (s *Service) DeleteDockerBackup(id string) error {
	job, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if job.Kind != jobstore.KindDockerBackup {
		return errs.NotFound("backup job", id)
	}
	return s.Delete(id)
}

// BackupNow starts a system backup outside the schedule and returns its
// in_progress record. The archive is written in the background and the
// catalog entry settles when it finishes.
func (s *Service) BackupNow() (backup.Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return backup.Record{}, ErrClosed
	}
	s.bgWG.Add(1)
	s.mu.Unlock()

	rec, err := s.reg.BeginSystemBackup(scheduler.TriggerManual)
	if err != nil {
		s.bgWG.Done()
		return rec, err
	}
	go func() {
		defer s.bgWG.Done()
		if _, err := s.reg.FinishSystemBackup(s.bg, rec); err != nil {
			s.log.Warn("manual backup failed", logx.String("backup", rec.ID), logx.Err(err))
		}
	}()
	return rec, nil
}

// Close refuses new background work and waits for running backups. When
// ctx ends first they are cancelled, marked failed, and ctx's error is
// returned.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stopBg()
		return nil
	case <-ctx.Done():
		s.stopBg()
		<-done
		return ctx.Err()
	}
}

// SyncSystemJobs derives the three system jobs from their documents and
// arms or disarms each. Every job is attempted; errors are joined.
func (s *Service) SyncSystemJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.syncBackupLocked(), s.syncUpdatesLocked(), s.syncAutoUpdateLocked())
}

func (s *Service) syncBackupLocked() error {
	if s.docs.Catalog == nil {
		return nil
	}
	sched, err := s.docs.Catalog.Schedule()
	if err != nil {
		return err
	}
	job := jobstore.Job{
		ID:          jobstore.SystemBackupID,
		Name:        "System backup",
		Kind:        jobstore.KindSystemBackup,
		Description: "Scheduled backup of the panel configuration",
		IsSystemJob: true,
	}
	if sched.Enabled() {
		d, err := cronspec.FromBackupSchedule(sched)
		if err != nil {
			return err
		}
		if job.Schedule, err = d.Cron(); err != nil {
			return err
		}
	}
	return s.applySystemLocked(job, sched.Enabled())
}

func (s *Service) syncUpdatesLocked() error {
	if s.docs.Settings == nil {
		return nil
	}
	u, err := s.docs.Settings.Updates()
	if err != nil {
		return err
	}
	expr, err := u.Cron()
	if err != nil {
		return err
	}
	job := jobstore.Job{
		ID:          jobstore.SystemUpdateID,
		Name:        "System updates",
		Schedule:    expr,
		Command:     u.UpdateCommand,
		Kind:        jobstore.KindSystemUpdate,
		Description: "Automatic system package updates",
		IsSystemJob: true,
	}
	return s.applySystemLocked(job, u.AutoUpdate)
}

func (s *Service) syncAutoUpdateLocked() error {
	if s.docs.AutoUpdate == nil {
		return nil
	}
	a, err := s.docs.AutoUpdate.Load()
	if err != nil {
		return err
	}
	expr, err := cronspec.FromAutoUpdate(a).Cron()
	if err != nil {
		return err
	}
	params, err := json.Marshal(AutoUpdateParams{Images: a.Images})
	if err != nil {
		return err
	}
	job := jobstore.Job{
		ID:          jobstore.DockerAutoUpdateID,
		Name:        "Docker image auto-update",
		Schedule:    expr,
		Kind:        jobstore.KindDockerAutoUpdate,
		Params:      params,
		Description: "Pull selected images and restart their containers",
		IsSystemJob: true,
	}
	return s.applySystemLocked(job, a.Enabled)
}

// applySystemLocked persists job and arms it when enabled. A disabled job
// keeps its row, and its last known schedule when none is derived.
func (s *Service) applySystemLocked(job jobstore.Job, enabled bool) error {
	if !enabled {
		s.sched.Disarm(job.ID)
		if job.Schedule == "" {
			if old, err := s.store.Get(job.ID); err == nil {
				job.Schedule = old.Schedule
			}
		}
		return s.store.Upsert(job)
	}
	if err := s.armLocked(job); err != nil {
		return fmt.Errorf("%s: %w", job.ID, err)
	}
	if err := s.store.Upsert(job); err != nil {
		return err
	}
	s.log.Debug("system job armed", logx.String("job", job.ID), logx.String("schedule", job.Schedule))
	return nil
}

// SetBackupSchedule saves the system backup schedule and re-arms its job.
func (s *Service) SetBackupSchedule(in cronspec.BackupSchedule) (cronspec.BackupSchedule, View, error) {
	if s.docs.Catalog == nil {
		return in, View{}, fmt.Errorf("backup catalog is not configured")
	}
	saved, err := s.docs.Catalog.SetSchedule(in)
	if err != nil {
		return saved, View{}, err
	}
	s.mu.Lock()
	err = s.syncBackupLocked()
	s.mu.Unlock()
	if err != nil {
		return saved, View{}, err
	}
	v, err := s.Get(jobstore.SystemBackupID)
	return saved, v, err
}

// SetUpdates saves the system update policy and re-arms its job.
func (s *Service) SetUpdates(in settings.Updates) (settings.Updates, error) {
	if s.docs.Settings == nil {
		return in, fmt.Errorf("settings store is not configured")
	}
	saved, err := s.docs.Settings.SetUpdates(in)
	if err != nil {
		return saved, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return saved, s.syncUpdatesLocked()
}

// SetAutoUpdate saves the docker image auto-update document and re-arms its job.
func (s *Service) SetAutoUpdate(in cronspec.AutoUpdate) (cronspec.AutoUpdate, error) {
	if s.docs.AutoUpdate == nil {
		return in, fmt.Errorf("auto-update store is not configured")
	}
	saved, err := s.docs.AutoUpdate.Save(in)
	if err != nil {
		return saved, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return saved, s.syncAutoUpdateLocked()
}
