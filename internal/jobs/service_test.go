package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naspanel/internal/backup"
	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/execx"
	"naspanel/internal/jobstore"
	"naspanel/internal/settings"
	"naspanel/internal/task/scheduler"
	logx "naspanel/pkg/logx"
)

type harness struct {
	svc   *Service
	store *jobstore.Store
	sched *scheduler.Service
	run   *fakeRunner
	docs  Documents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store := jobstore.Open(filepath.Join(dir, "cron-jobs.json"), logx.Nop())
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, store, nil, logx.Nop(), nil)
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	docs := Documents{
		Catalog:    backup.Open(filepath.Join(dir, "backups.json"), logx.Nop()),
		Settings:   settings.Open(filepath.Join(dir, "settings.json"), logx.Nop()),
		AutoUpdate: settings.OpenAutoUpdate(filepath.Join(dir, "auto-update.json"), logx.Nop()),
	}
	run := &fakeRunner{}
	reg := NewRegistry(Config{BackupDir: filepath.Join(dir, "bk")}, Deps{
		Runner:   run,
		Docker:   &fakeDocker{},
		Catalog:  docs.Catalog,
		Settings: docs.Settings,
	}, logx.Nop())
	return &harness{
		svc:   NewService(store, sched, reg, docs, logx.Nop()),
		store: store,
		sched: sched,
		run:   run,
		docs:  docs,
	}
}

func TestCreateArmsAndPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job, err := h.svc.Create(Input{Name: " Nightly ", Schedule: "0 2 * * *", Command: "echo hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "Nightly", job.Name)

	views, err := h.svc.List()
	require.NoError(t, err)
	require.Len(t, views, 1)
	v := views[0]
	assert.True(t, v.IsActive)
	require.NotNil(t, v.NextRun)
	assert.True(t, v.NextRun.After(time.Now()))
	assert.Equal(t, 0, v.NextRun.Minute())
	assert.Equal(t, 2, v.NextRun.Hour())
}

func TestCreateInvalidScheduleLeavesNoTrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.Create(Input{Name: "bad", Schedule: "every day", Command: "true"})
	assert.True(t, errs.IsInvalidSchedule(err), "got %v", err)

	_, err = h.svc.Create(Input{Name: "empty", Schedule: "* * * * *"})
	assert.True(t, errs.IsInput(err), "got %v", err)

	views, err := h.svc.List()
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Empty(t, h.sched.List())
}

func TestUpdateReArmsKeepingLastRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job, err := h.svc.Create(Input{Schedule: "0 2 * * *", Command: "true"})
	require.NoError(t, err)
	require.NoError(t, h.svc.RunNow(context.Background(), job.ID))

	updated, err := h.svc.Update(job.ID, Input{Name: "Renamed", Schedule: "30 4 * * *", Command: "true"})
	require.NoError(t, err)
	assert.NotNil(t, updated.LastRun)

	e, err := h.sched.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "30 4 * * *", e.Schedule)
	assert.Len(t, h.sched.List(), 1)

	_, err = h.svc.Update("ghost", Input{Schedule: "* * * * *", Command: "true"})
	assert.True(t, errs.IsNotFound(err))
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job, err := h.svc.Create(Input{Schedule: "0 2 * * *", Command: "true"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(job.ID))
	assert.False(t, h.sched.Has(job.ID))
	assert.True(t, errs.IsNotFound(h.svc.Delete(job.ID)))
	assert.True(t, errs.IsInput(h.svc.Delete(jobstore.SystemBackupID)))
}

func TestRunNowFailureStillPersistsLastRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.run.fn = func(string) error { return &execx.CommandError{Command: "false", ExitCode: 1} }
	job, err := h.svc.Create(Input{Schedule: "0 2 * * *", Command: "false"})
	require.NoError(t, err)

	err = h.svc.RunNow(context.Background(), job.ID)
	assert.True(t, execx.IsCommand(err))

	stored, err := h.store.Get(job.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRun)

	assert.True(t, errs.IsNotFound(h.svc.RunNow(context.Background(), "ghost")))
}

func TestRestoreSkipsBrokenJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.store.SaveAll([]jobstore.Job{
		{ID: "ok", Schedule: "0 1 * * *", Command: "true"},
		{ID: "bad", Schedule: "nope", Command: "true"},
		{ID: jobstore.SystemUpdateID, Schedule: "0 0 * * *", Kind: jobstore.KindSystemUpdate, IsSystemJob: true},
	}))
	n, err := h.svc.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.sched.Has("ok"))
	assert.False(t, h.sched.Has("bad"))

	views, err := h.svc.List()
	require.NoError(t, err)
	assert.Len(t, views, 3)
}

func TestSyncSystemJobsDefaultsAreInactive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.svc.SyncSystemJobs())

	views, err := h.svc.List()
	require.NoError(t, err)
	require.Len(t, views, 3)
	for _, v := range views {
		assert.True(t, v.IsSystemJob, v.ID)
		assert.False(t, v.IsActive, v.ID)
		assert.Nil(t, v.NextRun, v.ID)
	}
	assert.Empty(t, h.sched.List())
}

func TestSystemDocumentsReArm(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.svc.SyncSystemJobs())

	_, err := h.svc.SetAutoUpdate(cronspec.AutoUpdate{Enabled: true, Schedule: "weekly", Time: "02:00", Images: []string{"nginx:latest"}})
	require.NoError(t, err)
	e, err := h.sched.Get(jobstore.DockerAutoUpdateID)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * 1", e.Schedule)

	_, v, err := h.svc.SetBackupSchedule(cronspec.BackupSchedule{Type: "daily", DailyTime: "03:30", Retention: "7d"})
	require.NoError(t, err)
	assert.True(t, v.IsActive)
	assert.Equal(t, "30 3 * * *", v.Schedule)

	_, v, err = h.svc.SetBackupSchedule(cronspec.BackupSchedule{Type: "disabled"})
	require.NoError(t, err)
	assert.False(t, v.IsActive)
	assert.Equal(t, "30 3 * * *", v.Schedule, "disabled job keeps its last schedule")
	assert.False(t, h.sched.Has(jobstore.SystemBackupID))

	_, err = h.svc.SetUpdates(settings.Updates{AutoUpdate: true, Schedule: "15 5 * * 0"})
	require.NoError(t, err)
	e, err = h.sched.Get(jobstore.SystemUpdateID)
	require.NoError(t, err)
	assert.Equal(t, "15 5 * * 0", e.Schedule)

	_, err = h.svc.SetUpdates(settings.Updates{AutoUpdate: true, Schedule: "bogus"})
	assert.True(t, errs.IsInvalidSchedule(err))
	e, err = h.sched.Get(jobstore.SystemUpdateID)
	require.NoError(t, err)
	assert.Equal(t, "15 5 * * 0", e.Schedule, "rejected update leaves the trigger alone")
}

func TestUpdatesDescriptorRearmsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	saved, err := h.svc.SetUpdates(settings.Updates{AutoUpdate: true, Frequency: "weekly", Time: "03:00", Day: "monday"})
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * 1", saved.Schedule)
	e, err := h.sched.Get(jobstore.SystemUpdateID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * 1", e.Schedule)

	_, err = h.svc.SetUpdates(settings.Updates{AutoUpdate: true, Frequency: "daily", Time: "04:30"})
	require.NoError(t, err)
	e, err = h.sched.Get(jobstore.SystemUpdateID)
	require.NoError(t, err)
	assert.Equal(t, "30 4 * * *", e.Schedule, "changed descriptor re-derives the trigger")

	// A stale schedule next to a descriptor never wins.
	_, err = h.svc.SetUpdates(settings.Updates{AutoUpdate: true, Schedule: "1 1 1 1 *", Frequency: "monthly", Time: "05:00", Day: "2"})
	require.NoError(t, err)
	e, err = h.sched.Get(jobstore.SystemUpdateID)
	require.NoError(t, err)
	assert.Equal(t, "0 5 2 * *", e.Schedule)
}

func TestDockerBackupSchedules(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.CreateDockerBackup(DockerBackupInput{Schedule: "0 3 * * *"})
	assert.True(t, errs.IsInput(err), "got %v", err)

	job, err := h.svc.CreateDockerBackup(DockerBackupInput{Schedule: "0 3 * * *", Includes: []string{"volumes"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ID, "backup_"))
	assert.Equal(t, "Docker Backup", job.Name)

	var p jobstore.DockerBackupParams
	require.NoError(t, jobstore.Decode(job, &p))
	assert.Equal(t, "/var/backups/docker", p.Location)

	user, err := h.svc.Create(Input{Schedule: "0 2 * * *", Command: "true"})
	require.NoError(t, err)

	list, err := h.svc.DockerBackups()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, job.ID, list[0].ID)

	assert.True(t, errs.IsNotFound(h.svc.DeleteDockerBackup(user.ID)))
	require.NoError(t, h.svc.DeleteDockerBackup(job.ID))
	assert.False(t, h.sched.Has(job.ID))
}

func TestBackupNowFinishesInBackground(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gate := make(chan struct{})
	h.run.fn = func(cmd string) error {
		<-gate
		return writeTarget(cmd)
	}

	rec, err := h.svc.BackupNow()
	require.NoError(t, err)
	assert.Equal(t, backup.StatusInProgress, rec.Status)
	got, err := h.docs.Catalog.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.StatusInProgress, got.Status)

	close(gate)
	require.Eventually(t, func() bool {
		got, err := h.docs.Catalog.Get(rec.ID)
		return err == nil && got.Status == backup.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Close(ctx))
	_, err = h.svc.BackupNow()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWaitsForRunningBackup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gate := make(chan struct{})
	h.run.fn = func(cmd string) error {
		<-gate
		return errors.New("tar: disk full")
	}
	rec, err := h.svc.BackupNow()
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- h.svc.Close(context.Background()) }()
	select {
	case err := <-closed:
		t.Fatalf("Close returned before the backup finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(gate)
	require.NoError(t, <-closed)

	got, err := h.docs.Catalog.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.StatusFailed, got.Status)
}
