package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/eventbus"
	"naspanel/internal/jobstore"
	"naspanel/internal/storage"
	logx "naspanel/pkg/logx"
)

type fakeSink struct {
	mu      sync.Mutex
	touched map[string][]time.Time
}

func (f *fakeSink) Touch(id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touched == nil {
		f.touched = map[string][]time.Time{}
	}
	f.touched[id] = append(f.touched[id], at)
	return nil
}

func (f *fakeSink) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.touched[id])
}

type fakeLog struct {
	mu   sync.Mutex
	runs []storage.Run
}

func (f *fakeLog) AppendRun(_ context.Context, r storage.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
	return nil
}

func (f *fakeLog) RecentRuns(_ context.Context, id string, limit int) ([]storage.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []storage.Run{}
	for i := len(f.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if f.runs[i].JobID == id {
			out = append(out, f.runs[i])
		}
	}
	return out, nil
}

func newTestService(t *testing.T, tz string) (*Service, *fakeSink, *fakeLog, eventbus.Bus) {
	t.Helper()
	sink, hist, bus := &fakeSink{}, &fakeLog{}, eventbus.New()
	s := New(Config{Timezone: tz}, sink, hist, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, sink, hist, bus
}

func noop(context.Context) error { return nil }

func TestNightlyJobNextRun(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	s.now = func() time.Time { return time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC) }

	require.NoError(t, s.Arm(jobstore.Job{ID: "nightly", Name: "Nightly", Schedule: "0 2 * * *", Command: "true"}, noop))

	e, err := s.Get("nightly")
	require.NoError(t, err)
	assert.True(t, e.IsActive)
	assert.True(t, e.NextRun.Equal(time.Date(2026, 5, 2, 2, 0, 0, 0, time.UTC)), "next = %s", e.NextRun)
	assert.Nil(t, e.LastRun)
}

func TestArmInvalidScheduleChangesNothing(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	s.Start(context.Background())

	require.NoError(t, s.Arm(jobstore.Job{ID: "a", Schedule: "0 2 * * *"}, noop))

	err := s.Arm(jobstore.Job{ID: "a", Schedule: "not a cron"}, noop)
	require.True(t, errs.IsInvalidSchedule(err), "got %v", err)
	e, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", e.Schedule)

	err = s.Arm(jobstore.Job{ID: "b", Schedule: "0 25 * * *"}, noop)
	require.True(t, errs.IsInvalidSchedule(err))
	assert.False(t, s.Has("b"))
	assert.Len(t, s.c.Entries(), 1)
}

func TestReArmKeepsOneTrigger(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	s.Start(context.Background())

	for _, spec := range []string{"0 2 * * *", "0 3 * * *", "0 3 * * *"} {
		require.NoError(t, s.Arm(jobstore.Job{ID: "a", Schedule: spec}, noop))
	}
	assert.Len(t, s.c.Entries(), 1)
	assert.Len(t, s.List(), 1)
	assert.Equal(t, "0 3 * * *", s.List()[0].Schedule)

	assert.True(t, s.Disarm("a"))
	assert.False(t, s.Disarm("a"))
	assert.Empty(t, s.c.Entries())
}

func TestRunNowFailureStillRecordsLastRun(t *testing.T) {
	t.Parallel()

	s, sink, hist, _ := newTestService(t, "UTC")
	boom := errors.New("disk full")
	require.NoError(t, s.Arm(jobstore.Job{ID: "backup", Schedule: "0 2 * * *"}, func(context.Context) error { return boom }))
	before, _ := s.Get("backup")

	err := s.RunNow(context.Background(), "backup")
	require.ErrorIs(t, err, boom)

	e, err := s.Get("backup")
	require.NoError(t, err)
	require.NotNil(t, e.LastRun)
	assert.Equal(t, "disk full", e.LastError)
	assert.True(t, before.NextRun.Equal(e.NextRun), "manual run must not move the next scheduled run")
	assert.Equal(t, 1, sink.count("backup"))

	runs, err := s.History(context.Background(), "backup", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusFailed, runs[0].Status)
	assert.Equal(t, TriggerManual, runs[0].Trigger)
	assert.Len(t, hist.runs, 1)
}

func TestRunNowUnknownJob(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	err := s.RunNow(context.Background(), "ghost")
	assert.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()

	s, sink, _, bus := newTestService(t, "UTC")
	skipped, unsub := bus.Subscribe(4, eventbus.JobSkipped)
	defer unsub()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Arm(jobstore.Job{ID: "slow", Schedule: "* * * * *"}, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	e, _ := s.Get("slow")
	assert.True(t, e.Running)

	err := s.RunNow(context.Background(), "slow")
	require.ErrorIs(t, err, ErrOverlapSkip)
	select {
	case ev := <-skipped:
		assert.Equal(t, "slow", ev.Data.(eventbus.JobRun).JobID)
	case <-time.After(time.Second):
		t.Fatal("no job.skipped event")
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, sink.count("slow"), "skipped firing must not touch lastRun")
}

func TestPanicIsReturnedAsError(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	require.NoError(t, s.Arm(jobstore.Job{ID: "p", Schedule: "* * * * *"}, func(context.Context) error { panic("oops") }))

	err := s.RunNow(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: oops")
	assert.True(t, s.Has("p"), "a failing job stays armed")
}

func TestScheduledFiringRunsBody(t *testing.T) {
	t.Parallel()

	s, sink, _, _ := newTestService(t, "UTC")
	s.Start(context.Background())

	fired := make(chan struct{}, 4)
	s.armSchedule("tick", jobstore.Job{ID: "tick", Schedule: "@every 1s"}, cron.Every(time.Second), func(context.Context) error {
		fired <- struct{}{}
		return nil
	})

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("trigger did not fire")
	}
	require.Eventually(t, func() bool { return sink.count("tick") >= 1 }, time.Second, 10*time.Millisecond)
	e, _ := s.Get("tick")
	assert.NotNil(t, e.LastRun)
}

func TestFailingScheduledBodyStaysArmed(t *testing.T) {
	t.Parallel()

	s, sink, hist, _ := newTestService(t, "UTC")
	s.Start(context.Background())

	fired := make(chan struct{}, 4)
	s.armSchedule("flaky", jobstore.Job{ID: "flaky", Schedule: "@every 1s"}, cron.Every(time.Second), func(context.Context) error {
		fired <- struct{}{}
		return errors.New("disk full")
	})

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(3 * time.Second):
			t.Fatalf("firing %d did not happen", i+1)
		}
	}
	require.Eventually(t, func() bool { return sink.count("flaky") >= 2 }, time.Second, 10*time.Millisecond)
	e, err := s.Get("flaky")
	require.NoError(t, err)
	assert.True(t, e.IsActive)
	assert.NotNil(t, e.LastRun)
	assert.True(t, e.NextRun.After(*e.LastRun), "next run must advance past the failed one")
	require.Eventually(t, func() bool {
		runs, _ := hist.RecentRuns(context.Background(), "flaky", 1)
		return len(runs) == 1 && runs[0].Status == storage.StatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestDisarmDropsIdleRunState(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	require.NoError(t, s.Arm(jobstore.Job{ID: "gone", Schedule: "* * * * *"}, noop))
	require.NoError(t, s.RunNow(context.Background(), "gone"))
	require.True(t, s.Disarm("gone"))

	s.mu.Lock()
	_, left := s.states["gone"]
	s.mu.Unlock()
	assert.False(t, left)

	// a body that outlives Disarm cleans up after itself
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Arm(jobstore.Job{ID: "late", Schedule: "* * * * *"}, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "late") }()
	<-started
	require.True(t, s.Disarm("late"))
	close(release)
	require.NoError(t, <-done)

	s.mu.Lock()
	n := len(s.states)
	s.mu.Unlock()
	assert.Zero(t, n)
}

func TestStopWaitsAndRefusesNewRuns(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	s.Start(context.Background())

	var finished bool
	var mu sync.Mutex
	started := make(chan struct{})
	require.NoError(t, s.Arm(jobstore.Job{ID: "long", Schedule: "* * * * *"}, func(context.Context) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	}))
	go func() { _ = s.RunNow(context.Background(), "long") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	mu.Lock()
	assert.True(t, finished, "Stop returned before the running body finished")
	mu.Unlock()

	assert.ErrorIs(t, s.RunNow(context.Background(), "long"), ErrStopped)
}

func TestStopDeadlineCancelsBodies(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestService(t, "UTC")
	started := make(chan struct{})
	require.NoError(t, s.Arm(jobstore.Job{ID: "stuck", Schedule: "* * * * *"}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	go func() { _ = s.run(s.baseContext(), "stuck", TriggerSchedule) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestUnsetOrBadZoneUsesFixedDefault(t *testing.T) {
	t.Parallel()

	for _, tz := range []string{"", "Mars/Olympus", "local"} {
		s, _, _, _ := newTestService(t, tz)
		assert.Equal(t, cronspec.DefaultTimezone, s.Location().String(), "tz %q", tz)
	}
}

func TestSetTimezoneMovesTriggers(t *testing.T) {
	t.Parallel()

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s, _, _, _ := newTestService(t, "UTC")
	s.Start(context.Background())
	s.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Arm(jobstore.Job{ID: "n", Schedule: "0 2 * * *"}, noop))

	require.NoError(t, s.SetTimezone("Asia/Tokyo"))
	e, err := s.Get("n")
	require.NoError(t, err)
	assert.True(t, e.NextRun.Equal(time.Date(2026, 5, 2, 2, 0, 0, 0, tokyo)), "next = %s", e.NextRun)
	assert.Len(t, s.c.Entries(), 1)

	require.Error(t, s.SetTimezone("Mars/Olympus"))
	assert.Equal(t, "Asia/Tokyo", s.Location().String())
}
