package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"naspanel/internal/eventbus"
	"naspanel/internal/jobstore"
	"naspanel/internal/storage"
	logx "naspanel/pkg/logx"
)

var (
	ErrOverlapSkip = errors.New("job skipped: previous run still in progress")
	ErrStopped     = errors.New("scheduler stopped")
)

// Triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ; empty means cronspec.DefaultTimezone
	// DefaultTimeout bounds every body. 0 leaves timeouts to the job kinds.
	DefaultTimeout time.Duration
}

// Body is the work a trigger performs.
type Body func(ctx context.Context) error

type triggerKey struct{}

// TriggerFrom returns the trigger of the firing that owns ctx, or
// TriggerManual when ctx did not come from the scheduler.
func TriggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok {
		return t
	}
	return TriggerManual
}

// JobSink persists the start time of every attempt.
type JobSink interface {
	Touch(id string, at time.Time) error
}

// RunLog stores finished attempts. storage.Store satisfies it.
type RunLog interface {
	AppendRun(ctx context.Context, r storage.Run) error
	RecentRuns(ctx context.Context, jobID string, limit int) ([]storage.Run, error)
}

// Entry describes one armed job.
type Entry struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Kind         string        `json:"type,omitempty"`
	NextRun      time.Time     `json:"nextRun"`
	LastRun      *time.Time    `json:"lastRun,omitempty"`
	IsActive     bool          `json:"isActive"`
	Running      bool          `json:"running"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"-"`
}

type def struct {
	job     jobstore.Job
	body    Body
	sched   cron.Schedule
	entryID cron.EntryID

	lastRun *time.Time
	lastErr string
	lastDur time.Duration
}

// runState tracks whether a job body is in flight.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *runState) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	bus     eventbus.Bus
	sink    JobSink
	history RunLog
	now     func() time.Time

	c        *cron.Cron
	defs     map[string]*def
	states   map[string]*runState
	stopping bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}
