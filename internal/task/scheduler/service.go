package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"naspanel/internal/cronspec"
	"naspanel/internal/eventbus"
	logx "naspanel/pkg/logx"
)

func New(cfg Config, sink JobSink, history RunLog, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		sink:    sink,
		history: history,
		now:     time.Now,
		defs:    map[string]*def{},
		states:  map[string]*runState{},
		baseCtx: ctx,
		cancel:  cancel,
	}
	loc, err := cronspec.LoadLocation(cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; using default", logx.String("tz", cfg.Timezone), logx.String("default", cronspec.DefaultTimezone), logx.Err(err))
		loc, _ = cronspec.LoadLocation("")
	}
	s.loc = loc
	return s
}

// Location is the fixed location every trigger is evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start begins triggering. Jobs armed before Start are registered now.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if s.stopping {
		s.baseCtx, s.cancel = context.WithCancel(context.Background())
		s.stopping = false
	}
	s.c = s.newCronLocked()
	for id, d := range s.defs {
		s.registerLocked(id, d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(cron.WithParser(cronspec.Parser), cron.WithLocation(s.loc))
}

// Stop halts triggering, refuses new runs and waits for running bodies.
// When ctx ends first the bodies are cancelled and ctx's error is returned.
func (s *Service) Stop(ctx context.Context) error {
	start := s.now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopping = true
	for _, d := range s.defs {
		d.entryID = 0
	}
	cancel := s.cancel
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		s.log.Warn("stop timed out; cancelling running jobs", logx.Duration("took", time.Since(start)))
		<-done
		return ctx.Err()
	}
	cancel()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// SetTimezone moves every trigger to tz. An unknown zone is rejected and the
// current location is kept.
func (s *Service) SetTimezone(tz string) error {
	loc, err := cronspec.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Timezone = tz
	if loc.String() == s.loc.String() {
		return nil
	}
	s.loc = loc
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// Apply swaps the config at runtime. A timezone change re-registers every trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	s.mu.Unlock()

	if strings.TrimSpace(cfg.Timezone) != oldTZ {
		if err := s.SetTimezone(cfg.Timezone); err != nil {
			s.log.Warn("timezone change rejected", logx.Err(err))
		}
	}
}

// restartLocked swaps in a cron bound to s.loc. Running bodies are tracked by
// s.inflight, so the old cron is not waited on here.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.c = s.newCronLocked()
	for id, d := range s.defs {
		d.entryID = 0
		s.registerLocked(id, d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultTimeout
}
