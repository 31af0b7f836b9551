package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"naspanel/internal/errs"
	"naspanel/internal/eventbus"
	"naspanel/internal/execx"
	"naspanel/internal/storage"
	logx "naspanel/pkg/logx"
)

// run is the single execution path for scheduled and manual firings:
// run guard, lastRun, body under recovery, events, history.
func (s *Service) run(ctx context.Context, id, trigger string) error {
	s.mu.Lock()
	d, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound("job", id)
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	st := s.states[id]
	if st == nil {
		st = &runState{}
		s.states[id] = st
	}
	body, kind := d.body, d.job.Kind
	timeout := s.cfg.DefaultTimeout
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	log := s.log.With(logx.String("job", id), logx.String("trigger", trigger))
	ev := eventbus.JobRun{JobID: id, Kind: kind, Trigger: trigger}

	if !st.tryAcquire() {
		log.Warn("job.skipped", logx.Err(ErrOverlapSkip))
		s.publish(eventbus.JobSkipped, ev)
		s.record(storage.Run{JobID: id, Trigger: trigger, StartedAt: s.now(), Status: storage.StatusSkipped, Error: ErrOverlapSkip.Error()})
		return ErrOverlapSkip
	}
	defer s.release(id, st)

	start := s.now()
	s.markStart(id, start)
	if s.sink != nil {
		if err := s.sink.Touch(id, start); err != nil {
			log.Warn("lastRun not persisted", logx.Err(err))
		}
	}
	log.Debug("job.started")
	s.publish(eventbus.JobStarted, ev)

	runCtx := context.WithValue(ctx, triggerKey{}, trigger)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}
	err := s.invoke(runCtx, log, body)
	dur := time.Since(start)
	s.markEnd(id, err, dur)

	ev.Duration, ev.Err = dur, err
	run := storage.Run{JobID: id, Trigger: trigger, StartedAt: start, TookMS: dur.Milliseconds(), Status: storage.StatusOK}
	if err != nil {
		run.Status, run.Error = storage.StatusFailed, err.Error()
		fields := []logx.Field{logx.Err(err), logx.Duration("dur", dur)}
		if stdout, stderr, ok := execx.Output(err); ok {
			fields = append(fields, logx.String("stdout", stdout), logx.String("stderr", stderr))
		}
		log.Warn("job.failed", fields...)
		s.publish(eventbus.JobFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			log.Info("job.completed", logx.Duration("dur", dur))
		} else {
			log.Debug("job.completed", logx.Duration("dur", dur))
		}
		s.publish(eventbus.JobFinished, ev)
	}
	s.record(run)
	return err
}

// invoke converts a body panic into an error so one bad job cannot take the
// process down.
func (s *Service) invoke(ctx context.Context, log logx.Logger, body Body) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return body(ctx)
}

// release frees the run guard and drops it once the job is gone.
func (s *Service) release(id string, st *runState) {
	st.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, armed := s.defs[id]; !armed && s.states[id] == st && !st.running() {
		delete(s.states, id)
	}
}

func (s *Service) markStart(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.defs[id]; ok {
		t := at
		d.lastRun = &t
	}
}

func (s *Service) markEnd(id string, err error, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return
	}
	d.lastDur = dur
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
}

func (s *Service) publish(typ string, ev eventbus.JobRun) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func (s *Service) record(r storage.Run) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.history.AppendRun(ctx, r); err != nil {
		s.log.Debug("run history append failed", logx.String("job", r.JobID), logx.Err(err))
	}
}
