// Package proctrack owns long-running child processes (package installs)
// that outlive the request that started them. Clients follow a process by
// id and receive progress frames until its final frame.
package proctrack

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"naspanel/internal/errs"
	"naspanel/internal/eventbus"
	"naspanel/internal/execx"
	logx "naspanel/pkg/logx"
)

var ErrStopped = errors.New("process tracker stopped")

// Frame statuses. A running process reports StatusRunning.
const (
	StatusRunning   = ""
	StatusSuccess   = "success"
	StatusException = "exception"
)

const CancelledMessage = "Installation cancelled by user"

// Frame is one progress update.
type Frame struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Status   string `json:"status"`
}

func (f Frame) Final() bool { return f.Status == StatusSuccess || f.Status == StatusException }

// Parser turns an output line into a frame. ok=false ignores the line.
type Parser func(line string) (f Frame, ok bool)

// Meta describes a tracked command.
type Meta struct {
	Packages []string
	Parser   Parser
	// Timeout bounds the process; 0 means no bound.
	Timeout time.Duration
}

// Starter spawns streaming processes. *execx.Executor satisfies it.
type Starter interface {
	Start(ctx context.Context, command string, opts execx.Options) (*execx.Process, error)
}

// ActiveProcess is a snapshot of a tracked process.
type ActiveProcess struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Packages  []string  `json:"packages"`
	StartTime time.Time `json:"startTime"`
	PID       int       `json:"pid"`
	Frame     Frame     `json:"frame"`
}

type entry struct {
	info      ActiveProcess
	proc      *execx.Process
	parser    Parser
	subs      map[int]chan Frame
	nextSub   int
	cancelled bool
	done      chan struct{}
}

const subBuffer = 16

type Tracker struct {
	mu      sync.Mutex
	exec    Starter
	log     logx.Logger
	bus     eventbus.Bus
	procs   map[string]*entry
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(exec Starter, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		exec:   exec,
		log:    log.With(logx.String("comp", "proctrack")),
		bus:    bus,
		procs:  map[string]*entry{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches command and returns its id. The process is not bound to
// any request; it ends on exit, Cancel or Shutdown.
func (t *Tracker) Start(command string, meta Meta) (string, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return "", ErrStopped
	}
	t.wg.Add(1)
	t.mu.Unlock()

	timeout := meta.Timeout
	if timeout <= 0 {
		timeout = -1
	}
	proc, err := t.exec.Start(t.ctx, command, execx.Options{Timeout: timeout, Stream: true})
	if err != nil {
		t.wg.Done()
		return "", err
	}
	e := &entry{
		info: ActiveProcess{
			ID:        uuid.NewString(),
			Command:   command,
			Packages:  append([]string{}, meta.Packages...),
			StartTime: proc.Started(),
			PID:       proc.PID(),
			Frame:     Frame{Message: "Starting"},
		},
		proc:   proc,
		parser: meta.Parser,
		subs:   map[int]chan Frame{},
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.procs[e.info.ID] = e
	t.mu.Unlock()

	t.log.Info("process started", logx.String("id", e.info.ID), logx.Int("pid", e.info.PID), logx.String("cmd", command))
	t.publish(eventbus.ProcessStarted, eventbus.ProcessRun{ID: e.info.ID, Command: command})
	go t.follow(e)
	return e.info.ID, nil
}

func (t *Tracker) follow(e *entry) {
	defer t.wg.Done()
	defer close(e.done)

	for line := range e.proc.Lines() {
		if e.parser == nil {
			continue
		}
		f, ok := e.parser(line.Text)
		if !ok || f.Final() {
			continue
		}
		t.mu.Lock()
		if f.Progress < 0 {
			f.Progress = e.info.Frame.Progress
		}
		e.info.Frame = f
		for _, ch := range e.subs {
			select {
			case ch <- f:
			default:
				// slow subscriber; it still gets the latest frame on the next one
			}
		}
		t.mu.Unlock()
	}

	res, err := e.proc.Wait()

	t.mu.Lock()
	final := Frame{Progress: 100, Message: "Completed successfully", Status: StatusSuccess}
	switch {
	case e.cancelled:
		final = Frame{Progress: 0, Message: CancelledMessage, Status: StatusException}
	case err != nil:
		final = Frame{Progress: e.info.Frame.Progress, Message: err.Error(), Status: StatusException}
	}
	e.info.Frame = final
	for id, ch := range e.subs {
		deliverFinal(ch, final)
		close(ch)
		delete(e.subs, id)
	}
	delete(t.procs, e.info.ID)
	t.mu.Unlock()

	t.log.Info("process finished",
		logx.String("id", e.info.ID),
		logx.String("status", final.Status),
		logx.Duration("took", res.Duration),
		logx.Err(err),
	)
	t.publish(eventbus.ProcessFinished, eventbus.ProcessRun{ID: e.info.ID, Command: e.info.Command, Status: final.Status, Duration: res.Duration})
}

// deliverFinal makes room for the last frame so a subscriber always sees it.
func deliverFinal(ch chan Frame, f Frame) {
	for {
		select {
		case ch <- f:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (t *Tracker) publish(typ string, ev eventbus.ProcessRun) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// Get returns a snapshot of a running process.
func (t *Tracker) Get(id string) (ActiveProcess, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.procs[id]
	if !ok {
		return ActiveProcess{}, errs.NotFound("process", id)
	}
	return e.snapshot(), nil
}

func (e *entry) snapshot() ActiveProcess {
	s := e.info
	s.Packages = append([]string{}, e.info.Packages...)
	return s
}

// List returns every running process, oldest first.
func (t *Tracker) List() []ActiveProcess {
	t.mu.Lock()
	out := make([]ActiveProcess, 0, len(t.procs))
	for _, e := range t.procs {
		out = append(out, e.snapshot())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// FindByPackage returns the running process installing pkg.
func (t *Tracker) FindByPackage(pkg string) (ActiveProcess, bool) {
	pkg = strings.TrimSpace(pkg)
	for _, p := range t.List() {
		for _, name := range p.Packages {
			if name == pkg {
				return p, true
			}
		}
	}
	return ActiveProcess{}, false
}

// Subscribe returns the latest frame and a channel of later frames. The
// channel is closed after the final frame; unsubscribe stops delivery
// without affecting the process.
func (t *Tracker) Subscribe(id string) (Frame, <-chan Frame, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.procs[id]
	if !ok {
		return Frame{}, nil, nil, errs.NotFound("process", id)
	}
	ch := make(chan Frame, subBuffer)
	n := e.nextSub
	e.nextSub++
	e.subs[n] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := e.subs[n]; ok {
				delete(e.subs, n)
				close(c)
			}
		})
	}
	return e.info.Frame, ch, unsub, nil
}

// Cancel terminates a process and waits for it to exit.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	t.mu.Lock()
	e, ok := t.procs[id]
	if !ok {
		t.mu.Unlock()
		return errs.NotFound("process", id)
	}
	e.cancelled = true
	t.mu.Unlock()

	t.log.Info("process cancel requested", logx.String("id", id))
	e.proc.Terminate()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of tracked processes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Shutdown refuses new processes, terminates running ones and waits for
// them until ctx ends.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	for _, e := range t.procs {
		e.cancelled = true
	}
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
