package execx

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	logx "naspanel/pkg/logx"
)

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one read from the child's stdout or stderr.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Line is a complete output line (terminated by '\n' or '\r').
type Line struct {
	Stream Stream
	Text   string
}

var errTimedOut = errors.New("timed out")

// Process is a running child started by Executor.Start.
type Process struct {
	command string
	cmd     *exec.Cmd
	started time.Time
	timeout time.Duration
	grace   time.Duration
	log     logx.Logger

	outPipe io.ReadCloser
	errPipe io.ReadCloser
	stdout  *tailBuffer
	stderr  *tailBuffer

	chunks     chan Chunk
	detach     chan struct{}
	detachOnce sync.Once

	mu       sync.Mutex
	reason   error
	termOnce sync.Once

	done chan struct{}
	res  Result
	err  error
}

// Start spawns command under the configured shell and returns immediately.
// The child is killed when ctx is done or the timeout expires.
func (e *Executor) Start(ctx context.Context, command string, opts Options) (*Process, error) {
	cfg := e.config()
	if strings.TrimSpace(command) == "" {
		return nil, &CommandError{Command: command, ExitCode: -1, Err: errors.New("empty command")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &CommandError{Command: command, ExitCode: -1, Err: err}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = cfg.DefaultTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = cfg.KillGrace
	}

	cmd := exec.Command(cfg.Shell, "-c", command)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdin = opts.Stdin
	setProcessGroup(cmd)

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &CommandError{Command: command, ExitCode: -1, Err: err}
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &CommandError{Command: command, ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Command: command, ExitCode: -1, Err: err}
	}

	p := &Process{
		command: command,
		cmd:     cmd,
		started: time.Now(),
		timeout: timeout,
		grace:   grace,
		log:     e.log,
		outPipe: outPipe,
		errPipe: errPipe,
		stdout:  newTailBuffer(cfg.MaxCapture),
		stderr:  newTailBuffer(cfg.MaxCapture),
		detach:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.Stream {
		p.chunks = make(chan Chunk, 64)
	}
	p.log.Debug("command started", logx.String("cmd", shorten(command, 200)), logx.Int("pid", cmd.Process.Pid), logx.Duration("timeout", timeout))

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(outPipe, Stdout, p.stdout, &readers)
	go p.pump(errPipe, Stderr, p.stderr, &readers)
	go p.watch(ctx)
	go func() {
		readers.Wait()
		if p.chunks != nil {
			close(p.chunks)
		}
		p.finish(cmd.Wait())
	}()
	return p, nil
}

func (p *Process) pump(r io.Reader, stream Stream, capture *tailBuffer, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			_, _ = capture.Write(data)
			if p.chunks != nil {
				select {
				case p.chunks <- Chunk{Stream: stream, Data: data}:
				case <-p.detach:
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) watch(ctx context.Context) {
	var timer <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.stop(ctx.Err())
	case <-timer:
		p.stop(errTimedOut)
	}
}

// stop records why the process is being stopped and escalates SIGTERM -> SIGKILL.
func (p *Process) stop(reason error) {
	select {
	case <-p.done:
		return
	default:
	}

	p.mu.Lock()
	if p.reason == nil {
		p.reason = reason
	}
	p.mu.Unlock()

	p.termOnce.Do(func() {
		_ = signalGroup(p.cmd, sigTerm)
		go func() {
			t := time.NewTimer(p.grace)
			defer t.Stop()
			select {
			case <-p.done:
				return
			case <-t.C:
			}
			p.log.Warn("process ignored SIGTERM; killing", logx.Int("pid", p.PID()), logx.Duration("grace", p.grace))
			_ = signalGroup(p.cmd, sigKill)

			t.Reset(p.grace)
			select {
			case <-p.done:
				return
			case <-t.C:
			}
			// Something outside the group still holds our pipes.
			_ = p.outPipe.Close()
			_ = p.errPipe.Close()
		}()
	})
}

func (p *Process) finish(waitErr error) {
	res := Result{
		Command:  p.command,
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		ExitCode: -1,
		Duration: time.Since(p.started),
	}
	if p.cmd.ProcessState != nil {
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	reason := p.reason
	p.mu.Unlock()

	var err error
	switch {
	case errors.Is(reason, errTimedOut):
		err = &TimeoutError{Command: p.command, After: p.timeout, Stdout: res.Stdout, Stderr: res.Stderr}
	case reason != nil:
		err = &CommandError{Command: p.command, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: reason}
	case waitErr != nil:
		ce := &CommandError{Command: p.command, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			ce.Err = waitErr
		}
		err = ce
	}

	p.res = res
	p.err = err
	close(p.done)

	p.log.Debug("command finished",
		logx.String("cmd", shorten(p.command, 200)),
		logx.Int("exit", res.ExitCode),
		logx.Duration("took", res.Duration),
		logx.Err(err),
	)
}

// Wait blocks until the process exits and its output is fully captured.
func (p *Process) Wait() (Result, error) {
	<-p.done
	return p.res, p.err
}

// Terminate asks the process group to exit (SIGTERM, then SIGKILL after the grace period).
// It does not wait; call Wait for that. Safe to call more than once.
func (p *Process) Terminate() { p.stop(ErrTerminated) }

// Detach stops delivering chunks; output is still captured for Wait.
func (p *Process) Detach() { p.detachOnce.Do(func() { close(p.detach) }) }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Command() string    { return p.command }
func (p *Process) Started() time.Time { return p.started }

// Chunks returns the output stream when Options.Stream was set, otherwise nil.
func (p *Process) Chunks() <-chan Chunk { return p.chunks }

// Lines splits Chunks into lines. The channel closes once output ends.
func (p *Process) Lines() <-chan Line {
	out := make(chan Line, 64)
	if p.chunks == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		var so, se lineSplitter
		emitter := func(stream Stream) func(string) {
			return func(s string) {
				select {
				case out <- Line{Stream: stream, Text: s}:
				case <-p.detach:
				}
			}
		}
		for c := range p.chunks {
			if c.Stream == Stderr {
				se.feed(c.Data, emitter(Stderr))
			} else {
				so.feed(c.Data, emitter(Stdout))
			}
		}
		so.flush(emitter(Stdout))
		se.flush(emitter(Stderr))
	}()
	return out
}
