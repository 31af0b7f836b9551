package execx

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	logx "naspanel/pkg/logx"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultKillGrace = 3 * time.Second
)

// Config holds executor-wide defaults.
type Config struct {
	DefaultTimeout time.Duration // 0 = DefaultTimeout
	KillGrace      time.Duration // 0 = DefaultKillGrace
	Shell          string        // default "/bin/sh"
	MaxCapture     int           // bytes kept per stream; 0 = 4 MiB
}

// Options tune a single command.
type Options struct {
	// Timeout bounds the run. 0 uses the executor default, negative disables it.
	Timeout   time.Duration
	KillGrace time.Duration
	Dir       string
	Env       []string
	Stdin     io.Reader

	// Stream delivers output on Process.Chunks. The caller must drain the
	// channel until it is closed, or call Process.Detach.
	Stream bool
}

// Result is the structured completion of a command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs shell commands with timeouts and cancellation.
type Executor struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{log: log}
	e.Apply(cfg)
	return e
}

// Apply swaps defaults at runtime. Commands already running keep their settings.
func (e *Executor) Apply(cfg Config) {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxCapture <= 0 {
		cfg.MaxCapture = defaultMaxCapture
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run executes command and waits for it.
//
// On a non-zero exit the returned Result is still populated and the error is a
// *CommandError; tools like smartctl report warnings through exit bits.
func (e *Executor) Run(ctx context.Context, command string, opts Options) (Result, error) {
	opts.Stream = false
	p, err := e.Start(ctx, command, opts)
	if err != nil {
		return Result{Command: command, ExitCode: -1}, err
	}
	return p.Wait()
}

var defaultExecutor = New(Config{}, logx.Nop())

// Run uses a package-level executor with default settings.
func Run(ctx context.Context, command string, opts Options) (Result, error) {
	return defaultExecutor.Run(ctx, command, opts)
}
