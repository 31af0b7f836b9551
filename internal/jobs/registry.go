// Package jobs turns persisted jobs into scheduler bodies and keeps the job
// file, the scheduler and the system job documents in step.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"naspanel/internal/backup"
	"naspanel/internal/dockerx"
	"naspanel/internal/errs"
	"naspanel/internal/execx"
	"naspanel/internal/jobstore"
	"naspanel/internal/settings"
	"naspanel/internal/task/scheduler"
	logx "naspanel/pkg/logx"
)

// Runner runs shell commands. *execx.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, command string, opts execx.Options) (execx.Result, error)
}

// DockerAPI is the engine surface used by the docker kinds. *dockerx.Client
// satisfies it.
type DockerAPI interface {
	VolumeNames(ctx context.Context) ([]string, error)
	ContainerSnapshots(ctx context.Context) ([]dockerx.ContainerSnapshot, error)
	ImageID(ctx context.Context, ref string) (string, error)
	Pull(ctx context.Context, ref string) error
	ContainersByImage(ctx context.Context, ref string) ([]string, error)
	Restart(ctx context.Context, id string) error
}

// UnitCheck reports whether a systemd unit is active.
type UnitCheck func(ctx context.Context, unit string) (bool, error)

// Config holds the paths and limits the kinds run with.
type Config struct {
	CommandTimeout  time.Duration // 0 uses the runner default
	InstallTimeout  time.Duration // system update command; default 1h
	BackupTimeout   time.Duration // tar and docker run; default 2h
	BackupDir       string        // system backups; default /var/backups/nas
	BackupSources   []string      // default /etc/nas-panel
	DockerBackupDir string        // default /var/backups/docker
	ComposeDir      string        // default /opt/docker
	HelperImage     string        // image used to archive volumes; default alpine
	RequireUnit     string        // docker kinds fail fast when this unit is inactive
}

func (c Config) withDefaults() Config {
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = time.Hour
	}
	if c.BackupTimeout <= 0 {
		c.BackupTimeout = 2 * time.Hour
	}
	if strings.TrimSpace(c.BackupDir) == "" {
		c.BackupDir = "/var/backups/nas"
	}
	if len(c.BackupSources) == 0 {
		c.BackupSources = []string{"/etc/nas-panel"}
	}
	if strings.TrimSpace(c.DockerBackupDir) == "" {
		c.DockerBackupDir = "/var/backups/docker"
	}
	if strings.TrimSpace(c.ComposeDir) == "" {
		c.ComposeDir = "/opt/docker"
	}
	if strings.TrimSpace(c.HelperImage) == "" {
		c.HelperImage = "alpine"
	}
	return c
}

// Deps are the collaborators of the kinds. Docker and UnitActive may be nil.
type Deps struct {
	Runner     Runner
	Docker     DockerAPI
	Catalog    *backup.Catalog
	Settings   *settings.Store
	UnitActive UnitCheck
}

// Registry resolves a job into the body of its kind.
type Registry struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time
}

func NewRegistry(cfg Config, deps Deps, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log.With(logx.String("comp", "jobs")),
		now:  time.Now,
	}
}

func (r *Registry) Config() Config { return r.cfg }

// Body returns the work for job. Params are decoded and checked here so a
// bad job is refused at arm time rather than at its first firing.
func (r *Registry) Body(job jobstore.Job) (scheduler.Body, error) {
	switch job.Kind {
	case jobstore.KindCommand:
		cmd := strings.TrimSpace(job.Command)
		if cmd == "" {
			return nil, errs.Input("command", "command is required")
		}
		return r.userCommand(job.ID, cmd), nil
	case jobstore.KindDockerBackup:
		p, err := r.dockerBackupParams(job)
		if err != nil {
			return nil, err
		}
		return r.dockerBackup(p), nil
	case jobstore.KindSystemBackup:
		return func(ctx context.Context) error {
			_, err := r.SystemBackup(ctx, scheduler.TriggerFrom(ctx))
			return err
		}, nil
	case jobstore.KindSystemUpdate:
		return r.systemUpdate, nil
	case jobstore.KindDockerAutoUpdate:
		var p AutoUpdateParams
		if err := jobstore.Decode(job, &p); err != nil {
			return nil, errs.Input("params", "%v", err)
		}
		return r.dockerAutoUpdate(p.Images), nil
	default:
		return nil, errs.Input("type", "unknown job type %q", job.Kind)
	}
}

func (r *Registry) docker(ctx context.Context) (DockerAPI, error) {
	if r.deps.Docker == nil {
		return nil, fmt.Errorf("docker is not available")
	}
	if unit := strings.TrimSpace(r.cfg.RequireUnit); unit != "" && r.deps.UnitActive != nil {
		ok, err := r.deps.UnitActive(ctx, unit)
		if err != nil {
			return nil, fmt.Errorf("check unit %s: %w", unit, err)
		}
		if !ok {
			return nil, fmt.Errorf("unit %s is not active", unit)
		}
	}
	return r.deps.Docker, nil
}

// userCommand runs a job's shell command.
func (r *Registry) userCommand(id, command string) scheduler.Body {
	return func(ctx context.Context) error {
		res, err := r.deps.Runner.Run(ctx, command, execx.Options{Timeout: r.cfg.CommandTimeout})
		if err != nil {
			return err
		}
		if r.log.Enabled(logx.LevelDebug) {
			r.log.Debug("command finished",
				logx.String("job", id),
				logx.Int("exit", res.ExitCode),
				logx.String("stdout", tail(res.Stdout, 512)),
			)
		}
		return nil
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
