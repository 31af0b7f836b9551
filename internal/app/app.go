// Package app wires the panel core together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"naspanel/internal/api"
	"naspanel/internal/backup"
	"naspanel/internal/config"
	"naspanel/internal/dockerx"
	"naspanel/internal/eventbus"
	"naspanel/internal/execx"
	"naspanel/internal/jobs"
	"naspanel/internal/jobstore"
	"naspanel/internal/metrics"
	"naspanel/internal/observability/pprof"
	"naspanel/internal/proctrack"
	"naspanel/internal/runtime/supervisor"
	"naspanel/internal/settings"
	"naspanel/internal/storage"
	"naspanel/internal/task/scheduler"
	"naspanel/internal/updates"
	logx "naspanel/pkg/logx"
	"naspanel/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager

	// cfg is owned by the config.reload goroutine once Start returns.
	cfg    *config.Config
	notify bool
	sup    *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec    *execx.Executor
	docker  *dockerx.Client
	sched   *scheduler.Service
	jobs    *jobs.Service
	tracker *proctrack.Tracker
	metrics *metrics.Metrics
	http    *api.Server
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, cfg: cfg, notify: cfg.Systemd.Notify, log: log, logs: logSvc, bus: bus}
	if err := a.build(root); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) build(root logx.Logger) error {
	cfg := a.cfg

	if sc, enabled, err := storageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		a.store = st
		a.log.Info("run history enabled", logx.String("driver", sc.Driver))
	}

	a.exec = execx.New(execConfig(cfg), root)

	paths := cfg.Paths.WithDefaults()
	jobFile := jobstore.Open(paths.JobsFile, root)
	if _, err := jobFile.MigrateLegacy(paths.SettingsFile); err != nil {
		return fmt.Errorf("migrate legacy jobs: %w", err)
	}
	catalog := backup.Open(paths.BackupCatalog, root)
	settingsDoc := settings.Open(paths.SettingsFile, root)
	autoUpdate := settings.OpenAutoUpdate(paths.AutoUpdateFile, root)

	deps := jobs.Deps{Runner: a.exec, Catalog: catalog, Settings: settingsDoc, UnitActive: systemd.IsActive}
	if dc, err := dockerx.New(dockerx.Config{Host: cfg.Docker.Host, RestartTimeout: cfg.Docker.RestartTimeout}, root); err != nil {
		a.log.Warn("docker unavailable; docker jobs will fail", logx.Err(err))
	} else {
		a.docker = dc
		deps.Docker = dc
	}
	reg := jobs.NewRegistry(jobsConfig(cfg), deps, root)

	var history scheduler.RunLog
	if a.store != nil {
		history = a.store
	}
	a.sched = scheduler.New(schedulerConfig(cfg), jobFile, history, root, a.bus)
	a.jobs = jobs.NewService(jobFile, a.sched, reg, jobs.Documents{Catalog: catalog, Settings: settingsDoc, AutoUpdate: autoUpdate}, root)

	a.tracker = proctrack.New(a.exec, root, a.bus)
	checker := updates.NewChecker(a.exec, checkerConfig(cfg), root)

	hd := api.Deps{
		Jobs:       a.jobs,
		Catalog:    catalog,
		Settings:   settingsDoc,
		AutoUpdate: autoUpdate,
		Tracker:    a.tracker,
		Checker:    checker,
		Health:     a.health,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.MustNew(prometheus.NewRegistry(), a.bus)
		hd.Metrics = a.metrics.Handler()
	}
	a.http = api.New(apiConfig(cfg), hd, root)
	return nil
}

func (a *App) health() any {
	if a.sup == nil {
		return nil
	}
	return a.sup.Status()
}

// Done is closed when the supervisor context ends, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start arms the persisted and system jobs, then starts the HTTP server,
// the config watcher and the optional systemd and metrics loops.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if _, err := a.jobs.Restore(); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	if err := a.jobs.SyncSystemJobs(); err != nil {
		// a bad settings document must not keep user jobs from running
		a.log.Warn("system jobs not fully synced", logx.Err(err))
	}
	a.sched.Start(ctx)

	a.sup.Go("http", a.http.Serve)

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return cfg.Validate() })
	reloads := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(reloads)
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-reloads:
				if !ok {
					return nil
				}
				a.apply(next)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if a.metrics != nil {
		a.sup.GoRestart("metrics", func(c context.Context) error {
			return a.metrics.Run(c, a.bus, a.log.With(logx.String("comp", "metrics")))
		})
	}
	pp := pprofConfig(cfg)
	pprof.ApplyRates(pp)
	if pp.Enabled {
		a.sup.GoRestart("pprof", func(c context.Context) error {
			err := pprof.Serve(c, pp, a.log.With(logx.String("comp", "pprof")))
			if errors.Is(err, pprof.ErrInsecureBind) {
				// already logged; retrying cannot fix the config
				return nil
			}
			return err
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", systemd.Watchdog)
	}
	if cfg.Systemd.Notify {
		if ok, err := systemd.Ready(); err != nil {
			a.log.Warn("sd_notify READY failed", logx.Err(err))
		} else if ok {
			a.log.Debug("sd_notify READY sent")
		}
	}

	a.log.Info("app started", logx.String("addr", cfg.HTTP.Addr), logx.String("tz", a.sched.Location().String()))
	return nil
}

// apply hot-reloads the live sections and reports the rest.
func (a *App) apply(cfg *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(a.cfg, cfg)
	a.cfg = cfg
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range changed {
		switch s {
		case "logging":
			a.logs.Apply(logConfig(cfg))
		case "scheduler":
			a.sched.Apply(schedulerConfig(cfg))
		case "exec":
			a.exec.Apply(execConfig(cfg))
		case "pprof":
			pprof.ApplyRates(pprofConfig(cfg))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("restart required to apply config", logx.String("sections", strings.Join(restart, ",")))
	}
}

// Stop shuts down in dependency order: HTTP, tracked processes, the
// scheduler (waiting for running jobs), storage, then logging.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.notify {
		_, _ = systemd.Stopping()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("http", 5*time.Second, a.http.Shutdown)
	step("tracker", 5*time.Second, a.tracker.Shutdown)
	step("scheduler", 30*time.Second, a.sched.Stop)
	step("backups", 30*time.Second, a.jobs.Close)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.closeStorage() })
	if a.docker != nil {
		_ = a.docker.Close()
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// closeEarly releases what New opened when Start never ran.
func (a *App) closeEarly() {
	_ = a.closeStorage()
	if a.docker != nil {
		_ = a.docker.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
