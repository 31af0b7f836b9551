package app

import (
	"fmt"
	"strings"
	"time"

	"naspanel/internal/api"
	"naspanel/internal/config"
	"naspanel/internal/execx"
	"naspanel/internal/jobs"
	"naspanel/internal/observability/pprof"
	"naspanel/internal/storage"
	"naspanel/internal/task/scheduler"
	"naspanel/internal/updates"
	logx "naspanel/pkg/logx"
)

// The mappers below expect a config that passed Validate.

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Journal: logx.JournalConfig{
			Enabled:    l.Journal.Enabled,
			Identifier: l.Journal.Identifier,
			MinLevel:   l.Journal.MinLevel,
			RatePerSec: l.Journal.RatePerSec,
		},
	}
}

func execConfig(cfg *config.Config) execx.Config {
	return execx.Config{
		DefaultTimeout: config.Duration(cfg.Exec.DefaultTimeout, execx.DefaultTimeout),
		KillGrace:      config.Duration(cfg.Exec.KillGrace, execx.DefaultKillGrace),
		Shell:          strings.TrimSpace(cfg.Exec.Shell),
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		DefaultTimeout: config.Duration(cfg.Scheduler.DefaultTimeout, 0),
	}
}

// storageConfig reports false when run history is disabled.
func storageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: config.Duration(sc.BusyTimeout, time.Second),
		Retention:   config.Duration(sc.Retention, 0),
	}, true, nil
}

func jobsConfig(cfg *config.Config) jobs.Config {
	p := cfg.Paths
	return jobs.Config{
		InstallTimeout:  config.Duration(cfg.Updates.InstallTimeout, 0),
		BackupDir:       p.BackupDir,
		BackupSources:   p.BackupSources,
		DockerBackupDir: p.DockerBackupDir,
		ComposeDir:      p.ComposeDir,
		HelperImage:     cfg.Docker.HelperImage,
		RequireUnit:     strings.TrimSpace(cfg.Docker.RequireUnit),
	}
}

func checkerConfig(cfg *config.Config) updates.CheckerConfig {
	return updates.CheckerConfig{CacheTTL: config.Duration(cfg.Updates.CheckCacheTTL, updates.DefaultCacheTTL)}
}

func apiConfig(cfg *config.Config) api.Config {
	return api.Config{
		Addr:           cfg.HTTP.Addr,
		ReadTimeout:    config.Duration(cfg.HTTP.ReadTimeout, 0),
		WriteTimeout:   config.Duration(cfg.HTTP.WriteTimeout, 0),
		FrameInterval:  config.Duration(cfg.HTTP.FrameInterval, 0),
		MetricsPath:    cfg.Metrics.Path,
		InstallTimeout: config.Duration(cfg.Updates.InstallTimeout, time.Hour),
	}
}

func pprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Prefix:               p.Prefix,
		Token:                strings.TrimSpace(p.Token),
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
}
