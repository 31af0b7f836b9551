package config

import (
	"reflect"
	"sort"
	"strings"

	logx "naspanel/pkg/logx"
)

// Sections applied to a running process without restart.
var liveSections = map[string]bool{
	"logging":   true,
	"scheduler": true,
	"exec":      true,
}

// SummarizeConfigChange returns the changed sections, safe attrs for the
// reload log line, and the changed sections that only take effect after a
// restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed = make([]string, 0, 4)
	attrs = make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.journal", newCfg.Logging.Journal.Enabled),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
		)
	}
	if oldCfg.Exec != newCfg.Exec {
		changed = append(changed, "exec")
		attrs = append(attrs,
			logx.String("exec.default_timeout", strings.TrimSpace(newCfg.Exec.DefaultTimeout)),
			logx.String("exec.kill_grace", strings.TrimSpace(newCfg.Exec.KillGrace)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Paths, newCfg.Paths) {
		changed = append(changed, "paths")
	}
	if oldCfg.Docker != newCfg.Docker {
		changed = append(changed, "docker")
		attrs = append(attrs,
			logx.Bool("docker.host_set", strings.TrimSpace(newCfg.Docker.Host) != ""),
			logx.String("docker.require_unit", newCfg.Docker.RequireUnit),
		)
	}
	if oldCfg.Updates != newCfg.Updates {
		changed = append(changed, "updates")
	}
	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		s := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	sort.Strings(changed)
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
