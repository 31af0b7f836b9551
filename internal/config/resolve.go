package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"naspanel/internal/cronspec"
)

// ParseDurationField parses a duration option; empty is 0 and negatives are
// rejected. path names the option in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks every field that cannot be caught by decoding: duration
// strings, the timezone, the storage driver and absolute paths.
func (c *Config) Validate() error {
	var problems []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			problems = append(problems, err)
		}
	}
	check("http.read_timeout", c.HTTP.ReadTimeout)
	check("http.write_timeout", c.HTTP.WriteTimeout)
	check("http.frame_interval", c.HTTP.FrameInterval)
	check("scheduler.default_timeout", c.Scheduler.DefaultTimeout)
	check("exec.default_timeout", c.Exec.DefaultTimeout)
	check("exec.kill_grace", c.Exec.KillGrace)
	check("updates.check_cache_ttl", c.Updates.CheckCacheTTL)
	check("updates.install_timeout", c.Updates.InstallTimeout)

	if _, err := cronspec.LoadLocation(c.Scheduler.Timezone); err != nil {
		problems = append(problems, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			problems = append(problems, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		check("storage.busy_timeout", s.BusyTimeout)
		check("storage.retention", s.Retention)
	}
	for _, dir := range []struct{ path, v string }{
		{"paths.backup_dir", c.Paths.BackupDir},
		{"paths.docker_backup_dir", c.Paths.DockerBackupDir},
		{"paths.compose_dir", c.Paths.ComposeDir},
	} {
		if dir.v != "" && !filepath.IsAbs(dir.v) {
			problems = append(problems, fmt.Errorf("%s: must be an absolute path", dir.path))
		}
	}
	return errors.Join(problems...)
}

// Duration returns a validated duration option, or def when it is unset.
// Call it only on a config that passed Validate.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
