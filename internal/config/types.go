package config

// Config is the process configuration file. Durations are Go duration
// strings ("500ms", "10s", "12h"); empty or zero means the default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Exec      ExecConfig      `json:"exec"`
	Paths     PathsConfig     `json:"paths"`
	Docker    DockerConfig    `json:"docker"`
	Updates   UpdatesConfig   `json:"updates"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   MetricsConfig   `json:"metrics"`
	Systemd   SystemdConfig   `json:"systemd"`
	Pprof     PprofConfig     `json:"pprof"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingJournal controls the journald sink.
type LoggingJournal struct {
	Enabled    bool   `json:"enabled"`
	Identifier string `json:"identifier,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the API listener.
//
// Security note: the API has no authentication of its own. Keep it on
// loopback and put it behind the panel's reverse proxy.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8088"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// FrameInterval throttles install progress frames per stream.
	FrameInterval string `json:"frame_interval,omitempty"`
}

// SchedulerConfig controls job triggers.
type SchedulerConfig struct {
	// Timezone is an IANA name; empty means Europe/Warsaw. The host zone is
	// never used.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout bounds bodies whose kind sets no timeout. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type ExecConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"` // default 30s
	KillGrace      string `json:"kill_grace,omitempty"`      // default 3s
	Shell          string `json:"shell,omitempty"`           // default /bin/sh
}

// PathsConfig locates every document and directory the core touches.
type PathsConfig struct {
	JobsFile        string   `json:"jobs_file,omitempty"`
	SettingsFile    string   `json:"settings_file,omitempty"`
	BackupCatalog   string   `json:"backup_catalog,omitempty"`
	AutoUpdateFile  string   `json:"auto_update_file,omitempty"`
	BackupDir       string   `json:"backup_dir,omitempty"`
	BackupSources   []string `json:"backup_sources,omitempty"`
	DockerBackupDir string   `json:"docker_backup_dir,omitempty"`
	ComposeDir      string   `json:"compose_dir,omitempty"`
}

type DockerConfig struct {
	Host string `json:"host,omitempty"`
	// RequireUnit skips docker jobs while this systemd unit is not active.
	RequireUnit    string `json:"require_unit,omitempty"`
	HelperImage    string `json:"helper_image,omitempty"`
	RestartTimeout int    `json:"restart_timeout,omitempty"` // seconds
}

type UpdatesConfig struct {
	CheckCacheTTL  string `json:"check_cache_ttl,omitempty"` // default 12h
	InstallTimeout string `json:"install_timeout,omitempty"` // default 1h
}

// StorageConfig controls the run history store. Nil or driver "none"
// disables history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/naspanel/runs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default: "/metrics"
}

// PprofConfig controls the optional profiler listener. The profiling rates
// apply on reload; the listener itself needs a restart.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix               string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify readiness and the watchdog.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// Default paths.
const (
	DefaultJobsFile       = "/etc/nas-panel/cron-jobs.json"
	DefaultSettingsFile   = "/etc/nas-panel/settings.json"
	DefaultBackupCatalog  = "/etc/nas-panel/backups.json"
	DefaultAutoUpdateFile = "/etc/nas-panel/docker-auto-update.json"
)

// WithDefaults fills the document paths that were left empty. Directory
// defaults belong to the job registry.
func (p PathsConfig) WithDefaults() PathsConfig {
	if p.JobsFile == "" {
		p.JobsFile = DefaultJobsFile
	}
	if p.SettingsFile == "" {
		p.SettingsFile = DefaultSettingsFile
	}
	if p.BackupCatalog == "" {
		p.BackupCatalog = DefaultBackupCatalog
	}
	if p.AutoUpdateFile == "" {
		p.AutoUpdateFile = DefaultAutoUpdateFile
	}
	return p
}
