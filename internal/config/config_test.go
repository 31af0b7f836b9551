package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"mqtt":{}}`))
	if err == nil || !strings.Contains(err.Error(), "mqtt") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	_, err = Decode("c.json", []byte(`{} {}`))
	if err == nil {
		t.Fatalf("trailing data must be rejected")
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	raw := `
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Warsaw
paths:
  backup_sources: [/etc/nas-panel, /srv/conf]
storage:
  driver: sqlite
  path: /var/lib/naspanel/runs.db
`
	cfg, err := Decode("naspanel.yaml", []byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.Timezone != "Europe/Warsaw" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Paths.BackupSources, []string{"/etc/nas-panel", "/srv/conf"}) {
		t.Fatalf("sources = %v", cfg.Paths.BackupSources)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := &Config{
		Scheduler: SchedulerConfig{Timezone: "UTC", DefaultTimeout: "0s"},
		Exec:      ExecConfig{KillGrace: "2s"},
		Storage:   &StorageConfig{Driver: "file", Path: "/tmp/x"},
		Paths:     PathsConfig{BackupDir: "/var/backups/nas"},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := &Config{
		HTTP:      HTTPConfig{ReadTimeout: "soon"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"},
		Exec:      ExecConfig{KillGrace: "-1s"},
		Storage:   &StorageConfig{Driver: "redis"},
		Paths:     PathsConfig{ComposeDir: "opt/docker"},
	}
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	if err := (&Config{Scheduler: SchedulerConfig{Timezone: "local"}}).Validate(); err == nil || !strings.Contains(err.Error(), "scheduler.timezone") {
		t.Fatalf("host zone must be rejected, got %v", err)
	}
	for _, want := range []string{"http.read_timeout", "scheduler.timezone", "exec.kill_grace", "storage.driver", "paths.compose_dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	if got := Duration("", 5*time.Second); got != 5*time.Second {
		t.Fatalf("empty = %s", got)
	}
	if got := Duration("90s", time.Second); got != 90*time.Second {
		t.Fatalf("90s = %s", got)
	}
	if got := Duration("0s", time.Minute); got != time.Minute {
		t.Fatalf("zero should fall back, got %s", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, HTTP: HTTPConfig{Addr: "127.0.0.1:8088"}}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		HTTP:      HTTPConfig{Addr: "127.0.0.1:9000"},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
		Storage:   &StorageConfig{Driver: "sqlite"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(changed, []string{"http", "logging", "scheduler", "storage"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !reflect.DeepEqual(restart, []string{"http", "storage"}) {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	withPprof := *newCfg
	withPprof.Pprof = PprofConfig{Enabled: true, BlockProfileRate: 1}
	changed, _, restart = SummarizeConfigChange(newCfg, &withPprof)
	if !reflect.DeepEqual(changed, []string{"pprof"}) || !reflect.DeepEqual(restart, []string{"pprof"}) {
		t.Fatalf("pprof change = %v, restart %v", changed, restart)
	}

	changed, _, restart = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 || len(restart) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", changed, restart)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "naspanel.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate() })
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// let the watcher register the directory
	time.Sleep(100 * time.Millisecond)

	write(`{"scheduler":{"timezone":"Nowhere/Void"}}`)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config was published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	write(`{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("got level %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("published config not committed")
	}

	cancel()
	<-done
}
