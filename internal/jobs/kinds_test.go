package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naspanel/internal/backup"
	"naspanel/internal/dockerx"
	"naspanel/internal/errs"
	"naspanel/internal/execx"
	"naspanel/internal/jobstore"
	"naspanel/internal/settings"
	logx "naspanel/pkg/logx"
)

type fakeRunner struct {
	mu   sync.Mutex
	cmds []string
	fn   func(cmd string) error
}

func (f *fakeRunner) Run(_ context.Context, cmd string, _ execx.Options) (execx.Result, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(cmd); err != nil {
			return execx.Result{Command: cmd, ExitCode: 2}, err
		}
	}
	return execx.Result{Command: cmd}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

// writeTarget creates the archive a "tar -czf 'path'" command would produce.
func writeTarget(cmd string) error {
	const marker = "-czf '"
	i := strings.Index(cmd, marker)
	if i < 0 {
		return nil
	}
	rest := cmd[i+len(marker):]
	path := rest[:strings.Index(rest, "'")]
	if !filepath.IsAbs(path) {
		return nil
	}
	return os.WriteFile(path, []byte("archive"), 0o644)
}

type fakeDocker struct {
	mu        sync.Mutex
	volumes   []string
	snaps     []dockerx.ContainerSnapshot
	ids       map[string][]string // image -> ids returned by successive ImageID calls
	pullErr   map[string]error
	byImage   map[string][]string
	restarted []string
}

func (f *fakeDocker) VolumeNames(context.Context) ([]string, error) { return f.volumes, nil }

func (f *fakeDocker) ContainerSnapshots(context.Context) ([]dockerx.ContainerSnapshot, error) {
	return f.snaps, nil
}

func (f *fakeDocker) ImageID(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.ids[ref]
	if len(ids) == 0 {
		return "", errors.New("no such image")
	}
	id := ids[0]
	if len(ids) > 1 {
		f.ids[ref] = ids[1:]
	}
	return id, nil
}

func (f *fakeDocker) Pull(_ context.Context, ref string) error { return f.pullErr[ref] }

func (f *fakeDocker) ContainersByImage(_ context.Context, ref string) ([]string, error) {
	return f.byImage[ref], nil
}

func (f *fakeDocker) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	return nil
}

var fixedNow = time.Date(2026, 4, 2, 3, 4, 5, 0, time.UTC)

func newRegistry(t *testing.T, cfg Config, deps Deps) *Registry {
	t.Helper()
	r := NewRegistry(cfg, deps, logx.Nop())
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestBodyRejectsUnknownKindAndEmptyCommand(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, Config{}, Deps{Runner: &fakeRunner{}})
	_, err := r.Body(jobstore.Job{ID: "x", Kind: "reboot"})
	assert.True(t, errs.IsInput(err), "got %v", err)

	_, err = r.Body(jobstore.Job{ID: "x", Command: "   "})
	assert.True(t, errs.IsInput(err), "got %v", err)

	_, err = r.Body(jobstore.Job{ID: "x", Kind: jobstore.KindDockerBackup, Params: json.RawMessage(`{"includes":[]}`)})
	assert.True(t, errs.IsInput(err), "got %v", err)
}

func TestUserCommandPropagatesFailure(t *testing.T) {
	t.Parallel()

	boom := &execx.CommandError{Command: "false", ExitCode: 1, Stderr: "nope"}
	run := &fakeRunner{fn: func(string) error { return boom }}
	r := newRegistry(t, Config{}, Deps{Runner: run})

	body, err := r.Body(jobstore.Job{ID: "a", Command: "false"})
	require.NoError(t, err)
	err = body(context.Background())
	assert.True(t, execx.IsCommand(err))
	assert.Equal(t, []string{"false"}, run.commands())
}

func TestDockerBackupWritesEveryPart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	compose := t.TempDir()
	ts := fixedNow.Format(backupStamp)
	run := &fakeRunner{fn: func(cmd string) error {
		if strings.HasPrefix(cmd, "docker run") {
			return os.WriteFile(filepath.Join(dir, "volumes-"+ts+".tar.gz.partial"), []byte("v"), 0o644)
		}
		return writeTarget(cmd)
	}}
	dk := &fakeDocker{
		volumes: []string{"data", "db"},
		snaps:   []dockerx.ContainerSnapshot{{ID: "c1", Name: "web", Image: "nginx"}},
	}
	r := newRegistry(t, Config{ComposeDir: compose}, Deps{Runner: run, Docker: dk})

	params, _ := json.Marshal(jobstore.DockerBackupParams{Location: dir, Includes: []string{"compose", "VOLUMES", "containers", "compose"}})
	body, err := r.Body(jobstore.Job{ID: "backup_1", Kind: jobstore.KindDockerBackup, Params: params})
	require.NoError(t, err)
	require.NoError(t, body(context.Background()))

	for _, name := range []string{"compose-" + ts + ".tar.gz", "volumes-" + ts + ".tar.gz", "containers-" + ts + ".json"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	partials, _ := filepath.Glob(filepath.Join(dir, "*.partial"))
	assert.Empty(t, partials)

	var docker string
	for _, c := range run.commands() {
		if strings.HasPrefix(c, "docker run") {
			docker = c
		}
	}
	assert.Contains(t, docker, "-v 'data:/volumes/data'")
	assert.Contains(t, docker, "-v 'db:/volumes/db'")
	assert.Contains(t, docker, "'alpine'")
	assert.Len(t, run.commands(), 2)

	b, err := os.ReadFile(filepath.Join(dir, "containers-"+ts+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"web"`)
}

func TestDockerBackupFailureLeavesNoPartial(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	run := &fakeRunner{fn: func(cmd string) error {
		_ = writeTarget(cmd)
		return &execx.CommandError{Command: cmd, ExitCode: 2}
	}}
	r := newRegistry(t, Config{ComposeDir: t.TempDir()}, Deps{Runner: run, Docker: &fakeDocker{}})

	body := r.dockerBackup(jobstore.DockerBackupParams{Location: dir, Includes: []string{PartCompose}})
	err := body(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compose")

	left, _ := filepath.Glob(filepath.Join(dir, "*"))
	assert.Empty(t, left)
}

func TestDockerKindsRequireUnit(t *testing.T) {
	t.Parallel()

	dk := &fakeDocker{pullErr: map[string]error{}}
	r := newRegistry(t, Config{RequireUnit: "docker"}, Deps{
		Runner:     &fakeRunner{},
		Docker:     dk,
		UnitActive: func(context.Context, string) (bool, error) { return false, nil },
	})
	err := r.dockerAutoUpdate([]string{"nginx"})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
	assert.Empty(t, dk.restarted)
}

func TestSystemBackupCompletesAndFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cat := backup.Open(filepath.Join(t.TempDir(), "backups.json"), logx.Nop())
	run := &fakeRunner{fn: writeTarget}
	r := newRegistry(t, Config{BackupDir: dir, BackupSources: []string{"/etc/nas-panel"}}, Deps{Runner: run, Catalog: cat})

	rec, err := r.SystemBackup(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, backup.StatusCompleted, rec.Status)
	assert.True(t, strings.HasPrefix(rec.Name, "backup_2026-04-02T03-04-05"), rec.Name)

	got, err := cat.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.StatusCompleted, got.Status)
	assert.EqualValues(t, len("archive"), got.Size)
	assert.Contains(t, run.commands()[0], "'/etc/nas-panel'")

	run.fn = func(string) error { return &execx.CommandError{Command: "tar", ExitCode: 2} }
	rec, err = r.SystemBackup(context.Background(), "schedule")
	require.Error(t, err)
	got, err = cat.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestSystemUpdateHonoursFlag(t *testing.T) {
	t.Parallel()

	st := settings.Open(filepath.Join(t.TempDir(), "settings.json"), logx.Nop())
	run := &fakeRunner{}
	r := newRegistry(t, Config{}, Deps{Runner: run, Settings: st})

	require.NoError(t, r.systemUpdate(context.Background()))
	assert.Empty(t, run.commands())

	_, err := st.SetUpdates(settings.Updates{AutoUpdate: true, Schedule: "0 4 * * *", UpdateCommand: "apt-get upgrade -y"})
	require.NoError(t, err)
	require.NoError(t, r.systemUpdate(context.Background()))
	assert.Equal(t, []string{"apt-get upgrade -y"}, run.commands())
}

func TestDockerAutoUpdateCollectsErrors(t *testing.T) {
	t.Parallel()

	dk := &fakeDocker{
		ids: map[string][]string{
			"same:latest": {"sha256:a", "sha256:a"},
			"new:latest":  {"sha256:b", "sha256:c"},
		},
		pullErr: map[string]error{"broken:latest": errors.New("manifest unknown")},
		byImage: map[string][]string{"same:latest": {"s1"}, "new:latest": {"n1", "n2"}},
	}
	r := newRegistry(t, Config{}, Deps{Runner: &fakeRunner{}, Docker: dk})

	err := r.dockerAutoUpdate([]string{"broken:latest", "same:latest", "new:latest"})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken:latest")
	assert.ElementsMatch(t, []string{"n1", "n2"}, dk.restarted)
}

func TestNormalizeDockerBackupDefaults(t *testing.T) {
	t.Parallel()

	p, err := NormalizeDockerBackup(jobstore.DockerBackupParams{Includes: []string{"containers"}}, "/var/backups/docker")
	require.NoError(t, err)
	assert.Equal(t, "/var/backups/docker", p.Location)

	_, err = NormalizeDockerBackup(jobstore.DockerBackupParams{Location: "relative", Includes: []string{"compose"}}, "")
	assert.True(t, errs.IsInput(err))
}
