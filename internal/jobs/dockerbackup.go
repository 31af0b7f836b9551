package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"naspanel/internal/errs"
	"naspanel/internal/execx"
	"naspanel/internal/jobstore"
	"naspanel/internal/task/scheduler"
	logx "naspanel/pkg/logx"
)

// Docker backup parts.
const (
	PartCompose    = "compose"
	PartVolumes    = "volumes"
	PartContainers = "containers"
)

const backupStamp = "2006-01-02T15-04-05"

// NormalizeDockerBackup fills the default location, lowercases and dedupes
// includes and rejects unknown parts.
func NormalizeDockerBackup(p jobstore.DockerBackupParams, defaultDir string) (jobstore.DockerBackupParams, error) {
	p.Location = strings.TrimSpace(p.Location)
	if p.Location == "" {
		p.Location = defaultDir
	}
	if !filepath.IsAbs(p.Location) {
		return p, errs.Input("location", "must be an absolute path")
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(p.Includes))
	for _, inc := range p.Includes {
		inc = strings.ToLower(strings.TrimSpace(inc))
		switch inc {
		case PartCompose, PartVolumes, PartContainers:
		default:
			return p, errs.Input("includes", "unknown part %q", inc)
		}
		if !seen[inc] {
			seen[inc] = true
			out = append(out, inc)
		}
	}
	if len(out) == 0 {
		return p, errs.Input("includes", "select at least one of compose, volumes, containers")
	}
	p.Includes = out
	return p, nil
}

func (r *Registry) dockerBackupParams(job jobstore.Job) (jobstore.DockerBackupParams, error) {
	var p jobstore.DockerBackupParams
	if err := jobstore.Decode(job, &p); err != nil {
		return p, errs.Input("params", "%v", err)
	}
	return NormalizeDockerBackup(p, r.cfg.DockerBackupDir)
}

// dockerBackup archives the selected parts into p.Location. Parts run
// concurrently; each one writes a .partial file and renames it when done.
func (r *Registry) dockerBackup(p jobstore.DockerBackupParams) scheduler.Body {
	return func(ctx context.Context) error {
		dk, err := r.docker(ctx)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(p.Location, 0o755); err != nil {
			return fmt.Errorf("create backup dir: %w", err)
		}
		ts := r.now().Format(backupStamp)
		log := r.log.With(logx.String("location", p.Location), logx.String("ts", ts))

		g, gctx := errgroup.WithContext(ctx)
		for _, part := range p.Includes {
			g.Go(func() error {
				var err error
				switch part {
				case PartCompose:
					err = r.backupCompose(gctx, p.Location, ts)
				case PartVolumes:
					err = r.backupVolumes(gctx, dk, p.Location, ts)
				case PartContainers:
					err = r.backupContainers(gctx, dk, p.Location, ts)
				}
				if err != nil {
					return fmt.Errorf("%s: %w", part, err)
				}
				log.Debug("docker backup part done", logx.String("part", part))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		log.Info("docker backup completed", logx.Any("includes", p.Includes))
		return nil
	}
}

// commit renames partial to final, or removes partial when err is set.
func commit(partial, final string, err error) error {
	if err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return nil
}

func (r *Registry) backupCompose(ctx context.Context, dir, ts string) error {
	if _, err := os.Stat(r.cfg.ComposeDir); err != nil {
		return fmt.Errorf("compose dir: %w", err)
	}
	final := filepath.Join(dir, "compose-"+ts+".tar.gz")
	partial := final + ".partial"
	cmd := fmt.Sprintf("tar -czf %s -C %s .", shellQuote(partial), shellQuote(r.cfg.ComposeDir))
	_, err := r.deps.Runner.Run(ctx, cmd, execx.Options{Timeout: r.cfg.BackupTimeout})
	return commit(partial, final, err)
}

func (r *Registry) backupVolumes(ctx context.Context, dk DockerAPI, dir, ts string) error {
	names, err := dk.VolumeNames(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		r.log.Info("no docker volumes to back up")
		return nil
	}
	name := "volumes-" + ts + ".tar.gz"
	final := filepath.Join(dir, name)
	partial := final + ".partial"

	var b strings.Builder
	b.WriteString("docker run --rm")
	for _, v := range names {
		fmt.Fprintf(&b, " -v %s", shellQuote(v+":/volumes/"+v))
	}
	fmt.Fprintf(&b, " -v %s %s sh -c %s",
		shellQuote(dir+":/backup"),
		shellQuote(r.cfg.HelperImage),
		shellQuote("tar -czf /backup/"+name+".partial -C /volumes ."),
	)
	_, err = r.deps.Runner.Run(ctx, b.String(), execx.Options{Timeout: r.cfg.BackupTimeout})
	return commit(partial, final, err)
}

func (r *Registry) backupContainers(ctx context.Context, dk DockerAPI, dir, ts string) error {
	snaps, err := dk.ContainerSnapshots(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(dir, "containers-"+ts+".json")
	partial := final + ".partial"
	werr := os.WriteFile(partial, data, 0o644)
	if werr == nil {
		werr = ctx.Err()
	}
	return commit(partial, final, werr)
}
