package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"naspanel/internal/backup"
	"naspanel/internal/cronspec"
	"naspanel/internal/execx"
	logx "naspanel/pkg/logx"
)

// SystemBackup archives the configured sources into a catalog entry and
// waits for the archive. The record moves from in_progress to completed or
// failed; a success also prunes records older than the schedule's retention.
func (r *Registry) SystemBackup(ctx context.Context, trigger string) (backup.Record, error) {
	rec, err := r.BeginSystemBackup(trigger)
	if err != nil {
		return rec, err
	}
	return r.FinishSystemBackup(ctx, rec)
}

// BeginSystemBackup records an in_progress entry for a new archive.
func (r *Registry) BeginSystemBackup(trigger string) (backup.Record, error) {
	if r.deps.Catalog == nil {
		return backup.Record{}, fmt.Errorf("backup catalog is not configured")
	}
	if err := os.MkdirAll(r.cfg.BackupDir, 0o755); err != nil {
		return backup.Record{}, fmt.Errorf("create backup dir: %w", err)
	}
	name := "backup_" + strings.ReplaceAll(r.now().UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-") + ".tar.gz"
	return r.deps.Catalog.Begin(name, filepath.Join(r.cfg.BackupDir, name), trigger)
}

// FinishSystemBackup writes the archive of rec and settles its status.
func (r *Registry) FinishSystemBackup(ctx context.Context, rec backup.Record) (backup.Record, error) {
	path := rec.Path
	log := r.log.With(logx.String("backup", rec.ID), logx.String("path", path))

	srcs := make([]string, 0, len(r.cfg.BackupSources))
	for _, s := range r.cfg.BackupSources {
		srcs = append(srcs, shellQuote(s))
	}
	cmd := fmt.Sprintf("tar -czf %s %s", shellQuote(path), strings.Join(srcs, " "))
	if _, err := r.deps.Runner.Run(ctx, cmd, execx.Options{Timeout: r.cfg.BackupTimeout}); err != nil {
		_ = os.Remove(path)
		if ferr := r.deps.Catalog.Fail(rec.ID, err); ferr != nil {
			log.Warn("backup status not saved", logx.Err(ferr))
		}
		rec.Status, rec.Error = backup.StatusFailed, err.Error()
		return rec, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		_ = r.deps.Catalog.Fail(rec.ID, err)
		rec.Status, rec.Error = backup.StatusFailed, err.Error()
		return rec, fmt.Errorf("backup archive missing: %w", err)
	}
	if err := r.deps.Catalog.Complete(rec.ID, fi.Size()); err != nil {
		return rec, err
	}
	rec.Status, rec.Size = backup.StatusCompleted, fi.Size()
	log.Info("system backup completed", logx.String("size", backup.FormatSize(fi.Size())))

	r.pruneBackups(log)
	return rec, nil
}

func (r *Registry) pruneBackups(log logx.Logger) {
	sched, err := r.deps.Catalog.Schedule()
	if err != nil {
		log.Warn("retention skipped", logx.Err(err))
		return
	}
	keep, err := cronspec.ParseRetention(sched.Retention)
	if err != nil || keep <= 0 {
		return
	}
	removed, err := r.deps.Catalog.Prune(r.now(), keep)
	if err != nil {
		log.Warn("retention prune failed", logx.Err(err))
		return
	}
	if len(removed) > 0 {
		log.Info("old backups pruned", logx.Int("count", len(removed)))
	}
}
