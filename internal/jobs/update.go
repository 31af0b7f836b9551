package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"naspanel/internal/execx"
	"naspanel/internal/task/scheduler"
	logx "naspanel/pkg/logx"
)

// AutoUpdateParams are the params of the docker-auto-update job.
type AutoUpdateParams struct {
	Images []string `json:"images"`
}

// systemUpdate runs the configured update command. The settings are read at
// firing time so a disabled flag takes effect without re-arming.
func (r *Registry) systemUpdate(ctx context.Context) error {
	if r.deps.Settings == nil {
		return fmt.Errorf("settings store is not configured")
	}
	u, err := r.deps.Settings.Updates()
	if err != nil {
		return err
	}
	if !u.AutoUpdate {
		r.log.Info("automatic updates disabled; nothing to do")
		return nil
	}
	res, err := r.deps.Runner.Run(ctx, u.UpdateCommand, execx.Options{Timeout: r.cfg.InstallTimeout})
	if err != nil {
		return err
	}
	r.log.Info("system update finished", logx.Duration("dur", res.Duration))
	return nil
}

// dockerAutoUpdate pulls every image and restarts the containers built from
// it when the pull produced a new image id. One image failing does not stop
// the others; their errors are joined.
func (r *Registry) dockerAutoUpdate(images []string) scheduler.Body {
	images = append([]string(nil), images...)
	return func(ctx context.Context) error {
		if len(images) == 0 {
			r.log.Info("no images selected for auto-update")
			return nil
		}
		dk, err := r.docker(ctx)
		if err != nil {
			return err
		}
		var errList []error
		updated := 0
		for _, ref := range images {
			if err := ctx.Err(); err != nil {
				errList = append(errList, err)
				break
			}
			changed, err := r.updateImage(ctx, dk, ref)
			if err != nil {
				r.log.Warn("image update failed", logx.String("image", ref), logx.Err(err))
				errList = append(errList, fmt.Errorf("%s: %w", ref, err))
				continue
			}
			if changed {
				updated++
			}
		}
		r.log.Info("docker auto-update finished",
			logx.Int("images", len(images)),
			logx.Int("updated", updated),
			logx.Int("failed", len(errList)),
		)
		return errors.Join(errList...)
	}
}

func (r *Registry) updateImage(ctx context.Context, dk DockerAPI, ref string) (bool, error) {
	ref = strings.TrimSpace(ref)
	before, _ := dk.ImageID(ctx, ref)
	if err := dk.Pull(ctx, ref); err != nil {
		return false, err
	}
	after, err := dk.ImageID(ctx, ref)
	if err != nil {
		return false, err
	}
	if before == after {
		return false, nil
	}
	ids, err := dk.ContainersByImage(ctx, ref)
	if err != nil {
		return true, err
	}
	var errList []error
	for _, id := range ids {
		if err := dk.Restart(ctx, id); err != nil {
			errList = append(errList, fmt.Errorf("restart %s: %w", id, err))
		}
	}
	r.log.Info("image updated", logx.String("image", ref), logx.Int("restarted", len(ids)-len(errList)))
	return true, errors.Join(errList...)
}
