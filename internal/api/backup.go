package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"naspanel/internal/backup"
	"naspanel/internal/cronspec"
	"naspanel/internal/jobstore"
)

func (s *Server) getBackupSchedule(c echo.Context) error {
	sched, err := s.deps.Catalog.Schedule()
	if err != nil {
		return err
	}
	out := map[string]any{"success": true, "schedule": sched}
	if v, err := s.deps.Jobs.Get(jobstore.SystemBackupID); err == nil {
		out["nextRun"], out["lastRun"], out["isActive"] = v.NextRun, v.LastRun, v.IsActive
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) setBackupSchedule(c echo.Context) error {
	var in struct {
		Schedule cronspec.BackupSchedule `json:"schedule"`
	}
	if err := c.Bind(&in); err != nil {
		return err
	}
	saved, v, err := s.deps.Jobs.SetBackupSchedule(in.Schedule)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"schedule": saved,
		"cron":     v.Schedule,
		"nextRun":  v.NextRun,
		"lastRun":  v.LastRun,
		"isActive": v.IsActive,
	})
}

func (s *Server) backupHistory(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	perPage, _ := strconv.Atoi(c.QueryParam("per_page"))
	p, err := s.deps.Catalog.Page(page, perPage)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":     true,
		"backups":     p.Backups,
		"total":       p.Total,
		"page":        p.Page,
		"per_page":    p.PerPage,
		"total_pages": p.TotalPages,
	})
}

func (s *Server) createBackup(c echo.Context) error {
	rec, err := s.deps.Jobs.BackupNow()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"success": true, "backup": rec})
}

func (s *Server) deleteBackup(c echo.Context) error {
	if _, err := s.deps.Catalog.Delete(c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// downloadBackup serves the archive of a completed backup; anything else is
// locked.
func (s *Server) downloadBackup(c echo.Context) error {
	rec, err := s.deps.Catalog.Get(c.Param("id"))
	if err != nil {
		return err
	}
	if rec.Status != backup.StatusCompleted {
		return withStatus(http.StatusLocked, "Backup is not ready for download", nil)
	}
	return c.Attachment(rec.Path, rec.Name)
}
