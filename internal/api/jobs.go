package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"naspanel/internal/jobs"
)

func (s *Server) listJobs(c echo.Context) error {
	views, err := s.deps.Jobs.List()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) createJob(c echo.Context) error {
	var in jobs.Input
	if err := c.Bind(&in); err != nil {
		return err
	}
	job, err := s.deps.Jobs.Create(in)
	if err != nil {
		return err
	}
	v, err := s.deps.Jobs.Get(job.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) updateJob(c echo.Context) error {
	var in jobs.Input
	if err := c.Bind(&in); err != nil {
		return err
	}
	job, err := s.deps.Jobs.Update(c.Param("id"), in)
	if err != nil {
		return err
	}
	v, err := s.deps.Jobs.Get(job.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) deleteJob(c echo.Context) error {
	if err := s.deps.Jobs.Delete(c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// runJob runs the job synchronously. The run is detached from the request
// so a client that gives up does not abort it halfway.
func (s *Server) runJob(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Jobs.RunNow(context.WithoutCancel(c.Request().Context()), id); err != nil {
		return err
	}
	v, err := s.deps.Jobs.Get(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "job": v})
}

func (s *Server) jobHistory(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := s.deps.Jobs.History(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "runs": runs})
}

func (s *Server) scheduleDockerBackup(c echo.Context) error {
	var in jobs.DockerBackupInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	job, err := s.deps.Jobs.CreateDockerBackup(in)
	if err != nil {
		return err
	}
	v, err := s.deps.Jobs.Get(job.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"jobId":   job.ID,
		"message": "Backup scheduled successfully",
		"nextRun": v.NextRun,
	})
}

func (s *Server) listDockerBackups(c echo.Context) error {
	views, err := s.deps.Jobs.DockerBackups()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "jobs": views})
}

func (s *Server) deleteDockerBackup(c echo.Context) error {
	if err := s.deps.Jobs.DeleteDockerBackup(c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "Backup schedule deleted successfully"})
}
