package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/proctrack"
	"naspanel/internal/settings"
	"naspanel/internal/updates"
)

func (s *Server) getAutoUpdate(c echo.Context) error {
	v, err := s.deps.AutoUpdate.Load()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) setAutoUpdate(c echo.Context) error {
	var in cronspec.AutoUpdate
	if err := c.Bind(&in); err != nil {
		return err
	}
	saved, err := s.deps.Jobs.SetAutoUpdate(in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "settings": saved})
}

func (s *Server) getUpdateSettings(c echo.Context) error {
	u, err := s.deps.Settings.Updates()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (s *Server) setUpdateSettings(c echo.Context) error {
	var in settings.Updates
	if err := c.Bind(&in); err != nil {
		return err
	}
	saved, err := s.deps.Jobs.SetUpdates(in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "updates": saved})
}

func (s *Server) checkUpdates(c echo.Context) error {
	pkgs, err := s.deps.Checker.Check(c.Request().Context(), c.QueryParam("force") == "true")
	if err != nil {
		return withStatus(http.StatusInternalServerError, "Failed to check updates", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"updates": pkgs})
}

type installRequest struct {
	Packages []string `json:"packages"`
}

// startInstall validates the package list and hands the install to the
// tracker. A package already being installed is a conflict.
func (s *Server) startInstall(c echo.Context) (string, error) {
	var in installRequest
	if err := c.Bind(&in); err != nil {
		return "", err
	}
	pkgs, err := updates.ValidatePackages(in.Packages)
	if err != nil {
		return "", err
	}
	for _, p := range pkgs {
		if running, ok := s.deps.Tracker.FindByPackage(p); ok {
			return "", withStatus(http.StatusConflict, "Package is already being installed", errs.Input("packages", "%s is handled by process %s", p, running.ID))
		}
	}
	cmd, err := s.deps.InstallCommand(pkgs)
	if err != nil {
		return "", err
	}
	id, err := s.deps.Tracker.Start(cmd, proctrack.Meta{Packages: pkgs, Parser: updates.ParseProgress, Timeout: s.cfg.InstallTimeout})
	if err != nil {
		return "", err
	}
	if s.deps.Checker != nil {
		s.deps.Checker.Invalidate()
	}
	return id, nil
}

func (s *Server) install(c echo.Context) error {
	id, err := s.startInstall(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"success": true, "processId": id})
}

// installStream installs and streams progress on the same request. Closing
// the request aborts the install.
func (s *Server) installStream(c echo.Context) error {
	id, err := s.startInstall(c)
	if err != nil {
		return err
	}
	return s.stream(c, id, true)
}

// progress follows a tracked install. Disconnecting only stops following.
func (s *Server) progress(c echo.Context) error {
	return s.stream(c, c.Param("id"), false)
}

// cancelInstall accepts a process id or a package name.
func (s *Server) cancelInstall(c echo.Context) error {
	key := c.Param("id")
	id := key
	if _, err := s.deps.Tracker.Get(key); errs.IsNotFound(err) {
		if p, ok := s.deps.Tracker.FindByPackage(key); ok {
			id = p.ID
		}
	}
	if err := s.deps.Tracker.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": proctrack.CancelledMessage})
}

func (s *Server) process(c echo.Context) error {
	p, err := s.deps.Tracker.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) processes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"success": true, "processes": s.deps.Tracker.List()})
}
