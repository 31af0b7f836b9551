// Package api is the HTTP surface of the panel core: job CRUD, backup and
// update settings, and server-sent progress streams for package installs.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"naspanel/internal/backup"
	"naspanel/internal/jobs"
	"naspanel/internal/proctrack"
	"naspanel/internal/settings"
	"naspanel/internal/updates"
	logx "naspanel/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// FrameInterval is the minimum gap between progress frames on one
	// stream. Final frames are never held back.
	FrameInterval time.Duration
	MetricsPath   string
	// InstallTimeout bounds package installs; 0 leaves them unbounded.
	InstallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8088"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 250 * time.Millisecond
	}
	if strings.TrimSpace(c.MetricsPath) == "" {
		c.MetricsPath = "/metrics"
	}
	return c
}

// Deps are the services behind the handlers. Metrics may be nil.
type Deps struct {
	Jobs       *jobs.Service
	Catalog    *backup.Catalog
	Settings   *settings.Store
	AutoUpdate *settings.AutoUpdateStore
	Tracker    *proctrack.Tracker
	Checker    *updates.Checker
	Metrics    http.Handler
	// Health adds runtime detail to /healthz; may be nil.
	Health func() any

	// InstallCommand builds the install command line; defaults to
	// updates.InstallCommand.
	InstallCommand func(pkgs []string) (string, error)
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	e    *echo.Echo

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.InstallCommand == nil {
		deps.InstallCommand = updates.InstallCommand
	}
	s := &Server{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log.With(logx.String("comp", "http")),
	}
	s.e = s.router()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.accessLog())

	e.GET("/healthz", s.healthz)
	if s.deps.Metrics != nil {
		e.GET(s.cfg.MetricsPath, echo.WrapHandler(s.deps.Metrics))
	}

	e.GET("/list-jobs", s.listJobs)
	e.POST("/create-job", s.createJob)
	e.PUT("/jobs/:id", s.updateJob)
	e.DELETE("/jobs/:id", s.deleteJob)
	e.POST("/jobs/:id/run", s.runJob)
	e.GET("/jobs/:id/history", s.jobHistory)

	e.GET("/backup/schedule", s.getBackupSchedule)
	e.POST("/backup/schedule", s.setBackupSchedule)
	e.GET("/backup/history", s.backupHistory)
	e.POST("/backup/create", s.createBackup)
	e.DELETE("/backup/:id", s.deleteBackup)
	e.GET("/backup/:id/download", s.downloadBackup)

	e.POST("/docker/backup/schedule", s.scheduleDockerBackup)
	e.GET("/docker/backup/schedules", s.listDockerBackups)
	e.DELETE("/docker/backup/schedule/:id", s.deleteDockerBackup)
	e.GET("/docker/auto-update", s.getAutoUpdate)
	e.POST("/docker/auto-update", s.setAutoUpdate)

	e.GET("/system/updates/settings", s.getUpdateSettings)
	e.POST("/system/updates/settings", s.setUpdateSettings)
	e.GET("/system/updates/check", s.checkUpdates)
	e.POST("/system/updates/install", s.install)
	e.POST("/system/updates/install/stream", s.installStream)
	e.GET("/system/updates/progress/:id", s.progress)
	e.DELETE("/system/updates/cancel/:id", s.cancelInstall)
	e.GET("/system/updates/process/:id", s.process)
	e.GET("/system/updates/processes", s.processes)
	return e
}

// accessLog logs requests at debug; streams are logged when they end.
func (s *Server) healthz(c echo.Context) error {
	out := map[string]any{"success": true, "status": "ok", "processes": s.deps.Tracker.Len()}
	if s.deps.Health != nil {
		out["runtime"] = s.deps.Health()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) accessLog() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if !s.log.Enabled(logx.LevelDebug) {
				return nil
			}
			s.log.Debug("request",
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
				logx.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	})
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.Shutdown(sctx)
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
