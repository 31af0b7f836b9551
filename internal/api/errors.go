package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"naspanel/internal/errs"
	"naspanel/internal/execx"
	"naspanel/internal/jobs"
	"naspanel/internal/proctrack"
	"naspanel/internal/task/scheduler"
	logx "naspanel/pkg/logx"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusError carries an explicit status and message for a handler error.
type statusError struct {
	code int
	msg  string
	err  error
}

func (e *statusError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *statusError) Unwrap() error { return e.err }

func withStatus(code int, msg string, err error) error {
	return &statusError{code: code, msg: msg, err: err}
}

// statusFor maps an error to its HTTP status and a short message.
func statusFor(err error) (int, string) {
	var se *statusError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &se):
		return se.code, se.msg
	case errors.As(err, &he):
		if m, ok := he.Message.(string); ok {
			return he.Code, m
		}
		return he.Code, http.StatusText(he.Code)
	case errs.IsInvalidSchedule(err):
		return http.StatusBadRequest, "Invalid cron schedule"
	case errs.IsInput(err):
		return http.StatusBadRequest, "Invalid request"
	case errs.IsNotFound(err):
		var nf *errs.NotFoundError
		errors.As(err, &nf)
		return http.StatusNotFound, capitalize(nf.Kind) + " not found"
	case errors.Is(err, scheduler.ErrOverlapSkip):
		return http.StatusConflict, "Job is already running"
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, proctrack.ErrStopped), errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable, "Shutting down"
	case execx.IsTimeout(err):
		return http.StatusInternalServerError, "Command timed out"
	case execx.IsCommand(err):
		return http.StatusInternalServerError, "Command failed"
	case errs.IsPersistence(err):
		return http.StatusInternalServerError, "Failed to save changes"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func capitalize(s string) string {
	if s == "" {
		return "Resource"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// handleError renders handler errors as {success:false, error, details}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusFor(err)
	body := errorBody{Error: msg}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		body.Details = err.Error()
	} else if he.Internal != nil {
		body.Details = he.Internal.Error()
	}
	if code >= 500 {
		s.log.Warn("request failed",
			logx.String("method", c.Request().Method),
			logx.String("path", c.Path()),
			logx.Int("status", code),
			logx.Err(err),
		)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}
