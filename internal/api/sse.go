package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"naspanel/internal/proctrack"
	logx "naspanel/pkg/logx"
)

// frameWriter writes progress frames as server-sent events. Progress frames
// are throttled; final frames always go out.
type frameWriter struct {
	res *echo.Response
	lim *rate.Limiter
}

func (s *Server) newFrameWriter(c echo.Context) *frameWriter {
	res := c.Response()
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(res.Writer).SetWriteDeadline(time.Time{})

	h := res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()
	return &frameWriter{res: res, lim: rate.NewLimiter(rate.Every(s.cfg.FrameInterval), 1)}
}

func (w *frameWriter) send(f proctrack.Frame) error {
	if !f.Final() && !w.lim.Allow() {
		return nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.res, "data: %s\n\n", b); err != nil {
		return err
	}
	w.res.Flush()
	return nil
}

// stream follows process id until its final frame. With abort set, a
// client disconnect cancels the process.
func (s *Server) stream(c echo.Context, id string, abort bool) error {
	first, frames, unsub, err := s.deps.Tracker.Subscribe(id)
	if err != nil {
		return err
	}
	defer unsub()

	ctx := c.Request().Context()
	log := s.log.With(logx.String("process", id))
	w := s.newFrameWriter(c)
	if err := w.send(first); err != nil {
		return nil
	}
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := w.send(f); err != nil {
				log.Debug("stream write failed", logx.Err(err))
				return nil
			}
			if f.Final() {
				return nil
			}
		case <-ctx.Done():
			if abort {
				cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				err := s.deps.Tracker.Cancel(cctx, id)
				cancel()
				log.Info("client disconnected; install aborted", logx.Err(err))
			}
			return nil
		}
	}
}
