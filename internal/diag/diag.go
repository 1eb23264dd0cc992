// Package diag implements a minimal read-only Echo application exposing
// liveness and status endpoints, grounded on the teacher's httpapi
// package (same middleware stack, same request-logging idiom, same
// Run/Shutdown lifecycle) but with every route read-only — this process
// never accepts control input over HTTP (spec.md's data plane is the
// WebRTC data channels, not this server).
package diag

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/shota866/teleop-core/internal/liveness"
	"github.com/shota866/teleop-core/internal/publisher"
	"github.com/shota866/teleop-core/internal/transport"
	"github.com/shota866/teleop-core/internal/vehicle"
)

// Server is the Echo application backing --diag-addr.
type Server struct {
	echo       *echo.Echo
	session    *transport.Session
	integrator *vehicle.Integrator
	liveness   *liveness.Supervisor
	publisher  *publisher.Publisher
}

// New constructs the diagnostics app. None of its routes mutate state.
func New(session *transport.Session, integrator *vehicle.Integrator, lv *liveness.Supervisor, pub *publisher.Publisher) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, session: session, integrator: integrator, liveness: lv, publisher: pub}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("diag request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

type healthzResponse struct {
	OK             bool   `json:"ok"`
	SessionState   string `json:"session_state"`
	EstopTriggered bool   `json:"estop_triggered"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	resp := healthzResponse{
		OK:             s.session.State() != transport.Idle,
		SessionState:   s.session.State().String(),
		EstopTriggered: s.liveness.EstopTriggered(),
	}
	return c.JSON(http.StatusOK, resp)
}

type statusResponse struct {
	SessionState string        `json:"session_state"`
	Connected    bool          `json:"connected"`
	DroppedSends uint64        `json:"dropped_sends"`
	SendErrors   uint64        `json:"send_errors"`
	Vehicle      vehicle.State `json:"vehicle"`
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.integrator.Snapshot()
	resp := statusResponse{
		SessionState: s.session.State().String(),
		Connected:    s.session.Connected(),
		DroppedSends: s.session.Dropped(),
		SendErrors:   s.publisher.SendErrors(),
		Vehicle:      snap,
	}
	return c.JSON(http.StatusOK, resp)
}

// Run starts the Echo server and blocks until ctx is canceled or the
// listener fails, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}
