// Package httpapi is the Echo application: the websocket endpoint plus
// the REST surface for health, statistics, and metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"wschat/internal/config"
	"wschat/internal/core"
	"wschat/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo   *echo.Echo
	chat   *core.ChatServer
	secure config.SecureSettings
}

// New constructs an Echo app with websocket + REST routes. A nil
// metrics handler disables the /metrics route.
func New(chat *core.ChatServer, cfg config.Settings, metricsHandler http.Handler) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, chat: chat, secure: cfg.Server.Secure}

	wsHandler, err := ws.NewHandler(chat, cfg)
	if err != nil {
		return nil, err
	}
	wsHandler.Register(e)

	e.GET("/health", s.handleHealth)
	e.GET("/api/stats", s.handleStats)
	e.GET("/api/stats/:id", s.handleUserStats)
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}
	return s, nil
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.secure.Enabled {
			err = s.echo.StartTLS(addr, s.secure.CrtPath, s.secure.KeyPath)
		} else {
			err = s.echo.Start(addr)
		}
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

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.chat.ConnectionCount(),
	})
}

type statsResponse struct {
	Connections int                  `json:"connections"`
	Users       []core.StatsSnapshot `json:"users"`
}

func (s *Server) handleStats(c echo.Context) error {
	users := s.chat.Stats().Snapshot()
	if users == nil {
		users = []core.StatsSnapshot{}
	}
	return c.JSON(http.StatusOK, statsResponse{
		Connections: s.chat.ConnectionCount(),
		Users:       users,
	})
}

func (s *Server) handleUserStats(c echo.Context) error {
	uid, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || uid == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "numeric user id is required")
	}
	return c.JSON(http.StatusOK, s.chat.Stats().For(uid).Snapshot())
}
