// Package diag provides an optional local HTTP status surface for
// host applications that embed this client: connection state and
// cache statistics, off by default (supplemental to the distilled
// spec, never required by core operations).
package diag

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ConnectionStatus summarizes the Dealer's current connection.
type ConnectionStatus struct {
	Connected    bool
	ConnectionID string
}

// CacheStatus summarizes AudioCache occupancy.
type CacheStatus struct {
	Entries    int
	TotalBytes int64
}

// StatusProvider is implemented by the host session/player pair this
// diag server reports on.
type StatusProvider interface {
	Connection() ConnectionStatus
	Cache() CacheStatus
}

// Server is a small Echo application exposing /healthz and /status.
type Server struct {
	echo     *echo.Echo
	provider StatusProvider
}

// New constructs a diag Server reporting on provider.
func New(provider StatusProvider) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	s := &Server{echo: e, provider: provider}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/status", s.handleStatus)
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok"})
}

type statusResponse struct {
	Connected    bool   `json:"connected"`
	ConnectionID string `json:"connectionId"`
	CacheEntries int    `json:"cacheEntries"`
	CacheBytes   int64  `json:"cacheBytes"`
}

func (s *Server) handleStatus(c echo.Context) error {
	conn := s.provider.Connection()
	cache := s.provider.Cache()
	return c.JSON(http.StatusOK, statusResponse{
		Connected:    conn.Connected,
		ConnectionID: conn.ConnectionID,
		CacheEntries: cache.Entries,
		CacheBytes:   cache.TotalBytes,
	})
}

// Run starts the diag server and blocks until ctx is cancelled or
// startup fails.
func (s *Server) Run(ctx context.Context, addr string) error {
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
		slog.Debug("shutting down diag server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}
