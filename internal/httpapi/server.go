// Package httpapi is the loopback HTTP surface upstream applications use:
// health/status probes, the drained event poll, the two send verbs, and a
// file-serving endpoint for persisted inbound media. Every structured
// failure reason collapses to a boolean here; the detail lives in logs.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beagle-sidecar/internal/events"
	"beagle-sidecar/internal/status"
	"beagle-sidecar/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Identity is the transport-derived self identity served by /health.
type Identity interface {
	UserID() string
	Address() string
}

// Sender is the outbound dispatcher as the HTTP surface sees it.
type Sender interface {
	SendText(peer, text string) (bool, string)
	SendMedia(ctx context.Context, peer, caption, mediaPath, mediaURL, mediaType, filename, outFormat string) (bool, string)
}

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	identity Identity
	status   *status.Tracker
	queue    *events.Queue
	sender   Sender
	store    *store.Store
	token    string
}

// New constructs an Echo app with the loopback routes. token may be empty,
// which disables the bearer gate. st may be nil, which disables /files.
func New(identity Identity, tracker *status.Tracker, queue *events.Queue, sender Sender, st *store.Store, token string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:     e,
		identity: identity,
		status:   tracker,
		queue:    queue,
		sender:   sender,
		store:    st,
		token:    token,
	}
	if token != "" {
		e.Use(s.tokenGate)
	}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			// Skip noisy endpoints at debug level.
			if path == "/events" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// tokenGate rejects requests lacking the configured bearer token.
func (s *Server) tokenGate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		if auth != "Bearer "+s.token {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
		}
		return next(c)
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/events", s.handleEvents)
	s.echo.POST("/sendText", s.handleSendText)
	s.echo.POST("/sendMedia", s.handleSendMedia)
	if s.store != nil {
		s.echo.GET("/files/:id", s.handleFileDownload)
	}
	NewEventStream(s.queue).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
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
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	UserID  string `json:"userId"`
	Address string `json:"address"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		OK:      true,
		UserID:  s.identity.UserID(),
		Address: s.identity.Address(),
	})
}

type statusResponse struct {
	OK bool `json:"ok"`
	status.Snapshot
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{OK: true, Snapshot: s.status.Snapshot()})
}

func (s *Server) handleEvents(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.Drain())
}

type sendTextRequest struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleSendText(c echo.Context) error {
	var req sendTextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(req.Peer) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "peer is required")
	}

	ok, _ := s.sender.SendText(req.Peer, req.Text)
	return c.JSON(http.StatusOK, okResponse{OK: ok})
}

type sendMediaRequest struct {
	Peer      string `json:"peer"`
	Caption   string `json:"caption"`
	MediaPath string `json:"mediaPath"`
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"`
	Filename  string `json:"filename"`
	OutFormat string `json:"outFormat"`
}

func (s *Server) handleSendMedia(c echo.Context) error {
	var req sendMediaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(req.Peer) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "peer is required")
	}

	ok, _ := s.sender.SendMedia(c.Request().Context(), req.Peer, req.Caption,
		req.MediaPath, req.MediaURL, req.MediaType, req.Filename, req.OutFormat)
	return c.JSON(http.StatusOK, okResponse{OK: ok})
}

func (s *Server) handleFileDownload(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file id must be numeric")
	}

	blob, err := s.store.GetBlob(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		slog.Error("file download error", "blob_id", id, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "open file")
	}

	c.Response().Header().Set(echo.HeaderContentType, blob.ContentType)
	return c.Attachment(blob.DiskPath, blob.Name)
}
