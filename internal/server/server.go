// Package server exposes research sessions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/researcher/internal/orchestrator"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"go.uber.org/zap"
)

const defaultChatTimeout = 2 * time.Minute

// History is the archive consulted for sessions no longer held in memory.
type History interface {
	GetSession(ctx context.Context, id string) (research.Session, []research.SubQuestion, error)
	GetReport(ctx context.Context, id string) (*research.Report, error)
	ListSessions(ctx context.Context, limit int) ([]research.Session, error)
	Events(ctx context.Context, sessionID string, afterSeq uint64) ([]progress.Event, error)
}

// Replayer reads mirrored events of a session, such as the Redis stream mirror.
type Replayer interface {
	Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]progress.Event, error)
}

type Server struct {
	echo     *echo.Echo
	orch     *orchestrator.Orchestrator
	bus      *progress.Bus
	history  History
	replay   Replayer
	metrics  http.Handler
	secret   []byte
	origins  []string
	chatTime time.Duration
	ping     time.Duration
	log      *zap.Logger
	upgrader websocket.Upgrader
}

type Option func(*Server)

func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

// WithReplay serves events of sessions unknown to the bus from r when no
// history store is configured.
func WithReplay(r Replayer) Option { return func(s *Server) { s.replay = r } }

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithJWTSecret requires a bearer token signed with secret on /api.
func WithJWTSecret(secret []byte) Option { return func(s *Server) { s.secret = secret } }

func WithCORSOrigins(origins []string) Option { return func(s *Server) { s.origins = origins } }

func WithChatTimeout(d time.Duration) Option { return func(s *Server) { s.chatTime = d } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l.Named("http")
		}
	}
}

// New builds the echo router.
func New(orch *orchestrator.Orchestrator, bus *progress.Bus, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		bus:      bus,
		chatTime: defaultChatTimeout,
		ping:     15 * time.Second,
		log:      zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.chatTime <= 0 {
		s.chatTime = defaultChatTimeout
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request", zap.String("method", v.Method), zap.String("uri", v.URI),
				zap.Int("status", v.Status), zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "Last-Event-ID"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	api := e.Group("/api")
	if len(s.secret) > 0 {
		api.Use(AuthMiddleware(s.secret))
	}
	api.GET("/tools", s.listTools)
	g := api.Group("/research")
	g.POST("", s.createResearch)
	g.GET("", s.listResearch)
	g.GET("/:id", s.getResearch)
	g.GET("/:id/report", s.getReport)
	g.POST("/:id/cancel", s.cancelResearch)
	g.DELETE("/:id", s.deleteResearch)
	g.POST("/:id/chat", s.chat)
	g.GET("/:id/events", s.streamEvents)
	g.GET("/:id/ws", s.streamWebSocket)

	s.echo = e
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.echo.ServeHTTP(w, r) }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

// handleError renders every error as {"error": msg}.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Int("status", code), zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
	} else {
		s.log.Debug("request rejected", zap.Int("status", code), zap.String("path", req.URL.Path), zap.String("error", msg))
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
