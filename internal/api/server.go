// Package api serves the regulator's HTTP and WebSocket surface.
//
// Reads come straight from the coordination store. Valve and mode changes
// go through the regulator, and settings changes are published into the
// store where the regulator picks them up. Nothing here touches the relay.
package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"codeberg.org/mutker/coolantctl/internal/acquisition"
	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/journal"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/relay"
	"codeberg.org/mutker/coolantctl/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	source = "api"

	maxHeaderBytes    = 1 << 20
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type Config struct {
	Listen       string
	JWTSecret    string
	PasswordHash string
	TokenTTL     time.Duration

	// AllowedOrigins lists browser origins, besides the API's own host,
	// that may open the WebSocket stream.
	AllowedOrigins []string
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Listen == "" {
		return errFactory.WithData(ErrInvalidConfig, "listen address is required")
	}
	if c.JWTSecret != "" {
		if c.PasswordHash == "" {
			return errFactory.WithData(ErrInvalidConfig, "password hash is required with a JWT secret")
		}
		if c.TokenTTL <= 0 {
			return errFactory.WithData(ErrInvalidConfig, "token TTL must be positive")
		}
	}
	for _, origin := range c.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return errFactory.WithData(ErrInvalidConfig, "allowed origin must be scheme://host[:port]: "+origin)
		}
	}
	return nil
}

// authEnabled reports whether mutating routes require a bearer token.
func (c Config) authEnabled() bool {
	return c.JWTSecret != ""
}

// Controller is the regulator as seen by the API. *regulator.Regulator
// implements it.
type Controller interface {
	SetManual(open bool) error
	ToggleManual() error
	Resume() error
	Status() model.Status
	Settings() model.TemperatureSettings
	Limits() model.Limits
}

// EventLog is the journal as seen by the API.
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Event, error)
}

// Stats bundles the optional counters reported by /api/v1/stats.
type Stats struct {
	Acquisition func() acquisition.Stats
	Relay       func() relay.Statistics
}

type Option func(*Server)

func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithStats(st Stats) Option {
	return func(s *Server) { s.stats = st }
}

func WithEventLog(events EventLog) Option {
	return func(s *Server) { s.events = events }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type Server struct {
	cfg    Config
	store  *store.Store
	ctrl   Controller
	stats  Stats
	events EventLog
	log    logger.Logger
	now    func() time.Time

	router   *gin.Engine
	upgrader websocket.Upgrader
}

func New(cfg Config, st *store.Store, ctrl Controller, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		store: st,
		ctrl:  ctrl,
		log:   logger.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.router = s.routes()
	return s, nil
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is done, then shuts the
// server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().
			Str("listen", s.cfg.Listen).
			Bool("auth", s.cfg.authEnabled()).
			Msg("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errFactory.Wrap(ErrServeFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrShutdownFailed, err)
	}
	s.log.Debug().Msg("HTTP API stopped")
	return nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger)

	router.GET("/health", s.health)
	router.POST("/auth/token", s.issueToken)
	router.GET("/ws", s.wsConnect)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/temperature", s.getTemperature)
		v1.GET("/settings", s.getSettings)
		v1.GET("/stats", s.getStats)
		v1.GET("/events", s.getEvents)
	}

	protected := router.Group("/api/v1", s.authMiddleware)
	{
		protected.PUT("/settings", s.putSettings)
		protected.POST("/valve", s.setValve)
		protected.POST("/mode", s.setMode)
	}

	return router
}

func (s *Server) requestLogger(c *gin.Context) {
	start := s.now()
	c.Next()

	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("latency", s.now().Sub(start)).
		Msg("HTTP request")
}
