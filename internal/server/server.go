// Package server exposes the REST and WebSocket surface over the project
// components. Every route is mounted twice, at / and at /api, and errors
// come back as {"detail": "..."}.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/storage"
	"github.com/dotcommander/wenshape/internal/trace"
)

// defaultRatePerMinute is the per-IP request budget when no override is
// configured.
const defaultRatePerMinute = 200

// Server wires the HTTP surface to per-project component graphs.
type Server struct {
	factory   *storage.Factory
	gateway   *agent.Gateway
	progress  *trace.ProgressBus
	collector *trace.Collector
	logger    *slog.Logger
	debug     bool

	ratePerMinute  int
	researchRounds int
	sessionTimeout time.Duration

	mu       sync.Mutex
	runtimes map[string]*projectRuntime
	limiters map[string]*rate.Limiter
}

// Option configures the server.
type Option func(*Server)

// WithDebug switches gin into debug mode and enables request tracing.
func WithDebug(debug bool) Option {
	return func(s *Server) { s.debug = debug }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimit overrides the per-IP request budget.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.ratePerMinute = perMinute
		}
	}
}

// WithResearchRounds caps memory pack research rounds per build.
func WithResearchRounds(n int) Option {
	return func(s *Server) { s.researchRounds = n }
}

// WithSessionTimeout bounds one writing session run.
func WithSessionTimeout(d time.Duration) Option {
	return func(s *Server) { s.sessionTimeout = d }
}

// New creates the server over a storage factory and LLM gateway.
func New(factory *storage.Factory, gateway *agent.Gateway, opts ...Option) *Server {
	s := &Server{
		factory:       factory,
		gateway:       gateway,
		logger:        slog.Default(),
		ratePerMinute: defaultRatePerMinute,
		runtimes:      make(map[string]*projectRuntime),
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.progress = trace.NewProgressBus(s.logger)
	s.collector = trace.NewCollector(s.logger)
	return s
}

// Progress exposes the progress bus, for tests and the CLI.
func (s *Server) Progress() *trace.ProgressBus { return s.progress }

// Collector exposes the trace collector.
func (s *Server) Collector() *trace.Collector { return s.collector }

// Router builds the gin engine with all routes mounted at / and /api.
func (s *Server) Router() *gin.Engine {
	if s.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(s.recoverMiddleware(), s.requestLogMiddleware(), s.rateLimitMiddleware())

	for _, prefix := range []string{"", "/api"} {
		g := r.Group(prefix)
		s.registerProjectRoutes(g)
		s.registerCardRoutes(g)
		s.registerCanonRoutes(g)
		s.registerDraftRoutes(g)
		s.registerVolumeRoutes(g)
		s.registerSessionRoutes(g)
		s.registerRetrievalRoutes(g)
	}
	// WebSockets live at the root only.
	r.GET("/ws/:project/session", s.handleSessionWS)
	r.GET("/ws/trace", s.handleTraceWS)
	return r
}

// recoverMiddleware converts panics into a logged 500 {detail}.
func (s *Server) recoverMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic", "path", c.Request.URL.Path, "panic", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"detail": "Internal server error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := uuid.NewString()
		c.Set("request_id", reqID)
		if s.debug {
			s.logger.Debug("request", "id", reqID, "method", c.Request.Method, "path", c.Request.URL.Path)
		}
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Error("request failed", "id", reqID, "path", c.Request.URL.Path, "status", c.Writer.Status())
		}
	}
}

// rateLimitMiddleware enforces the per-IP budget.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(s.ratePerMinute)/60.0), s.ratePerMinute)
		s.limiters[ip] = lim
	}
	return lim
}

// fail writes the error as {detail} with a status derived from the error
// kind.
func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"detail": err.Error()})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case storage.IsNotFound(err):
		return http.StatusNotFound
	case storage.IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
