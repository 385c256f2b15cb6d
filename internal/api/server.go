package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/accelbench/accelbench/internal/logging"
	"github.com/accelbench/accelbench/internal/metrics"
	benchsvc "github.com/accelbench/accelbench/internal/service/benchmark"
	"github.com/accelbench/accelbench/internal/workload"
	"github.com/accelbench/accelbench/pkg/models"
)

// ResultReader is the read side of the result store
type ResultReader interface {
	AllResults(ctx context.Context) ([]models.Result, error)
	LatestSnapshot(ctx context.Context) (*models.Snapshot, error)
	ResultsWithSnapshot(ctx context.Context, limit int) ([]models.ResultWithSnapshot, error)
}

// BatchRunner starts and reports on benchmark batches
type BatchRunner interface {
	Start(ctx context.Context, req benchsvc.BatchRequest) (*benchsvc.BatchReport, error)
	GetRun(runID string) (*benchsvc.BatchReport, error)
	Active() *benchsvc.BatchReport
	ListRuns() []*benchsvc.BatchReport
}

// BackendRegistry resolves backend names
type BackendRegistry interface {
	Lookup(name string) (models.Backend, error)
	WithInstalled(ctx context.Context) []models.Backend
}

// WorkloadCatalog lists and resolves workloads
type WorkloadCatalog interface {
	List(ctx context.Context) workload.Available
	Resolve(ctx context.Context, backend models.Backend, names []string) ([]models.Workload, error)
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	// Services
	results  ResultReader
	runner   BatchRunner
	backends BackendRegistry
	catalog  WorkloadCatalog

	// Configuration
	host           string
	port           int
	defaultBackend string
	submitLimiter  *rate.Limiter

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithDefaultBackend sets the backend used when a submission names none
func WithDefaultBackend(name string) Option {
	return func(s *Server) {
		s.defaultBackend = name
	}
}

// WithSubmitInterval sets the minimum spacing between accepted batch submissions.
// Zero disables the limit.
func WithSubmitInterval(d time.Duration) Option {
	return func(s *Server) {
		if d <= 0 {
			s.submitLimiter = nil
			return
		}
		s.submitLimiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// New creates a new API server
func New(results ResultReader, runner BatchRunner, backends BackendRegistry, catalog WorkloadCatalog, opts ...Option) *Server {
	s := &Server{
		logger:         slog.Default(),
		results:        results,
		runner:         runner,
		backends:       backends,
		catalog:        catalog,
		host:           "0.0.0.0",
		port:           3000,
		defaultBackend: "ollama",
		submitLimiter:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady returns whether the server is ready to accept traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Query surface consumed by the dashboard
	api := router.Group("/api")
	{
		api.GET("/results", s.handleListResults)
		api.GET("/system-specs/latest", s.handleLatestSnapshot)
		api.GET("/results-with-specs", s.handleResultsWithSnapshot)
		api.GET("/models", s.handleListWorkloads)
		api.GET("/backends", s.handleListBackends)

		api.POST("/benchmark", s.handleSubmitBenchmark)
		api.GET("/benchmark/status", s.handleBenchmarkStatus)
		api.GET("/benchmark/runs", s.handleListRuns)
		api.GET("/benchmark/runs/:id", s.handleGetRun)
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Route pattern keeps label cardinality bounded (/benchmark/runs/:id)
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.InfoContext(c.Request.Context(), "request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// The dashboard is served from a different origin
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// allowSubmit spends a submission token, answering 429 when none is left
func (s *Server) allowSubmit(c *gin.Context) bool {
	if s.submitLimiter == nil || s.submitLimiter.Allow() {
		return true
	}
	c.JSON(http.StatusTooManyRequests, ErrorResponse{
		Error:     "too many benchmark submissions, retry later",
		RequestID: c.GetString("request_id"),
	})
	return false
}
