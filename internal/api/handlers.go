package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/accelbench/accelbench/internal/backend"
	benchsvc "github.com/accelbench/accelbench/internal/service/benchmark"
	"github.com/accelbench/accelbench/internal/storage"
	"github.com/accelbench/accelbench/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitBenchmarkRequest is the request to start a batch
type SubmitBenchmarkRequest struct {
	Backend        string   `json:"backend,omitempty"`
	Models         []string `json:"models" binding:"required,min=1,max=50,dive,required"`
	FlashAttention bool     `json:"flash_attention,omitempty"`
	CtxSize        int      `json:"ctx_size,omitempty" binding:"omitempty,min=128,max=1048576"`
}

// ResultListResponse wraps a list of results
type ResultListResponse struct {
	Results []models.Result `json:"results"`
	Count   int             `json:"count"`
}

// JoinedResultListResponse wraps results joined with their snapshots
type JoinedResultListResponse struct {
	Results []models.ResultWithSnapshot `json:"results"`
	Count   int                         `json:"count"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.runner != nil && s.runner.Active() != nil {
		response.Services["runner"] = "busy"
	} else {
		response.Services["runner"] = "idle"
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListResults(c *gin.Context) {
	results, err := s.results.AllResults(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to fetch results", err)
		return
	}
	if results == nil {
		results = []models.Result{}
	}

	c.JSON(http.StatusOK, ResultListResponse{Results: results, Count: len(results)})
}

func (s *Server) handleLatestSnapshot(c *gin.Context) {
	snap, err := s.results.LatestSnapshot(c.Request.Context())
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "no system specs recorded yet",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if err != nil {
		s.internalError(c, "failed to fetch system specs", err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleResultsWithSnapshot(c *gin.Context) {
	// Anything that is not a positive integer means no limit
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 0 {
		limit = 0
	}

	results, err := s.results.ResultsWithSnapshot(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "failed to fetch results", err)
		return
	}
	if results == nil {
		results = []models.ResultWithSnapshot{}
	}

	c.JSON(http.StatusOK, JoinedResultListResponse{Results: results, Count: len(results)})
}

func (s *Server) handleListWorkloads(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.List(c.Request.Context()))
}

func (s *Server) handleListBackends(c *gin.Context) {
	backends := s.backends.WithInstalled(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"backends": backends,
		"count":    len(backends),
	})
}

func (s *Server) handleSubmitBenchmark(c *gin.Context) {
	var req SubmitBenchmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request: " + sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	ctx := c.Request.Context()

	name := req.Backend
	if name == "" {
		name = s.defaultBackend
	}
	b, err := s.backends.Lookup(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backend.ErrUnknownBackend) {
			status = http.StatusBadRequest
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	workloads, err := s.catalog.Resolve(ctx, b, req.Models)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	// Only well-formed submissions count against the limit
	if !s.allowSubmit(c) {
		return
	}

	report, err := s.runner.Start(ctx, benchsvc.BatchRequest{
		Backend:   b,
		Workloads: workloads,
		Options:   models.RunOptions{FlashAttention: req.FlashAttention, ContextSize: req.CtxSize},
	})
	if err != nil {
		if errors.Is(err, benchsvc.ErrBatchInProgress) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		if errors.Is(err, benchsvc.ErrRunnerClosed) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		if errors.Is(err, benchsvc.ErrNoWorkloads) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		s.internalError(c, "failed to start benchmark", err)
		return
	}

	c.Header("Location", "/api/benchmark/runs/"+report.RunID)
	c.JSON(http.StatusAccepted, report)
}

func (s *Server) handleBenchmarkStatus(c *gin.Context) {
	active := s.runner.Active()
	if active == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "run": active})
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs := s.runner.ListRuns()
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.runner.GetRun(c.Param("id"))
	if err != nil {
		if errors.Is(err, benchsvc.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		s.internalError(c, "failed to fetch run", err)
		return
	}

	c.JSON(http.StatusOK, run)
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.ErrorContext(c.Request.Context(), msg, "error", err.Error())
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     msg + ": " + err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

// sanitizeValidationError converts internal field names to JSON field names
// in validation error messages.
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		jsonFieldName := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", jsonFieldName))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", jsonFieldName, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", jsonFieldName, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", jsonFieldName, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

var snakeCaseBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

// toSnakeCase converts a PascalCase field name to snake_case
func toSnakeCase(s string) string {
	fieldMappings := map[string]string{
		"CtxSize":        "ctx_size",
		"FlashAttention": "flash_attention",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}
	// dive errors carry an index suffix: Models[0]
	if i := strings.IndexByte(s, '['); i > 0 {
		return toSnakeCase(s[:i]) + s[i:]
	}
	return strings.ToLower(snakeCaseBoundary.ReplaceAllString(s, "${1}_${2}"))
}
