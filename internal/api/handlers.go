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

	"github.com/skyvps360/metered-billing/internal/service/aggregator"
	"github.com/skyvps360/metered-billing/internal/service/events"
	"github.com/skyvps360/metered-billing/internal/service/report"
	"github.com/skyvps360/metered-billing/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
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

// CycleOutcomeRequest reports the payment side's result for a cycle
type CycleOutcomeRequest struct {
	Status    string `json:"status" binding:"required,oneof=completed failed refunded"`
	PaymentID string `json:"payment_id,omitempty" binding:"max=256"`
}

// ListCyclesQuery defines query parameters for billing history
type ListCyclesQuery struct {
	OwnerID string `form:"owner_id"`
	Limit   int    `form:"limit" binding:"min=0"`
}

// ReportQuery defines query parameters for the admin report
type ReportQuery struct {
	OwnerID   string `form:"owner_id"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.scheduler != nil {
		response.Services["scheduler"] = "running"
		response.Services["registrations"] = strconv.Itoa(len(s.scheduler.Registrations()))
	}
	if s.watcher != nil && s.watcher.IsRunning() {
		response.Services["cycle_watcher"] = "running"
	} else {
		response.Services["cycle_watcher"] = "stopped"
	}

	// Return 503 if not ready (e.g., during startup recovery)
	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
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

func (s *Server) handleDeploymentEvent(c *gin.Context) {
	var ev models.DeploymentEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	result, err := s.events.Handle(c.Request.Context(), ev)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, events.ErrInvalidStatus) {
			status = http.StatusBadRequest
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeploymentUsage(c *gin.Context) {
	deploymentID := c.Param("id")

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	records, err := s.reports.DeploymentUsage(c.Request.Context(), deploymentID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to list usage records",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deployment_id": deploymentID,
		"records":       records,
		"count":         len(records),
	})
}

func (s *Server) handleCurrentUsage(c *gin.Context) {
	usage, err := s.reports.CurrentUsage(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to read current usage",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, usage)
}

func (s *Server) handleListCycles(c *gin.Context) {
	var query ListCyclesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	limit := query.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	cycles, err := s.reports.History(c.Request.Context(), query.OwnerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to list billing cycles",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cycles": cycles,
		"count":  len(cycles),
	})
}

func (s *Server) handleGetCycle(c *gin.Context) {
	stmt, err := s.reports.Statement(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, report.ErrCycleNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to get billing cycle",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, stmt)
}

func (s *Server) handleVerifyCycle(c *gin.Context) {
	v, err := s.aggregator.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, aggregator.ErrCycleNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, v)
}

func (s *Server) handleCycleOutcome(c *gin.Context) {
	var req CycleOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	cycle, err := s.aggregator.CloseCycleExternally(c.Request.Context(), c.Param("id"), models.CycleOutcome{
		Status:    models.CycleStatus(req.Status),
		PaymentID: req.PaymentID,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, aggregator.ErrCycleNotFound):
			status = http.StatusNotFound
		case errors.Is(err, aggregator.ErrInvalidOutcome):
			status = http.StatusBadRequest
		case errors.Is(err, aggregator.ErrCycleFinalized):
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, cycle)
}

func (s *Server) handleReport(c *gin.Context) {
	var query ReportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	filter := models.ReportFilter{OwnerID: query.OwnerID}
	if query.StartDate != "" {
		start, err := time.Parse("2006-01-02", query.StartDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid start_date format, expected YYYY-MM-DD: %s", query.StartDate),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		filter.Start = start
	}
	if query.EndDate != "" {
		end, err := time.Parse("2006-01-02", query.EndDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid end_date format, expected YYYY-MM-DD: %s", query.EndDate),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		// The end date is inclusive for callers
		filter.End = end.AddDate(0, 0, 1)
	}

	rpt, err := s.reports.Report(c.Request.Context(), filter)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, report.ErrInvalidRange) {
			status = http.StatusBadRequest
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, rpt)
}

func (s *Server) handleListRegistrations(c *gin.Context) {
	regs := s.scheduler.Registrations()
	c.JSON(http.StatusOK, gin.H{
		"registrations": regs,
		"count":         len(regs),
	})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit: %s", raw)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

// sanitizeValidationError converts internal field names to JSON field names
// in validation error messages to avoid leaking internal implementation details.
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		// Convert field name to JSON tag name (snake_case)
		jsonFieldName := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", jsonFieldName))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", jsonFieldName, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", jsonFieldName, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", jsonFieldName, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", jsonFieldName, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

var camelBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

// toSnakeCase converts a PascalCase or camelCase string to snake_case
func toSnakeCase(s string) string {
	// Handle common field name mappings
	fieldMappings := map[string]string{
		"DeploymentID": "deployment_id",
		"OwnerID":      "owner_id",
		"StorageGB":    "storage_gb",
		"PaymentID":    "payment_id",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}
	return strings.ToLower(camelBoundary.ReplaceAllString(s, "${1}_${2}"))
}
