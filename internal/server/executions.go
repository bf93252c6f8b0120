package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/execlog"
	"github.com/loomworks/loom/pkg/api"
)

var (
	ErrInvalidJSON      = errors.New("invalid JSON payload")
	ErrOrgRequired      = errors.New("orgId query parameter is required")
	ErrInvalidTimeRange = errors.New("time range bounds must be unix milliseconds")
	ErrGetExecution     = errors.New("failed to get execution")
	ErrGetLogs          = errors.New("failed to get execution logs")
	ErrGetStats         = errors.New("failed to get execution stats")
)

func (s *Server) submitExecution(c *gin.Context) {
	var ev api.ExecuteEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	exec, err := s.engine.Submit(c.Request.Context(), &ev)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusBadRequest,
		})
		return
	}

	c.JSON(http.StatusAccepted, api.ExecutionAcceptedResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
	})
}

func (s *Server) getExecution(c *gin.Context) {
	org, id, ok := s.executionParams(c)
	if !ok {
		return
	}

	exec, err := s.engine.Execution(c.Request.Context(), org, id)
	if err == nil {
		c.JSON(http.StatusOK, exec)
		return
	}

	if errors.Is(err, engine.ErrExecutionNotFound) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, api.ErrorResponse{
		Error:  fmt.Sprintf("%s: %v", ErrGetExecution, err),
		Status: http.StatusInternalServerError,
	})
}

func (s *Server) cancelExecution(c *gin.Context) {
	org, id, ok := s.executionParams(c)
	if !ok {
		return
	}

	exec, err := s.engine.Cancel(c.Request.Context(), org, id)
	if err == nil {
		c.JSON(http.StatusOK, exec)
		return
	}

	switch {
	case errors.Is(err, engine.ErrExecutionNotFound):
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusNotFound,
		})
	case errors.Is(err, engine.ErrExecutionTerminal):
		c.JSON(http.StatusConflict, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusConflict,
		})
	default:
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusInternalServerError,
		})
	}
}

func (s *Server) getExecutionLogs(c *gin.Context) {
	org, id, ok := s.executionParams(c)
	if !ok {
		return
	}

	logs, err := s.engine.Logs(c.Request.Context(), org, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrGetLogs, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	if step := c.Query("stepId"); step != "" {
		filtered := logs[:0]
		for _, row := range logs {
			if row.StepID == api.StepID(step) {
				filtered = append(filtered, row)
			}
		}
		logs = filtered
	}

	c.JSON(http.StatusOK, api.LogsResponse{
		Logs:  logs,
		Count: len(logs),
	})
}

// getOrgStats aggregates log rows across an org's executions. The
// optional from/to query parameters are unix milliseconds.
func (s *Server) getOrgStats(c *gin.Context) {
	org := c.Query("orgId")
	if org == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  ErrOrgRequired.Error(),
			Status: http.StatusBadRequest,
		})
		return
	}

	rng, err := statsRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusBadRequest,
		})
		return
	}

	stats, err := s.engine.OrgStats(c.Request.Context(), api.OrgID(org), rng)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrGetStats, err),
			Status: http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func statsRange(c *gin.Context) (*execlog.TimeRange, error) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" && to == "" {
		return nil, nil
	}
	rng := &execlog.TimeRange{}
	if from != "" {
		ms, err := strconv.ParseInt(from, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: from", ErrInvalidTimeRange)
		}
		rng.From = time.UnixMilli(ms)
	}
	if to != "" {
		ms, err := strconv.ParseInt(to, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: to", ErrInvalidTimeRange)
		}
		rng.To = time.UnixMilli(ms)
	}
	return rng, nil
}

func (s *Server) getExecutionStats(c *gin.Context) {
	org, id, ok := s.executionParams(c)
	if !ok {
		return
	}

	stats, err := s.engine.Stats(c.Request.Context(), org, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrGetStats, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) executionParams(
	c *gin.Context,
) (api.OrgID, api.ExecutionID, bool) {
	org := c.Query("orgId")
	if org == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  ErrOrgRequired.Error(),
			Status: http.StatusBadRequest,
		})
		return "", "", false
	}
	return api.OrgID(org), api.ExecutionID(c.Param("executionID")), true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Service: "loom-engine",
		Version: "1.0.0",
		Status:  "healthy",
	})
}
