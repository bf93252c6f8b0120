package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/condition"
)

// validateRule checks a condition rule for structural well-formedness
// without evaluating it, so callers can pre-flight flow definitions.
func (s *Server) validateRule(c *gin.Context) {
	var rule map[string]any
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	if err := condition.New().ValidateRule(rule); err != nil {
		c.JSON(http.StatusOK, api.RuleValidationResponse{
			Valid: false,
			Error: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, api.RuleValidationResponse{Valid: true})
}
