package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vardasoft/antfarm/pkg/store"
)

// CompleteStep handles POST /steps/:id/complete. The request body is the
// step's raw output — KEY: value lines, never argv — exactly what
// antfarmctl pipes on standard input (spec.md §6).
func (s *Server) CompleteStep(c *gin.Context) {
	output, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.Engine.CompleteStep(c.Request.Context(), c.Param("id"), output)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "step not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": result.Advanced, "run_completed": result.RunCompleted})
}

// FailStepRequest is the request body for POST /steps/:id/fail.
type FailStepRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// FailStep handles POST /steps/:id/fail.
func (s *Server) FailStep(c *gin.Context) {
	var req FailStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.Engine.FailStep(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "step not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retrying": result.Retrying, "run_failed": result.RunFailed})
}

func readBody(c *gin.Context) (string, error) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
