package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/store"
)

// StartRunRequest is the request body for POST /runs.
type StartRunRequest struct {
	WorkflowID string          `json:"workflow_id" binding:"required"`
	Task       string          `json:"task" binding:"required"`
	Context    models.Context  `json:"context"`
	NotifyURL  string          `json:"notify_url"`
	Scheduler  models.Scheduler `json:"scheduler"`
}

// StartRun handles POST /runs: loads the named workflow spec from the
// Spec Cache and materializes a new run from it.
func (s *Server) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec, err := s.Cache.Get(req.WorkflowID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	scheduler := req.Scheduler
	if scheduler == "" {
		scheduler = models.SchedulerDaemon
	}

	run, err := s.Engine.StartRun(c.Request.Context(), spec, req.Task, req.Context, req.NotifyURL, scheduler)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, run)
}

// GetRun handles GET /runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.Engine.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// CancelRun handles POST /runs/:id/cancel (spec.md §4.4 "Cancellation &
// timeout").
func (s *Server) CancelRun(c *gin.Context) {
	cancelled, err := s.Engine.CancelRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !cancelled {
		c.JSON(http.StatusOK, gin.H{"status": "already_terminal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
