// Package api exposes the scheduler's local HTTP surface: starting and
// cancelling runs, ingesting a worker's step completion/failure report
// (spec.md §6 worker completion protocol), health, and a Prometheus
// scrape endpoint: a *Server holding its dependencies, one method per
// route, gin.H error bodies.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vardasoft/antfarm/pkg/events"
	"github.com/vardasoft/antfarm/pkg/metrics"
	"github.com/vardasoft/antfarm/pkg/pipeline"
	"github.com/vardasoft/antfarm/pkg/workflow"
)

// Server holds the dependencies every handler needs.
type Server struct {
	Engine  *pipeline.Engine
	Cache   *workflow.Cache
	Journal *events.Journal
}

// NewServer wires a Server from its dependencies.
func NewServer(engine *pipeline.Engine, cache *workflow.Cache, journal *events.Journal) *Server {
	return &Server{Engine: engine, Cache: cache, Journal: journal}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	runs := r.Group("/runs")
	runs.POST("", s.StartRun)
	runs.GET("/:id", s.GetRun)
	runs.POST("/:id/cancel", s.CancelRun)

	steps := r.Group("/steps")
	steps.POST("/:id/complete", s.CompleteStep)
	steps.POST("/:id/fail", s.FailStep)

	return r
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
