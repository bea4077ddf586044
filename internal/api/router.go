package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/runq/internal/api/handlers"
	"github.com/orrn/runq/internal/api/middleware"
)

// NewRouter assembles the HTTP surface: job routes under /api/v1, archive
// routes when an archive handler is provided, and a health probe.
func NewRouter(log zerolog.Logger, jobs *handlers.JobHandler, archives *handlers.ArchiveHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	jobs.RegisterRoutes(v1)
	if archives != nil {
		archives.RegisterRoutes(v1)
	}

	return r
}
