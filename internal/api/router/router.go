package router

import (
	"net/http"

	"github.com/cuongbtq/jobcore/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options tunes the cross-cutting middleware
type Options struct {
	AllowedOrigins    []string
	RequestsPerSecond float64
	Burst             int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": deps.ServiceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(RateLimitMiddleware(opts.RequestsPerSecond, opts.Burst))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job, optionally waiting for it
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs/:job_id - Get a finished job's outcome
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
