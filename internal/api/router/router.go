package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memberhost/memberq/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "admin-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	dirHandler := handler.NewDirectoryHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/types - List runnable job types
			jobs.GET("/types", jobHandler.JobTypes)

			// GET /api/v1/jobs/:job_id - Get job details and log
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/:action - Apply an operator action
			jobs.POST("/:job_id/:action", jobHandler.JobAction)
		}

		v1.GET("/members", dirHandler.ListMembers)
		v1.GET("/members/:username", dirHandler.GetMember)
		v1.GET("/societies", dirHandler.ListSocieties)
		v1.GET("/societies/:society", dirHandler.GetSociety)
	}

	return r
}
