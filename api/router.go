package api

import (
	"github.com/gin-gonic/gin"

	"github.com/yummysource/clipforge-sub000/config"
)

func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		// Single-task endpoints
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/running", h.handleRunningCount)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.DELETE("/tasks/:taskId", h.handleRemoveTask)

		// Batch endpoints. One batch at a time.
		v1.POST("/batch", h.handleCreateBatch)
		v1.GET("/batch", h.handleGetBatch)
		v1.PATCH("/batch/cancel", h.handleCancelBatch)
		v1.DELETE("/batch", h.handleResetBatch)

		// Media inspection
		v1.GET("/probe", h.handleProbe)
	}
	return r
}
