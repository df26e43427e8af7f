package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shopsync/crm-sync/internal/webhook/handler"
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
			"service": "webhook-service",
		})
	})

	orderHandler := handler.NewOrderWebhookHandler(deps)

	webhooks := r.Group("/webhooks")
	{
		orders := webhooks.Group("/orders")
		{
			orders.POST("/created", orderHandler.OrdersCreated)
			orders.POST("/updated", orderHandler.OrdersUpdated)
			orders.POST("/cancelled", orderHandler.OrdersCancelled)
		}
	}

	return r
}
