package app

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter creates and configures the API router
func (a *App) NewRouter() *gin.Engine {
	if a.cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.metrics.PrometheusMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	// Health and metrics endpoints
	router.GET("/health", a.Health.Handler())
	router.GET("/health/live", a.Health.LivenessHandler())
	router.GET("/health/ready", a.Health.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/messages", a.createMessage)
		v1.POST("/catalog/sync", a.syncCatalog)
		v1.GET("/users/:id", a.getUser)
		v1.POST("/comments/:id/replies", a.replyToComment)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/resilience", a.resilienceStatus)
		admin.POST("/breaker/reset", a.resetBreaker)
	}

	return router
}
