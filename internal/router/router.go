package router

import (
	"allocation-service/internal/handlers"
	"allocation-service/internal/middleware"
	"allocation-service/internal/service"

	"github.com/gin-contrib/cors"
	"go.uber.org/zap"

	"github.com/gin-gonic/gin"
)

func Router(svc service.AllocationService, log *zap.Logger) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", middleware.HeaderUserID, middleware.HeaderUserRole},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	h := handlers.NewAllocationHandler(svc, log)

	api := r.Group("/api/v1", middleware.ActorRequired(log))
	{
		api.POST("/allocations", h.Create)
		api.GET("/allocations", h.ListByDemandLine)
		api.GET("/allocations/:id", h.GetPlan)
		api.GET("/allocations/details/:id/state", h.GetDetailState)
		api.POST("/allocations/details/:id/cancellations", h.Cancel)
		api.PATCH("/allocations/details/:id/etd", h.UpdateETD)
		api.POST("/cancellations/:id/reversal", h.ReverseCancellation)
	}

	return r
}
