package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/catalogbridge-backend/internal/handlers"
)

type RouterConfig struct {
	PipelineHandler *handlers.PipelineHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/pipelines", cfg.PipelineHandler.CreatePipeline)
		api.GET("/pipelines", cfg.PipelineHandler.ListPipelines)
		api.GET("/pipelines/order", cfg.PipelineHandler.ExecutionOrder)
		api.GET("/pipelines/:id", cfg.PipelineHandler.GetPipeline)
		api.POST("/pipelines/:id/modules", cfg.PipelineHandler.AddModule)
		api.POST("/pipelines/:id/runs", cfg.PipelineHandler.SubmitRun)
		api.GET("/pipelines/:id/runs", cfg.PipelineHandler.ListRuns)
		api.POST("/pipelines/:id/evals", cfg.PipelineHandler.CreateEval)
		api.GET("/pipelines/:id/evals", cfg.PipelineHandler.ListEvals)
		api.POST("/pipelines/:id/evals/run", cfg.PipelineHandler.RunEvals)

		api.PUT("/modules/:id", cfg.PipelineHandler.UpdateModule)
		api.DELETE("/modules/:id", cfg.PipelineHandler.RemoveModule)

		api.GET("/runs/:id", cfg.PipelineHandler.GetRun)
		api.POST("/runs/:id/cancel", cfg.PipelineHandler.CancelRun)
	}

	return router
}
