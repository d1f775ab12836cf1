package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/catalogbridge-backend/internal/clients/openai"
	redisclient "github.com/yungbote/catalogbridge-backend/internal/clients/redis"
	"github.com/yungbote/catalogbridge-backend/internal/data/db"
	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	"github.com/yungbote/catalogbridge-backend/internal/engine"
	"github.com/yungbote/catalogbridge-backend/internal/handlers"
	"github.com/yungbote/catalogbridge-backend/internal/jobs/pipelinerun"
	"github.com/yungbote/catalogbridge-backend/internal/jobs/runtime"
	"github.com/yungbote/catalogbridge-backend/internal/jobs/worker"
	"github.com/yungbote/catalogbridge-backend/internal/modules"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
	"github.com/yungbote/catalogbridge-backend/internal/platform/sandbox"
	"github.com/yungbote/catalogbridge-backend/internal/server"
	"github.com/yungbote/catalogbridge-backend/internal/services"
	"github.com/yungbote/catalogbridge-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	entityRepo := repos.NewEntityRepo(thePG, log)
	attributeDefRepo := repos.NewAttributeDefRepo(thePG, log)
	attributeValueRepo := repos.NewAttributeValueRepo(thePG, log)
	pipelineRepo := repos.NewPipelineRepo(thePG, log)
	pipelineModuleRepo := repos.NewPipelineModuleRepo(thePG, log)
	pipelineRunRepo := repos.NewPipelineRunRepo(thePG, log)
	pipelineEvalRepo := repos.NewPipelineEvalRepo(thePG, log)
	jobRunRepo := repos.NewJobRunRepo(thePG, log)

	// External clients
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Warn("OpenAI client unavailable; ai_call modules will fail", "error", err)
		openaiClient = nil
	}
	sandboxRunner := sandbox.NewSubprocessRunner(log)

	// Notifications: redis bus when configured, structured log otherwise.
	var notifier services.JobNotifier
	runBus, err := redisclient.NewRunBus(log)
	if err != nil {
		log.Warn("Redis run bus unavailable, falling back to log notifier", "error", err)
		notifier = services.NewLogNotifier(log)
	} else {
		defer runBus.Close()
		notifier = services.NewBusNotifier(log, runBus)
	}

	// Engine + services
	log.Info("Setting up services from main...")
	moduleRegistry := modules.DefaultRegistry()
	eng := engine.New(log, moduleRegistry, attributeDefRepo, attributeValueRepo,
		pipelineRepo, pipelineModuleRepo, pipelineRunRepo, openaiClient, sandboxRunner)
	evalRunner := engine.NewEvalRunner(eng, pipelineEvalRepo)
	pipelineService := services.NewPipelineService(log, moduleRegistry, attributeDefRepo,
		pipelineRepo, pipelineModuleRepo, pipelineRunRepo, pipelineEvalRepo, jobRunRepo, evalRunner)

	// Job worker
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobRegistry := runtime.NewRegistry()
	if err := jobRegistry.Register(pipelinerun.NewHandler(log, eng, pipelineRepo, entityRepo, pipelineRunRepo)); err != nil {
		log.Error("Failed to register job handler", "error", err)
		os.Exit(1)
	}
	jobWorker := worker.NewWorker(thePG, log, jobRunRepo, jobRegistry, notifier)
	jobWorker.Start(ctx)

	// Router
	log.Info("Setting up router from main...")
	pipelineHandler := handlers.NewPipelineHandler(pipelineService)
	router := server.NewRouter(server.RouterConfig{
		PipelineHandler: pipelineHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server exited", "error", err)
	}
	jobWorker.Wait()
}
