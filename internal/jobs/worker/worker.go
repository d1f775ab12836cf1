package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	"github.com/yungbote/catalogbridge-backend/internal/jobs/runtime"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
	"github.com/yungbote/catalogbridge-backend/internal/services"
	"github.com/yungbote/catalogbridge-backend/internal/utils"
)

// Worker polls the job_run queue and dispatches claimed jobs to registered
// handlers. Claiming uses SKIP LOCKED so multiple worker processes can share
// one queue safely.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     repos.JobRunRepo
	registry *runtime.Registry
	notify   services.JobNotifier
	group    *errgroup.Group
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.JobRunRepo, registry *runtime.Registry, notify services.JobNotifier) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		notify:   notify,
	}
}

// Start launches WORKER_CONCURRENCY polling loops. Loops exit when ctx is
// canceled; Wait blocks until all loops have drained.
func (w *Worker) Start(ctx context.Context) {
	concurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, w.log)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("starting job worker pool", "concurrency", concurrency)

	g, gctx := errgroup.WithContext(ctx)
	w.group = g
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			w.runLoop(gctx, workerID)
			return nil
		})
	}
}

func (w *Worker) Wait() {
	if w.group != nil {
		_ = w.group.Wait()
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	maxAttempts := utils.GetEnvAsInt("WORKER_MAX_ATTEMPTS", 5, w.log)
	retryDelay := time.Duration(utils.GetEnvAsInt("WORKER_RETRY_DELAY_SECONDS", 30, w.log)) * time.Second
	staleRunning := time.Duration(utils.GetEnvAsInt("WORKER_STALE_RUNNING_MINUTES", 30, w.log)) * time.Minute

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, maxAttempts, retryDelay, staleRunning)
			if err != nil {
				w.log.Warn("claim failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}

			jc := runtime.NewContext(ctx, w.db, job, w.repo, w.notify)
			h, ok := w.registry.Get(job.JobType)
			if !ok {
				w.log.Warn("no handler registered for job_type",
					"worker_id", workerID, "job_type", job.JobType, "job_id", job.ID)
				jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType))
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						w.log.Error("job handler panic",
							"worker_id", workerID, "job_id", job.ID, "job_type", job.JobType, "panic", r)
						jc.Fail("panic", fmt.Errorf("panic: %v", r))
					}
				}()
				if runErr := h.Run(jc); runErr != nil {
					// Handlers usually call jc.Fail themselves; safety net.
					jc.Fail("run", runErr)
				}
			}()
		}
	}
}
