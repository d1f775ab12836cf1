package services

import (
	"context"
	"time"

	redisclient "github.com/yungbote/catalogbridge-backend/internal/clients/redis"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

// JobNotifier fans out job lifecycle events. Implementations must be safe to
// call from worker goroutines and must never block job execution on delivery.
type JobNotifier interface {
	JobProgress(job *types.JobRun, stage string, pct int, msg string)
	JobFailed(job *types.JobRun, stage string, errMsg string)
	JobDone(job *types.JobRun)
}

type busNotifier struct {
	log *logger.Logger
	bus redisclient.RunBus
}

// NewBusNotifier publishes job events over the redis run bus.
func NewBusNotifier(log *logger.Logger, bus redisclient.RunBus) JobNotifier {
	return &busNotifier{log: log.With("service", "BusNotifier"), bus: bus}
}

func (n *busNotifier) publish(ev redisclient.RunEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.bus.Publish(ctx, ev); err != nil {
		n.log.Warn("failed to publish run event", "type", ev.Type, "error", err)
	}
}

func eventFor(job *types.JobRun, evType string) redisclient.RunEvent {
	ev := redisclient.RunEvent{Type: evType, At: time.Now()}
	if job != nil {
		ev.JobID = job.ID.String()
		if job.EntityID != nil {
			ev.PipelineID = job.EntityID.String()
		}
	}
	return ev
}

func (n *busNotifier) JobProgress(job *types.JobRun, stage string, pct int, msg string) {
	ev := eventFor(job, "job.progress")
	ev.Stage = stage
	ev.Progress = pct
	ev.Message = msg
	n.publish(ev)
}

func (n *busNotifier) JobFailed(job *types.JobRun, stage string, errMsg string) {
	ev := eventFor(job, "job.failed")
	ev.Stage = stage
	ev.Error = errMsg
	n.publish(ev)
}

func (n *busNotifier) JobDone(job *types.JobRun) {
	n.publish(eventFor(job, "job.done"))
}

type logNotifier struct {
	log *logger.Logger
}

// NewLogNotifier is the fallback when redis is not configured: events only go
// to the structured log.
func NewLogNotifier(log *logger.Logger) JobNotifier {
	return &logNotifier{log: log.With("service", "LogNotifier")}
}

func (n *logNotifier) JobProgress(job *types.JobRun, stage string, pct int, msg string) {
	n.log.Info("job progress", "job_id", jobID(job), "stage", stage, "progress", pct, "message", msg)
}

func (n *logNotifier) JobFailed(job *types.JobRun, stage string, errMsg string) {
	n.log.Warn("job failed", "job_id", jobID(job), "stage", stage, "error", errMsg)
}

func (n *logNotifier) JobDone(job *types.JobRun) {
	n.log.Info("job done", "job_id", jobID(job))
}

func jobID(job *types.JobRun) string {
	if job == nil {
		return ""
	}
	return job.ID.String()
}
