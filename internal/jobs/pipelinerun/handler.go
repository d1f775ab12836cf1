package pipelinerun

import (
	"fmt"

	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/engine"
	"github.com/yungbote/catalogbridge-backend/internal/jobs/runtime"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

const JobType = "pipeline_run"

// Handler executes one queued pipeline run: it materializes the run row at
// claim time, gathers candidate entities and hands off to the engine.
type Handler struct {
	log       *logger.Logger
	engine    *engine.Engine
	pipelines repos.PipelineRepo
	entities  repos.EntityRepo
	runs      repos.PipelineRunRepo
}

func NewHandler(log *logger.Logger, eng *engine.Engine, pipelines repos.PipelineRepo, entities repos.EntityRepo, runs repos.PipelineRunRepo) *Handler {
	return &Handler{
		log:       log.With("job", JobType),
		engine:    eng,
		pipelines: pipelines,
		entities:  entities,
		runs:      runs,
	}
}

func (h *Handler) Type() string { return JobType }

func (h *Handler) Run(jc *runtime.Context) error {
	dbc := dbctx.Context{Ctx: jc.Ctx}

	pipelineID, ok := jc.PayloadUUID("pipeline_id")
	if !ok {
		err := fmt.Errorf("payload missing pipeline_id")
		jc.Fail("validate", err)
		return nil
	}
	triggeredBy := jc.PayloadString("triggered_by")
	if triggeredBy == "" {
		triggeredBy = types.TriggerManual
	}
	triggerRef := jc.PayloadString("trigger_ref")
	maxEntities := jc.PayloadInt("max_entities")
	force := jc.PayloadBool("force")

	p, err := h.pipelines.GetByID(dbc, pipelineID)
	if err != nil {
		jc.Fail("load_pipeline", err)
		return nil
	}

	jc.Progress("gather_entities", 10, "collecting candidate entities")
	ids, err := h.entities.ListIDsByKind(dbc, p.EntityKind)
	if err != nil {
		jc.Fail("gather_entities", err)
		return nil
	}

	run, err := h.runs.Create(dbc, &types.PipelineRun{
		PipelineID:      p.ID,
		PipelineVersion: p.Version,
		TriggeredBy:     triggeredBy,
		TriggerRef:      triggerRef,
		BatchSize:       maxEntities,
	})
	if err != nil {
		jc.Fail("create_run", err)
		return nil
	}

	jc.Progress("execute", 30, fmt.Sprintf("run %s over %d candidates", run.ID, len(ids)))
	execErr := h.engine.ExecuteRun(dbc, engine.RunParams{
		Pipeline:    p,
		Run:         run,
		Candidates:  ids,
		MaxEntities: maxEntities,
		Force:       force,
	})
	if execErr != nil {
		// Run status is already persisted as failed; the job mirrors it.
		jc.Fail("execute", execErr)
		return nil
	}

	final, err := h.runs.GetByID(dbc, run.ID)
	if err != nil {
		jc.Fail("finalize", err)
		return nil
	}
	jc.Succeed("done", map[string]any{
		"run_id":    final.ID,
		"status":    final.Status,
		"processed": final.Processed,
		"failed":    final.Failed,
		"skipped":   final.Skipped,
	})
	return nil
}
