package services

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/engine"
	"github.com/yungbote/catalogbridge-backend/internal/modules"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

// PipelineRunJobType is the job_run row type enqueued by SubmitRun; the
// worker-side handler registers under the same name.
const PipelineRunJobType = "pipeline_run"

// EvalView pairs a stored eval row with its derived pass/fail/not-run status.
type EvalView struct {
	Eval   *types.PipelineEval `json:"eval"`
	Status string              `json:"status"`
}

// PipelineService owns pipeline configuration changes and run submission.
// Every module-configuration change bumps the pipeline version atomically so
// stored values can be detected as stale.
type PipelineService interface {
	CreatePipeline(dbc dbctx.Context, p *types.Pipeline) (*types.Pipeline, error)
	GetPipeline(dbc dbctx.Context, id uuid.UUID) (*types.Pipeline, error)
	ListPipelines(dbc dbctx.Context, kind string) ([]*types.Pipeline, error)

	AddModule(dbc dbctx.Context, pipelineID uuid.UUID, order int, moduleType string, settings json.RawMessage) (*types.PipelineModule, error)
	UpdateModuleSettings(dbc dbctx.Context, moduleID uuid.UUID, settings json.RawMessage) error
	RemoveModule(dbc dbctx.Context, moduleID uuid.UUID) error

	SubmitRun(dbc dbctx.Context, pipelineID uuid.UUID, triggeredBy, triggerRef string, maxEntities int, force bool) (uuid.UUID, error)
	GetRun(dbc dbctx.Context, runID uuid.UUID) (*types.PipelineRun, error)
	ListRuns(dbc dbctx.Context, pipelineID uuid.UUID, limit int) ([]*types.PipelineRun, error)
	CancelRun(dbc dbctx.Context, runID uuid.UUID) error

	CreateEval(dbc dbctx.Context, pipelineID, entityID uuid.UUID, desiredValue any) (*types.PipelineEval, error)
	ListEvals(dbc dbctx.Context, pipelineID uuid.UUID) ([]EvalView, error)
	RunEvals(dbc dbctx.Context, pipelineID uuid.UUID) ([]engine.EvalOutcome, error)

	ExecutionOrder(dbc dbctx.Context, kind string) ([]uuid.UUID, error)
}

type pipelineService struct {
	log             *logger.Logger
	registry        *modules.Registry
	defs            repos.AttributeDefRepo
	pipelines       repos.PipelineRepo
	pipelineModules repos.PipelineModuleRepo
	runs            repos.PipelineRunRepo
	evals           repos.PipelineEvalRepo
	jobs            repos.JobRunRepo
	evalRunner      *engine.EvalRunner
}

func NewPipelineService(
	baseLog *logger.Logger,
	registry *modules.Registry,
	defs repos.AttributeDefRepo,
	pipelines repos.PipelineRepo,
	pipelineModules repos.PipelineModuleRepo,
	runs repos.PipelineRunRepo,
	evals repos.PipelineEvalRepo,
	jobs repos.JobRunRepo,
	evalRunner *engine.EvalRunner,
) PipelineService {
	return &pipelineService{
		log:             baseLog.With("service", "PipelineService"),
		registry:        registry,
		defs:            defs,
		pipelines:       pipelines,
		pipelineModules: pipelineModules,
		runs:            runs,
		evals:           evals,
		jobs:            jobs,
		evalRunner:      evalRunner,
	}
}

func (s *pipelineService) CreatePipeline(dbc dbctx.Context, p *types.Pipeline) (*types.Pipeline, error) {
	def, err := s.defs.GetByID(dbc, p.AttributeID)
	if err != nil {
		return nil, fmt.Errorf("target attribute: %w", err)
	}
	if !def.IsPipeline {
		return nil, fmt.Errorf("%w: attribute %q is not flagged as pipeline-computed", pkgerrors.ErrInvalidConfig, def.Code)
	}
	if def.EntityKind != p.EntityKind {
		return nil, fmt.Errorf("%w: attribute %q belongs to kind %q, pipeline targets %q",
			pkgerrors.ErrInvalidConfig, def.Code, def.EntityKind, p.EntityKind)
	}
	if p.FilterAttributeID != nil {
		if p.FilterOperator != types.FilterOpEqual && p.FilterOperator != types.FilterOpIn {
			return nil, fmt.Errorf("%w: unsupported filter operator %q", pkgerrors.ErrInvalidConfig, p.FilterOperator)
		}
	}
	return s.pipelines.Create(dbc, p)
}

func (s *pipelineService) GetPipeline(dbc dbctx.Context, id uuid.UUID) (*types.Pipeline, error) {
	return s.pipelines.GetByID(dbc, id)
}

func (s *pipelineService) ListPipelines(dbc dbctx.Context, kind string) ([]*types.Pipeline, error) {
	return s.pipelines.ListByKind(dbc, kind)
}

// AddModule validates settings against the module type's schema, enforces the
// single-source invariant and bumps the pipeline version.
func (s *pipelineService) AddModule(dbc dbctx.Context, pipelineID uuid.UUID, order int, moduleType string, settings json.RawMessage) (*types.PipelineModule, error) {
	if _, err := s.pipelines.GetByID(dbc, pipelineID); err != nil {
		return nil, err
	}
	def, ok := s.registry.Get(moduleType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown module type %q", pkgerrors.ErrInvalidConfig, moduleType)
	}
	if err := s.registry.ValidateSettings(moduleType, settings); err != nil {
		return nil, err
	}

	if def.Kind == modules.KindSource {
		existing, err := s.pipelineModules.ListByPipeline(dbc, pipelineID)
		if err != nil {
			return nil, err
		}
		for _, m := range existing {
			if d, ok := s.registry.Get(m.ModuleType); ok && d.Kind == modules.KindSource {
				return nil, fmt.Errorf("%w: pipeline already has a source module", pkgerrors.ErrInvalidConfig)
			}
		}
	}

	row, err := s.pipelineModules.Create(dbc, &types.PipelineModule{
		PipelineID: pipelineID,
		Order:      order,
		ModuleType: moduleType,
		Settings:   datatypes.JSON(settings),
	})
	if err != nil {
		return nil, err
	}
	if err := s.pipelines.BumpVersion(dbc, pipelineID); err != nil {
		return nil, err
	}
	s.log.Info("module added", "pipeline_id", pipelineID, "module_type", moduleType, "order", order)
	return row, nil
}

func (s *pipelineService) UpdateModuleSettings(dbc dbctx.Context, moduleID uuid.UUID, settings json.RawMessage) error {
	row, err := s.pipelineModules.GetByID(dbc, moduleID)
	if err != nil {
		return err
	}
	if err := s.registry.ValidateSettings(row.ModuleType, settings); err != nil {
		return err
	}
	if err := s.pipelineModules.UpdateSettings(dbc, moduleID, settings); err != nil {
		return err
	}
	return s.pipelines.BumpVersion(dbc, row.PipelineID)
}

func (s *pipelineService) RemoveModule(dbc dbctx.Context, moduleID uuid.UUID) error {
	row, err := s.pipelineModules.GetByID(dbc, moduleID)
	if err != nil {
		return err
	}
	if err := s.pipelineModules.Delete(dbc, moduleID); err != nil {
		return err
	}
	return s.pipelines.BumpVersion(dbc, row.PipelineID)
}

// SubmitRun enqueues an asynchronous run job. A pipeline with a queued or
// running job is not enqueued twice unless force is set.
func (s *pipelineService) SubmitRun(dbc dbctx.Context, pipelineID uuid.UUID, triggeredBy, triggerRef string, maxEntities int, force bool) (uuid.UUID, error) {
	p, err := s.pipelines.GetByID(dbc, pipelineID)
	if err != nil {
		return uuid.Nil, err
	}
	switch triggeredBy {
	case types.TriggerSchedule, types.TriggerEntitySave, types.TriggerManual:
	default:
		return uuid.Nil, fmt.Errorf("%w: unknown trigger %q", pkgerrors.ErrInvalidArgument, triggeredBy)
	}

	if !force {
		pending, err := s.jobs.HasRunnableForEntity(dbc, "pipeline", p.ID, PipelineRunJobType)
		if err != nil {
			return uuid.Nil, err
		}
		if pending {
			return uuid.Nil, fmt.Errorf("%w: pipeline %s already has a pending run", pkgerrors.ErrInvalidArgument, p.ID)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"pipeline_id":  p.ID,
		"triggered_by": triggeredBy,
		"trigger_ref":  triggerRef,
		"max_entities": maxEntities,
		"force":        force,
	})
	if err != nil {
		return uuid.Nil, err
	}
	pid := p.ID
	jobs, err := s.jobs.Create(dbc, []*types.JobRun{{
		JobType:    PipelineRunJobType,
		EntityType: "pipeline",
		EntityID:   &pid,
		Status:     "queued",
		Stage:      "queued",
		Payload:    datatypes.JSON(payload),
	}})
	if err != nil {
		return uuid.Nil, err
	}
	s.log.Info("run submitted", "pipeline_id", p.ID, "job_id", jobs[0].ID, "triggered_by", triggeredBy)
	return jobs[0].ID, nil
}

func (s *pipelineService) GetRun(dbc dbctx.Context, runID uuid.UUID) (*types.PipelineRun, error) {
	return s.runs.GetByID(dbc, runID)
}

func (s *pipelineService) ListRuns(dbc dbctx.Context, pipelineID uuid.UUID, limit int) ([]*types.PipelineRun, error) {
	return s.runs.ListByPipeline(dbc, pipelineID, limit)
}

func (s *pipelineService) CancelRun(dbc dbctx.Context, runID uuid.UUID) error {
	run, err := s.runs.GetByID(dbc, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunStatusRunning {
		return fmt.Errorf("%w: run %s is %s, not running", pkgerrors.ErrInvalidArgument, runID, run.Status)
	}
	return s.runs.RequestCancel(dbc, runID)
}

// CreateEval stores the desired output in the `{value: ...}` container used
// for canonical comparison.
func (s *pipelineService) CreateEval(dbc dbctx.Context, pipelineID, entityID uuid.UUID, desiredValue any) (*types.PipelineEval, error) {
	if _, err := s.pipelines.GetByID(dbc, pipelineID); err != nil {
		return nil, err
	}
	desired, err := json.Marshal(map[string]any{"value": desiredValue})
	if err != nil {
		return nil, err
	}
	return s.evals.Create(dbc, &types.PipelineEval{
		PipelineID:    pipelineID,
		EntityID:      entityID,
		DesiredOutput: datatypes.JSON(desired),
	})
}

func (s *pipelineService) ListEvals(dbc dbctx.Context, pipelineID uuid.UUID) ([]EvalView, error) {
	rows, err := s.evals.ListByPipeline(dbc, pipelineID)
	if err != nil {
		return nil, err
	}
	out := make([]EvalView, 0, len(rows))
	for _, ev := range rows {
		out = append(out, EvalView{Eval: ev, Status: engine.EvalStatus(ev)})
	}
	return out, nil
}

func (s *pipelineService) RunEvals(dbc dbctx.Context, pipelineID uuid.UUID) ([]engine.EvalOutcome, error) {
	return s.evalRunner.RunAll(dbc, pipelineID)
}

// ExecutionOrder returns pipeline ids for a kind in dependency order, the
// sequence a scheduler should submit runs in.
func (s *pipelineService) ExecutionOrder(dbc dbctx.Context, kind string) ([]uuid.UUID, error) {
	nodes, err := engine.LoadResolverNodes(dbc, kind, s.pipelines, s.pipelineModules, s.defs)
	if err != nil {
		return nil, err
	}
	ordered, err := engine.OrderPipelines(nodes)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(ordered))
	for _, n := range ordered {
		out = append(out, n.PipelineID)
	}
	return out, nil
}
