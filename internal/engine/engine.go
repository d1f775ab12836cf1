package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/catalogbridge-backend/internal/attrstore"
	"github.com/yungbote/catalogbridge-backend/internal/clients/openai"
	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/modules"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/canonjson"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
	"github.com/yungbote/catalogbridge-backend/internal/platform/sandbox"
)

// Engine orchestrates pipeline runs: filtering, source load, processor
// chains, write-through and bookkeeping. One Engine is shared across runs;
// per-run state lives in the entityState slice local to ExecuteRun.
type Engine struct {
	log             *logger.Logger
	registry        *modules.Registry
	defs            repos.AttributeDefRepo
	values          repos.AttributeValueRepo
	pipelines       repos.PipelineRepo
	pipelineModules repos.PipelineModuleRepo
	runs            repos.PipelineRunRepo
	ai              openai.Client
	sandbox         sandbox.Runner
}

func New(
	log *logger.Logger,
	registry *modules.Registry,
	defs repos.AttributeDefRepo,
	values repos.AttributeValueRepo,
	pipelines repos.PipelineRepo,
	pipelineModules repos.PipelineModuleRepo,
	runs repos.PipelineRunRepo,
	ai openai.Client,
	sandboxRunner sandbox.Runner,
) *Engine {
	return &Engine{
		log:             log.With("service", "Engine"),
		registry:        registry,
		defs:            defs,
		values:          values,
		pipelines:       pipelines,
		pipelineModules: pipelineModules,
		runs:            runs,
		ai:              ai,
		sandbox:         sandboxRunner,
	}
}

// RunParams bounds one execution: the pipeline, an open run row, the
// candidate entity ids and an optional cap applied after filtering.
type RunParams struct {
	Pipeline    *types.Pipeline
	Run         *types.PipelineRun
	Candidates  []uuid.UUID
	MaxEntities int
	// Force recomputes entities whose stored input_hash and pipeline_version
	// already match the current inputs; without it they are skipped.
	Force bool
}

// chainStep is one processor with its resolved output key: the name under
// which this step's value lands in the running inputs for later steps.
type chainStep struct {
	processor modules.Processor
	outputKey string
}

type chain struct {
	source modules.Source
	steps  []chainStep
}

// entityState is one entity's progress through a run. failed entities stay in
// the slice so counters and diagnostics keep their slot; steps skip them.
type entityState struct {
	id            uuid.UUID
	inputs        modules.Inputs
	inputHash     string
	value         any
	confidence    *float64
	justification string
	failed        bool
	failMsg       string
}

func (s *entityState) fail(msg string) {
	s.failed = true
	s.failMsg = msg
}

// loadChain resolves a pipeline's persisted module rows into live instances.
// Exactly one source module and at least one processor are required; any
// unknown type or bad settings blob fails here, before any entity work.
func (e *Engine) loadChain(dbc dbctx.Context, p *types.Pipeline) (*chain, error) {
	rows, err := e.pipelineModules.ListByPipeline(dbc, p.ID)
	if err != nil {
		return nil, err
	}
	deps := modules.Deps{
		Log:        e.log,
		EntityKind: p.EntityKind,
		Defs:       e.defs,
		Values:     e.values,
		AI:         e.ai,
		Sandbox:    e.sandbox,
	}
	var c chain
	for _, row := range rows {
		mod, err := e.registry.Build(deps, row.ModuleType, json.RawMessage(row.Settings))
		if err != nil {
			return nil, err
		}
		switch m := mod.(type) {
		case modules.Source:
			if c.source != nil {
				return nil, fmt.Errorf("%w: pipeline %s has more than one source module", pkgerrors.ErrInvalidConfig, p.ID)
			}
			c.source = m
		case modules.Processor:
			c.steps = append(c.steps, chainStep{processor: m, outputKey: outputKey(row.Settings)})
		default:
			return nil, fmt.Errorf("%w: module %q implements neither source nor processor", pkgerrors.ErrInvalidConfig, row.ModuleType)
		}
	}
	if c.source == nil {
		return nil, fmt.Errorf("%w: pipeline %s has no source module", pkgerrors.ErrInvalidConfig, p.ID)
	}
	if len(c.steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline %s has no processor modules", pkgerrors.ErrInvalidConfig, p.ID)
	}
	return &c, nil
}

// outputKey reads the optional output_key from a module's settings blob.
// Later steps see this step's value under that name; the default "value" is
// what single-processor pipelines and the final write use.
func outputKey(settings datatypes.JSON) string {
	var s struct {
		OutputKey string `json:"output_key"`
	}
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &s)
	}
	if s.OutputKey == "" {
		return "value"
	}
	return s.OutputKey
}

// ExecuteRun drives one run to a terminal status. Engine-level errors (chain
// load, source load, store writes) finish the run as failed; per-entity
// module failures only mark that entity. The returned error reflects
// engine-level failure, already persisted on the run row.
func (e *Engine) ExecuteRun(dbc dbctx.Context, params RunParams) error {
	p, run := params.Pipeline, params.Run
	log := e.log.With("pipeline_id", p.ID, "run_id", run.ID)
	started := time.Now()

	finish := func(status, errMsg string, counters repos.RunCounters) error {
		if err := e.runs.Finish(dbc, run.ID, status, errMsg); err != nil {
			log.Error("failed to finish run", "status", status, "error", err)
		}
		stats := repos.LastRunStats{
			At:         started,
			Status:     status,
			DurationMS: time.Since(started).Milliseconds(),
			Processed:  counters.Processed,
			Failed:     counters.Failed,
			Skipped:    counters.Skipped,
			TokensIn:   counters.TokensIn,
			TokensOut:  counters.TokensOut,
		}
		if err := e.pipelines.UpdateLastRunStats(dbc, p.ID, stats); err != nil {
			log.Error("failed to cache run stats", "error", err)
		}
		if errMsg != "" {
			return fmt.Errorf("run %s %s: %s", run.ID, status, errMsg)
		}
		return nil
	}

	var totals repos.RunCounters

	def, err := e.defs.GetByID(dbc, p.AttributeID)
	if err != nil {
		return finish(types.RunStatusFailed, fmt.Sprintf("target attribute: %v", err), totals)
	}

	c, err := e.loadChain(dbc, p)
	if err != nil {
		return finish(types.RunStatusFailed, err.Error(), totals)
	}

	alive, skipped, err := e.filterEntities(dbc, p, params.Candidates)
	if err != nil {
		return finish(types.RunStatusFailed, fmt.Sprintf("entity filter: %v", err), totals)
	}
	if params.MaxEntities > 0 && len(alive) > params.MaxEntities {
		alive = alive[:params.MaxEntities]
	}
	totals.Skipped = skipped
	if skipped > 0 {
		if err := e.runs.IncrCounters(dbc, run.ID, repos.RunCounters{Skipped: skipped}); err != nil {
			log.Error("failed to record skipped count", "error", err)
		}
	}
	log.Info("run starting", "candidates", len(params.Candidates), "alive", len(alive), "skipped", skipped)

	if cancelled, err := e.runs.IsCancelRequested(dbc, run.ID); err == nil && cancelled {
		return finish(types.RunStatusAborted, "", totals)
	}

	inputsByEntity, err := c.source.LoadInputs(dbc, alive)
	if err != nil {
		return finish(types.RunStatusFailed, fmt.Sprintf("source load: %v", err), totals)
	}

	states := make([]*entityState, 0, len(alive))
	for _, id := range alive {
		inputs := inputsByEntity[id]
		if inputs == nil {
			inputs = modules.Inputs{}
		}
		hash, hErr := canonjson.Hash(map[string]any(inputs))
		if hErr != nil {
			hash = ""
		}
		states = append(states, &entityState{id: id, inputs: inputs, inputHash: hash})
	}

	// Staleness short-circuit: an entity whose stored value was computed from
	// identical inputs by the same pipeline version has nothing to recompute.
	if !params.Force {
		existing, eErr := e.values.GetForEntities(dbc, p.AttributeID, alive)
		if eErr != nil {
			return finish(types.RunStatusFailed, fmt.Sprintf("target values: %v", eErr), totals)
		}
		fresh := states[:0]
		for _, st := range states {
			row := existing[st.id]
			if row != nil && row.InputHash != "" && row.InputHash == st.inputHash &&
				row.PipelineVersion == p.Version && attrstore.Present(row.ValueCurrent) {
				totals.Skipped++
				continue
			}
			fresh = append(fresh, st)
		}
		if extra := totals.Skipped - skipped; extra > 0 {
			if err := e.runs.IncrCounters(dbc, run.ID, repos.RunCounters{Skipped: extra}); err != nil {
				log.Error("failed to record skipped count", "error", err)
			}
		}
		states = fresh
	}

	// Processor chain, one step at a time across the batch. Cancellation is
	// honored between steps and before the write phase, never mid-module.
	for _, step := range c.steps {
		if cancelled, cErr := e.runs.IsCancelRequested(dbc, run.ID); cErr == nil && cancelled {
			return finish(types.RunStatusAborted, "", totals)
		}
		stepCounters := e.runStep(dbc.Ctx, step, states)
		totals.TokensIn += stepCounters.TokensIn
		totals.TokensOut += stepCounters.TokensOut
		if stepCounters.TokensIn > 0 || stepCounters.TokensOut > 0 {
			if err := e.runs.IncrCounters(dbc, run.ID, repos.RunCounters{
				TokensIn:  stepCounters.TokensIn,
				TokensOut: stepCounters.TokensOut,
			}); err != nil {
				log.Error("failed to record token usage", "error", err)
			}
		}
	}

	if cancelled, cErr := e.runs.IsCancelRequested(dbc, run.ID); cErr == nil && cancelled {
		return finish(types.RunStatusAborted, "", totals)
	}

	// Write-through. Per-entity store failures mark the entity failed; a
	// completely healthy engine still finishes the run completed.
	for _, st := range states {
		if st.failed {
			continue
		}
		raw, mErr := json.Marshal(st.value)
		if mErr != nil {
			st.fail(fmt.Sprintf("encode value: %v", mErr))
			continue
		}
		_, wErr := e.values.UpsertComputed(dbc, st.id, def, attrstore.ComputedWrite{
			Value:           datatypes.JSON(raw),
			Confidence:      st.confidence,
			Justification:   st.justification,
			InputHash:       st.inputHash,
			PipelineVersion: p.Version,
		})
		if wErr != nil {
			st.fail(fmt.Sprintf("store write: %v", wErr))
		}
	}

	for _, st := range states {
		if st.failed {
			totals.Failed++
			log.Warn("entity failed", "entity_id", st.id, "error", st.failMsg)
		} else {
			totals.Processed++
		}
	}
	if err := e.runs.IncrCounters(dbc, run.ID, repos.RunCounters{
		Processed: totals.Processed,
		Failed:    totals.Failed,
	}); err != nil {
		log.Error("failed to record final counters", "error", err)
	}

	log.Info("run finished", "processed", totals.Processed, "failed", totals.Failed,
		"skipped", totals.Skipped, "tokens_in", totals.TokensIn, "tokens_out", totals.TokensOut)
	return finish(types.RunStatusCompleted, "", totals)
}

// runStep executes one processor over every still-alive entity, batching when
// the module supports it. Per-entity failures are recorded on the state and
// never abort the step.
func (e *Engine) runStep(ctx context.Context, step chainStep, states []*entityState) repos.RunCounters {
	var counters repos.RunCounters

	aliveIdx := make([]int, 0, len(states))
	items := make([]modules.Item, 0, len(states))
	for i, st := range states {
		if st.failed {
			continue
		}
		aliveIdx = append(aliveIdx, i)
		items = append(items, modules.Item{Index: i, EntityID: st.id, Inputs: st.inputs})
	}
	if len(items) == 0 {
		return counters
	}

	var results []modules.Result
	if batcher, ok := step.processor.(modules.BatchProcessor); ok {
		results = batcher.ProcessBatch(ctx, items)
	} else {
		results = make([]modules.Result, len(items))
		for i, item := range items {
			results[i] = step.processor.Process(ctx, item)
		}
	}

	for i, res := range results {
		st := states[aliveIdx[i]]
		if !res.OK {
			st.fail(fmt.Sprintf("module %s: %s", step.processor.Type(), res.ErrorMessage))
			continue
		}
		st.inputs[step.outputKey] = res.Value
		st.value = res.Value
		if res.Confidence != nil {
			st.confidence = res.Confidence
		}
		if res.Justification != "" {
			st.justification = res.Justification
		}
		counters.TokensIn += res.TokensIn()
		counters.TokensOut += res.TokensOut()
	}
	return counters
}

// filterEntities applies the pipeline's optional entity filter against each
// candidate's current resolved attribute value. Entities failing the filter
// are skipped, never failed.
func (e *Engine) filterEntities(dbc dbctx.Context, p *types.Pipeline, candidates []uuid.UUID) (alive []uuid.UUID, skipped int, err error) {
	if p.FilterAttributeID == nil {
		return candidates, 0, nil
	}
	if p.FilterOperator != types.FilterOpEqual && p.FilterOperator != types.FilterOpIn {
		return nil, 0, fmt.Errorf("%w: unsupported filter operator %q", pkgerrors.ErrInvalidConfig, p.FilterOperator)
	}

	var filterValue any
	if err := json.Unmarshal(p.FilterValue, &filterValue); err != nil {
		return nil, 0, fmt.Errorf("%w: filter value: %v", pkgerrors.ErrInvalidConfig, err)
	}
	// "in" accepts a scalar filter value as a one-element list.
	var members []any
	if p.FilterOperator == types.FilterOpIn {
		if list, ok := filterValue.([]any); ok {
			members = list
		} else {
			members = []any{filterValue}
		}
	}

	rows, err := e.values.GetForEntities(dbc, *p.FilterAttributeID, candidates)
	if err != nil {
		return nil, 0, err
	}

	for _, id := range candidates {
		raw := attrstore.Resolve(rows[id])
		if !attrstore.Present(raw) {
			skipped++
			continue
		}
		var current any
		if err := json.Unmarshal(raw, &current); err != nil {
			skipped++
			continue
		}
		match := false
		switch p.FilterOperator {
		case types.FilterOpEqual:
			match = canonjson.Equal(current, filterValue)
		case types.FilterOpIn:
			for _, m := range members {
				if canonjson.Equal(current, m) {
					match = true
					break
				}
			}
		}
		if match {
			alive = append(alive, id)
		} else {
			skipped++
		}
	}
	return alive, skipped, nil
}
