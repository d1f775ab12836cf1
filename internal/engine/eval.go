package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/catalogbridge-backend/internal/attrstore"
	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/modules"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/canonjson"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
)

const (
	EvalStatusNotRun  = "not_run"
	EvalStatusPassing = "passing"
	EvalStatusFailing = "failing"
)

// EvalOutcome is the result of executing one eval case. Success means the
// chain ran to completion for the entity; Passing compares actual against
// desired by canonical JSON. A never-run eval is reported NotRun, which is
// distinct from failing.
type EvalOutcome struct {
	EvalID  uuid.UUID
	Success bool
	Passing bool
	NotRun  bool
	Error   string
}

// EvalRunner executes eval cases through the same module chain the engine
// uses for production entities. It never returns module failures as errors;
// those are captured on the eval row.
type EvalRunner struct {
	engine *Engine
	evals  repos.PipelineEvalRepo
}

func NewEvalRunner(engine *Engine, evals repos.PipelineEvalRepo) *EvalRunner {
	return &EvalRunner{engine: engine, evals: evals}
}

// EvalStatus classifies a stored eval row without re-running it.
func EvalStatus(eval *types.PipelineEval) string {
	if !attrstore.Present(eval.ActualOutput) {
		return EvalStatusNotRun
	}
	if canonjson.EqualRaw(eval.ActualOutput, eval.DesiredOutput) {
		return EvalStatusPassing
	}
	return EvalStatusFailing
}

// RunOne executes the owning pipeline's chain for the eval's entity and
// persists the outcome. Only infrastructure errors (chain load, DB access)
// come back as an error; a failing module lands in the eval's last_error.
func (r *EvalRunner) RunOne(dbc dbctx.Context, eval *types.PipelineEval) (EvalOutcome, error) {
	outcome := EvalOutcome{EvalID: eval.ID}

	p, err := r.engine.pipelines.GetByID(dbc, eval.PipelineID)
	if err != nil {
		return outcome, err
	}
	c, err := r.engine.loadChain(dbc, p)
	if err != nil {
		return outcome, err
	}

	inputsByEntity, err := c.source.LoadInputs(dbc, []uuid.UUID{eval.EntityID})
	if err != nil {
		return outcome, err
	}
	inputs := inputsByEntity[eval.EntityID]
	if inputs == nil {
		inputs = modules.Inputs{}
	}
	hash, hErr := canonjson.Hash(map[string]any(inputs))
	if hErr != nil {
		hash = ""
	}

	st := &entityState{id: eval.EntityID, inputs: inputs, inputHash: hash}
	for _, step := range c.steps {
		r.engine.runStep(dbc.Ctx, step, []*entityState{st})
		if st.failed {
			break
		}
	}

	if st.failed {
		// Keep the previous actual output and the hash of the inputs that
		// produced it; a transient failure must not erase or re-stamp the
		// last real comparison.
		upd := repos.EvalResultUpdate{
			ActualOutput:  eval.ActualOutput,
			Justification: eval.Justification,
			Confidence:    eval.Confidence,
			InputHash:     eval.InputHash,
			LastError:     st.failMsg,
		}
		if uErr := r.evals.UpdateResult(dbc, eval.ID, upd); uErr != nil {
			return outcome, uErr
		}
		outcome.NotRun = !attrstore.Present(eval.ActualOutput)
		outcome.Error = st.failMsg
		return outcome, nil
	}

	actual, err := json.Marshal(map[string]any{"value": st.value})
	if err != nil {
		return outcome, fmt.Errorf("encode actual output: %w", err)
	}
	upd := repos.EvalResultUpdate{
		ActualOutput:  datatypes.JSON(actual),
		Justification: st.justification,
		Confidence:    st.confidence,
		InputHash:     hash,
	}
	if err := r.evals.UpdateResult(dbc, eval.ID, upd); err != nil {
		return outcome, err
	}

	outcome.Success = true
	outcome.Passing = canonjson.EqualRaw(actual, eval.DesiredOutput)
	return outcome, nil
}

// RunAll executes every eval bound to a pipeline, typically after a
// configuration edit. One eval's infrastructure error stops the sweep; module
// failures do not.
func (r *EvalRunner) RunAll(dbc dbctx.Context, pipelineID uuid.UUID) ([]EvalOutcome, error) {
	evals, err := r.evals.ListByPipeline(dbc, pipelineID)
	if err != nil {
		return nil, err
	}
	out := make([]EvalOutcome, 0, len(evals))
	for _, ev := range evals {
		outcome, err := r.RunOne(dbc, ev)
		if err != nil {
			return out, err
		}
		out = append(out, outcome)
	}
	return out, nil
}
