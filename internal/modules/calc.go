package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
	"github.com/yungbote/catalogbridge-backend/internal/platform/sandbox"
)

const TypeCalc = "calc"

// CalcSettings configures the sandboxed-code processor: an operator-supplied
// script executed out of process against the whole batch.
type CalcSettings struct {
	Code string `json:"code" validate:"required"`
}

type calcModule struct {
	log      *logger.Logger
	runner   sandbox.Runner
	settings CalcSettings
}

func calcDefinition() Definition {
	return Definition{
		Type:  TypeCalc,
		Label: "Sandboxed calculation",
		Kind:  KindProcessor,
		New: func(deps Deps, settings json.RawMessage) (Module, error) {
			var s CalcSettings
			if err := decodeSettings(settings, &s); err != nil {
				return nil, err
			}
			log := deps.Log
			if log == nil {
				log = logger.Nop()
			}
			return &calcModule{
				log:      log.With("module", TypeCalc),
				runner:   deps.Sandbox,
				settings: s,
			}, nil
		},
	}
}

func (m *calcModule) Type() string { return TypeCalc }
func (m *calcModule) Kind() Kind   { return KindProcessor }

func (m *calcModule) Process(ctx context.Context, item Item) Result {
	return m.ProcessBatch(ctx, []Item{item})[0]
}

// ProcessBatch sends the whole batch to the interpreter in one call. A
// transport-level failure (process exit, timeout, malformed output) fails
// every item; script errors reported per item fail only that item.
func (m *calcModule) ProcessBatch(ctx context.Context, items []Item) []Result {
	out := make([]Result, len(items))
	if m.runner == nil {
		for i := range out {
			out[i] = Fail("sandbox runner not configured")
		}
		return out
	}

	req := sandbox.Request{Code: m.settings.Code, Items: make([]sandbox.RequestItem, len(items))}
	for i, item := range items {
		req.Items[i] = sandbox.ItemFor(item.Index, item.EntityID, item.Inputs)
	}

	resp, err := m.runner.Run(ctx, req)
	if err != nil {
		m.log.Warn("sandbox batch failed", "items", len(items), "error", err)
		for i := range out {
			out[i] = FailErr(err)
		}
		return out
	}

	for i, res := range resp.Results {
		switch {
		case res.Error != "":
			out[i] = Fail(res.Error)
		case !res.HasValue:
			out[i] = Fail(fmt.Sprintf("script returned no value for item %d", items[i].Index))
		default:
			out[i] = Success(res.Value, res.Confidence, res.Justification, res.Meta)
		}
	}
	return out
}
