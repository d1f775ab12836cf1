package modules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/catalogbridge-backend/internal/platform/sandbox"
)

// fakeRunner scripts the interpreter's behavior without a subprocess.
type fakeRunner struct {
	lastReq *sandbox.Request
	resp    *sandbox.Response
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.Response, error) {
	f.lastReq = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func buildCalc(t *testing.T, runner sandbox.Runner) Processor {
	t.Helper()
	mod, err := DefaultRegistry().Build(Deps{Sandbox: runner}, TypeCalc, json.RawMessage(`{"code": "result = inputs['price'] * 2"}`))
	if err != nil {
		t.Fatalf("build calc: %v", err)
	}
	return mod.(Processor)
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{Index: i, EntityID: uuid.New(), Inputs: Inputs{"price": float64(i + 1)}}
	}
	return out
}

func TestCalc_BatchSuccess(t *testing.T) {
	conf := 0.8
	runner := &fakeRunner{resp: &sandbox.Response{Results: []sandbox.ResultItem{
		{Value: 2.0, HasValue: true, Confidence: &conf, Justification: "doubled"},
		{Value: 4.0, HasValue: true},
	}}}
	calc := buildCalc(t, runner).(BatchProcessor)

	results := calc.ProcessBatch(context.Background(), items(2))
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].OK || results[0].Value.(float64) != 2.0 || *results[0].Confidence != 0.8 {
		t.Fatalf("first result wrong: %+v", results[0])
	}
	if !results[1].OK || results[1].Value.(float64) != 4.0 {
		t.Fatalf("second result wrong: %+v", results[1])
	}
	if len(runner.lastReq.Items) != 2 || runner.lastReq.Code == "" {
		t.Fatalf("request not forwarded to runner: %+v", runner.lastReq)
	}
}

func TestCalc_PerItemErrorFailsOnlyThatItem(t *testing.T) {
	runner := &fakeRunner{resp: &sandbox.Response{Results: []sandbox.ResultItem{
		{Error: "ZeroDivisionError: division by zero"},
		{Value: 4.0, HasValue: true},
	}}}
	calc := buildCalc(t, runner).(BatchProcessor)

	results := calc.ProcessBatch(context.Background(), items(2))
	if results[0].OK {
		t.Fatalf("item with script error must fail")
	}
	if results[0].ErrorMessage == "" {
		t.Fatalf("script error message must be preserved")
	}
	if !results[1].OK {
		t.Fatalf("other items must be unaffected")
	}
}

func TestCalc_TransportFailureFailsWholeBatch(t *testing.T) {
	runner := &fakeRunner{err: errors.New("sandbox: batch timed out after 30s")}
	calc := buildCalc(t, runner).(BatchProcessor)

	results := calc.ProcessBatch(context.Background(), items(3))
	for i, r := range results {
		if r.OK {
			t.Fatalf("item %d should fail on transport error", i)
		}
		if r.ErrorMessage == "" {
			t.Fatalf("item %d missing error message", i)
		}
	}
}

func TestCalc_MissingValueKeyFails(t *testing.T) {
	runner := &fakeRunner{resp: &sandbox.Response{Results: []sandbox.ResultItem{
		{Justification: "no value key present"},
	}}}
	calc := buildCalc(t, runner).(BatchProcessor)

	results := calc.ProcessBatch(context.Background(), items(1))
	if results[0].OK {
		t.Fatalf("missing value key must fail the item")
	}
}

func TestCalc_ProcessDelegatesToBatch(t *testing.T) {
	runner := &fakeRunner{resp: &sandbox.Response{Results: []sandbox.ResultItem{
		{Value: "ok", HasValue: true},
	}}}
	calc := buildCalc(t, runner)

	res := calc.Process(context.Background(), items(1)[0])
	if !res.OK || res.Value.(string) != "ok" {
		t.Fatalf("Process should wrap a single-item batch: %+v", res)
	}
}

func TestCalc_NilRunnerFailsGracefully(t *testing.T) {
	calc := buildCalc(t, nil).(BatchProcessor)
	results := calc.ProcessBatch(context.Background(), items(1))
	if results[0].OK {
		t.Fatalf("missing runner must be a processor failure, not a panic")
	}
}

func TestSandboxResultItem_ValueKeyDetection(t *testing.T) {
	var withValue sandbox.ResultItem
	if err := json.Unmarshal([]byte(`{"value": null}`), &withValue); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !withValue.HasValue {
		t.Fatalf("explicit null value still counts as present")
	}

	var withoutValue sandbox.ResultItem
	if err := json.Unmarshal([]byte(`{"error": "boom"}`), &withoutValue); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if withoutValue.HasValue {
		t.Fatalf("absent value key must be detected")
	}
}
