package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

// scriptRunner wires the real bundled interpreter script. Tests that use it
// skip when python3 is not on PATH.
func scriptRunner(t *testing.T) Runner {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available; skipping interpreter protocol tests")
	}
	return &subprocessRunner{
		log:     logger.Nop(),
		command: "python3",
		args:    []string{"../../../scripts/sandbox_runner.py"},
		timeout: 10 * time.Second,
	}
}

func runOne(t *testing.T, r Runner, code string, inputs map[string]any) ResultItem {
	t.Helper()
	resp, err := r.Run(context.Background(), Request{
		Code:  code,
		Items: []RequestItem{{Index: 0, EntityID: "e-0", Inputs: inputs}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	return resp.Results[0]
}

func TestInterpreter_NonObjectResultCoerced(t *testing.T) {
	r := scriptRunner(t)
	res := runOne(t, r, `result = inputs["a"] * 2`, map[string]any{"a": 3.5})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if !res.HasValue || res.Value != 7.0 {
		t.Fatalf("value = %v (hasValue=%v), want 7", res.Value, res.HasValue)
	}
	if res.Confidence == nil || *res.Confidence != 1.0 {
		t.Fatalf("coerced results carry confidence 1, got %v", res.Confidence)
	}
}

func TestInterpreter_ObjectResultMissingValueKeyFailsItem(t *testing.T) {
	r := scriptRunner(t)
	// Operator typo: wrong key in the result object. This must come back as
	// a per-item error, not be stored wholesale as the value.
	res := runOne(t, r, `result = {"values": "toys"}`, nil)
	if res.Error == "" {
		t.Fatalf("object result without a value key must fail the item, got %+v", res)
	}
	if res.HasValue {
		t.Fatalf("failed item must not carry a value, got %v", res.Value)
	}
}

func TestInterpreter_ObjectResultPassthrough(t *testing.T) {
	r := scriptRunner(t)
	res := runOne(t, r, `result = {"value": "toys", "justification": "matched", "confidence": 0.8}`, nil)
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Value != "toys" || res.Justification != "matched" {
		t.Fatalf("passthrough lost fields: %+v", res)
	}
	if res.Confidence == nil || *res.Confidence != 0.8 {
		t.Fatalf("confidence = %v, want 0.8", res.Confidence)
	}
}

func TestInterpreter_ScriptErrorIsolatedPerItem(t *testing.T) {
	r := scriptRunner(t)
	resp, err := r.Run(context.Background(), Request{
		Code: `result = inputs["a"] + 1`,
		Items: []RequestItem{
			{Index: 0, EntityID: "e-0", Inputs: map[string]any{"a": 1.0}},
			{Index: 1, EntityID: "e-1", Inputs: map[string]any{}},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Results[0].Error != "" || resp.Results[0].Value != 2.0 {
		t.Fatalf("healthy item must succeed: %+v", resp.Results[0])
	}
	if resp.Results[1].Error == "" {
		t.Fatalf("missing input must fail only its own item: %+v", resp.Results[1])
	}
}

func TestInterpreter_ImportsBlocked(t *testing.T) {
	r := scriptRunner(t)
	res := runOne(t, r, `import os
result = 1`, nil)
	if res.Error == "" {
		t.Fatalf("import must be rejected by the restricted builtins, got %+v", res)
	}
}
