package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
	"github.com/yungbote/catalogbridge-backend/internal/utils"
)

// RequestItem is one unit of work sent to the interpreter. Index ties the
// response entry back to its input; the runner must answer in input order.
type RequestItem struct {
	Index    int            `json:"index"`
	EntityID string         `json:"entityId"`
	Inputs   map[string]any `json:"inputs"`
}

type Request struct {
	Code  string        `json:"code"`
	Items []RequestItem `json:"items"`
}

// ResultItem mirrors one entry of the runner's results array. Either Error is
// set or the value fields are.
type ResultItem struct {
	Value         any            `json:"value"`
	HasValue      bool           `json:"-"`
	Justification string         `json:"justification,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func (r *ResultItem) UnmarshalJSON(raw []byte) error {
	type alias struct {
		Value         any            `json:"value"`
		Justification string         `json:"justification,omitempty"`
		Confidence    *float64       `json:"confidence,omitempty"`
		Meta          map[string]any `json:"meta,omitempty"`
		Error         string         `json:"error,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return err
	}
	_, hasValue := keys["value"]
	*r = ResultItem{
		Value:         a.Value,
		HasValue:      hasValue,
		Justification: a.Justification,
		Confidence:    a.Confidence,
		Meta:          a.Meta,
		Error:         a.Error,
	}
	return nil
}

type Response struct {
	Results []ResultItem `json:"results"`
}

// Runner executes operator-supplied code against a batch of items inside an
// isolated interpreter process. A returned error means the whole batch
// failed (process exit, malformed output, timeout); per-item script errors
// come back as ResultItem.Error entries.
type Runner interface {
	Run(ctx context.Context, req Request) (*Response, error)
}

type subprocessRunner struct {
	log     *logger.Logger
	command string
	args    []string
	timeout time.Duration
}

// NewSubprocessRunner builds the production runner. SANDBOX_COMMAND names the
// interpreter invocation (default: "python3 scripts/sandbox_runner.py");
// SANDBOX_TIMEOUT_SECONDS bounds one batch call wall-clock.
func NewSubprocessRunner(log *logger.Logger) Runner {
	raw := utils.GetEnv("SANDBOX_COMMAND", "python3 scripts/sandbox_runner.py", log)
	fields := strings.Fields(raw)
	command := fields[0]
	var args []string
	if len(fields) > 1 {
		args = fields[1:]
	}
	timeoutSec := utils.GetEnvAsInt("SANDBOX_TIMEOUT_SECONDS", 30, log)
	return &subprocessRunner{
		log:     log.With("service", "SandboxRunner"),
		command: command,
		args:    args,
		timeout: time.Duration(timeoutSec) * time.Second,
	}
}

func (r *subprocessRunner) Run(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("sandbox: code required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("sandbox: batch timed out after %s", r.timeout)
		}
		return nil, fmt.Errorf("sandbox: interpreter failed: %w; stderr=%s", err, truncate(stderr.String(), 2000))
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("sandbox: malformed response JSON: %w; out=%s", err, truncate(stdout.String(), 2000))
	}
	if len(resp.Results) != len(req.Items) {
		return nil, fmt.Errorf("sandbox: expected %d results, got %d", len(req.Items), len(resp.Results))
	}
	return &resp, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ItemFor builds a request item from engine state.
func ItemFor(index int, entityID uuid.UUID, inputs map[string]any) RequestItem {
	return RequestItem{Index: index, EntityID: entityID.String(), Inputs: inputs}
}
