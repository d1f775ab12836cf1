package modules

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
)

type Kind string

const (
	KindSource    Kind = "source"
	KindProcessor Kind = "processor"
)

// Meta keys the engine understands on processor results.
const (
	MetaTokensIn  = "tokens_in"
	MetaTokensOut = "tokens_out"
)

// Inputs is the accumulated named values flowing through one entity's chain:
// source-loaded attributes plus outputs of earlier processors.
type Inputs map[string]any

func (in Inputs) Clone() Inputs {
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Item is one entity's running context handed to a processor module.
type Item struct {
	Index    int
	EntityID uuid.UUID
	Inputs   Inputs
}

// Result is the uniform outcome shape of one processor invocation for one
// entity. OK=false carries an error message and is never written to the
// attribute store.
type Result struct {
	OK            bool
	Value         any
	Confidence    *float64
	Justification string
	Meta          map[string]any
	ErrorMessage  string
}

func Success(value any, confidence *float64, justification string, meta map[string]any) Result {
	return Result{
		OK:            true,
		Value:         value,
		Confidence:    confidence,
		Justification: justification,
		Meta:          meta,
	}
}

func Fail(msg string) Result {
	return Result{OK: false, ErrorMessage: msg}
}

func FailErr(err error) Result {
	if err == nil {
		return Fail("unknown error")
	}
	return Fail(err.Error())
}

// TokensIn/TokensOut read the token accounting a module attached to Meta.
func (r Result) TokensIn() int64  { return metaInt(r.Meta, MetaTokensIn) }
func (r Result) TokensOut() int64 { return metaInt(r.Meta, MetaTokensOut) }

func metaInt(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Module is the common surface of all pipeline steps.
type Module interface {
	Type() string
	Kind() Kind
}

// Source modules bulk-load initial inputs for a batch of entities in one
// call; the engine never loads inputs entity-by-entity.
type Source interface {
	Module
	LoadInputs(dbc dbctx.Context, entityIDs []uuid.UUID) (map[uuid.UUID]Inputs, error)
}

// Processor modules transform one entity's accumulated inputs into a result.
type Processor interface {
	Module
	Process(ctx context.Context, item Item) Result
}

// BatchProcessor is implemented by processors whose backend supports bulk
// calls; the engine invokes ProcessBatch once per batch instead of Process
// once per entity. Results must correspond to items by position.
type BatchProcessor interface {
	Processor
	ProcessBatch(ctx context.Context, items []Item) []Result
}
