package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yungbote/catalogbridge-backend/internal/clients/openai"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

const TypeAICall = "ai_call"

// AICallSettings configures the language-model processor. ValueSchema is an
// optional JSON-schema fragment constraining the "value" field of the
// structured output; it defaults to a plain string.
type AICallSettings struct {
	Prompt      string          `json:"prompt" validate:"required"`
	Model       string          `json:"model"`
	ValueSchema json.RawMessage `json:"value_schema,omitempty"`
}

type aiCallModule struct {
	log         *logger.Logger
	client      openai.Client
	settings    AICallSettings
	valueSchema map[string]any
}

func aiCallDefinition() Definition {
	return Definition{
		Type:  TypeAICall,
		Label: "AI call",
		Kind:  KindProcessor,
		New: func(deps Deps, settings json.RawMessage) (Module, error) {
			var s AICallSettings
			if err := decodeSettings(settings, &s); err != nil {
				return nil, err
			}
			valueSchema := map[string]any{"type": "string"}
			if len(s.ValueSchema) > 0 {
				valueSchema = map[string]any{}
				if err := json.Unmarshal(s.ValueSchema, &valueSchema); err != nil {
					return nil, fmt.Errorf("settings: value_schema: %w", err)
				}
			}
			log := deps.Log
			if log == nil {
				log = logger.Nop()
			}
			return &aiCallModule{
				log:         log.With("module", TypeAICall),
				client:      deps.AI,
				settings:    s,
				valueSchema: valueSchema,
			}, nil
		},
	}
}

func (m *aiCallModule) Type() string { return TypeAICall }
func (m *aiCallModule) Kind() Kind   { return KindProcessor }

// outputSchema is the strict structured-output contract every call uses: the
// model must return value, justification and confidence, nothing else.
func (m *aiCallModule) outputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value":         m.valueSchema,
			"justification": map[string]any{"type": "string"},
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
		},
		"required":             []string{"value", "justification", "confidence"},
		"additionalProperties": false,
	}
}

// buildPrompt appends the entity's named inputs to the operator's template as
// "key: value" lines in stable order.
func (m *aiCallModule) buildPrompt(inputs Inputs) string {
	var b strings.Builder
	b.WriteString(m.settings.Prompt)
	if len(inputs) == 0 {
		return b.String()
	}
	b.WriteString("\n\nInputs:\n")
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		encoded, err := json.Marshal(inputs[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", inputs[k]))
		}
		fmt.Fprintf(&b, "%s: %s\n", k, encoded)
	}
	return b.String()
}

func (m *aiCallModule) Process(ctx context.Context, item Item) Result {
	if m.client == nil {
		return Fail("ai client not configured")
	}
	obj, usage, err := m.client.GenerateStructured(ctx, m.settings.Model, m.buildPrompt(item.Inputs), "attribute_result", m.outputSchema())
	if err != nil {
		m.log.Warn("ai call failed", "entity_id", item.EntityID, "error", err)
		return FailErr(err)
	}

	value, ok := obj["value"]
	if !ok {
		return Fail("model response missing value field")
	}
	justification, _ := obj["justification"].(string)
	var confidence *float64
	if c, ok := obj["confidence"].(float64); ok {
		confidence = &c
	}

	meta := map[string]any{
		MetaTokensIn:  usage.PromptTokens,
		MetaTokensOut: usage.CompletionTokens,
	}
	return Success(value, confidence, justification, meta)
}
