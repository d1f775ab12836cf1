package modules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/yungbote/catalogbridge-backend/internal/clients/openai"
	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
	"github.com/yungbote/catalogbridge-backend/internal/platform/sandbox"
)

// Deps is everything a module constructor may need. Individual constructors
// only touch the fields they use; a nil field only matters if a pipeline
// actually configures a module that needs it.
type Deps struct {
	Log        *logger.Logger
	EntityKind string
	Defs       repos.AttributeDefRepo
	Values     repos.AttributeValueRepo
	AI         openai.Client
	Sandbox    sandbox.Runner
}

// Definition describes one installable module type.
type Definition struct {
	Type  string
	Label string
	Kind  Kind
	New   func(deps Deps, settings json.RawMessage) (Module, error)
}

// Registry maps module type strings to their definitions. Pipelines reference
// modules by type; construction happens at run load time so a bad settings
// blob fails the run before any entity work starts.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

// DefaultRegistry registers the built-in module types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(attributeSourceDefinition())
	r.Register(calcDefinition())
	r.Register(aiCallDefinition())
	return r
}

func (r *Registry) Register(def Definition) {
	if def.Type == "" || def.New == nil {
		panic(fmt.Sprintf("modules: invalid definition %q", def.Type))
	}
	if _, exists := r.defs[def.Type]; exists {
		panic(fmt.Sprintf("modules: duplicate module type %q", def.Type))
	}
	r.defs[def.Type] = def
}

func (r *Registry) Get(moduleType string) (Definition, bool) {
	def, ok := r.defs[moduleType]
	return def, ok
}

// Types returns the registered module types in stable order, for listing APIs.
func (r *Registry) Types() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Build constructs a module instance from its type and settings blob.
func (r *Registry) Build(deps Deps, moduleType string, settings json.RawMessage) (Module, error) {
	def, ok := r.defs[moduleType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown module type %q", pkgerrors.ErrInvalidConfig, moduleType)
	}
	mod, err := def.New(deps, settings)
	if err != nil {
		return nil, fmt.Errorf("%w: module %q: %v", pkgerrors.ErrInvalidConfig, moduleType, err)
	}
	return mod, nil
}

// ValidateSettings checks a settings blob without constructing the module,
// used when a pipeline step is created or edited.
func (r *Registry) ValidateSettings(moduleType string, settings json.RawMessage) error {
	_, err := r.Build(Deps{}, moduleType, settings)
	return err
}

var validate = validator.New()

// decodeSettings parses a settings blob into the module's typed settings
// struct and runs struct tag validation on it.
func decodeSettings(settings json.RawMessage, out any) error {
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}
	if err := json.Unmarshal(settings, out); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}
