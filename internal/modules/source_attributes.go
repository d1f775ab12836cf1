package modules

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/catalogbridge-backend/internal/attrstore"
	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

const TypeAttributeSource = "attribute_source"

// AttributeSourceSettings configures the built-in source module: the attribute
// codes to load for each entity in the batch.
type AttributeSourceSettings struct {
	Attributes []string `json:"attributes" validate:"required,min=1,dive,required"`
}

type attributeSource struct {
	log        *logger.Logger
	entityKind string
	defs       repos.AttributeDefRepo
	values     repos.AttributeValueRepo
	settings   AttributeSourceSettings
}

func attributeSourceDefinition() Definition {
	return Definition{
		Type:  TypeAttributeSource,
		Label: "Attribute source",
		Kind:  KindSource,
		New: func(deps Deps, settings json.RawMessage) (Module, error) {
			var s AttributeSourceSettings
			if err := decodeSettings(settings, &s); err != nil {
				return nil, err
			}
			seen := map[string]bool{}
			for _, code := range s.Attributes {
				if seen[code] {
					return nil, fmt.Errorf("duplicate attribute code %q", code)
				}
				seen[code] = true
			}
			log := deps.Log
			if log == nil {
				log = logger.Nop()
			}
			return &attributeSource{
				log:        log.With("module", TypeAttributeSource),
				entityKind: deps.EntityKind,
				defs:       deps.Defs,
				values:     deps.Values,
				settings:   s,
			}, nil
		},
	}
}

func (m *attributeSource) Type() string { return TypeAttributeSource }
func (m *attributeSource) Kind() Kind   { return KindSource }

// InputCodes exposes the configured codes so the engine can resolve pipeline
// dependencies without constructing run state.
func (m *attributeSource) InputCodes() []string { return m.settings.Attributes }

// LoadInputs resolves the effective value of each configured attribute for
// every entity in one query per attribute. Entities with no value for an
// attribute simply lack that key.
func (m *attributeSource) LoadInputs(dbc dbctx.Context, entityIDs []uuid.UUID) (map[uuid.UUID]Inputs, error) {
	out := make(map[uuid.UUID]Inputs, len(entityIDs))
	for _, id := range entityIDs {
		out[id] = Inputs{}
	}

	defs, err := m.defs.GetByKindCodes(dbc, m.entityKind, m.settings.Attributes)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]uuid.UUID, len(defs))
	for _, def := range defs {
		byCode[def.Code] = def.ID
	}
	for _, code := range m.settings.Attributes {
		if _, ok := byCode[code]; !ok {
			return nil, fmt.Errorf("attribute %q not defined for kind %q", code, m.entityKind)
		}
	}

	for _, code := range m.settings.Attributes {
		rows, err := m.values.GetForEntities(dbc, byCode[code], entityIDs)
		if err != nil {
			return nil, err
		}
		for entityID, row := range rows {
			raw := attrstore.Resolve(row)
			if !attrstore.Present(raw) {
				continue
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				m.log.Warn("skipping unparseable attribute value",
					"attribute", code, "entity_id", entityID, "error", err)
				continue
			}
			out[entityID][code] = v
		}
	}
	return out, nil
}
