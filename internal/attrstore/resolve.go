package attrstore

import (
	"fmt"

	"gorm.io/datatypes"

	types "github.com/yungbote/catalogbridge-backend/internal/domain"
)

// ComputedWrite is the payload a pipeline writes for one (entity, attribute).
type ComputedWrite struct {
	Value           datatypes.JSON
	Confidence      *float64
	Justification   string
	InputHash       string
	PipelineVersion int
}

// Resolve returns the effective value for readers: the manual override when
// present, else the latest computed value.
func Resolve(av *types.AttributeValue) datatypes.JSON {
	if av == nil {
		return nil
	}
	if Present(av.ValueOverride) {
		return av.ValueOverride
	}
	return av.ValueCurrent
}

// Present reports whether a JSON column holds an actual value (not empty, not
// the JSON null literal).
func Present(raw datatypes.JSON) bool {
	if len(raw) == 0 {
		return false
	}
	return string(raw) != "null"
}

// ShouldAutoApprove decides whether a freshly computed value is promoted to
// approved/live immediately, per the attribute's approval policy.
func ShouldAutoApprove(def *types.AttributeDef, confidence *float64) bool {
	if def == nil {
		return false
	}
	switch def.NeedsApproval {
	case types.NeedsApprovalNo:
		return true
	case types.NeedsApprovalYes:
		return false
	case types.NeedsApprovalLowConf:
		if confidence == nil {
			return false
		}
		return *confidence >= def.ApprovalConfidenceThreshold
	default:
		return false
	}
}

// Apply merges a computed write into an attribute value row. value_current is
// always replaced; approved/live are promoted only when the policy allows;
// value_override is never touched.
func Apply(av *types.AttributeValue, def *types.AttributeDef, w ComputedWrite) {
	av.ValueCurrent = w.Value
	av.Confidence = w.Confidence
	av.Justification = w.Justification
	av.InputHash = w.InputHash
	av.PipelineVersion = w.PipelineVersion
	if ShouldAutoApprove(def, w.Confidence) {
		av.ValueApproved = w.Value
		av.ValueLive = w.Value
	}
}

// ValidateDefFlags enforces the configuration-time constraint that a
// pipeline-computed attribute cannot also be freely editable.
func ValidateDefFlags(def *types.AttributeDef) error {
	if def == nil {
		return fmt.Errorf("attribute def required")
	}
	if def.IsPipeline && def.Editable == types.EditableYes {
		return fmt.Errorf("attribute %q: is_pipeline and editable=yes are mutually exclusive; use overridable or no", def.Code)
	}
	switch def.Editable {
	case types.EditableYes, types.EditableNo, types.EditableOverridable:
	default:
		return fmt.Errorf("attribute %q: unknown editable value %q", def.Code, def.Editable)
	}
	switch def.NeedsApproval {
	case types.NeedsApprovalYes, types.NeedsApprovalNo, types.NeedsApprovalLowConf:
	default:
		return fmt.Errorf("attribute %q: unknown needs_approval value %q", def.Code, def.NeedsApproval)
	}
	return nil
}
