package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EditableYes         = "yes"
	EditableNo          = "no"
	EditableOverridable = "overridable"

	NeedsApprovalYes     = "yes"
	NeedsApprovalNo      = "no"
	NeedsApprovalLowConf = "only_low_confidence"
)

// AttributeDef declares one attribute of an entity kind and the write policy
// governing pipeline outputs for it.
type AttributeDef struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	EntityKind string    `gorm:"column:entity_kind;not null;index:idx_attribute_def_kind_code,unique" json:"entity_kind"`
	Code       string    `gorm:"column:code;not null;index:idx_attribute_def_kind_code,unique" json:"code"`
	Name       string    `gorm:"column:name;not null" json:"name"`

	// yes | no | overridable
	Editable string `gorm:"column:editable;not null;default:yes" json:"editable"`
	// Whether a pipeline computes this attribute.
	IsPipeline bool `gorm:"column:is_pipeline;not null;default:false" json:"is_pipeline"`
	// yes | no | only_low_confidence
	NeedsApproval string `gorm:"column:needs_approval;not null;default:no" json:"needs_approval"`
	// Auto-approve threshold used when needs_approval=only_low_confidence.
	ApprovalConfidenceThreshold float64 `gorm:"column:approval_confidence_threshold;not null;default:0.8" json:"approval_confidence_threshold"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (AttributeDef) TableName() string { return "attribute_def" }

// AttributeValue is the versioned value record for one (entity, attribute)
// pair. Readers resolve override-over-current; the approved/live columns are
// promoted by the engine's write path according to the attribute's approval
// policy.
type AttributeValue struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	EntityID    uuid.UUID `gorm:"type:uuid;not null;index:idx_attribute_value_entity_attr,unique" json:"entity_id"`
	AttributeID uuid.UUID `gorm:"type:uuid;not null;index:idx_attribute_value_entity_attr,unique" json:"attribute_id"`

	ValueCurrent  datatypes.JSON `gorm:"column:value_current;type:jsonb" json:"value_current,omitempty"`
	ValueApproved datatypes.JSON `gorm:"column:value_approved;type:jsonb" json:"value_approved,omitempty"`
	ValueLive     datatypes.JSON `gorm:"column:value_live;type:jsonb" json:"value_live,omitempty"`
	ValueOverride datatypes.JSON `gorm:"column:value_override;type:jsonb" json:"value_override,omitempty"`

	Confidence    *float64 `gorm:"column:confidence" json:"confidence,omitempty"`
	Justification string   `gorm:"column:justification;type:text" json:"justification,omitempty"`

	// Content fingerprint of the inputs that produced value_current, plus the
	// pipeline version in effect. Together they let callers detect staleness
	// without recomputation.
	InputHash       string `gorm:"column:input_hash;index" json:"input_hash,omitempty"`
	PipelineVersion int    `gorm:"column:pipeline_version" json:"pipeline_version,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (AttributeValue) TableName() string { return "attribute_value" }
