package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TriggerSchedule   = "schedule"
	TriggerEntitySave = "entity_save"
	TriggerManual     = "manual"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusAborted   = "aborted"

	FilterOpEqual = "="
	FilterOpIn    = "in"
)

// Pipeline computes one target attribute for one entity kind via an ordered
// chain of modules. Version increments on any module-configuration change so
// stored values can be detected as stale.
type Pipeline struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	AttributeID uuid.UUID `gorm:"type:uuid;not null;index" json:"attribute_id"`
	EntityKind  string    `gorm:"column:entity_kind;not null;index" json:"entity_kind"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	Version     int       `gorm:"column:version;not null;default:1" json:"version"`

	// Optional entity filter. Operator is "=" or "in"; value is JSON (scalar
	// or list for "in").
	FilterAttributeID *uuid.UUID     `gorm:"type:uuid;column:filter_attribute_id" json:"filter_attribute_id,omitempty"`
	FilterOperator    string         `gorm:"column:filter_operator" json:"filter_operator,omitempty"`
	FilterValue       datatypes.JSON `gorm:"column:filter_value;type:jsonb" json:"filter_value,omitempty"`

	// Cached last-run statistics, denormalized for dashboards.
	LastRunAt        *time.Time `gorm:"column:last_run_at" json:"last_run_at,omitempty"`
	LastRunStatus    string     `gorm:"column:last_run_status" json:"last_run_status,omitempty"`
	LastRunDurationMS int64     `gorm:"column:last_run_duration_ms" json:"last_run_duration_ms,omitempty"`
	LastRunProcessed int        `gorm:"column:last_run_processed" json:"last_run_processed,omitempty"`
	LastRunFailed    int        `gorm:"column:last_run_failed" json:"last_run_failed,omitempty"`
	LastRunSkipped   int        `gorm:"column:last_run_skipped" json:"last_run_skipped,omitempty"`
	LastRunTokensIn  int64      `gorm:"column:last_run_tokens_in" json:"last_run_tokens_in,omitempty"`
	LastRunTokensOut int64      `gorm:"column:last_run_tokens_out" json:"last_run_tokens_out,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Pipeline) TableName() string { return "pipeline" }

// PipelineModule is one ordered step in a pipeline. Exactly one source module
// per pipeline; the rest are processors executed in ascending order.
type PipelineModule struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PipelineID uuid.UUID      `gorm:"type:uuid;not null;index:idx_pipeline_module_order,unique" json:"pipeline_id"`
	Order      int            `gorm:"column:module_order;not null;index:idx_pipeline_module_order,unique" json:"order"`
	ModuleType string         `gorm:"column:module_type;not null" json:"module_type"`
	Settings   datatypes.JSON `gorm:"column:settings;type:jsonb" json:"settings"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineModule) TableName() string { return "pipeline_module" }

// PipelineRun is one execution attempt of a pipeline over a bounded entity
// set. completed_at is set exactly when status leaves "running".
type PipelineRun struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PipelineID      uuid.UUID `gorm:"type:uuid;not null;index" json:"pipeline_id"`
	PipelineVersion int       `gorm:"column:pipeline_version;not null" json:"pipeline_version"`

	TriggeredBy string `gorm:"column:triggered_by;not null" json:"triggered_by"`
	TriggerRef  string `gorm:"column:trigger_ref" json:"trigger_ref,omitempty"`

	Status          string `gorm:"column:status;not null;index" json:"status"`
	CancelRequested bool   `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`

	BatchSize int `gorm:"column:batch_size;not null;default:0" json:"batch_size"`
	Processed int `gorm:"column:processed;not null;default:0" json:"processed"`
	Failed    int `gorm:"column:failed;not null;default:0" json:"failed"`
	Skipped   int `gorm:"column:skipped;not null;default:0" json:"skipped"`

	TokensIn  int64 `gorm:"column:tokens_in;not null;default:0" json:"tokens_in"`
	TokensOut int64 `gorm:"column:tokens_out;not null;default:0" json:"tokens_out"`

	Error       string     `gorm:"column:error;type:text" json:"error,omitempty"`
	StartedAt   time.Time  `gorm:"column:started_at;not null;default:now();index" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (PipelineRun) TableName() string { return "pipeline_run" }

// PipelineEval is a regression test case binding a pipeline to one curated
// entity with a known-good desired output. Desired/actual are `{value: ...}`
// containers compared by canonical JSON encoding, never raw text.
type PipelineEval struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PipelineID uuid.UUID `gorm:"type:uuid;not null;index" json:"pipeline_id"`
	EntityID   uuid.UUID `gorm:"type:uuid;not null;index" json:"entity_id"`

	InputHash     string         `gorm:"column:input_hash" json:"input_hash,omitempty"`
	DesiredOutput datatypes.JSON `gorm:"column:desired_output;type:jsonb;not null" json:"desired_output"`
	ActualOutput  datatypes.JSON `gorm:"column:actual_output;type:jsonb" json:"actual_output,omitempty"`
	Justification string         `gorm:"column:justification;type:text" json:"justification,omitempty"`
	Confidence    *float64       `gorm:"column:confidence" json:"confidence,omitempty"`
	LastRanAt     *time.Time     `gorm:"column:last_ran_at" json:"last_ran_at,omitempty"`
	LastError     string         `gorm:"column:last_error;type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineEval) TableName() string { return "pipeline_eval" }
