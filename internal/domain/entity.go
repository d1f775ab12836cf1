package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entity is one record (e.g. a product) whose derived attributes pipelines
// compute. Kind partitions entities into independent attribute namespaces.
type Entity struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Kind        string         `gorm:"column:kind;not null;index" json:"kind"`
	ExternalRef string         `gorm:"column:external_ref;index" json:"external_ref,omitempty"`
	Name        string         `gorm:"column:name" json:"name,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Entity) TableName() string { return "entity" }
