package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/catalogbridge-backend/internal/domain"
)

// AutoMigrateAll migrates every table the backend owns. Order matters only
// for readability; FK constraints are disabled during migration.
func (s *PostgresService) AutoMigrateAll() error {
	return AutoMigrate(s.db)
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Entity{},
		&types.AttributeDef{},
		&types.AttributeValue{},
		&types.Pipeline{},
		&types.PipelineModule{},
		&types.PipelineRun{},
		&types.PipelineEval{},
		&types.JobRun{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// Partial index keeping at most one eval per (pipeline, entity).
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_eval_pipeline_entity
		ON pipeline_eval (pipeline_id, entity_id)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create eval index: %w", err)
	}
	return nil
}
