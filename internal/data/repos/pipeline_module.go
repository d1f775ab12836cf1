package repos

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

type PipelineModuleRepo interface {
	Create(dbc dbctx.Context, m *types.PipelineModule) (*types.PipelineModule, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineModule, error)
	// ListByPipeline returns modules in ascending execution order.
	ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID) ([]*types.PipelineModule, error)
	UpdateSettings(dbc dbctx.Context, id uuid.UUID, settings []byte) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type pipelineModuleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineModuleRepo(db *gorm.DB, baseLog *logger.Logger) PipelineModuleRepo {
	return &pipelineModuleRepo{db: db, log: baseLog.With("repo", "PipelineModuleRepo")}
}

func (r *pipelineModuleRepo) Create(dbc dbctx.Context, m *types.PipelineModule) (*types.PipelineModule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

func (r *pipelineModuleRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineModule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var m types.PipelineModule
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *pipelineModuleRepo) ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID) ([]*types.PipelineModule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PipelineModule
	if err := transaction.WithContext(dbc.Ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("module_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineModuleRepo) UpdateSettings(dbc dbctx.Context, id uuid.UUID, settings []byte) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.PipelineModule{}).
		Where("id = ?", id).
		Update("settings", settings).Error
}

func (r *pipelineModuleRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.PipelineModule{}).Error
}
