package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

type EntityRepo interface {
	Create(dbc dbctx.Context, entities []*types.Entity) ([]*types.Entity, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Entity, error)
	ListIDsByKind(dbc dbctx.Context, kind string) ([]uuid.UUID, error)
}

type entityRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEntityRepo(db *gorm.DB, baseLog *logger.Logger) EntityRepo {
	return &entityRepo{db: db, log: baseLog.With("repo", "EntityRepo")}
}

func (r *entityRepo) Create(dbc dbctx.Context, entities []*types.Entity) ([]*types.Entity, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(entities) == 0 {
		return []*types.Entity{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&entities).Error; err != nil {
		return nil, err
	}
	return entities, nil
}

func (r *entityRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Entity, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Entity
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *entityRepo) ListIDsByKind(dbc dbctx.Context, kind string) ([]uuid.UUID, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []uuid.UUID
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.Entity{}).
		Where("kind = ?", kind).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
