package repos

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/catalogbridge-backend/internal/attrstore"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

type AttributeDefRepo interface {
	Create(dbc dbctx.Context, def *types.AttributeDef) (*types.AttributeDef, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AttributeDef, error)
	GetByKindCode(dbc dbctx.Context, kind, code string) (*types.AttributeDef, error)
	GetByKindCodes(dbc dbctx.Context, kind string, codes []string) ([]*types.AttributeDef, error)
}

type attributeDefRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAttributeDefRepo(db *gorm.DB, baseLog *logger.Logger) AttributeDefRepo {
	return &attributeDefRepo{db: db, log: baseLog.With("repo", "AttributeDefRepo")}
}

func (r *attributeDefRepo) Create(dbc dbctx.Context, def *types.AttributeDef) (*types.AttributeDef, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := attrstore.ValidateDefFlags(def); err != nil {
		return nil, err
	}
	if err := transaction.WithContext(dbc.Ctx).Create(def).Error; err != nil {
		return nil, err
	}
	return def, nil
}

func (r *attributeDefRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AttributeDef, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var def types.AttributeDef
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *attributeDefRepo) GetByKindCode(dbc dbctx.Context, kind, code string) (*types.AttributeDef, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var def types.AttributeDef
	err := transaction.WithContext(dbc.Ctx).
		Where("entity_kind = ? AND code = ?", kind, code).
		First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *attributeDefRepo) GetByKindCodes(dbc dbctx.Context, kind string, codes []string) ([]*types.AttributeDef, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AttributeDef
	if len(codes) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("entity_kind = ? AND code IN ?", kind, codes).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
