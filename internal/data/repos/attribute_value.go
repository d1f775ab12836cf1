package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/catalogbridge-backend/internal/attrstore"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

type AttributeValueRepo interface {
	// GetForEntities bulk-loads value rows for one attribute across many
	// entities; missing rows are simply absent from the result.
	GetForEntities(dbc dbctx.Context, attributeID uuid.UUID, entityIDs []uuid.UUID) (map[uuid.UUID]*types.AttributeValue, error)
	GetByEntityAttr(dbc dbctx.Context, entityID, attributeID uuid.UUID) (*types.AttributeValue, error)
	// UpsertComputed writes a pipeline output through the approval policy of
	// def. The row's value_override, if any, is preserved untouched.
	UpsertComputed(dbc dbctx.Context, entityID uuid.UUID, def *types.AttributeDef, w attrstore.ComputedWrite) (*types.AttributeValue, error)
	// SetOverride installs or clears (nil) the manual override for a pair.
	SetOverride(dbc dbctx.Context, entityID, attributeID uuid.UUID, value datatypes.JSON) error
	// Approve promotes value_current to approved/live (manual approval path).
	Approve(dbc dbctx.Context, entityID, attributeID uuid.UUID) error
}

type attributeValueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAttributeValueRepo(db *gorm.DB, baseLog *logger.Logger) AttributeValueRepo {
	return &attributeValueRepo{db: db, log: baseLog.With("repo", "AttributeValueRepo")}
}

func (r *attributeValueRepo) GetForEntities(dbc dbctx.Context, attributeID uuid.UUID, entityIDs []uuid.UUID) (map[uuid.UUID]*types.AttributeValue, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	out := make(map[uuid.UUID]*types.AttributeValue, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}
	var rows []*types.AttributeValue
	if err := transaction.WithContext(dbc.Ctx).
		Where("attribute_id = ? AND entity_id IN ?", attributeID, entityIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.EntityID] = row
	}
	return out, nil
}

func (r *attributeValueRepo) GetByEntityAttr(dbc dbctx.Context, entityID, attributeID uuid.UUID) (*types.AttributeValue, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.AttributeValue
	err := transaction.WithContext(dbc.Ctx).
		Where("entity_id = ? AND attribute_id = ?", entityID, attributeID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *attributeValueRepo) UpsertComputed(dbc dbctx.Context, entityID uuid.UUID, def *types.AttributeDef, w attrstore.ComputedWrite) (*types.AttributeValue, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out *types.AttributeValue
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var row types.AttributeValue
		err := txx.Where("entity_id = ? AND attribute_id = ?", entityID, def.ID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = types.AttributeValue{
				ID:          uuid.New(),
				EntityID:    entityID,
				AttributeID: def.ID,
			}
			attrstore.Apply(&row, def, w)
			if cErr := txx.Create(&row).Error; cErr != nil {
				return cErr
			}
			out = &row
			return nil
		}
		if err != nil {
			return err
		}
		attrstore.Apply(&row, def, w)
		row.UpdatedAt = time.Now()
		if uErr := txx.Model(&types.AttributeValue{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"value_current":    row.ValueCurrent,
				"value_approved":   row.ValueApproved,
				"value_live":       row.ValueLive,
				"confidence":       row.Confidence,
				"justification":    row.Justification,
				"input_hash":       row.InputHash,
				"pipeline_version": row.PipelineVersion,
				"updated_at":       row.UpdatedAt,
			}).Error; uErr != nil {
			return uErr
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attributeValueRepo) SetOverride(dbc dbctx.Context, entityID, attributeID uuid.UUID, value datatypes.JSON) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var row types.AttributeValue
		err := txx.Where("entity_id = ? AND attribute_id = ?", entityID, attributeID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = types.AttributeValue{
				ID:            uuid.New(),
				EntityID:      entityID,
				AttributeID:   attributeID,
				ValueOverride: value,
			}
			return txx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		return txx.Model(&types.AttributeValue{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"value_override": value,
				"updated_at":     time.Now(),
			}).Error
	})
}

func (r *attributeValueRepo) Approve(dbc dbctx.Context, entityID, attributeID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.AttributeValue{}).
		Where("entity_id = ? AND attribute_id = ?", entityID, attributeID).
		Updates(map[string]interface{}{
			"value_approved": gorm.Expr("value_current"),
			"value_live":     gorm.Expr("value_current"),
			"updated_at":     now,
		}).Error
}
