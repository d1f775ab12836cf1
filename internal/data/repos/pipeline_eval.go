package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

// EvalResultUpdate is what a single eval execution persists back onto the row.
type EvalResultUpdate struct {
	ActualOutput  datatypes.JSON
	Justification string
	Confidence    *float64
	InputHash     string
	LastError     string
}

type PipelineEvalRepo interface {
	Create(dbc dbctx.Context, eval *types.PipelineEval) (*types.PipelineEval, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineEval, error)
	ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID) ([]*types.PipelineEval, error)
	UpdateResult(dbc dbctx.Context, id uuid.UUID, upd EvalResultUpdate) error
}

type pipelineEvalRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineEvalRepo(db *gorm.DB, baseLog *logger.Logger) PipelineEvalRepo {
	return &pipelineEvalRepo{db: db, log: baseLog.With("repo", "PipelineEvalRepo")}
}

func (r *pipelineEvalRepo) Create(dbc dbctx.Context, eval *types.PipelineEval) (*types.PipelineEval, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(eval).Error; err != nil {
		return nil, err
	}
	return eval, nil
}

func (r *pipelineEvalRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineEval, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var eval types.PipelineEval
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&eval).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &eval, nil
}

func (r *pipelineEvalRepo) ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID) ([]*types.PipelineEval, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PipelineEval
	if err := transaction.WithContext(dbc.Ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineEvalRepo) UpdateResult(dbc dbctx.Context, id uuid.UUID, upd EvalResultUpdate) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.PipelineEval{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"actual_output": upd.ActualOutput,
			"justification": upd.Justification,
			"confidence":    upd.Confidence,
			"input_hash":    upd.InputHash,
			"last_error":    upd.LastError,
			"last_ran_at":   now,
			"updated_at":    now,
		}).Error
}
