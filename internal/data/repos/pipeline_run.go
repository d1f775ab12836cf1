package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

// RunCounters carries per-batch deltas applied with atomic increments so
// concurrent bookkeeping never read-modify-writes.
type RunCounters struct {
	Processed int
	Failed    int
	Skipped   int
	TokensIn  int64
	TokensOut int64
}

type PipelineRunRepo interface {
	Create(dbc dbctx.Context, run *types.PipelineRun) (*types.PipelineRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineRun, error)
	ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID, limit int) ([]*types.PipelineRun, error)
	IncrCounters(dbc dbctx.Context, id uuid.UUID, c RunCounters) error
	// Finish transitions the run out of "running" and stamps completed_at.
	Finish(dbc dbctx.Context, id uuid.UUID, status string, errMsg string) error
	RequestCancel(dbc dbctx.Context, id uuid.UUID) error
	IsCancelRequested(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type pipelineRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineRunRepo(db *gorm.DB, baseLog *logger.Logger) PipelineRunRepo {
	return &pipelineRunRepo{db: db, log: baseLog.With("repo", "PipelineRunRepo")}
}

func (r *pipelineRunRepo) Create(dbc dbctx.Context, run *types.PipelineRun) (*types.PipelineRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if run.Status == "" {
		run.Status = types.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if err := transaction.WithContext(dbc.Ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *pipelineRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var run types.PipelineRun
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *pipelineRunRepo) ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID, limit int) ([]*types.PipelineRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.PipelineRun
	if err := transaction.WithContext(dbc.Ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineRunRepo) IncrCounters(dbc dbctx.Context, id uuid.UUID, c RunCounters) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.PipelineRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":  gorm.Expr("processed + ?", c.Processed),
			"failed":     gorm.Expr("failed + ?", c.Failed),
			"skipped":    gorm.Expr("skipped + ?", c.Skipped),
			"tokens_in":  gorm.Expr("tokens_in + ?", c.TokensIn),
			"tokens_out": gorm.Expr("tokens_out + ?", c.TokensOut),
			"updated_at": time.Now(),
		}).Error
}

func (r *pipelineRunRepo) Finish(dbc dbctx.Context, id uuid.UUID, status string, errMsg string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.PipelineRun{}).
		Where("id = ? AND status = ?", id, types.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":       status,
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

func (r *pipelineRunRepo) RequestCancel(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.PipelineRun{}).
		Where("id = ? AND status = ?", id, types.RunStatusRunning).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		}).Error
}

func (r *pipelineRunRepo) IsCancelRequested(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var requested bool
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.PipelineRun{}).
		Where("id = ?", id).
		Pluck("cancel_requested", &requested).Error
	if err != nil {
		return false, err
	}
	return requested, nil
}
