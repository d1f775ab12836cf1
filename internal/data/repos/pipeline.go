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

// LastRunStats is the denormalized stats snapshot cached on the pipeline row
// after every run.
type LastRunStats struct {
	At         time.Time
	Status     string
	DurationMS int64
	Processed  int
	Failed     int
	Skipped    int
	TokensIn   int64
	TokensOut  int64
}

type PipelineRepo interface {
	Create(dbc dbctx.Context, p *types.Pipeline) (*types.Pipeline, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Pipeline, error)
	ListByKind(dbc dbctx.Context, kind string) ([]*types.Pipeline, error)
	// BumpVersion increments the version counter atomically (version = version + 1).
	BumpVersion(dbc dbctx.Context, id uuid.UUID) error
	UpdateLastRunStats(dbc dbctx.Context, id uuid.UUID, stats LastRunStats) error
}

type pipelineRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineRepo(db *gorm.DB, baseLog *logger.Logger) PipelineRepo {
	return &pipelineRepo{db: db, log: baseLog.With("repo", "PipelineRepo")}
}

func (r *pipelineRepo) Create(dbc dbctx.Context, p *types.Pipeline) (*types.Pipeline, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if err := transaction.WithContext(dbc.Ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (r *pipelineRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Pipeline, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var p types.Pipeline
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pipelineRepo) ListByKind(dbc dbctx.Context, kind string) ([]*types.Pipeline, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Pipeline
	if err := transaction.WithContext(dbc.Ctx).
		Where("entity_kind = ?", kind).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineRepo) BumpVersion(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Pipeline{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		}).Error
}

func (r *pipelineRepo) UpdateLastRunStats(dbc dbctx.Context, id uuid.UUID, stats LastRunStats) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Pipeline{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at":          stats.At,
			"last_run_status":      stats.Status,
			"last_run_duration_ms": stats.DurationMS,
			"last_run_processed":   stats.Processed,
			"last_run_failed":      stats.Failed,
			"last_run_skipped":     stats.Skipped,
			"last_run_tokens_in":   stats.TokensIn,
			"last_run_tokens_out":  stats.TokensOut,
			"updated_at":           time.Now(),
		}).Error
}
