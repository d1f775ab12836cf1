package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/services"
)

type PipelineHandler struct {
	pipelines services.PipelineService
}

func NewPipelineHandler(pipelines services.PipelineService) *PipelineHandler {
	return &PipelineHandler{pipelines: pipelines}
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pkgerrors.ErrInvalidConfig):
		return http.StatusUnprocessableEntity, "invalid_config"
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type createPipelineRequest struct {
	AttributeID       uuid.UUID       `json:"attribute_id" binding:"required"`
	EntityKind        string          `json:"entity_kind" binding:"required"`
	Name              string          `json:"name" binding:"required"`
	FilterAttributeID *uuid.UUID      `json:"filter_attribute_id"`
	FilterOperator    string          `json:"filter_operator"`
	FilterValue       json.RawMessage `json:"filter_value"`
}

// POST /api/pipelines
func (h *PipelineHandler) CreatePipeline(c *gin.Context) {
	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	p := &types.Pipeline{
		AttributeID:       req.AttributeID,
		EntityKind:        req.EntityKind,
		Name:              req.Name,
		FilterAttributeID: req.FilterAttributeID,
		FilterOperator:    req.FilterOperator,
		FilterValue:       []byte(req.FilterValue),
	}
	created, err := h.pipelines.CreatePipeline(dbctx.Context{Ctx: c.Request.Context()}, p)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"pipeline": created})
}

// GET /api/pipelines/:id
func (h *PipelineHandler) GetPipeline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_pipeline_id", err)
		return
	}
	p, err := h.pipelines.GetPipeline(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"pipeline": p})
}

// GET /api/pipelines?kind=...
func (h *PipelineHandler) ListPipelines(c *gin.Context) {
	kind := c.Query("kind")
	if kind == "" {
		RespondError(c, http.StatusBadRequest, "missing_kind", errors.New("query param kind required"))
		return
	}
	list, err := h.pipelines.ListPipelines(dbctx.Context{Ctx: c.Request.Context()}, kind)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"pipelines": list})
}

// GET /api/pipelines/order?kind=...
func (h *PipelineHandler) ExecutionOrder(c *gin.Context) {
	kind := c.Query("kind")
	if kind == "" {
		RespondError(c, http.StatusBadRequest, "missing_kind", errors.New("query param kind required"))
		return
	}
	order, err := h.pipelines.ExecutionOrder(dbctx.Context{Ctx: c.Request.Context()}, kind)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"order": order})
}

type addModuleRequest struct {
	Order      int             `json:"order"`
	ModuleType string          `json:"module_type" binding:"required"`
	Settings   json.RawMessage `json:"settings"`
}

// POST /api/pipelines/:id/modules
func (h *PipelineHandler) AddModule(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_pipeline_id", err)
		return
	}
	var req addModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	row, err := h.pipelines.AddModule(dbctx.Context{Ctx: c.Request.Context()}, pipelineID, req.Order, req.ModuleType, req.Settings)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"module": row})
}

type updateModuleRequest struct {
	Settings json.RawMessage `json:"settings" binding:"required"`
}

// PUT /api/modules/:id
func (h *PipelineHandler) UpdateModule(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_module_id", err)
		return
	}
	var req updateModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.pipelines.UpdateModuleSettings(dbctx.Context{Ctx: c.Request.Context()}, moduleID, req.Settings); err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"updated": true})
}

// DELETE /api/modules/:id
func (h *PipelineHandler) RemoveModule(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_module_id", err)
		return
	}
	if err := h.pipelines.RemoveModule(dbctx.Context{Ctx: c.Request.Context()}, moduleID); err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"deleted": true})
}

type submitRunRequest struct {
	TriggeredBy string `json:"triggered_by"`
	TriggerRef  string `json:"trigger_ref"`
	MaxEntities int    `json:"max_entities"`
	Force       bool   `json:"force"`
}

// POST /api/pipelines/:id/runs
func (h *PipelineHandler) SubmitRun(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_pipeline_id", err)
		return
	}
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = types.TriggerManual
	}
	jobID, err := h.pipelines.SubmitRun(dbctx.Context{Ctx: c.Request.Context()}, pipelineID, req.TriggeredBy, req.TriggerRef, req.MaxEntities, req.Force)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"job_id": jobID})
}

// GET /api/pipelines/:id/runs
func (h *PipelineHandler) ListRuns(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_pipeline_id", err)
		return
	}
	runs, err := h.pipelines.ListRuns(dbctx.Context{Ctx: c.Request.Context()}, pipelineID, 0)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"runs": runs})
}

// GET /api/runs/:id
func (h *PipelineHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := h.pipelines.GetRun(dbctx.Context{Ctx: c.Request.Context()}, runID)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"run": run})
}

// POST /api/runs/:id/cancel
func (h *PipelineHandler) CancelRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	if err := h.pipelines.CancelRun(dbctx.Context{Ctx: c.Request.Context()}, runID); err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"cancel_requested": true})
}

type createEvalRequest struct {
	EntityID     uuid.UUID       `json:"entity_id" binding:"required"`
	DesiredValue json.RawMessage `json:"desired_value" binding:"required"`
}

// POST /api/pipelines/:id/evals
func (h *PipelineHandler) CreateEval(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_pipeline_id", err)
		return
	}
	var req createEvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var desired any
	if err := json.Unmarshal(req.DesiredValue, &desired); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_desired_value", err)
		return
	}
	eval, err := h.pipelines.CreateEval(dbctx.Context{Ctx: c.Request.Context()}, pipelineID, req.EntityID, desired)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"eval": eval})
}

// GET /api/pipelines/:id/evals
func (h *PipelineHandler) ListEvals(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_pipeline_id", err)
		return
	}
	evals, err := h.pipelines.ListEvals(dbctx.Context{Ctx: c.Request.Context()}, pipelineID)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"evals": evals})
}

// POST /api/pipelines/:id/evals/run
func (h *PipelineHandler) RunEvals(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_pipeline_id", err)
		return
	}
	outcomes, err := h.pipelines.RunEvals(dbctx.Context{Ctx: c.Request.Context()}, pipelineID)
	if err != nil {
		status, code := statusFor(err)
		RespondError(c, status, code, err)
		return
	}
	RespondOK(c, gin.H{"outcomes": outcomes})
}
