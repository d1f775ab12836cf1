package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/catalogbridge-backend/internal/attrstore"
	"github.com/yungbote/catalogbridge-backend/internal/data/repos"
	types "github.com/yungbote/catalogbridge-backend/internal/domain"
	"github.com/yungbote/catalogbridge-backend/internal/modules"
	"github.com/yungbote/catalogbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/catalogbridge-backend/internal/pkg/errors"
	"github.com/yungbote/catalogbridge-backend/internal/platform/logger"
)

// ---- in-memory repo fakes ----

type fakeDefs struct {
	byID map[uuid.UUID]*types.AttributeDef
}

func (f *fakeDefs) Create(dbc dbctx.Context, def *types.AttributeDef) (*types.AttributeDef, error) {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	f.byID[def.ID] = def
	return def, nil
}

func (f *fakeDefs) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AttributeDef, error) {
	def, ok := f.byID[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return def, nil
}

func (f *fakeDefs) GetByKindCode(dbc dbctx.Context, kind, code string) (*types.AttributeDef, error) {
	for _, def := range f.byID {
		if def.EntityKind == kind && def.Code == code {
			return def, nil
		}
	}
	return nil, pkgerrors.ErrNotFound
}

func (f *fakeDefs) GetByKindCodes(dbc dbctx.Context, kind string, codes []string) ([]*types.AttributeDef, error) {
	var out []*types.AttributeDef
	for _, code := range codes {
		if def, err := f.GetByKindCode(dbc, kind, code); err == nil {
			out = append(out, def)
		}
	}
	return out, nil
}

type valueKey struct {
	entity uuid.UUID
	attr   uuid.UUID
}

type fakeValues struct {
	rows map[valueKey]*types.AttributeValue
}

func (f *fakeValues) GetForEntities(dbc dbctx.Context, attributeID uuid.UUID, entityIDs []uuid.UUID) (map[uuid.UUID]*types.AttributeValue, error) {
	out := map[uuid.UUID]*types.AttributeValue{}
	for _, id := range entityIDs {
		if row, ok := f.rows[valueKey{id, attributeID}]; ok {
			out[id] = row
		}
	}
	return out, nil
}

func (f *fakeValues) GetByEntityAttr(dbc dbctx.Context, entityID, attributeID uuid.UUID) (*types.AttributeValue, error) {
	return f.rows[valueKey{entityID, attributeID}], nil
}

func (f *fakeValues) UpsertComputed(dbc dbctx.Context, entityID uuid.UUID, def *types.AttributeDef, w attrstore.ComputedWrite) (*types.AttributeValue, error) {
	key := valueKey{entityID, def.ID}
	row, ok := f.rows[key]
	if !ok {
		row = &types.AttributeValue{ID: uuid.New(), EntityID: entityID, AttributeID: def.ID}
		f.rows[key] = row
	}
	attrstore.Apply(row, def, w)
	return row, nil
}

func (f *fakeValues) SetOverride(dbc dbctx.Context, entityID, attributeID uuid.UUID, value datatypes.JSON) error {
	key := valueKey{entityID, attributeID}
	row, ok := f.rows[key]
	if !ok {
		row = &types.AttributeValue{ID: uuid.New(), EntityID: entityID, AttributeID: attributeID}
		f.rows[key] = row
	}
	row.ValueOverride = value
	return nil
}

func (f *fakeValues) Approve(dbc dbctx.Context, entityID, attributeID uuid.UUID) error {
	if row, ok := f.rows[valueKey{entityID, attributeID}]; ok {
		row.ValueApproved = row.ValueCurrent
		row.ValueLive = row.ValueCurrent
	}
	return nil
}

type fakePipelines struct {
	byID  map[uuid.UUID]*types.Pipeline
	stats map[uuid.UUID]repos.LastRunStats
}

func (f *fakePipelines) Create(dbc dbctx.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	f.byID[p.ID] = p
	return p, nil
}

func (f *fakePipelines) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Pipeline, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return p, nil
}

func (f *fakePipelines) ListByKind(dbc dbctx.Context, kind string) ([]*types.Pipeline, error) {
	var out []*types.Pipeline
	for _, p := range f.byID {
		if p.EntityKind == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePipelines) BumpVersion(dbc dbctx.Context, id uuid.UUID) error {
	if p, ok := f.byID[id]; ok {
		p.Version++
	}
	return nil
}

func (f *fakePipelines) UpdateLastRunStats(dbc dbctx.Context, id uuid.UUID, stats repos.LastRunStats) error {
	f.stats[id] = stats
	return nil
}

type fakeModuleRows struct {
	byPipeline map[uuid.UUID][]*types.PipelineModule
}

func (f *fakeModuleRows) Create(dbc dbctx.Context, m *types.PipelineModule) (*types.PipelineModule, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.byPipeline[m.PipelineID] = append(f.byPipeline[m.PipelineID], m)
	return m, nil
}

func (f *fakeModuleRows) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineModule, error) {
	for _, rows := range f.byPipeline {
		for _, m := range rows {
			if m.ID == id {
				return m, nil
			}
		}
	}
	return nil, pkgerrors.ErrNotFound
}

func (f *fakeModuleRows) ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID) ([]*types.PipelineModule, error) {
	rows := append([]*types.PipelineModule{}, f.byPipeline[pipelineID]...)
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			if rows[j].Order < rows[i].Order {
				rows[i], rows[j] = rows[j], rows[i]
			}
		}
	}
	return rows, nil
}

func (f *fakeModuleRows) UpdateSettings(dbc dbctx.Context, id uuid.UUID, settings []byte) error {
	m, err := f.GetByID(dbc, id)
	if err != nil {
		return err
	}
	m.Settings = settings
	return nil
}

func (f *fakeModuleRows) Delete(dbc dbctx.Context, id uuid.UUID) error {
	for pid, rows := range f.byPipeline {
		for i, m := range rows {
			if m.ID == id {
				f.byPipeline[pid] = append(rows[:i], rows[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

type fakeRuns struct {
	byID map[uuid.UUID]*types.PipelineRun
}

func (f *fakeRuns) Create(dbc dbctx.Context, run *types.PipelineRun) (*types.PipelineRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = types.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	f.byID[run.ID] = run
	return run, nil
}

func (f *fakeRuns) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineRun, error) {
	run, ok := f.byID[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID, limit int) ([]*types.PipelineRun, error) {
	var out []*types.PipelineRun
	for _, run := range f.byID {
		if run.PipelineID == pipelineID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeRuns) IncrCounters(dbc dbctx.Context, id uuid.UUID, c repos.RunCounters) error {
	run, ok := f.byID[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	run.Processed += c.Processed
	run.Failed += c.Failed
	run.Skipped += c.Skipped
	run.TokensIn += c.TokensIn
	run.TokensOut += c.TokensOut
	return nil
}

func (f *fakeRuns) Finish(dbc dbctx.Context, id uuid.UUID, status string, errMsg string) error {
	run, ok := f.byID[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	if run.Status != types.RunStatusRunning {
		return nil
	}
	now := time.Now()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	return nil
}

func (f *fakeRuns) RequestCancel(dbc dbctx.Context, id uuid.UUID) error {
	if run, ok := f.byID[id]; ok && run.Status == types.RunStatusRunning {
		run.CancelRequested = true
	}
	return nil
}

func (f *fakeRuns) IsCancelRequested(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	run, ok := f.byID[id]
	if !ok {
		return false, nil
	}
	return run.CancelRequested, nil
}

// ---- test modules ----

type timesTwo struct{ confidence float64 }

func (m *timesTwo) Type() string       { return "times_two" }
func (m *timesTwo) Kind() modules.Kind { return modules.KindProcessor }

func (m *timesTwo) Process(ctx context.Context, item modules.Item) modules.Result {
	price, ok := item.Inputs["price"].(float64)
	if !ok {
		return modules.Fail("missing numeric price input")
	}
	c := m.confidence
	return modules.Success(price*2, &c, "price doubled", nil)
}

func timesTwoDefinition(confidence float64) modules.Definition {
	return modules.Definition{
		Type: "times_two", Label: "Times two", Kind: modules.KindProcessor,
		New: func(deps modules.Deps, settings json.RawMessage) (modules.Module, error) {
			return &timesTwo{confidence: confidence}, nil
		},
	}
}

// failFor fails entities whose inputs carry boom=true.
type failFor struct{}

func (m *failFor) Type() string       { return "fail_for" }
func (m *failFor) Kind() modules.Kind { return modules.KindProcessor }

func (m *failFor) Process(ctx context.Context, item modules.Item) modules.Result {
	if b, _ := item.Inputs["boom"].(bool); b {
		return modules.Fail("boom")
	}
	return modules.Success(item.Inputs["price"], nil, "", nil)
}

func failForDefinition() modules.Definition {
	return modules.Definition{
		Type: "fail_for", Label: "Fail for", Kind: modules.KindProcessor,
		New: func(deps modules.Deps, settings json.RawMessage) (modules.Module, error) {
			return &failFor{}, nil
		},
	}
}

// ---- fixture ----

type fixture struct {
	engine    *Engine
	defs      *fakeDefs
	values    *fakeValues
	pipelines *fakePipelines
	mods      *fakeModuleRows
	runs      *fakeRuns
	registry  *modules.Registry

	kind      string
	priceDef  *types.AttributeDef
	targetDef *types.AttributeDef
	statusDef *types.AttributeDef
}

func newFixture(t *testing.T, needsApproval string, threshold float64) *fixture {
	t.Helper()
	f := &fixture{
		defs:      &fakeDefs{byID: map[uuid.UUID]*types.AttributeDef{}},
		values:    &fakeValues{rows: map[valueKey]*types.AttributeValue{}},
		pipelines: &fakePipelines{byID: map[uuid.UUID]*types.Pipeline{}, stats: map[uuid.UUID]repos.LastRunStats{}},
		mods:      &fakeModuleRows{byPipeline: map[uuid.UUID][]*types.PipelineModule{}},
		runs:      &fakeRuns{byID: map[uuid.UUID]*types.PipelineRun{}},
		kind:      "product",
	}
	dbc := dbctx.Context{Ctx: context.Background()}
	f.priceDef, _ = f.defs.Create(dbc, &types.AttributeDef{
		EntityKind: f.kind, Code: "price", Editable: types.EditableYes, NeedsApproval: types.NeedsApprovalNo,
	})
	f.statusDef, _ = f.defs.Create(dbc, &types.AttributeDef{
		EntityKind: f.kind, Code: "status", Editable: types.EditableYes, NeedsApproval: types.NeedsApprovalNo,
	})
	f.targetDef, _ = f.defs.Create(dbc, &types.AttributeDef{
		EntityKind: f.kind, Code: "price_doubled", IsPipeline: true,
		Editable: types.EditableOverridable, NeedsApproval: needsApproval,
		ApprovalConfidenceThreshold: threshold,
	})

	f.registry = modules.NewRegistry()
	f.registry.Register(timesTwoDefinition(0.9))
	f.registry.Register(failForDefinition())
	f.registry.Register(sourceDefinitionForTest())

	f.engine = New(logger.Nop(), f.registry, f.defs, f.values, f.pipelines, f.mods, f.runs, nil, nil)
	return f
}

// sourceDefinitionForTest reuses the production attribute_source behavior but
// with the fake repos injected through Deps.
func sourceDefinitionForTest() modules.Definition {
	def := modules.Definition{}
	for _, d := range modules.DefaultRegistry().Types() {
		if d.Kind == modules.KindSource {
			def = d
		}
	}
	return def
}

func (f *fixture) seedEntity(t *testing.T, price float64, status string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	dbc := dbctx.Context{Ctx: context.Background()}
	raw, _ := json.Marshal(price)
	if _, err := f.values.UpsertComputed(dbc, id, f.priceDef, attrstore.ComputedWrite{Value: raw}); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	if status != "" {
		rawStatus, _ := json.Marshal(status)
		if _, err := f.values.UpsertComputed(dbc, id, f.statusDef, attrstore.ComputedWrite{Value: rawStatus}); err != nil {
			t.Fatalf("seed status: %v", err)
		}
	}
	return id
}

func (f *fixture) buildPipeline(t *testing.T, processorType string) *types.Pipeline {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	p, _ := f.pipelines.Create(dbc, &types.Pipeline{
		AttributeID: f.targetDef.ID, EntityKind: f.kind, Name: "double price",
	})
	settings, _ := json.Marshal(map[string]any{"attributes": []string{"price"}})
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 1, ModuleType: modules.TypeAttributeSource, Settings: settings})
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 2, ModuleType: processorType, Settings: []byte(`{}`)})
	return p
}

func (f *fixture) execute(t *testing.T, p *types.Pipeline, candidates []uuid.UUID, maxEntities int, force bool) *types.PipelineRun {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	run, _ := f.runs.Create(dbc, &types.PipelineRun{
		PipelineID: p.ID, PipelineVersion: p.Version, TriggeredBy: types.TriggerManual,
	})
	err := f.engine.ExecuteRun(dbc, RunParams{
		Pipeline: p, Run: run, Candidates: candidates, MaxEntities: maxEntities, Force: force,
	})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	return run
}

func (f *fixture) targetRow(id uuid.UUID) *types.AttributeValue {
	return f.values.rows[valueKey{id, f.targetDef.ID}]
}

// ---- tests ----

func TestExecuteRun_DoublesPriceAndAutoApproves(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	e1 := f.seedEntity(t, 19.99, "")
	p := f.buildPipeline(t, "times_two")

	run := f.execute(t, p, []uuid.UUID{e1}, 0, false)

	if run.Status != types.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed", run.Status)
	}
	if run.Processed != 1 || run.Failed != 0 || run.Skipped != 0 {
		t.Fatalf("counters = %d/%d/%d, want 1/0/0", run.Processed, run.Failed, run.Skipped)
	}
	row := f.targetRow(e1)
	if row == nil {
		t.Fatalf("no value written")
	}
	if string(row.ValueCurrent) != "39.98" {
		t.Fatalf("value_current = %s, want 39.98", row.ValueCurrent)
	}
	if string(row.ValueApproved) != "39.98" || string(row.ValueLive) != "39.98" {
		t.Fatalf("needs_approval=no must auto-promote, got approved=%s live=%s", row.ValueApproved, row.ValueLive)
	}
	if row.PipelineVersion != p.Version || row.InputHash == "" {
		t.Fatalf("version/hash bookkeeping missing: %+v", row)
	}
	if row.Justification != "price doubled" || row.Confidence == nil || *row.Confidence != 0.9 {
		t.Fatalf("justification/confidence not carried: %+v", row)
	}
}

func TestExecuteRun_ApprovalHold(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalYes, 0)
	e1 := f.seedEntity(t, 10, "")
	p := f.buildPipeline(t, "times_two")

	f.execute(t, p, []uuid.UUID{e1}, 0, false)

	row := f.targetRow(e1)
	if string(row.ValueCurrent) != "20" {
		t.Fatalf("value_current = %s, want 20", row.ValueCurrent)
	}
	if len(row.ValueApproved) != 0 || len(row.ValueLive) != 0 {
		t.Fatalf("needs_approval=yes must hold promotion, got approved=%s live=%s", row.ValueApproved, row.ValueLive)
	}
}

func TestExecuteRun_LowConfidenceThreshold(t *testing.T) {
	// Processor reports confidence 0.9; threshold 0.95 holds it back.
	f := newFixture(t, types.NeedsApprovalLowConf, 0.95)
	e1 := f.seedEntity(t, 10, "")
	p := f.buildPipeline(t, "times_two")

	f.execute(t, p, []uuid.UUID{e1}, 0, false)
	if row := f.targetRow(e1); len(row.ValueApproved) != 0 {
		t.Fatalf("confidence below threshold must not auto-approve")
	}

	f2 := newFixture(t, types.NeedsApprovalLowConf, 0.8)
	e2 := f2.seedEntity(t, 10, "")
	p2 := f2.buildPipeline(t, "times_two")
	f2.execute(t, p2, []uuid.UUID{e2}, 0, false)
	if row := f2.targetRow(e2); string(row.ValueApproved) != "20" {
		t.Fatalf("confidence above threshold must auto-approve, got %s", row.ValueApproved)
	}
}

func TestExecuteRun_OverrideNeverOverwritten(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	e1 := f.seedEntity(t, 10, "")
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := f.values.SetOverride(dbc, e1, f.targetDef.ID, datatypes.JSON(`777`)); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	p := f.buildPipeline(t, "times_two")

	f.execute(t, p, []uuid.UUID{e1}, 0, false)

	row := f.targetRow(e1)
	if string(row.ValueOverride) != "777" {
		t.Fatalf("pipeline run overwrote value_override: %s", row.ValueOverride)
	}
	if string(attrstore.Resolve(row)) != "777" {
		t.Fatalf("override must win on read")
	}
	if string(row.ValueCurrent) != "20" {
		t.Fatalf("value_current should still receive the computed value")
	}
}

func TestExecuteRun_FilterEqualSkips(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	active := f.seedEntity(t, 10, "active")
	archived := f.seedEntity(t, 10, "archived")
	missing := f.seedEntity(t, 10, "")

	p := f.buildPipeline(t, "times_two")
	p.FilterAttributeID = &f.statusDef.ID
	p.FilterOperator = types.FilterOpEqual
	p.FilterValue = datatypes.JSON(`"active"`)

	run := f.execute(t, p, []uuid.UUID{active, archived, missing}, 0, false)

	if run.Processed != 1 || run.Skipped != 2 || run.Failed != 0 {
		t.Fatalf("counters = %d/%d/%d, want processed=1 skipped=2 failed=0",
			run.Processed, run.Failed, run.Skipped)
	}
	if f.targetRow(active) == nil {
		t.Fatalf("matching entity not processed")
	}
	if f.targetRow(archived) != nil || f.targetRow(missing) != nil {
		t.Fatalf("filtered entities must never reach modules")
	}
}

func TestExecuteRun_FilterInMembership(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	a := f.seedEntity(t, 10, "new")
	b := f.seedEntity(t, 10, "active")
	c := f.seedEntity(t, 10, "archived")

	p := f.buildPipeline(t, "times_two")
	p.FilterAttributeID = &f.statusDef.ID
	p.FilterOperator = types.FilterOpIn
	p.FilterValue = datatypes.JSON(`["new", "active"]`)

	run := f.execute(t, p, []uuid.UUID{a, b, c}, 0, false)
	if run.Processed != 2 || run.Skipped != 1 {
		t.Fatalf("counters = processed=%d skipped=%d, want 2/1", run.Processed, run.Skipped)
	}
}

func TestExecuteRun_FilterInScalarValue(t *testing.T) {
	// A scalar filter value behaves as a one-element list under "in".
	f := newFixture(t, types.NeedsApprovalNo, 0)
	a := f.seedEntity(t, 10, "active")
	b := f.seedEntity(t, 10, "archived")

	p := f.buildPipeline(t, "times_two")
	p.FilterAttributeID = &f.statusDef.ID
	p.FilterOperator = types.FilterOpIn
	p.FilterValue = datatypes.JSON(`"active"`)

	run := f.execute(t, p, []uuid.UUID{a, b}, 0, false)
	if run.Processed != 1 || run.Skipped != 1 {
		t.Fatalf("counters = processed=%d skipped=%d, want 1/1", run.Processed, run.Skipped)
	}
}

func TestExecuteRun_CapAppliedAfterFilter(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	var ids []uuid.UUID
	// 3 archived entities first, then 4 active; cap 2 must yield 2 processed.
	for i := 0; i < 3; i++ {
		ids = append(ids, f.seedEntity(t, 10, "archived"))
	}
	for i := 0; i < 4; i++ {
		ids = append(ids, f.seedEntity(t, 10, "active"))
	}
	p := f.buildPipeline(t, "times_two")
	p.FilterAttributeID = &f.statusDef.ID
	p.FilterOperator = types.FilterOpEqual
	p.FilterValue = datatypes.JSON(`"active"`)

	run := f.execute(t, p, ids, 2, false)
	if run.Processed != 2 {
		t.Fatalf("cap must bound processed entities after filtering, processed=%d", run.Processed)
	}
	if run.Skipped != 3 {
		t.Fatalf("skipped = %d, want 3 filtered", run.Skipped)
	}
}

func TestExecuteRun_FailureIsolation(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	good := f.seedEntity(t, 10, "")
	bad := f.seedEntity(t, 10, "")
	dbc := dbctx.Context{Ctx: context.Background()}
	raw, _ := json.Marshal(true)
	boomDef, _ := f.defs.Create(dbc, &types.AttributeDef{
		EntityKind: f.kind, Code: "boom", Editable: types.EditableYes, NeedsApproval: types.NeedsApprovalNo,
	})
	f.values.UpsertComputed(dbc, bad, boomDef, attrstore.ComputedWrite{Value: raw})

	p, _ := f.pipelines.Create(dbc, &types.Pipeline{
		AttributeID: f.targetDef.ID, EntityKind: f.kind, Name: "with failures",
	})
	settings, _ := json.Marshal(map[string]any{"attributes": []string{"price", "boom"}})
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 1, ModuleType: modules.TypeAttributeSource, Settings: settings})
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 2, ModuleType: "fail_for", Settings: []byte(`{}`)})
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 3, ModuleType: "times_two", Settings: []byte(`{}`)})

	run := f.execute(t, p, []uuid.UUID{good, bad}, 0, false)

	if run.Status != types.RunStatusCompleted {
		t.Fatalf("per-entity failures must not fail the run, status=%s", run.Status)
	}
	if run.Processed != 1 || run.Failed != 1 {
		t.Fatalf("counters = processed=%d failed=%d, want 1/1", run.Processed, run.Failed)
	}
	if f.targetRow(bad) != nil {
		t.Fatalf("failed entity must not be written to the store")
	}
	if f.targetRow(good) == nil {
		t.Fatalf("healthy entity must still be written")
	}
}

func TestExecuteRun_EngineLevelFailure(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	e1 := f.seedEntity(t, 10, "")
	dbc := dbctx.Context{Ctx: context.Background()}
	p, _ := f.pipelines.Create(dbc, &types.Pipeline{
		AttributeID: f.targetDef.ID, EntityKind: f.kind, Name: "broken config",
	})
	// No source module: chain load must fail the whole run.
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 1, ModuleType: "times_two", Settings: []byte(`{}`)})

	run, _ := f.runs.Create(dbc, &types.PipelineRun{PipelineID: p.ID, TriggeredBy: types.TriggerManual})
	err := f.engine.ExecuteRun(dbc, RunParams{Pipeline: p, Run: run, Candidates: []uuid.UUID{e1}})
	if err == nil {
		t.Fatalf("engine-level failure should surface an error")
	}
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if run.Error == "" {
		t.Fatalf("run error message must be persisted")
	}
}

func TestExecuteRun_CancellationAborts(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	e1 := f.seedEntity(t, 10, "")
	p := f.buildPipeline(t, "times_two")
	dbc := dbctx.Context{Ctx: context.Background()}

	run, _ := f.runs.Create(dbc, &types.PipelineRun{PipelineID: p.ID, TriggeredBy: types.TriggerManual})
	run.CancelRequested = true

	if err := f.engine.ExecuteRun(dbc, RunParams{Pipeline: p, Run: run, Candidates: []uuid.UUID{e1}}); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if run.Status != types.RunStatusAborted {
		t.Fatalf("run status = %s, want aborted", run.Status)
	}
	if run.CompletedAt == nil {
		t.Fatalf("completed_at must be stamped when status leaves running")
	}
}

func TestExecuteRun_StalenessSkipAndForce(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	e1 := f.seedEntity(t, 10, "")
	p := f.buildPipeline(t, "times_two")

	first := f.execute(t, p, []uuid.UUID{e1}, 0, false)
	if first.Processed != 1 {
		t.Fatalf("first run should process, got %d", first.Processed)
	}

	second := f.execute(t, p, []uuid.UUID{e1}, 0, false)
	if second.Processed != 0 || second.Skipped != 1 {
		t.Fatalf("unchanged inputs should be skipped: processed=%d skipped=%d", second.Processed, second.Skipped)
	}

	third := f.execute(t, p, []uuid.UUID{e1}, 0, true)
	if third.Processed != 1 {
		t.Fatalf("force must recompute, processed=%d", third.Processed)
	}
}

func TestExecuteRun_StatsCachedOnPipeline(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	active := f.seedEntity(t, 10, "active")
	archived := f.seedEntity(t, 10, "archived")
	p := f.buildPipeline(t, "times_two")
	p.FilterAttributeID = &f.statusDef.ID
	p.FilterOperator = types.FilterOpEqual
	p.FilterValue = datatypes.JSON(`"active"`)

	f.execute(t, p, []uuid.UUID{active, archived}, 0, false)

	stats, ok := f.pipelines.stats[p.ID]
	if !ok {
		t.Fatalf("last-run stats not cached on pipeline")
	}
	if stats.Status != types.RunStatusCompleted || stats.Processed != 1 {
		t.Fatalf("cached stats wrong: %+v", stats)
	}
	if stats.Skipped != 1 {
		t.Fatalf("cached stats must carry skipped, got %+v", stats)
	}
}

func TestLoadChain_RejectsBadConfig(t *testing.T) {
	f := newFixture(t, types.NeedsApprovalNo, 0)
	dbc := dbctx.Context{Ctx: context.Background()}
	p, _ := f.pipelines.Create(dbc, &types.Pipeline{
		AttributeID: f.targetDef.ID, EntityKind: f.kind, Name: "bad",
	})
	settings, _ := json.Marshal(map[string]any{"attributes": []string{"price"}})
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 1, ModuleType: modules.TypeAttributeSource, Settings: settings})
	f.mods.Create(dbc, &types.PipelineModule{PipelineID: p.ID, Order: 2, ModuleType: "no_such_module", Settings: []byte(`{}`)})

	if _, err := f.engine.loadChain(dbc, p); err == nil {
		t.Fatalf("unknown module type must fail at chain load")
	} else if !errors.Is(err, pkgerrors.ErrInvalidConfig) {
		t.Fatalf("expected invalid-config error, got %v", err)
	}
}
