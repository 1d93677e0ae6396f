package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/expression"
	"github.com/pitabwire/stagehand/internal/history"
	"github.com/pitabwire/stagehand/internal/store"
	"github.com/pitabwire/stagehand/model"
)

// --- Test helpers ---

func testRctx() *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-alice",
		TenantID:  "tenant-1",
	}
}

// testCaseDefinition models a two-level review case: an autocompleting root
// stage holding a task, the reactivation listener, and a nested
// autocompleting stage gated on the first task's completion. The nested stage
// holds an auto-starting task and an optional manually activated one.
func testCaseDefinition() model.CaseDefinition {
	return model.CaseDefinition{
		ID:   "loan-review",
		Name: "Loan Review",
		PlanItems: []model.PlanItemDefinition{
			{
				ID: "stage-a", Type: model.PlanItemTypeStage, Autocomplete: true, Required: true,
				Children: []model.PlanItemDefinition{
					{ID: "task-a", Type: model.PlanItemTypeTask, Required: true},
					{ID: "reactivate-listener", Type: model.PlanItemTypeEventListener, ReactivationListener: true},
					{
						ID: "stage-b", Type: model.PlanItemTypeStage, Autocomplete: true, Required: true,
						EntryCriteria: []model.Criterion{{
							ID: "entry-stage-b",
							OnParts: []model.OnPart{{
								SourceElementID: "task-a",
								States:          []model.PlanItemState{model.PlanItemStateCompleted},
							}},
						}},
						Children: []model.PlanItemDefinition{
							{ID: "task-b", Type: model.PlanItemTypeTask, Required: true},
							{ID: "task-c", Type: model.PlanItemTypeTask, ManualActivation: true},
						},
					},
				},
			},
		},
	}
}

func newTestEngine(t *testing.T, defs ...model.CaseDefinition) (*Engine, *store.MemoryStore, *model.FixedClock) {
	t.Helper()
	clock := &model.FixedClock{Current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(clock)

	registry := definition.NewRegistry()
	if len(defs) == 0 {
		defs = []model.CaseDefinition{testCaseDefinition()}
	}
	for _, def := range defs {
		if err := registry.Deploy(def); err != nil {
			t.Fatalf("deploying %q: %v", def.ID, err)
		}
	}

	eng := NewEngine(registry, st, st, expression.NewResolver(), WithClock(clock))
	return eng, st, clock
}

func startTestCase(t *testing.T, eng *Engine, variables map[string]any) model.CaseInstance {
	t.Helper()
	inst, err := eng.StartCase(context.Background(), testRctx(), "loan-review", "bk-42", variables)
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}
	return inst
}

func listItems(t *testing.T, eng *Engine, caseID string) []model.PlanItemInstance {
	t.Helper()
	items, err := eng.ListPlanItems(context.Background(), testRctx(), caseID)
	if err != nil {
		t.Fatalf("ListPlanItems: %v", err)
	}
	return items
}

func itemByElement(t *testing.T, items []model.PlanItemInstance, elementID string) model.PlanItemInstance {
	t.Helper()
	for _, pi := range items {
		if pi.ElementID == elementID {
			return pi
		}
	}
	t.Fatalf("no plan item instance for element %q", elementID)
	return model.PlanItemInstance{}
}

func itemsByElement(items []model.PlanItemInstance, elementID string) []model.PlanItemInstance {
	var matched []model.PlanItemInstance
	for _, pi := range items {
		if pi.ElementID == elementID {
			matched = append(matched, pi)
		}
	}
	return matched
}

func triggerElement(t *testing.T, eng *Engine, caseID string, items []model.PlanItemInstance, elementID string) {
	t.Helper()
	pi := itemByElement(t, items, elementID)
	if err := eng.TriggerPlanItem(context.Background(), testRctx(), caseID, pi.ID); err != nil {
		t.Fatalf("TriggerPlanItem(%s): %v", elementID, err)
	}
}

// --- StartCase tests ---

func TestStartCaseCascade(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	inst := startTestCase(t, eng, map[string]any{"amount": 1200})

	if inst.State != model.CaseStateActive {
		t.Errorf("case State = %q, want active", inst.State)
	}
	if inst.BusinessKey != "bk-42" {
		t.Errorf("BusinessKey = %q", inst.BusinessKey)
	}
	if inst.StartUserID != "user-alice" {
		t.Errorf("StartUserID = %q", inst.StartUserID)
	}

	items := listItems(t, eng, inst.ID)
	if len(items) != 4 {
		t.Fatalf("StartCase created %d items, want 4", len(items))
	}
	wantStates := map[string]model.PlanItemState{
		"stage-a":             model.PlanItemStateActive,
		"task-a":              model.PlanItemStateActive,
		"reactivate-listener": model.PlanItemStateAvailable,
		"stage-b":             model.PlanItemStateAvailable,
	}
	for element, want := range wantStates {
		if got := itemByElement(t, items, element).State; got != want {
			t.Errorf("%s State = %q, want %q", element, got, want)
		}
	}

	// Child items reference their containing stage instance.
	stageA := itemByElement(t, items, "stage-a")
	for _, element := range []string{"task-a", "reactivate-listener", "stage-b"} {
		if got := itemByElement(t, items, element).StageInstanceID; got != stageA.ID {
			t.Errorf("%s StageInstanceID = %q, want %q", element, got, stageA.ID)
		}
	}

	// Exactly one journal batch enqueued.
	due := st.JobsInState(model.JobStateDue)
	if len(due) != 1 {
		t.Fatalf("due jobs = %d, want 1", len(due))
	}
	if due[0].CaseInstanceID != inst.ID || due[0].HandlerType != model.JobHandlerAsyncHistory {
		t.Errorf("job = %+v", due[0])
	}
}

func TestStartCaseJournalBatch(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	inst := startTestCase(t, eng, map[string]any{"amount": 1200})

	job := st.JobsInState(model.JobStateDue)[0]
	events, err := history.DecodeBatch(job.Payload, job.HandlerType)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("empty journal batch")
	}
	if events[0].Type != model.HistoryCaseStart {
		t.Errorf("first event = %q, want case start", events[0].Type)
	}
	if events[0].CaseInstanceID != inst.ID || events[0].TenantID != "tenant-1" {
		t.Errorf("event envelope = %+v", events[0])
	}

	counts := make(map[string]int)
	for i, ev := range events {
		if ev.Seq != i {
			t.Errorf("event %d has Seq %d", i, ev.Seq)
		}
		counts[ev.Type]++
	}
	if counts[model.HistoryVariableCreated] != 1 {
		t.Errorf("variable events = %d, want 1", counts[model.HistoryVariableCreated])
	}
	if counts[model.HistoryPlanItemCreated] != 4 {
		t.Errorf("created events = %d, want 4", counts[model.HistoryPlanItemCreated])
	}
	if counts[model.HistoryPlanItemStarted] != 2 {
		t.Errorf("started events = %d, want 2 (stage-a, task-a)", counts[model.HistoryPlanItemStarted])
	}
}

func TestStartCaseZippedHistory(t *testing.T) {
	clock := &model.FixedClock{Current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(clock)
	registry := definition.NewRegistry()
	if err := registry.Deploy(testCaseDefinition()); err != nil {
		t.Fatal(err)
	}
	eng := NewEngine(registry, st, st, expression.NewResolver(), WithClock(clock), WithZippedHistory(true))

	inst, err := eng.StartCase(context.Background(), testRctx(), "loan-review", "", nil)
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}

	job := st.JobsInState(model.JobStateDue)[0]
	if job.HandlerType != model.JobHandlerAsyncHistoryZipped {
		t.Fatalf("HandlerType = %q, want zipped", job.HandlerType)
	}
	events, err := history.DecodeBatch(job.Payload, job.HandlerType)
	if err != nil {
		t.Fatalf("DecodeBatch(zipped): %v", err)
	}
	if len(events) == 0 || events[0].CaseInstanceID != inst.ID {
		t.Errorf("zipped batch = %d events", len(events))
	}
}

func TestStartCaseUnknownDefinition(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.StartCase(context.Background(), testRctx(), "ghost", "", nil)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrNotFound)
	}
}

func TestStartCaseInvalidRequestContext(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.StartCase(context.Background(), &model.RequestContext{}, "loan-review", "", nil)
	if err == nil {
		t.Error("expected error for missing identity")
	}
}

func TestStartCaseNilRequestContext(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.StartCase(context.Background(), nil, "loan-review", "", nil)
	if !model.IsCode(err, model.ErrIllegalArgument) {
		t.Errorf("nil request context = %q, want %q", model.ErrorCode(err), model.ErrIllegalArgument)
	}
}

// --- Trigger and cascade tests ---

func TestTriggerTaskOpensGatedStage(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")

	items := listItems(t, eng, inst.ID)
	if len(items) != 6 {
		t.Fatalf("items after task-a = %d, want 6", len(items))
	}
	wantStates := map[string]model.PlanItemState{
		"task-a":  model.PlanItemStateCompleted,
		"stage-b": model.PlanItemStateActive,
		"task-b":  model.PlanItemStateActive,
		"task-c":  model.PlanItemStateAvailable,
	}
	for element, want := range wantStates {
		if got := itemByElement(t, items, element).State; got != want {
			t.Errorf("%s State = %q, want %q", element, got, want)
		}
	}

	stageB := itemByElement(t, items, "stage-b")
	if itemByElement(t, items, "task-b").StageInstanceID != stageB.ID {
		t.Error("task-b not owned by stage-b instance")
	}

	got, err := eng.GetCase(context.Background(), testRctx(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.CaseStateActive {
		t.Errorf("case State = %q, want active", got.State)
	}
}

func TestAutocompleteCascadeEndsCase(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-b")

	items := listItems(t, eng, inst.ID)
	wantStates := map[string]model.PlanItemState{
		"stage-a":             model.PlanItemStateCompleted,
		"task-a":              model.PlanItemStateCompleted,
		"stage-b":             model.PlanItemStateCompleted,
		"task-b":              model.PlanItemStateCompleted,
		"task-c":              model.PlanItemStateTerminated,
		"reactivate-listener": model.PlanItemStateTerminated,
	}
	for element, want := range wantStates {
		if got := itemByElement(t, items, element).State; got != want {
			t.Errorf("%s State = %q, want %q", element, got, want)
		}
	}

	// Optional in-flight items leave via exit, not terminate.
	taskC := itemByElement(t, items, "task-c")
	if taskC.ExitTime == nil || taskC.TerminatedTime != nil {
		t.Errorf("task-c should carry ExitTime only: %+v", taskC)
	}
	listener := itemByElement(t, items, "reactivate-listener")
	if listener.ExitTime == nil {
		t.Error("listener should carry ExitTime")
	}

	got, err := eng.GetCase(context.Background(), testRctx(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.CaseStateEnded {
		t.Errorf("case State = %q, want ended", got.State)
	}
	if got.EndTime == nil {
		t.Error("EndTime not stamped")
	}
}

func TestTriggerStageIsIllegal(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	stageA := itemByElement(t, listItems(t, eng, inst.ID), "stage-a")
	err := eng.TriggerPlanItem(context.Background(), testRctx(), inst.ID, stageA.ID)
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

func TestTriggerAvailableTaskIsIllegal(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")

	// task-c rests AVAILABLE behind its manual-activation gate; completing
	// it without starting is illegal.
	taskC := itemByElement(t, listItems(t, eng, inst.ID), "task-c")
	err := eng.TriggerPlanItem(context.Background(), testRctx(), inst.ID, taskC.ID)
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

func TestTriggerOnEndedCase(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-b")

	taskC := itemByElement(t, listItems(t, eng, inst.ID), "task-c")
	err := eng.TriggerPlanItem(context.Background(), testRctx(), inst.ID, taskC.ID)
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

func TestTriggerUnknownPlanItem(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	err := eng.TriggerPlanItem(context.Background(), testRctx(), inst.ID, "ghost")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrNotFound)
	}
}

// --- StartPlanItem tests ---

func TestStartPlanItemManualActivation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")

	taskC := itemByElement(t, listItems(t, eng, inst.ID), "task-c")
	if err := eng.StartPlanItem(context.Background(), testRctx(), inst.ID, taskC.ID); err != nil {
		t.Fatalf("StartPlanItem: %v", err)
	}

	taskC = itemByElement(t, listItems(t, eng, inst.ID), "task-c")
	if taskC.State != model.PlanItemStateActive {
		t.Errorf("task-c State = %q, want active", taskC.State)
	}
	if taskC.ActivateTime == nil {
		t.Error("ActivateTime not stamped")
	}
}

func TestStartPlanItemEntryCriteriaUnsatisfied(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	// stage-b's entry criterion waits for task-a; forcing it early fails.
	stageB := itemByElement(t, listItems(t, eng, inst.ID), "stage-b")
	err := eng.StartPlanItem(context.Background(), testRctx(), inst.ID, stageB.ID)
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}

	stageB = itemByElement(t, listItems(t, eng, inst.ID), "stage-b")
	if stageB.State != model.PlanItemStateAvailable {
		t.Errorf("stage-b State = %q after rejected start, want available", stageB.State)
	}
}

func TestStartPlanItemWrongType(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	listener := itemByElement(t, listItems(t, eng, inst.ID), "reactivate-listener")
	err := eng.StartPlanItem(context.Background(), testRctx(), inst.ID, listener.ID)
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

// --- Enable/Disable tests ---

func TestEnableDisableReenable(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")
	ctx := context.Background()

	taskC := itemByElement(t, listItems(t, eng, inst.ID), "task-c")
	if err := eng.EnablePlanItem(ctx, testRctx(), inst.ID, taskC.ID); err != nil {
		t.Fatalf("EnablePlanItem: %v", err)
	}
	if got := itemByElement(t, listItems(t, eng, inst.ID), "task-c").State; got != model.PlanItemStateEnabled {
		t.Fatalf("State after enable = %q", got)
	}

	if err := eng.DisablePlanItem(ctx, testRctx(), inst.ID, taskC.ID); err != nil {
		t.Fatalf("DisablePlanItem: %v", err)
	}
	if got := itemByElement(t, listItems(t, eng, inst.ID), "task-c").State; got != model.PlanItemStateDisabled {
		t.Fatalf("State after disable = %q", got)
	}

	if err := eng.EnablePlanItem(ctx, testRctx(), inst.ID, taskC.ID); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if got := itemByElement(t, listItems(t, eng, inst.ID), "task-c").State; got != model.PlanItemStateEnabled {
		t.Fatalf("State after re-enable = %q", got)
	}

	// Disabled optional items do not hold an autocompleting stage open.
	if err := eng.DisablePlanItem(ctx, testRctx(), inst.ID, taskC.ID); err != nil {
		t.Fatal(err)
	}
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-b")
	got, err := eng.GetCase(ctx, testRctx(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.CaseStateEnded {
		t.Errorf("case State = %q, want ended", got.State)
	}
}

// --- Case life-cycle tests ---

func TestTerminateCase(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)
	ctx := context.Background()

	if err := eng.TerminateCase(ctx, testRctx(), inst.ID); err != nil {
		t.Fatalf("TerminateCase: %v", err)
	}

	got, err := eng.GetCase(ctx, testRctx(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.CaseStateEnded {
		t.Errorf("case State = %q, want ended", got.State)
	}

	for _, pi := range listItems(t, eng, inst.ID) {
		if pi.State != model.PlanItemStateTerminated {
			t.Errorf("%s State = %q, want terminated", pi.ElementID, pi.State)
		}
	}
	stageA := itemByElement(t, listItems(t, eng, inst.ID), "stage-a")
	if stageA.TerminatedTime == nil {
		t.Error("TerminatedTime not stamped")
	}

	// Terminating twice is rejected.
	err = eng.TerminateCase(ctx, testRctx(), inst.ID)
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("second terminate = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

func TestSuspendAndResumeCase(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)
	ctx := context.Background()

	if err := eng.SuspendCase(ctx, testRctx(), inst.ID); err != nil {
		t.Fatalf("SuspendCase: %v", err)
	}
	got, _ := eng.GetCase(ctx, testRctx(), inst.ID)
	if got.State != model.CaseStateSuspended {
		t.Fatalf("case State = %q, want suspended", got.State)
	}

	items := listItems(t, eng, inst.ID)
	if s := itemByElement(t, items, "task-a").State; s != model.PlanItemStateSuspended {
		t.Errorf("task-a State = %q, want suspended", s)
	}
	if s := itemByElement(t, items, "stage-b").State; s != model.PlanItemStateAvailable {
		t.Errorf("stage-b State = %q, available items stay put", s)
	}

	// Commands are rejected while suspended.
	taskA := itemByElement(t, items, "task-a")
	if err := eng.TriggerPlanItem(ctx, testRctx(), inst.ID, taskA.ID); !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("trigger while suspended = %v", err)
	}
	if err := eng.SuspendCase(ctx, testRctx(), inst.ID); !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("double suspend = %v", err)
	}

	if err := eng.ResumeCase(ctx, testRctx(), inst.ID); err != nil {
		t.Fatalf("ResumeCase: %v", err)
	}
	got, _ = eng.GetCase(ctx, testRctx(), inst.ID)
	if got.State != model.CaseStateActive {
		t.Fatalf("case State = %q after resume, want active", got.State)
	}
	if s := itemByElement(t, listItems(t, eng, inst.ID), "task-a").State; s != model.PlanItemStateActive {
		t.Errorf("task-a State = %q after resume, want active", s)
	}

	// The case carries on normally after resume.
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")
	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-b")
	got, _ = eng.GetCase(ctx, testRctx(), inst.ID)
	if got.State != model.CaseStateEnded {
		t.Errorf("case State = %q, want ended", got.State)
	}
}

func TestResumeActiveCaseIsIllegal(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	err := eng.ResumeCase(context.Background(), testRctx(), inst.ID)
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

func TestCaseTenantIsolation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	inst := startTestCase(t, eng, nil)

	other := &model.RequestContext{SubjectID: "user-bob", TenantID: "tenant-2"}
	if _, err := eng.GetCase(context.Background(), other, inst.ID); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant GetCase = %v, want NOT_FOUND", err)
	}
	if err := eng.TerminateCase(context.Background(), other, inst.ID); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant TerminateCase = %v, want NOT_FOUND", err)
	}
}

// --- Sentry guard tests ---

func guardedDefinition(condition string) model.CaseDefinition {
	return model.CaseDefinition{
		ID: "guarded",
		PlanItems: []model.PlanItemDefinition{
			{ID: "task-x", Type: model.PlanItemTypeTask, Required: true},
			{
				ID: "milestone-big", Type: model.PlanItemTypeMilestone,
				EntryCriteria: []model.Criterion{{
					ID: "entry-big",
					OnParts: []model.OnPart{{
						SourceElementID: "task-x",
						States:          []model.PlanItemState{model.PlanItemStateCompleted},
					}},
					Condition: condition,
				}},
			},
		},
	}
}

func TestSentryGuardTrue(t *testing.T) {
	eng, _, _ := newTestEngine(t, guardedDefinition("amount == 1500"))
	inst, err := eng.StartCase(context.Background(), testRctx(), "guarded", "", map[string]any{"amount": 1500})
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}

	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-x")

	milestone := itemByElement(t, listItems(t, eng, inst.ID), "milestone-big")
	if milestone.State != model.PlanItemStateCompleted {
		t.Errorf("milestone State = %q, want completed", milestone.State)
	}
	got, _ := eng.GetCase(context.Background(), testRctx(), inst.ID)
	if got.State != model.CaseStateEnded {
		t.Errorf("case State = %q, want ended", got.State)
	}
}

func TestSentryGuardFalse(t *testing.T) {
	eng, _, _ := newTestEngine(t, guardedDefinition("amount == 1500"))
	inst, err := eng.StartCase(context.Background(), testRctx(), "guarded", "", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}

	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-x")

	milestone := itemByElement(t, listItems(t, eng, inst.ID), "milestone-big")
	if milestone.State != model.PlanItemStateAvailable {
		t.Errorf("milestone State = %q, want available", milestone.State)
	}
	got, _ := eng.GetCase(context.Background(), testRctx(), inst.ID)
	if got.State != model.CaseStateActive {
		t.Errorf("case State = %q, want active", got.State)
	}
}

func TestSentryGuardNonBoolean(t *testing.T) {
	eng, _, _ := newTestEngine(t, guardedDefinition("'loud'"))
	inst, err := eng.StartCase(context.Background(), testRctx(), "guarded", "", nil)
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}

	taskX := itemByElement(t, listItems(t, eng, inst.ID), "task-x")
	err = eng.TriggerPlanItem(context.Background(), testRctx(), inst.ID, taskX.ID)
	if !model.IsCode(err, model.ErrEvaluationError) {
		t.Fatalf("error code = %q, want %q", model.ErrorCode(err), model.ErrEvaluationError)
	}

	// The failed command must not have committed anything.
	taskX = itemByElement(t, listItems(t, eng, inst.ID), "task-x")
	if taskX.State != model.PlanItemStateActive {
		t.Errorf("task-x State = %q after failed command, want active", taskX.State)
	}
}

// --- Exit criteria tests ---

func TestExitCriterionExitsItem(t *testing.T) {
	def := model.CaseDefinition{
		ID: "watched",
		PlanItems: []model.PlanItemDefinition{
			{ID: "task-x", Type: model.PlanItemTypeTask, Required: true},
			{
				ID: "task-y", Type: model.PlanItemTypeTask, Required: true,
				ExitCriteria: []model.Criterion{{
					ID: "exit-y",
					OnParts: []model.OnPart{{
						SourceElementID: "task-x",
						States:          []model.PlanItemState{model.PlanItemStateCompleted},
					}},
				}},
			},
		},
	}
	eng, _, _ := newTestEngine(t, def)
	inst, err := eng.StartCase(context.Background(), testRctx(), "watched", "", nil)
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}

	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-x")

	taskY := itemByElement(t, listItems(t, eng, inst.ID), "task-y")
	if taskY.State != model.PlanItemStateTerminated {
		t.Errorf("task-y State = %q, want terminated", taskY.State)
	}
	if taskY.ExitTime == nil {
		t.Error("exit criterion should stamp ExitTime")
	}

	got, _ := eng.GetCase(context.Background(), testRctx(), inst.ID)
	if got.State != model.CaseStateEnded {
		t.Errorf("case State = %q, want ended", got.State)
	}
}

// --- Event listener availability tests ---

func TestListenerAvailableConditionHoldsBack(t *testing.T) {
	def := model.CaseDefinition{
		ID: "listener-gated",
		PlanItems: []model.PlanItemDefinition{
			{ID: "task-x", Type: model.PlanItemTypeTask, Required: true},
			{
				ID: "listener-x", Type: model.PlanItemTypeEventListener,
				ReactivationListener: true, AvailableCondition: "armed",
			},
		},
	}

	eng, _, _ := newTestEngine(t, def)
	inst, err := eng.StartCase(context.Background(), testRctx(), "listener-gated", "", map[string]any{"armed": false})
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}
	if s := itemByElement(t, listItems(t, eng, inst.ID), "listener-x").State; s != model.PlanItemStateUnavailable {
		t.Errorf("held-back listener State = %q, want unavailable", s)
	}

	eng2, _, _ := newTestEngine(t, def)
	inst2, err := eng2.StartCase(context.Background(), testRctx(), "listener-gated", "", map[string]any{"armed": true})
	if err != nil {
		t.Fatalf("StartCase: %v", err)
	}
	if s := itemByElement(t, listItems(t, eng2, inst2.ID), "listener-x").State; s != model.PlanItemStateAvailable {
		t.Errorf("armed listener State = %q, want available", s)
	}
}
