package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/stagehand/internal/store"
	"github.com/pitabwire/stagehand/model"
)

// --- Reactivation fixtures ---

// seedEndedHistoricCase writes the historic projection of a fully completed
// loan-review case: both stages and their required tasks completed, the
// listener and the optional task exited.
func seedEndedHistoricCase(t *testing.T, st *store.MemoryStore, histID, tenantID string) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	end := base.Add(2 * time.Hour)

	err := st.UpsertHistoricCase(ctx, model.HistoricCaseInstance{
		ID:               histID,
		CaseDefinitionID: "loan-review",
		BusinessKey:      "bk-old",
		TenantID:         tenantID,
		State:            model.CaseStateEnded,
		Variables:        map[string]any{"amount": float64(1200), "applicant": "carol"},
		StartTime:        base,
		StartUserID:      "user-carol",
		EndTime:          &end,
	})
	if err != nil {
		t.Fatalf("UpsertHistoricCase: %v", err)
	}

	rows := []model.HistoricPlanItemInstance{
		{ID: "hpi-stage-a", PlanItemDefinitionID: "stage-a", ElementID: "stage-a", Type: model.PlanItemTypeStage, State: model.PlanItemStateCompleted},
		{ID: "hpi-task-a", StageInstanceID: "hpi-stage-a", PlanItemDefinitionID: "task-a", ElementID: "task-a", Type: model.PlanItemTypeTask, State: model.PlanItemStateCompleted},
		{ID: "hpi-listener", StageInstanceID: "hpi-stage-a", PlanItemDefinitionID: "reactivate-listener", ElementID: "reactivate-listener", Type: model.PlanItemTypeEventListener, State: model.PlanItemStateTerminated},
		{ID: "hpi-stage-b", StageInstanceID: "hpi-stage-a", PlanItemDefinitionID: "stage-b", ElementID: "stage-b", Type: model.PlanItemTypeStage, State: model.PlanItemStateCompleted},
		{ID: "hpi-task-b", StageInstanceID: "hpi-stage-b", PlanItemDefinitionID: "task-b", ElementID: "task-b", Type: model.PlanItemTypeTask, State: model.PlanItemStateCompleted},
		{ID: "hpi-task-c", StageInstanceID: "hpi-stage-b", PlanItemDefinitionID: "task-c", ElementID: "task-c", Type: model.PlanItemTypeTask, State: model.PlanItemStateTerminated},
	}
	for i, row := range rows {
		row.CaseInstanceID = histID
		row.CreateTime = base.Add(time.Duration(i) * time.Minute)
		if err := st.UpsertHistoricPlanItem(ctx, row); err != nil {
			t.Fatalf("UpsertHistoricPlanItem(%s): %v", row.ID, err)
		}
	}
}

func reactivateCase(t *testing.T, eng *Engine, histID string) model.CaseInstance {
	t.Helper()
	inst, err := eng.CreateReactivationBuilder(histID).Reactivate(context.Background(), testRctx())
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	return inst
}

// --- Reactivation tests ---

func TestReactivateRebuildsListenerSubtree(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")

	inst := reactivateCase(t, eng, "hist-1")

	if inst.State != model.CaseStateActive {
		t.Errorf("case State = %q, want active", inst.State)
	}
	if inst.BusinessKey != "bk-old" {
		t.Errorf("BusinessKey = %q, want carried over", inst.BusinessKey)
	}
	if inst.LastReactivationTime == nil || inst.LastReactivationUserID != "user-alice" {
		t.Errorf("reactivation stamp = %v / %q", inst.LastReactivationTime, inst.LastReactivationUserID)
	}
	if inst.Variables["applicant"] != "carol" {
		t.Errorf("historic variables not carried: %v", inst.Variables)
	}

	items := listItems(t, eng, inst.ID)
	if len(items) != 5 {
		t.Fatalf("items after reactivation = %d, want 5", len(items))
	}
	wantStates := map[string]model.PlanItemState{
		"stage-a": model.PlanItemStateActive,
		"task-a":  model.PlanItemStateActive,
		"stage-b": model.PlanItemStateAvailable,
		"task-b":  model.PlanItemStateCompleted,
		"task-c":  model.PlanItemStateTerminated,
	}
	for element, want := range wantStates {
		if got := itemByElement(t, items, element).State; got != want {
			t.Errorf("%s State = %q, want %q", element, got, want)
		}
	}
	if len(itemsByElement(items, "reactivate-listener")) != 0 {
		t.Error("listener must not be re-created in the reactivated case")
	}

	// Replayed items carry their historic outcome as fresh terminal rows
	// parented to the live stage instance.
	stageB := itemByElement(t, items, "stage-b")
	taskB := itemByElement(t, items, "task-b")
	if taskB.StageInstanceID != stageB.ID {
		t.Error("replayed task-b not owned by the live stage-b instance")
	}
	if taskB.CompletedTime == nil {
		t.Error("replayed task-b should carry CompletedTime")
	}
	taskC := itemByElement(t, items, "task-c")
	if taskC.TerminatedTime == nil {
		t.Error("replayed task-c should carry TerminatedTime")
	}
}

func TestReactivatedCaseRunsToCompletion(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")
	inst := reactivateCase(t, eng, "hist-1")

	triggerElement(t, eng, inst.ID, listItems(t, eng, inst.ID), "task-a")

	// The gated stage starts over with fresh children next to the replayed
	// terminal rows.
	items := listItems(t, eng, inst.ID)
	if len(items) != 7 {
		t.Fatalf("items after task-a = %d, want 7", len(items))
	}
	if s := itemByElement(t, items, "stage-b").State; s != model.PlanItemStateActive {
		t.Fatalf("stage-b State = %q, want active", s)
	}

	var freshTaskB *model.PlanItemInstance
	for _, pi := range itemsByElement(items, "task-b") {
		if pi.State == model.PlanItemStateActive {
			pi := pi
			freshTaskB = &pi
		}
	}
	if freshTaskB == nil {
		t.Fatal("no active task-b instance after stage restart")
	}

	if err := eng.TriggerPlanItem(context.Background(), testRctx(), inst.ID, freshTaskB.ID); err != nil {
		t.Fatalf("TriggerPlanItem(task-b): %v", err)
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

func TestReactivateVariableHandling(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")

	inst, err := eng.CreateReactivationBuilder("hist-1").
		Variable("amount", 9900).
		Variable("reopened", true).
		TransientVariable("audit_token", "t-17").
		Reactivate(context.Background(), testRctx())
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}

	if inst.Variables["amount"] != 9900 {
		t.Errorf("override lost: amount = %v", inst.Variables["amount"])
	}
	if inst.Variables["reopened"] != true {
		t.Errorf("new variable lost: %v", inst.Variables)
	}
	if inst.Variables["applicant"] != "carol" {
		t.Errorf("historic variable lost: %v", inst.Variables)
	}
	if _, ok := inst.Variables["audit_token"]; ok {
		t.Error("transient variable must not be persisted")
	}

	stored, err := eng.GetCase(context.Background(), testRctx(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stored.Variables["audit_token"]; ok {
		t.Error("transient variable leaked into the stored case")
	}
}

func TestReactivateTransientFeedsListenerCondition(t *testing.T) {
	def := model.CaseDefinition{
		ID: "gated-reopen",
		PlanItems: []model.PlanItemDefinition{
			{
				ID: "stage-root", Type: model.PlanItemTypeStage, Required: true,
				Children: []model.PlanItemDefinition{
					{ID: "task-x", Type: model.PlanItemTypeTask, Required: true},
					{
						ID: "listener-x", Type: model.PlanItemTypeEventListener,
						ReactivationListener: true, AvailableCondition: "armed",
					},
				},
			},
		},
	}
	eng, st, _ := newTestEngine(t, def)
	ctx := context.Background()
	end := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := st.UpsertHistoricCase(ctx, model.HistoricCaseInstance{
		ID: "hist-g", CaseDefinitionID: "gated-reopen", TenantID: "tenant-1",
		State: model.CaseStateEnded, EndTime: &end,
	}); err != nil {
		t.Fatal(err)
	}

	// Without the transient the gate evaluates over an empty scope and fails.
	_, err := eng.CreateReactivationBuilder("hist-g").Reactivate(ctx, testRctx())
	if !model.IsCode(err, model.ErrEvaluationError) {
		t.Errorf("ungated reactivation = %q, want %q", model.ErrorCode(err), model.ErrEvaluationError)
	}

	_, err = eng.CreateReactivationBuilder("hist-g").
		TransientVariable("armed", false).
		Reactivate(ctx, testRctx())
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("disarmed reactivation = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}

	inst, err := eng.CreateReactivationBuilder("hist-g").
		TransientVariable("armed", true).
		Reactivate(ctx, testRctx())
	if err != nil {
		t.Fatalf("armed reactivation: %v", err)
	}
	if _, ok := inst.Variables["armed"]; ok {
		t.Error("transient gate variable must not persist")
	}
}

func TestReactivateForcedTermination(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")

	inst, err := eng.CreateReactivationBuilder("hist-1").
		AddTerminatedPlanItemInstanceForPlanItemDefinition("task-b").
		Reactivate(context.Background(), testRctx())
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}

	taskB := itemByElement(t, listItems(t, eng, inst.ID), "task-b")
	if taskB.State != model.PlanItemStateTerminated {
		t.Errorf("forced task-b State = %q, want terminated", taskB.State)
	}
	if taskB.TerminatedTime == nil || taskB.CompletedTime != nil {
		t.Errorf("forced task-b timestamps = %+v", taskB)
	}
}

func TestReactivateForcedTerminationOverridesLiveRebuild(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")

	// task-a sits in the listener's containing stage, which the first phase
	// rebuilds live. The directive still wins: the item comes back as a
	// terminated replay row, not an active instance.
	inst, err := eng.CreateReactivationBuilder("hist-1").
		AddTerminatedPlanItemInstanceForPlanItemDefinition("task-a").
		Reactivate(context.Background(), testRctx())
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}

	items := listItems(t, eng, inst.ID)
	if len(items) != 5 {
		t.Fatalf("items after reactivation = %d, want 5", len(items))
	}
	taskA := itemByElement(t, items, "task-a")
	if taskA.State != model.PlanItemStateTerminated {
		t.Errorf("forced task-a State = %q, want terminated", taskA.State)
	}
	if taskA.TerminatedTime == nil || taskA.ActivateTime != nil {
		t.Errorf("forced task-a timestamps = %+v", taskA)
	}
	stageA := itemByElement(t, items, "stage-a")
	if taskA.StageInstanceID != stageA.ID {
		t.Error("forced task-a not owned by the live stage-a instance")
	}

	// task-a never completes on this run, so the gated stage stays pending
	// and the case remains open.
	if s := itemByElement(t, items, "stage-b").State; s != model.PlanItemStateAvailable {
		t.Errorf("stage-b State = %q, want available", s)
	}
	got, err := eng.GetCase(context.Background(), testRctx(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.CaseStateActive {
		t.Errorf("case State = %q, want active", got.State)
	}
}

func TestReactivateDedupesDuplicateHistoricRows(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")

	// A historic case that was itself reactivated carries two rows for one
	// definition. The replay instantiates the definition once, keeping the
	// earliest-created row's outcome.
	dup := model.HistoricPlanItemInstance{
		ID: "hpi-task-b-2", CaseInstanceID: "hist-1", StageInstanceID: "hpi-stage-b",
		PlanItemDefinitionID: "task-b", ElementID: "task-b", Type: model.PlanItemTypeTask,
		State:      model.PlanItemStateTerminated,
		CreateTime: time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	if err := st.UpsertHistoricPlanItem(context.Background(), dup); err != nil {
		t.Fatal(err)
	}

	inst := reactivateCase(t, eng, "hist-1")

	items := listItems(t, eng, inst.ID)
	if len(items) != 5 {
		t.Fatalf("items after reactivation = %d, want 5", len(items))
	}
	replayed := itemsByElement(items, "task-b")
	if len(replayed) != 1 {
		t.Fatalf("task-b instances = %d, want 1", len(replayed))
	}
	if replayed[0].State != model.PlanItemStateCompleted {
		t.Errorf("task-b State = %q, want the earliest row's outcome", replayed[0].State)
	}
	if replayed[0].CompletedTime == nil {
		t.Error("deduped task-b should carry CompletedTime")
	}
}

func TestReplayGuardRejectsDoubleInitialization(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	def := testCaseDefinition()
	caseInst := &model.CaseInstance{
		ID:       "case-x",
		TenantID: "tenant-1",
		State:    model.CaseStateActive,
	}
	r := eng.newCaseRun(&def, caseInst, nil, true)
	r.guardReplay = true
	r.instantiatedDefs = make(map[string]struct{})
	r.forcedTerminated = make(map[string]struct{})

	taskA := def.FindPlanItem("task-a")
	if _, err := r.createInstance(taskA, ""); err != nil {
		t.Fatalf("first createInstance: %v", err)
	}
	if _, err := r.createInstance(taskA, ""); !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("second createInstance = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
	if _, err := r.replayInstance(taskA, model.PlanItemStateCompleted, ""); !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("replayInstance after live create = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

func TestReactivatePreconditions(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	// Missing historic case.
	_, err := eng.CreateReactivationBuilder("ghost").Reactivate(ctx, testRctx())
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("missing case = %q, want %q", model.ErrorCode(err), model.ErrNotFound)
	}

	// Historic case that never ended.
	if err := st.UpsertHistoricCase(ctx, model.HistoricCaseInstance{
		ID: "hist-live", CaseDefinitionID: "loan-review", TenantID: "tenant-1",
		State: model.CaseStateActive,
	}); err != nil {
		t.Fatal(err)
	}
	_, err = eng.CreateReactivationBuilder("hist-live").Reactivate(ctx, testRctx())
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("active case = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}

	// Tenant isolation.
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")
	other := &model.RequestContext{SubjectID: "user-bob", TenantID: "tenant-2"}
	_, err = eng.CreateReactivationBuilder("hist-1").Reactivate(ctx, other)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant = %q, want %q", model.ErrorCode(err), model.ErrNotFound)
	}
}

func TestReactivateRequiresSingleListener(t *testing.T) {
	plain := model.CaseDefinition{
		ID: "plain",
		PlanItems: []model.PlanItemDefinition{
			{ID: "task-x", Type: model.PlanItemTypeTask, Required: true},
		},
	}
	eng, st, _ := newTestEngine(t, plain)
	ctx := context.Background()
	end := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := st.UpsertHistoricCase(ctx, model.HistoricCaseInstance{
		ID: "hist-p", CaseDefinitionID: "plain", TenantID: "tenant-1",
		State: model.CaseStateEnded, EndTime: &end,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := eng.CreateReactivationBuilder("hist-p").Reactivate(ctx, testRctx())
	if !model.IsCode(err, model.ErrIllegalState) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalState)
	}
}

func TestReactivateTwiceYieldsIndependentCases(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedEndedHistoricCase(t, st, "hist-1", "tenant-1")

	first := reactivateCase(t, eng, "hist-1")
	second := reactivateCase(t, eng, "hist-1")

	if first.ID == second.ID {
		t.Fatal("reactivations must create distinct case instances")
	}
	if n := len(listItems(t, eng, first.ID)); n != 5 {
		t.Errorf("first case items = %d, want 5", n)
	}
	if n := len(listItems(t, eng, second.ID)); n != 5 {
		t.Errorf("second case items = %d, want 5", n)
	}

	// Ending one leaves the other untouched.
	if err := eng.TerminateCase(context.Background(), testRctx(), first.ID); err != nil {
		t.Fatal(err)
	}
	got, err := eng.GetCase(context.Background(), testRctx(), second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.CaseStateActive {
		t.Errorf("second case State = %q, want active", got.State)
	}
}
