package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/expression"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/model"
)

// ReactivationBuilder accumulates the directives of one reactivation: variable
// overrides, transient variables for condition evaluation only, and plan-item
// definitions to force into TERMINATED instead of replaying.
type ReactivationBuilder struct {
	engine    *Engine
	directive model.ReactivationDirective
}

// CreateReactivationBuilder starts a reactivation of an ended historic case.
func (e *Engine) CreateReactivationBuilder(historicCaseInstanceID string) *ReactivationBuilder {
	return &ReactivationBuilder{
		engine: e,
		directive: model.ReactivationDirective{
			HistoricCaseInstanceID: historicCaseInstanceID,
			Variables:              make(map[string]any),
			TransientVariables:     make(map[string]any),
		},
	}
}

// Variable sets a persisted variable override on the new case.
func (b *ReactivationBuilder) Variable(name string, value any) *ReactivationBuilder {
	b.directive.Variables[name] = value
	return b
}

// TransientVariable sets a variable visible to condition evaluation during
// the reactivation pass but never persisted on the new case.
func (b *ReactivationBuilder) TransientVariable(name string, value any) *ReactivationBuilder {
	b.directive.TransientVariables[name] = value
	return b
}

// AddTerminatedPlanItemInstanceForPlanItemDefinition forces the named
// plan-item definition into TERMINATED in the new case. The directive wins
// over both the historic outcome and the listener's live rebuild.
func (b *ReactivationBuilder) AddTerminatedPlanItemInstanceForPlanItemDefinition(planItemDefinitionID string) *ReactivationBuilder {
	b.directive.TerminatedDefinitionIDs = append(b.directive.TerminatedDefinitionIDs, planItemDefinitionID)
	return b
}

// Reactivate rebuilds an active case instance from the ended historic case.
//
// The pass runs in three phases. First the reactivation listener's containing
// subtree is re-created live through the ordinary state machine, so its items
// re-enter the forward life cycle as AVAILABLE/ENABLED/ACTIVE. Then every
// remaining historic plan item is replayed as a new terminal instance carrying
// its historic outcome (the old instances are never mutated). Finally the
// auto-complete cascade re-runs bottom-up over the rebuilt tree.
func (b *ReactivationBuilder) Reactivate(ctx context.Context, rctx *model.RequestContext) (model.CaseInstance, error) {
	e := b.engine
	if err := rctx.Validate(); err != nil {
		return model.CaseInstance{}, err
	}

	historicCase, err := e.historic.GetHistoricCase(ctx, rctx.TenantID, b.directive.HistoricCaseInstanceID)
	if err != nil {
		return model.CaseInstance{}, err
	}
	if historicCase.State != model.CaseStateEnded {
		return model.CaseInstance{}, model.NewIllegalStateError(fmt.Sprintf(
			"historic case instance %q is %s, only ended cases can be reactivated",
			historicCase.ID, historicCase.State,
		))
	}

	def, ok := e.registry.Get(historicCase.CaseDefinitionID)
	if !ok {
		return model.CaseInstance{}, model.NewNotFoundError(fmt.Sprintf(
			"case definition %q not found", historicCase.CaseDefinitionID,
		))
	}
	listeners := def.ReactivationListeners()
	if len(listeners) != 1 {
		return model.CaseInstance{}, model.NewIllegalStateError(fmt.Sprintf(
			"case definition %q declares %d reactivation listeners, exactly one is required",
			def.ID, len(listeners),
		))
	}
	listener := listeners[0]

	// Merge variables: historic state, then explicit overrides. Transients
	// join the evaluation scope only.
	variables := make(map[string]any, len(historicCase.Variables)+len(b.directive.Variables))
	for k, v := range historicCase.Variables {
		variables[k] = v
	}
	for k, v := range b.directive.Variables {
		variables[k] = v
	}
	scope := make(map[string]any, len(variables)+len(b.directive.TransientVariables))
	for k, v := range variables {
		scope[k] = v
	}
	for k, v := range b.directive.TransientVariables {
		scope[k] = v
	}

	if listener.AvailableCondition != "" {
		available, err := expression.EvaluateBool(e.eval, listener.AvailableCondition, scope)
		if err != nil {
			return model.CaseInstance{}, err
		}
		if !available {
			return model.CaseInstance{}, model.NewIllegalStateError(fmt.Sprintf(
				"reactivation listener %q is not available for case %q",
				listener.Element(), historicCase.ID,
			))
		}
	}

	historicItems, err := e.historic.ListHistoricPlanItems(ctx, rctx.TenantID, historicCase.ID)
	if err != nil {
		return model.CaseInstance{}, err
	}

	now := e.clock.Now()
	caseInst := model.CaseInstance{
		ID:                     uuid.New().String(),
		CaseDefinitionID:       def.ID,
		BusinessKey:            historicCase.BusinessKey,
		TenantID:               rctx.TenantID,
		State:                  model.CaseStateActive,
		Variables:              variables,
		StartTime:              now,
		StartUserID:            rctx.SubjectID,
		LastReactivationTime:   &now,
		LastReactivationUserID: rctx.SubjectID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	r := e.newCaseRun(&def, &caseInst, nil, true)
	r.guardReplay = true
	r.skipListeners = true
	r.instantiatedDefs = make(map[string]struct{})
	r.forcedTerminated = make(map[string]struct{}, len(b.directive.TerminatedDefinitionIDs))
	for _, defID := range b.directive.TerminatedDefinitionIDs {
		r.forcedTerminated[defID] = struct{}{}
	}

	r.session.Append(model.HistoryCaseStart, map[string]string{
		model.FieldCaseDefinitionID: def.ID,
		model.FieldBusinessKey:      caseInst.BusinessKey,
		model.FieldUserID:           rctx.SubjectID,
	})
	r.appendVariableEvents()
	r.session.Append(model.HistoryCaseReactivate, map[string]string{
		model.FieldHistoricCaseID: historicCase.ID,
		model.FieldUserID:         rctx.SubjectID,
	})

	// Phase 1: re-create the listener's containing subtree live.
	root := def.RootAncestorOf(listener.ID)
	if root == nil {
		return model.CaseInstance{}, model.NewInternalError(fmt.Sprintf(
			"reactivation listener %q has no root plan item in definition %q",
			listener.ID, def.ID,
		))
	}
	if _, err := r.createInstance(root, ""); err != nil {
		return model.CaseInstance{}, err
	}
	if err := r.sweep(false); err != nil {
		return model.CaseInstance{}, err
	}

	// Phase 2: replay the remaining historic plan items as terminal
	// instances, parents before children.
	if err := r.replayHistoricItems(historicItems, listener); err != nil {
		return model.CaseInstance{}, err
	}

	// Phase 3: re-run the auto-complete cascade over the rebuilt tree.
	if err := r.sweep(true); err != nil {
		return model.CaseInstance{}, err
	}

	if err := e.commit(ctx, r); err != nil {
		return model.CaseInstance{}, err
	}

	e.metrics.RecordCaseReactivation(def.ID)
	observability.RequestLogger(ctx, e.logger).Info("case reactivated",
		zap.String("case_instance_id", caseInst.ID),
		zap.String("historic_case_instance_id", historicCase.ID),
		zap.String("case_definition_id", def.ID),
	)
	return caseInst, nil
}

// replayHistoricItems re-creates historic plan items that the live phase did
// not instantiate. Replayed instances carry their historic terminal outcome,
// or TERMINATED when the historic state was not terminal or the directive
// forces termination. The historic rows themselves are never touched.
func (r *caseRun) replayHistoricItems(
	historicItems []model.HistoricPlanItemInstance,
	listener *model.PlanItemDefinition,
) error {
	histByID := make(map[string]model.HistoricPlanItemInstance, len(historicItems))
	for _, item := range historicItems {
		histByID[item.ID] = item
	}

	// Parents first: an item is ready once its historic parent has been
	// processed (or it has none).
	processed := make(map[string]struct{}, len(historicItems))
	remaining := historicItems
	for len(remaining) > 0 {
		var deferred []model.HistoricPlanItemInstance
		progressed := false

		for _, item := range remaining {
			if item.StageInstanceID != "" {
				if _, ok := histByID[item.StageInstanceID]; ok {
					if _, done := processed[item.StageInstanceID]; !done {
						deferred = append(deferred, item)
						continue
					}
				}
			}
			processed[item.ID] = struct{}{}
			progressed = true

			if err := r.replayOne(item, histByID, listener); err != nil {
				return err
			}
		}

		if !progressed {
			return model.NewInternalError(fmt.Sprintf(
				"historic plan items of case %q form an ownership cycle", r.caseInst.ID,
			))
		}
		remaining = deferred
	}
	return nil
}

func (r *caseRun) replayOne(
	item model.HistoricPlanItemInstance,
	histByID map[string]model.HistoricPlanItemInstance,
	listener *model.PlanItemDefinition,
) error {
	defID := item.PlanItemDefinitionID
	if defID == listener.ID {
		return nil
	}
	if _, live := r.instantiatedDefs[defID]; live {
		return nil
	}
	def := r.def.FindPlanItem(defID)
	if def == nil {
		// Definition drift: the historic item no longer exists in the
		// deployed definition. Nothing to replay.
		return nil
	}

	state := model.PlanItemStateTerminated
	if _, force := r.forcedTerminated[defID]; !force && item.State.IsTerminal() {
		state = item.State
	}

	stageInstanceID := ""
	if item.StageInstanceID != "" {
		if parent, ok := histByID[item.StageInstanceID]; ok {
			if parents := r.byDef[parent.PlanItemDefinitionID]; len(parents) > 0 {
				stageInstanceID = parents[len(parents)-1].ID
			}
		}
	}

	_, err := r.replayInstance(def, state, stageInstanceID)
	return err
}

// replayInstance creates a new terminal plan-item instance recording a
// historic outcome or a forced termination.
func (r *caseRun) replayInstance(def *model.PlanItemDefinition, state model.PlanItemState, stageInstanceID string) (*model.PlanItemInstance, error) {
	if _, dup := r.instantiatedDefs[def.ID]; dup {
		return nil, model.NewIllegalStateError(fmt.Sprintf(
			"plan item definition %q initialized twice during reactivation", def.ID,
		))
	}
	r.instantiatedDefs[def.ID] = struct{}{}

	pi := &model.PlanItemInstance{
		ID:                   uuid.New().String(),
		CaseInstanceID:       r.caseInst.ID,
		StageInstanceID:      stageInstanceID,
		PlanItemDefinitionID: def.ID,
		ElementID:            def.Element(),
		Type:                 def.Type,
		State:                state,
		CreateTime:           r.now,
		EntryCriterionIDs:    criterionIDs(def.EntryCriteria),
		ExitCriterionIDs:     criterionIDs(def.ExitCriteria),
	}
	now := r.now
	eventType := model.HistoryPlanItemTerminated
	if state == model.PlanItemStateCompleted {
		pi.CompletedTime = &now
		eventType = model.HistoryPlanItemCompleted
	} else {
		pi.TerminatedTime = &now
	}

	r.index(pi)
	r.markDirty(pi.ID)
	r.session.Append(model.HistoryPlanItemCreated, r.itemEventData(pi))
	r.session.Append(eventType, r.itemEventData(pi))
	return pi, nil
}
