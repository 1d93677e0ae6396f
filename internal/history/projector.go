package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/stagehand/internal/store"
	"github.com/pitabwire/stagehand/model"
)

// Projector applies history events to the historic projections. It is the
// only writer of historic storage; runtime code never touches it directly.
type Projector struct {
	store store.HistoricStore
}

// NewProjector creates a projector over the given historic store.
func NewProjector(s store.HistoricStore) *Projector {
	return &Projector{store: s}
}

// Apply projects one event. Events referencing a historic case that does not
// exist yet fail, which sends the batch back to the due queue until the
// earlier batch has been applied.
func (p *Projector) Apply(ctx context.Context, ev model.HistoryEvent) error {
	switch ev.Type {
	case model.HistoryCaseStart:
		return p.applyCaseStart(ctx, ev)
	case model.HistoryCaseEnd:
		return p.applyCaseEnd(ctx, ev)
	case model.HistoryCaseReactivate:
		return p.applyCaseReactivate(ctx, ev)
	case model.HistoryVariableCreated, model.HistoryVariableUpdated:
		return p.applyVariable(ctx, ev)
	case model.HistoryMilestoneReached:
		return p.applyMilestone(ctx, ev)
	case model.HistoryPlanItemCreated,
		model.HistoryPlanItemAvailable,
		model.HistoryPlanItemUnavailable,
		model.HistoryPlanItemEnabled,
		model.HistoryPlanItemDisabled,
		model.HistoryPlanItemStarted,
		model.HistoryPlanItemSuspended,
		model.HistoryPlanItemResumed,
		model.HistoryPlanItemOccurred,
		model.HistoryPlanItemCompleted,
		model.HistoryPlanItemTerminated,
		model.HistoryPlanItemExited:
		return p.applyPlanItem(ctx, ev)
	default:
		return model.NewIllegalArgumentError(fmt.Sprintf(
			"unknown history event type %q", ev.Type,
		))
	}
}

func (p *Projector) applyCaseStart(ctx context.Context, ev model.HistoryEvent) error {
	return p.store.UpsertHistoricCase(ctx, model.HistoricCaseInstance{
		ID:               ev.CaseInstanceID,
		CaseDefinitionID: ev.Data[model.FieldCaseDefinitionID],
		BusinessKey:      ev.Data[model.FieldBusinessKey],
		TenantID:         ev.TenantID,
		State:            model.CaseStateActive,
		StartTime:        ev.Timestamp,
		StartUserID:      ev.Data[model.FieldUserID],
	})
}

func (p *Projector) applyCaseEnd(ctx context.Context, ev model.HistoryEvent) error {
	inst, err := p.store.GetHistoricCase(ctx, ev.TenantID, ev.CaseInstanceID)
	if err != nil {
		return err
	}
	inst.State = model.CaseStateEnded
	end := ev.Timestamp
	inst.EndTime = &end
	return p.store.UpsertHistoricCase(ctx, inst)
}

// applyCaseReactivate stamps the reactivation on the referenced historic
// case, not on the event's own (new) case.
func (p *Projector) applyCaseReactivate(ctx context.Context, ev model.HistoryEvent) error {
	historicID := ev.Data[model.FieldHistoricCaseID]
	inst, err := p.store.GetHistoricCase(ctx, ev.TenantID, historicID)
	if err != nil {
		return err
	}
	ts := ev.Timestamp
	inst.LastReactivationTime = &ts
	inst.LastReactivationUserID = ev.Data[model.FieldUserID]
	return p.store.UpsertHistoricCase(ctx, inst)
}

func (p *Projector) applyVariable(ctx context.Context, ev model.HistoryEvent) error {
	inst, err := p.store.GetHistoricCase(ctx, ev.TenantID, ev.CaseInstanceID)
	if err != nil {
		return err
	}
	name := ev.Data[model.FieldVariableName]
	var value any
	if err := json.Unmarshal([]byte(ev.Data[model.FieldVariableValue]), &value); err != nil {
		value = ev.Data[model.FieldVariableValue]
	}
	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}
	inst.Variables[name] = value
	return p.store.UpsertHistoricCase(ctx, inst)
}

func (p *Projector) applyMilestone(ctx context.Context, ev model.HistoryEvent) error {
	return p.store.UpsertHistoricMilestone(ctx, model.HistoricMilestoneInstance{
		ID:                   ev.Data[model.FieldPlanItemInstanceID],
		CaseInstanceID:       ev.CaseInstanceID,
		PlanItemDefinitionID: ev.Data[model.FieldPlanItemDefinitionID],
		ElementID:            ev.Data[model.FieldElementID],
		Name:                 ev.Data["name"],
		TenantID:             ev.TenantID,
		ReachedTime:          ev.Timestamp,
	})
}

func (p *Projector) applyPlanItem(ctx context.Context, ev model.HistoryEvent) error {
	items, err := p.store.ListHistoricPlanItems(ctx, ev.TenantID, ev.CaseInstanceID)
	if err != nil {
		return err
	}

	id := ev.Data[model.FieldPlanItemInstanceID]
	var inst model.HistoricPlanItemInstance
	found := false
	for _, item := range items {
		if item.ID == id {
			inst = item
			found = true
			break
		}
	}
	if !found {
		inst = model.HistoricPlanItemInstance{
			ID:                   id,
			CaseInstanceID:       ev.CaseInstanceID,
			StageInstanceID:      ev.Data[model.FieldStageInstanceID],
			PlanItemDefinitionID: ev.Data[model.FieldPlanItemDefinitionID],
			ElementID:            ev.Data[model.FieldElementID],
			Type:                 model.PlanItemType(ev.Data[model.FieldPlanItemType]),
			CreateTime:           ev.Timestamp,
		}
	}

	inst.State = model.PlanItemState(ev.Data[model.FieldState])
	ts := ev.Timestamp
	switch ev.Type {
	case model.HistoryPlanItemAvailable:
		inst.AvailableTime = &ts
	case model.HistoryPlanItemEnabled:
		inst.EnabledTime = &ts
	case model.HistoryPlanItemStarted, model.HistoryPlanItemResumed:
		inst.ActivateTime = &ts
	case model.HistoryPlanItemOccurred, model.HistoryPlanItemCompleted:
		inst.CompletedTime = &ts
	case model.HistoryPlanItemTerminated:
		inst.TerminatedTime = &ts
	case model.HistoryPlanItemExited:
		inst.ExitTime = &ts
	}

	return p.store.UpsertHistoricPlanItem(ctx, inst)
}
