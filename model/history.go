package model

import "time"

// History event types. Each meaningful runtime transition produces exactly
// one event named after the transition.
const (
	HistoryCaseStart      = "case-instance-start"
	HistoryCaseEnd        = "case-instance-end"
	HistoryCaseReactivate = "case-instance-reactivate"

	HistoryVariableCreated = "variable-created"
	HistoryVariableUpdated = "variable-updated"

	HistoryPlanItemCreated     = "plan-item-created"
	HistoryPlanItemAvailable   = "plan-item-available"
	HistoryPlanItemUnavailable = "plan-item-unavailable"
	HistoryPlanItemEnabled     = "plan-item-enabled"
	HistoryPlanItemDisabled    = "plan-item-disabled"
	HistoryPlanItemStarted     = "plan-item-started"
	HistoryPlanItemSuspended   = "plan-item-suspended"
	HistoryPlanItemResumed     = "plan-item-resumed"
	HistoryPlanItemOccurred    = "plan-item-occurred"
	HistoryPlanItemCompleted   = "plan-item-completed"
	HistoryPlanItemTerminated  = "plan-item-terminated"
	HistoryPlanItemExited      = "plan-item-exited"

	HistoryMilestoneReached = "milestone-reached"
)

// canonicalRank fixes the order in which the job processor applies event
// types to historic storage, independent of the order the runtime emitted
// them in. Creation-side events apply before life-cycle events, terminal
// events before case end, so derived aggregates stay well-defined.
var canonicalRank = map[string]int{
	HistoryCaseStart:           10,
	HistoryVariableCreated:     20,
	HistoryVariableUpdated:     21,
	HistoryPlanItemCreated:     30,
	HistoryPlanItemAvailable:   40,
	HistoryPlanItemUnavailable: 40,
	HistoryPlanItemEnabled:     41,
	HistoryPlanItemDisabled:    41,
	HistoryPlanItemStarted:     50,
	HistoryPlanItemSuspended:   51,
	HistoryPlanItemResumed:     51,
	HistoryMilestoneReached:    60,
	HistoryPlanItemOccurred:    70,
	HistoryPlanItemCompleted:   70,
	HistoryPlanItemTerminated:  70,
	HistoryPlanItemExited:      70,
	HistoryCaseReactivate:      80,
	HistoryCaseEnd:             90,
}

// CanonicalRank returns the fixed apply-order rank for a history event type.
// Unknown types sort last.
func CanonicalRank(eventType string) int {
	if r, ok := canonicalRank[eventType]; ok {
		return r
	}
	return 100
}

// HistoryEvent is a discriminated record of one runtime transition. It is
// immutable once enqueued and consumed exactly once by the job processor.
type HistoryEvent struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	CaseInstanceID string            `json:"case_instance_id"`
	TenantID       string            `json:"tenant_id"`
	Timestamp      time.Time         `json:"timestamp"`
	Seq            int               `json:"seq"`
	Data           map[string]string `json:"data,omitempty"`
}

// Well-known payload keys for HistoryEvent.Data.
const (
	FieldCaseDefinitionID     = "case_definition_id"
	FieldBusinessKey          = "business_key"
	FieldUserID               = "user_id"
	FieldPlanItemInstanceID   = "plan_item_instance_id"
	FieldPlanItemDefinitionID = "plan_item_definition_id"
	FieldStageInstanceID      = "stage_instance_id"
	FieldElementID            = "element_id"
	FieldPlanItemType         = "plan_item_type"
	FieldState                = "state"
	FieldVariableName         = "variable_name"
	FieldVariableValue        = "variable_value"
	FieldHistoricCaseID       = "historic_case_instance_id"
)

// HistoricCaseInstance is the append/update-only projection of a case
// instance, built exclusively from HistoryEvents. It is the permanent record
// once the runtime rows are purged.
type HistoricCaseInstance struct {
	ID                     string         `json:"id"`
	CaseDefinitionID       string         `json:"case_definition_id"`
	BusinessKey            string         `json:"business_key,omitempty"`
	TenantID               string         `json:"tenant_id"`
	State                  string         `json:"state"`
	Variables              map[string]any `json:"variables,omitempty"`
	StartTime              time.Time      `json:"start_time"`
	StartUserID            string         `json:"start_user_id"`
	EndTime                *time.Time     `json:"end_time,omitempty"`
	LastReactivationTime   *time.Time     `json:"last_reactivation_time,omitempty"`
	LastReactivationUserID string         `json:"last_reactivation_user_id,omitempty"`
}

// HistoricPlanItemInstance is the event-sourced projection of one plan-item
// instance.
type HistoricPlanItemInstance struct {
	ID                   string        `json:"id"`
	CaseInstanceID       string        `json:"case_instance_id"`
	StageInstanceID      string        `json:"stage_instance_id,omitempty"`
	PlanItemDefinitionID string        `json:"plan_item_definition_id"`
	ElementID            string        `json:"element_id"`
	Type                 PlanItemType  `json:"type"`
	State                PlanItemState `json:"state"`

	CreateTime     time.Time  `json:"create_time"`
	AvailableTime  *time.Time `json:"available_time,omitempty"`
	EnabledTime    *time.Time `json:"enabled_time,omitempty"`
	ActivateTime   *time.Time `json:"activate_time,omitempty"`
	CompletedTime  *time.Time `json:"completed_time,omitempty"`
	TerminatedTime *time.Time `json:"terminated_time,omitempty"`
	ExitTime       *time.Time `json:"exit_time,omitempty"`
}

// HistoricMilestoneInstance records a reached milestone.
type HistoricMilestoneInstance struct {
	ID                   string    `json:"id"`
	CaseInstanceID       string    `json:"case_instance_id"`
	PlanItemDefinitionID string    `json:"plan_item_definition_id"`
	ElementID            string    `json:"element_id"`
	Name                 string    `json:"name,omitempty"`
	TenantID             string    `json:"tenant_id"`
	ReachedTime          time.Time `json:"reached_time"`
}
