package model

import "time"

// Case instance state constants.
const (
	CaseStateActive    = "active"
	CaseStateSuspended = "suspended"
	CaseStateEnded     = "ended"
)

// PlanItemState enumerates the fixed plan-item life-cycle states.
type PlanItemState string

// Plan item states.
const (
	PlanItemStateUnavailable PlanItemState = "unavailable"
	PlanItemStateAvailable   PlanItemState = "available"
	PlanItemStateEnabled     PlanItemState = "enabled"
	PlanItemStateDisabled    PlanItemState = "disabled"
	PlanItemStateActive      PlanItemState = "active"
	PlanItemStateSuspended   PlanItemState = "suspended"
	PlanItemStateCompleted   PlanItemState = "completed"
	PlanItemStateTerminated  PlanItemState = "terminated"
)

// IsTerminal reports whether the state is COMPLETED or TERMINATED. Terminal
// instances are immutable; superseding one requires a new instance created
// during reactivation.
func (s PlanItemState) IsTerminal() bool {
	return s == PlanItemStateCompleted || s == PlanItemStateTerminated
}

// CaseInstance is one running execution of a case definition's plan-item
// tree. Plan items reference it by id; the instance never embeds them.
type CaseInstance struct {
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
	Version                int            `json:"version"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// PlanItemInstance is one schedulable unit within a case instance's plan.
// Parent/child structure is held by id reference (StageInstanceID), never by
// embedded live references.
type PlanItemInstance struct {
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

	EntryCriterionIDs []string `json:"entry_criterion_ids,omitempty"`
	ExitCriterionIDs  []string `json:"exit_criterion_ids,omitempty"`
}

// ReactivationDirective describes one reactivation request: which ended
// historic case to rebuild, variable overrides, transient (never persisted)
// variables, and definition ids forced to TERMINATED instead of being
// replayed live.
type ReactivationDirective struct {
	HistoricCaseInstanceID  string
	Variables               map[string]any
	TransientVariables      map[string]any
	TerminatedDefinitionIDs []string
	UserID                  string
}
