package model

// PlanItemType discriminates the plan-item definition variants. The engine
// dispatches on this value instead of a type hierarchy.
type PlanItemType string

// Plan item definition types.
const (
	PlanItemTypeStage         PlanItemType = "stage"
	PlanItemTypeTask          PlanItemType = "task"
	PlanItemTypeMilestone     PlanItemType = "milestone"
	PlanItemTypeEventListener PlanItemType = "eventListener"
)

// CaseDefinition is the declarative plan of a case: a tree of plan-item
// definitions rooted at the case plan model. Definitions are immutable once
// deployed; redeploying produces a new version.
type CaseDefinition struct {
	ID        string               `yaml:"id" json:"id"`
	Name      string               `yaml:"name" json:"name"`
	TenantID  string               `yaml:"tenant_id" json:"tenant_id"`
	Version   int                  `yaml:"version" json:"version"`
	PlanItems []PlanItemDefinition `yaml:"plan_items" json:"plan_items"`
}

// PlanItemDefinition is the single tagged-variant definition type for
// stages, tasks, milestones, and event listeners.
type PlanItemDefinition struct {
	ID        string       `yaml:"id" json:"id"`
	ElementID string       `yaml:"element_id" json:"element_id"`
	Name      string       `yaml:"name" json:"name"`
	Type      PlanItemType `yaml:"type" json:"type"`

	// Required marks the item as blocking for stage completion. Optional
	// items in progress do not prevent an autocompleting stage from
	// finishing.
	Required bool `yaml:"required" json:"required"`

	// ManualActivation gates the item behind an explicit enable/start; such
	// items rest in AVAILABLE rather than activating when their entry
	// criteria are satisfied.
	ManualActivation bool `yaml:"manual_activation" json:"manual_activation"`

	// Autocomplete applies to stages only.
	Autocomplete bool `yaml:"autocomplete" json:"autocomplete"`

	// AvailableCondition applies to event listeners only; when it evaluates
	// to false the listener is created UNAVAILABLE.
	AvailableCondition string `yaml:"available_condition" json:"available_condition"`

	// ReactivationListener marks the case's reactivation event listener.
	// The validator rejects definitions carrying more than one.
	ReactivationListener bool `yaml:"reactivation_listener" json:"reactivation_listener"`

	EntryCriteria []Criterion `yaml:"entry_criteria" json:"entry_criteria"`
	ExitCriteria  []Criterion `yaml:"exit_criteria" json:"exit_criteria"`

	// Children applies to stages only.
	Children []PlanItemDefinition `yaml:"children" json:"children"`
}

// Criterion is a sentry: an entry or exit condition gating a plan item. It is
// satisfied when every on-part's source plan item has reached one of the
// named states and the optional guard condition evaluates to true.
type Criterion struct {
	ID        string   `yaml:"id" json:"id"`
	OnParts   []OnPart `yaml:"on_parts" json:"on_parts"`
	Condition string   `yaml:"condition" json:"condition"`
}

// OnPart names a source plan item (by element id) and the states that
// satisfy this part of the criterion.
type OnPart struct {
	SourceElementID string          `yaml:"source" json:"source"`
	States          []PlanItemState `yaml:"states" json:"states"`
}

// Matches reports whether the given state satisfies this on-part.
func (p OnPart) Matches(state PlanItemState) bool {
	for _, s := range p.States {
		if s == state {
			return true
		}
	}
	return false
}

// Element returns the model element id the definition represents, defaulting
// to the definition id when none is declared. Sentry on-parts reference plan
// items by this id.
func (d *PlanItemDefinition) Element() string {
	if d.ElementID != "" {
		return d.ElementID
	}
	return d.ID
}

// HasChildren reports whether the definition type can contain child plan
// items.
func (d *PlanItemDefinition) HasChildren() bool {
	return d.Type == PlanItemTypeStage
}

// HasAutocomplete reports whether the definition type supports the
// autocomplete flag.
func (d *PlanItemDefinition) HasAutocomplete() bool {
	return d.Type == PlanItemTypeStage
}

// IsReactivationCapable reports whether the definition is the case's
// reactivation listener.
func (d *PlanItemDefinition) IsReactivationCapable() bool {
	return d.Type == PlanItemTypeEventListener && d.ReactivationListener
}

// OccursOnTrigger reports whether triggering the item completes it directly
// instead of activating it (milestones and event listeners fire and
// complete).
func (d *PlanItemDefinition) OccursOnTrigger() bool {
	return d.Type == PlanItemTypeMilestone || d.Type == PlanItemTypeEventListener
}

// Walk visits every plan-item definition in the tree, parents before
// children. parent is nil for root items. Walking stops when fn returns
// false.
func (c *CaseDefinition) Walk(fn func(def *PlanItemDefinition, parent *PlanItemDefinition) bool) {
	var walk func(items []PlanItemDefinition, parent *PlanItemDefinition) bool
	walk = func(items []PlanItemDefinition, parent *PlanItemDefinition) bool {
		for i := range items {
			d := &items[i]
			if !fn(d, parent) {
				return false
			}
			if len(d.Children) > 0 && !walk(d.Children, d) {
				return false
			}
		}
		return true
	}
	walk(c.PlanItems, nil)
}

// FindPlanItem returns the plan-item definition with the given definition id,
// or nil.
func (c *CaseDefinition) FindPlanItem(defID string) *PlanItemDefinition {
	var found *PlanItemDefinition
	c.Walk(func(d *PlanItemDefinition, _ *PlanItemDefinition) bool {
		if d.ID == defID {
			found = d
			return false
		}
		return true
	})
	return found
}

// ParentOf returns the containing stage definition of the given definition
// id, or nil when the item is a root of the case plan model.
func (c *CaseDefinition) ParentOf(defID string) *PlanItemDefinition {
	var parent *PlanItemDefinition
	c.Walk(func(d *PlanItemDefinition, p *PlanItemDefinition) bool {
		if d.ID == defID {
			parent = p
			return false
		}
		return true
	})
	return parent
}

// ReactivationListeners returns all definitions flagged as reactivation
// listeners. A valid deployed definition has at most one.
func (c *CaseDefinition) ReactivationListeners() []*PlanItemDefinition {
	var listeners []*PlanItemDefinition
	c.Walk(func(d *PlanItemDefinition, _ *PlanItemDefinition) bool {
		if d.IsReactivationCapable() {
			listeners = append(listeners, d)
		}
		return true
	})
	return listeners
}

// RootAncestorOf returns the root-level ancestor definition of the given
// definition id (the item itself when it is a root), or nil when the id is
// unknown.
func (c *CaseDefinition) RootAncestorOf(defID string) *PlanItemDefinition {
	cur := c.FindPlanItem(defID)
	if cur == nil {
		return nil
	}
	for {
		parent := c.ParentOf(cur.ID)
		if parent == nil {
			return cur
		}
		cur = parent
	}
}
