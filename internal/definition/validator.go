package definition

import (
	"fmt"

	"github.com/pitabwire/stagehand/model"
)

// VError describes a single validation error in a case definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks case definitions structurally and referentially at deploy
// time.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks one case definition. It returns all violations rather than
// stopping at the first.
func (v *Validator) Validate(def model.CaseDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: "id", Code: "REQUIRED", Message: "case definition id is required"})
	}
	if len(def.PlanItems) == 0 {
		errs = append(errs, VError{Path: "plan_items", Code: "REQUIRED", Message: "at least one plan item is required"})
	}

	// Collect element ids and definition ids; tree recursion bounds the
	// containment chain, so acyclicity holds by construction and only
	// duplicates can corrupt the id space.
	defIDs := make(map[string]string)
	elementIDs := make(map[string]string)
	listeners := 0

	def.Walk(func(d *model.PlanItemDefinition, parent *model.PlanItemDefinition) bool {
		path := itemPath(d, parent)

		if d.ID == "" {
			errs = append(errs, VError{Path: path + ".id", Code: "REQUIRED", Message: "plan item id is required"})
		} else if prev, dup := defIDs[d.ID]; dup {
			errs = append(errs, VError{Path: path + ".id", Code: "DUPLICATE",
				Message: fmt.Sprintf("plan item id %q already used at %s", d.ID, prev)})
		} else {
			defIDs[d.ID] = path
		}

		elementID := d.Element()
		if prev, dup := elementIDs[elementID]; dup {
			errs = append(errs, VError{Path: path + ".element_id", Code: "DUPLICATE",
				Message: fmt.Sprintf("element id %q already used at %s", elementID, prev)})
		} else {
			elementIDs[elementID] = path
		}

		switch d.Type {
		case model.PlanItemTypeStage, model.PlanItemTypeTask,
			model.PlanItemTypeMilestone, model.PlanItemTypeEventListener:
		case "":
			errs = append(errs, VError{Path: path + ".type", Code: "REQUIRED", Message: "plan item type is required"})
		default:
			errs = append(errs, VError{Path: path + ".type", Code: "INVALID",
				Message: fmt.Sprintf("unknown plan item type %q", d.Type)})
		}

		if len(d.Children) > 0 && !d.HasChildren() {
			errs = append(errs, VError{Path: path + ".children", Code: "INVALID",
				Message: fmt.Sprintf("%s %q cannot contain children", d.Type, d.ID)})
		}
		if d.Autocomplete && !d.HasAutocomplete() {
			errs = append(errs, VError{Path: path + ".autocomplete", Code: "INVALID",
				Message: fmt.Sprintf("%s %q cannot carry the autocomplete flag", d.Type, d.ID)})
		}
		if d.ReactivationListener {
			if d.Type != model.PlanItemTypeEventListener {
				errs = append(errs, VError{Path: path + ".reactivation_listener", Code: "INVALID",
					Message: fmt.Sprintf("%s %q cannot be a reactivation listener", d.Type, d.ID)})
			} else {
				listeners++
			}
		}
		if d.AvailableCondition != "" && d.Type != model.PlanItemTypeEventListener {
			errs = append(errs, VError{Path: path + ".available_condition", Code: "INVALID",
				Message: fmt.Sprintf("%s %q cannot carry an available condition", d.Type, d.ID)})
		}
		return true
	})

	// A case definition may carry at most one reactivation listener; two
	// would make the reactivation default rule ambiguous.
	if listeners > 1 {
		errs = append(errs, VError{Path: "plan_items", Code: "INVALID",
			Message: fmt.Sprintf("case definition declares %d reactivation listeners, at most one is allowed", listeners)})
	}

	errs = append(errs, v.validateCriteria(def, elementIDs)...)
	return errs
}

// validateCriteria checks that every sentry on-part references a known
// element and names only valid states.
func (v *Validator) validateCriteria(def model.CaseDefinition, elementIDs map[string]string) []VError {
	var errs []VError

	validStates := map[model.PlanItemState]bool{
		model.PlanItemStateUnavailable: true,
		model.PlanItemStateAvailable:   true,
		model.PlanItemStateEnabled:     true,
		model.PlanItemStateDisabled:    true,
		model.PlanItemStateActive:      true,
		model.PlanItemStateSuspended:   true,
		model.PlanItemStateCompleted:   true,
		model.PlanItemStateTerminated:  true,
	}

	def.Walk(func(d *model.PlanItemDefinition, parent *model.PlanItemDefinition) bool {
		path := itemPath(d, parent)
		check := func(kind string, criteria []model.Criterion) {
			for i, c := range criteria {
				cpath := fmt.Sprintf("%s.%s[%d]", path, kind, i)
				if len(c.OnParts) == 0 && c.Condition == "" {
					errs = append(errs, VError{Path: cpath, Code: "REQUIRED",
						Message: "criterion needs at least one on-part or a condition"})
				}
				for j, p := range c.OnParts {
					ppath := fmt.Sprintf("%s.on_parts[%d]", cpath, j)
					if p.SourceElementID == "" {
						errs = append(errs, VError{Path: ppath + ".source", Code: "REQUIRED",
							Message: "on-part source is required"})
					} else if _, ok := elementIDs[p.SourceElementID]; !ok {
						errs = append(errs, VError{Path: ppath + ".source", Code: "UNRESOLVED",
							Message: fmt.Sprintf("on-part references unknown element %q", p.SourceElementID)})
					}
					if len(p.States) == 0 {
						errs = append(errs, VError{Path: ppath + ".states", Code: "REQUIRED",
							Message: "on-part needs at least one state"})
					}
					for _, s := range p.States {
						if !validStates[s] {
							errs = append(errs, VError{Path: ppath + ".states", Code: "INVALID",
								Message: fmt.Sprintf("unknown plan item state %q", s)})
						}
					}
				}
			}
		}
		check("entry_criteria", d.EntryCriteria)
		check("exit_criteria", d.ExitCriteria)
		return true
	})

	return errs
}

func itemPath(d *model.PlanItemDefinition, parent *model.PlanItemDefinition) string {
	id := d.ID
	if id == "" {
		id = "?"
	}
	if parent == nil {
		return fmt.Sprintf("plan_items[%s]", id)
	}
	return fmt.Sprintf("plan_items[%s].children[%s]", parent.ID, id)
}
