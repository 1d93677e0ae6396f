package definition

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/pitabwire/stagehand/model"
)

// snapshot is an immutable collection of deployed case definitions indexed
// by ID.
type snapshot struct {
	cases map[string]model.CaseDefinition
}

// Registry is a read-optimized, thread-safe store of deployed case
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
// Deploy validates before publishing, so every definition a running case can
// reference has passed the deploy-time checks — including the
// single-reactivation-listener rule.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	validator *Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{validator: NewValidator()}
	r.snap.Store(&snapshot{cases: map[string]model.CaseDefinition{}})
	return r
}

// Deploy validates and publishes a case definition. A definition that fails
// validation — for example one carrying more than one reactivation listener —
// is rejected with ILLEGAL_ARGUMENT before any case of it can ever run. A
// redeploy under the same ID increments the stored version.
func (r *Registry) Deploy(def model.CaseDefinition) error {
	if verrs := r.validator.Validate(def); len(verrs) > 0 {
		details := make([]model.FieldError, 0, len(verrs))
		for _, ve := range verrs {
			details = append(details, model.FieldError{
				Field:   ve.Path,
				Code:    ve.Code,
				Message: ve.Message,
			})
		}
		return model.NewIllegalArgumentErrorWithDetails(
			fmt.Sprintf("case definition %q failed validation", def.ID), details,
		)
	}

	for {
		cur := r.snap.Load()
		next := &snapshot{cases: make(map[string]model.CaseDefinition, len(cur.cases)+1)}
		for k, v := range cur.cases {
			next.cases[k] = v
		}
		if prev, ok := cur.cases[def.ID]; ok {
			def.Version = prev.Version + 1
		} else if def.Version == 0 {
			def.Version = 1
		}
		next.cases[def.ID] = def
		if r.snap.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Get returns the deployed case definition with the given ID.
func (r *Registry) Get(caseDefinitionID string) (model.CaseDefinition, bool) {
	def, ok := r.snap.Load().cases[caseDefinitionID]
	return def, ok
}

// All returns every deployed case definition, sorted by ID.
func (r *Registry) All() []model.CaseDefinition {
	s := r.snap.Load()
	defs := make([]model.CaseDefinition, 0, len(s.cases))
	for _, d := range s.cases {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of deployed definitions.
func (r *Registry) Len() int {
	return len(r.snap.Load().cases)
}
