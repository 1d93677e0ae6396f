package engine

import (
	"github.com/pitabwire/stagehand/model"

	"github.com/pitabwire/stagehand/internal/expression"
)

// criterionSatisfied reports whether a sentry criterion fires: every on-part's
// source plan item must sit in one of the named states, and the guard
// expression, when present, must evaluate to exactly true. A guard that fails
// to evaluate or yields a non-boolean returns EVALUATION_ERROR.
func (r *caseRun) criterionSatisfied(crit model.Criterion) (bool, error) {
	for _, op := range crit.OnParts {
		if !r.onPartSatisfied(op) {
			r.engine.metrics.RecordSentryEvaluation("unsatisfied")
			return false, nil
		}
	}
	if crit.Condition == "" {
		r.engine.metrics.RecordSentryEvaluation("satisfied")
		return true, nil
	}
	ok, err := expression.EvaluateBool(r.eval, crit.Condition, r.scope())
	switch {
	case err != nil:
		r.engine.metrics.RecordSentryEvaluation("error")
	case ok:
		r.engine.metrics.RecordSentryEvaluation("satisfied")
	default:
		r.engine.metrics.RecordSentryEvaluation("unsatisfied")
	}
	return ok, err
}

// onPartSatisfied checks whether any live instance of the source element is in
// one of the on-part's states.
func (r *caseRun) onPartSatisfied(op model.OnPart) bool {
	for _, inst := range r.instancesOfElement(op.SourceElementID) {
		if op.Matches(inst.State) {
			return true
		}
	}
	return false
}

// entrySatisfied reports whether any entry criterion of the definition fires.
// A plan item without entry criteria is immediately eligible.
func (r *caseRun) entrySatisfied(def *model.PlanItemDefinition) (bool, error) {
	if len(def.EntryCriteria) == 0 {
		return true, nil
	}
	for _, crit := range def.EntryCriteria {
		ok, err := r.criterionSatisfied(crit)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// exitSatisfied reports whether any exit criterion of the definition fires.
func (r *caseRun) exitSatisfied(def *model.PlanItemDefinition) (bool, error) {
	for _, crit := range def.ExitCriteria {
		ok, err := r.criterionSatisfied(crit)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
