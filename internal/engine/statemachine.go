package engine

import (
	"fmt"
	"time"

	"github.com/pitabwire/stagehand/model"
)

// Transition names the state-machine operations applicable to a plan item.
type Transition string

const (
	TransitionMakeAvailable   Transition = "makeAvailable"
	TransitionMakeUnavailable Transition = "makeUnavailable"
	TransitionEnable          Transition = "enable"
	TransitionDisable         Transition = "disable"
	TransitionReenable        Transition = "reenable"
	TransitionStart           Transition = "start"
	TransitionOccur           Transition = "occur"
	TransitionComplete        Transition = "complete"
	TransitionTerminate       Transition = "terminate"
	TransitionExit            Transition = "exit"
	TransitionSuspend         Transition = "suspend"
	TransitionResume          Transition = "resume"
)

// transitionTable maps each transition to the states it may fire from and the
// state it lands in. Terminate and exit are handled separately since they fire
// from any non-terminal state.
var transitionTable = map[Transition]struct {
	from []model.PlanItemState
	to   model.PlanItemState
}{
	TransitionMakeAvailable:   {from: []model.PlanItemState{model.PlanItemStateUnavailable}, to: model.PlanItemStateAvailable},
	TransitionMakeUnavailable: {from: []model.PlanItemState{model.PlanItemStateAvailable}, to: model.PlanItemStateUnavailable},
	TransitionEnable:          {from: []model.PlanItemState{model.PlanItemStateAvailable}, to: model.PlanItemStateEnabled},
	TransitionDisable:         {from: []model.PlanItemState{model.PlanItemStateEnabled}, to: model.PlanItemStateDisabled},
	TransitionReenable:        {from: []model.PlanItemState{model.PlanItemStateDisabled}, to: model.PlanItemStateEnabled},
	TransitionStart:           {from: []model.PlanItemState{model.PlanItemStateAvailable, model.PlanItemStateEnabled}, to: model.PlanItemStateActive},
	TransitionOccur:           {from: []model.PlanItemState{model.PlanItemStateAvailable}, to: model.PlanItemStateCompleted},
	TransitionComplete:        {from: []model.PlanItemState{model.PlanItemStateActive}, to: model.PlanItemStateCompleted},
	TransitionSuspend:         {from: []model.PlanItemState{model.PlanItemStateActive}, to: model.PlanItemStateSuspended},
	TransitionResume:          {from: []model.PlanItemState{model.PlanItemStateSuspended}, to: model.PlanItemStateActive},
}

// transitionEvents maps transition outcomes to journal event types.
var transitionEvents = map[Transition]string{
	TransitionMakeAvailable:   model.HistoryPlanItemAvailable,
	TransitionMakeUnavailable: model.HistoryPlanItemUnavailable,
	TransitionEnable:          model.HistoryPlanItemEnabled,
	TransitionDisable:         model.HistoryPlanItemDisabled,
	TransitionReenable:        model.HistoryPlanItemEnabled,
	TransitionStart:           model.HistoryPlanItemStarted,
	TransitionOccur:           model.HistoryPlanItemOccurred,
	TransitionComplete:        model.HistoryPlanItemCompleted,
	TransitionTerminate:       model.HistoryPlanItemTerminated,
	TransitionExit:            model.HistoryPlanItemExited,
	TransitionSuspend:         model.HistoryPlanItemSuspended,
	TransitionResume:          model.HistoryPlanItemResumed,
}

// CanApply reports whether t may fire from the item's current state.
func CanApply(t Transition, state model.PlanItemState) bool {
	if t == TransitionTerminate || t == TransitionExit {
		return !state.IsTerminal()
	}
	entry, ok := transitionTable[t]
	if !ok {
		return false
	}
	for _, s := range entry.from {
		if s == state {
			return true
		}
	}
	return false
}

// Apply fires transition t on the plan item, mutating its state and stamping
// the matching timestamp. An illegal transition returns ILLEGAL_STATE and
// leaves the item untouched.
func Apply(pi *model.PlanItemInstance, t Transition, now time.Time) error {
	if !CanApply(t, pi.State) {
		return model.NewIllegalStateError(fmt.Sprintf(
			"cannot %s plan item %q in state %s", t, pi.ElementID, pi.State,
		))
	}

	switch t {
	case TransitionTerminate:
		pi.State = model.PlanItemStateTerminated
		pi.TerminatedTime = &now
	case TransitionExit:
		pi.State = model.PlanItemStateTerminated
		pi.ExitTime = &now
	default:
		pi.State = transitionTable[t].to
		stampTransition(pi, t, now)
	}
	return nil
}

func stampTransition(pi *model.PlanItemInstance, t Transition, now time.Time) {
	switch t {
	case TransitionMakeAvailable:
		pi.AvailableTime = &now
	case TransitionEnable, TransitionReenable:
		pi.EnabledTime = &now
	case TransitionStart, TransitionResume:
		pi.ActivateTime = &now
	case TransitionOccur, TransitionComplete:
		pi.CompletedTime = &now
	}
}

// eventForTransition returns the journal event type announcing t.
func eventForTransition(t Transition) string {
	return transitionEvents[t]
}
