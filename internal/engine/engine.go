// Package engine drives case instances through the plan-item state machine:
// sentry evaluation, stage activation and auto-completion, case termination,
// and reactivation of ended cases. Every exported operation is one unit of
// work committed atomically with its journal batch.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/expression"
	"github.com/pitabwire/stagehand/internal/history"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/store"
	"github.com/pitabwire/stagehand/model"
)

// sweepLimit bounds cascade fixpoint iteration against defective definitions.
const sweepLimit = 1000

// Engine manages the lifecycle of case instances.
type Engine struct {
	registry *definition.Registry
	store    store.CaseStore
	historic store.HistoricStore
	eval     expression.Evaluator

	clock         model.Clock
	logger        *zap.Logger
	metrics       *observability.Metrics
	zippedHistory bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a clock, for deterministic testing.
func WithClock(c model.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger injects the engine's fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics injects metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithZippedHistory selects gzip-compressed journal batches.
func WithZippedHistory(zipped bool) Option {
	return func(e *Engine) { e.zippedHistory = zipped }
}

// NewEngine creates a new case engine.
func NewEngine(
	registry *definition.Registry,
	caseStore store.CaseStore,
	historicStore store.HistoricStore,
	eval expression.Evaluator,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry: registry,
		store:    caseStore,
		historic: historicStore,
		eval:     eval,
		clock:    model.SystemClock{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// caseRun is the in-memory working set of one engine command: the definition,
// the case row, and every plan-item instance, indexed for sentry lookups.
// All mutation goes through it so the final unit of work carries exactly the
// touched rows.
type caseRun struct {
	engine   *Engine
	def      *model.CaseDefinition
	caseInst *model.CaseInstance

	items     map[string]*model.PlanItemInstance
	order     []string
	byElement map[string][]*model.PlanItemInstance
	byDef     map[string][]*model.PlanItemInstance

	dirty   map[string]struct{}
	session *history.Session
	eval    expression.Evaluator
	now     time.Time
	isNew   bool

	// Reactivation bookkeeping. instantiatedDefs records plan-item
	// definition ids created during the current reactivation pass so the
	// historic replay never duplicates them; skipListeners keeps the
	// reactivation listener out of the new case; forcedTerminated holds
	// definition ids the directive demands TERMINATED, which overrides
	// both the live rebuild and the historic outcome.
	guardReplay      bool
	skipListeners    bool
	instantiatedDefs map[string]struct{}
	forcedTerminated map[string]struct{}
}

func (e *Engine) newCaseRun(def *model.CaseDefinition, caseInst *model.CaseInstance, items []model.PlanItemInstance, isNew bool) *caseRun {
	r := &caseRun{
		engine:    e,
		def:       def,
		caseInst:  caseInst,
		items:     make(map[string]*model.PlanItemInstance, len(items)),
		byElement: make(map[string][]*model.PlanItemInstance),
		byDef:     make(map[string][]*model.PlanItemInstance),
		dirty:     make(map[string]struct{}),
		session:   history.NewSession(caseInst.TenantID, caseInst.ID, e.clock),
		eval:      e.eval,
		now:       e.clock.Now(),
		isNew:     isNew,
	}
	for i := range items {
		pi := items[i]
		r.index(&pi)
	}
	return r
}

func (r *caseRun) index(pi *model.PlanItemInstance) {
	r.items[pi.ID] = pi
	r.order = append(r.order, pi.ID)
	r.byElement[pi.ElementID] = append(r.byElement[pi.ElementID], pi)
	r.byDef[pi.PlanItemDefinitionID] = append(r.byDef[pi.PlanItemDefinitionID], pi)
}

func (r *caseRun) instancesOfElement(elementID string) []*model.PlanItemInstance {
	return r.byElement[elementID]
}

func (r *caseRun) childrenOf(stageInstanceID string) []*model.PlanItemInstance {
	var children []*model.PlanItemInstance
	for _, id := range r.order {
		if r.items[id].StageInstanceID == stageInstanceID {
			children = append(children, r.items[id])
		}
	}
	return children
}

func (r *caseRun) markDirty(id string) {
	r.dirty[id] = struct{}{}
}

func (r *caseRun) itemEventData(pi *model.PlanItemInstance) map[string]string {
	data := map[string]string{
		model.FieldPlanItemInstanceID:   pi.ID,
		model.FieldPlanItemDefinitionID: pi.PlanItemDefinitionID,
		model.FieldElementID:            pi.ElementID,
		model.FieldPlanItemType:         string(pi.Type),
		model.FieldState:                string(pi.State),
	}
	if pi.StageInstanceID != "" {
		data[model.FieldStageInstanceID] = pi.StageInstanceID
	}
	return data
}

// transition fires one state-machine transition on a plan item, records the
// journal event, and for milestones reaching COMPLETED also records the
// milestone event.
func (r *caseRun) transition(pi *model.PlanItemInstance, t Transition) error {
	if err := Apply(pi, t, r.now); err != nil {
		return err
	}
	r.markDirty(pi.ID)
	r.session.Append(eventForTransition(t), r.itemEventData(pi))
	r.engine.metrics.RecordPlanItemTransition(string(pi.Type), string(t))

	if pi.Type == model.PlanItemTypeMilestone && t == TransitionOccur {
		def := r.def.FindPlanItem(pi.PlanItemDefinitionID)
		data := r.itemEventData(pi)
		if def != nil {
			data["name"] = def.Name
		}
		r.session.Append(model.HistoryMilestoneReached, data)
	}
	return nil
}

// createInstance instantiates a plan-item definition inside the given stage
// instance (empty for root items). The new instance starts UNAVAILABLE and
// becomes AVAILABLE unless an event listener's available condition holds it
// back.
func (r *caseRun) createInstance(def *model.PlanItemDefinition, stageInstanceID string) (*model.PlanItemInstance, error) {
	if r.guardReplay {
		if _, force := r.forcedTerminated[def.ID]; force {
			return r.replayInstance(def, model.PlanItemStateTerminated, stageInstanceID)
		}
		if _, dup := r.instantiatedDefs[def.ID]; dup {
			return nil, model.NewIllegalStateError(fmt.Sprintf(
				"plan item definition %q initialized twice during reactivation", def.ID,
			))
		}
		r.instantiatedDefs[def.ID] = struct{}{}
	}

	pi := &model.PlanItemInstance{
		ID:                   uuid.New().String(),
		CaseInstanceID:       r.caseInst.ID,
		StageInstanceID:      stageInstanceID,
		PlanItemDefinitionID: def.ID,
		ElementID:            def.Element(),
		Type:                 def.Type,
		State:                model.PlanItemStateUnavailable,
		CreateTime:           r.now,
		EntryCriterionIDs:    criterionIDs(def.EntryCriteria),
		ExitCriterionIDs:     criterionIDs(def.ExitCriteria),
	}
	r.index(pi)
	r.markDirty(pi.ID)
	r.session.Append(model.HistoryPlanItemCreated, r.itemEventData(pi))

	if def.Type == model.PlanItemTypeEventListener && def.AvailableCondition != "" {
		available, err := expression.EvaluateBool(r.eval, def.AvailableCondition, r.scope())
		if err != nil {
			return nil, err
		}
		if !available {
			return pi, nil
		}
	}
	if err := r.transition(pi, TransitionMakeAvailable); err != nil {
		return nil, err
	}
	return pi, nil
}

func criterionIDs(criteria []model.Criterion) []string {
	if len(criteria) == 0 {
		return nil
	}
	ids := make([]string, 0, len(criteria))
	for _, c := range criteria {
		ids = append(ids, c.ID)
	}
	return ids
}

// scope is the variable scope sentries and available conditions evaluate
// against.
func (r *caseRun) scope() map[string]any {
	return r.caseInst.Variables
}

// activateStage instantiates the children of a stage that just became ACTIVE.
func (r *caseRun) activateStage(stage *model.PlanItemInstance) error {
	def := r.def.FindPlanItem(stage.PlanItemDefinitionID)
	if def == nil {
		return model.NewInternalError(fmt.Sprintf(
			"plan item definition %q missing from case definition %q",
			stage.PlanItemDefinitionID, r.def.ID,
		))
	}
	for i := range def.Children {
		child := &def.Children[i]
		if r.skipListeners && child.ReactivationListener {
			continue
		}
		if _, err := r.createInstance(child, stage.ID); err != nil {
			return err
		}
	}
	return nil
}

// progress moves one AVAILABLE item forward when its entry criteria are
// satisfied. Manually activated items stay AVAILABLE for an explicit start;
// event listeners wait for their trigger.
func (r *caseRun) progress(pi *model.PlanItemInstance) (bool, error) {
	def := r.def.FindPlanItem(pi.PlanItemDefinitionID)
	if def == nil {
		return false, nil
	}
	ok, err := r.entrySatisfied(def)
	if err != nil {
		return false, err
	}
	if !ok || def.ManualActivation {
		return false, nil
	}

	switch pi.Type {
	case model.PlanItemTypeStage:
		if err := r.transition(pi, TransitionStart); err != nil {
			return false, err
		}
		return true, r.activateStage(pi)
	case model.PlanItemTypeTask:
		return true, r.transition(pi, TransitionStart)
	case model.PlanItemTypeMilestone:
		return true, r.transition(pi, TransitionOccur)
	default:
		// Event listeners occur only on an external trigger.
		return false, nil
	}
}

// exitSubtree exits a plan item and every non-terminal descendant,
// deepest-first.
func (r *caseRun) exitSubtree(pi *model.PlanItemInstance) error {
	for _, child := range r.childrenOf(pi.ID) {
		if child.State.IsTerminal() {
			continue
		}
		if err := r.exitSubtree(child); err != nil {
			return err
		}
	}
	return r.transition(pi, TransitionExit)
}

// terminateSubtree terminates a plan item and every non-terminal descendant,
// deepest-first.
func (r *caseRun) terminateSubtree(pi *model.PlanItemInstance) error {
	for _, child := range r.childrenOf(pi.ID) {
		if child.State.IsTerminal() {
			continue
		}
		if err := r.terminateSubtree(child); err != nil {
			return err
		}
	}
	return r.transition(pi, TransitionTerminate)
}

// stageCanComplete applies the auto-complete rule to an ACTIVE stage: with
// the autocomplete flag, no child may be in progress and every required child
// must be terminal; without it, every child must be terminal.
func (r *caseRun) stageCanComplete(stage *model.PlanItemInstance) bool {
	def := r.def.FindPlanItem(stage.PlanItemDefinitionID)
	if def == nil {
		return false
	}

	children := r.childrenOf(stage.ID)
	if !def.Autocomplete {
		for _, child := range children {
			if !child.State.IsTerminal() {
				return false
			}
		}
		return true
	}

	for _, child := range children {
		switch child.State {
		case model.PlanItemStateActive, model.PlanItemStateEnabled, model.PlanItemStateSuspended:
			return false
		}
		childDef := r.def.FindPlanItem(child.PlanItemDefinitionID)
		if childDef != nil && childDef.Required && !child.State.IsTerminal() {
			return false
		}
	}
	return true
}

// completeStage exits any never-started children, then completes the stage.
func (r *caseRun) completeStage(stage *model.PlanItemInstance) error {
	for _, child := range r.childrenOf(stage.ID) {
		if child.State.IsTerminal() {
			continue
		}
		if err := r.exitSubtree(child); err != nil {
			return err
		}
	}
	return r.transition(stage, TransitionComplete)
}

// sweep runs the cascade to a fixpoint: exit criteria fire first, then entry
// criteria progress AVAILABLE items, held-back event listeners re-check their
// available condition, and ACTIVE stages re-check completion. When
// allowComplete is false stage completion and the case-end check are
// deferred; reactivation uses that to rebuild structure before replay.
func (r *caseRun) sweep(allowComplete bool) error {
	for i := 0; i < sweepLimit; i++ {
		changed := false

		// Exit criteria.
		for _, id := range r.order {
			pi := r.items[id]
			if pi.State.IsTerminal() {
				continue
			}
			def := r.def.FindPlanItem(pi.PlanItemDefinitionID)
			if def == nil || len(def.ExitCriteria) == 0 {
				continue
			}
			fired, err := r.exitSatisfied(def)
			if err != nil {
				return err
			}
			if fired {
				if err := r.exitSubtree(pi); err != nil {
					return err
				}
				changed = true
			}
		}

		// Held-back event listeners.
		for _, id := range r.order {
			pi := r.items[id]
			if pi.State != model.PlanItemStateUnavailable || pi.Type != model.PlanItemTypeEventListener {
				continue
			}
			def := r.def.FindPlanItem(pi.PlanItemDefinitionID)
			if def == nil || def.AvailableCondition == "" {
				continue
			}
			available, err := expression.EvaluateBool(r.eval, def.AvailableCondition, r.scope())
			if err != nil {
				return err
			}
			if available {
				if err := r.transition(pi, TransitionMakeAvailable); err != nil {
					return err
				}
				changed = true
			}
		}

		// Entry criteria.
		for _, id := range r.order {
			pi := r.items[id]
			if pi.State != model.PlanItemStateAvailable {
				continue
			}
			moved, err := r.progress(pi)
			if err != nil {
				return err
			}
			if moved {
				changed = true
			}
		}

		// Stage auto-completion, bottom-up through fixpoint iteration.
		if allowComplete {
			for _, id := range r.order {
				pi := r.items[id]
				if pi.Type != model.PlanItemTypeStage || pi.State != model.PlanItemStateActive {
					continue
				}
				if r.stageCanComplete(pi) {
					if err := r.completeStage(pi); err != nil {
						return err
					}
					changed = true
				}
			}
		}

		if !changed {
			break
		}
	}

	if allowComplete {
		r.checkCaseEnd()
	}
	return nil
}

// checkCaseEnd ends the case once every root plan item is terminal.
func (r *caseRun) checkCaseEnd() {
	if r.caseInst.State != model.CaseStateActive {
		return
	}
	roots := r.childrenOf("")
	if len(roots) == 0 {
		return
	}
	for _, pi := range roots {
		if !pi.State.IsTerminal() {
			return
		}
	}
	r.endCase()
}

func (r *caseRun) endCase() {
	r.caseInst.State = model.CaseStateEnded
	end := r.now
	r.caseInst.EndTime = &end
	r.session.Append(model.HistoryCaseEnd, map[string]string{
		model.FieldCaseDefinitionID: r.caseInst.CaseDefinitionID,
	})
	r.engine.metrics.RecordCaseEnd(r.caseInst.CaseDefinitionID)
}

// appendVariableEvents journals variable creation in deterministic key order.
// Values travel as JSON so the historic projection preserves their types.
func (r *caseRun) appendVariableEvents() {
	keys := make([]string, 0, len(r.caseInst.Variables))
	for k := range r.caseInst.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := json.Marshal(r.caseInst.Variables[k])
		if err != nil {
			value = []byte(fmt.Sprintf("%q", fmt.Sprint(r.caseInst.Variables[k])))
		}
		r.session.Append(model.HistoryVariableCreated, map[string]string{
			model.FieldVariableName:  k,
			model.FieldVariableValue: string(value),
		})
	}
}

// commit assembles and persists the unit of work.
func (e *Engine) commit(ctx context.Context, r *caseRun) error {
	uow := store.UnitOfWork{}
	if r.isNew {
		uow.NewCase = r.caseInst
	} else {
		uow.UpdatedCase = r.caseInst
	}
	for _, id := range r.order {
		if _, ok := r.dirty[id]; ok {
			uow.PlanItems = append(uow.PlanItems, *r.items[id])
		}
	}
	job, err := r.session.Job(e.zippedHistory)
	if err != nil {
		return err
	}
	uow.Job = job
	if job != nil {
		e.metrics.RecordJournalBatch(len(r.session.Events()))
	}
	return e.store.CommitUnitOfWork(ctx, uow)
}

// loadRun fetches a case and its plan items into a working set.
func (e *Engine) loadRun(ctx context.Context, rctx *model.RequestContext, caseID string) (*caseRun, error) {
	caseInst, err := e.store.GetCase(ctx, rctx.TenantID, caseID)
	if err != nil {
		return nil, err
	}
	def, ok := e.registry.Get(caseInst.CaseDefinitionID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf(
			"case definition %q not found", caseInst.CaseDefinitionID,
		))
	}
	items, err := e.store.ListPlanItems(ctx, rctx.TenantID, caseID)
	if err != nil {
		return nil, err
	}
	return e.newCaseRun(&def, &caseInst, items, false), nil
}

// StartCase creates a new case instance from a deployed definition and runs
// the initial cascade: root plan items are instantiated and progressed until
// the case settles.
func (e *Engine) StartCase(
	ctx context.Context,
	rctx *model.RequestContext,
	caseDefinitionID string,
	businessKey string,
	variables map[string]any,
) (model.CaseInstance, error) {
	if err := rctx.Validate(); err != nil {
		return model.CaseInstance{}, err
	}
	def, ok := e.registry.Get(caseDefinitionID)
	if !ok {
		return model.CaseInstance{}, model.NewNotFoundError(fmt.Sprintf(
			"case definition %q not found", caseDefinitionID,
		))
	}

	now := e.clock.Now()
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	caseInst := model.CaseInstance{
		ID:               uuid.New().String(),
		CaseDefinitionID: caseDefinitionID,
		BusinessKey:      businessKey,
		TenantID:         rctx.TenantID,
		State:            model.CaseStateActive,
		Variables:        vars,
		StartTime:        now,
		StartUserID:      rctx.SubjectID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	r := e.newCaseRun(&def, &caseInst, nil, true)
	r.session.Append(model.HistoryCaseStart, map[string]string{
		model.FieldCaseDefinitionID: caseDefinitionID,
		model.FieldBusinessKey:      businessKey,
		model.FieldUserID:           rctx.SubjectID,
	})
	r.appendVariableEvents()

	for i := range def.PlanItems {
		if _, err := r.createInstance(&def.PlanItems[i], ""); err != nil {
			return model.CaseInstance{}, err
		}
	}
	if err := r.sweep(true); err != nil {
		return model.CaseInstance{}, err
	}
	if err := e.commit(ctx, r); err != nil {
		return model.CaseInstance{}, err
	}

	e.metrics.RecordCaseStart(caseDefinitionID)
	observability.RequestLogger(ctx, e.logger).Info("case started",
		zap.String("case_instance_id", caseInst.ID),
		zap.String("case_definition_id", caseDefinitionID),
	)
	return caseInst, nil
}

// TriggerPlanItem fires the user trigger on a plan item: an active task
// completes, an available event listener or milestone occurs.
func (e *Engine) TriggerPlanItem(ctx context.Context, rctx *model.RequestContext, caseID, planItemInstanceID string) error {
	if err := rctx.Validate(); err != nil {
		return err
	}
	r, err := e.loadRun(ctx, rctx, caseID)
	if err != nil {
		return err
	}
	if r.caseInst.State != model.CaseStateActive {
		return model.NewIllegalStateError(fmt.Sprintf(
			"case instance %q is %s, not active", caseID, r.caseInst.State,
		))
	}
	pi, ok := r.items[planItemInstanceID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf(
			"plan item instance %q not found", planItemInstanceID,
		))
	}

	switch pi.Type {
	case model.PlanItemTypeTask:
		if err := r.transition(pi, TransitionComplete); err != nil {
			return err
		}
	case model.PlanItemTypeMilestone, model.PlanItemTypeEventListener:
		if err := r.transition(pi, TransitionOccur); err != nil {
			return err
		}
	default:
		return model.NewIllegalStateError(fmt.Sprintf(
			"plan item %q of type %s cannot be triggered directly", pi.ElementID, pi.Type,
		))
	}

	if err := r.sweep(true); err != nil {
		return err
	}
	return e.commit(ctx, r)
}

// StartPlanItem explicitly starts an available or enabled task or stage,
// typically one resting behind a manual-activation gate. Entry criteria must
// be satisfied.
func (e *Engine) StartPlanItem(ctx context.Context, rctx *model.RequestContext, caseID, planItemInstanceID string) error {
	if err := rctx.Validate(); err != nil {
		return err
	}
	r, err := e.loadRun(ctx, rctx, caseID)
	if err != nil {
		return err
	}
	if r.caseInst.State != model.CaseStateActive {
		return model.NewIllegalStateError(fmt.Sprintf(
			"case instance %q is %s, not active", caseID, r.caseInst.State,
		))
	}
	pi, ok := r.items[planItemInstanceID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf(
			"plan item instance %q not found", planItemInstanceID,
		))
	}
	if pi.Type != model.PlanItemTypeTask && pi.Type != model.PlanItemTypeStage {
		return model.NewIllegalStateError(fmt.Sprintf(
			"plan item %q of type %s cannot be started", pi.ElementID, pi.Type,
		))
	}

	def := r.def.FindPlanItem(pi.PlanItemDefinitionID)
	if def != nil {
		satisfied, err := r.entrySatisfied(def)
		if err != nil {
			return err
		}
		if !satisfied {
			return model.NewIllegalStateError(fmt.Sprintf(
				"entry criteria of plan item %q are not satisfied", pi.ElementID,
			))
		}
	}

	if err := r.transition(pi, TransitionStart); err != nil {
		return err
	}
	if pi.Type == model.PlanItemTypeStage {
		if err := r.activateStage(pi); err != nil {
			return err
		}
	}
	if err := r.sweep(true); err != nil {
		return err
	}
	return e.commit(ctx, r)
}

// EnablePlanItem moves an available item to ENABLED, or re-enables a
// disabled one.
func (e *Engine) EnablePlanItem(ctx context.Context, rctx *model.RequestContext, caseID, planItemInstanceID string) error {
	return e.togglePlanItem(ctx, rctx, caseID, planItemInstanceID, func(pi *model.PlanItemInstance) Transition {
		if pi.State == model.PlanItemStateDisabled {
			return TransitionReenable
		}
		return TransitionEnable
	})
}

// DisablePlanItem moves an enabled item to DISABLED.
func (e *Engine) DisablePlanItem(ctx context.Context, rctx *model.RequestContext, caseID, planItemInstanceID string) error {
	return e.togglePlanItem(ctx, rctx, caseID, planItemInstanceID, func(*model.PlanItemInstance) Transition {
		return TransitionDisable
	})
}

func (e *Engine) togglePlanItem(
	ctx context.Context,
	rctx *model.RequestContext,
	caseID, planItemInstanceID string,
	pick func(*model.PlanItemInstance) Transition,
) error {
	if err := rctx.Validate(); err != nil {
		return err
	}
	r, err := e.loadRun(ctx, rctx, caseID)
	if err != nil {
		return err
	}
	if r.caseInst.State != model.CaseStateActive {
		return model.NewIllegalStateError(fmt.Sprintf(
			"case instance %q is %s, not active", caseID, r.caseInst.State,
		))
	}
	pi, ok := r.items[planItemInstanceID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf(
			"plan item instance %q not found", planItemInstanceID,
		))
	}
	if err := r.transition(pi, pick(pi)); err != nil {
		return err
	}
	if err := r.sweep(true); err != nil {
		return err
	}
	return e.commit(ctx, r)
}

// TerminateCase forces every non-terminal plan item to TERMINATED and ends
// the case.
func (e *Engine) TerminateCase(ctx context.Context, rctx *model.RequestContext, caseID string) error {
	if err := rctx.Validate(); err != nil {
		return err
	}
	r, err := e.loadRun(ctx, rctx, caseID)
	if err != nil {
		return err
	}
	if r.caseInst.State == model.CaseStateEnded {
		return model.NewIllegalStateError(fmt.Sprintf(
			"case instance %q has already ended", caseID,
		))
	}

	for _, pi := range r.childrenOf("") {
		if pi.State.IsTerminal() {
			continue
		}
		if err := r.terminateSubtree(pi); err != nil {
			return err
		}
	}
	r.endCase()

	if err := e.commit(ctx, r); err != nil {
		return err
	}
	observability.RequestLogger(ctx, e.logger).Info("case terminated",
		zap.String("case_instance_id", caseID),
	)
	return nil
}

// SuspendCase suspends the case and every ACTIVE plan item.
func (e *Engine) SuspendCase(ctx context.Context, rctx *model.RequestContext, caseID string) error {
	if err := rctx.Validate(); err != nil {
		return err
	}
	r, err := e.loadRun(ctx, rctx, caseID)
	if err != nil {
		return err
	}
	if r.caseInst.State != model.CaseStateActive {
		return model.NewIllegalStateError(fmt.Sprintf(
			"case instance %q is %s, not active", caseID, r.caseInst.State,
		))
	}

	for _, id := range r.order {
		pi := r.items[id]
		if pi.State == model.PlanItemStateActive {
			if err := r.transition(pi, TransitionSuspend); err != nil {
				return err
			}
		}
	}
	r.caseInst.State = model.CaseStateSuspended
	return e.commit(ctx, r)
}

// ResumeCase resumes a suspended case and every SUSPENDED plan item, then
// re-runs the cascade.
func (e *Engine) ResumeCase(ctx context.Context, rctx *model.RequestContext, caseID string) error {
	if err := rctx.Validate(); err != nil {
		return err
	}
	r, err := e.loadRun(ctx, rctx, caseID)
	if err != nil {
		return err
	}
	if r.caseInst.State != model.CaseStateSuspended {
		return model.NewIllegalStateError(fmt.Sprintf(
			"case instance %q is %s, not suspended", caseID, r.caseInst.State,
		))
	}

	r.caseInst.State = model.CaseStateActive
	for _, id := range r.order {
		pi := r.items[id]
		if pi.State == model.PlanItemStateSuspended {
			if err := r.transition(pi, TransitionResume); err != nil {
				return err
			}
		}
	}
	if err := r.sweep(true); err != nil {
		return err
	}
	return e.commit(ctx, r)
}

// GetCase returns a case instance.
func (e *Engine) GetCase(ctx context.Context, rctx *model.RequestContext, caseID string) (model.CaseInstance, error) {
	if err := rctx.Validate(); err != nil {
		return model.CaseInstance{}, err
	}
	return e.store.GetCase(ctx, rctx.TenantID, caseID)
}

// ListPlanItems returns a case's plan-item instances in creation order.
func (e *Engine) ListPlanItems(ctx context.Context, rctx *model.RequestContext, caseID string) ([]model.PlanItemInstance, error) {
	if err := rctx.Validate(); err != nil {
		return nil, err
	}
	return e.store.ListPlanItems(ctx, rctx.TenantID, caseID)
}
