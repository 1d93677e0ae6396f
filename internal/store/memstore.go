package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/stagehand/model"
)

// MemoryStore is an in-memory implementation of CaseStore, HistoricStore,
// and JobStore for tests and single-node deployments.
type MemoryStore struct {
	mu sync.RWMutex

	clock model.Clock

	cases     map[string]model.CaseInstance
	planItems map[string][]model.PlanItemInstance // key: case instance ID

	historicCases      map[string]model.HistoricCaseInstance
	historicPlanItems  map[string]map[string]model.HistoricPlanItemInstance // caseID -> planItemID
	historicMilestones map[string][]model.HistoricMilestoneInstance

	jobs map[string]model.HistoryJob
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clock model.Clock) *MemoryStore {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &MemoryStore{
		clock:              clock,
		cases:              make(map[string]model.CaseInstance),
		planItems:          make(map[string][]model.PlanItemInstance),
		historicCases:      make(map[string]model.HistoricCaseInstance),
		historicPlanItems:  make(map[string]map[string]model.HistoricPlanItemInstance),
		historicMilestones: make(map[string][]model.HistoricMilestoneInstance),
		jobs:               make(map[string]model.HistoryJob),
	}
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// GetCase retrieves a case instance by ID, scoped to tenant.
func (s *MemoryStore) GetCase(_ context.Context, tenantID, caseID string) (model.CaseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.cases[caseID]
	if !ok || inst.TenantID != tenantID {
		return model.CaseInstance{}, model.NewNotFoundError(
			fmt.Sprintf("case instance %q not found", caseID),
		)
	}
	return cloneCase(inst), nil
}

// GetPlanItem retrieves one plan-item instance of a case.
func (s *MemoryStore) GetPlanItem(_ context.Context, tenantID, caseID, planItemID string) (model.PlanItemInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.cases[caseID]
	if !ok || inst.TenantID != tenantID {
		return model.PlanItemInstance{}, model.NewNotFoundError(
			fmt.Sprintf("case instance %q not found", caseID),
		)
	}
	for _, pi := range s.planItems[caseID] {
		if pi.ID == planItemID {
			return pi, nil
		}
	}
	return model.PlanItemInstance{}, model.NewNotFoundError(
		fmt.Sprintf("plan item instance %q not found", planItemID),
	)
}

// ListPlanItems returns all plan-item instances of a case in creation order.
func (s *MemoryStore) ListPlanItems(_ context.Context, tenantID, caseID string) ([]model.PlanItemInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.cases[caseID]
	if !ok || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("case instance %q not found", caseID),
		)
	}
	items := make([]model.PlanItemInstance, len(s.planItems[caseID]))
	copy(items, s.planItems[caseID])
	return items, nil
}

// CommitUnitOfWork persists one command's writes under a single lock, so the
// runtime mutation and the journal batch land together or not at all.
func (s *MemoryStore) CommitUnitOfWork(_ context.Context, uow UnitOfWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	// Validate everything before mutating: all-or-nothing.
	if uow.NewCase != nil {
		if _, exists := s.cases[uow.NewCase.ID]; exists {
			return model.NewConflictError(
				fmt.Sprintf("case instance %q already exists", uow.NewCase.ID),
			)
		}
	}
	if uow.UpdatedCase != nil {
		existing, ok := s.cases[uow.UpdatedCase.ID]
		if !ok {
			return model.NewNotFoundError(
				fmt.Sprintf("case instance %q not found", uow.UpdatedCase.ID),
			)
		}
		if existing.Version != uow.UpdatedCase.Version {
			return model.NewConflictError(
				fmt.Sprintf("case instance %q version conflict (expected %d, got %d)",
					uow.UpdatedCase.ID, uow.UpdatedCase.Version, existing.Version),
			)
		}
	}

	if uow.NewCase != nil {
		c := cloneCase(*uow.NewCase)
		c.Version = 1
		c.CreatedAt = now
		c.UpdatedAt = now
		s.cases[c.ID] = c
	}
	if uow.UpdatedCase != nil {
		c := cloneCase(*uow.UpdatedCase)
		c.Version++
		c.UpdatedAt = now
		s.cases[c.ID] = c
	}
	for _, pi := range uow.PlanItems {
		s.upsertPlanItemLocked(pi)
	}
	if uow.Job != nil {
		job := *uow.Job
		job.State = model.JobStateDue
		if job.DueAt.IsZero() {
			job.DueAt = now
		}
		job.CreatedAt = now
		job.UpdatedAt = now
		s.jobs[job.ID] = job
	}
	return nil
}

func (s *MemoryStore) upsertPlanItemLocked(pi model.PlanItemInstance) {
	items := s.planItems[pi.CaseInstanceID]
	for i := range items {
		if items[i].ID == pi.ID {
			items[i] = pi
			return
		}
	}
	s.planItems[pi.CaseInstanceID] = append(items, pi)
}

// DeleteCase purges the runtime rows of a case.
func (s *MemoryStore) DeleteCase(_ context.Context, tenantID, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.cases[caseID]
	if !ok || inst.TenantID != tenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("case instance %q not found", caseID),
		)
	}
	delete(s.cases, caseID)
	delete(s.planItems, caseID)
	return nil
}

// GetHistoricCase retrieves the historic projection of a case.
func (s *MemoryStore) GetHistoricCase(_ context.Context, tenantID, caseID string) (model.HistoricCaseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.historicCases[caseID]
	if !ok || inst.TenantID != tenantID {
		return model.HistoricCaseInstance{}, model.NewNotFoundError(
			fmt.Sprintf("historic case instance %q not found", caseID),
		)
	}
	return cloneHistoricCase(inst), nil
}

// ListHistoricPlanItems returns the historic plan items of a case in
// creation order.
func (s *MemoryStore) ListHistoricPlanItems(_ context.Context, tenantID, caseID string) ([]model.HistoricPlanItemInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.historicCases[caseID]
	if !ok || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("historic case instance %q not found", caseID),
		)
	}
	var items []model.HistoricPlanItemInstance
	for _, pi := range s.historicPlanItems[caseID] {
		items = append(items, pi)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreateTime.Equal(items[j].CreateTime) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreateTime.Before(items[j].CreateTime)
	})
	return items, nil
}

// ListHistoricMilestones returns the reached milestones of a case.
func (s *MemoryStore) ListHistoricMilestones(_ context.Context, tenantID, caseID string) ([]model.HistoricMilestoneInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HistoricMilestoneInstance
	for _, m := range s.historicMilestones[caseID] {
		if m.TenantID == tenantID {
			result = append(result, m)
		}
	}
	return result, nil
}

// UpsertHistoricCase writes the historic case projection.
func (s *MemoryStore) UpsertHistoricCase(_ context.Context, inst model.HistoricCaseInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historicCases[inst.ID] = cloneHistoricCase(inst)
	return nil
}

// UpsertHistoricPlanItem writes one historic plan-item projection row.
func (s *MemoryStore) UpsertHistoricPlanItem(_ context.Context, inst model.HistoricPlanItemInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.historicPlanItems[inst.CaseInstanceID]
	if byID == nil {
		byID = make(map[string]model.HistoricPlanItemInstance)
		s.historicPlanItems[inst.CaseInstanceID] = byID
	}
	byID[inst.ID] = inst
	return nil
}

// UpsertHistoricMilestone records a reached milestone.
func (s *MemoryStore) UpsertHistoricMilestone(_ context.Context, inst model.HistoricMilestoneInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.historicMilestones[inst.CaseInstanceID]
	for i := range existing {
		if existing[i].ID == inst.ID {
			existing[i] = inst
			return nil
		}
	}
	s.historicMilestones[inst.CaseInstanceID] = append(existing, inst)
	return nil
}

// ClaimDueJob claims the oldest due job for owner with an expiring lock.
// Expired claims are reclaimable, which covers worker crashes.
func (s *MemoryStore) ClaimDueJob(_ context.Context, owner string, lockFor time.Duration) (model.HistoryJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []model.HistoryJob
	for _, job := range s.jobs {
		switch job.State {
		case model.JobStateDue:
			if !job.DueAt.After(now) {
				due = append(due, job)
			}
		case model.JobStateClaimed:
			if job.LockExpiresAt != nil && job.LockExpiresAt.Before(now) {
				due = append(due, job)
			}
		}
	}
	if len(due) == 0 {
		return model.HistoryJob{}, false, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})

	job := due[0]
	expires := now.Add(lockFor)
	job.State = model.JobStateClaimed
	job.LockOwner = owner
	job.LockExpiresAt = &expires
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return job, true, nil
}

// AckJob marks a claimed job done.
func (s *MemoryStore) AckJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("history job %q not found", jobID))
	}
	job.State = model.JobStateDone
	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// RetryJob returns a claimed job to the due queue after delay.
func (s *MemoryStore) RetryJob(_ context.Context, jobID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("history job %q not found", jobID))
	}
	now := s.clock.Now()
	job.State = model.JobStateDue
	job.Retries++
	job.DueAt = now.Add(delay)
	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return nil
}

// DeadLetterJob parks a job for operator attention.
func (s *MemoryStore) DeadLetterJob(_ context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("history job %q not found", jobID))
	}
	job.State = model.JobStateDead
	job.DeadReason = reason
	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// JobsInState returns the jobs in the given state, oldest first. For tests
// and operator tooling.
func (s *MemoryStore) JobsInState(state string) []model.HistoryJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HistoryJob
	for _, job := range s.jobs {
		if job.State == state {
			result = append(result, job)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// CaseCount returns the number of runtime case instances. For tests.
func (s *MemoryStore) CaseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func cloneCase(c model.CaseInstance) model.CaseInstance {
	if c.Variables != nil {
		vars := make(map[string]any, len(c.Variables))
		for k, v := range c.Variables {
			vars[k] = v
		}
		c.Variables = vars
	}
	return c
}

func cloneHistoricCase(c model.HistoricCaseInstance) model.HistoricCaseInstance {
	if c.Variables != nil {
		vars := make(map[string]any, len(c.Variables))
		for k, v := range c.Variables {
			vars[k] = v
		}
		c.Variables = vars
	}
	return c
}
