// Package store defines the persistence contracts for runtime case state,
// historic projections, and history jobs, plus the in-memory and Postgres
// implementations.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/stagehand/model"
)

// UnitOfWork is the atomic result of one engine command: every runtime
// mutation it produced plus the journal batch recording it. A store commits
// the whole unit or none of it (outbox pattern) — the historic trail can
// never silently diverge from the runtime state.
type UnitOfWork struct {
	// NewCase is set when the command created a case instance.
	NewCase *model.CaseInstance

	// UpdatedCase is set when the command mutated an existing case
	// instance. The store checks Version and rejects with CONFLICT on
	// mismatch; the stored version is incremented on success.
	UpdatedCase *model.CaseInstance

	// PlanItems are the created or mutated plan-item instances, upserted by
	// id.
	PlanItems []model.PlanItemInstance

	// Job is the serialized journal batch for this command, if any events
	// were recorded.
	Job *model.HistoryJob
}

// Empty reports whether the unit of work carries no writes.
func (u *UnitOfWork) Empty() bool {
	return u.NewCase == nil && u.UpdatedCase == nil && len(u.PlanItems) == 0 && u.Job == nil
}

// CaseStore persists runtime case and plan-item state.
type CaseStore interface {
	// GetCase retrieves a case instance by ID, scoped to a tenant.
	GetCase(ctx context.Context, tenantID, caseID string) (model.CaseInstance, error)

	// GetPlanItem retrieves one plan-item instance of a case.
	GetPlanItem(ctx context.Context, tenantID, caseID, planItemID string) (model.PlanItemInstance, error)

	// ListPlanItems returns all plan-item instances of a case, ordered by
	// creation.
	ListPlanItems(ctx context.Context, tenantID, caseID string) ([]model.PlanItemInstance, error)

	// CommitUnitOfWork atomically persists one command's writes. Returns
	// CONFLICT when UpdatedCase carries a stale version.
	CommitUnitOfWork(ctx context.Context, uow UnitOfWork) error

	// DeleteCase purges the runtime rows of an ended case. The historic
	// projection remains the permanent record.
	DeleteCase(ctx context.Context, tenantID, caseID string) error
}

// HistoricStore persists the event-sourced historic projections. The upsert
// methods are called exclusively by the history projector; runtime code only
// reads.
type HistoricStore interface {
	GetHistoricCase(ctx context.Context, tenantID, caseID string) (model.HistoricCaseInstance, error)
	ListHistoricPlanItems(ctx context.Context, tenantID, caseID string) ([]model.HistoricPlanItemInstance, error)
	ListHistoricMilestones(ctx context.Context, tenantID, caseID string) ([]model.HistoricMilestoneInstance, error)

	UpsertHistoricCase(ctx context.Context, inst model.HistoricCaseInstance) error
	UpsertHistoricPlanItem(ctx context.Context, inst model.HistoricPlanItemInstance) error
	UpsertHistoricMilestone(ctx context.Context, inst model.HistoricMilestoneInstance) error
}

// JobStore provides the claim/ack/retry/dead-letter primitive for history
// jobs. Claim semantics are claim-with-expiring-lock: exactly one worker
// holds a job at a time, and a lock that outlives its expiry is reclaimable
// by another worker.
type JobStore interface {
	// ClaimDueJob claims one due job for the given owner, locking it for
	// lockFor. The second return is false when no job is due.
	ClaimDueJob(ctx context.Context, owner string, lockFor time.Duration) (model.HistoryJob, bool, error)

	// AckJob marks a claimed job done.
	AckJob(ctx context.Context, jobID string) error

	// RetryJob releases a claimed job back to the due queue after delay,
	// incrementing its retry counter.
	RetryJob(ctx context.Context, jobID string, delay time.Duration) error

	// DeadLetterJob moves a job to the dead-letter state with an
	// operator-visible reason.
	DeadLetterJob(ctx context.Context, jobID, reason string) error
}
