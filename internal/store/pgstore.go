package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stagehand/model"
)

// PgStore is a PostgreSQL-backed implementation of CaseStore, HistoricStore,
// and JobStore using pgx/v5.
type PgStore struct {
	pool  *pgxpool.Pool
	clock model.Clock
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool, clock model.Clock) *PgStore {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &PgStore{pool: pool, clock: clock}
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const caseColumns = `id, case_definition_id, business_key, tenant_id, state, variables,
       start_time, start_user_id, end_time,
       last_reactivation_time, last_reactivation_user_id,
       version, created_at, updated_at`

// GetCase retrieves a case instance by ID, scoped to tenant.
func (s *PgStore) GetCase(ctx context.Context, tenantID, caseID string) (model.CaseInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM case_instances
		WHERE id = $1 AND tenant_id = $2`,
		caseID, tenantID,
	)
	inst, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CaseInstance{}, model.NewNotFoundError(
			fmt.Sprintf("case instance %q not found", caseID),
		)
	}
	if err != nil {
		return model.CaseInstance{}, fmt.Errorf("query case instance: %w", err)
	}
	return inst, nil
}

const planItemColumns = `id, case_instance_id, stage_instance_id, plan_item_definition_id,
       element_id, item_type, state,
       create_time, available_time, enabled_time, activate_time,
       completed_time, terminated_time, exit_time,
       entry_criterion_ids, exit_criterion_ids`

// GetPlanItem retrieves one plan-item instance of a case.
func (s *PgStore) GetPlanItem(ctx context.Context, tenantID, caseID, planItemID string) (model.PlanItemInstance, error) {
	// Tenant scoping goes through the owning case row.
	if _, err := s.GetCase(ctx, tenantID, caseID); err != nil {
		return model.PlanItemInstance{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+planItemColumns+`
		FROM plan_item_instances
		WHERE id = $1 AND case_instance_id = $2`,
		planItemID, caseID,
	)
	inst, err := scanPlanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PlanItemInstance{}, model.NewNotFoundError(
			fmt.Sprintf("plan item instance %q not found", planItemID),
		)
	}
	if err != nil {
		return model.PlanItemInstance{}, fmt.Errorf("query plan item instance: %w", err)
	}
	return inst, nil
}

// ListPlanItems returns all plan-item instances of a case in creation order.
func (s *PgStore) ListPlanItems(ctx context.Context, tenantID, caseID string) ([]model.PlanItemInstance, error) {
	if _, err := s.GetCase(ctx, tenantID, caseID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+planItemColumns+`
		FROM plan_item_instances
		WHERE case_instance_id = $1
		ORDER BY create_time ASC, id ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query plan item instances: %w", err)
	}
	defer rows.Close()

	var items []model.PlanItemInstance
	for rows.Next() {
		inst, err := scanPlanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan item instance: %w", err)
		}
		items = append(items, inst)
	}
	return items, rows.Err()
}

// CommitUnitOfWork persists one command's writes in a single transaction, so
// the runtime mutation and the journal batch are durable together or not at
// all.
func (s *PgStore) CommitUnitOfWork(ctx context.Context, uow UnitOfWork) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.clock.Now()

	if uow.NewCase != nil {
		if err := insertCase(ctx, tx, *uow.NewCase, now); err != nil {
			return err
		}
	}
	if uow.UpdatedCase != nil {
		if err := updateCase(ctx, tx, *uow.UpdatedCase, now); err != nil {
			return err
		}
	}
	for _, pi := range uow.PlanItems {
		if err := upsertPlanItem(ctx, tx, pi); err != nil {
			return err
		}
	}
	if uow.Job != nil {
		if err := insertJob(ctx, tx, *uow.Job, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

func insertCase(ctx context.Context, tx pgx.Tx, c model.CaseInstance, now time.Time) error {
	varsJSON, err := json.Marshal(c.Variables)
	if err != nil {
		return fmt.Errorf("marshal case variables: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO case_instances (
			id, case_definition_id, business_key, tenant_id, state, variables,
			start_time, start_user_id, end_time,
			last_reactivation_time, last_reactivation_user_id,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,$12)`,
		c.ID, c.CaseDefinitionID, c.BusinessKey, c.TenantID, c.State, varsJSON,
		c.StartTime, c.StartUserID, c.EndTime,
		c.LastReactivationTime, c.LastReactivationUserID,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert case instance: %w", err)
	}
	return nil
}

func updateCase(ctx context.Context, tx pgx.Tx, c model.CaseInstance, now time.Time) error {
	varsJSON, err := json.Marshal(c.Variables)
	if err != nil {
		return fmt.Errorf("marshal case variables: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE case_instances SET
			state = $1,
			variables = $2,
			end_time = $3,
			last_reactivation_time = $4,
			last_reactivation_user_id = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		c.State, varsJSON, c.EndTime,
		c.LastReactivationTime, c.LastReactivationUserID,
		c.Version+1, now,
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update case instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("case instance %q version conflict (expected %d)", c.ID, c.Version),
		)
	}
	return nil
}

func upsertPlanItem(ctx context.Context, tx pgx.Tx, pi model.PlanItemInstance) error {
	entryJSON, err := json.Marshal(pi.EntryCriterionIDs)
	if err != nil {
		return fmt.Errorf("marshal entry criterion ids: %w", err)
	}
	exitJSON, err := json.Marshal(pi.ExitCriterionIDs)
	if err != nil {
		return fmt.Errorf("marshal exit criterion ids: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO plan_item_instances (
			id, case_instance_id, stage_instance_id, plan_item_definition_id,
			element_id, item_type, state,
			create_time, available_time, enabled_time, activate_time,
			completed_time, terminated_time, exit_time,
			entry_criterion_ids, exit_criterion_ids
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			available_time = EXCLUDED.available_time,
			enabled_time = EXCLUDED.enabled_time,
			activate_time = EXCLUDED.activate_time,
			completed_time = EXCLUDED.completed_time,
			terminated_time = EXCLUDED.terminated_time,
			exit_time = EXCLUDED.exit_time`,
		pi.ID, pi.CaseInstanceID, nullable(pi.StageInstanceID), pi.PlanItemDefinitionID,
		pi.ElementID, string(pi.Type), string(pi.State),
		pi.CreateTime, pi.AvailableTime, pi.EnabledTime, pi.ActivateTime,
		pi.CompletedTime, pi.TerminatedTime, pi.ExitTime,
		entryJSON, exitJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert plan item instance: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, tx pgx.Tx, job model.HistoryJob, now time.Time) error {
	dueAt := job.DueAt
	if dueAt.IsZero() {
		dueAt = now
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO history_jobs (
			id, handler_type, case_instance_id, tenant_id, payload,
			state, retries, due_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$8)`,
		job.ID, job.HandlerType, job.CaseInstanceID, job.TenantID, job.Payload,
		model.JobStateDue, dueAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert history job: %w", err)
	}
	return nil
}

// DeleteCase purges the runtime rows of a case.
func (s *PgStore) DeleteCase(ctx context.Context, tenantID, caseID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM plan_item_instances
		WHERE case_instance_id = $1
		AND case_instance_id IN (SELECT id FROM case_instances WHERE tenant_id = $2)`,
		caseID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete plan item instances: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM case_instances WHERE id = $1 AND tenant_id = $2`,
		caseID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete case instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("case instance %q not found", caseID),
		)
	}
	return tx.Commit(ctx)
}

// GetHistoricCase retrieves the historic projection of a case.
func (s *PgStore) GetHistoricCase(ctx context.Context, tenantID, caseID string) (model.HistoricCaseInstance, error) {
	var inst model.HistoricCaseInstance
	var varsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, case_definition_id, business_key, tenant_id, state, variables,
		       start_time, start_user_id, end_time,
		       last_reactivation_time, last_reactivation_user_id
		FROM historic_case_instances
		WHERE id = $1 AND tenant_id = $2`,
		caseID, tenantID,
	).Scan(
		&inst.ID, &inst.CaseDefinitionID, &inst.BusinessKey, &inst.TenantID, &inst.State, &varsJSON,
		&inst.StartTime, &inst.StartUserID, &inst.EndTime,
		&inst.LastReactivationTime, &inst.LastReactivationUserID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.HistoricCaseInstance{}, model.NewNotFoundError(
			fmt.Sprintf("historic case instance %q not found", caseID),
		)
	}
	if err != nil {
		return model.HistoricCaseInstance{}, fmt.Errorf("query historic case instance: %w", err)
	}
	if varsJSON != nil {
		if err := json.Unmarshal(varsJSON, &inst.Variables); err != nil {
			return model.HistoricCaseInstance{}, fmt.Errorf("unmarshal historic variables: %w", err)
		}
	}
	return inst, nil
}

// ListHistoricPlanItems returns the historic plan items of a case.
func (s *PgStore) ListHistoricPlanItems(ctx context.Context, tenantID, caseID string) ([]model.HistoricPlanItemInstance, error) {
	if _, err := s.GetHistoricCase(ctx, tenantID, caseID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, case_instance_id, stage_instance_id, plan_item_definition_id,
		       element_id, item_type, state,
		       create_time, available_time, enabled_time, activate_time,
		       completed_time, terminated_time, exit_time
		FROM historic_plan_item_instances
		WHERE case_instance_id = $1
		ORDER BY create_time ASC, id ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query historic plan item instances: %w", err)
	}
	defer rows.Close()

	var items []model.HistoricPlanItemInstance
	for rows.Next() {
		var pi model.HistoricPlanItemInstance
		var stageID *string
		var itemType, state string
		if err := rows.Scan(
			&pi.ID, &pi.CaseInstanceID, &stageID, &pi.PlanItemDefinitionID,
			&pi.ElementID, &itemType, &state,
			&pi.CreateTime, &pi.AvailableTime, &pi.EnabledTime, &pi.ActivateTime,
			&pi.CompletedTime, &pi.TerminatedTime, &pi.ExitTime,
		); err != nil {
			return nil, fmt.Errorf("scan historic plan item instance: %w", err)
		}
		if stageID != nil {
			pi.StageInstanceID = *stageID
		}
		pi.Type = model.PlanItemType(itemType)
		pi.State = model.PlanItemState(state)
		items = append(items, pi)
	}
	return items, rows.Err()
}

// ListHistoricMilestones returns the reached milestones of a case.
func (s *PgStore) ListHistoricMilestones(ctx context.Context, tenantID, caseID string) ([]model.HistoricMilestoneInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, case_instance_id, plan_item_definition_id, element_id, name, tenant_id, reached_time
		FROM historic_milestone_instances
		WHERE case_instance_id = $1 AND tenant_id = $2
		ORDER BY reached_time ASC`,
		caseID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query historic milestone instances: %w", err)
	}
	defer rows.Close()

	var items []model.HistoricMilestoneInstance
	for rows.Next() {
		var m model.HistoricMilestoneInstance
		if err := rows.Scan(
			&m.ID, &m.CaseInstanceID, &m.PlanItemDefinitionID, &m.ElementID,
			&m.Name, &m.TenantID, &m.ReachedTime,
		); err != nil {
			return nil, fmt.Errorf("scan historic milestone instance: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// UpsertHistoricCase writes the historic case projection.
func (s *PgStore) UpsertHistoricCase(ctx context.Context, inst model.HistoricCaseInstance) error {
	varsJSON, err := json.Marshal(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal historic variables: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO historic_case_instances (
			id, case_definition_id, business_key, tenant_id, state, variables,
			start_time, start_user_id, end_time,
			last_reactivation_time, last_reactivation_user_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			variables = EXCLUDED.variables,
			end_time = EXCLUDED.end_time,
			last_reactivation_time = EXCLUDED.last_reactivation_time,
			last_reactivation_user_id = EXCLUDED.last_reactivation_user_id`,
		inst.ID, inst.CaseDefinitionID, inst.BusinessKey, inst.TenantID, inst.State, varsJSON,
		inst.StartTime, inst.StartUserID, inst.EndTime,
		inst.LastReactivationTime, inst.LastReactivationUserID,
	)
	if err != nil {
		return fmt.Errorf("upsert historic case instance: %w", err)
	}
	return nil
}

// UpsertHistoricPlanItem writes one historic plan-item projection row.
func (s *PgStore) UpsertHistoricPlanItem(ctx context.Context, pi model.HistoricPlanItemInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO historic_plan_item_instances (
			id, case_instance_id, stage_instance_id, plan_item_definition_id,
			element_id, item_type, state,
			create_time, available_time, enabled_time, activate_time,
			completed_time, terminated_time, exit_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			available_time = EXCLUDED.available_time,
			enabled_time = EXCLUDED.enabled_time,
			activate_time = EXCLUDED.activate_time,
			completed_time = EXCLUDED.completed_time,
			terminated_time = EXCLUDED.terminated_time,
			exit_time = EXCLUDED.exit_time`,
		pi.ID, pi.CaseInstanceID, nullable(pi.StageInstanceID), pi.PlanItemDefinitionID,
		pi.ElementID, string(pi.Type), string(pi.State),
		pi.CreateTime, pi.AvailableTime, pi.EnabledTime, pi.ActivateTime,
		pi.CompletedTime, pi.TerminatedTime, pi.ExitTime,
	)
	if err != nil {
		return fmt.Errorf("upsert historic plan item instance: %w", err)
	}
	return nil
}

// UpsertHistoricMilestone records a reached milestone.
func (s *PgStore) UpsertHistoricMilestone(ctx context.Context, m model.HistoricMilestoneInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO historic_milestone_instances (
			id, case_instance_id, plan_item_definition_id, element_id, name, tenant_id, reached_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.CaseInstanceID, m.PlanItemDefinitionID, m.ElementID, m.Name, m.TenantID, m.ReachedTime,
	)
	if err != nil {
		return fmt.Errorf("upsert historic milestone instance: %w", err)
	}
	return nil
}

// ClaimDueJob claims one due job using FOR UPDATE SKIP LOCKED so concurrent
// workers never contend on the same row. Expired claims are reclaimable.
func (s *PgStore) ClaimDueJob(ctx context.Context, owner string, lockFor time.Duration) (model.HistoryJob, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.HistoryJob{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.clock.Now()
	var job model.HistoryJob
	var lockExpires *time.Time
	err = tx.QueryRow(ctx, `
		SELECT id, handler_type, case_instance_id, tenant_id, payload, state, retries, due_at, lock_expires_at
		FROM history_jobs
		WHERE (state = $1 AND due_at <= $2)
		   OR (state = $3 AND lock_expires_at < $2)
		ORDER BY due_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		model.JobStateDue, now, model.JobStateClaimed,
	).Scan(
		&job.ID, &job.HandlerType, &job.CaseInstanceID, &job.TenantID,
		&job.Payload, &job.State, &job.Retries, &job.DueAt, &lockExpires,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.HistoryJob{}, false, nil
	}
	if err != nil {
		return model.HistoryJob{}, false, fmt.Errorf("select due job: %w", err)
	}

	expires := now.Add(lockFor)
	_, err = tx.Exec(ctx, `
		UPDATE history_jobs
		SET state = $1, lock_owner = $2, lock_expires_at = $3, updated_at = $4
		WHERE id = $5`,
		model.JobStateClaimed, owner, expires, now, job.ID,
	)
	if err != nil {
		return model.HistoryJob{}, false, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.HistoryJob{}, false, fmt.Errorf("commit claim: %w", err)
	}

	job.State = model.JobStateClaimed
	job.LockOwner = owner
	job.LockExpiresAt = &expires
	return job, true, nil
}

// AckJob marks a claimed job done.
func (s *PgStore) AckJob(ctx context.Context, jobID string) error {
	return s.finishJob(ctx, jobID, `
		UPDATE history_jobs
		SET state = $1, lock_owner = NULL, lock_expires_at = NULL, updated_at = $2
		WHERE id = $3`,
		model.JobStateDone,
	)
}

// RetryJob returns a claimed job to the due queue after delay.
func (s *PgStore) RetryJob(ctx context.Context, jobID string, delay time.Duration) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE history_jobs
		SET state = $1, retries = retries + 1, due_at = $2,
		    lock_owner = NULL, lock_expires_at = NULL, updated_at = $3
		WHERE id = $4`,
		model.JobStateDue, now.Add(delay), now, jobID,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("history job %q not found", jobID))
	}
	return nil
}

// DeadLetterJob parks a job for operator attention.
func (s *PgStore) DeadLetterJob(ctx context.Context, jobID, reason string) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE history_jobs
		SET state = $1, dead_reason = $2, lock_owner = NULL, lock_expires_at = NULL, updated_at = $3
		WHERE id = $4`,
		model.JobStateDead, reason, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("history job %q not found", jobID))
	}
	return nil
}

func (s *PgStore) finishJob(ctx context.Context, jobID, query, state string) error {
	tag, err := s.pool.Exec(ctx, query, state, s.clock.Now(), jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("history job %q not found", jobID))
	}
	return nil
}

func scanCase(row pgx.Row) (model.CaseInstance, error) {
	var inst model.CaseInstance
	var varsJSON []byte
	err := row.Scan(
		&inst.ID, &inst.CaseDefinitionID, &inst.BusinessKey, &inst.TenantID, &inst.State, &varsJSON,
		&inst.StartTime, &inst.StartUserID, &inst.EndTime,
		&inst.LastReactivationTime, &inst.LastReactivationUserID,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.CaseInstance{}, err
	}
	if varsJSON != nil {
		if err := json.Unmarshal(varsJSON, &inst.Variables); err != nil {
			return model.CaseInstance{}, fmt.Errorf("unmarshal case variables: %w", err)
		}
	}
	return inst, nil
}

func scanPlanItem(row pgx.Row) (model.PlanItemInstance, error) {
	var pi model.PlanItemInstance
	var stageID *string
	var itemType, state string
	var entryJSON, exitJSON []byte
	err := row.Scan(
		&pi.ID, &pi.CaseInstanceID, &stageID, &pi.PlanItemDefinitionID,
		&pi.ElementID, &itemType, &state,
		&pi.CreateTime, &pi.AvailableTime, &pi.EnabledTime, &pi.ActivateTime,
		&pi.CompletedTime, &pi.TerminatedTime, &pi.ExitTime,
		&entryJSON, &exitJSON,
	)
	if err != nil {
		return model.PlanItemInstance{}, err
	}
	if stageID != nil {
		pi.StageInstanceID = *stageID
	}
	pi.Type = model.PlanItemType(itemType)
	pi.State = model.PlanItemState(state)
	if entryJSON != nil {
		_ = json.Unmarshal(entryJSON, &pi.EntryCriterionIDs)
	}
	if exitJSON != nil {
		_ = json.Unmarshal(exitJSON, &pi.ExitCriterionIDs)
	}
	return pi, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
