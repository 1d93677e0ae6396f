package model

import "time"

// History job handler types. Zipped jobs carry a gzip-compressed payload.
const (
	JobHandlerAsyncHistory       = "cmmn-async-history"
	JobHandlerAsyncHistoryZipped = "cmmn-async-history-zipped"
)

// History job states.
const (
	JobStateDue     = "due"
	JobStateClaimed = "claimed"
	JobStateDone    = "done"
	JobStateDead    = "dead"
)

// HistoryJob is one journal batch awaiting application to historic storage.
// It is written in the same transaction as the runtime mutation it records
// (outbox pattern) and later claimed by exactly one processor worker at a
// time through an expiring lock.
type HistoryJob struct {
	ID             string     `json:"id"`
	HandlerType    string     `json:"handler_type"`
	CaseInstanceID string     `json:"case_instance_id"`
	TenantID       string     `json:"tenant_id"`
	Payload        []byte     `json:"payload"`
	State          string     `json:"state"`
	Retries        int        `json:"retries"`
	DueAt          time.Time  `json:"due_at"`
	LockOwner      string     `json:"lock_owner,omitempty"`
	LockExpiresAt  *time.Time `json:"lock_expires_at,omitempty"`
	DeadReason     string     `json:"dead_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
