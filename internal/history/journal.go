// Package history implements the async history journal: an in-memory event
// session buffered per unit of work, the outbox job carrying its serialized
// batch, and the background processor that projects batches into historic
// storage.
package history

import (
	"github.com/google/uuid"

	"github.com/pitabwire/stagehand/model"
)

// Session buffers the HistoryEvents produced during one logical operation.
// Events carry a monotonic Seq so ties within the same canonical rank apply
// in emission order.
type Session struct {
	tenantID       string
	caseInstanceID string
	clock          model.Clock
	events         []model.HistoryEvent
}

// NewSession opens a journal session for one case-scoped unit of work.
func NewSession(tenantID, caseInstanceID string, clock model.Clock) *Session {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Session{
		tenantID:       tenantID,
		caseInstanceID: caseInstanceID,
		clock:          clock,
	}
}

// Append records one event. The data map is retained as-is; callers hand
// ownership to the session.
func (s *Session) Append(eventType string, data map[string]string) {
	s.events = append(s.events, model.HistoryEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		CaseInstanceID: s.caseInstanceID,
		TenantID:       s.tenantID,
		Timestamp:      s.clock.Now(),
		Seq:            len(s.events),
		Data:           data,
	})
}

// Events returns the buffered events in emission order.
func (s *Session) Events() []model.HistoryEvent {
	return s.events
}

// Empty reports whether the session buffered nothing.
func (s *Session) Empty() bool {
	return len(s.events) == 0
}

// Job serializes the session's batch into an outbox HistoryJob. The zipped
// flag selects the gzip handler type. An empty session yields no job.
func (s *Session) Job(zipped bool) (*model.HistoryJob, error) {
	if s.Empty() {
		return nil, nil
	}

	handlerType := model.JobHandlerAsyncHistory
	if zipped {
		handlerType = model.JobHandlerAsyncHistoryZipped
	}
	payload, err := EncodeBatch(s.events, handlerType)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	return &model.HistoryJob{
		ID:             uuid.New().String(),
		HandlerType:    handlerType,
		CaseInstanceID: s.caseInstanceID,
		TenantID:       s.tenantID,
		Payload:        payload,
		State:          model.JobStateDue,
		DueAt:          now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
