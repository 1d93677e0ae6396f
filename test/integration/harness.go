// Package integration provides a reusable harness for end-to-end testing of
// the stagehand case engine: a full HTTP server over an in-memory store, a
// deterministic clock, and a synchronously drained history processor.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stagehand/internal/config"
	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/engine"
	"github.com/pitabwire/stagehand/internal/expression"
	"github.com/pitabwire/stagehand/internal/history"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/store"
	"github.com/pitabwire/stagehand/internal/transport"
	"github.com/pitabwire/stagehand/model"
)

// Identity carries the caller identity sent as request headers.
type Identity struct {
	SubjectID string
	TenantID  string
}

// DefaultIdentity is the identity used by tests that do not care who calls.
var DefaultIdentity = Identity{SubjectID: "user-alice", TenantID: "tenant-1"}

// TestHarness encapsulates a fully wired engine instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Store     *store.MemoryStore
	Registry  *definition.Registry
	Engine    *engine.Engine
	Processor *history.Processor
	Clock     *model.FixedClock
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions   []model.CaseDefinition
	zippedHistory bool
	historyCfg    config.HistoryConfig
}

// WithCaseDefinitions replaces the default deployed definitions.
func WithCaseDefinitions(defs ...model.CaseDefinition) HarnessOption {
	return func(c *harnessConfig) {
		c.definitions = defs
	}
}

// WithZippedHistory switches the journal to gzip-compressed batches.
func WithZippedHistory() HarnessOption {
	return func(c *harnessConfig) {
		c.zippedHistory = true
	}
}

// NewTestHarness creates and starts a full engine test instance. The server
// is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		historyCfg: config.HistoryConfig{
			Workers:      1,
			PollInterval: 10 * time.Millisecond,
			MaxPollWait:  100 * time.Millisecond,
			LockDuration: 30 * time.Second,
			MaxRetries:   5,
			RetryDelay:   time.Second,
			MaxDelay:     time.Minute,
			BatchTimeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitions) == 0 {
		hc.definitions = []model.CaseDefinition{reviewCaseDefinition()}
	}

	clock := &model.FixedClock{Current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(clock)

	registry := definition.NewRegistry()
	for _, def := range hc.definitions {
		require.NoError(t, registry.Deploy(def), "deploy %s", def.ID)
	}

	engineOpts := []engine.Option{engine.WithClock(clock)}
	if hc.zippedHistory {
		engineOpts = append(engineOpts, engine.WithZippedHistory(true))
	}
	eng := engine.NewEngine(registry, st, st, expression.NewResolver(), engineOpts...)

	processor := history.NewProcessor(st, history.NewProjector(st), hc.historyCfg,
		history.WithProcessorClock(clock))

	router := transport.NewRouter(transport.Dependencies{
		Engine:        eng,
		HealthHandler: observability.HealthHandler(),
		ReadyHandler:  observability.ReadyHandler(st),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:         t,
		server:    server,
		Store:     st,
		Registry:  registry,
		Engine:    eng,
		Processor: processor,
		Clock:     clock,
	}
}

// reviewCaseDefinition is the default two-stage review case: the root stage
// holds the intake task, the reactivation listener, and a nested stage gated
// on intake completion; the nested stage holds the decision task, an optional
// manually activated task, and a milestone reached on decision.
func reviewCaseDefinition() model.CaseDefinition {
	return model.CaseDefinition{
		ID:   "loan-review",
		Name: "Loan Review",
		PlanItems: []model.PlanItemDefinition{
			{
				ID: "stage-a", Name: "Intake", Type: model.PlanItemTypeStage, Autocomplete: true, Required: true,
				Children: []model.PlanItemDefinition{
					{ID: "task-a", Name: "Collect Documents", Type: model.PlanItemTypeTask, Required: true},
					{ID: "reactivate-listener", Type: model.PlanItemTypeEventListener, ReactivationListener: true},
					{
						ID: "stage-b", Name: "Decision", Type: model.PlanItemTypeStage, Autocomplete: true, Required: true,
						EntryCriteria: []model.Criterion{{
							ID: "entry-stage-b",
							OnParts: []model.OnPart{{
								SourceElementID: "task-a",
								States:          []model.PlanItemState{model.PlanItemStateCompleted},
							}},
						}},
						Children: []model.PlanItemDefinition{
							{ID: "task-b", Name: "Review Application", Type: model.PlanItemTypeTask, Required: true},
							{ID: "task-c", Name: "Escalate", Type: model.PlanItemTypeTask, ManualActivation: true},
							{
								ID: "milestone-approved", Name: "Application Reviewed", Type: model.PlanItemTypeMilestone,
								EntryCriteria: []model.Criterion{{
									ID: "entry-milestone",
									OnParts: []model.OnPart{{
										SourceElementID: "task-b",
										States:          []model.PlanItemState{model.PlanItemStateCompleted},
									}},
								}},
							},
						},
					},
				},
			},
		},
	}
}

// BaseURL returns the server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GET performs a GET request with identity headers.
func (h *TestHarness) GET(path string, id Identity) *http.Response {
	return h.doRequest(http.MethodGet, path, nil, id)
}

// POST performs a POST request with a JSON body and identity headers.
func (h *TestHarness) POST(path string, body any, id Identity) *http.Response {
	return h.doRequest(http.MethodPost, path, body, id)
}

func (h *TestHarness) doRequest(method, path string, body any, id Identity) *http.Response {
	h.t.Helper()

	// Each command lands on its own clock instant so journal jobs apply in
	// a deterministic order.
	h.Clock.Tick(time.Second)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err, "marshal request body")
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err, "build request")
	if id.SubjectID != "" {
		req.Header.Set("X-Subject-Id", id.SubjectID)
	}
	if id.TenantID != "" {
		req.Header.Set("X-Tenant-Id", id.TenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// ParseJSON decodes the response body into target and closes it.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(target), "decode response body")
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err, "read response body")
	return raw
}

// AssertStatus checks the response status code and drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body := h.ReadBody(resp)
	require.Equal(t, expected, resp.StatusCode, "unexpected status, body: %s", body)
}

// AssertJSON checks the status code and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	require.Equal(t, expected, resp.StatusCode, "unexpected status")
	h.ParseJSON(resp, target)
}

// DrainHistory runs the processor until every journal job is done or dead,
// advancing the clock past retry delays as needed.
func (h *TestHarness) DrainHistory(t *testing.T) {
	t.Helper()
	ctx := h.t.Context()

	for i := 0; i < 100; i++ {
		processed, err := h.Processor.ProcessOne(ctx, "integration-worker")
		require.NoError(t, err, "process history job")
		if processed {
			continue
		}
		if len(h.Store.JobsInState(model.JobStateDue)) == 0 {
			return
		}
		// Remaining jobs are delayed retries; jump past their due time.
		h.Clock.Tick(2 * time.Minute)
	}
	t.Fatal("history queue did not drain")
}

// StartCase starts a case over HTTP and returns the created instance.
func (h *TestHarness) StartCase(t *testing.T, businessKey string, variables map[string]any) model.CaseInstance {
	t.Helper()
	resp := h.POST("/cases", map[string]any{
		"case_definition_id": "loan-review",
		"business_key":       businessKey,
		"variables":          variables,
	}, DefaultIdentity)

	var inst model.CaseInstance
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	return inst
}

// PlanItems lists a case's plan items over HTTP.
func (h *TestHarness) PlanItems(t *testing.T, caseID string) []model.PlanItemInstance {
	t.Helper()
	resp := h.GET("/cases/"+caseID+"/plan-items", DefaultIdentity)

	var body struct {
		PlanItems []model.PlanItemInstance `json:"plan_items"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &body)
	return body.PlanItems
}

// GetCase fetches a case over HTTP.
func (h *TestHarness) GetCase(t *testing.T, caseID string) model.CaseInstance {
	t.Helper()
	resp := h.GET("/cases/"+caseID, DefaultIdentity)

	var inst model.CaseInstance
	h.AssertJSON(t, resp, http.StatusOK, &inst)
	return inst
}

// ItemByElement finds the plan item instance for an element id, failing the
// test when none or several exist.
func (h *TestHarness) ItemByElement(t *testing.T, items []model.PlanItemInstance, elementID string) model.PlanItemInstance {
	t.Helper()
	var matched []model.PlanItemInstance
	for _, pi := range items {
		if pi.ElementID == elementID {
			matched = append(matched, pi)
		}
	}
	require.Len(t, matched, 1, "instances of element %q", elementID)
	return matched[0]
}

// Trigger fires the user trigger on the plan item instance for elementID.
func (h *TestHarness) Trigger(t *testing.T, caseID, elementID string) {
	t.Helper()
	pi := h.ItemByElement(t, h.PlanItems(t, caseID), elementID)
	resp := h.POST("/cases/"+caseID+"/plan-items/"+pi.ID+"/trigger", nil, DefaultIdentity)
	h.AssertStatus(t, resp, http.StatusOK)
}
