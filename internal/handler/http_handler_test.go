package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/policy"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

var handlerUsers = map[string][]string{
	"maker-1": {"back_office"},
	"bo-1":    {"back_office"},
	"bm-1":    {"branch_manager"},
	"aud-1":   {"auditor"},
}

func newEngine(t *testing.T) *service.WorkflowEngine {
	t.Helper()
	log := logger.Nop()
	return service.NewWorkflowEngine(
		repository.NewMemoryStore(),
		policy.NewResolver(policy.Config{}),
		client.NewStaticOracle(handlerUsers),
		client.NewLogSink(log.Logger),
		log,
	)
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	NewHTTPHandler(newEngine(t), logger.Nop()).Routes(mux)
	return Wrap(mux, logger.Nop(), 5*time.Second)
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHTTPHandler_ApprovalFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/workflows", "maker-1", map[string]any{
		"action_type":            "Account_Creation",
		"resource_type":          "account",
		"resource_id":            "acc-1",
		"business_justification": "new corporate account",
		"amount":                 "150000.00",
		"currency":               "USD",
		"priority":               "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	wf := decodeBody[WorkflowResponse](t, rec)
	assert.Equal(t, "account_creation", wf.ActionType)
	assert.Equal(t, "pending", wf.Status)
	assert.Equal(t, "maker-1", wf.InitiatedBy)
	require.NotNil(t, wf.Amount)
	assert.Equal(t, "150000.00", *wf.Amount)
	require.Len(t, wf.Steps, 2)
	require.NotNil(t, wf.CurrentStep)
	assert.Equal(t, "back_office", wf.CurrentStep.ApproverRole)

	// The maker cannot check their own action.
	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/approve", "maker-1", map[string]any{"workflow_id": wf.ID})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED_APPROVAL", decodeBody[ErrorResponse](t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/approve", "bo-1", map[string]any{"workflow_id": wf.ID, "comments": "kyc ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ApprovalResponse](t, rec)
	assert.False(t, res.Completed)
	require.NotNil(t, res.NextStep)
	assert.Equal(t, "branch_manager", res.NextStep.ApproverRole)
	assert.Equal(t, "in_progress", res.Workflow.Status)

	rec = do(t, srv, http.MethodGet, "/api/v1/queues/user?user_id=bm-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decodeBody[struct {
		Workflows []WorkflowResponse `json:"workflows"`
		Total     int                `json:"total"`
	}](t, rec)
	require.Equal(t, 1, queue.Total)
	assert.Equal(t, wf.ID, queue.Workflows[0].ID)

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/approve", "", map[string]any{"workflow_id": wf.ID, "checker_id": "bm-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decodeBody[ApprovalResponse](t, rec)
	assert.True(t, res.Completed)
	assert.Equal(t, "approved", res.Workflow.Status)
	assert.NotNil(t, res.Workflow.CompletedAt)

	// A second sign-off finds nothing to approve, even when pinned to the
	// step that was shown.
	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/approve", "bo-1", map[string]any{"workflow_id": wf.ID, "step_order": 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_PENDING_STEP", decodeBody[ErrorResponse](t, rec).Code)

	// A second sign-off finds nothing to approve.
	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/approve", "bm-1", map[string]any{"workflow_id": wf.ID})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_PENDING_STEP", decodeBody[ErrorResponse](t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/complete", "aud-1", map[string]any{"workflow_id": wf.ID})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/complete", "bo-1", map[string]any{"workflow_id": wf.ID})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/complete", "maker-1", map[string]any{"workflow_id": wf.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["completed"])

	rec = do(t, srv, http.MethodGet, "/api/v1/workflows/history?id="+wf.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[struct {
		Entries []AuditResponse `json:"entries"`
	}](t, rec)
	actions := make([]string, 0, len(history.Entries))
	for _, e := range history.Entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"initiated", "approved", "approved", "completed"}, actions)
}

func TestHTTPHandler_RejectAndCancel(t *testing.T) {
	srv := newTestServer(t)

	create := func() string {
		rec := do(t, srv, http.MethodPost, "/api/v1/workflows", "maker-1", map[string]any{
			"action_type":            "limit_change",
			"resource_type":          "account",
			"resource_id":            "acc-2",
			"business_justification": "seasonal limit",
			"amount":                 5000,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decodeBody[WorkflowResponse](t, rec).ID
	}

	id := create()
	rec := do(t, srv, http.MethodPost, "/api/v1/workflows/reject", "bo-1", map[string]any{"workflow_id": id})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "VALIDATION_FAILED", errResp.Code)
	assert.Contains(t, errResp.Details, "reason")

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/reject", "bo-1", map[string]any{"workflow_id": id, "reason": "missing documents"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ApprovalResponse](t, rec)
	assert.Equal(t, "rejected", res.Workflow.Status)
	require.NotNil(t, res.Workflow.RejectionReason)
	assert.Equal(t, "missing documents", *res.Workflow.RejectionReason)

	// Cancelling a decided workflow is a no-op.
	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/cancel", "maker-1", map[string]any{"workflow_id": id, "reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["cancelled"])

	id = create()
	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/cancel", "aud-1", map[string]any{"workflow_id": id, "reason": "duplicate"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/cancel", "maker-1", map[string]any{"workflow_id": id, "reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["cancelled"])

	rec = do(t, srv, http.MethodGet, "/api/v1/workflows/get?id="+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody[WorkflowResponse](t, rec).Status)
}

func TestHTTPHandler_Escalate(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/workflows", "maker-1", map[string]any{
		"action_type":            "account_closure",
		"resource_type":          "account",
		"resource_id":            "acc-3",
		"business_justification": "customer left",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[WorkflowResponse](t, rec).ID

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/escalate", "", map[string]any{"workflow_id": id, "reason": "back office unavailable"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// A clerk who neither raised the action nor manages it may not escalate.
	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/escalate", "bo-1", map[string]any{"workflow_id": id, "reason": "back office unavailable"})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, "UNAUTHORIZED_APPROVAL", decodeBody[ErrorResponse](t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/workflows/escalate", "maker-1", map[string]any{"workflow_id": id, "reason": "back office unavailable"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[EscalationResponse](t, rec)
	assert.True(t, res.Escalated)
	assert.Equal(t, "back_office", res.FromRole)
	assert.Equal(t, "branch_manager", res.TargetRole)
	require.NotNil(t, res.NewStep)
	assert.True(t, res.NewStep.IsEscalated)
	assert.Equal(t, 1, res.Workflow.EscalationCount)

	rec = do(t, srv, http.MethodGet, "/api/v1/queues/role?role=branch_manager", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody[map[string]any](t, rec)["total"])
}

func TestHTTPHandler_Errors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"wrong method", http.MethodGet, "/api/v1/workflows", nil, http.StatusMethodNotAllowed, ""},
		{"missing fields", http.MethodPost, "/api/v1/workflows", map[string]any{"action_type": "fund_transfer"}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"bad amount", http.MethodPost, "/api/v1/workflows", map[string]any{"amount": "lots"}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"unknown workflow", http.MethodGet, "/api/v1/workflows/get?id=nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"missing history id", http.MethodGet, "/api/v1/workflows/history", nil, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"invalid role", http.MethodGet, "/api/v1/queues/role?role=janitor", nil, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"metrics without range", http.MethodGet, "/api/v1/metrics", nil, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"metrics reversed range", http.MethodGet, "/api/v1/metrics?from=2026-03-10&to=2026-03-01", nil, http.StatusBadRequest, "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.method, tt.path, "maker-1", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
			}
		})
	}
}

func TestHTTPHandler_Metrics(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/workflows", "maker-1", map[string]any{
		"action_type":            "fund_transfer",
		"resource_type":          "transfer",
		"resource_id":            "tr-1",
		"business_justification": "supplier payment",
		"amount":                 2500000,
		"priority":               "critical",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decodeBody[WorkflowResponse](t, rec)
	require.Len(t, wf.Steps, 3)

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = do(t, srv, http.MethodGet, "/api/v1/metrics?from="+from+"&to="+to, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decodeBody[MetricsResponse](t, rec)
	assert.Equal(t, 1, m.Total)
	assert.Equal(t, 1, m.ByActionType["fund_transfer"])
	assert.Equal(t, 1, m.ByPriority["critical"])
}

func TestRecovery(t *testing.T) {
	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), logger.Nop(), 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-7")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-7", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "INTERNAL", decodeBody[ErrorResponse](t, rec).Code)
}
