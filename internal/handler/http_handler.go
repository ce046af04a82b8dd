package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine *service.WorkflowEngine
	log    *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.WorkflowEngine, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine: engine,
		log:    log,
	}
}

// Routes registers every endpoint on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.InitiateAction)
	mux.HandleFunc("/api/v1/workflows/get", h.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/history", h.GetHistory)
	mux.HandleFunc("/api/v1/workflows/approve", h.SubmitApproval)
	mux.HandleFunc("/api/v1/workflows/reject", h.RejectWorkflow)
	mux.HandleFunc("/api/v1/workflows/cancel", h.CancelWorkflow)
	mux.HandleFunc("/api/v1/workflows/complete", h.CompleteWorkflow)
	mux.HandleFunc("/api/v1/workflows/escalate", h.EscalateApproval)
	mux.HandleFunc("/api/v1/workflows/overdue", h.GetOverdue)
	mux.HandleFunc("/api/v1/queues/role", h.GetQueueForRole)
	mux.HandleFunc("/api/v1/queues/user", h.GetQueueForUser)
	mux.HandleFunc("/api/v1/metrics", h.GetMetrics)
}

// InitiateAction handles maker submissions
func (h *HTTPHandler) InitiateAction(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req InitiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.MakerID == "" {
		req.MakerID = r.Header.Get(userIDHeader)
	}
	action, err := req.toAction()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	wf, err := h.engine.InitiateAction(r.Context(), action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.engine.GetWorkflowInstance(r.Context(), wf.ID)
	if err != nil {
		h.writeJSON(w, http.StatusCreated, toWorkflowResponse(wf))
		return
	}
	h.writeJSON(w, http.StatusCreated, toViewResponse(view))
}

// GetWorkflow returns a workflow with its steps
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	view, err := h.engine.GetWorkflowInstance(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toViewResponse(view))
}

// GetHistory returns the audit trail of a workflow
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "workflow id is required"))
		return
	}
	trail, err := h.engine.GetWorkflowHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "entries": toAuditResponses(trail)})
}

// SubmitApproval handles checker sign-off
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CheckerID == "" {
		req.CheckerID = r.Header.Get(userIDHeader)
	}

	res, err := h.engine.SubmitApproval(r.Context(), req.WorkflowID, req.CheckerID, req.Comments, service.ForStep(req.StepOrder))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toApprovalResponse(res))
}

// RejectWorkflow handles checker rejection
func (h *HTTPHandler) RejectWorkflow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CheckerID == "" {
		req.CheckerID = r.Header.Get(userIDHeader)
	}

	res, err := h.engine.RejectWorkflow(r.Context(), req.WorkflowID, req.CheckerID, req.Reason, service.ForStep(req.StepOrder))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toApprovalResponse(res))
}

// CancelWorkflow handles cancellation
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CancelledBy == "" {
		req.CancelledBy = r.Header.Get(userIDHeader)
	}

	cancelled, err := h.engine.CancelWorkflow(r.Context(), req.WorkflowID, req.CancelledBy, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflow_id": req.WorkflowID, "cancelled": cancelled})
}

// CompleteWorkflow records execution of an approved action
func (h *HTTPHandler) CompleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req CompleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CompletedBy == "" {
		req.CompletedBy = r.Header.Get(userIDHeader)
	}

	completed, err := h.engine.CompleteWorkflow(r.Context(), req.WorkflowID, req.CompletedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflow_id": req.WorkflowID, "completed": completed})
}

// EscalateApproval handles manual escalation
func (h *HTTPHandler) EscalateApproval(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req EscalateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = r.Header.Get(userIDHeader)
	}

	res, err := h.engine.RequestEscalation(r.Context(), req.WorkflowID, req.RequestedBy, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEscalationResponse(res))
}

// GetOverdue lists workflows past their approval deadline
func (h *HTTPHandler) GetOverdue(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	wfs, err := h.engine.GetOverdueWorkflows(r.Context(), time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*WorkflowResponse, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, toWorkflowResponse(wf))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": out, "total": len(out)})
}

// GetQueueForRole lists workflows awaiting a role
func (h *HTTPHandler) GetQueueForRole(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	items, err := h.engine.GetApprovalQueueForRole(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := toQueueResponse(items)
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": out, "total": len(out)})
}

// GetQueueForUser lists workflows a user may act on
func (h *HTTPHandler) GetQueueForUser(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(userIDHeader)
	}
	items, err := h.engine.GetApprovalQueueForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := toQueueResponse(items)
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": out, "total": len(out)})
}

// GetMetrics aggregates workflows over a date range
func (h *HTTPHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	from, err := parseTime("from", r.URL.Query().Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseTime("to", r.URL.Query().Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.engine.GetWorkflowMetrics(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMetricsResponse(m))
}

// ── helpers ──────────────────────────────────────────────────────────────────

const userIDHeader = "X-User-Id"

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.InvalidInput(field, field+" is required")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, errors.InvalidInput(field, field+" must be an RFC 3339 timestamp or a date")
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
	}
	h.writeJSON(w, status, toErrorResponse(err))
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeNoPending, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeDependency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
