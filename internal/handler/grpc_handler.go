package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// WorkflowServiceName is the fully qualified gRPC service name. Requests and
// replies are google.protobuf.Struct documents carrying the JSON bodies of
// the HTTP API.
const WorkflowServiceName = "approvals.v1.WorkflowService"

const (
	userIDMetadata    = "x-user-id"
	requestIDMetadata = "x-request-id"
)

// WorkflowServiceServer is the server API for approvals.v1.WorkflowService.
type WorkflowServiceServer interface {
	InitiateAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EscalateApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetQueueForRole(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetQueueForUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// WorkflowServiceDesc describes approvals.v1.WorkflowService for grpc.Server.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*WorkflowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("InitiateAction", WorkflowServiceServer.InitiateAction),
		unaryMethod("GetWorkflow", WorkflowServiceServer.GetWorkflow),
		unaryMethod("GetHistory", WorkflowServiceServer.GetHistory),
		unaryMethod("SubmitApproval", WorkflowServiceServer.SubmitApproval),
		unaryMethod("RejectWorkflow", WorkflowServiceServer.RejectWorkflow),
		unaryMethod("CancelWorkflow", WorkflowServiceServer.CancelWorkflow),
		unaryMethod("CompleteWorkflow", WorkflowServiceServer.CompleteWorkflow),
		unaryMethod("EscalateApproval", WorkflowServiceServer.EscalateApproval),
		unaryMethod("GetQueueForRole", WorkflowServiceServer.GetQueueForRole),
		unaryMethod("GetQueueForUser", WorkflowServiceServer.GetQueueForUser),
		unaryMethod("GetMetrics", WorkflowServiceServer.GetMetrics),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/workflow.proto",
}

type unaryCall func(WorkflowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorkflowServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + WorkflowServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(WorkflowServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegisterWorkflowServiceServer registers srv on s.
func RegisterWorkflowServiceServer(s grpc.ServiceRegistrar, srv WorkflowServiceServer) {
	s.RegisterService(&WorkflowServiceDesc, srv)
}

// GRPCHandler implements the WorkflowService gRPC interface
type GRPCHandler struct {
	engine *service.WorkflowEngine
	logger zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.WorkflowEngine, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
}

// userID extracts the calling user from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(userIDMetadata); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// RequestIDInterceptor copies x-request-id from incoming metadata so that
// outgoing calls and notifications carry it.
func RequestIDInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(requestIDMetadata); len(v) > 0 && v[0] != "" {
			ctx = client.WithRequestID(ctx, v[0])
		}
	}
	return handler(ctx, req)
}

// InitiateAction opens a workflow for a maker action
func (h *GRPCHandler) InitiateAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req InitiateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.MakerID == "" {
		req.MakerID = userID(ctx)
	}
	h.logger.Info().
		Str("action_type", req.ActionType).
		Str("resource_id", req.ResourceID).
		Str("maker_id", req.MakerID).
		Msg("gRPC InitiateAction called")

	action, err := req.toAction()
	if err != nil {
		return nil, toStatus(err)
	}
	wf, err := h.engine.InitiateAction(ctx, action)
	if err != nil {
		return nil, toStatus(err)
	}
	view, err := h.engine.GetWorkflowInstance(ctx, wf.ID)
	if err != nil {
		return toStruct(toWorkflowResponse(wf))
	}
	return toStruct(toViewResponse(view))
}

// GetWorkflow returns a workflow with its steps
func (h *GRPCHandler) GetWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	h.logger.Debug().Str("workflow_id", id).Msg("gRPC GetWorkflow called")

	view, err := h.engine.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toViewResponse(view))
}

// GetHistory returns the audit trail of a workflow
func (h *GRPCHandler) GetHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	if id == "" {
		return nil, toStatus(errors.InvalidInput("id", "workflow id is required"))
	}
	h.logger.Debug().Str("workflow_id", id).Msg("gRPC GetHistory called")

	trail, err := h.engine.GetWorkflowHistory(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"workflow_id": id, "entries": toAuditResponses(trail)})
}

// SubmitApproval records a checker sign-off
func (h *GRPCHandler) SubmitApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DecisionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.CheckerID == "" {
		req.CheckerID = userID(ctx)
	}
	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("checker_id", req.CheckerID).
		Msg("gRPC SubmitApproval called")

	res, err := h.engine.SubmitApproval(ctx, req.WorkflowID, req.CheckerID, req.Comments, service.ForStep(req.StepOrder))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toApprovalResponse(res))
}

// RejectWorkflow records a checker rejection
func (h *GRPCHandler) RejectWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DecisionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.CheckerID == "" {
		req.CheckerID = userID(ctx)
	}
	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("checker_id", req.CheckerID).
		Msg("gRPC RejectWorkflow called")

	res, err := h.engine.RejectWorkflow(ctx, req.WorkflowID, req.CheckerID, req.Reason, service.ForStep(req.StepOrder))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toApprovalResponse(res))
}

// CancelWorkflow withdraws a workflow
func (h *GRPCHandler) CancelWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CancelRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.CancelledBy == "" {
		req.CancelledBy = userID(ctx)
	}
	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("cancelled_by", req.CancelledBy).
		Msg("gRPC CancelWorkflow called")

	cancelled, err := h.engine.CancelWorkflow(ctx, req.WorkflowID, req.CancelledBy, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"workflow_id": req.WorkflowID, "cancelled": cancelled})
}

// CompleteWorkflow records execution of an approved action
func (h *GRPCHandler) CompleteWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CompleteRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.CompletedBy == "" {
		req.CompletedBy = userID(ctx)
	}
	h.logger.Info().Str("workflow_id", req.WorkflowID).Msg("gRPC CompleteWorkflow called")

	completed, err := h.engine.CompleteWorkflow(ctx, req.WorkflowID, req.CompletedBy)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"workflow_id": req.WorkflowID, "completed": completed})
}

// EscalateApproval moves the current step to the next authority
func (h *GRPCHandler) EscalateApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EscalateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.RequestedBy == "" {
		req.RequestedBy = userID(ctx)
	}
	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("requested_by", req.RequestedBy).
		Msg("gRPC EscalateApproval called")

	res, err := h.engine.RequestEscalation(ctx, req.WorkflowID, req.RequestedBy, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toEscalationResponse(res))
}

// GetQueueForRole lists workflows awaiting a role
func (h *GRPCHandler) GetQueueForRole(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	items, err := h.engine.GetApprovalQueueForRole(ctx, stringField(in, "role"))
	if err != nil {
		return nil, toStatus(err)
	}
	out := toQueueResponse(items)
	return toStruct(map[string]any{"workflows": out, "total": len(out)})
}

// GetQueueForUser lists workflows the caller may act on
func (h *GRPCHandler) GetQueueForUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user := stringField(in, "user_id")
	if user == "" {
		user = userID(ctx)
	}
	items, err := h.engine.GetApprovalQueueForUser(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	out := toQueueResponse(items)
	return toStruct(map[string]any{"workflows": out, "total": len(out)})
}

// GetMetrics aggregates workflows over a date range
func (h *GRPCHandler) GetMetrics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	from, err := parseTime("from", stringField(in, "from"))
	if err != nil {
		return nil, toStatus(err)
	}
	to, err := parseTime("to", stringField(in, "to"))
	if err != nil {
		return nil, toStatus(err)
	}

	m, err := h.engine.GetWorkflowMetrics(ctx, from, to)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toMetricsResponse(m))
}

// ── helpers ──────────────────────────────────────────────────────────────────

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// fromStruct decodes a Struct into a request DTO through its JSON form.
func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

// toStruct encodes a response DTO as a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// toStatus maps an error to a gRPC status error.
func toStatus(err error) error {
	var code codes.Code
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		code = codes.InvalidArgument
	case errors.ErrCodeNotFound:
		code = codes.NotFound
	case errors.ErrCodeUnauthorized:
		code = codes.PermissionDenied
	case errors.ErrCodeNoPending:
		code = codes.FailedPrecondition
	case errors.ErrCodeConflict:
		code = codes.Aborted
	case errors.ErrCodeDependency:
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	resp := toErrorResponse(err)
	return status.Error(code, string(resp.Code)+": "+resp.Message)
}

// LoggingInterceptor logs each unary call with its outcome and latency.
func (h *GRPCHandler) LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := h.logger.Debug()
	if code := status.Code(err); code == codes.Internal || code == codes.Unknown {
		ev = h.logger.Error().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC request")
	return resp, err
}
