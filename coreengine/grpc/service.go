package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/eraif/commbus"
	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
	"github.com/jeeves-cluster-organization/eraif/coreengine/system"
)

// ServiceName is the fully qualified EmergencySystem service name. The
// health mirror reports under the same name.
const ServiceName = "eraif.v1.EmergencySystem"

// =============================================================================
// Messages
// =============================================================================

// ProcessCaseRequest runs one case.
type ProcessCaseRequest = system.CaseRequest

// ProcessBatchRequest runs several cases under the current batch policy.
type ProcessBatchRequest struct {
	Cases []system.CaseRequest `json:"cases"`
}

// ProcessBatchResponse holds one summary per request, in request order.
type ProcessBatchResponse struct {
	Summaries []*system.CaseSummary `json:"summaries"`
}

// GetCaseRequest looks up a case by session id.
type GetCaseRequest struct {
	SessionID string `json:"session_id"`
}

// ActivateEmergencyRequest enters an emergency mode. Mode is optional and
// Severity defaults to high.
type ActivateEmergencyRequest struct {
	Reason          string   `json:"reason"`
	Severity        string   `json:"severity,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	Connectivity    *float64 `json:"connectivity,omitempty"`
}

// DeactivateEmergencyRequest returns the system to NORMAL.
type DeactivateEmergencyRequest struct {
	Notes string `json:"notes,omitempty"`
}

// StatusRequest asks for the system status.
type StatusRequest struct{}

// ListWorkflowsRequest asks for the workflow catalog.
type ListWorkflowsRequest struct{}

// ListWorkflowsResponse is the workflow catalog.
type ListWorkflowsResponse struct {
	Workflows []system.WorkflowInfo `json:"workflows"`
}

// =============================================================================
// Server
// =============================================================================

// EmergencyService is the server API of the EmergencySystem service.
type EmergencyService interface {
	ProcessCase(ctx context.Context, req *ProcessCaseRequest) (*system.CaseSummary, error)
	ProcessBatch(ctx context.Context, req *ProcessBatchRequest) (*ProcessBatchResponse, error)
	GetCase(ctx context.Context, req *GetCaseRequest) (*system.CaseSummary, error)
	ActivateEmergency(ctx context.Context, req *ActivateEmergencyRequest) (*kernel.ActivationResult, error)
	DeactivateEmergency(ctx context.Context, req *DeactivateEmergencyRequest) (*system.DeactivationSummary, error)
	Status(ctx context.Context, req *StatusRequest) (*system.SystemStatus, error)
	ListWorkflows(ctx context.Context, req *ListWorkflowsRequest) (*ListWorkflowsResponse, error)
}

// EmergencyServer implements EmergencyService on a System.
type EmergencyServer struct {
	sys *system.System
}

// NewEmergencyServer creates an EmergencyServer. Call logging and error
// mapping are left to the ServerOptions interceptors.
func NewEmergencyServer(sys *system.System) *EmergencyServer {
	return &EmergencyServer{sys: sys}
}

// ProcessCase runs a case. A workflow failure is reported in the summary,
// not as an RPC error; only rejected or cancelled cases fail the call.
func (s *EmergencyServer) ProcessCase(ctx context.Context, req *ProcessCaseRequest) (*system.CaseSummary, error) {
	if req.CaseData == nil {
		return nil, status.Error(codes.InvalidArgument, "case_data is required")
	}
	var opts []system.CaseOption
	if req.Priority != "" {
		opts = append(opts, system.WithPriority(req.Priority))
	}
	if req.SessionID != "" {
		opts = append(opts, system.WithSessionID(req.SessionID))
	}

	summary, err := s.sys.ProcessCase(ctx, req.CaseData, opts...)
	if err != nil && errorCode(err) != codes.Unknown {
		return nil, err
	}
	return summary, nil
}

// ProcessBatch runs every case and returns their summaries.
func (s *EmergencyServer) ProcessBatch(ctx context.Context, req *ProcessBatchRequest) (*ProcessBatchResponse, error) {
	for i, c := range req.Cases {
		if c.CaseData == nil {
			return nil, status.Errorf(codes.InvalidArgument, "cases[%d]: case_data is required", i)
		}
	}
	results := s.sys.ProcessBatch(ctx, req.Cases)
	out := &ProcessBatchResponse{Summaries: make([]*system.CaseSummary, len(results))}
	for i, r := range results {
		out.Summaries[i] = r.Summary
	}
	return out, nil
}

// GetCase returns a finished or in-flight case, answered by the system's
// case status query on the bus.
func (s *EmergencyServer) GetCase(ctx context.Context, req *GetCaseRequest) (*system.CaseSummary, error) {
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	res, err := s.sys.Bus().QuerySync(ctx, &commbus.GetCaseStatus{SessionID: req.SessionID})
	if err != nil {
		return nil, err
	}
	summary, ok := res.(*system.CaseSummary)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected case status %T", res)
	}
	return summary, nil
}

// ActivateEmergency enters an emergency mode. A conflict is returned in the
// result with status "conflict".
func (s *EmergencyServer) ActivateEmergency(ctx context.Context, req *ActivateEmergencyRequest) (*kernel.ActivationResult, error) {
	if req.Reason == "" {
		return nil, status.Error(codes.InvalidArgument, "reason is required")
	}
	activate := kernel.ActivateRequest{
		Reason:       req.Reason,
		Duration:     time.Duration(req.DurationSeconds * float64(time.Second)),
		Connectivity: req.Connectivity,
	}
	if req.Severity != "" {
		activate.Severity = policy.ParseSeverity(req.Severity)
	}
	if req.Mode != "" {
		mode, ok := kernel.ParseMode(req.Mode)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown mode %q", req.Mode)
		}
		activate.Mode = mode
	}

	res, err := s.sys.ActivateEmergency(ctx, activate)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeactivateEmergency returns the system to NORMAL.
func (s *EmergencyServer) DeactivateEmergency(ctx context.Context, req *DeactivateEmergencyRequest) (*system.DeactivationSummary, error) {
	res := s.sys.DeactivateEmergency(ctx, req.Notes)
	return &res, nil
}

// Status returns the system status.
func (s *EmergencyServer) Status(_ context.Context, _ *StatusRequest) (*system.SystemStatus, error) {
	st := s.sys.Status()
	return &st, nil
}

// ListWorkflows returns the workflow catalog.
func (s *EmergencyServer) ListWorkflows(_ context.Context, _ *ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	return &ListWorkflowsResponse{Workflows: s.sys.Workflows()}, nil
}

// =============================================================================
// Service Descriptor
// =============================================================================

// EmergencyServiceDesc describes the EmergencySystem service.
var EmergencyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EmergencyService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ProcessCase", EmergencyService.ProcessCase),
		unaryMethod("ProcessBatch", EmergencyService.ProcessBatch),
		unaryMethod("GetCase", EmergencyService.GetCase),
		unaryMethod("ActivateEmergency", EmergencyService.ActivateEmergency),
		unaryMethod("DeactivateEmergency", EmergencyService.DeactivateEmergency),
		unaryMethod("Status", EmergencyService.Status),
		unaryMethod("ListWorkflows", EmergencyService.ListWorkflows),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eraif/v1/emergency_system",
}

// RegisterEmergencyServer registers srv on s.
func RegisterEmergencyServer(s grpc.ServiceRegistrar, srv EmergencyService) {
	s.RegisterService(&EmergencyServiceDesc, srv)
}

func unaryMethod[Req, Resp any](name string, call func(EmergencyService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(EmergencyService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// =============================================================================
// Client
// =============================================================================

// EmergencyClient calls the EmergencySystem service.
type EmergencyClient struct {
	cc grpc.ClientConnInterface
}

// NewEmergencyClient creates a client on cc.
func NewEmergencyClient(cc grpc.ClientConnInterface) *EmergencyClient {
	return &EmergencyClient{cc: cc}
}

func (c *EmergencyClient) ProcessCase(ctx context.Context, in *ProcessCaseRequest, opts ...grpc.CallOption) (*system.CaseSummary, error) {
	return invoke[system.CaseSummary](ctx, c.cc, "ProcessCase", in, opts)
}

func (c *EmergencyClient) ProcessBatch(ctx context.Context, in *ProcessBatchRequest, opts ...grpc.CallOption) (*ProcessBatchResponse, error) {
	return invoke[ProcessBatchResponse](ctx, c.cc, "ProcessBatch", in, opts)
}

func (c *EmergencyClient) GetCase(ctx context.Context, in *GetCaseRequest, opts ...grpc.CallOption) (*system.CaseSummary, error) {
	return invoke[system.CaseSummary](ctx, c.cc, "GetCase", in, opts)
}

func (c *EmergencyClient) ActivateEmergency(ctx context.Context, in *ActivateEmergencyRequest, opts ...grpc.CallOption) (*kernel.ActivationResult, error) {
	return invoke[kernel.ActivationResult](ctx, c.cc, "ActivateEmergency", in, opts)
}

func (c *EmergencyClient) DeactivateEmergency(ctx context.Context, in *DeactivateEmergencyRequest, opts ...grpc.CallOption) (*system.DeactivationSummary, error) {
	return invoke[system.DeactivationSummary](ctx, c.cc, "DeactivateEmergency", in, opts)
}

func (c *EmergencyClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*system.SystemStatus, error) {
	return invoke[system.SystemStatus](ctx, c.cc, "Status", in, opts)
}

func (c *EmergencyClient) ListWorkflows(ctx context.Context, in *ListWorkflowsRequest, opts ...grpc.CallOption) (*ListWorkflowsResponse, error) {
	return invoke[ListWorkflowsResponse](ctx, c.cc, "ListWorkflows", in, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
