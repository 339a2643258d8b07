package grpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/observability"
	"github.com/jeeves-cluster-organization/eraif/coreengine/system"
)

// =============================================================================
// ERROR MAPPING
// =============================================================================

// errorCode maps system errors to status codes. Unknown means the error is
// not one the service reports to callers as-is.
func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, system.ErrCaseNotFound):
		return codes.NotFound
	case errors.Is(err, kernel.ErrSessionExists):
		return codes.AlreadyExists
	case errors.Is(err, kernel.ErrActivationRejected):
		return codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}

// ErrorInterceptor converts handler errors into gRPC statuses. Errors that
// already carry a status pass through; unmapped errors become Internal.
func ErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return resp, err
		}
		code := errorCode(err)
		if code == codes.Unknown {
			code = codes.Internal
		}
		return nil, status.Error(code, err.Error())
	}
}

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// callFields pulls case and emergency identifiers out of a request and
// its response.
func callFields(req, resp any) []any {
	var kv []any
	switch r := req.(type) {
	case *ProcessCaseRequest:
		if r.SessionID != "" {
			kv = append(kv, "session_id", r.SessionID)
		}
		if r.Priority != "" {
			kv = append(kv, "requested_priority", r.Priority)
		}
	case *GetCaseRequest:
		kv = append(kv, "session_id", r.SessionID)
	case *ProcessBatchRequest:
		kv = append(kv, "cases", len(r.Cases))
	case *ActivateEmergencyRequest:
		kv = append(kv, "reason", r.Reason)
		if r.Mode != "" {
			kv = append(kv, "requested_mode", r.Mode)
		}
	}

	// Failed calls may carry a typed nil response.
	switch r := resp.(type) {
	case *system.CaseSummary:
		if r == nil {
			break
		}
		if len(kv) == 0 || kv[0] != "session_id" {
			kv = append(kv, "session_id", r.SessionID)
		}
		kv = append(kv, "workflow", r.Workflow, "case_status", r.Status)
	case *kernel.ActivationResult:
		if r != nil {
			kv = append(kv, "emergency_id", r.EmergencyID, "activation", r.Status, "mode", string(r.Mode))
		}
	case *system.DeactivationSummary:
		if r != nil {
			kv = append(kv, "emergency_id", r.EmergencyID)
		}
	}
	return kv
}

// clientFault reports codes caused by the request rather than the server.
func clientFault(c codes.Code) bool {
	switch c {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.FailedPrecondition, codes.Canceled, codes.DeadlineExceeded:
		return true
	}
	return false
}

// LoggingInterceptor logs each call with the session or emergency it
// concerns. Request faults log at warn, server faults at error.
func LoggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		kv := append([]any{
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
		}, callFields(req, resp)...)

		if err == nil {
			logger.Debug("rpc_completed", kv...)
			return resp, nil
		}
		code := status.Code(err)
		kv = append(kv, "code", code.String(), "error", err.Error())
		if clientFault(code) {
			logger.Warn("rpc_rejected", kv...)
		} else {
			logger.Error("rpc_failed", kv...)
		}
		return resp, err
	}
}

// =============================================================================
// RECOVERY AND METRICS
// =============================================================================

// RecoveryInterceptor turns a handler panic into an Internal status and
// logs the stack.
func RecoveryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("rpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				resp, err = nil, status.Errorf(codes.Internal, "panic recovered: %v", p)
			}
		}()
		return handler(ctx, req)
	}
}

// MetricsInterceptor counts calls by method and status code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// ServerOptions returns the interceptor chain every server runs with, plus
// OpenTelemetry stats. Recovery is outermost; error mapping is innermost so
// metrics and logs see the final code.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			MetricsInterceptor(),
			LoggingInterceptor(logger),
			ErrorInterceptor(),
		),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	}
}
