package grpc

import (
	"context"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/eraif/commbus"
	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
)

// HealthMirror reports the emergency mode through the standard gRPC health
// service. ISOLATION is NOT_SERVING; every other mode serves, since the
// degraded modes still accept cases.
type HealthMirror struct {
	server   *health.Server
	services []string
	logger   logging.Logger
}

// NewHealthMirror creates a mirror for the overall server ("") and the
// given service names.
func NewHealthMirror(logger logging.Logger, services ...string) *HealthMirror {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HealthMirror{
		server:   health.NewServer(),
		services: append([]string{""}, services...),
		logger:   logger,
	}
}

// Server returns the health server to register.
func (h *HealthMirror) Server() *health.Server {
	return h.server
}

// Apply sets every mirrored service from mode.
func (h *HealthMirror) Apply(mode kernel.Mode) {
	st := ServingStatus(mode)
	for _, svc := range h.services {
		h.server.SetServingStatus(svc, st)
	}
	h.logger.Info("health_status_updated", "mode", string(mode), "status", st.String())
}

// Attach follows mode changes published on bus. Returns the unsubscribe
// function.
func (h *HealthMirror) Attach(bus commbus.CommBus) func() {
	return bus.Subscribe("EmergencyModeChanged", func(_ context.Context, msg commbus.Message) (any, error) {
		ev, ok := msg.(*commbus.EmergencyModeChanged)
		if !ok {
			return nil, nil
		}
		mode, ok := kernel.ParseMode(ev.To)
		if !ok {
			h.logger.Warn("health_unknown_mode", "mode", ev.To)
			return nil, nil
		}
		h.Apply(mode)
		return nil, nil
	})
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *HealthMirror) Shutdown() {
	h.server.Shutdown()
}

// ServingStatus maps an emergency mode to a health status.
func ServingStatus(mode kernel.Mode) healthpb.HealthCheckResponse_ServingStatus {
	if mode == kernel.ModeIsolation {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
