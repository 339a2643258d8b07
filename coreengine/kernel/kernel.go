// Package kernel composes the emergency-mode controller and the session
// registry behind one coordinator.
//
// The Kernel composes:
//   - ModeController (system-wide emergency mode and policy)
//   - SessionRegistry (case session bookkeeping)
//   - event handlers (mode and session changes)
//
// It does not run workflows; the system facade does that and reports
// session outcomes back here.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// =============================================================================
// Kernel Configuration
// =============================================================================

// KernelConfig configures the kernel.
type KernelConfig struct {
	// NormalPolicy is the policy in effect outside an emergency.
	NormalPolicy policy.Policy `json:"normal_policy"`
	// DefaultEmergencyDuration applies when an activation has no duration.
	DefaultEmergencyDuration time.Duration `json:"default_emergency_duration"`
}

// DefaultKernelConfig returns default kernel configuration.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		NormalPolicy:             policy.Default(),
		DefaultEmergencyDuration: DefaultEmergencyDuration,
	}
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel is the central coordinator for emergency mode and case sessions.
//
// Usage:
//
//	k := NewKernel(logger, nil)
//	p := k.Mode().Policy()
//	k.StartSession(id, "resource_optimization", "high", p)
//	// run the workflow
//	k.FinishSession(id, SessionCompleted)
type Kernel struct {
	config *KernelConfig
	logger logging.Logger

	mode     *ModeController
	sessions *SessionRegistry

	eventHandlers []KernelEventHandler
	eventMu       sync.RWMutex

	startedAt time.Time
}

// KernelEventHandler handles kernel events.
type KernelEventHandler func(*KernelEvent)

// NewKernel creates a new kernel with the given configuration.
func NewKernel(logger logging.Logger, config *KernelConfig) *Kernel {
	if config == nil {
		config = DefaultKernelConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Bind("component", "kernel")

	k := &Kernel{
		config: config,
		logger: logger,
		mode: NewModeController(config.NormalPolicy,
			WithModeLogger(logger),
			WithDefaultDuration(config.DefaultEmergencyDuration),
		),
		sessions:  NewSessionRegistry(),
		startedAt: time.Now().UTC(),
	}
	k.mode.OnTransition(func(t Transition) {
		k.emitEvent(&KernelEvent{
			EventType: EventModeChanged,
			Timestamp: t.At,
			Data: map[string]any{
				"from":   string(t.From),
				"to":     string(t.To),
				"reason": t.Reason,
			},
		})
	})
	return k
}

// Mode returns the emergency-mode controller.
func (k *Kernel) Mode() *ModeController {
	return k.mode
}

// Sessions returns the session registry.
func (k *Kernel) Sessions() *SessionRegistry {
	return k.sessions
}

// =============================================================================
// Emergency Mode
// =============================================================================

// Activate enters an emergency mode.
func (k *Kernel) Activate(req ActivateRequest) (ActivationResult, error) {
	return k.mode.Activate(req)
}

// Deactivate returns to normal operation.
func (k *Kernel) Deactivate(notes string) DeactivationResult {
	return k.mode.Deactivate(notes)
}

// =============================================================================
// Sessions
// =============================================================================

// StartSession registers and activates a case session running under p.
func (k *Kernel) StartSession(id, workflow, priority string, p policy.Policy) (Session, error) {
	s, err := k.sessions.Register(id, workflow, priority, p)
	if err != nil {
		return Session{}, err
	}
	if err := k.sessions.Activate(id); err != nil {
		return Session{}, err
	}
	s.State = SessionActive

	k.logger.Debug("session_started", "session_id", id, "workflow", workflow, "priority", s.Priority)
	k.emitEvent(&KernelEvent{
		EventType: EventSessionRegistered,
		Timestamp: time.Now().UTC(),
		SessionID: id,
		Data: map[string]any{
			"workflow": workflow,
			"priority": s.Priority,
		},
	})
	return s, nil
}

// FinishSession records the outcome of a session.
func (k *Kernel) FinishSession(id string, state SessionState) error {
	if err := k.sessions.Finish(id, state); err != nil {
		return err
	}
	k.emitEvent(&KernelEvent{
		EventType: EventSessionFinished,
		Timestamp: time.Now().UTC(),
		SessionID: id,
		Data:      map[string]any{"state": string(state)},
	})
	return nil
}

// =============================================================================
// Events
// =============================================================================

// OnEvent registers a kernel event handler.
func (k *Kernel) OnEvent(handler KernelEventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

func (k *Kernel) emitEvent(event *KernelEvent) {
	k.eventMu.RLock()
	handlers := make([]KernelEventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		_ = SafeExecute(k.logger, "kernel_event_handler", func() error {
			handler(event)
			return nil
		})
	}
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time view of the kernel.
type Status struct {
	Mode           *ModeState           `json:"mode"`
	ActiveSessions int                  `json:"active_sessions"`
	Sessions       map[SessionState]int `json:"sessions"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
}

// Status returns the current kernel status.
func (k *Kernel) Status() Status {
	counts := k.sessions.CountByState()
	return Status{
		Mode:           k.mode.Snapshot(),
		ActiveSessions: counts[SessionPending] + counts[SessionActive],
		Sessions:       counts,
		UptimeSeconds:  time.Since(k.startedAt).Seconds(),
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for compatibility with errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown fails every unfinished session and resets the mode controller.
// Returns a ShutdownError if any session could not be finished.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.logger.Info("kernel_shutdown_initiated")

	var errs []error
	for _, s := range k.sessions.Active() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown cancelled: %w", err))
			k.logger.Warn("shutdown_cancelled", "error", err.Error())
			break
		}
		if err := k.FinishSession(s.ID, SessionError); err != nil {
			errs = append(errs, fmt.Errorf("failed to finish %s: %w", s.ID, err))
			k.logger.Warn("shutdown_finish_failed", "session_id", s.ID, "error", err.Error())
		}
	}

	k.mode.Shutdown()
	k.eventMu.Lock()
	k.eventHandlers = nil
	k.eventMu.Unlock()

	k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
