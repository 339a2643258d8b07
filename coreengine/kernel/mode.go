package kernel

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/observability"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// Activation outcomes.
const (
	ActivationActivated = "activated"
	ActivationConflict  = "conflict"
	ActivationRejected  = "rejected"

	DeactivationDeactivated   = "deactivated"
	DeactivationAlreadyNormal = "already_normal"
)

// ErrActivationRejected is returned when the requested mode is not an
// emergency mode.
var ErrActivationRejected = errors.New("emergency activation rejected")

// DefaultEmergencyDuration is used when an activation gives no duration.
const DefaultEmergencyDuration = 24 * time.Hour

// ActivateRequest describes an emergency activation.
type ActivateRequest struct {
	Reason   string
	Severity policy.Severity
	// Duration is the expected length of the emergency. Zero uses the
	// controller default.
	Duration time.Duration
	// Mode forces the target mode when set.
	Mode Mode
	// Connectivity is the measured network connectivity in [0, 1], if known.
	Connectivity *float64
}

// ActivationResult reports the outcome of Activate. On conflict the fields
// describe the emergency already in effect.
type ActivationResult struct {
	Status       string        `json:"status"`
	EmergencyID  string        `json:"emergency_id,omitempty"`
	Mode         Mode          `json:"mode"`
	ActivatedAt  time.Time     `json:"activated_at"`
	Reason       string        `json:"reason"`
	Policy       policy.Policy `json:"policy"`
	EstimatedEnd time.Time     `json:"estimated_end"`
}

// DeactivationResult reports the outcome of Deactivate.
type DeactivationResult struct {
	Status          string  `json:"status"`
	EmergencyID     string  `json:"emergency_id,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	PreviousMode    Mode    `json:"previous_mode"`
	Notes           string  `json:"notes,omitempty"`
}

// ModeController owns the emergency mode. Writers are serialized by a
// mutex; readers load an immutable ModeState through an atomic pointer.
//
// Listeners run synchronously while the writer lock is held, in transition
// order. They may call Snapshot but must not call Activate or Deactivate.
type ModeController struct {
	mu    sync.Mutex
	state atomic.Pointer[ModeState]

	normal          policy.Policy
	defaultDuration time.Duration
	listeners       []TransitionListener
	logger          logging.Logger
	now             func() time.Time
}

// ModeOption configures a ModeController.
type ModeOption func(*ModeController)

// WithModeLogger sets the controller logger.
func WithModeLogger(logger logging.Logger) ModeOption {
	return func(c *ModeController) { c.logger = logger }
}

// WithModeClock replaces the wall clock.
func WithModeClock(now func() time.Time) ModeOption {
	return func(c *ModeController) { c.now = now }
}

// WithDefaultDuration sets the duration used when a request carries none.
func WithDefaultDuration(d time.Duration) ModeOption {
	return func(c *ModeController) {
		if d > 0 {
			c.defaultDuration = d
		}
	}
}

// NewModeController creates a controller in NORMAL mode running the given
// normal policy.
func NewModeController(normal policy.Policy, opts ...ModeOption) *ModeController {
	c := &ModeController{
		normal:          normal,
		defaultDuration: DefaultEmergencyDuration,
		logger:          logging.NewNop(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(c.normalState())
	return c
}

func (c *ModeController) normalState() *ModeState {
	return &ModeState{Mode: ModeNormal, Policy: c.normal}
}

// Snapshot returns the current mode state. It never blocks on writers.
func (c *ModeController) Snapshot() *ModeState {
	return c.state.Load()
}

// Policy returns the policy new sessions should capture.
func (c *ModeController) Policy() policy.Policy {
	return c.state.Load().Policy
}

// OnTransition registers a listener for mode transitions.
func (c *ModeController) OnTransition(fn TransitionListener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Activate enters an emergency mode. A controller that is not NORMAL
// returns a conflict result and is left untouched.
func (c *ModeController) Activate(req ActivateRequest) (ActivationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.state.Load()
	if current.Mode != ModeNormal {
		c.logger.Warn("emergency_activation_conflict",
			"active_mode", current.Mode,
			"active_reason", current.Reason,
			"requested_reason", req.Reason,
		)
		return ActivationResult{
			Status:       ActivationConflict,
			EmergencyID:  current.EmergencyID,
			Mode:         current.Mode,
			ActivatedAt:  current.ActivatedAt,
			Reason:       current.Reason,
			Policy:       current.Policy,
			EstimatedEnd: current.EstimatedEnd,
		}, nil
	}

	severity := req.Severity
	if severity == "" {
		severity = policy.SeverityHigh
	}
	target := resolveMode(req, severity)
	if !IsValidModeTransition(ModeNormal, target) {
		c.logger.Warn("emergency_activation_rejected", "requested_mode", target, "reason", req.Reason)
		return ActivationResult{
			Status: ActivationRejected,
			Mode:   ModeNormal,
			Reason: req.Reason,
			Policy: current.Policy,
		}, fmt.Errorf("%w: %q is not an emergency mode", ErrActivationRejected, target)
	}

	duration := req.Duration
	if duration <= 0 {
		duration = c.defaultDuration
	}
	at := c.now()
	next := &ModeState{
		Mode:         target,
		EmergencyID:  "emg_" + uuid.NewString()[:8],
		Reason:       req.Reason,
		Severity:     severity,
		ActivatedAt:  at,
		EstimatedEnd: at.Add(duration),
		Policy:       policy.ForSeverity(c.normal, severity),
	}
	c.state.Store(next)
	c.emit(Transition{From: ModeNormal, To: target, At: at, Reason: req.Reason})

	c.logger.Warn("emergency_mode_activated",
		"emergency_id", next.EmergencyID,
		"mode", target,
		"severity", severity,
		"reason", req.Reason,
		"estimated_end", next.EstimatedEnd,
	)
	return ActivationResult{
		Status:       ActivationActivated,
		EmergencyID:  next.EmergencyID,
		Mode:         target,
		ActivatedAt:  at,
		Reason:       req.Reason,
		Policy:       next.Policy,
		EstimatedEnd: next.EstimatedEnd,
	}, nil
}

// resolveMode picks the target mode: explicit mode first, then measured
// connectivity, then severity.
func resolveMode(req ActivateRequest, severity policy.Severity) Mode {
	if req.Mode != "" {
		return req.Mode
	}
	if req.Connectivity != nil {
		switch conn := *req.Connectivity; {
		case conn <= 0:
			return ModeIsolation
		case conn < 0.3:
			return ModeDisaster
		case conn < 0.7:
			return ModeDegraded
		}
	}
	if severity == policy.SeverityCritical || severity == policy.SeverityHigh {
		return ModeDisaster
	}
	return ModeDegraded
}

// Deactivate returns to NORMAL through RECOVERY. RECOVERY is only a
// transition label: readers go straight from the emergency state to NORMAL,
// and both transitions are delivered to listeners in order under one lock.
func (c *ModeController) Deactivate(notes string) DeactivationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.state.Load()
	if current.Mode == ModeNormal {
		return DeactivationResult{Status: DeactivationAlreadyNormal, PreviousMode: ModeNormal, Notes: notes}
	}

	at := c.now()
	c.state.Store(c.normalState())
	c.emit(Transition{From: current.Mode, To: ModeRecovery, At: at, Reason: notes})
	c.emit(Transition{From: ModeRecovery, To: ModeNormal, At: at, Reason: notes})

	duration := at.Sub(current.ActivatedAt).Seconds()
	c.logger.Info("emergency_mode_deactivated",
		"emergency_id", current.EmergencyID,
		"previous_mode", current.Mode,
		"duration_seconds", duration,
	)
	return DeactivationResult{
		Status:          DeactivationDeactivated,
		EmergencyID:     current.EmergencyID,
		DurationSeconds: duration,
		PreviousMode:    current.Mode,
		Notes:           notes,
	}
}

// Shutdown drops listeners and returns to NORMAL without notifying anyone.
func (c *ModeController) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = nil
	c.state.Store(c.normalState())
}

// emit must be called with c.mu held.
func (c *ModeController) emit(t Transition) {
	observability.RecordModeTransition(string(t.From), string(t.To))
	for _, fn := range c.listeners {
		c.safeNotify(fn, t)
	}
}

func (c *ModeController) safeNotify(fn TransitionListener, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mode_listener_panic_recovered", "from", t.From, "to", t.To, "panic", r)
		}
	}()
	fn(t)
}

var durationPattern = regexp.MustCompile(`^\s*(\d+)\s*([hmd])\s*$`)

// ParseDuration reads durations such as "72h", "30m" or "3d". Anything
// else yields DefaultEmergencyDuration.
func ParseDuration(s string) time.Duration {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return DefaultEmergencyDuration
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return DefaultEmergencyDuration
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute
	case "d":
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Duration(n) * time.Hour
	}
}
