// Package commbus middleware.
//
// Available Middleware:
//   - LoggingMiddleware: structured logging of all messages
//   - CircuitBreakerMiddleware: stops delivering a message type after
//     repeated failures, for example an alert sink that is down
package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and failures
// at warn level.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message_received",
		"type", GetMessageType(message),
		"category", message.Category(),
	)
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", msgType, "error", err.Error())
	} else {
		m.logger.Debug("commbus_message_completed", "type", msgType)
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// CircuitBreakerState represents the state for circuit breaker.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerMiddleware opens a per-type circuit after failureThreshold
// consecutive failures, drops messages while open, and lets one message
// through after resetTimeout to test recovery. Only the guarded types are
// tracked; an empty guard list tracks every type. A threshold of zero
// never opens.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	guarded          map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           logging.Logger
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a breaker over guardedTypes.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, guardedTypes []string, logger logging.Logger) *CircuitBreakerMiddleware {
	guarded := make(map[string]struct{}, len(guardedTypes))
	for _, t := range guardedTypes {
		guarded[t] = struct{}{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		guarded:          guarded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           logger,
		now:              time.Now,
	}
}

func (m *CircuitBreakerMiddleware) guards(msgType string) bool {
	if len(m.guarded) == 0 {
		return true
	}
	_, ok := m.guarded[msgType]
	return ok
}

// getState gets or creates state for a message type.
func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &CircuitBreakerState{State: CircuitClosed}
	}
	return m.states[msgType]
}

// Before checks circuit breaker state.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)

	if !m.guards(msgType) {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	now := m.now()

	if state.State == CircuitOpen {
		if now.Sub(state.LastFailure) < m.resetTimeout {
			m.logger.Warn("circuit_open_dropping", "type", msgType)
			return nil, nil
		}
		state.State = CircuitHalfOpen
		m.logger.Info("circuit_half_open", "type", msgType)
	}

	return message, nil
}

// After updates circuit breaker state based on result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)

	if !m.guards(msgType) {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	now := m.now()

	switch {
	case err != nil:
		state.Failures++
		state.LastFailure = now
		if state.State == CircuitHalfOpen {
			state.State = CircuitOpen
			m.logger.Warn("circuit_reopened", "type", msgType)
		} else if m.failureThreshold > 0 && state.Failures >= m.failureThreshold {
			state.State = CircuitOpen
			m.logger.Warn("circuit_opened", "type", msgType, "failures", state.Failures)
		}
	case state.State == CircuitHalfOpen:
		state.State = CircuitClosed
		state.Failures = 0
		m.logger.Info("circuit_closed", "type", msgType)
	default:
		state.Failures = 0
	}

	return result, nil
}

// GetStates returns current circuit states.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string)
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset clears the state of the given message types, or of every type
// when none are given.
func (m *CircuitBreakerMiddleware) Reset(msgTypes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(msgTypes) == 0 {
		m.states = make(map[string]*CircuitBreakerState)
		return
	}
	for _, t := range msgTypes {
		delete(m.states, t)
	}
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
