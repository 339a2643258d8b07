package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/eraif/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(time.Second)
}

// countingHandler returns handler that counts calls
func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

// failingHandler returns handler that always fails
func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

type recordingMiddleware struct {
	name  string
	order *[]string
	mu    *sync.Mutex
	abort bool
}

func (m *recordingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+":before")
	m.mu.Unlock()
	if m.abort {
		return nil, nil
	}
	return message, nil
}

func (m *recordingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+":after")
	m.mu.Unlock()
	return result, nil
}

// =============================================================================
// PUBLISH
// =============================================================================

func TestPublishEventWithSubscriber(t *testing.T) {
	bus := newTestBus()
	var received *CriticalFindingAlert
	bus.Subscribe("CriticalFindingAlert", func(ctx context.Context, msg Message) (any, error) {
		received = msg.(*CriticalFindingAlert)
		return nil, nil
	})

	err := bus.Publish(context.Background(), &CriticalFindingAlert{SessionID: "case-1", Type: "pneumothorax", Confidence: 0.95})
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, "pneumothorax", received.Type)
}

func TestPublishEventMultipleSubscribers(t *testing.T) {
	bus := newTestBus()
	var count int32
	for i := 0; i < 3; i++ {
		bus.Subscribe("CaseStarted", countingHandler(&count))
	}

	require.NoError(t, bus.Publish(context.Background(), &CaseStarted{SessionID: "case-1"}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestPublishEventNoSubscribers(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), &CaseCompleted{SessionID: "case-1"}))
}

func TestPublishSubscriberErrorsAndPanicsAreIsolated(t *testing.T) {
	logger := testutil.NewMockLogger()
	bus := NewInMemoryCommBus(time.Second, WithBusLogger(logger))
	var count int32
	bus.Subscribe("EmergencyModeChanged", failingHandler("sink down"))
	bus.Subscribe("EmergencyModeChanged", func(ctx context.Context, msg Message) (any, error) {
		panic("subscriber bug")
	})
	bus.Subscribe("EmergencyModeChanged", countingHandler(&count))

	err := bus.Publish(context.Background(), &EmergencyModeChanged{From: "NORMAL", To: "DISASTER"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.True(t, logger.HasMessage("subscriber_failed"))
	assert.True(t, logger.HasMessage("handler_panic_recovered"))
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	var first, second int32
	unsubscribe := bus.Subscribe("StageCompleted", countingHandler(&first))
	bus.Subscribe("StageCompleted", countingHandler(&second))

	require.NoError(t, bus.Publish(context.Background(), &StageCompleted{Stage: "intake"}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), &StageCompleted{Stage: "triage"}))

	assert.Equal(t, int32(1), atomic.LoadInt32(&first))
	assert.Equal(t, int32(2), atomic.LoadInt32(&second))
	assert.Len(t, bus.GetSubscribers("StageCompleted"), 1)
}

// =============================================================================
// QUERY
// =============================================================================

func TestQueryWithHandler(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		return &HealthCheckResponse{Status: HealthStatusHealthy, Mode: "NORMAL"}, nil
	}))

	res, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, HealthStatusHealthy, res.(*HealthCheckResponse).Status)
}

func TestQueryWithoutHandler(t *testing.T) {
	_, err := newTestBus().QuerySync(context.Background(), &GetCaseStatus{SessionID: "x"})
	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "GetCaseStatus", noHandler.MessageType)
}

func TestQueryTimeout(t *testing.T) {
	bus := NewInMemoryCommBus(20 * time.Millisecond)
	require.NoError(t, bus.RegisterHandler("GetCaseStatus", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &GetCaseStatus{SessionID: "x"})
	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "GetCaseStatus", timeout.MessageType)
}

func TestQueryHandlerPanic(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("GetCaseStatus", func(ctx context.Context, msg Message) (any, error) {
		panic("lookup failed")
	}))

	_, err := bus.QuerySync(context.Background(), &GetCaseStatus{SessionID: "x"})
	var perr *HandlerPanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "lookup failed", perr.Value)
}

func TestRegisterDuplicateHandler(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("GetCaseStatus", failingHandler("x")))
	err := bus.RegisterHandler("GetCaseStatus", failingHandler("y"))

	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.True(t, bus.HasHandler("GetCaseStatus"))
	assert.False(t, bus.HasHandler("HealthCheckRequest"))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestMiddlewareChainOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&recordingMiddleware{name: "first", order: &order, mu: &mu})
	bus.AddMiddleware(&recordingMiddleware{name: "second", order: &order, mu: &mu})
	bus.Subscribe("CaseStarted", func(ctx context.Context, msg Message) (any, error) {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), &CaseStarted{}))
	assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, order)
}

func TestMiddlewareAbort(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	var count int32
	bus.AddMiddleware(&recordingMiddleware{name: "gate", order: &order, mu: &mu, abort: true})
	bus.Subscribe("CaseStarted", countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), &CaseStarted{}))
	assert.Zero(t, atomic.LoadInt32(&count))

	_, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})
	var noHandler *NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestLoggingMiddleware(t *testing.T) {
	logger := testutil.NewMockLogger()
	bus := newTestBus()
	bus.AddMiddleware(NewLoggingMiddleware(logger))
	bus.Subscribe("CriticalFindingAlert", failingHandler("pager offline"))

	require.NoError(t, bus.Publish(context.Background(), &CriticalFindingAlert{SessionID: "s-1"}))

	entry, ok := logger.Find("commbus_message_received")
	require.True(t, ok)
	assert.Equal(t, "event", entry.Fields["category"])
	assert.True(t, logger.HasMessage("commbus_message_failed"))
}

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

func newBreaker(threshold int, reset time.Duration, guarded ...string) (*CircuitBreakerMiddleware, *time.Time) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cb := NewCircuitBreakerMiddleware(threshold, reset, guarded, nil)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb, now := newBreaker(2, time.Minute, "CriticalFindingAlert")
	bus := newTestBus()
	bus.AddMiddleware(cb)
	var calls int32
	bus.Subscribe("CriticalFindingAlert", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("down")
	})
	ctx := context.Background()
	alert := &CriticalFindingAlert{SessionID: "s-1", Type: "pneumothorax"}

	require.NoError(t, bus.Publish(ctx, alert))
	assert.Equal(t, CircuitClosed, cb.GetStates()["CriticalFindingAlert"])
	require.NoError(t, bus.Publish(ctx, alert))
	assert.Equal(t, CircuitOpen, cb.GetStates()["CriticalFindingAlert"])

	require.NoError(t, bus.Publish(ctx, alert))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open circuit drops the alert")

	*now = now.Add(time.Minute)
	require.NoError(t, bus.Publish(ctx, alert))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, CircuitOpen, cb.GetStates()["CriticalFindingAlert"], "failed retry reopens")
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb, now := newBreaker(1, time.Second)
	ctx := context.Background()
	msg := &CaseStarted{}

	_, _ = cb.After(ctx, msg, nil, errors.New("x"))
	assert.Equal(t, CircuitOpen, cb.GetStates()["CaseStarted"])

	*now = now.Add(time.Second)
	out, err := cb.Before(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, CircuitHalfOpen, cb.GetStates()["CaseStarted"])

	_, _ = cb.After(ctx, msg, nil, nil)
	assert.Equal(t, CircuitClosed, cb.GetStates()["CaseStarted"])
}

func TestCircuitBreakerUnguardedAndZeroThreshold(t *testing.T) {
	cb, _ := newBreaker(1, time.Minute, "CriticalFindingAlert")
	ctx := context.Background()
	_, _ = cb.After(ctx, &CaseCompleted{}, nil, errors.New("x"))
	out, _ := cb.Before(ctx, &CaseCompleted{})
	assert.NotNil(t, out)
	assert.NotContains(t, cb.GetStates(), "CaseCompleted")

	never, _ := newBreaker(0, time.Minute)
	for i := 0; i < 5; i++ {
		_, _ = never.After(ctx, &CaseStarted{}, nil, errors.New("x"))
	}
	assert.Equal(t, CircuitClosed, never.GetStates()["CaseStarted"])
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newBreaker(1, time.Minute)
	ctx := context.Background()
	_, _ = cb.After(ctx, &CaseStarted{}, nil, errors.New("x"))
	_, _ = cb.After(ctx, &CaseCompleted{}, nil, errors.New("x"))

	cb.Reset("CaseStarted")
	assert.Len(t, cb.GetStates(), 1)
	cb.Reset()
	assert.Empty(t, cb.GetStates())
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := newTestBus()
	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe("StageCompleted", countingHandler(&count))
			defer unsub()
		}()
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), &StageCompleted{})
		}()
	}
	wg.Wait()
	assert.Empty(t, bus.GetSubscribers("StageCompleted"))
}

func TestClear(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("CaseStarted", failingHandler("x"))
	require.NoError(t, bus.RegisterHandler("GetCaseStatus", failingHandler("x")))
	assert.ElementsMatch(t, []string{"CaseStarted", "GetCaseStatus"}, bus.GetRegisteredTypes())

	bus.Clear()
	assert.Empty(t, bus.GetRegisteredTypes())
}
