// Package system provides the EmergencySystem facade: it compiles the named
// workflows, owns the kernel and the event bus, and runs cases end to end.
//
// Case flow:
//   - capture the current mode policy for the session
//   - select the named workflow for the case
//   - register the session and invoke the compiled graph
//   - extract critical findings and raise alerts asynchronously
//   - record the session outcome
package system

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/eraif/commbus"
	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/eraif/coreengine/config"
	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/providers"
	"github.com/jeeves-cluster-organization/eraif/coreengine/runtime"
	"github.com/jeeves-cluster-organization/eraif/coreengine/stages"
)

// ErrCaseNotFound is returned for session ids the system does not know.
var ErrCaseNotFound = errors.New("case not found")

// ErrHistoryUnavailable is returned by SessionHistory when no checkpointer
// is configured.
var ErrHistoryUnavailable = errors.New("session history unavailable without a checkpointer")

// Deps are the collaborators the system runs against.
type Deps struct {
	// Providers are the analysis capabilities. All four are required.
	Providers providers.Set
	// Checkpointer persists per-stage checkpoints. Optional.
	Checkpointer checkpoint.Checkpointer
	// Bus carries alerts and mode changes. Defaults to an in-memory bus.
	Bus commbus.CommBus
	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// Option configures a System.
type Option func(*System)

// WithClock sets the clock case timelines are stamped with.
func WithClock(c casestate.Clock) Option {
	return func(s *System) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *System) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// System is the EmergencySystem facade. It is safe for concurrent use.
type System struct {
	cfg          *config.SystemConfig
	logger       logging.Logger
	kernel       *kernel.Kernel
	bus          commbus.CommBus
	checkpointer checkpoint.Checkpointer
	triage       providers.TriageAnalyzer
	workflows    map[string]*runtime.CompiledGraph

	clock casestate.Clock
	newID func() string

	cases   map[string]*CaseSummary
	casesMu sync.RWMutex

	alertsGenerated atomic.Int64
	alertsInFlight  sync.WaitGroup
}

// Alert subscribers that keep failing are skipped until the breaker resets.
const (
	alertFailureThreshold = 5
	alertResetTimeout     = 30 * time.Second
)

// newBus builds the default in-memory bus with message logging and a
// circuit breaker over critical finding alerts.
func newBus(logger logging.Logger) *commbus.InMemoryCommBus {
	bus := commbus.NewInMemoryCommBus(5*time.Second, commbus.WithBusLogger(logger))
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger.Bind("component", "commbus")))
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(alertFailureThreshold, alertResetTimeout,
		[]string{"CriticalFindingAlert"}, logger.Bind("component", "alert_breaker")))
	return bus
}

// New validates cfg, compiles every named workflow and registers the bus
// handlers. A nil cfg uses the defaults. A workflow that fails to compile
// is returned as a *runtime.GraphValidationError.
func New(cfg *config.SystemConfig, deps Deps, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.DefaultSystemConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	handlers, err := stages.New(deps.Providers, logger)
	if err != nil {
		return nil, fmt.Errorf("stage handlers: %w", err)
	}

	bus := deps.Bus
	if bus == nil {
		bus = newBus(logger)
	}

	s := &System{
		cfg:    cfg,
		logger: logger.Bind("component", "system"),
		kernel: kernel.NewKernel(logger, &kernel.KernelConfig{
			NormalPolicy:             cfg.NormalPolicy(),
			DefaultEmergencyDuration: cfg.Execution.DefaultEmergencyDuration,
		}),
		bus:          bus,
		checkpointer: deps.Checkpointer,
		triage:       deps.Providers.Triage,
		workflows:    make(map[string]*runtime.CompiledGraph),
		clock:        casestate.SystemClock{},
		newID:        uuid.NewString,
		cases:        make(map[string]*CaseSummary),
	}
	for _, opt := range opts {
		opt(s)
	}

	compileOpts := []runtime.CompileOption{runtime.WithLogger(logger)}
	if deps.Checkpointer != nil {
		compileOpts = append(compileOpts, runtime.WithCheckpointer(deps.Checkpointer))
	}
	all, routers := handlers.All(), stages.Routers()
	for _, name := range WorkflowNames() {
		graph, err := runtime.FromSpec(WorkflowSpec(name, cfg.Execution.MaxSteps), all, routers, compileOpts...)
		if err != nil {
			return nil, err
		}
		s.workflows[name] = graph
	}

	if err := s.registerBusHandlers(); err != nil {
		return nil, err
	}

	s.logger.Info("system_initialized",
		"workflows", len(s.workflows),
		"checkpointing", deps.Checkpointer != nil,
	)
	return s, nil
}

// Kernel returns the kernel the system runs on.
func (s *System) Kernel() *kernel.Kernel {
	return s.kernel
}

// Bus returns the event bus alerts and mode changes are published on.
func (s *System) Bus() commbus.CommBus {
	return s.bus
}

// Workflow returns a compiled workflow by name.
func (s *System) Workflow(name string) (*runtime.CompiledGraph, bool) {
	g, ok := s.workflows[name]
	return g, ok
}

// WorkflowInfo describes one compiled workflow.
type WorkflowInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Entry       string   `json:"entry"`
	Nodes       []string `json:"nodes"`
	MaxSteps    int      `json:"max_steps"`
}

// Workflows describes every compiled workflow in catalog order.
func (s *System) Workflows() []WorkflowInfo {
	out := make([]WorkflowInfo, 0, len(s.workflows))
	for _, name := range WorkflowNames() {
		g := s.workflows[name]
		out = append(out, WorkflowInfo{
			Name:        name,
			Description: workflowDescriptions[name],
			Entry:       g.Entry(),
			Nodes:       g.Nodes(),
			MaxSteps:    g.MaxSteps(),
		})
	}
	return out
}

// AlertsGenerated returns the number of critical-finding alerts raised.
func (s *System) AlertsGenerated() int64 {
	return s.alertsGenerated.Load()
}

// =============================================================================
// Case Bookkeeping
// =============================================================================

// GetCase returns the summary of a finished case, or a partial summary for
// a case still in its workflow.
func (s *System) GetCase(id string) (*CaseSummary, bool) {
	s.casesMu.RLock()
	summary, ok := s.cases[id]
	s.casesMu.RUnlock()
	if ok {
		return summary, true
	}

	sess, ok := s.kernel.Sessions().Get(id)
	if !ok {
		return nil, false
	}
	return &CaseSummary{
		SessionID: sess.ID,
		Workflow:  sess.Workflow,
		Priority:  sess.Priority,
		Status:    string(sess.State),
	}, true
}

// ListActiveCases returns the sessions still in their workflow, oldest first.
func (s *System) ListActiveCases() []kernel.Session {
	return s.kernel.Sessions().Active()
}

// SessionHistory returns the checkpoints recorded for a session, oldest
// first. Backends without history return only the latest checkpoint.
func (s *System) SessionHistory(ctx context.Context, id string) ([]checkpoint.Record, error) {
	if s.checkpointer == nil {
		return nil, ErrHistoryUnavailable
	}
	if hs, ok := s.checkpointer.(checkpoint.HistoryStore); ok {
		records, err := hs.History(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("session history %s: %w", id, err)
		}
		sort.SliceStable(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
		return records, nil
	}
	rec, err := s.checkpointer.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session history %s: %w", id, err)
	}
	return []checkpoint.Record{*rec}, nil
}

// PurgeFinished drops finished sessions older than retention, together with
// their summaries. Returns the number of sessions removed.
func (s *System) PurgeFinished(retention time.Duration) int {
	removed := s.kernel.Sessions().CleanupFinished(retention)
	s.pruneCases(removed)
	return removed
}

// pruneCases drops summaries whose session the registry no longer tracks.
func (s *System) pruneCases(removed int) {
	if removed == 0 {
		return
	}
	s.casesMu.Lock()
	defer s.casesMu.Unlock()
	for id := range s.cases {
		if _, ok := s.kernel.Sessions().Get(id); !ok {
			delete(s.cases, id)
		}
	}
}

func (s *System) storeCase(summary *CaseSummary) {
	s.casesMu.Lock()
	defer s.casesMu.Unlock()
	s.cases[summary.SessionID] = summary
}

// =============================================================================
// Lifecycle
// =============================================================================

// StartCleanupLoop periodically purges finished sessions using the
// execution config. Returns a stop function.
func (s *System) StartCleanupLoop() func() {
	return s.kernel.StartCleanupLoop(kernel.CleanupConfig{
		Interval:         s.cfg.Execution.CleanupInterval,
		SessionRetention: s.cfg.Execution.SessionRetention,
		AfterCycle:       s.pruneCases,
	})
}

// Close waits for in-flight alerts, then shuts the kernel down. Sessions
// still open are failed.
func (s *System) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.alertsInFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("alert_drain_cancelled", "error", ctx.Err().Error())
	}
	return s.kernel.Shutdown(ctx)
}
