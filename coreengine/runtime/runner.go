package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/observability"
)

// CompiledGraph is a validated, immutable workflow ready to run sessions.
// It is safe for concurrent use; each Invoke owns its CaseState.
type CompiledGraph struct {
	name     string
	entry    string
	order    []string
	nodes    map[string]Handler
	edges    map[string]*edge
	maxSteps int

	checkpointer checkpoint.Checkpointer
	logger       logging.Logger
	tracer       trace.Tracer
}

func newCompiledGraph(name, entry string, order []string, nodes map[string]Handler, edges map[string]*edge, maxSteps int) *CompiledGraph {
	cg := &CompiledGraph{
		name:     name,
		entry:    entry,
		order:    append([]string(nil), order...),
		nodes:    make(map[string]Handler, len(nodes)),
		edges:    make(map[string]*edge, len(edges)),
		maxSteps: maxSteps,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer("eraif/runtime"),
	}
	for k, v := range nodes {
		cg.nodes[k] = v
	}
	for k, v := range edges {
		cg.edges[k] = v
	}
	return cg
}

// WithCheckpointer persists a checkpoint after every successful node.
func WithCheckpointer(cp checkpoint.Checkpointer) CompileOption {
	return func(g *CompiledGraph) { g.checkpointer = cp }
}

// WithLogger sets the runner logger.
func WithLogger(logger logging.Logger) CompileOption {
	return func(g *CompiledGraph) {
		if logger != nil {
			g.logger = logger.Bind("workflow", g.name)
		}
	}
}

// Name returns the workflow name.
func (g *CompiledGraph) Name() string { return g.name }

// Entry returns the entry node.
func (g *CompiledGraph) Entry() string { return g.entry }

// MaxSteps returns the traversal bound.
func (g *CompiledGraph) MaxSteps() int { return g.maxSteps }

// Nodes returns node names in declaration order.
func (g *CompiledGraph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Successors returns the sorted targets reachable in one step from node.
// Terminal is included when the node can end the workflow.
func (g *CompiledGraph) Successors(node string) []string {
	e, ok := g.edges[node]
	if !ok {
		if _, known := g.nodes[node]; known {
			return []string{Terminal}
		}
		return nil
	}
	targets := e.targets()
	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// EXECUTION
// =============================================================================

// Invoke runs a session from the entry node to Terminal. It returns the
// final state, which is ERROR when err is non-nil.
func (g *CompiledGraph) Invoke(ctx context.Context, st *casestate.CaseState, sessionID string) (*casestate.CaseState, error) {
	if st.SessionID == "" {
		st.SessionID = sessionID
	}
	if st.Workflow == "" {
		st.Workflow = g.name
	}
	if err := st.Transition(casestate.StatusActive); err != nil {
		return st, err
	}

	start := time.Now()
	g.logger.Info("workflow_started",
		"session_id", st.SessionID,
		"entry", g.entry,
	)

	final, err := g.run(ctx, st, g.entry, 0, runOptions{persist: true})

	durationMS := int(time.Since(start).Milliseconds())
	status := statusLabel(final.Status)
	observability.RecordCaseExecution(g.name, status, durationMS)

	g.logger.Info("workflow_completed",
		"session_id", final.SessionID,
		"status", string(final.Status),
		"final_step", final.CurrentStep,
		"duration_ms", durationMS,
	)
	return final, err
}

// Replay runs the first steps nodes from the entry without persisting. With
// the same initial state and clock it reproduces the checkpoint Invoke
// recorded after node steps.
func (g *CompiledGraph) Replay(ctx context.Context, st *casestate.CaseState, steps int) (*casestate.CaseState, error) {
	if steps <= 0 {
		return st, fmt.Errorf("replay of workflow '%s' needs a positive step count", g.name)
	}
	if st.Workflow == "" {
		st.Workflow = g.name
	}
	if err := st.Transition(casestate.StatusActive); err != nil {
		return st, err
	}
	return g.run(ctx, st, g.entry, 0, runOptions{limit: steps})
}

// Resume loads the latest checkpoint for a session and continues from the
// node after its CurrentStep. Terminal sessions are returned unchanged.
func (g *CompiledGraph) Resume(ctx context.Context, sessionID string) (*casestate.CaseState, error) {
	if g.checkpointer == nil {
		return nil, fmt.Errorf("workflow '%s' has no checkpointer", g.name)
	}
	rec, err := g.checkpointer.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	st, err := checkpoint.Decode(rec)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	if st.IsTerminal() {
		return st, nil
	}
	if st.Status == casestate.StatusPending {
		if err := st.Transition(casestate.StatusActive); err != nil {
			return st, err
		}
	}

	next := g.entry
	if _, ok := g.nodes[st.CurrentStep]; ok {
		next, err = g.next(st, st.CurrentStep)
		if err != nil {
			_ = st.Fail(st.CurrentStep, err)
			return st, err
		}
	}

	g.logger.Info("workflow_resumed",
		"session_id", sessionID,
		"from_step", st.CurrentStep,
		"next", next,
		"sequence", rec.Sequence,
	)
	return g.run(ctx, st, next, rec.Sequence, runOptions{persist: true})
}

type runOptions struct {
	persist bool
	limit   int
}

func (g *CompiledGraph) run(ctx context.Context, st *casestate.CaseState, node string, seq int, opts runOptions) (*casestate.CaseState, error) {
	steps := 0
	for node != Terminal {
		select {
		case <-ctx.Done():
			err := fmt.Errorf("cancelled before %s: %w", node, ctx.Err())
			g.logger.Info("workflow_cancelled",
				"session_id", st.SessionID,
				"stage", node,
				"reason", ctx.Err().Error(),
			)
			_ = st.Fail(node, err)
			return st, err
		default:
		}

		if steps >= g.maxSteps {
			err := &RoutingError{
				Workflow: g.name,
				Node:     node,
				Reason:   fmt.Sprintf("exceeded max steps (%d)", g.maxSteps),
			}
			g.logger.Warn("workflow_max_steps_exceeded",
				"session_id", st.SessionID,
				"stage", node,
				"max_steps", g.maxSteps,
			)
			_ = st.Fail(node, err)
			return st, err
		}
		steps++

		if err := g.runNode(ctx, st, node); err != nil {
			return st, err
		}

		seq++
		if opts.persist {
			g.persist(ctx, st, seq)
		}
		if opts.limit > 0 && steps == opts.limit {
			return st, nil
		}
		if st.IsTerminal() {
			return st, nil
		}

		next, err := g.next(st, node)
		if err != nil {
			g.logger.Error("workflow_routing_error",
				"session_id", st.SessionID,
				"stage", node,
				"error", err.Error(),
			)
			_ = st.Fail(node, err)
			return st, err
		}
		node = next
	}

	if st.Status == casestate.StatusActive {
		if err := st.Transition(casestate.StatusCompleted); err != nil {
			return st, err
		}
		if opts.persist {
			g.persist(ctx, st, seq+1)
		}
	}
	return st, nil
}

// runNode executes one handler under the session policy timeout. The
// handler context is detached from caller cancellation so a started stage
// runs to completion or failure.
func (g *CompiledGraph) runNode(ctx context.Context, st *casestate.CaseState, name string) error {
	handler := g.nodes[name]
	if err := st.MarkStep(name); err != nil {
		return NewStageExecutionError(name, st.SessionID, err)
	}

	timeout := st.Policy.Timeout
	nodeCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(nodeCtx, timeout)
	}
	defer cancel()

	nodeCtx, span := g.tracer.Start(nodeCtx, "stage."+name, trace.WithAttributes(
		attribute.String("eraif.workflow", g.name),
		attribute.String("eraif.stage", name),
		attribute.String("eraif.session_id", st.SessionID),
	))
	defer span.End()

	start := time.Now()
	herr := callHandler(nodeCtx, handler, st, name)
	durationMS := int(time.Since(start).Milliseconds())

	timedOut := errors.Is(nodeCtx.Err(), context.DeadlineExceeded)
	if herr == nil && timedOut {
		herr = context.DeadlineExceeded
	}
	if herr == nil && st.Status == casestate.StatusError {
		// The handler recorded the failure on the state itself.
		herr = errors.New(st.ErrorMessage)
	}

	if herr == nil {
		span.SetStatus(codes.Ok, "")
		observability.RecordStageExecution(name, "success", durationMS)
		g.logger.Debug("stage_completed",
			"session_id", st.SessionID,
			"stage", name,
			"duration_ms", durationMS,
		)
		return nil
	}

	var stageErr error
	status := "error"
	if timedOut {
		status = "timeout"
		stageErr = NewProviderTimeout(name, st.SessionID, timeout, herr)
	} else {
		stageErr = NewStageExecutionError(name, st.SessionID, herr)
	}

	span.RecordError(stageErr)
	span.SetStatus(codes.Error, stageErr.Error())
	observability.RecordStageExecution(name, status, durationMS)
	g.logger.Error("stage_failed",
		"session_id", st.SessionID,
		"stage", name,
		"error", herr.Error(),
		"duration_ms", durationMS,
	)

	if !st.IsTerminal() {
		_ = st.Fail(name, stageErr)
	}
	return stageErr
}

func callHandler(ctx context.Context, h Handler, st *casestate.CaseState, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stage %s: %v", name, r)
		}
	}()
	return h(ctx, st)
}

func (g *CompiledGraph) next(st *casestate.CaseState, node string) (string, error) {
	e, ok := g.edges[node]
	if !ok {
		return Terminal, nil
	}
	if e.router == nil {
		return e.to, nil
	}
	label := e.router.Route(st)
	target, ok := e.routes[label]
	if !ok {
		return "", NewRoutingError(g.name, node, label)
	}
	return target, nil
}

// persist saves a checkpoint. Failures are logged and counted; the last
// successful checkpoint stays authoritative.
func (g *CompiledGraph) persist(ctx context.Context, st *casestate.CaseState, seq int) {
	if g.checkpointer == nil {
		return
	}
	rec, err := checkpoint.Encode(st, seq, st.Policy.CompressionEnabled)
	if err == nil {
		err = g.checkpointer.Save(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		observability.RecordCheckpointWrite("error")
		g.logger.Warn("checkpoint_save_failed",
			"session_id", st.SessionID,
			"stage", st.CurrentStep,
			"sequence", seq,
			"error", err.Error(),
		)
		return
	}
	observability.RecordCheckpointWrite("success")
}

func statusLabel(s casestate.WorkflowStatus) string {
	switch s {
	case casestate.StatusCompleted:
		return "completed"
	case casestate.StatusMonitoring:
		return "monitoring"
	case casestate.StatusError:
		return "error"
	default:
		return "incomplete"
	}
}
