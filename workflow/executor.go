package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInternal is the error a node failure is wrapped in when its NodeFunc
// panics. It is never returned by a NodeFunc directly.
var ErrInternal = fmt.Errorf("workflow: internal error")

// NodeFunc is a node's executable behavior: a pure-ish function over
// GraphState.
type NodeFunc func(ctx context.Context, state *GraphState) error

// Registry maps node IDs to their executable behavior, built by
// builder.go from the concrete node constructors in nodes.go.
type Registry map[string]NodeFunc

// Result is one node's final outcome, recorded for observability.
type Result struct {
	NodeID   string
	Status   Status
	Err      error
	Duration time.Duration
}

// RunReport is the full-graph execution outcome.
type RunReport struct {
	GraphName string
	Results   map[string]Result
	Cancelled bool
}

// Executor runs a compiled Graph's nodes on a bounded worker pool,
// following Kahn's-algorithm-style coordination: a single coordinator owns
// in-degree bookkeeping and dispatches each node to a worker once its
// dependencies (and its own Condition) clear it. Sibling nodes with no
// mutual dependency (e.g. parallel Retrieve fan-out) run concurrently,
// bounded by maxWorkers.
//
// The Emit node, if present, always runs last regardless of whether the
// rest of the graph succeeded, failed, or was skipped down the cache-hit
// short-circuit path — it is the graph's single response-finalization
// point and must produce an answer (possibly a degraded one) in every case.
type Executor struct {
	maxWorkers int
	logger     zerolog.Logger
}

// NewExecutor builds an Executor with the given worker pool size.
func NewExecutor(maxWorkers int, logger zerolog.Logger) *Executor {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Executor{maxWorkers: maxWorkers, logger: logger.With().Str("component", "workflow-executor").Logger()}
}

type dispatch struct {
	node *Node
}

type workResult struct {
	node     *Node
	status   Status
	err      error
	duration time.Duration
}

// Run executes graph to completion (or until ctx is cancelled).
func (e *Executor) Run(ctx context.Context, graph *Graph, state *GraphState, funcs Registry) (*RunReport, error) {
	if !graph.compiled {
		if err := graph.Compile(); err != nil {
			return nil, err
		}
	}

	var emit *Node
	inDegree := make(map[string]int, len(graph.nodes))
	for id, n := range graph.nodes {
		inDegree[id] = n.inDegree
		if n.Kind == KindEmit {
			emit = n
		}
	}

	ready := make(chan dispatch, len(graph.nodes))
	results := make(chan workResult, len(graph.nodes))
	report := &RunReport{GraphName: graph.Name, Results: make(map[string]Result, len(graph.nodes))}

	var wg sync.WaitGroup
	for i := 0; i < e.maxWorkers; i++ {
		wg.Add(1)
		go e.worker(ctx, ready, results, state, funcs, &wg)
	}

	var mu sync.Mutex
	remaining := 0
	for id := range graph.nodes {
		if graph.nodes[id].Kind != KindEmit {
			remaining++
		}
	}

	enqueueLocked := func(n *Node) {
		if n.Kind == KindEmit {
			return // run once, at the very end
		}
		if n.Condition != nil && !n.Condition(state) {
			report.Results[n.ID] = Result{NodeID: n.ID, Status: StatusSkipped}
			remaining--
			e.cascadeLocked(n, StatusSkipped, inDegree, report, &remaining, ready, state)
			return
		}
		ready <- dispatch{node: n}
	}

	mu.Lock()
	for _, root := range graph.roots {
		if root.Kind != KindEmit {
			enqueueLocked(root)
		}
	}
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			mu.Lock()
			exhausted := remaining <= 0
			mu.Unlock()
			if exhausted {
				return
			}

			select {
			case <-ctx.Done():
				return
			case res := <-results:
				mu.Lock()
				report.Results[res.node.ID] = Result{NodeID: res.node.ID, Status: res.status, Err: res.err, Duration: res.duration}
				remaining--
				e.cascadeLocked(res.node, res.status, inDegree, report, &remaining, ready, state)
				mu.Unlock()
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		report.Cancelled = true
	}

	close(ready)
	wg.Wait()

	if emit != nil {
		report.Results[emit.ID] = e.runNodeResult(ctx, emit, state, funcs)
	}

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// cascadeLocked decrements each child's in-degree and, once satisfied,
// either enqueues it (parent succeeded and child's own Condition passes)
// or marks it skipped and keeps cascading (parent failed, timed out,
// was cancelled, or was itself skipped). Caller must hold mu.
func (e *Executor) cascadeLocked(n *Node, parentStatus Status, inDegree map[string]int, report *RunReport, remaining *int, ready chan dispatch, state *GraphState) {
	parentOK := parentStatus == StatusDone
	for _, child := range n.children {
		inDegree[child.ID]--
		if inDegree[child.ID] > 0 {
			continue
		}
		if child.Kind == KindEmit {
			continue // reserved for the final always-run pass
		}
		if !parentOK || (child.Condition != nil && !child.Condition(state)) {
			report.Results[child.ID] = Result{NodeID: child.ID, Status: StatusSkipped}
			*remaining--
			e.cascadeLocked(child, StatusSkipped, inDegree, report, remaining, ready, state)
			continue
		}
		ready <- dispatch{node: child}
	}
}

func (e *Executor) worker(ctx context.Context, ready <-chan dispatch, results chan<- workResult, state *GraphState, funcs Registry, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ready:
			if !ok {
				return
			}
			results <- e.runNode(ctx, d.node, state, funcs)
		}
	}
}

func (e *Executor) runNodeResult(ctx context.Context, n *Node, state *GraphState, funcs Registry) Result {
	r := e.runNode(ctx, n, state, funcs)
	return Result{NodeID: n.ID, Status: r.status, Err: r.err, Duration: r.duration}
}

// runFuncSafely calls fn, recovering a panic into an ErrInternal rather than
// letting it cross the goroutine boundary and crash the process — a node
// runs on its own worker goroutine, so an unrecovered panic here is invisible
// to chi's Recoverer middleware on the request goroutine.
func (e *Executor) runFuncSafely(n *Node, fn NodeFunc, ctx context.Context, state *GraphState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("node", n.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("node panicked")
			err = fmt.Errorf("%w: node %s panicked: %v", ErrInternal, n.ID, r)
		}
	}()
	return fn(ctx, state)
}

func (e *Executor) runNode(ctx context.Context, n *Node, state *GraphState, funcs Registry) workResult {
	fn, ok := funcs[n.ID]
	if !ok {
		return workResult{node: n, status: StatusFailed, err: fmt.Errorf("workflow: no handler registered for node %s", n.ID)}
	}

	nodeCtx := ctx
	var cancel context.CancelFunc
	if n.Timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(n.Timeout)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	err := e.runFuncSafely(n, fn, nodeCtx, state)
	dur := time.Since(start)

	switch {
	case ctx.Err() != nil && n.Kind != KindEmit:
		return workResult{node: n, status: StatusCancelled, err: ctx.Err(), duration: dur}
	case err == context.DeadlineExceeded:
		e.logger.Warn().Str("node", n.ID).Dur("timeout", time.Duration(n.Timeout)*time.Millisecond).Msg("node timed out")
		return workResult{node: n, status: StatusTimedOut, err: err, duration: dur}
	case err != nil:
		return workResult{node: n, status: StatusFailed, err: err, duration: dur}
	default:
		return workResult{node: n, status: StatusDone, duration: dur}
	}
}
