// Package workflow implements the gateway's graph executor: a statically
// declared DAG of nodes run by a worker-pool coordinator, grounded on the
// corpus's DAG-engine style (ready-queue + Kahn's algorithm + condition-
// guarded skip propagation).
package workflow

import (
	"errors"
	"fmt"
	"sync"
)

// Kind identifies a built-in node behavior.
type Kind string

const (
	KindPlan       Kind = "plan"
	KindCacheLookup Kind = "cache_lookup"
	KindRoute      Kind = "route"
	KindRetrieve   Kind = "retrieve"
	KindSynthesize Kind = "synthesize"
	KindCritic     Kind = "critic"
	KindCacheStore Kind = "cache_store"
	KindEmit       Kind = "emit"
)

// Status is a node's position in the node state machine: PENDING → READY →
// RUNNING → {DONE, FAILED, TIMED_OUT, CANCELLED}.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
	StatusSkipped  Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Predicate gates a conditional edge; nil means unconditional.
type Predicate func(*GraphState) bool

// Node is one statically declared step of a graph. Nodes are pure
// functions over GraphState with declared dependencies; NodeFunc
// implementations live in nodes.go.
type Node struct {
	ID        string
	Kind      Kind
	DependsOn []string
	Condition Predicate
	Timeout   DurationMS

	children []*Node
	inDegree int
}

// DurationMS avoids importing time at the declaration site for compact
// static graph tables; executor.go converts to time.Duration.
type DurationMS int

// Graph is a compiled DAG for one task type (chat/search/research).
type Graph struct {
	Name  string
	nodes map[string]*Node
	roots []*Node

	compileOnce sync.Once
	compiled    bool
}

// NewGraph declares a graph from nodes. Call Compile before Run.
func NewGraph(name string, nodes ...*Node) *Graph {
	m := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return &Graph{Name: name, nodes: m}
}

// Compile wires DependsOn edges into parent→children links and computes
// in-degrees. It compiles at most once per process; a repeat call is a
// no-op, using a guard flag rather than recomputing on a repeat call.
func (g *Graph) Compile() error {
	var compileErr error
	g.compileOnce.Do(func() {
		for _, n := range g.nodes {
			n.inDegree = len(n.DependsOn)
			for _, dep := range n.DependsOn {
				parent, ok := g.nodes[dep]
				if !ok {
					compileErr = fmt.Errorf("workflow: node %s depends on unknown node %s", n.ID, dep)
					return
				}
				parent.children = append(parent.children, n)
			}
			if n.inDegree == 0 {
				g.roots = append(g.roots, n)
			}
		}
		if len(g.roots) == 0 {
			compileErr = errors.New("workflow: graph has no root node (cycle with no loop node)")
			return
		}
		g.compiled = true
	})
	return compileErr
}

// GraphState is the shared, mutex-protected blackboard nodes read and
// write declared fields from/to.
type GraphState struct {
	mu     sync.Mutex
	values map[string]interface{}
}

// NewGraphState creates an empty state.
func NewGraphState() *GraphState {
	return &GraphState{values: make(map[string]interface{})}
}

func (s *GraphState) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *GraphState) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *GraphState) GetString(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

func (s *GraphState) GetBool(key string) bool {
	v, _ := s.Get(key)
	b, _ := v.(bool)
	return b
}

func (s *GraphState) GetInt(key string) int {
	v, _ := s.Get(key)
	i, _ := v.(int)
	return i
}
