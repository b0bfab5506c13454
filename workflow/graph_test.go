package workflow

import "testing"

func TestCompileIsIdempotent(t *testing.T) {
	a := &Node{ID: "a"}
	b := &Node{ID: "b", DependsOn: []string{"a"}}
	g := NewGraph("g", a, b)

	if err := g.Compile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstChildren := len(a.children)

	if err := g.Compile(); err != nil {
		t.Fatalf("second compile should be a no-op, got error: %v", err)
	}
	if len(a.children) != firstChildren {
		t.Fatalf("recompile mutated edges: %d -> %d", firstChildren, len(a.children))
	}
}

func TestCompileRejectsUnknownDependency(t *testing.T) {
	g := NewGraph("g", &Node{ID: "a", DependsOn: []string{"missing"}})
	if err := g.Compile(); err == nil {
		t.Fatalf("expected error for unknown dependency")
	}
}

func TestCompileRejectsGraphWithNoRoot(t *testing.T) {
	a := &Node{ID: "a", DependsOn: []string{"b"}}
	b := &Node{ID: "b", DependsOn: []string{"a"}}
	g := NewGraph("g", a, b)
	if err := g.Compile(); err == nil {
		t.Fatalf("expected error for a graph with no root node")
	}
}

func TestGraphStateAccessors(t *testing.T) {
	s := NewGraphState()
	s.Set("answer", "hello")
	s.Set("hit", true)
	s.Set("count", 3)

	if s.GetString("answer") != "hello" {
		t.Fatalf("GetString mismatch")
	}
	if !s.GetBool("hit") {
		t.Fatalf("GetBool mismatch")
	}
	if s.GetInt("count") != 3 {
		t.Fatalf("GetInt mismatch")
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatalf("expected missing key to report !ok")
	}
}
