package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestExecutorRunsLinearChain(t *testing.T) {
	a := &Node{ID: "a"}
	b := &Node{ID: "b", DependsOn: []string{"a"}}
	c := &Node{ID: "c", DependsOn: []string{"b"}}
	g := NewGraph("chain", a, b, c)

	var order []string
	funcs := Registry{
		"a": func(ctx context.Context, s *GraphState) error { order = append(order, "a"); return nil },
		"b": func(ctx context.Context, s *GraphState) error { order = append(order, "b"); return nil },
		"c": func(ctx context.Context, s *GraphState) error { order = append(order, "c"); return nil },
	}

	exec := NewExecutor(2, zerolog.Nop())
	report, err := exec.Run(context.Background(), g, NewGraphState(), funcs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if report.Results[id].Status != StatusDone {
			t.Fatalf("expected %s done, got %s", id, report.Results[id].Status)
		}
	}
	if len(order) != 3 || order[0] != "a" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestExecutorConditionSkipsDescendants(t *testing.T) {
	a := &Node{ID: "a"}
	b := &Node{ID: "b", DependsOn: []string{"a"}, Condition: func(s *GraphState) bool { return s.GetBool("go") }}
	c := &Node{ID: "c", DependsOn: []string{"b"}}
	g := NewGraph("cond", a, b, c)

	funcs := Registry{
		"a": func(ctx context.Context, s *GraphState) error { return nil },
		"b": func(ctx context.Context, s *GraphState) error { return nil },
		"c": func(ctx context.Context, s *GraphState) error { return nil },
	}

	exec := NewExecutor(2, zerolog.Nop())
	report, err := exec.Run(context.Background(), g, NewGraphState(), funcs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Results["b"].Status != StatusSkipped {
		t.Fatalf("expected b skipped, got %s", report.Results["b"].Status)
	}
	if report.Results["c"].Status != StatusSkipped {
		t.Fatalf("expected c to cascade-skip behind its skipped parent, got %s", report.Results["c"].Status)
	}
}

func TestExecutorEmitAlwaysRunsDespiteUpstreamFailure(t *testing.T) {
	start := &Node{ID: "start"}
	mid := &Node{ID: "mid", DependsOn: []string{"start"}}
	emit := &Node{ID: "emit", Kind: KindEmit, DependsOn: []string{"mid"}}
	g := NewGraph("fail-to-emit", start, mid, emit)

	emitRan := false
	funcs := Registry{
		"start": func(ctx context.Context, s *GraphState) error { return nil },
		"mid":   func(ctx context.Context, s *GraphState) error { return errors.New("boom") },
		"emit":  func(ctx context.Context, s *GraphState) error { emitRan = true; return nil },
	}

	exec := NewExecutor(2, zerolog.Nop())
	report, err := exec.Run(context.Background(), g, NewGraphState(), funcs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !emitRan {
		t.Fatalf("expected emit to run even though mid failed")
	}
	if report.Results["mid"].Status != StatusFailed {
		t.Fatalf("expected mid failed, got %s", report.Results["mid"].Status)
	}
	if report.Results["emit"].Status != StatusDone {
		t.Fatalf("expected emit done, got %s", report.Results["emit"].Status)
	}
}

func TestExecutorNodeTimeout(t *testing.T) {
	n := &Node{ID: "slow", Timeout: 10}
	g := NewGraph("timeout", n)

	funcs := Registry{
		"slow": func(ctx context.Context, s *GraphState) error {
			select {
			case <-time.After(200 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	exec := NewExecutor(1, zerolog.Nop())
	report, err := exec.Run(context.Background(), g, NewGraphState(), funcs)
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if report.Results["slow"].Status != StatusTimedOut {
		t.Fatalf("expected slow node to time out, got %s", report.Results["slow"].Status)
	}
}

func TestExecutorCancellation(t *testing.T) {
	n := &Node{ID: "slow"}
	g := NewGraph("cancel", n)

	funcs := Registry{
		"slow": func(ctx context.Context, s *GraphState) error {
			select {
			case <-time.After(200 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	exec := NewExecutor(1, zerolog.Nop())
	report, err := exec.Run(ctx, g, NewGraphState(), funcs)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !report.Cancelled {
		t.Fatalf("expected report.Cancelled=true")
	}
}
