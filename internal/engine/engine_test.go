package engine

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/graph"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/state"
	"github.com/forgeline/foreman/internal/store"
)

func testLogger() *log.Logger {
	return log.New(log.Config{Level: log.LevelError, Format: log.FormatText, Output: log.OutputStderr()})
}

func linearSchema() state.Schema {
	return state.Schema{
		"visited":     state.ReducerAppend,
		"counter":     state.ReducerOverwrite,
		"fail_reason": state.ReducerOverwrite,
	}
}

// visit records the node name into the visited log
func visit(name string) graph.NodeFunc {
	return func(_ context.Context, _ state.State) (state.State, error) {
		return state.State{"visited": []any{name}}, nil
	}
}

func buildLinear(t *testing.T) *graph.Definition {
	t.Helper()
	def, err := graph.NewBuilder("linear", linearSchema()).
		AddNode("a", visit("a")).
		AddNode("b", visit("b")).
		AddNode("c", visit("c")).
		AddEdge("a", "b").
		AddEdge("b", "c").
		AddEdge("c", graph.End).
		SetEntry("a").
		Build()
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return def
}

func visitedNames(st state.State) []string {
	var out []string
	for _, v := range st.Slice("visited") {
		out = append(out, v.(string))
	}
	return out
}

func TestRunLinearToCompletion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := New(buildLinear(t), s, testLogger())

	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	latest, err := s.LoadLatest(ctx, "t1")
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(visitedNames(latest.State), want) {
		t.Errorf("expected visit order %v, got %v", want, visitedNames(latest.State))
	}

	// Root plus one checkpoint per dispatch.
	it, err := s.LoadChain(ctx, "t1")
	if err != nil {
		t.Fatalf("load chain: %v", err)
	}
	defer it.Close()
	count := 0
	for {
		cp, err := it.Next()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if cp == nil {
			break
		}
		count++
	}
	if count != 4 {
		t.Errorf("expected chain of 4 checkpoints, got %d", count)
	}
}

func TestLoopTerminatesViaCounter(t *testing.T) {
	ctx := context.Background()
	schema := linearSchema()
	def, err := graph.NewBuilder("loop", schema).
		AddNode("work", func(_ context.Context, st state.State) (state.State, error) {
			return state.State{"counter": st.Int("counter") + 1, "visited": []any{"work"}}, nil
		}).
		AddRouter("work", func(st state.State) string {
			if st.Int("counter") >= 3 {
				return graph.End
			}
			return "work"
		}).
		SetEntry("work").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	e := New(def, store.NewMemoryStore(), testLogger())
	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
}

func buildInterruptGraph(t *testing.T) *graph.Definition {
	t.Helper()
	schema := state.Schema{
		"visited":     state.ReducerAppend,
		"decision":    state.ReducerOverwrite,
		"fail_reason": state.ReducerOverwrite,
	}
	def, err := graph.NewBuilder("gated", schema).
		AddNode("draft", visit("draft")).
		AddInterrupt("approval", visit("approval")).
		AddEdge("draft", "approval").
		AddRouter("approval", func(st state.State) string {
			if st.String("decision") == "accepted" {
				return graph.End
			}
			return "draft"
		}).
		SetEntry("draft").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return def
}

func TestInterruptSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := New(buildInterruptGraph(t), s, testLogger())

	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusSuspended {
		t.Fatalf("expected suspended at approval, got %s", status)
	}

	latest, _ := s.LoadLatest(ctx, "t1")
	if !latest.AwaitingInput || latest.NodeID != "approval" {
		t.Fatalf("expected awaiting-input checkpoint at approval, got %+v", latest)
	}

	// Stepping a suspended thread is a no-op.
	cp, err := e.Step(ctx, "t1")
	if err != nil || cp.ID != latest.ID {
		t.Errorf("expected no-op step on suspended thread, got %v, %v", cp, err)
	}

	if _, err := e.Resume(ctx, "t1", state.State{"decision": "accepted"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	status, err = e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completed after approval, got %s", status)
	}

	final, _ := s.LoadLatest(ctx, "t1")
	want := []string{"draft", "approval"}
	if !reflect.DeepEqual(visitedNames(final.State), want) {
		t.Errorf("expected %v, got %v", want, visitedNames(final.State))
	}
}

func TestInterruptRejectionLoops(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := New(buildInterruptGraph(t), s, testLogger())

	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.Run(ctx, "t1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Rejection routes back to draft and suspends again at approval.
	if _, err := e.Resume(ctx, "t1", state.State{"decision": "rejected"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusSuspended {
		t.Fatalf("expected re-suspension after rejection, got %s", status)
	}

	final, _ := s.LoadLatest(ctx, "t1")
	want := []string{"draft", "approval", "draft"}
	if !reflect.DeepEqual(visitedNames(final.State), want) {
		t.Errorf("expected %v, got %v", want, visitedNames(final.State))
	}
}

func TestResumeNotSuspended(t *testing.T) {
	ctx := context.Background()
	e := New(buildLinear(t), store.NewMemoryStore(), testLogger())

	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := e.Resume(ctx, "t1", state.State{"counter": 1})
	if !errors.HasCode(err, errors.ErrCodeThreadNotSuspended) {
		t.Errorf("expected NotSuspended, got %v", err)
	}
}

func TestSubgraphRunsUnderChildThread(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	child, err := graph.NewBuilder("child", linearSchema()).
		AddNode("inner", visit("inner")).
		AddEdge("inner", graph.End).
		SetEntry("inner").
		Build()
	if err != nil {
		t.Fatalf("build child: %v", err)
	}
	parent, err := graph.NewBuilder("parent", linearSchema()).
		AddNode("before", visit("before")).
		AddSubgraph("nested", child).
		AddNode("after", visit("after")).
		AddEdge("before", "nested").
		AddEdge("nested", "after").
		AddEdge("after", graph.End).
		SetEntry("before").
		Build()
	if err != nil {
		t.Fatalf("build parent: %v", err)
	}

	e := New(parent, s, testLogger())
	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	final, _ := s.LoadLatest(ctx, "t1")
	want := []string{"before", "inner", "after"}
	if !reflect.DeepEqual(visitedNames(final.State), want) {
		t.Errorf("expected child state merged into parent, got %v", visitedNames(final.State))
	}

	// The parent checkpoint entering the subgraph minted the child
	// thread id, and the child chain exists under it.
	it, _ := s.LoadChain(ctx, "t1")
	defer it.Close()
	var marker string
	for {
		cp, err := it.Next()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if cp == nil {
			break
		}
		if cp.PendingSubrun != "" {
			marker = cp.PendingSubrun
		}
	}
	if !strings.HasPrefix(marker, "t1/nested@") {
		t.Fatalf("expected a pending-subrun marker under t1/nested, got %q", marker)
	}
	if _, err := s.LoadLatest(ctx, marker); err != nil {
		t.Errorf("expected child chain under %s: %v", marker, err)
	}
}

func TestSubgraphInterruptPropagates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	childSchema := state.Schema{
		"visited":     state.ReducerAppend,
		"decision":    state.ReducerOverwrite,
		"fail_reason": state.ReducerOverwrite,
	}
	child, err := graph.NewBuilder("gate", childSchema).
		AddInterrupt("wait", visit("wait")).
		AddEdge("wait", graph.End).
		SetEntry("wait").
		Build()
	if err != nil {
		t.Fatalf("build child: %v", err)
	}
	parent, err := graph.NewBuilder("outer", childSchema).
		AddSubgraph("gate", child).
		AddEdge("gate", graph.End).
		SetEntry("gate").
		Build()
	if err != nil {
		t.Fatalf("build parent: %v", err)
	}

	e := New(parent, s, testLogger())
	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusSuspended {
		t.Fatalf("expected suspension to propagate from child, got %s", status)
	}

	got, err := e.Status(ctx, "t1")
	if err != nil || got != store.StatusSuspended {
		t.Errorf("expected Status to report suspended, got %s, %v", got, err)
	}

	// Resume on the parent descends into the suspended child.
	if _, err := e.Resume(ctx, "t1", state.State{"decision": "go"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	status, err = e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completion after child resume, got %s", status)
	}
}

func TestSubgraphReentryRunsFreshChild(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	child, err := graph.NewBuilder("child", linearSchema()).
		AddNode("inner", func(_ context.Context, st state.State) (state.State, error) {
			return state.State{
				"visited": []any{"inner"},
				"counter": st.Int("counter") + 1,
			}, nil
		}).
		AddEdge("inner", graph.End).
		SetEntry("inner").
		Build()
	if err != nil {
		t.Fatalf("build child: %v", err)
	}
	parent, err := graph.NewBuilder("looping", linearSchema()).
		AddNode("start", visit("start")).
		AddSubgraph("nested", child).
		AddEdge("start", "nested").
		AddRouter("nested", func(st state.State) string {
			if st.Int("counter") >= 2 {
				return graph.End
			}
			return "nested"
		}).
		SetEntry("start").
		Build()
	if err != nil {
		t.Fatalf("build parent: %v", err)
	}

	e := New(parent, s, testLogger())
	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	final, _ := s.LoadLatest(ctx, "t1")
	if got := final.State.Int("counter"); got != 2 {
		t.Errorf("expected the subgraph to run twice, counter=%d", got)
	}
	want := []string{"start", "inner", "inner"}
	if !reflect.DeepEqual(visitedNames(final.State), want) {
		t.Errorf("expected %v, got %v", want, visitedNames(final.State))
	}
}

func TestInjectMergesAtNodeBoundary(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := New(buildLinear(t), s, testLogger())

	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Inject("t1", state.State{"visited": []any{"injected"}}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := e.Inject("t1", state.State{"bogus": 1}); err == nil {
		t.Error("expected schema check to reject undeclared injected field")
	}

	if _, err := e.Step(ctx, "t1"); err != nil {
		t.Fatalf("step: %v", err)
	}
	latest, _ := s.LoadLatest(ctx, "t1")
	want := []string{"a", "injected"}
	if !reflect.DeepEqual(visitedNames(latest.State), want) {
		t.Errorf("expected injection after node output, got %v", visitedNames(latest.State))
	}
}

func TestInjectActiveRedeliversAfterSubrunEnds(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	child, err := graph.NewBuilder("child", linearSchema()).
		AddNode("inner", visit("inner")).
		AddEdge("inner", graph.End).
		SetEntry("inner").
		Build()
	if err != nil {
		t.Fatalf("build child: %v", err)
	}
	parent, err := graph.NewBuilder("parent", linearSchema()).
		AddSubgraph("nested", child).
		AddEdge("nested", graph.End).
		SetEntry("nested").
		Build()
	if err != nil {
		t.Fatalf("build parent: %v", err)
	}

	e := New(parent, s, testLogger())
	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Run the subrun to completion out of band, then queue an update on
	// it the way a caller losing the liveness race would.
	sub, ok := e.subEngineForThread("t1/nested")
	if !ok {
		t.Fatal("expected a nested engine for the subgraph node")
	}
	if _, err := sub.Start(ctx, "t1/nested", state.State{}); err != nil {
		t.Fatalf("start child: %v", err)
	}
	if _, err := sub.Run(ctx, "t1/nested"); err != nil {
		t.Fatalf("run child: %v", err)
	}
	if err := sub.Inject("t1/nested", state.State{"visited": []any{"stranded"}}); err != nil {
		t.Fatalf("inject child: %v", err)
	}

	if err := e.InjectActive(ctx, "t1", state.State{"visited": []any{"late"}}); err != nil {
		t.Fatalf("inject active: %v", err)
	}

	sub.mu.Lock()
	childQueued := len(sub.injected["t1/nested"])
	sub.mu.Unlock()
	if childQueued != 0 {
		t.Errorf("expected the terminal subrun's queue drained, %d updates remain", childQueued)
	}
	e.mu.Lock()
	parentQueued := len(e.injected["t1"])
	e.mu.Unlock()
	if parentQueued != 2 {
		t.Fatalf("expected both updates redelivered to the parent, got %d", parentQueued)
	}

	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	final, _ := s.LoadLatest(ctx, "t1")
	want := []string{"inner", "stranded", "late"}
	if !reflect.DeepEqual(visitedNames(final.State), want) {
		t.Errorf("expected redelivered updates merged in order, got %v", visitedNames(final.State))
	}
}

func TestResumeFromCheckpointMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()

	// Uninterrupted run.
	s1 := store.NewMemoryStore()
	e1 := New(buildLinear(t), s1, testLogger())
	if _, err := e1.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e1.Run(ctx, "t1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	uninterrupted, _ := s1.LoadLatest(ctx, "t1")

	// Crash after two steps, then a fresh engine resumes from storage.
	s2 := store.NewMemoryStore()
	e2 := New(buildLinear(t), s2, testLogger())
	if _, err := e2.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e2.Step(ctx, "t1"); err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, err := e2.Step(ctx, "t1"); err != nil {
		t.Fatalf("step: %v", err)
	}

	recovered := New(buildLinear(t), s2, testLogger())
	status, err := recovered.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("recovered run: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completion after recovery, got %s", status)
	}
	resumed, _ := s2.LoadLatest(ctx, "t1")

	if !reflect.DeepEqual(uninterrupted.State, resumed.State) {
		t.Errorf("resumed state diverged:\nuninterrupted: %v\nresumed: %v", uninterrupted.State, resumed.State)
	}
}

func TestCancelWritesTerminalCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := New(buildInterruptGraph(t), s, testLogger())

	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.Run(ctx, "t1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	cp, err := e.Cancel(ctx, "t1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cp.Status != store.StatusFailed || cp.State.String("fail_reason") != "cancelled" {
		t.Errorf("expected terminal cancelled checkpoint, got %+v", cp)
	}

	if _, err := e.Cancel(ctx, "t1"); !errors.HasCode(err, errors.ErrCodeThreadTerminal) {
		t.Errorf("expected second cancel to fail, got %v", err)
	}
}

func TestNodeErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	def, err := graph.NewBuilder("failing", linearSchema()).
		AddNode("boom", func(_ context.Context, _ state.State) (state.State, error) {
			return nil, errors.New(errors.ErrCodeStateCorrupt, "broken invariant")
		}).
		AddEdge("boom", graph.End).
		SetEntry("boom").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	e := New(def, s, testLogger())
	if _, err := e.Start(ctx, "t1", state.State{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := e.Run(ctx, "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != store.StatusFailed {
		t.Fatalf("expected failed run, got %s", status)
	}
	latest, _ := s.LoadLatest(ctx, "t1")
	if latest.State.String("fail_reason") == "" {
		t.Error("expected failure reason recorded in state")
	}
}
