package store

import (
	"context"
	"testing"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/state"
)

// storeUnderTest builds each backend that runs without external services.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("create file store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestAppendAndLoadLatest(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			root, err := s.Append(ctx, Record{
				ThreadID: "t1",
				NodeID:   "analyzing",
				State:    state.State{"sender": "user", "revision": 1},
				Status:   StatusRunning,
			})
			if err != nil {
				t.Fatalf("append root: %v", err)
			}
			if root.ParentID != "" {
				t.Errorf("root should have no parent, got %q", root.ParentID)
			}
			if root.Checksum == "" {
				t.Error("expected checksum on append")
			}

			child, err := s.Append(ctx, Record{
				ThreadID: "t1",
				ParentID: root.ID,
				NodeID:   "generating",
				State:    state.State{"sender": "planner"},
				Status:   StatusRunning,
			})
			if err != nil {
				t.Fatalf("append child: %v", err)
			}

			latest, err := s.LoadLatest(ctx, "t1")
			if err != nil {
				t.Fatalf("load latest: %v", err)
			}
			if latest.ID != child.ID {
				t.Errorf("expected latest %s, got %s", child.ID, latest.ID)
			}
			if latest.State.String("sender") != "planner" {
				t.Errorf("expected snapshot to round-trip, got %v", latest.State)
			}
		})
	}
}

func TestAppendStaleParent(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			root, err := s.Append(ctx, Record{ThreadID: "t1", NodeID: "a", State: state.State{}, Status: StatusRunning})
			if err != nil {
				t.Fatalf("append root: %v", err)
			}
			if _, err := s.Append(ctx, Record{ThreadID: "t1", ParentID: root.ID, NodeID: "b", State: state.State{}, Status: StatusRunning}); err != nil {
				t.Fatalf("append child: %v", err)
			}

			// A writer still holding the root as parent must be rejected.
			_, err = s.Append(ctx, Record{ThreadID: "t1", ParentID: root.ID, NodeID: "c", State: state.State{}, Status: StatusRunning})
			if !errors.HasCode(err, errors.ErrCodeStoreStaleParent) {
				t.Errorf("expected StaleParent, got %v", err)
			}

			// A second root for an existing thread is also a fork.
			_, err = s.Append(ctx, Record{ThreadID: "t1", NodeID: "c", State: state.State{}, Status: StatusRunning})
			if !errors.HasCode(err, errors.ErrCodeStoreStaleParent) {
				t.Errorf("expected StaleParent for duplicate root, got %v", err)
			}
		})
	}
}

func TestLoadLatestNotFound(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadLatest(context.Background(), "missing")
			if !errors.HasCode(err, errors.ErrCodeThreadNotFound) {
				t.Errorf("expected ThreadNotFound, got %v", err)
			}
		})
	}
}

func TestLoadChainOrder(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			nodes := []string{"analyzing", "generating", "awaiting_approval"}

			parent := ""
			for _, node := range nodes {
				cp, err := s.Append(ctx, Record{ThreadID: "t1", ParentID: parent, NodeID: node, State: state.State{}, Status: StatusRunning})
				if err != nil {
					t.Fatalf("append %s: %v", node, err)
				}
				parent = cp.ID
			}

			it, err := s.LoadChain(ctx, "t1")
			if err != nil {
				t.Fatalf("load chain: %v", err)
			}
			defer it.Close()

			var got []string
			prevID := ""
			for {
				cp, err := it.Next()
				if err != nil {
					t.Fatalf("iterate: %v", err)
				}
				if cp == nil {
					break
				}
				if cp.ParentID != prevID {
					t.Errorf("chain not causally ordered: parent %q after %q", cp.ParentID, prevID)
				}
				prevID = cp.ID
				got = append(got, cp.NodeID)
			}
			if len(got) != len(nodes) {
				t.Fatalf("expected %d checkpoints, got %d", len(nodes), len(got))
			}
			for i := range nodes {
				if got[i] != nodes[i] {
					t.Errorf("position %d: expected %s, got %s", i, nodes[i], got[i])
				}
			}
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	cp := newCheckpoint(Record{ThreadID: "t1", NodeID: "a", State: state.State{"sender": "user"}, Status: StatusRunning})
	if err := Verify(cp); err != nil {
		t.Fatalf("fresh checkpoint should verify: %v", err)
	}

	cp.State["sender"] = "attacker"
	if err := Verify(cp); !errors.HasCode(err, errors.ErrCodeStateCorrupt) {
		t.Errorf("expected StateCorruption after tampering, got %v", err)
	}

	cp2 := newCheckpoint(Record{ThreadID: "t1", NodeID: "a", State: state.State{}, Status: StatusRunning})
	cp2.Checksum = ""
	if err := Verify(cp2); !errors.HasCode(err, errors.ErrCodeStateCorrupt) {
		t.Errorf("expected StateCorruption for missing checksum, got %v", err)
	}
}

func TestThreads(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"t-b", "t-a"} {
				if _, err := s.Append(ctx, Record{ThreadID: id, NodeID: "a", State: state.State{}, Status: StatusRunning}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			ids, err := s.Threads(ctx)
			if err != nil {
				t.Fatalf("threads: %v", err)
			}
			if len(ids) != 2 || ids[0] != "t-a" || ids[1] != "t-b" {
				t.Errorf("expected sorted thread ids, got %v", ids)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	root, err := fs.Append(ctx, Record{ThreadID: "t1", NodeID: "a", State: state.State{"revision": 2}, Status: StatusSuspended, AwaitingInput: true})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	latest, err := reopened.LoadLatest(ctx, "t1")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if latest.ID != root.ID || !latest.AwaitingInput || latest.Status != StatusSuspended {
		t.Errorf("checkpoint did not survive reopen intact: %+v", latest)
	}
	if latest.State.Int("revision") != 2 {
		t.Errorf("expected revision 2 after reload, got %d", latest.State.Int("revision"))
	}
}
