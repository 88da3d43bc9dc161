// Package store persists the append-only, causally chained checkpoint
// history of every thread. Appends are guarded by an optimistic parent
// check so two concurrent writers can never fork a thread's history.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/state"
)

// RunStatus is the engine state recorded alongside each checkpoint.
type RunStatus string

const (
	StatusReady     RunStatus = "ready"
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status ends a run
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Checkpoint is one immutable snapshot taken after a node dispatch.
// Every checkpoint except the root has exactly one parent; the chain from
// root to latest is totally ordered.
type Checkpoint struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	// ParentID is empty only for the root checkpoint.
	ParentID string      `json:"parent_id,omitempty"`
	NodeID   string      `json:"node_id"`
	State    state.State `json:"state"`
	Status   RunStatus   `json:"status"`
	// AwaitingInput marks a suspension point waiting for external input.
	AwaitingInput bool `json:"awaiting_input,omitempty"`
	// PendingSubrun names the child thread a subgraph node is blocked on.
	PendingSubrun string    `json:"pending_subrun,omitempty"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"created_at"`
}

// Record is the caller-supplied portion of a checkpoint. The store assigns
// the id, timestamp, and checksum.
type Record struct {
	ThreadID      string
	ParentID      string
	NodeID        string
	State         state.State
	Status        RunStatus
	AwaitingInput bool
	PendingSubrun string
}

// Store is the persistence boundary for checkpoint chains.
type Store interface {
	// Append durably writes a new checkpoint. It fails with a
	// STORE-001 error when rec.ParentID is not the thread's current
	// latest checkpoint. The write is durable before Append returns.
	Append(ctx context.Context, rec Record) (*Checkpoint, error)

	// LoadLatest returns the newest checkpoint of a thread, or a
	// THREAD-001 error when the thread has none.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// LoadChain returns a lazy, restartable iterator over the thread's
	// chain in root-to-latest order.
	LoadChain(ctx context.Context, threadID string) (ChainIterator, error)

	// Threads lists every thread id with at least one checkpoint.
	Threads(ctx context.Context) ([]string, error)
}

// ChainIterator walks one thread's checkpoint chain in causal order.
type ChainIterator interface {
	// Next returns the next checkpoint, or nil once the chain is
	// exhausted.
	Next() (*Checkpoint, error)
	Close() error
}

// newCheckpoint stamps a record into a full checkpoint. The snapshot is
// normalized through a JSON round trip so in-memory and reloaded copies
// hash identically.
func newCheckpoint(rec Record) *Checkpoint {
	cp := &Checkpoint{
		ID:            uuid.NewString(),
		ThreadID:      rec.ThreadID,
		ParentID:      rec.ParentID,
		NodeID:        rec.NodeID,
		State:         normalize(rec.State),
		Status:        rec.Status,
		AwaitingInput: rec.AwaitingInput,
		PendingSubrun: rec.PendingSubrun,
		CreatedAt:     time.Now().UTC(),
	}
	cp.Checksum = checksum(cp)
	return cp
}

// normalize round-trips a snapshot through JSON so typed values settle
// into their decoded representation before hashing and storage.
func normalize(st state.State) state.State {
	b, err := json.Marshal(st)
	if err != nil {
		panic(fmt.Sprintf("state snapshot not serializable: %v", err))
	}
	out := state.State{}
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("state snapshot not round-trippable: %v", err))
	}
	return out
}

// checksum hashes the causally relevant fields of a checkpoint. Map keys
// sort during JSON encoding, so the digest is stable for equal states.
func checksum(cp *Checkpoint) string {
	payload := struct {
		ThreadID string      `json:"thread_id"`
		ParentID string      `json:"parent_id"`
		NodeID   string      `json:"node_id"`
		State    state.State `json:"state"`
	}{cp.ThreadID, cp.ParentID, cp.NodeID, cp.State}

	b, err := json.Marshal(payload)
	if err != nil {
		// state.State values are JSON-representable by construction;
		// a marshal failure here is a programming error.
		panic(fmt.Sprintf("checkpoint not serializable: %v", err))
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum of a loaded checkpoint and returns a
// STATE-002 error on mismatch. Corruption is fatal for the run and is
// never auto-retried.
func Verify(cp *Checkpoint) error {
	if cp.Checksum == "" {
		return errors.NewStateCorruptionError(cp.ThreadID, cp.ID, fmt.Errorf("missing checksum"))
	}
	if got := checksum(cp); got != cp.Checksum {
		return errors.NewStateCorruptionError(cp.ThreadID, cp.ID, fmt.Errorf("checksum mismatch"))
	}
	return nil
}
