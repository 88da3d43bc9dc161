package coordinator

import (
	"context"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/plan"
	"github.com/forgeline/foreman/internal/state"
	"github.com/forgeline/foreman/internal/store"
)

// PendingPlan walks the pending-subrun chain down from a thread and
// returns the plan awaiting approval. THREAD-002 when nothing under the
// thread is suspended.
func (c *Coordinator) PendingPlan(ctx context.Context, threadID string) (*plan.Plan, error) {
	id := threadID
	for {
		cp, err := c.st.LoadLatest(ctx, id)
		if err != nil {
			return nil, err
		}
		if cp.AwaitingInput {
			p, err := plan.FromState(cp.State)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, errors.New(errors.ErrCodeStateCorrupt, "suspended checkpoint carries no plan")
			}
			return p, nil
		}
		if cp.PendingSubrun == "" || cp.Status.Terminal() {
			return nil, errors.NewNotSuspendedError(id)
		}
		id = cp.PendingSubrun
	}
}

// LatestPlan returns the newest plan visible on the thread's own chain,
// or nil when planning has not produced one yet.
func (c *Coordinator) LatestPlan(ctx context.Context, threadID string) (*plan.Plan, error) {
	cp, err := c.st.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return plan.FromState(cp.State)
}

// Chain returns a thread's full checkpoint chain, oldest first
func (c *Coordinator) Chain(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	it, err := c.st.LoadChain(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var chain []*store.Checkpoint
	for {
		cp, err := it.Next()
		if err != nil {
			return nil, err
		}
		if cp == nil {
			return chain, nil
		}
		chain = append(chain, cp)
	}
}

// ResultAt reassembles a terminal result for an already-finished
// thread, for inspection after the run loop is gone.
func (c *Coordinator) ResultAt(ctx context.Context, threadID string) (Result, error) {
	cp, err := c.st.LoadLatest(ctx, threadID)
	if err != nil {
		return Result{}, err
	}
	if !cp.Status.Terminal() {
		return Result{}, errors.New(errors.ErrCodeThreadNotSuspended, "thread "+threadID+" has not finished")
	}
	return c.terminalResult(ctx, threadID, cp.Status), nil
}

// StateSummary lifts the handful of fields the CLI shows out of a
// checkpoint.
type StateSummary struct {
	Node      string
	Status    store.RunStatus
	Revision  int
	Verdict   string
	ResultRef string
	Reason    string
}

func Summarize(cp *store.Checkpoint) StateSummary {
	return StateSummary{
		Node:      cp.NodeID,
		Status:    cp.Status,
		Revision:  cp.State.Int(state.KeyRevision),
		Verdict:   cp.State.String(state.KeyVerdict),
		ResultRef: cp.State.String(state.KeyResultRef),
		Reason:    cp.State.String(state.KeyFailReason),
	}
}
