package engine

import (
	"context"
	"strings"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/state"
	"github.com/forgeline/foreman/internal/store"
)

// Resume delivers external input to a suspended thread. It fails with a
// THREAD-002 error unless the latest checkpoint is tagged awaiting-input.
// On success the update merges into state, the tag clears, and stepping
// continues from the same node: the node body runs with the input
// already present, so accept-versus-feedback is the node's own router's
// decision, not the controller's.
//
// When the suspension lives in a nested subrun, Resume follows the
// pending-subrun markers down to the suspended descendant.
func (e *Engine) Resume(ctx context.Context, threadID string, update state.State) (*store.Checkpoint, error) {
	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if !cp.AwaitingInput {
		if cp.PendingSubrun != "" && !cp.Status.Terminal() {
			sub, ok := e.subEngineForThread(cp.PendingSubrun)
			if ok {
				return sub.Resume(ctx, cp.PendingSubrun, update)
			}
		}
		return nil, errors.NewNotSuspendedError(threadID)
	}

	if err := e.def.Schema().Check(update); err != nil {
		return nil, errors.Wrap(errors.ErrCodeGraphInvalid, "resume input rejected by schema", err)
	}

	merged := e.def.Schema().Apply(cp.State, update)
	out, err := e.store.Append(ctx, store.Record{
		ThreadID: threadID,
		ParentID: cp.ID,
		NodeID:   cp.NodeID,
		State:    merged,
		Status:   store.StatusRunning,
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithThread(threadID).WithNode(cp.NodeID).Info("run resumed with external input")
	return out, nil
}

// InjectActive queues a side-channel update for the session the thread
// is currently blocked on: the immediate pending subrun when one is
// live, otherwise the thread itself. The update merges at that
// session's next node boundary without suspending it.
//
// A subrun can reach a terminal status between the liveness check and
// the queueing, in which case nothing would ever drain its queue; the
// re-check below moves anything stranded there onto this thread.
func (e *Engine) InjectActive(ctx context.Context, threadID string, update state.State) error {
	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return err
	}
	if cp.Status.Terminal() {
		return errors.New(errors.ErrCodeThreadTerminal, "thread "+threadID+" already reached a terminal status")
	}
	if cp.PendingSubrun != "" {
		if sub, ok := e.subEngineForThread(cp.PendingSubrun); ok {
			child, err := e.store.LoadLatest(ctx, cp.PendingSubrun)
			alive := err == nil && !child.Status.Terminal()
			if alive {
				if err := sub.Inject(cp.PendingSubrun, update); err != nil {
					return err
				}
				latest, err := e.store.LoadLatest(ctx, cp.PendingSubrun)
				if err == nil && !latest.Status.Terminal() {
					return nil
				}
			}
			// The subrun is done. Redeliver whatever sits on its queue,
			// the update just placed there included.
			for _, stranded := range sub.takeInjected(cp.PendingSubrun) {
				if err := e.Inject(threadID, stranded); err != nil {
					return err
				}
			}
			if alive {
				return nil
			}
		}
	}
	return e.Inject(threadID, update)
}

// subEngineForThread maps a child thread id back to the nested engine
// that owns it. Child ids are parent/nodeID with an optional @-suffix
// per entry, so the node id is the last path segment minus the suffix.
func (e *Engine) subEngineForThread(childID string) (*Engine, bool) {
	nodeID := childID
	for i := len(childID) - 1; i >= 0; i-- {
		if childID[i] == '/' {
			nodeID = childID[i+1:]
			break
		}
	}
	if at := strings.IndexByte(nodeID, '@'); at >= 0 {
		nodeID = nodeID[:at]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[nodeID]
	if !ok {
		// The subrun may exist only in storage after a restart; build
		// the nested engine from the definition.
		node, found := e.def.Node(nodeID)
		if !found || node.Subgraph == nil {
			return nil, false
		}
		sub = New(node.Subgraph, e.store, e.logger)
		e.subs[nodeID] = sub
	}
	return sub, true
}
