// Package engine executes graph definitions as checkpointable state
// machines. Each thread steps strictly serially; distinct threads run
// fully in parallel, sharing nothing but the checkpoint store.
package engine

import (
	"context"
	"sync"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/graph"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/state"
	"github.com/forgeline/foreman/internal/store"
)

// Engine runs one graph definition. It is safe for concurrent use
// across threads; node dispatch within one thread is serialized.
type Engine struct {
	def    *graph.Definition
	store  store.Store
	logger *log.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	injected map[string][]state.State
	cancels  map[string]context.CancelFunc
	subs     map[string]*Engine
}

// New creates an engine for one graph definition
func New(def *graph.Definition, st store.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &Engine{
		def:      def,
		store:    st,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		injected: make(map[string][]state.State),
		cancels:  make(map[string]context.CancelFunc),
		subs:     make(map[string]*Engine),
	}
}

// Definition returns the graph this engine executes
func (e *Engine) Definition() *graph.Definition { return e.def }

// threadLock returns the serialization lock for one thread
func (e *Engine) threadLock(threadID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[threadID] = l
	}
	return l
}

// subEngine returns the nested engine for a subgraph node, creating it
// on first use so all subruns of one node share thread locks.
func (e *Engine) subEngine(nodeID string, def *graph.Definition) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[nodeID]
	if !ok {
		sub = New(def, e.store, e.logger)
		e.subs[nodeID] = sub
	}
	return sub
}

// Start validates the initial state and writes the root checkpoint. The
// run transitions straight to Suspended when the entry node is an
// interrupt.
func (e *Engine) Start(ctx context.Context, threadID string, initial state.State) (*store.Checkpoint, error) {
	if err := e.def.Schema().Check(initial); err != nil {
		return nil, errors.Wrap(errors.ErrCodeGraphInvalid, "initial state rejected by schema", err)
	}
	entry, ok := e.def.Node(e.def.Entry())
	if !ok {
		return nil, errors.New(errors.ErrCodeGraphUnknownNode, "entry node missing from definition")
	}

	rec := store.Record{
		ThreadID: threadID,
		NodeID:   entry.ID,
		State:    initial,
		Status:   store.StatusRunning,
	}
	if entry.Interrupt {
		rec.Status = store.StatusSuspended
		rec.AwaitingInput = true
	}
	if entry.Subgraph != nil {
		rec.PendingSubrun = subrunThreadID(threadID, entry.ID)
	}

	cp, err := e.store.Append(ctx, rec)
	if err != nil {
		return nil, err
	}
	e.logger.WithThread(threadID).Info("run started", "graph", e.def.Name(), "entry", entry.ID)
	return cp, nil
}

// Status reports the run status recorded in the latest checkpoint. A
// thread blocked on a suspended subrun reports Suspended even though its
// own chain still reads Running.
func (e *Engine) Status(ctx context.Context, threadID string) (store.RunStatus, error) {
	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return "", err
	}
	if cp.PendingSubrun != "" && !cp.Status.Terminal() {
		child, err := e.store.LoadLatest(ctx, cp.PendingSubrun)
		if err == nil && child.Status == store.StatusSuspended {
			return store.StatusSuspended, nil
		}
	}
	return cp.Status, nil
}

// Inject queues a side-channel state update for a running thread. It is
// merged at the thread's next node boundary without suspending the run.
func (e *Engine) Inject(threadID string, update state.State) error {
	if err := e.def.Schema().Check(update); err != nil {
		return errors.Wrap(errors.ErrCodeGraphInvalid, "injected update rejected by schema", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injected[threadID] = append(e.injected[threadID], update)
	return nil
}

// takeInjected drains the thread's queued side-channel updates
func (e *Engine) takeInjected(threadID string) []state.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	updates := e.injected[threadID]
	delete(e.injected, threadID)
	return updates
}

// Run steps the thread until it suspends or reaches a terminal status.
// Node bodies run on the calling goroutine; callers multiplex threads by
// invoking Run on separate goroutines.
func (e *Engine) Run(ctx context.Context, threadID string) (store.RunStatus, error) {
	for {
		cp, err := e.Step(ctx, threadID)
		if err != nil {
			return store.StatusFailed, err
		}
		if cp.Status.Terminal() || cp.Status == store.StatusSuspended {
			return cp.Status, nil
		}
	}
}

// Step loads the latest checkpoint, dispatches its node, merges the
// output through the schema's reducers, resolves the next node, and
// appends exactly one checkpoint. It is a no-op for suspended or
// terminal threads.
func (e *Engine) Step(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.Status.Terminal() || cp.AwaitingInput {
		return cp, nil
	}

	node, ok := e.def.Node(cp.NodeID)
	if !ok {
		return nil, errors.New(errors.ErrCodeGraphUnknownNode, "checkpointed node "+cp.NodeID+" missing from graph "+e.def.Name())
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.registerCancel(threadID, cancel)
	defer e.clearCancel(threadID, cancel)

	logger := e.logger.WithThread(threadID).WithNode(node.ID)

	var update state.State
	fromSubgraph := node.Subgraph != nil
	if fromSubgraph {
		update, err = e.dispatchSubgraph(runCtx, threadID, cp, node)
		if err != nil {
			return nil, err
		}
		if update == nil {
			// Child suspended; the parent stays blocked at its
			// pending-subrun marker. The suspension lives in the
			// child's chain, so report it without a new checkpoint.
			susp := *cp
			susp.Status = store.StatusSuspended
			return &susp, nil
		}
	} else {
		update, err = node.Func(runCtx, cp.State)
		if err != nil {
			// A returned error is unrecoverable for this run;
			// routable failures travel inside the update instead.
			logger.WithError(err).Error("node failed unrecoverably")
			return e.appendTerminal(ctx, threadID, cp, node.ID, store.StatusFailed, err.Error())
		}
		if err := e.def.Schema().Check(update); err != nil {
			return nil, errors.Wrap(errors.ErrCodeGraphInvalid, "node "+node.ID+" produced undeclared field", err)
		}
	}

	// A node's partial output merges through the reducers. A finished
	// subgraph is different: its child began from a projection of this
	// state, so its final values already contain the parent's history
	// and replace the shared fields outright instead of reducing in.
	var merged state.State
	if fromSubgraph {
		merged = cp.State.Clone()
		for field, value := range update {
			merged[field] = value
		}
	} else {
		merged = e.def.Schema().Apply(cp.State, update)
	}

	// Side-channel updates merge at the node boundary, after the node's
	// own output, in arrival order.
	for _, inj := range e.takeInjected(threadID) {
		merged = e.def.Schema().Apply(merged, inj)
		logger.Info("side-channel update merged")
	}

	next, err := e.def.Route(node.ID, merged)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGraphNoRoute, "resolve next node after "+node.ID, err)
	}

	rec := store.Record{
		ThreadID: threadID,
		ParentID: cp.ID,
		NodeID:   next,
		State:    merged,
		Status:   store.StatusRunning,
	}
	switch {
	case next == graph.End:
		rec.NodeID = node.ID
		rec.Status = store.StatusCompleted
	default:
		nextNode, _ := e.def.Node(next)
		if nextNode.Interrupt {
			rec.Status = store.StatusSuspended
			rec.AwaitingInput = true
		}
		if nextNode.Subgraph != nil {
			rec.PendingSubrun = subrunThreadID(threadID, next) + "@" + shortID(cp.ID)
		}
	}

	out, err := e.store.Append(ctx, rec)
	if err != nil {
		return nil, err
	}
	logger.Debug("node dispatched", "next", next, "status", string(out.Status))
	return out, nil
}

// dispatchSubgraph starts or continues the nested run a subgraph node is
// blocked on. It returns a nil update while the child is suspended; on
// child completion it returns the child's final state filtered to the
// parent schema, to merge as a single update.
func (e *Engine) dispatchSubgraph(ctx context.Context, threadID string, cp *store.Checkpoint, node *graph.Node) (state.State, error) {
	// The checkpoint that routed into this node minted the child id;
	// every entry gets a fresh one so a loop through a subgraph node
	// runs a fresh child instead of finding the previous terminal run.
	childID := cp.PendingSubrun
	if childID == "" {
		childID = subrunThreadID(threadID, node.ID)
	}
	sub := e.subEngine(node.ID, node.Subgraph)
	logger := e.logger.WithThread(threadID).WithNode(node.ID)

	latest, err := e.store.LoadLatest(ctx, childID)
	switch {
	case errors.HasCode(err, errors.ErrCodeThreadNotFound):
		initial := projectState(cp.State, node.Subgraph.Schema())
		if _, err := sub.Start(ctx, childID, initial); err != nil {
			return nil, err
		}
		logger.Info("subrun started", "child", childID)
	case err != nil:
		return nil, err
	default:
		if latest.Status.Terminal() {
			return projectState(latest.State, e.def.Schema()), nil
		}
	}

	status, err := sub.Run(ctx, childID)
	if err != nil {
		return nil, err
	}
	if status == store.StatusSuspended {
		logger.Info("subrun suspended awaiting input", "child", childID)
		return nil, nil
	}

	final, err := e.store.LoadLatest(ctx, childID)
	if err != nil {
		return nil, err
	}
	logger.Info("subrun finished", "child", childID, "status", string(status))
	return projectState(final.State, e.def.Schema()), nil
}

// appendTerminal writes the run's final checkpoint
func (e *Engine) appendTerminal(ctx context.Context, threadID string, cp *store.Checkpoint, nodeID string, status store.RunStatus, reason string) (*store.Checkpoint, error) {
	merged := cp.State
	if reason != "" {
		merged = e.def.Schema().Apply(cp.State, state.State{state.KeyFailReason: reason})
	}
	return e.store.Append(ctx, store.Record{
		ThreadID: threadID,
		ParentID: cp.ID,
		NodeID:   nodeID,
		State:    merged,
		Status:   status,
	})
}

// Cancel aborts a thread: the in-flight node context is cancelled
// best-effort, then one terminal Failed checkpoint records the
// cancellation. The append waits for any in-flight step, so a cancel
// can never leave a half-applied state update.
func (e *Engine) Cancel(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	e.mu.Lock()
	if cancel, ok := e.cancels[threadID]; ok {
		cancel()
	}
	e.mu.Unlock()

	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.Status.Terminal() {
		return nil, errors.New(errors.ErrCodeThreadTerminal, "thread "+threadID+" already reached a terminal status")
	}
	out, err := e.appendTerminal(ctx, threadID, cp, cp.NodeID, store.StatusFailed, "cancelled")
	if err != nil {
		return nil, err
	}
	e.logger.WithThread(threadID).Warn("run cancelled")
	return out, nil
}

func (e *Engine) registerCancel(threadID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[threadID] = cancel
}

func (e *Engine) clearCancel(threadID string, cancel context.CancelFunc) {
	e.mu.Lock()
	delete(e.cancels, threadID)
	e.mu.Unlock()
	cancel()
}

// subrunThreadID derives the child thread namespace for a subgraph node.
// Re-entries append an @-suffix derived from the routing checkpoint so
// each pass through the node owns a distinct child chain.
func subrunThreadID(parent, nodeID string) string {
	return parent + "/" + nodeID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// projectState filters a state down to the fields a schema declares
func projectState(st state.State, schema state.Schema) state.State {
	out := state.State{}
	for field := range schema {
		if v, ok := st[field]; ok {
			out[field] = v
		}
	}
	return out
}
