// Package coordinator multiplexes task threads: it owns the run graph
// engine, starts one cooperatively scheduled run per thread, routes
// inbound messages through a fixed-precedence table, and records
// terminal results. Threads archive on completion; nothing is deleted.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/internal/engine"
	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/msglog"
	"github.com/forgeline/foreman/internal/session"
	"github.com/forgeline/foreman/internal/state"
	"github.com/forgeline/foreman/internal/store"
)

// Phase is the coordinator's view of a thread for routing purposes
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseAwaitingPlanFeedback Phase = "awaiting_plan_feedback"
	PhaseProgrammerRunning    Phase = "programmer_running"
)

// Mode selects how plan approval resolves
type Mode string

const (
	// ModeManual suspends at the approval gate until a human resumes
	ModeManual Mode = "manual"

	// ModeAuto approves the first plan revision automatically
	ModeAuto Mode = "auto"
)

// Message is one inbound communication about a thread. The capability
// flags drive the routing predicates; a message may carry several at
// once, which is exactly the ambiguity the precedence order resolves.
type Message struct {
	ThreadID string
	Content  string

	// PlanDecision is "accepted" or "rejected" when the message
	// answers a pending plan approval; Feedback carries the detail.
	PlanDecision string
	Feedback     string

	// Instructions marks content that should steer a running
	// execution session.
	Instructions bool

	// Unrelated marks content that belongs to a new independent task.
	Unrelated bool
}

func (m Message) hasPlanFeedback() bool { return m.PlanDecision != "" || m.Feedback != "" }

// Action names which routing rule consumed a message
type Action string

const (
	ActionResumedPlanning  Action = "resumed_planning"
	ActionInjectedRun      Action = "injected_running_session"
	ActionStartedSession   Action = "started_session"
	ActionStartedSideTask  Action = "started_side_task"
	ActionAcknowledgedOnly Action = "acknowledged"
)

// Result is a thread's terminal outcome
type Result struct {
	ThreadID   string   `yaml:"thread_id"`
	Status     string   `yaml:"status"` // completed | failed | cancelled
	ResultRef  string   `yaml:"result_ref,omitempty"`
	FailReason string   `yaml:"fail_reason,omitempty"`
	Forced     bool     `yaml:"forced_approval,omitempty"`
	Failures   []string `yaml:"outstanding_failures,omitempty"`
}

// RunHandle tracks a launched run
type RunHandle struct {
	ThreadID string
	Done     <-chan Result
}

type threadEntry struct {
	mode     Mode
	archived bool
	done     chan Result
}

// Coordinator owns the engine and the thread registry
type Coordinator struct {
	eng    *engine.Engine
	st     store.Store
	svc    *session.Service
	logger *log.Logger

	// ReportDir, when set, receives one YAML report per terminal run
	ReportDir string

	mu      sync.Mutex
	threads map[string]*threadEntry
	wg      sync.WaitGroup
}

func New(svc *session.Service, st store.Store, logger *log.Logger) (*Coordinator, error) {
	def, err := svc.BuildRunGraph()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		eng:     engine.New(def, st, logger),
		st:      st,
		svc:     svc,
		logger:  logger,
		threads: make(map[string]*threadEntry),
	}, nil
}

// Engine exposes the underlying engine for inspection surfaces
func (c *Coordinator) Engine() *engine.Engine { return c.eng }

// Phase derives the routing phase for a thread from the registry and
// the persisted chain, rather than from mutable bookkeeping flags.
func (c *Coordinator) Phase(ctx context.Context, threadID string) Phase {
	c.mu.Lock()
	entry, ok := c.threads[threadID]
	c.mu.Unlock()
	if !ok || entry.archived {
		return PhaseIdle
	}

	status, err := c.eng.Status(ctx, threadID)
	if err != nil {
		return PhaseIdle
	}
	switch status {
	case store.StatusSuspended:
		return PhaseAwaitingPlanFeedback
	case store.StatusRunning:
		cp, err := c.st.LoadLatest(ctx, threadID)
		if err == nil && cp.NodeID == "execution" {
			return PhaseProgrammerRunning
		}
	}
	return PhaseIdle
}

// active reports whether the thread has a live, unarchived session
func (c *Coordinator) active(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.threads[threadID]
	return ok && !entry.archived
}

// Dispatch routes one inbound message. The rules are an ordered list
// and the order is the contract: when several predicates hold at once
// the first one wins, logged as an ambiguity, never raised.
func (c *Coordinator) Dispatch(ctx context.Context, msg Message) (Action, error) {
	phase := c.Phase(ctx, msg.ThreadID)

	type rule struct {
		action Action
		when   bool
	}
	rules := []rule{
		{ActionResumedPlanning, phase == PhaseAwaitingPlanFeedback && msg.hasPlanFeedback()},
		{ActionInjectedRun, phase == PhaseProgrammerRunning && msg.Instructions},
		{ActionStartedSession, !c.active(msg.ThreadID)},
		{ActionStartedSideTask, msg.Unrelated},
	}

	matches := 0
	for _, r := range rules {
		if r.when {
			matches++
		}
	}
	if matches > 1 {
		c.logger.WithThread(msg.ThreadID).Warn("routing ambiguity, picking by precedence",
			"phase", string(phase), "matches", matches)
	}

	for _, r := range rules {
		if !r.when {
			continue
		}
		return r.action, c.apply(ctx, r.action, msg)
	}
	c.logger.WithThread(msg.ThreadID).Debug("message acknowledged, no route matched")
	return ActionAcknowledgedOnly, nil
}

func (c *Coordinator) apply(ctx context.Context, action Action, msg Message) error {
	switch action {
	case ActionResumedPlanning:
		decision := msg.PlanDecision
		if decision == "" {
			decision = session.DecisionRejected
		}
		_, err := c.ResumeRun(ctx, msg.ThreadID, state.State{
			state.KeyApprovalDecision: decision,
			state.KeyFeedback:         msg.Feedback,
		})
		return err

	case ActionInjectedRun:
		return c.eng.InjectActive(ctx, msg.ThreadID, msglog.Update(
			msglog.New(msglog.RoleUser, session.SenderSupervisor, msg.Content)))

	case ActionStartedSession:
		_, err := c.StartRun(ctx, msg.ThreadID, msg.Content, ModeManual)
		return err

	case ActionStartedSideTask:
		sideID := fmt.Sprintf("%s-side-%s", msg.ThreadID, uuid.NewString()[:8])
		_, err := c.StartRun(ctx, sideID, msg.Content, ModeManual)
		return err
	}
	return nil
}

// StartRun launches a new task thread and steps it on its own
// goroutine so one slow session never blocks another.
func (c *Coordinator) StartRun(ctx context.Context, threadID, initialMessage string, mode Mode) (*RunHandle, error) {
	c.mu.Lock()
	if entry, ok := c.threads[threadID]; ok && !entry.archived {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrCodeThreadTerminal, "thread "+threadID+" already has an active session")
	}
	entry := &threadEntry{mode: mode, done: make(chan Result, 1)}
	c.threads[threadID] = entry
	c.mu.Unlock()

	initial := msglog.Update(msglog.New(msglog.RoleUser, session.SenderSupervisor, initialMessage))
	if _, err := c.eng.Start(ctx, threadID, initial); err != nil {
		c.mu.Lock()
		delete(c.threads, threadID)
		c.mu.Unlock()
		return nil, err
	}

	c.wg.Add(1)
	go c.runLoop(threadID, entry)

	c.logger.WithThread(threadID).Info("run started", "mode", string(mode))
	return &RunHandle{ThreadID: threadID, Done: entry.done}, nil
}

// ResumeRun delivers approval input to a suspended thread and restarts
// its stepping loop.
func (c *Coordinator) ResumeRun(ctx context.Context, threadID string, input state.State) (*RunHandle, error) {
	c.mu.Lock()
	entry, ok := c.threads[threadID]
	adopted := false
	switch {
	case !ok:
		// A suspended thread from an earlier process lives only in the
		// store; adopt it into the registry so resume works across
		// restarts.
		entry = &threadEntry{mode: ModeManual, done: make(chan Result, 1)}
		c.threads[threadID] = entry
		adopted = true
	case entry.archived:
		c.mu.Unlock()
		return nil, errors.NewThreadNotFoundError(threadID)
	}
	c.mu.Unlock()

	if _, err := c.eng.Resume(ctx, threadID, input); err != nil {
		if adopted {
			c.mu.Lock()
			delete(c.threads, threadID)
			c.mu.Unlock()
		}
		return nil, err
	}

	c.wg.Add(1)
	go c.runLoop(threadID, entry)
	return &RunHandle{ThreadID: threadID, Done: entry.done}, nil
}

// runLoop steps a thread until it suspends or terminates. Suspension in
// auto mode answers the approval gate itself; in manual mode the loop
// parks until ResumeRun relaunches it.
func (c *Coordinator) runLoop(threadID string, entry *threadEntry) {
	defer c.wg.Done()
	ctx := context.Background()
	logger := c.logger.WithThread(threadID)

	for {
		status, err := c.eng.Run(ctx, threadID)
		if err != nil {
			logger.WithError(err).Error("run loop stopped")
			c.finish(ctx, threadID, entry, Result{
				ThreadID:   threadID,
				Status:     "failed",
				FailReason: err.Error(),
			})
			return
		}

		switch status {
		case store.StatusSuspended:
			if entry.mode == ModeAuto {
				logger.Info("auto mode approving plan")
				if _, err := c.eng.Resume(ctx, threadID, state.State{
					state.KeyApprovalDecision: session.DecisionAccepted,
				}); err != nil {
					logger.WithError(err).Error("auto approval failed")
					c.finish(ctx, threadID, entry, Result{ThreadID: threadID, Status: "failed", FailReason: err.Error()})
					return
				}
				continue
			}
			logger.Info("run suspended awaiting plan feedback")
			return

		case store.StatusCompleted, store.StatusFailed:
			c.finish(ctx, threadID, entry, c.terminalResult(ctx, threadID, status))
			return
		}
	}
}

// terminalResult assembles the run's outcome from its final checkpoint
func (c *Coordinator) terminalResult(ctx context.Context, threadID string, status store.RunStatus) Result {
	res := Result{ThreadID: threadID, Status: string(status)}
	cp, err := c.st.LoadLatest(ctx, threadID)
	if err != nil {
		res.FailReason = err.Error()
		return res
	}
	res.ResultRef = cp.State.String(state.KeyResultRef)
	res.FailReason = cp.State.String(state.KeyFailReason)
	if res.FailReason == "cancelled" {
		res.Status = "cancelled"
	}
	res.Forced = cp.State.Bool(state.KeyForcedApproval)
	if res.Forced {
		for _, f := range cp.State.Slice(state.KeyStepFailures) {
			res.Failures = append(res.Failures, fmt.Sprint(f))
		}
	}
	return res
}

// finish archives the thread and publishes its result
func (c *Coordinator) finish(ctx context.Context, threadID string, entry *threadEntry, res Result) {
	c.mu.Lock()
	entry.archived = true
	c.mu.Unlock()

	if err := c.writeReport(res); err != nil {
		c.logger.WithThread(threadID).WithError(err).Warn("run report not written")
	}

	entry.done <- res
	close(entry.done)
	c.logger.WithThread(threadID).Info("run finished",
		"status", res.Status, "result_ref", res.ResultRef)
}

// Cancel records the terminal cancellation checkpoint and archives the
// thread.
func (c *Coordinator) Cancel(ctx context.Context, threadID string) error {
	if _, err := c.eng.Cancel(ctx, threadID); err != nil {
		return err
	}
	c.mu.Lock()
	if entry, ok := c.threads[threadID]; ok {
		entry.archived = true
	}
	c.mu.Unlock()
	return nil
}

// ThreadInfo is one row of the coordinator's thread listing
type ThreadInfo struct {
	ThreadID string
	Status   store.RunStatus
	Phase    Phase
	Archived bool
}

// Threads lists every persisted thread with its live phase. Subrun
// chains are included; callers distinguish them by the / in the id.
func (c *Coordinator) Threads(ctx context.Context) ([]ThreadInfo, error) {
	ids, err := c.st.Threads(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]ThreadInfo, 0, len(ids))
	for _, id := range ids {
		status, err := c.eng.Status(ctx, id)
		if err != nil {
			continue
		}
		c.mu.Lock()
		entry, ok := c.threads[id]
		archived := ok && entry.archived
		c.mu.Unlock()
		infos = append(infos, ThreadInfo{
			ThreadID: id,
			Status:   status,
			Phase:    c.Phase(ctx, id),
			Archived: archived,
		})
	}
	return infos, nil
}

// Wait blocks until every run loop has parked or finished
func (c *Coordinator) Wait() { c.wg.Wait() }
