// Package session builds the three graphs the coordinator runs: a
// planning session with a bounded research loop and a human approval
// gate, an execution session with per-step retry and concurrent step
// dispatch, and a quality gate nested inside execution. Each session is
// a graph.Definition; the engine owns stepping, checkpointing, and
// suspension.
package session

import (
	"context"
	"fmt"

	"github.com/forgeline/foreman/internal/gateway"
	"github.com/forgeline/foreman/internal/graph"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/msglog"
	"github.com/forgeline/foreman/internal/state"
)

// Sender identities on the shared transcript
const (
	SenderSupervisor = "supervisor"
	SenderPlanner    = "planner"
	SenderProgrammer = "programmer"
	SenderReviewer   = "reviewer"
)

// Approval decisions delivered through resume
const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

// Verdicts the quality gate writes
const (
	VerdictApproved = "approved"
	VerdictFeedback = "feedback"
)

// Limits bounds every loop the sessions run. The engine itself caps
// nothing; these feed the routing predicates.
type Limits struct {
	// MinSearches and MinViews define research sufficiency for the
	// planning loop unless the model signals enough context earlier.
	MinSearches int
	MinViews    int

	// MaxPlanAttempts bounds re-prompting when the model emits an
	// unparseable plan.
	MaxPlanAttempts int

	// MaxRetries bounds the write/test cycle per step wave.
	MaxRetries int

	// MaxReviewIterations bounds the quality gate's feedback loop.
	MaxReviewIterations int

	// ForceApproveOnExhaustion decides what happens when the gate
	// exhausts its iterations with failures outstanding. It has no
	// default: nil means the operator never chose, and the gate
	// refuses to decide for them.
	ForceApproveOnExhaustion *bool
}

// DefaultLimits returns the limits used when config does not override
// them. The exhaustion policy stays unset on purpose.
func DefaultLimits() Limits {
	return Limits{
		MinSearches:         2,
		MinViews:            1,
		MaxPlanAttempts:     3,
		MaxRetries:          3,
		MaxReviewIterations: 3,
	}
}

// Service wires the session graphs to their external collaborators
type Service struct {
	gw        *gateway.Gateway
	limits    Limits
	logger    *log.Logger
	compactor msglog.Compactor

	// LintCmd and TestCmd run inside the execution environment
	LintCmd gateway.Command
	TestCmd gateway.Command
}

func NewService(gw *gateway.Gateway, limits Limits, logger *log.Logger) *Service {
	s := &Service{
		gw:      gw,
		limits:  limits,
		logger:  logger,
		LintCmd: gateway.Command{Name: "go", Args: []string{"vet", "./..."}},
		TestCmd: gateway.Command{Name: "go", Args: []string{"test", "./..."}},
	}
	if gw.Model != nil {
		s.compactor = &msglog.SummaryCompactor{Summarizer: gw.Model}
	} else {
		s.compactor = msglog.NoopCompactor{}
	}
	return s
}

// SetCompactor overrides the transcript compactor
func (s *Service) SetCompactor(c msglog.Compactor) { s.compactor = c }

// RunSchema is the top-level graph's schema. Messages are overwrite
// here so the handoff node can compact the transcript; inside the
// sessions they append.
func RunSchema() state.Schema {
	return state.Schema{
		state.KeyMessages:         state.ReducerOverwrite,
		state.KeySender:           state.ReducerOverwrite,
		state.KeyPlan:             state.ReducerOverwrite,
		state.KeyRevision:         state.ReducerOverwrite,
		state.KeySearchCount:      state.ReducerOverwrite,
		state.KeyViewCount:        state.ReducerOverwrite,
		state.KeyEnoughContext:    state.ReducerOverwrite,
		state.KeyPlanAttempts:     state.ReducerOverwrite,
		state.KeyApprovalDecision: state.ReducerOverwrite,
		state.KeyFeedback:         state.ReducerOverwrite,
		state.KeyCurrentSteps:     state.ReducerOverwrite,
		state.KeyCompletedSteps:   state.ReducerUnion,
		state.KeyRetryCount:       state.ReducerOverwrite,
		state.KeyStepFailures:     state.ReducerAppend,
		state.KeyNeedsDocs:        state.ReducerOverwrite,
		state.KeyTestsPassed:      state.ReducerOverwrite,
		state.KeyReviewIterations: state.ReducerOverwrite,
		state.KeyChecksFailed:     state.ReducerOverwrite,
		state.KeyVerdict:          state.ReducerOverwrite,
		state.KeyForcedApproval:   state.ReducerOverwrite,
		state.KeyResultRef:        state.ReducerOverwrite,
		state.KeyFailReason:       state.ReducerOverwrite,
	}
}

// BuildRunGraph composes the full task lifecycle: planning, a
// compacting handoff, then execution with the quality gate nested
// inside. The abort node turns a failed child session into a failed
// run.
func (s *Service) BuildRunGraph() (*graph.Definition, error) {
	planning, err := s.BuildPlanningGraph()
	if err != nil {
		return nil, err
	}
	execution, err := s.BuildExecutionGraph()
	if err != nil {
		return nil, err
	}

	return graph.NewBuilder("task-run", RunSchema()).
		AddSubgraph("planning", planning).
		AddNode("handoff", s.handoffNode()).
		AddSubgraph("execution", execution).
		AddNode("abort", abortNode).
		AddRouter("planning", func(st state.State) string {
			if st.String(state.KeyFailReason) != "" {
				return "abort"
			}
			return "handoff"
		}).
		AddEdge("handoff", "execution").
		AddRouter("execution", func(st state.State) string {
			if st.String(state.KeyVerdict) == VerdictApproved {
				return graph.End
			}
			return "abort"
		}).
		AddEdge("abort", graph.End).
		SetEntry("planning").
		Build()
}

// handoffNode compacts the transcript at the planning-to-execution
// boundary. With an overwrite reducer the compacted list replaces
// history instead of appending to it.
func (s *Service) handoffNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		msgs, err := msglog.FromState(st)
		if err != nil {
			return nil, err
		}
		compacted, err := s.compactor.Compact(ctx, msgs)
		if err != nil {
			// Compaction is best effort; a failed summary never
			// blocks the handoff.
			s.logger.WithError(err).Warn("transcript compaction failed, handing off uncompacted")
			compacted = msgs
		}
		return state.State{state.KeyMessages: msglog.ToState(compacted...)}, nil
	}
}

// abortNode surfaces a child session failure as the run's failure
func abortNode(_ context.Context, st state.State) (state.State, error) {
	reason := st.String(state.KeyFailReason)
	if reason == "" {
		reason = "session failed without a recorded reason"
	}
	return nil, fmt.Errorf("%s", reason)
}

// say appends one transcript message as a state update value
func say(role msglog.Role, sender, format string, args ...any) []any {
	return msglog.ToState(msglog.New(role, sender, fmt.Sprintf(format, args...)))
}
