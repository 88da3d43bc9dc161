package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/gateway"
	"github.com/forgeline/foreman/internal/graph"
	"github.com/forgeline/foreman/internal/msglog"
	"github.com/forgeline/foreman/internal/plan"
	"github.com/forgeline/foreman/internal/state"
)

// Review check categories
const (
	CheckLint         = "lint"
	CheckTests        = "tests"
	CheckCompleteness = "completeness"
)

// QualityGateSchema declares the gate's state fields. Messages are
// overwrite here: the gate compacts the transcript it inherits before
// reviewing, and its verdict messages replace rather than append when
// merged back.
func QualityGateSchema() state.Schema {
	return state.Schema{
		state.KeyMessages:         state.ReducerOverwrite,
		state.KeyPlan:             state.ReducerOverwrite,
		state.KeyStepFailures:     state.ReducerAppend,
		state.KeyFeedback:         state.ReducerOverwrite,
		state.KeyReviewIterations: state.ReducerOverwrite,
		state.KeyChecksFailed:     state.ReducerOverwrite,
		state.KeyVerdict:          state.ReducerOverwrite,
		state.KeyForcedApproval:   state.ReducerOverwrite,
		state.KeyFailReason:       state.ReducerOverwrite,
	}
}

// BuildQualityGate assembles the bounded validation loop. One pass runs
// every check, then the decide node issues the verdict; the feedback
// loop back to execution lives in the parent graph's router.
func (s *Service) BuildQualityGate() (*graph.Definition, error) {
	return graph.NewBuilder("quality-gate", QualityGateSchema()).
		AddNode("analyzing", s.reviewAnalyzingNode()).
		AddNode("linting", s.lintingNode()).
		AddNode("testing", s.reviewTestingNode()).
		AddNode("checking_completeness", s.completenessNode()).
		AddNode("decide", s.decideNode()).
		AddEdge("analyzing", "linting").
		AddEdge("linting", "testing").
		AddEdge("testing", "checking_completeness").
		AddEdge("checking_completeness", "decide").
		AddEdge("decide", graph.End).
		SetEntry("analyzing").
		Build()
}

// reviewAnalyzingNode opens the review pass: compact the inherited
// transcript, then reset the per-pass check set. The iteration counter
// is monotonic and survives passes.
func (s *Service) reviewAnalyzingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		msgs, err := msglog.FromState(st)
		if err != nil {
			return nil, err
		}
		compacted, err := s.compactor.Compact(ctx, msgs)
		if err != nil {
			compacted = msgs
		}
		compacted = append(compacted, msglog.New(msglog.RoleAssistant, SenderReviewer,
			fmt.Sprintf("review pass %d", st.Int(state.KeyReviewIterations)+1)))
		// The verdict resets per pass; a stale one from the previous
		// iteration must never route the parent after a failed pass.
		return state.State{
			state.KeyMessages:     msglog.ToState(compacted...),
			state.KeyChecksFailed: []any{},
			state.KeyVerdict:      "",
		}, nil
	}
}

// lintingNode runs the lint command; a nonzero exit fails the lint
// category.
func (s *Service) lintingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		res, err := s.gw.Workspace.RunCommand(ctx, s.LintCmd)
		if err != nil {
			return nil, err
		}
		if res.Ok() {
			return state.State{}, nil
		}
		return state.State{
			state.KeyChecksFailed: appendCheck(st, CheckLint),
			state.KeyStepFailures: []any{"lint: " + firstLines(res.Stderr+res.Stdout, 5)},
		}, nil
	}
}

func (s *Service) reviewTestingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		res, err := s.gw.Workspace.RunCommand(ctx, s.TestCmd)
		if err != nil {
			return nil, err
		}
		if res.Ok() {
			return state.State{}, nil
		}
		return state.State{
			state.KeyChecksFailed: appendCheck(st, CheckTests),
			state.KeyStepFailures: []any{"tests: " + firstLines(res.Stderr+res.Stdout, 5)},
		}, nil
	}
}

// completenessNode fails its category while any plan step is not
// completed
func (s *Service) completenessNode() graph.NodeFunc {
	return func(_ context.Context, st state.State) (state.State, error) {
		p, err := plan.FromState(st)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, errors.New(errors.ErrCodePlanInvalid, "review started without a plan")
		}
		var missing []string
		for _, step := range p.Steps {
			if step.Status != plan.StatusCompleted {
				missing = append(missing, step.ID)
			}
		}
		if len(missing) == 0 {
			return state.State{}, nil
		}
		return state.State{
			state.KeyChecksFailed: appendCheck(st, CheckCompleteness),
			state.KeyStepFailures: []any{"incomplete steps: " + strings.Join(missing, ", ")},
		}, nil
	}
}

// decideNode issues the verdict. Zero failed categories approves.
// Otherwise feedback goes back while iterations remain; at exhaustion
// the configured policy decides, and an unset policy is a hard error
// rather than a silent default.
func (s *Service) decideNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		failed := st.Slice(state.KeyChecksFailed)
		iterations := st.Int(state.KeyReviewIterations)

		if len(failed) == 0 {
			return state.State{
				state.KeyVerdict:  VerdictApproved,
				state.KeyMessages: say(msglog.RoleAssistant, SenderReviewer, "all checks passed, approved"),
			}, nil
		}

		if iterations < s.limits.MaxReviewIterations {
			feedback, err := s.reviewFeedback(ctx, st, failed)
			if err != nil {
				feedback = "address the failed checks: " + joinAny(failed)
			}
			p, perr := plan.FromState(st)
			if perr != nil {
				return nil, perr
			}
			// Failed steps reopen so execution can take another pass.
			for i := range p.Steps {
				if p.Steps[i].Status == plan.StatusFailed {
					p.Steps[i].Status = plan.StatusPending
				}
			}
			update, perr := p.ToState()
			if perr != nil {
				return nil, perr
			}
			update[state.KeyVerdict] = VerdictFeedback
			update[state.KeyReviewIterations] = iterations + 1
			update[state.KeyFeedback] = feedback
			update[state.KeyMessages] = say(msglog.RoleAssistant, SenderReviewer,
				"checks failed (%s), iteration %d of %d: %s", joinAny(failed), iterations+1, s.limits.MaxReviewIterations, feedback)
			return update, nil
		}

		if s.limits.ForceApproveOnExhaustion == nil {
			return nil, errors.New(errors.ErrCodeConfigPolicyMissing,
				"review iterations exhausted and forceApproveOnExhaustion is not configured").
				WithSuggestion("Set review.force_approve_on_exhaustion to true or false explicitly")
		}
		if *s.limits.ForceApproveOnExhaustion {
			return state.State{
				state.KeyVerdict:        VerdictApproved,
				state.KeyForcedApproval: true,
				state.KeyMessages: say(msglog.RoleAssistant, SenderReviewer,
					"iterations exhausted; force-approving with outstanding failures: %s", joinAny(failed)),
			}, nil
		}
		return nil, errors.NewQuotaExceededError("review iterations", s.limits.MaxReviewIterations).
			WithSuggestion("Outstanding failures: " + joinAny(failed))
	}
}

// reviewFeedback asks the model to turn failed checks into actionable
// instructions for the programmer
func (s *Service) reviewFeedback(ctx context.Context, st state.State, failed []any) (string, error) {
	msgs, err := msglog.FromState(st)
	if err != nil {
		return "", err
	}
	msgs = append(msgs, msglog.New(msglog.RoleUser, SenderSupervisor,
		"These review checks failed: "+joinAny(failed)+". Give the programmer concise instructions to fix them."))
	resp, err := s.gw.Model.Complete(ctx, gateway.CompletionRequest{
		System:   "You are a code reviewer. Be specific and brief.",
		Messages: msgs,
		Hint:     "review",
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func appendCheck(st state.State, category string) []any {
	return append(st.Slice(state.KeyChecksFailed), category)
}
