package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/gateway"
	"github.com/forgeline/foreman/internal/graph"
	"github.com/forgeline/foreman/internal/msglog"
	"github.com/forgeline/foreman/internal/plan"
	"github.com/forgeline/foreman/internal/state"
)

const (
	codeSystemPrompt = "You are a programmer agent. Implement the step you are given and respond with " +
		"only the complete contents of the target file. If you need external documentation first, " +
		"respond with exactly NEED_DOCS: <query> instead."

	needDocsMarker = "NEED_DOCS:"
)

// ExecutionSchema declares the execution session's state fields
func ExecutionSchema() state.Schema {
	return state.Schema{
		state.KeyMessages:         state.ReducerAppend,
		state.KeySender:           state.ReducerOverwrite,
		state.KeyPlan:             state.ReducerOverwrite,
		state.KeyCurrentSteps:     state.ReducerOverwrite,
		state.KeyCompletedSteps:   state.ReducerUnion,
		state.KeyRetryCount:       state.ReducerOverwrite,
		state.KeyStepFailures:     state.ReducerAppend,
		state.KeyNeedsDocs:        state.ReducerOverwrite,
		state.KeyTestsPassed:      state.ReducerOverwrite,
		state.KeyFeedback:         state.ReducerOverwrite,
		state.KeyReviewIterations: state.ReducerOverwrite,
		state.KeyChecksFailed:     state.ReducerOverwrite,
		state.KeyVerdict:          state.ReducerOverwrite,
		state.KeyForcedApproval:   state.ReducerOverwrite,
		state.KeyResultRef:        state.ReducerOverwrite,
		state.KeyFailReason:       state.ReducerOverwrite,
	}
}

// BuildExecutionGraph assembles the step loop with the quality gate
// nested as a subgraph. The plan arrives frozen; only step statuses
// move while it executes.
func (s *Service) BuildExecutionGraph() (*graph.Definition, error) {
	gate, err := s.BuildQualityGate()
	if err != nil {
		return nil, err
	}

	return graph.NewBuilder("execution", ExecutionSchema()).
		AddNode("selecting", s.selectingNode()).
		AddNode("writing", s.writingNode()).
		AddNode("docs", s.docsNode()).
		AddNode("testing", s.testingNode()).
		AddNode("committing", s.committingNode()).
		AddSubgraph("review", gate).
		AddRouter("selecting", func(st state.State) string {
			if len(st.Slice(state.KeyCurrentSteps)) > 0 {
				return "writing"
			}
			return "review"
		}).
		AddRouter("writing", func(st state.State) string {
			if st.Bool(state.KeyNeedsDocs) {
				return "docs"
			}
			return "testing"
		}).
		AddEdge("docs", "writing").
		AddRouter("testing", func(st state.State) string {
			if st.Bool(state.KeyTestsPassed) {
				return "committing"
			}
			if st.Int(state.KeyRetryCount) >= s.limits.MaxRetries {
				return "review"
			}
			return "writing"
		}).
		AddRouter("committing", func(st state.State) string { return "selecting" }).
		AddRouter("review", func(st state.State) string {
			if st.String(state.KeyVerdict) == VerdictFeedback {
				return "selecting"
			}
			return graph.End
		}).
		SetEntry("selecting").
		Build()
}

// selectingNode claims the next wave of eligible steps: dependencies
// satisfied, target paths disjoint. An empty wave routes to review.
func (s *Service) selectingNode() graph.NodeFunc {
	return func(_ context.Context, st state.State) (state.State, error) {
		p, err := plan.FromState(st)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, errors.New(errors.ErrCodePlanInvalid, "execution started without a plan")
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}

		eligible := p.Eligible()
		wave := make([]any, 0, len(eligible))
		for _, step := range eligible {
			if err := p.SetStatus(step.ID, plan.StatusInProgress); err != nil {
				return nil, err
			}
			wave = append(wave, step.ID)
		}

		update, err := p.ToState()
		if err != nil {
			return nil, err
		}
		update[state.KeyCurrentSteps] = wave
		update[state.KeyRetryCount] = 0
		update[state.KeyTestsPassed] = false
		if len(wave) > 0 {
			update[state.KeyMessages] = say(msglog.RoleAssistant, SenderProgrammer,
				"starting steps: %s", joinAny(wave))
		}
		return update, nil
	}
}

// stepOutcome is one concurrent step result, collected in completion
// order
type stepOutcome struct {
	stepID   string
	path     string
	message  string
	needDocs string
	err      error
}

// writingNode implements the current wave. Steps dispatch concurrently
// on their own goroutines and merge in the order their calls return,
// so cross-step ordering is completion order, not id order. A step
// whose call fails is marked failed and leaves the wave; only steps
// whose output reached the workspace move on toward committing.
func (s *Service) writingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		p, err := plan.FromState(st)
		if err != nil {
			return nil, err
		}
		wave := st.Slice(state.KeyCurrentSteps)
		if len(wave) == 0 {
			return state.State{}, nil
		}
		transcript, err := msglog.FromState(st)
		if err != nil {
			return nil, err
		}

		outcomes := make(chan stepOutcome, len(wave))
		var wg sync.WaitGroup
		for _, raw := range wave {
			id, _ := raw.(string)
			step, ok := p.Step(id)
			if !ok {
				return nil, errors.New(errors.ErrCodePlanStepMissing, "wave references unknown step "+id)
			}
			wg.Add(1)
			go func(step plan.Step) {
				defer wg.Done()
				outcomes <- s.implementStep(ctx, transcript, step)
			}(*step)
		}
		wg.Wait()
		close(outcomes)

		update := state.State{state.KeyNeedsDocs: false}
		var msgs []any
		remaining := make([]any, 0, len(wave))
		anyFailed := false
		for out := range outcomes {
			switch {
			case out.err != nil:
				anyFailed = true
				if err := p.SetStatus(out.stepID, plan.StatusFailed); err != nil {
					return nil, err
				}
				msgs = append(msgs, msglog.ToState(msglog.New(msglog.RoleAssistant, SenderProgrammer,
					fmt.Sprintf("step %s failed: %v", out.stepID, out.err)))...)
				update[state.KeyStepFailures] = appendFailure(update, out.stepID, out.err.Error())
			case out.needDocs != "":
				remaining = append(remaining, out.stepID)
				update[state.KeyNeedsDocs] = true
				update[state.KeyFeedback] = out.needDocs
				msgs = append(msgs, msglog.ToState(msglog.New(msglog.RoleAssistant, SenderProgrammer,
					fmt.Sprintf("step %s needs documentation: %s", out.stepID, out.needDocs)))...)
			default:
				remaining = append(remaining, out.stepID)
				msgs = append(msgs, msglog.ToState(msglog.New(msglog.RoleAssistant, SenderProgrammer, out.message))...)
			}
		}
		update[state.KeyMessages] = msgs
		if anyFailed {
			planUpdate, perr := p.ToState()
			if perr != nil {
				return nil, perr
			}
			update[state.KeyPlan] = planUpdate[state.KeyPlan]
			update[state.KeyCurrentSteps] = remaining
		}
		return update, nil
	}
}

// implementStep is one model call plus one workspace write
func (s *Service) implementStep(ctx context.Context, transcript []msglog.Message, step plan.Step) stepOutcome {
	prompt := fmt.Sprintf("Step %s: %s\nTarget file: %s", step.ID, step.Description, step.TargetPath)
	msgs := append(append([]msglog.Message{}, transcript...), msglog.New(msglog.RoleUser, SenderSupervisor, prompt))

	resp, err := s.gw.Model.Complete(ctx, gateway.CompletionRequest{
		System:   codeSystemPrompt,
		Messages: msgs,
		Hint:     "codegen",
	})
	if err != nil {
		return stepOutcome{stepID: step.ID, err: err}
	}
	if q := extractMarker(resp.Content, needDocsMarker); q != "" {
		return stepOutcome{stepID: step.ID, needDocs: q}
	}

	content := stripFences(resp.Content)
	if err := s.gw.Workspace.WriteFile(ctx, step.TargetPath, []byte(content)); err != nil {
		return stepOutcome{stepID: step.ID, err: err}
	}
	return stepOutcome{
		stepID:  step.ID,
		path:    step.TargetPath,
		message: fmt.Sprintf("step %s wrote %s (%d bytes)", step.ID, step.TargetPath, len(content)),
	}
}

// docsNode services a mid-step documentation request, then the edge
// returns to writing
func (s *Service) docsNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		query := st.String(state.KeyFeedback)
		hits, err := s.gw.Docs.Search(ctx, query)
		if err != nil {
			return state.State{
				state.KeyNeedsDocs: false,
				state.KeyMessages:  say(msglog.RoleTool, SenderProgrammer, "search %q failed: %v", query, err),
			}, nil
		}
		var lines []string
		for _, h := range hits {
			lines = append(lines, fmt.Sprintf("%s: %s", h.Ref, h.Snippet))
		}
		if len(lines) == 0 {
			lines = []string{"no results"}
		}
		return state.State{
			state.KeyNeedsDocs: false,
			state.KeyMessages:  say(msglog.RoleTool, SenderProgrammer, "search %q:\n%s", query, strings.Join(lines, "\n")),
		}, nil
	}
}

// testingNode runs the configured test command once per cycle. A
// failure bumps the retry counter; hitting the bound marks the wave
// failed so review sees it, rather than failing the whole run.
func (s *Service) testingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		res, err := s.gw.Workspace.RunCommand(ctx, s.TestCmd)
		if err != nil {
			return nil, err
		}
		if res.Ok() {
			return state.State{
				state.KeyTestsPassed: true,
				state.KeyMessages:    say(msglog.RoleTool, SenderProgrammer, "tests passed"),
			}, nil
		}

		retries := st.Int(state.KeyRetryCount) + 1
		update := state.State{
			state.KeyTestsPassed: false,
			state.KeyRetryCount:  retries,
			state.KeyStepFailures: []any{fmt.Sprintf("tests failed (attempt %d): %s",
				retries, firstLines(res.Stderr+res.Stdout, 5))},
			state.KeyMessages: say(msglog.RoleTool, SenderProgrammer, "tests failed, attempt %d of %d", retries, s.limits.MaxRetries),
		}

		if retries >= s.limits.MaxRetries {
			p, perr := plan.FromState(st)
			if perr != nil {
				return nil, perr
			}
			for _, raw := range st.Slice(state.KeyCurrentSteps) {
				if id, ok := raw.(string); ok {
					p.SetStatus(id, plan.StatusFailed)
				}
			}
			planUpdate, perr := p.ToState()
			if perr != nil {
				return nil, perr
			}
			update[state.KeyPlan] = planUpdate[state.KeyPlan]
			update[state.KeyCurrentSteps] = []any{}
		}
		return update, nil
	}
}

// committingNode records the wave complete and hands the revision ref
// forward
func (s *Service) committingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		p, err := plan.FromState(st)
		if err != nil {
			return nil, err
		}
		wave := st.Slice(state.KeyCurrentSteps)
		var paths []string
		var done []any
		for _, raw := range wave {
			id, ok := raw.(string)
			if !ok {
				continue
			}
			step, found := p.Step(id)
			if !found || step.Status == plan.StatusFailed {
				continue
			}
			paths = append(paths, step.TargetPath)
			p.SetStatus(id, plan.StatusCompleted)
			done = append(done, id)
		}

		update, err := p.ToState()
		if err != nil {
			return nil, err
		}
		update[state.KeyCompletedSteps] = done
		update[state.KeyCurrentSteps] = []any{}
		update[state.KeyRetryCount] = 0
		update[state.KeyTestsPassed] = false

		if len(paths) > 0 {
			ref, err := s.gw.Hosting.Commit(ctx, fmt.Sprintf("complete steps %s", joinAny(done)), paths)
			if err != nil {
				// The work is on disk and the plan is updated; a
				// commit failure is recorded for review, not fatal.
				update[state.KeyStepFailures] = []any{"commit failed: " + err.Error()}
				update[state.KeyMessages] = say(msglog.RoleTool, SenderProgrammer, "commit failed: %v", err)
				return update, nil
			}
			update[state.KeyResultRef] = ref
			update[state.KeyMessages] = say(msglog.RoleTool, SenderProgrammer, "committed %s as %s", joinAny(done), ref)
		}
		return update, nil
	}
}

func appendFailure(update state.State, stepID, detail string) []any {
	existing, _ := update[state.KeyStepFailures].([]any)
	return append(existing, fmt.Sprintf("step %s: %s", stepID, detail))
}

func joinAny(values []any) string {
	var parts []string
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, ", ")
}

func firstLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
