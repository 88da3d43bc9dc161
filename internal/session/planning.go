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

const (
	planSystemPrompt = "You are a planning agent. Research the task, then produce a work plan " +
		"as a YAML document with fields: objective, steps (id, description, target_path, depends_on). " +
		"Respond with only the YAML document when asked to generate the plan. " +
		"During research, reply ENOUGH_CONTEXT when you have what you need, or SEARCH: <query> to look something up."

	enoughContextMarker = "ENOUGH_CONTEXT"
	searchMarker        = "SEARCH:"
)

// PlanningSchema declares the planning session's state fields
func PlanningSchema() state.Schema {
	return state.Schema{
		state.KeyMessages:         state.ReducerAppend,
		state.KeySender:           state.ReducerOverwrite,
		state.KeyPlan:             state.ReducerOverwrite,
		state.KeyRevision:         state.ReducerOverwrite,
		state.KeySearchCount:      state.ReducerOverwrite,
		state.KeyViewCount:        state.ReducerOverwrite,
		state.KeyEnoughContext:    state.ReducerOverwrite,
		state.KeyPlanAttempts:     state.ReducerOverwrite,
		state.KeyApprovalDecision: state.ReducerOverwrite,
		state.KeyFeedback:         state.ReducerOverwrite,
		state.KeyFailReason:       state.ReducerOverwrite,
	}
}

// BuildPlanningGraph assembles the bounded research loop behind the
// approval interrupt. Loop exits live in the routers: research
// sufficiency is the only way out of the research cycle, and the
// monotonic counters guarantee it eventually holds.
func (s *Service) BuildPlanningGraph() (*graph.Definition, error) {
	return graph.NewBuilder("planning", PlanningSchema()).
		AddNode("analyzing", s.analyzingNode()).
		AddNode("researching", s.researchingNode()).
		AddNode("searching", s.searchingNode()).
		AddNode("viewing", s.viewingNode()).
		AddNode("generating", s.generatingNode()).
		AddInterrupt("awaiting_approval", s.approvalNode()).
		AddEdge("analyzing", "researching").
		AddRouter("researching", func(st state.State) string {
			if s.researchSufficient(st) {
				return "generating"
			}
			if st.Int(state.KeySearchCount) < s.limits.MinSearches {
				return "searching"
			}
			return "viewing"
		}).
		AddEdge("searching", "researching").
		AddEdge("viewing", "researching").
		AddRouter("generating", func(st state.State) string {
			if st.String(state.KeyPlan) == "" {
				return "generating"
			}
			return "awaiting_approval"
		}).
		AddRouter("awaiting_approval", func(st state.State) string {
			if st.String(state.KeyApprovalDecision) == DecisionAccepted {
				return graph.End
			}
			return "researching"
		}).
		SetEntry("analyzing").
		Build()
}

// researchSufficient is the research loop's exit predicate
func (s *Service) researchSufficient(st state.State) bool {
	if st.Bool(state.KeyEnoughContext) {
		return true
	}
	return st.Int(state.KeySearchCount) >= s.limits.MinSearches &&
		st.Int(state.KeyViewCount) >= s.limits.MinViews
}

// analyzingNode opens the session: one model turn over the request to
// frame the work, plus counter initialization for a fresh revision.
func (s *Service) analyzingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		msgs, err := msglog.FromState(st)
		if err != nil {
			return nil, err
		}
		resp, err := s.gw.Model.Complete(ctx, gateway.CompletionRequest{
			System:   planSystemPrompt + " Describe your approach to this task in two sentences.",
			Messages: msgs,
		})
		if err != nil {
			return state.State{
				state.KeyMessages: say(msglog.RoleAssistant, SenderPlanner, "analysis unavailable: %v", err),
			}, nil
		}
		update := state.State{
			state.KeyMessages: say(msglog.RoleAssistant, SenderPlanner, "%s", resp.Content),
			state.KeySender:   SenderPlanner,
		}
		if st.Int(state.KeyRevision) == 0 {
			update[state.KeyRevision] = 1
		}
		return update, nil
	}
}

// researchingNode asks the model whether it has enough context. The
// counters only ever grow, so the sufficiency predicate cannot loop
// forever even if the model never concedes.
func (s *Service) researchingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		if s.researchSufficient(st) {
			return state.State{state.KeyEnoughContext: true}, nil
		}
		msgs, err := msglog.FromState(st)
		if err != nil {
			return nil, err
		}
		resp, err := s.gw.Model.Complete(ctx, gateway.CompletionRequest{
			System:   planSystemPrompt,
			Messages: msgs,
			Hint:     "fast",
		})
		if err != nil {
			// Research is optional context gathering; a dead model
			// here surfaces at generation, not as a run failure.
			return state.State{
				state.KeyMessages: say(msglog.RoleAssistant, SenderPlanner, "research call failed: %v", err),
			}, nil
		}
		update := state.State{
			state.KeyMessages: say(msglog.RoleAssistant, SenderPlanner, "%s", resp.Content),
		}
		if strings.Contains(resp.Content, enoughContextMarker) {
			update[state.KeyEnoughContext] = true
		}
		if q := extractMarker(resp.Content, searchMarker); q != "" {
			update[state.KeyFeedback] = q
		}
		return update, nil
	}
}

// searchingNode runs one documentation query and bumps the search
// counter.
func (s *Service) searchingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		query := st.String(state.KeyFeedback)
		if query == "" {
			query = lastUserContent(st)
		}
		count := st.Int(state.KeySearchCount) + 1

		hits, err := s.gw.Docs.Search(ctx, query)
		if err != nil {
			return state.State{
				state.KeySearchCount: count,
				state.KeyMessages:    say(msglog.RoleTool, SenderPlanner, "search %q failed: %v", query, err),
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
			state.KeySearchCount: count,
			state.KeyFeedback:    firstRef(hits),
			state.KeyMessages:    say(msglog.RoleTool, SenderPlanner, "search %q:\n%s", query, strings.Join(lines, "\n")),
		}, nil
	}
}

// viewingNode opens the most recent search hit in full
func (s *Service) viewingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		count := st.Int(state.KeyViewCount) + 1
		ref := st.String(state.KeyFeedback)
		if ref == "" {
			return state.State{
				state.KeyViewCount: count,
				state.KeyMessages:  say(msglog.RoleTool, SenderPlanner, "nothing to view yet"),
			}, nil
		}
		doc, err := s.gw.Docs.View(ctx, ref)
		if err != nil {
			return state.State{
				state.KeyViewCount: count,
				state.KeyMessages:  say(msglog.RoleTool, SenderPlanner, "view %s failed: %v", ref, err),
			}, nil
		}
		return state.State{
			state.KeyViewCount: count,
			state.KeyMessages:  say(msglog.RoleTool, SenderPlanner, "document %s:\n%s", ref, doc),
		}, nil
	}
}

// generatingNode asks for the plan itself and validates it. Parse or
// validation failures re-prompt with the error until the attempt bound
// trips; a model that cannot produce a valid plan fails the session.
func (s *Service) generatingNode() graph.NodeFunc {
	return func(ctx context.Context, st state.State) (state.State, error) {
		attempts := st.Int(state.KeyPlanAttempts) + 1
		if attempts > s.limits.MaxPlanAttempts {
			return nil, errors.New(errors.ErrCodePlanInvalid,
				fmt.Sprintf("model produced no valid plan in %d attempts", s.limits.MaxPlanAttempts))
		}

		msgs, err := msglog.FromState(st)
		if err != nil {
			return nil, err
		}
		resp, err := s.gw.Model.Complete(ctx, gateway.CompletionRequest{
			System:   planSystemPrompt + " Generate the plan now.",
			Messages: msgs,
			Hint:     "codegen",
		})
		if err != nil {
			return nil, err
		}

		p, perr := plan.Parse([]byte(stripFences(resp.Content)))
		if perr != nil {
			return state.State{
				state.KeyPlanAttempts: attempts,
				state.KeyMessages:     say(msglog.RoleUser, SenderSupervisor, "plan rejected: %v. Produce corrected YAML.", perr),
			}, nil
		}
		p.Revision = st.Int(state.KeyRevision)
		if p.Revision == 0 {
			p.Revision = 1
		}

		planUpdate, err := p.ToState()
		if err != nil {
			return nil, err
		}
		planUpdate[state.KeyPlanAttempts] = attempts
		planUpdate[state.KeyApprovalDecision] = ""
		planUpdate[state.KeyMessages] = say(msglog.RoleAssistant, SenderPlanner,
			"plan revision %d ready with %d steps, awaiting approval", p.Revision, len(p.Steps))
		return planUpdate, nil
	}
}

// approvalNode runs after resume delivers the human decision. Accepted
// freezes the plan for handoff; anything else is feedback that reopens
// research under the next revision.
func (s *Service) approvalNode() graph.NodeFunc {
	return func(_ context.Context, st state.State) (state.State, error) {
		decision := st.String(state.KeyApprovalDecision)
		if decision == DecisionAccepted {
			p, err := plan.FromState(st)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, errors.New(errors.ErrCodePlanInvalid, "approval accepted but no plan is recorded")
			}
			p.Freeze()
			update, err := p.ToState()
			if err != nil {
				return nil, err
			}
			update[state.KeyMessages] = say(msglog.RoleUser, SenderSupervisor, "plan revision %d approved", p.Revision)
			return update, nil
		}

		feedback := st.String(state.KeyFeedback)
		if feedback == "" {
			feedback = "plan rejected without detail"
		}
		return state.State{
			state.KeyRevision:      st.Int(state.KeyRevision) + 1,
			state.KeyEnoughContext: false,
			state.KeyPlanAttempts:  0,
			state.KeyPlan:          "",
			state.KeyMessages:      say(msglog.RoleUser, SenderSupervisor, "plan feedback: %s", feedback),
		}, nil
	}
}

func extractMarker(content, marker string) string {
	idx := strings.Index(content, marker)
	if idx < 0 {
		return ""
	}
	rest := content[idx+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

func firstRef(hits []gateway.SearchResult) string {
	if len(hits) == 0 {
		return ""
	}
	return hits[0].Ref
}

func lastUserContent(st state.State) string {
	msgs, err := msglog.FromState(st)
	if err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == msglog.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// stripFences removes a markdown code fence if the model wrapped its
// output in one
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
