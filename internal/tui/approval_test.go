package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/forgeline/foreman/internal/plan"
)

func gatePlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := plan.New("add retry handling")
	steps := []plan.Step{
		{ID: "s1", Description: "add backoff wrapper", TargetPath: "retry.go"},
		{ID: "s2", Description: "wire wrapper into client", TargetPath: "client.go", DependsOn: []string{"s1"}},
	}
	for _, s := range steps {
		if err := p.AddStep(s); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func pressKey(m approvalModel, key string) approvalModel {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
	return next.(approvalModel)
}

func TestApprovalKeys(t *testing.T) {
	tests := []struct {
		key  string
		want Decision
	}{
		{"y", DecisionApproved},
		{"Y", DecisionApproved},
		{"n", DecisionRejected},
		{"N", DecisionRejected},
		{"q", DecisionPending},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			m := pressKey(approvalModel{plan: gatePlan(t)}, tt.key)
			if m.decision != tt.want {
				t.Errorf("decision = %v, want %v", m.decision, tt.want)
			}
			if !m.quitting {
				t.Error("any decision key should quit")
			}
		})
	}
}

func TestUnboundKeyKeepsPrompting(t *testing.T) {
	m := pressKey(approvalModel{plan: gatePlan(t)}, "x")
	if m.quitting || m.decision != DecisionPending {
		t.Errorf("unbound key must not decide, got %+v", m)
	}
}

func TestViewShowsPlanDetails(t *testing.T) {
	m := approvalModel{plan: gatePlan(t)}
	view := m.View()

	for _, want := range []string{"add retry handling", "add backoff wrapper", "retry.go", "depends on: [s1]", "Approve this plan?"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestViewAfterDecision(t *testing.T) {
	m := pressKey(approvalModel{plan: gatePlan(t)}, "n")
	if !strings.Contains(m.View(), "rejected") {
		t.Errorf("rejection view missing, got %q", m.View())
	}
}
