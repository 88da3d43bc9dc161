// Package tui holds the terminal surfaces: the plan approval gate and
// the interactive prompts the run commands use.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/forgeline/foreman/internal/plan"
)

// Decision is the outcome of the approval gate
type Decision int

const (
	DecisionPending Decision = iota
	DecisionApproved
	DecisionRejected
)

// approvalModel is the bubbletea model for the plan approval gate
type approvalModel struct {
	plan     *plan.Plan
	decision Decision
	quitting bool
}

// ShowApprovalGate displays the proposed plan and blocks for a verdict
func ShowApprovalGate(p *plan.Plan) (Decision, error) {
	program := tea.NewProgram(approvalModel{plan: p})
	finalModel, err := program.Run()
	if err != nil {
		return DecisionPending, fmt.Errorf("run approval UI: %w", err)
	}
	return finalModel.(approvalModel).decision, nil
}

func (m approvalModel) Init() tea.Cmd {
	return nil
}

func (m approvalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.decision = DecisionApproved
			m.quitting = true
			return m, tea.Quit
		case "n", "N":
			m.decision = DecisionRejected
			m.quitting = true
			return m, tea.Quit
		case "q", "ctrl+c":
			m.decision = DecisionPending
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m approvalModel) View() string {
	if m.quitting {
		switch m.decision {
		case DecisionApproved:
			return lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")).
				Render("✅ Plan approved. Handing off to execution...\n")
		case DecisionRejected:
			return lipgloss.NewStyle().
				Foreground(lipgloss.Color("1")).
				Render("❌ Plan rejected. The planner will revise it.\n")
		default:
			return lipgloss.NewStyle().
				Foreground(lipgloss.Color("8")).
				Render("Plan left pending. Resume the thread to decide later.\n")
		}
	}

	titleStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("86")).
		Bold(true)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("8"))

	var s string

	s += titleStyle.Render("📋 Proposed Plan") + "\n\n"
	s += fmt.Sprintf("Objective: %s\n", headerStyle.Render(m.plan.Objective))
	s += fmt.Sprintf("Revision:  %s\n", headerStyle.Render(fmt.Sprintf("%d", m.plan.Revision)))
	s += fmt.Sprintf("Steps:     %s\n\n", headerStyle.Render(fmt.Sprintf("%d", len(m.plan.Steps))))

	s += labelStyle.Render("Step Preview (first 8):") + "\n"
	for i, step := range m.plan.Steps {
		if i >= 8 {
			break
		}
		pathStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
		s += fmt.Sprintf("  %d. %s %s\n",
			i+1,
			step.Description,
			pathStyle.Render("("+step.TargetPath+")"))
		if len(step.DependsOn) > 0 {
			s += labelStyle.Render(fmt.Sprintf("     depends on: %v", step.DependsOn)) + "\n"
		}
	}
	if len(m.plan.Steps) > 8 {
		s += fmt.Sprintf("  ... and %d more steps\n", len(m.plan.Steps)-8)
	}

	s += "\n"
	s += titleStyle.Render("Approve this plan?") + " "
	s += lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render("(y)") + " / "
	s += lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("(n)") + " / "
	s += lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("(q)uit")
	s += ": "

	return s
}
