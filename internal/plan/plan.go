// Package plan models the work plan a planning session produces and an
// execution session consumes: an ordered list of steps forming a DAG
// over explicit dependencies, with an implicit serialization rule for
// steps touching the same file.
package plan

import (
	"fmt"

	"github.com/forgeline/foreman/internal/errors"
)

// StepStatus tracks a step through execution
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
)

// Step is one unit of work
type Step struct {
	ID          string     `yaml:"id" json:"id"`
	Description string     `yaml:"description" json:"description"`
	TargetPath  string     `yaml:"target_path" json:"target_path"`
	DependsOn   []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Status      StepStatus `yaml:"status" json:"status"`
}

// Plan is the approved unit of handoff between planning and execution.
// Once frozen its structure never changes; only step statuses move.
type Plan struct {
	Objective string `yaml:"objective" json:"objective"`
	Revision  int    `yaml:"revision" json:"revision"`
	Steps     []Step `yaml:"steps" json:"steps"`
	Frozen    bool   `yaml:"frozen,omitempty" json:"frozen,omitempty"`
}

// New starts an unfrozen plan for the given objective
func New(objective string) *Plan {
	return &Plan{Objective: objective, Revision: 1}
}

// AddStep appends a pending step. Structural edits fail once the plan
// is frozen.
func (p *Plan) AddStep(step Step) error {
	if p.Frozen {
		return errors.New(errors.ErrCodePlanFrozen, "plan is frozen; revise with a new revision instead")
	}
	if step.Status == "" {
		step.Status = StatusPending
	}
	p.Steps = append(p.Steps, step)
	return nil
}

// Freeze marks the structure immutable. Called at approval handoff.
func (p *Plan) Freeze() { p.Frozen = true }

// Step looks a step up by id
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// SetStatus moves a step's status. Status changes are the only
// mutation a frozen plan accepts.
func (p *Plan) SetStatus(id string, status StepStatus) error {
	step, ok := p.Step(id)
	if !ok {
		return errors.New(errors.ErrCodePlanStepMissing, "no such step: "+id)
	}
	step.Status = status
	return nil
}

// Done reports whether every step reached a final status
func (p *Plan) Done() bool {
	for _, s := range p.Steps {
		if s.Status != StatusCompleted && s.Status != StatusFailed {
			return false
		}
	}
	return len(p.Steps) > 0
}

// Failed lists the ids of failed steps
func (p *Plan) Failed() []string {
	var out []string
	for _, s := range p.Steps {
		if s.Status == StatusFailed {
			out = append(out, s.ID)
		}
	}
	return out
}

// Eligible returns the pending steps whose dependencies have all
// completed, filtered so no two returned steps share a target path and
// none collides with a step already in progress. Colliding steps
// serialize in plan order.
func (p *Plan) Eligible() []Step {
	done := make(map[string]bool, len(p.Steps))
	busyPaths := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Status == StatusCompleted {
			done[s.ID] = true
		}
		if s.Status == StatusInProgress {
			busyPaths[s.TargetPath] = true
		}
	}

	var out []Step
	claimed := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if busyPaths[s.TargetPath] || claimed[s.TargetPath] {
			continue
		}
		claimed[s.TargetPath] = true
		out = append(out, s)
	}
	return out
}

// NextRevision clones the structure into a fresh unfrozen revision with
// all statuses reset. Used when plan feedback sends the planner back.
func (p *Plan) NextRevision() *Plan {
	next := &Plan{Objective: p.Objective, Revision: p.Revision + 1}
	for _, s := range p.Steps {
		s.Status = StatusPending
		next.Steps = append(next.Steps, s)
	}
	return next
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan rev %d (%d steps)", p.Revision, len(p.Steps))
}
