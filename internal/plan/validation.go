package plan

import (
	"fmt"
	"strings"

	"github.com/forgeline/foreman/internal/errors"
)

// Validate checks a single step's fields
func (s *Step) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New(errors.ErrCodePlanInvalid, "step id cannot be empty")
	}
	if strings.TrimSpace(s.Description) == "" {
		return errors.New(errors.ErrCodePlanInvalid, fmt.Sprintf("step %s has no description", s.ID))
	}
	if strings.TrimSpace(s.TargetPath) == "" {
		return errors.New(errors.ErrCodePlanInvalid, fmt.Sprintf("step %s has no target path", s.ID))
	}
	switch s.Status {
	case "", StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return errors.New(errors.ErrCodePlanInvalid, fmt.Sprintf("step %s has unknown status %q", s.ID, s.Status))
	}
	return nil
}

// Validate checks the whole plan: step fields, unique ids, resolvable
// dependencies, and an acyclic dependency graph.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New(errors.ErrCodePlanInvalid, "plan must have at least one step")
	}

	ids := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if err := step.Validate(); err != nil {
			return errors.Wrap(errors.ErrCodePlanInvalid, fmt.Sprintf("step at index %d is invalid", i), err)
		}
		if ids[step.ID] {
			return errors.New(errors.ErrCodePlanDuplicateID, fmt.Sprintf("duplicate step id %q at index %d", step.ID, i))
		}
		ids[step.ID] = true
	}

	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return errors.New(errors.ErrCodePlanStepMissing,
					fmt.Sprintf("step %s depends on %q which is not in the plan", step.ID, dep))
			}
		}
	}

	return p.checkCycles()
}

// checkCycles runs a DFS with a recursion stack over the dependency
// graph and reports the first cycle found with its full path.
func (p *Plan) checkCycles() error {
	graph := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		graph[step.ID] = step.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var walk func(id string, path []string) error
	walk = func(id string, path []string) error {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range graph[id] {
			if !visited[dep] {
				if err := walk(dep, path); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycle := append(path, dep)
				return errors.New(errors.ErrCodePlanCyclicDep,
					"circular dependency: "+strings.Join(cycle, " -> "))
			}
		}

		recStack[id] = false
		return nil
	}

	for _, step := range p.Steps {
		if !visited[step.ID] {
			if err := walk(step.ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
