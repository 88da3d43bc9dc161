package plan

import (
	"gopkg.in/yaml.v3"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/state"
)

// Parse decodes and validates a YAML plan, typically straight out of a
// model response.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.ErrCodePlanInvalid, "plan is not valid YAML", err)
	}
	for i := range p.Steps {
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = StatusPending
		}
	}
	if p.Revision == 0 {
		p.Revision = 1
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode renders the plan as YAML
func (p *Plan) Encode() ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodePlanInvalid, "encode plan", err)
	}
	return data, nil
}

// ToState wraps the plan as a state update. The plan travels through
// checkpoints as its YAML text so it survives JSON round-trips intact.
func (p *Plan) ToState() (state.State, error) {
	data, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return state.State{state.KeyPlan: string(data)}, nil
}

// FromState decodes the plan carried in graph state. A thread with no
// plan yet returns nil without error.
func FromState(st state.State) (*Plan, error) {
	text := st.String(state.KeyPlan)
	if text == "" {
		return nil, nil
	}
	var p Plan
	if err := yaml.Unmarshal([]byte(text), &p); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStateCorrupt, "stored plan is not valid YAML", err)
	}
	return &p, nil
}
