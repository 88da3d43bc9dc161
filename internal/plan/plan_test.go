package plan

import (
	"reflect"
	"testing"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/state"
)

func samplePlan() *Plan {
	return &Plan{
		Objective: "add parser",
		Revision:  1,
		Steps: []Step{
			{ID: "s1", Description: "write lexer", TargetPath: "internal/lexer/lexer.go", Status: StatusPending},
			{ID: "s2", Description: "write parser", TargetPath: "internal/parser/parser.go", DependsOn: []string{"s1"}, Status: StatusPending},
			{ID: "s3", Description: "wire cli", TargetPath: "cmd/main.go", Status: StatusPending},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr errors.ErrorCode
	}{
		{"valid", func(p *Plan) {}, ""},
		{"empty plan", func(p *Plan) { p.Steps = nil }, errors.ErrCodePlanInvalid},
		{"blank id", func(p *Plan) { p.Steps[0].ID = " " }, errors.ErrCodePlanInvalid},
		{"no target path", func(p *Plan) { p.Steps[1].TargetPath = "" }, errors.ErrCodePlanInvalid},
		{"duplicate id", func(p *Plan) { p.Steps[2].ID = "s1" }, errors.ErrCodePlanDuplicateID},
		{"unknown dependency", func(p *Plan) { p.Steps[1].DependsOn = []string{"ghost"} }, errors.ErrCodePlanStepMissing},
		{"cycle", func(p *Plan) {
			p.Steps[0].DependsOn = []string{"s2"}
		}, errors.ErrCodePlanCyclicDep},
		{"self cycle", func(p *Plan) {
			p.Steps[0].DependsOn = []string{"s1"}
		}, errors.ErrCodePlanCyclicDep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePlan()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.HasCode(err, tt.wantErr) {
				t.Errorf("expected %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEligibleRespectsDependencies(t *testing.T) {
	p := samplePlan()

	got := ids(p.Eligible())
	// s2 waits on s1; s3 is independent.
	if !reflect.DeepEqual(got, []string{"s1", "s3"}) {
		t.Fatalf("expected s1 and s3 eligible, got %v", got)
	}

	p.SetStatus("s1", StatusCompleted)
	p.SetStatus("s3", StatusCompleted)
	got = ids(p.Eligible())
	if !reflect.DeepEqual(got, []string{"s2"}) {
		t.Errorf("expected s2 after s1 completes, got %v", got)
	}
}

func TestEligibleSerializesPathCollisions(t *testing.T) {
	p := &Plan{
		Objective: "refactor",
		Steps: []Step{
			{ID: "a", Description: "x", TargetPath: "shared.go", Status: StatusPending},
			{ID: "b", Description: "y", TargetPath: "shared.go", Status: StatusPending},
			{ID: "c", Description: "z", TargetPath: "other.go", Status: StatusPending},
		},
	}

	got := ids(p.Eligible())
	// Only one of the shared.go steps may dispatch at a time.
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("expected a and c, got %v", got)
	}

	p.SetStatus("a", StatusInProgress)
	got = ids(p.Eligible())
	if !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("expected b blocked while a holds shared.go, got %v", got)
	}
}

func TestFreezeBlocksStructuralEdits(t *testing.T) {
	p := samplePlan()
	p.Freeze()

	err := p.AddStep(Step{ID: "s4", Description: "extra", TargetPath: "x.go"})
	if !errors.HasCode(err, errors.ErrCodePlanFrozen) {
		t.Errorf("expected frozen error, got %v", err)
	}

	// Status moves are still allowed.
	if err := p.SetStatus("s1", StatusInProgress); err != nil {
		t.Errorf("status update on frozen plan: %v", err)
	}
	if err := p.SetStatus("ghost", StatusCompleted); !errors.HasCode(err, errors.ErrCodePlanStepMissing) {
		t.Errorf("expected missing-step error, got %v", err)
	}
}

func TestNextRevisionResetsStatuses(t *testing.T) {
	p := samplePlan()
	p.Freeze()
	p.SetStatus("s1", StatusFailed)

	next := p.NextRevision()
	if next.Revision != 2 || next.Frozen {
		t.Errorf("expected unfrozen revision 2, got %+v", next)
	}
	for _, s := range next.Steps {
		if s.Status != StatusPending {
			t.Errorf("expected statuses reset, got %s=%s", s.ID, s.Status)
		}
	}
}

func TestParseAndStateRoundTrip(t *testing.T) {
	input := []byte(`
objective: add parser
steps:
  - id: s1
    description: write lexer
    target_path: internal/lexer/lexer.go
  - id: s2
    description: write parser
    target_path: internal/parser/parser.go
    depends_on: [s1]
`)
	p, err := Parse(input)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Revision != 1 || p.Steps[0].Status != StatusPending {
		t.Errorf("expected defaults filled, got %+v", p)
	}

	st, err := p.ToState()
	if err != nil {
		t.Fatalf("to state: %v", err)
	}
	back, err := FromState(st)
	if err != nil {
		t.Fatalf("from state: %v", err)
	}
	if !reflect.DeepEqual(p, back) {
		t.Errorf("round trip diverged:\n%+v\n%+v", p, back)
	}

	if got, err := FromState(state.State{}); err != nil || got != nil {
		t.Errorf("expected nil plan for empty state, got %v, %v", got, err)
	}

	if _, err := Parse([]byte("steps: [{id: s1, description: d, target_path: x, depends_on: [s1]}]")); !errors.HasCode(err, errors.ErrCodePlanCyclicDep) {
		t.Errorf("expected cycle rejection at parse, got %v", err)
	}
}

func ids(steps []Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.ID)
	}
	return out
}
