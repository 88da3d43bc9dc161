package exitcode

import (
	stderrors "errors"
	"testing"

	"github.com/forgeline/foreman/internal/errors"
)

func TestDetermineExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, Success},
		{"config invalid", errors.New(errors.ErrCodeConfigInvalid, "bad backend"), ConfigError},
		{"policy missing", errors.New(errors.ErrCodeConfigPolicyMissing, "no exhaustion policy"), ConfigError},
		{"tool failure", errors.New(errors.ErrCodeToolInvocation, "model unreachable"), ToolError},
		{"tool timeout", errors.New(errors.ErrCodeToolTimeout, "command deadline"), ToolError},
		{"wrapped config", errors.Wrap(errors.ErrCodeConfigInvalid, "load", stderrors.New("boom")), ConfigError},
		{"run failed", stderrors.New("run failed: review iterations exhausted"), RunFailed},
		{"usage", stderrors.New("unknown command \"rnu\" for \"foreman\""), UsageError},
		{"plain", stderrors.New("something broke"), GeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineExitCode(tt.err); got != tt.want {
				t.Errorf("DetermineExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDescriptionCoversKnownCodes(t *testing.T) {
	for _, code := range []int{Success, GeneralError, UsageError, ConfigError, RunFailed, ToolError, Interrupted} {
		if Description(code) == "Unknown error" {
			t.Errorf("code %d has no description", code)
		}
	}
	if Description(99) != "Unknown error" {
		t.Error("unknown codes must say so")
	}
}
