// Package exitcode maps run outcomes and error codes to process exit
// codes, so scripts wrapping foreman can branch without parsing stderr.
package exitcode

import (
	"os"
	"strings"

	"github.com/forgeline/foreman/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// ConfigError indicates invalid or incomplete configuration
	ConfigError = 3

	// RunFailed indicates the task run reached a failed terminal state
	RunFailed = 4

	// ToolError indicates an external tool invocation gave out
	ToolError = 5

	// Interrupted indicates the user cancelled the operation
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}
	Exit(DetermineExitCode(err))
}

// DetermineExitCode analyzes an error and returns the appropriate exit
// code. Structured errors map by code class; anything else falls back
// to message heuristics.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	switch {
	case errors.HasCode(err, errors.ErrCodeConfigInvalid),
		errors.HasCode(err, errors.ErrCodeConfigPolicyMissing):
		return ConfigError
	case errors.HasCode(err, errors.ErrCodeToolInvocation),
		errors.HasCode(err, errors.ErrCodeToolTimeout):
		return ToolError
	}

	errMsg := strings.ToLower(err.Error())
	if strings.HasPrefix(errMsg, "run failed") {
		return RunFailed
	}
	if strings.Contains(errMsg, "invalid flag") || strings.Contains(errMsg, "unknown command") {
		return UsageError
	}
	if strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "missing argument") {
		return UsageError
	}
	return GeneralError
}

// Description returns a human-readable description of an exit code
func Description(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case ConfigError:
		return "Configuration error"
	case RunFailed:
		return "Task run failed"
	case ToolError:
		return "External tool error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
