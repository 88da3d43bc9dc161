// Package gateway is the single mediated surface through which sessions
// reach external collaborators: the language model, the workspace, the
// source host, and documentation search. Every capability call goes
// through a retrying invoker, and failures come back as coded errors so
// node bodies can route on them instead of crashing the run.
package gateway

import (
	"context"
	"time"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/msglog"
)

// Capability names the external surface a call targets; it appears in
// logs and invocation errors.
type Capability string

const (
	CapabilityModel     Capability = "language-model"
	CapabilityWorkspace Capability = "workspace"
	CapabilityHosting   Capability = "source-hosting"
	CapabilityDocs      Capability = "document-search"
)

// CompletionRequest is one model turn over the shared transcript
type CompletionRequest struct {
	System    string
	Messages  []msglog.Message
	MaxTokens int

	// Hint selects a model variant when the client maps hints to
	// model names (fast, codegen, review).
	Hint string
}

// CompletionResponse carries the model output and its accounting
type CompletionResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
	Latency      time.Duration
}

// LanguageModel produces completions. Implementations must honor the
// context deadline.
type LanguageModel interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Summarize condenses a transcript; the message-log compactor
	// consumes this.
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Command is a workspace process invocation
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// CommandResult is the observed outcome of a command. A nonzero exit
// code is a result, not an error; errors mean the command could not run.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Ok reports whether the command exited cleanly
func (r *CommandResult) Ok() bool { return r.ExitCode == 0 }

// ExecutionEnvironment is the workspace the programmer session writes
// into and tests against. Paths are relative to the workspace root.
type ExecutionEnvironment interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	ListFiles(ctx context.Context, dir string) ([]string, error)
	RunCommand(ctx context.Context, cmd Command) (*CommandResult, error)
}

// SourceHosting records finished work. Commit returns a stable
// reference to the recorded revision.
type SourceHosting interface {
	Commit(ctx context.Context, message string, paths []string) (string, error)
}

// SearchResult is one documentation hit
type SearchResult struct {
	Ref     string `json:"ref"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// DocumentSearch is the planner's research surface: query for
// candidates, then view one in full.
type DocumentSearch interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
	View(ctx context.Context, ref string) (string, error)
}

// Gateway bundles the capabilities a session toolset needs
type Gateway struct {
	Model     LanguageModel
	Workspace ExecutionEnvironment
	Hosting   SourceHosting
	Docs      DocumentSearch
}

// NoDocs is the DocumentSearch used when no search endpoint is
// configured: every query comes back empty, so the research loop falls
// through on its counters alone.
type NoDocs struct{}

func (NoDocs) Search(context.Context, string) ([]SearchResult, error) {
	return nil, nil
}

func (NoDocs) View(_ context.Context, ref string) (string, error) {
	return "", errors.New(errors.ErrCodeFileNotFound, "no document search configured, cannot view "+ref)
}
