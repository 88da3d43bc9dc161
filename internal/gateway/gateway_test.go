package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/msglog"
)

func testLogger() *log.Logger {
	return log.New(log.Config{Level: log.LevelError, Format: log.FormatText, Output: log.OutputStderr()})
}

func fastInvoker() *Invoker {
	return NewInvoker(RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxElapsed:      200 * time.Millisecond,
	}, testLogger())
}

func TestInvokerRetriesTransientFailures(t *testing.T) {
	iv := fastInvoker()
	calls := 0
	err := iv.Do(context.Background(), CapabilityDocs, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestInvokerStopsOnPermanentError(t *testing.T) {
	iv := fastInvoker()
	calls := 0
	rejected := errors.New(errors.ErrCodeApprovalRejected, "declined")
	err := iv.Do(context.Background(), CapabilityModel, func(_ context.Context) error {
		calls++
		return rejected
	})
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
	if !errors.HasCode(err, errors.ErrCodeApprovalRejected) {
		t.Errorf("expected the coded error to pass through, got %v", err)
	}
}

func TestInvokerWrapsExhaustion(t *testing.T) {
	iv := fastInvoker()
	err := iv.Do(context.Background(), CapabilityHosting, func(_ context.Context) error {
		return fmt.Errorf("still down")
	})
	if !errors.HasCode(err, errors.ErrCodeToolInvocation) {
		t.Errorf("expected TOOL-001 after exhaustion, got %v", err)
	}
}

func TestModelClientCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{
			"content": [{"type": "text", "text": "generated plan"}],
			"model": "test-model",
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	client, err := NewModelClient(ModelConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
	}, fastInvoker(), testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []msglog.Message{{Role: msglog.RoleUser, Content: "plan this"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "generated plan" || resp.InputTokens != 12 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestModelClientRequiresAPIKey(t *testing.T) {
	_, err := NewModelClient(ModelConfig{}, fastInvoker(), testLogger())
	if !errors.HasCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("expected config error without api key, got %v", err)
	}
}

func TestLocalEnvironmentPathContainment(t *testing.T) {
	ctx := context.Background()
	env, err := NewLocalEnvironment(t.TempDir(), fastInvoker(), testLogger())
	if err != nil {
		t.Fatalf("new env: %v", err)
	}

	if err := env.WriteFile(ctx, "pkg/feature.go", []byte("package pkg")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := env.ReadFile(ctx, "pkg/feature.go")
	if err != nil || string(data) != "package pkg" {
		t.Fatalf("read back: %q, %v", data, err)
	}

	// Traversal is cleaned into the root rather than escaping it.
	if err := env.WriteFile(ctx, "../../etc/owned", []byte("x")); err != nil {
		t.Fatalf("cleaned write: %v", err)
	}
	if _, err := env.ReadFile(ctx, "etc/owned"); err != nil {
		t.Errorf("expected traversal to resolve inside the root: %v", err)
	}

	if _, err := env.ReadFile(ctx, "missing.go"); !errors.HasCode(err, errors.ErrCodeFileNotFound) {
		t.Errorf("expected IO-001 for missing file, got %v", err)
	}

	names, err := env.ListFiles(ctx, "pkg")
	if err != nil || len(names) != 1 || names[0] != "feature.go" {
		t.Errorf("list: %v, %v", names, err)
	}
}

func TestLocalEnvironmentRunCommand(t *testing.T) {
	ctx := context.Background()
	env, err := NewLocalEnvironment(t.TempDir(), fastInvoker(), testLogger())
	if err != nil {
		t.Fatalf("new env: %v", err)
	}

	res, err := env.RunCommand(ctx, Command{Name: "sh", Args: []string{"-c", "echo hello"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Ok() || res.Stdout != "hello\n" {
		t.Errorf("unexpected result: %+v", res)
	}

	// A failing command is a result, not an error.
	res, err = env.RunCommand(ctx, Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestDocsClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			fmt.Fprint(w, `{"results": [{"ref": "doc-1", "title": "Reducers", "snippet": "merge rules"}]}`)
		case "/doc":
			fmt.Fprint(w, "full document body")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewDocsClient(DocsConfig{BaseURL: srv.URL}, fastInvoker(), testLogger())

	hits, err := client.Search(context.Background(), "reducers")
	if err != nil || len(hits) != 1 || hits[0].Ref != "doc-1" {
		t.Fatalf("search: %v, %v", hits, err)
	}
	body, err := client.View(context.Background(), "doc-1")
	if err != nil || body != "full document body" {
		t.Errorf("view: %q, %v", body, err)
	}
}

func TestGitHostingCommit(t *testing.T) {
	env := NewFakeEnvironment()
	env.ScriptCommand("git", &CommandResult{ExitCode: 0})
	env.ScriptCommand("git", &CommandResult{ExitCode: 0})
	env.ScriptCommand("git", &CommandResult{ExitCode: 0, Stdout: "abc123\n"})

	rev, err := NewGitHosting(env).Commit(context.Background(), "add feature", []string{"pkg/feature.go"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if rev != "abc123" {
		t.Errorf("expected trimmed revision, got %q", rev)
	}
	if len(env.Ran) != 3 || env.Ran[0].Args[0] != "add" {
		t.Errorf("unexpected git invocations: %+v", env.Ran)
	}
}
