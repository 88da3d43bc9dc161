package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/foreman/internal/errors"
)

// Fakes back the dry-run mode and the session tests. They are scripted
// rather than smart: callers queue responses and the fakes replay them.

// FakeModel replays queued completions in order. When the queue runs
// dry it answers with Fallback.
type FakeModel struct {
	mu        sync.Mutex
	queue     []string
	Fallback  string
	Requests  []CompletionRequest
	errOnNext error

	// Latency delays every completion, simulating round-trip time.
	// Set before the first call; concurrent callers wait independently.
	Latency time.Duration
}

func NewFakeModel(responses ...string) *FakeModel {
	return &FakeModel{queue: responses, Fallback: "ok"}
}

// Queue appends scripted responses
func (f *FakeModel) Queue(responses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, responses...)
}

// FailNext makes the next call return err once
func (f *FakeModel) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errOnNext = err
}

func (f *FakeModel) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if f.Latency > 0 {
		// Sleep outside the lock so concurrent calls overlap.
		time.Sleep(f.Latency)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.errOnNext != nil {
		err := f.errOnNext
		f.errOnNext = nil
		return nil, err
	}
	content := f.Fallback
	if len(f.queue) > 0 {
		content = f.queue[0]
		f.queue = f.queue[1:]
	}
	return &CompletionResponse{Content: content, Model: "fake", StopReason: "stop"}, nil
}

func (f *FakeModel) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := f.Complete(ctx, CompletionRequest{Hint: "fast"})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// FakeEnvironment keeps the workspace in a map and scripts command
// results by command name.
type FakeEnvironment struct {
	mu      sync.Mutex
	files   map[string][]byte
	results map[string][]*CommandResult
	Ran     []Command
}

func NewFakeEnvironment() *FakeEnvironment {
	return &FakeEnvironment{
		files:   make(map[string][]byte),
		results: make(map[string][]*CommandResult),
	}
}

// ScriptCommand queues a result for the named command
func (f *FakeEnvironment) ScriptCommand(name string, result *CommandResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = append(f.results[name], result)
}

func (f *FakeEnvironment) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New(errors.ErrCodeFileNotFound, "no such workspace file: "+path)
	}
	return data, nil
}

func (f *FakeEnvironment) WriteFile(_ context.Context, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *FakeEnvironment) ListFiles(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var names []string
	for path := range f.files {
		if strings.HasPrefix(path, prefix) {
			names = append(names, strings.TrimPrefix(path, prefix))
		}
	}
	return names, nil
}

func (f *FakeEnvironment) RunCommand(_ context.Context, cmd Command) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ran = append(f.Ran, cmd)
	queue := f.results[cmd.Name]
	if len(queue) == 0 {
		return &CommandResult{ExitCode: 0}, nil
	}
	result := queue[0]
	f.results[cmd.Name] = queue[1:]
	return result, nil
}

// FakeHosting records commits and hands back deterministic refs
type FakeHosting struct {
	mu      sync.Mutex
	Commits []string
}

func (f *FakeHosting) Commit(_ context.Context, message string, paths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(paths) == 0 {
		return "", errors.New(errors.ErrCodeToolInvocation, "commit requested with no paths")
	}
	f.Commits = append(f.Commits, message)
	return fmt.Sprintf("fakerev-%d", len(f.Commits)), nil
}

// FakeSearch serves a fixed corpus keyed by ref
type FakeSearch struct {
	Corpus map[string]string
}

func (f *FakeSearch) Search(_ context.Context, query string) ([]SearchResult, error) {
	var hits []SearchResult
	for ref, doc := range f.Corpus {
		if strings.Contains(strings.ToLower(doc), strings.ToLower(query)) {
			snippet := doc
			if len(snippet) > 80 {
				snippet = snippet[:80]
			}
			hits = append(hits, SearchResult{Ref: ref, Title: ref, Snippet: snippet})
		}
	}
	return hits, nil
}

func (f *FakeSearch) View(_ context.Context, ref string) (string, error) {
	doc, ok := f.Corpus[ref]
	if !ok {
		return "", errors.New(errors.ErrCodeFileNotFound, "no such document: "+ref)
	}
	return doc, nil
}
