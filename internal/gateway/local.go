package gateway

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/log"
)

// LocalEnvironment implements ExecutionEnvironment over a directory on
// the host. Every path is resolved inside the root; escapes are
// rejected before touching the filesystem.
type LocalEnvironment struct {
	root    string
	invoker *Invoker
	logger  *log.Logger

	// DefaultTimeout applies to commands that do not set their own
	DefaultTimeout time.Duration
}

func NewLocalEnvironment(root string, invoker *Invoker, logger *log.Logger) (*LocalEnvironment, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "resolve workspace root", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "workspace root is not a directory: "+abs)
	}
	return &LocalEnvironment{
		root:           abs,
		invoker:        invoker,
		logger:         logger,
		DefaultTimeout: 5 * time.Minute,
	}, nil
}

// Root returns the absolute workspace root
func (l *LocalEnvironment) Root() string { return l.root }

func (l *LocalEnvironment) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(l.root, clean)
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", errors.New(errors.ErrCodeFileWriteFailed, "path escapes the workspace: "+path)
	}
	return full, nil
}

func (l *LocalEnvironment) ReadFile(_ context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeFileNotFound, "no such workspace file: "+path)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read "+path, err)
	}
	return data, nil
}

func (l *LocalEnvironment) WriteFile(_ context.Context, path string, content []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "create parent of "+path, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write "+path, err)
	}
	l.logger.Debug("workspace file written", "path", path, "bytes", len(content))
	return nil
}

func (l *LocalEnvironment) ListFiles(_ context.Context, dir string) ([]string, error) {
	full, err := l.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeFileNotFound, "no such workspace directory: "+dir)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "list "+dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RunCommand executes inside the workspace. Nonzero exits come back as
// results so callers can route on them; failures to launch retry
// through the invoker.
func (l *LocalEnvironment) RunCommand(ctx context.Context, cmd Command) (*CommandResult, error) {
	dir := l.root
	if cmd.Dir != "" {
		resolved, err := l.resolve(cmd.Dir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = l.DefaultTimeout
	}

	var result *CommandResult
	err := l.invoker.Do(ctx, CapabilityWorkspace, func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		proc := osexec.CommandContext(runCtx, cmd.Name, cmd.Args...)
		proc.Dir = dir
		proc.Env = os.Environ()
		for k, v := range cmd.Env {
			proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
		}

		var stdout, stderr bytes.Buffer
		proc.Stdout = &stdout
		proc.Stderr = &stderr

		start := time.Now()
		runErr := proc.Run()
		elapsed := time.Since(start)

		if runCtx.Err() == context.DeadlineExceeded {
			return errors.New(errors.ErrCodeToolTimeout,
				fmt.Sprintf("command %s exceeded its %s timeout", cmd.Name, timeout))
		}
		var exitErr *osexec.ExitError
		if runErr != nil && !stderrors.As(runErr, &exitErr) {
			return fmt.Errorf("launch %s: %w", cmd.Name, runErr)
		}

		code := 0
		if exitErr != nil {
			code = exitErr.ExitCode()
		}
		result = &CommandResult{
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: elapsed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("command finished", "cmd", cmd.Name, "exit", result.ExitCode)
	return result, nil
}

// GitHosting implements SourceHosting by shelling out to git inside an
// execution environment.
type GitHosting struct {
	env ExecutionEnvironment
}

func NewGitHosting(env ExecutionEnvironment) *GitHosting {
	return &GitHosting{env: env}
}

func (g *GitHosting) Commit(ctx context.Context, message string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New(errors.ErrCodeToolInvocation, "commit requested with no paths")
	}
	add, err := g.env.RunCommand(ctx, Command{Name: "git", Args: append([]string{"add", "--"}, paths...)})
	if err != nil {
		return "", err
	}
	if !add.Ok() {
		return "", errors.New(errors.ErrCodeToolInvocation, "git add failed: "+strings.TrimSpace(add.Stderr))
	}

	commit, err := g.env.RunCommand(ctx, Command{Name: "git", Args: []string{"commit", "-m", message}})
	if err != nil {
		return "", err
	}
	if !commit.Ok() {
		return "", errors.New(errors.ErrCodeToolInvocation, "git commit failed: "+strings.TrimSpace(commit.Stderr))
	}

	rev, err := g.env.RunCommand(ctx, Command{Name: "git", Args: []string{"rev-parse", "HEAD"}})
	if err != nil {
		return "", err
	}
	if !rev.Ok() {
		return "", errors.New(errors.ErrCodeToolInvocation, "git rev-parse failed: "+strings.TrimSpace(rev.Stderr))
	}
	return strings.TrimSpace(rev.Stdout), nil
}
