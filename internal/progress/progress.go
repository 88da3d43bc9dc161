// Package progress renders run progress on a terminal: an animated
// status line while a thread executes, plain per-step lines in CI, and
// a summary once the run ends.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/foreman/internal/plan"
)

// Tracker displays step progress for one run
type Tracker struct {
	writer      io.Writer
	plan        *plan.Plan
	startTime   time.Time
	mu          sync.Mutex
	showSpinner bool
	spinnerIdx  int
	stopChan    chan struct{}
	stopOnce    sync.Once
	isCI        bool
}

// Config holds tracker settings
type Config struct {
	Writer      io.Writer
	ShowSpinner bool
	IsCI        bool // plain line-oriented output, no cursor tricks
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func NewTracker(cfg Config) *Tracker {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if !cfg.IsCI {
		cfg.IsCI = os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
	}
	return &Tracker{
		writer:      cfg.Writer,
		startTime:   time.Now(),
		showSpinner: cfg.ShowSpinner && !cfg.IsCI,
		stopChan:    make(chan struct{}),
		isCI:        cfg.IsCI,
	}
}

// SetPlan swaps in the latest plan snapshot. The run state carries the
// authoritative step statuses; the tracker only renders them.
func (t *Tracker) SetPlan(p *plan.Plan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isCI && p != nil {
		t.printTransitions(p)
	}
	t.plan = p
}

// Start begins the spinner animation
func (t *Tracker) Start() {
	if t.showSpinner {
		go t.spinnerLoop()
	}
}

// Stop halts the animation and clears the status line
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.showSpinner {
			close(t.stopChan)
			fmt.Fprintf(t.writer, "\r%s\r", strings.Repeat(" ", 80))
		}
	})
}

func (t *Tracker) spinnerLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.plan != nil {
				t.renderStatusLine()
			}
			t.spinnerIdx = (t.spinnerIdx + 1) % len(spinnerFrames)
			t.mu.Unlock()
		}
	}
}

func (t *Tracker) renderStatusLine() {
	completed, failed, inProgress, total := countSteps(t.plan)
	elapsed := time.Since(t.startTime)

	progress := 0.0
	if total > 0 {
		progress = float64(completed+failed) / float64(total)
	}

	barWidth := 30
	filled := int(float64(barWidth) * progress)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	fmt.Fprintf(t.writer, "\r%s [%s] %.0f%% | %d/%d steps | ▶ %d | ✓ %d | ✗ %d | %s",
		spinnerFrames[t.spinnerIdx],
		bar,
		progress*100,
		completed+failed,
		total,
		inProgress,
		completed,
		failed,
		formatDuration(elapsed),
	)
}

// printTransitions emits one line per step whose status changed since
// the previous snapshot.
func (t *Tracker) printTransitions(next *plan.Plan) {
	for _, step := range next.Steps {
		if t.plan != nil {
			if prev, ok := t.plan.Step(step.ID); ok && prev.Status == step.Status {
				continue
			}
		} else if step.Status == plan.StatusPending {
			continue
		}
		symbol := "⟲"
		switch step.Status {
		case plan.StatusInProgress:
			symbol = "▶"
		case plan.StatusCompleted:
			symbol = "✓"
		case plan.StatusFailed:
			symbol = "✗"
		}
		fmt.Fprintf(t.writer, "%s %s [%s] %s\n", symbol, step.ID, step.Status, step.Description)
	}
}

// PrintSummary prints the final run summary
func (t *Tracker) PrintSummary(status string, resultRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.writer)
	fmt.Fprintln(t.writer, strings.Repeat("═", 59))
	fmt.Fprintf(t.writer, "Run %s\n", status)
	fmt.Fprintln(t.writer, strings.Repeat("═", 59))

	if t.plan != nil {
		completed, failed, _, total := countSteps(t.plan)
		fmt.Fprintf(t.writer, "Steps:       %d total, %d ✓, %d ✗\n", total, completed, failed)
		for _, id := range t.plan.Failed() {
			if step, ok := t.plan.Step(id); ok {
				fmt.Fprintf(t.writer, "  ✗ %s - %s\n", id, step.Description)
			}
		}
	}
	if resultRef != "" {
		fmt.Fprintf(t.writer, "Result:      %s\n", resultRef)
	}
	fmt.Fprintf(t.writer, "Total Time:  %s\n", formatDuration(time.Since(t.startTime)))
	fmt.Fprintln(t.writer, strings.Repeat("═", 59))
}

// PrintResumeInfo describes a thread picked back up from its chain
func (t *Tracker) PrintResumeInfo(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.writer, strings.Repeat("─", 57))
	fmt.Fprintf(t.writer, "Resuming: %s\n", threadID)
	if t.plan != nil {
		completed, failed, inProgress, total := countSteps(t.plan)
		pending := total - completed - failed - inProgress
		fmt.Fprintf(t.writer, "  Completed:  %d ✓\n", completed)
		fmt.Fprintf(t.writer, "  Pending:    %d ⟲\n", pending)
		fmt.Fprintf(t.writer, "  Failed:     %d ✗\n", failed)
	}
	fmt.Fprintln(t.writer, strings.Repeat("─", 57))
}

func countSteps(p *plan.Plan) (completed, failed, inProgress, total int) {
	total = len(p.Steps)
	for _, step := range p.Steps {
		switch step.Status {
		case plan.StatusCompleted:
			completed++
		case plan.StatusFailed:
			failed++
		case plan.StatusInProgress:
			inProgress++
		}
	}
	return
}

// StreamWriter prefixes each line written through it, so interleaved
// session output stays attributable.
type StreamWriter struct {
	writer io.Writer
	prefix string
	buffer []byte
}

func NewStreamWriter(w io.Writer, prefix string) *StreamWriter {
	return &StreamWriter{
		writer: w,
		prefix: prefix,
		buffer: make([]byte, 0, 4096),
	}
}

func (sw *StreamWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	sw.buffer = append(sw.buffer, p...)

	for {
		idx := strings.IndexByte(string(sw.buffer), '\n')
		if idx == -1 {
			break
		}
		line := sw.buffer[:idx]
		sw.buffer = sw.buffer[idx+1:]
		if _, err = fmt.Fprintf(sw.writer, "%s %s\n", sw.prefix, string(line)); err != nil {
			return
		}
	}
	return
}

// Flush writes any remaining buffered content
func (sw *StreamWriter) Flush() error {
	if len(sw.buffer) > 0 {
		_, err := fmt.Fprintf(sw.writer, "%s %s\n", sw.prefix, string(sw.buffer))
		sw.buffer = sw.buffer[:0]
		return err
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
