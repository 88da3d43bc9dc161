package msglog

import (
	"context"
	"fmt"
)

// Summarizer condenses a rendered transcript into a short summary. The
// gateway's language model satisfies this.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Compactor rewrites a transcript that has grown past its budget.
// Compaction replaces history, it never reorders what it keeps.
type Compactor interface {
	Compact(ctx context.Context, msgs []Message) ([]Message, error)
}

// NoopCompactor leaves the transcript untouched
type NoopCompactor struct{}

func (NoopCompactor) Compact(_ context.Context, msgs []Message) ([]Message, error) {
	return msgs, nil
}

// SummaryCompactor folds everything older than the last KeepRecent
// messages into a single system summary produced by the model. Below
// the threshold it is a no-op.
type SummaryCompactor struct {
	Summarizer Summarizer

	// KeepRecent is how many trailing messages survive verbatim
	KeepRecent int

	// Threshold is the transcript length that triggers compaction
	Threshold int
}

func (c *SummaryCompactor) Compact(ctx context.Context, msgs []Message) ([]Message, error) {
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = 50
	}
	keep := c.KeepRecent
	if keep <= 0 {
		keep = 10
	}
	if len(msgs) <= threshold || len(msgs) <= keep {
		return msgs, nil
	}

	head := msgs[:len(msgs)-keep]
	tail := msgs[len(msgs)-keep:]

	summary, err := c.Summarizer.Summarize(ctx, Render(head))
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, keep+1)
	out = append(out, New(RoleSystem, "compactor",
		fmt.Sprintf("Summary of %d earlier messages: %s", len(head), summary)))
	out = append(out, tail...)
	return out, nil
}
