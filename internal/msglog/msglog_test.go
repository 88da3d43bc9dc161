package msglog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/forgeline/foreman/internal/state"
)

func TestStateRoundTrip(t *testing.T) {
	msgs := []Message{
		New(RoleUser, "supervisor", "build the parser"),
		New(RoleAssistant, "planner", "drafting a plan"),
	}

	st := Update(msgs...)

	// Simulate a checkpoint write and reload.
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var reloaded state.State
	if err := json.Unmarshal(raw, &reloaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, err := FromState(reloaded)
	if err != nil {
		t.Fatalf("from state: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Sender != "supervisor" || got[1].Role != RoleAssistant {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestFromStateRejectsGarbage(t *testing.T) {
	st := state.State{state.KeyMessages: []any{42}}
	if _, err := FromState(st); err == nil {
		t.Error("expected corruption error for non-message entry")
	}
}

func TestLastBySender(t *testing.T) {
	msgs := []Message{
		New(RoleAssistant, "planner", "first"),
		New(RoleAssistant, "reviewer", "verdict"),
		New(RoleAssistant, "planner", "second"),
	}
	m, ok := LastBySender(msgs, "planner")
	if !ok || m.Content != "second" {
		t.Errorf("expected newest planner message, got %+v ok=%v", m, ok)
	}
	if _, ok := LastBySender(msgs, "programmer"); ok {
		t.Error("expected no match for absent sender")
	}
}

type fakeSummarizer struct {
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	f.calls++
	return "condensed", nil
}

func TestSummaryCompactor(t *testing.T) {
	var msgs []Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, New(RoleAssistant, "planner", "chatter"))
	}
	msgs = append(msgs, New(RoleAssistant, "reviewer", "keep me"))

	fs := &fakeSummarizer{}
	c := &SummaryCompactor{Summarizer: fs, KeepRecent: 5, Threshold: 10}
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("expected summary plus 5 recent, got %d", len(out))
	}
	if out[0].Role != RoleSystem || !strings.Contains(out[0].Content, "condensed") {
		t.Errorf("expected leading summary message, got %+v", out[0])
	}
	if out[len(out)-1].Content != "keep me" {
		t.Errorf("expected newest message preserved last, got %+v", out[len(out)-1])
	}

	// Below threshold nothing happens.
	short := msgs[:5]
	out, err = c.Compact(context.Background(), short)
	if err != nil || len(out) != 5 {
		t.Errorf("expected no-op below threshold, got %d msgs, %v", len(out), err)
	}
	if fs.calls != 1 {
		t.Errorf("expected one summarizer call, got %d", fs.calls)
	}
}
