// Package msglog models the append-only conversation transcript shared
// by the coordinated sessions. Messages live inside graph state under an
// append-reduced field, so dispatch order is the only order they have.
package msglog

import (
	"encoding/json"
	"time"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/state"
)

// Role is who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single transcript entry. Sender identifies the agent
// inside the orchestration (planner, programmer, reviewer, supervisor),
// while Role carries the model-facing conversational role.
type Message struct {
	Role    Role   `json:"role"`
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content"`

	// ToolCallRefs link the message to gateway invocations it caused.
	ToolCallRefs []string `json:"tool_call_refs,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// New builds a message stamped with the current time
func New(role Role, sender, content string) Message {
	return Message{Role: role, Sender: sender, Content: content, CreatedAt: time.Now().UTC()}
}

// ToState converts messages into the loosely typed slice an append
// reducer merges. Values are plain maps so the transcript survives the
// JSON round-trips checkpointing performs.
func ToState(msgs ...Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Update wraps messages as a state update ready for dispatch
func Update(msgs ...Message) state.State {
	return state.State{state.KeyMessages: ToState(msgs...)}
}

// FromState decodes the transcript out of graph state. Entries are
// tolerated in either decoded-map or typed form; anything else is a
// corruption of the append-only log.
func FromState(st state.State) ([]Message, error) {
	values := st.Slice(state.KeyMessages)
	msgs := make([]Message, 0, len(values))
	for _, v := range values {
		switch entry := v.(type) {
		case Message:
			msgs = append(msgs, entry)
		case map[string]any:
			raw, err := json.Marshal(entry)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeStateCorrupt, "encode transcript entry", err)
			}
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, errors.Wrap(errors.ErrCodeStateCorrupt, "decode transcript entry", err)
			}
			msgs = append(msgs, m)
		default:
			return nil, errors.New(errors.ErrCodeStateCorrupt, "transcript entry is neither message nor map")
		}
	}
	return msgs, nil
}

// Render flattens the transcript into a prompt-ready block, one
// sender-tagged line per message.
func Render(msgs []Message) string {
	var out []byte
	for _, m := range msgs {
		tag := string(m.Role)
		if m.Sender != "" {
			tag = m.Sender
		}
		out = append(out, tag...)
		out = append(out, ": "...)
		out = append(out, m.Content...)
		out = append(out, '\n')
	}
	return string(out)
}

// LastBySender returns the newest message from the given sender, or
// false when the sender never spoke.
func LastBySender(msgs []Message, sender string) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == sender {
			return msgs[i], true
		}
	}
	return Message{}, false
}
