package session

import (
	"strings"
)

// Message roles accepted on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// DefaultWindow is the number of user messages forwarded to the model when
// no window is configured.
const DefaultWindow = 20

// Part is one piece of a message body. Only text parts carry model input;
// other part types are accepted and ignored.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCall is a model request to invoke a tool. On a "tool" message the
// first ToolCall identifies which call the message answers.
type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

type Message struct {
	ID        string     `json:"id,omitempty"`
	Role      string     `json:"role"` // "user", "assistant", "tool"
	Content   string     `json:"content,omitempty"`
	Parts     []Part     `json:"parts,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// IsError marks a tool message whose content is an error payload.
	IsError bool `json:"is_error,omitempty"`
}

// Text returns Content when set, otherwise the concatenated text parts.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" || p.Type == "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ValidRole reports whether role is one the gateway accepts from clients.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// Window returns at most n of the most recent user messages in transcript,
// in their original order. Assistant, tool and system messages are dropped:
// prior answers are re-derived from the live tool backend rather than
// replayed. The result never aliases transcript.
func Window(transcript []Message, n int) []Message {
	if n <= 0 {
		return []Message{}
	}
	users := make([]Message, 0, len(transcript))
	for _, m := range transcript {
		if m.Role == RoleUser {
			users = append(users, m)
		}
	}
	if len(users) > n {
		users = users[len(users)-n:]
	}
	out := make([]Message, len(users))
	copy(out, users)
	return out
}

// CharCount sums the text length of messages.
func CharCount(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Text())
	}
	return total
}

// EstimateTokens is the rough characters/4 heuristic, rounded up.
func EstimateTokens(chars int) int {
	return (chars + 3) / 4
}
