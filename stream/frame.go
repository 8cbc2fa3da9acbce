// Package stream re-encodes agent loop events into outbound frames and
// writes them to the client as they happen.
package stream

// FrameType names one kind of outbound frame.
type FrameType string

const (
	TypeTextDelta       FrameType = "text-delta"
	TypeToolCallStarted FrameType = "tool-call-started"
	TypeToolCallResult  FrameType = "tool-call-result"
	TypeStepBoundary    FrameType = "step-boundary"
	TypeError           FrameType = "error"
	TypeDone            FrameType = "done"
)

// Frame is one self-describing unit of the response stream. Only the fields
// relevant to Type are set.
type Frame struct {
	Type FrameType `json:"type"`
	Step int       `json:"step,omitempty"`

	Delta string `json:"delta,omitempty"`

	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     string                 `json:"output,omitempty"`
	IsError    bool                   `json:"isError,omitempty"`

	FinishReason string `json:"finishReason,omitempty"`
	ErrorText    string `json:"errorText,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
}

// Terminal reports whether no frame may follow f.
func (f Frame) Terminal() bool {
	return f.Type == TypeDone || f.Type == TypeError
}

// Writer delivers frames to one client. Close is called once, after the
// terminal frame or when the request is abandoned.
type Writer interface {
	WriteFrame(f Frame) error
	Close() error
}
