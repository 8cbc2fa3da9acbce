package stream

import (
	"sync"

	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/session"
)

// ErrClosed is returned for frames written after the terminal frame.
var ErrClosed = errors.New("stream already terminated")

// Encoder turns loop events into frames on a Writer. It serializes writes
// and enforces that nothing follows a done or error frame. The writer is
// closed exactly once: after the terminal frame, on Abort, or on the first
// failed write.
type Encoder struct {
	w Writer

	mu       sync.Mutex
	closed   bool
	frames   int
	writeErr error
}

func NewEncoder(w Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) TextDelta(step int, text string) error {
	if text == "" {
		return nil
	}
	return e.write(Frame{Type: TypeTextDelta, Step: step, Delta: text})
}

func (e *Encoder) ToolCallStarted(step int, call session.ToolCall) error {
	input := call.Args
	if input == nil {
		input = map[string]interface{}{}
	}
	return e.write(Frame{
		Type:       TypeToolCallStarted,
		Step:       step,
		ToolCallID: call.ToolCallID,
		ToolName:   call.Name,
		Input:      input,
	})
}

func (e *Encoder) ToolCallResult(step int, call session.ToolCall, output string, isError bool) error {
	return e.write(Frame{
		Type:       TypeToolCallResult,
		Step:       step,
		ToolCallID: call.ToolCallID,
		ToolName:   call.Name,
		Output:     output,
		IsError:    isError,
	})
}

func (e *Encoder) StepBoundary(step int, finishReason string) error {
	return e.write(Frame{Type: TypeStepBoundary, Step: step, FinishReason: finishReason})
}

// Done writes the terminal done frame and closes the writer.
func (e *Encoder) Done(finishReason, messageID string) error {
	return e.write(Frame{Type: TypeDone, FinishReason: finishReason, MessageID: messageID})
}

// Error writes the terminal error frame and closes the writer. text must be
// safe to show to the client.
func (e *Encoder) Error(text string) error {
	return e.write(Frame{Type: TypeError, ErrorText: text})
}

// Abort closes the writer without a terminal frame. Used when the client is
// already gone. It is a no-op after a terminal frame.
func (e *Encoder) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.w.Close()
}

// Terminated reports whether a terminal frame was written or the stream
// was aborted.
func (e *Encoder) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Frames returns the number of frames written so far.
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *Encoder) write(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr != nil {
		return e.writeErr
	}
	if e.closed {
		return ErrClosed
	}
	if err := e.w.WriteFrame(f); err != nil {
		e.writeErr = errors.Wrapf(err, "failed to write %s frame", f.Type)
		e.closed = true
		_ = e.w.Close()
		return e.writeErr
	}
	e.frames++
	if f.Terminal() {
		e.closed = true
		return e.w.Close()
	}
	return nil
}
