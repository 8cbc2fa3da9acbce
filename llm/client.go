package llm

import (
	"context"

	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/tools"
)

// defaultMaxTokens bounds a single model turn for providers that require it.
const defaultMaxTokens = 4096

// emptyTurnPlaceholder is sent as the user turn when the windowed transcript
// is empty and the provider refuses a request without one.
const emptyTurnPlaceholder = "Begin."

// Request is one model turn: the system instruction, the conversation so far
// and the tools the model may call.
type Request struct {
	System   string
	Messages []session.Message
	Tools    []tools.Tool
}

// DeltaFunc receives incremental assistant text as the model produces it.
// Returning an error aborts the turn.
type DeltaFunc func(text string) error

// LLMClient is the interface for interacting with a Large Language Model.
// Chat streams text through onDelta and returns the complete assistant
// message, including any tool calls the model requested.
type LLMClient interface {
	Chat(ctx context.Context, req Request, onDelta DeltaFunc) (*session.Message, error)
}

func emit(onDelta DeltaFunc, text string) error {
	if onDelta == nil || text == "" {
		return nil
	}
	return onDelta(text)
}
