package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/nexus/session"
)

// MockStep scripts one model turn of MockLLMClient.
type MockStep struct {
	// Text is streamed as one delta per element.
	Text      []string
	ToolCalls []session.ToolCall
	Err       error
}

// MockLLMClient replays scripted steps in order. Once the script is used up
// (or when none is given) it parrots back the last message.
type MockLLMClient struct {
	Steps []MockStep

	mu       sync.Mutex
	next     int
	requests []Request
}

func (m *MockLLMClient) Chat(ctx context.Context, req Request, onDelta DeltaFunc) (*session.Message, error) {
	m.mu.Lock()
	m.requests = append(m.requests, copyRequest(req))
	var step *MockStep
	if m.next < len(m.Steps) {
		step = &m.Steps[m.next]
		m.next++
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if step == nil {
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Text()
		}
		text := fmt.Sprintf("I am a mock LLM. You said: '%s'.", last)
		if err := emit(onDelta, text); err != nil {
			return nil, err
		}
		return &session.Message{Role: session.RoleAssistant, Content: text}, nil
	}

	if step.Err != nil {
		return nil, step.Err
	}
	var content string
	for _, t := range step.Text {
		if err := emit(onDelta, t); err != nil {
			return nil, err
		}
		content += t
	}
	return &session.Message{
		Role:      session.RoleAssistant,
		Content:   content,
		ToolCalls: step.ToolCalls,
	}, nil
}

// Requests returns every request received so far.
func (m *MockLLMClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func copyRequest(req Request) Request {
	msgs := make([]session.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	return req
}
