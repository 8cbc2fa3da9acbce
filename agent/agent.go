package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/llm"
	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/tools"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxSteps is the step budget used when none is configured.
const DefaultMaxSteps = 10

const defaultToolConcurrency = 4

// StopReason tells why the loop ended without an error.
type StopReason string

const (
	// StopFinal means a step produced no tool calls; its text is the answer.
	StopFinal StopReason = "stop"
	// StopStepBudget means the step budget ran out while the model still
	// wanted tools.
	StopStepBudget StopReason = "step-budget-exhausted"
)

// FinishReason tells how a single step ended.
type FinishReason string

const (
	FinishToolCalls FinishReason = "tool-calls"
	FinishStop      FinishReason = "stop"
)

// ToolResult is the outcome of one tool call. Output holds the error detail
// when IsError is set; it is what the model sees on the next step.
type ToolResult struct {
	Output  string
	IsError bool
	Err     error
}

// Callbacks receive loop events in generation order. Every callback is
// invoked from the goroutine that called Run. A callback returning an error
// stops the loop and Run returns that error unchanged.
type Callbacks struct {
	OnStepStart  func(step int) error
	OnTextDelta  func(step int, text string) error
	OnToolCall   func(step int, call session.ToolCall) error
	OnToolResult func(step int, call session.ToolCall, result ToolResult) error
	OnStepFinish func(step int, reason FinishReason) error
}

// Result summarizes a finished loop.
type Result struct {
	Steps      int
	StopReason StopReason
	// Text is the text of the last step.
	Text string
	// Messages are the assistant and tool messages the loop appended.
	Messages []session.Message
}

// Agent drives the bounded tool-use loop against one LLM client.
type Agent struct {
	Client       llm.LLMClient
	System       string
	MaxSteps     int
	ModelTimeout time.Duration
	// ToolConcurrency caps tool calls of one step running at once.
	ToolConcurrency int
	Logger          *slog.Logger
}

// Run executes steps until the model answers without tool calls or MaxSteps
// steps have run. Tool failures are fed back to the model; a model failure
// is returned wrapped in errors.ErrModelInvocationFailed.
func (a *Agent) Run(ctx context.Context, transcript []session.Message, available []tools.Tool, cb Callbacks) (*Result, error) {
	logger := a.logger()
	maxSteps := a.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	registry := tools.NewToolRegistry(available)
	messages := make([]session.Message, len(transcript), len(transcript)+2*maxSteps)
	copy(messages, transcript)
	result := &Result{}

	for step := 1; step <= maxSteps; step++ {
		result.Steps = step
		if err := call(cb.OnStepStart, step); err != nil {
			return result, err
		}

		reply, err := a.invoke(ctx, step, messages, registry.List(), cb)
		if err != nil {
			return result, err
		}
		messages = append(messages, *reply)
		result.Messages = append(result.Messages, *reply)
		result.Text = reply.Content

		if len(reply.ToolCalls) == 0 {
			logger.Info("step finished", "step", step, "tool_calls", 0)
			if err := callFinish(cb.OnStepFinish, step, FinishStop); err != nil {
				return result, err
			}
			result.StopReason = StopFinal
			return result, nil
		}

		for _, tc := range reply.ToolCalls {
			if cb.OnToolCall != nil {
				if err := cb.OnToolCall(step, tc); err != nil {
					return result, err
				}
			}
		}

		results := a.dispatch(ctx, registry, reply.ToolCalls)
		if err := ctx.Err(); err != nil {
			return result, err
		}
		for i, tc := range reply.ToolCalls {
			res := results[i]
			if res.IsError {
				logger.Warn("tool invocation failed", "step", step, "tool", tc.Name, "tool_call_id", tc.ToolCallID, "error", res.Err)
			} else {
				logger.Debug("tool result", "step", step, "tool", tc.Name, "tool_call_id", tc.ToolCallID, "bytes", len(res.Output))
			}
			toolMsg := session.Message{
				Role:      session.RoleTool,
				Content:   res.Output,
				ToolCalls: []session.ToolCall{tc},
				IsError:   res.IsError,
			}
			messages = append(messages, toolMsg)
			result.Messages = append(result.Messages, toolMsg)
			if cb.OnToolResult != nil {
				if err := cb.OnToolResult(step, tc, res); err != nil {
					return result, err
				}
			}
		}

		logger.Info("step finished", "step", step, "tool_calls", len(reply.ToolCalls))
		if err := callFinish(cb.OnStepFinish, step, FinishToolCalls); err != nil {
			return result, err
		}
	}

	logger.Warn("loop stopped", "error", errors.Kindf(errors.ErrStepBudgetExhausted, nil, "model still requesting tools after %d steps", maxSteps))
	result.StopReason = StopStepBudget
	return result, nil
}

// invoke runs one model call under ModelTimeout. Errors raised by the
// OnTextDelta callback are returned as-is so the caller can tell them apart
// from upstream failures.
func (a *Agent) invoke(ctx context.Context, step int, messages []session.Message, ts []tools.Tool, cb Callbacks) (*session.Message, error) {
	modelCtx := ctx
	if a.ModelTimeout > 0 {
		var cancel context.CancelFunc
		modelCtx, cancel = context.WithTimeout(ctx, a.ModelTimeout)
		defer cancel()
	}

	var cbErr error
	onDelta := func(text string) error {
		if cb.OnTextDelta == nil {
			return nil
		}
		if err := cb.OnTextDelta(step, text); err != nil {
			cbErr = err
			return err
		}
		return nil
	}

	chars := session.CharCount(messages) + len(a.System)
	a.logger().Debug("model request", "step", step, "messages", len(messages), "chars", chars, "approx_tokens", session.EstimateTokens(chars), "tools", len(ts))

	reply, err := a.Client.Chat(modelCtx, llm.Request{System: a.System, Messages: messages, Tools: ts}, onDelta)
	if cbErr != nil {
		return nil, cbErr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Kindf(errors.ErrModelInvocationFailed, err, "model invocation failed at step %d", step)
	}
	if reply == nil {
		return nil, errors.Kindf(errors.ErrModelInvocationFailed, nil, "model returned no message at step %d", step)
	}
	reply.Role = session.RoleAssistant
	return reply, nil
}

// dispatch runs the tool calls of one step concurrently and returns their
// results in request order.
func (a *Agent) dispatch(ctx context.Context, registry *tools.ToolRegistry, calls []session.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	limit := a.ToolConcurrency
	if limit <= 0 {
		limit = defaultToolConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, tc := range calls {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = ToolResult{
						Output:  fmt.Sprintf("Error executing tool '%s': %v", tc.Name, r),
						IsError: true,
						Err:     errors.Kindf(errors.ErrToolInvocationFailed, nil, "tool '%s' panicked: %v", tc.Name, r),
					}
				}
			}()
			results[i] = execute(ctx, registry, tc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func execute(ctx context.Context, registry *tools.ToolRegistry, tc session.ToolCall) ToolResult {
	t, ok := registry.GetTool(tc.Name)
	if !ok {
		err := errors.Kindf(errors.ErrToolInvocationFailed, nil, "tool '%s' not found", tc.Name)
		return ToolResult{Output: fmt.Sprintf("Error: tool '%s' is not available", tc.Name), IsError: true, Err: err}
	}
	args := tc.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		output := fmt.Sprintf("Error executing tool '%s': %s", tc.Name, errors.Message(err))
		if !errors.Is(err, errors.ErrToolInvocationFailed) {
			err = errors.Kindf(errors.ErrToolInvocationFailed, err, "tool '%s' failed", tc.Name)
		}
		return ToolResult{Output: output, IsError: true, Err: err}
	}
	return ToolResult{Output: out}
}

func (a *Agent) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func call(f func(int) error, step int) error {
	if f == nil {
		return nil
	}
	return f(step)
}

func callFinish(f func(int, FinishReason) error, step int, reason FinishReason) error {
	if f == nil {
		return nil
	}
	return f(step, reason)
}
