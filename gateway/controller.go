package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/nexus/agent"
	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/metrics"
	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/stream"
	"github.com/m4xw311/nexus/tools"
)

// Client-visible error texts. Internal detail only goes to the logs.
const (
	errTextUnauthorized = "unauthorized"
	errTextBadRequest   = "bad request"
	errTextInternal     = "internal server error"
	errTextGeneration   = "An error occurred while generating the response."
	errTextToolFailed   = "tool invocation failed"
)

// ChatRequest is the body of a chat request.
type ChatRequest struct {
	Messages []session.Message `json:"messages"`
}

// ParseChatRequest decodes and validates a chat body. Failures wrap
// errors.ErrMalformedRequest.
func ParseChatRequest(r io.Reader) (*ChatRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Kindf(errors.ErrMalformedRequest, err, "failed to read body")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Kindf(errors.ErrMalformedRequest, err, "body is not a JSON object")
	}
	if _, ok := raw["messages"]; !ok {
		return nil, errors.Kindf(errors.ErrMalformedRequest, nil, "body has no messages")
	}

	var req ChatRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&req); err != nil {
		return nil, errors.Kindf(errors.ErrMalformedRequest, err, "invalid messages")
	}
	for i, m := range req.Messages {
		if !session.ValidRole(m.Role) {
			return nil, errors.Kindf(errors.ErrMalformedRequest, nil, "message %d has unknown role %q", i, m.Role)
		}
	}
	if req.Messages == nil {
		req.Messages = []session.Message{}
	}
	return &req, nil
}

// Outcome is how a streamed conversation ended.
type Outcome string

const (
	OutcomeDone             Outcome = metrics.OutcomeDone
	OutcomeStepBudget       Outcome = metrics.OutcomeStepBudget
	OutcomeModelError       Outcome = metrics.OutcomeModelError
	OutcomeClientDisconnect Outcome = metrics.OutcomeClientDisconnect
)

// Controller composes the window selector, the tool session, the agent loop
// and the stream encoder for one request.
type Controller struct {
	Agent   agent.Agent
	Opener  tools.Opener
	Window  int
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Converse runs one authenticated chat request. The tool session is opened
// before newWriter is called, so an open failure is returned as an error
// while the caller can still answer with a status code. Once the writer
// exists every outcome is reported in-stream and the returned error is nil.
// The tool session is closed exactly once on every path.
func (c *Controller) Converse(ctx context.Context, req *ChatRequest, newWriter func() stream.Writer, logger *slog.Logger) (Outcome, error) {
	if logger == nil {
		logger = c.logger()
	}
	window := c.Window
	if window <= 0 {
		window = session.DefaultWindow
	}
	bounded := session.Window(req.Messages, window)
	chars := session.CharCount(bounded)
	logger.Debug("transcript bounded",
		"received", len(req.Messages),
		"forwarded", len(bounded),
		"chars", chars,
		"system_chars", len(c.Agent.System),
		"approx_tokens", session.EstimateTokens(chars+len(c.Agent.System)),
	)

	var outcome Outcome
	err := c.withToolSession(ctx, logger, func(sess tools.Session) {
		enc := stream.NewEncoder(newWriter())
		defer func() { _ = enc.Abort() }()
		outcome = c.run(ctx, logger, bounded, sess, enc)
	})
	if err != nil {
		return "", err
	}
	c.Metrics.StreamOutcome(string(outcome))
	return outcome, nil
}

// withToolSession opens a tool session, hands it to fn and closes it when fn
// returns or panics.
func (c *Controller) withToolSession(ctx context.Context, logger *slog.Logger, fn func(tools.Session)) error {
	start := time.Now()
	sess, err := c.Opener.Open(ctx)
	if err != nil {
		logger.Error("tool session unavailable", "error", err, "elapsed", time.Since(start))
		if !errors.Is(err, errors.ErrToolProviderUnavailable) {
			err = errors.Kindf(errors.ErrToolProviderUnavailable, err, "failed to open tool session")
		}
		return err
	}
	c.Metrics.ToolSessionOpened(time.Since(start))
	logger.Info("tool session opened", "tools", len(sess.Tools()), "elapsed", time.Since(start))
	logger.Debug("tool descriptors", "tools", tools.NewToolRegistry(sess.Tools()).Describe())

	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("tool session close reported an error", "error", err)
		}
		c.Metrics.ToolSessionClosed()
		logger.Info("tool session closed")
	}()

	fn(sess)
	return nil
}

func (c *Controller) run(ctx context.Context, logger *slog.Logger, transcript []session.Message, sess tools.Session, enc *stream.Encoder) Outcome {
	a := c.Agent
	a.Logger = logger

	res, err := a.Run(ctx, transcript, sess.Tools(), agent.Callbacks{
		OnTextDelta: enc.TextDelta,
		OnToolCall:  enc.ToolCallStarted,
		OnToolResult: func(step int, call session.ToolCall, r agent.ToolResult) error {
			c.Metrics.ToolCall(call.Name, r.IsError)
			output := r.Output
			if r.IsError {
				output = errTextToolFailed
			}
			return enc.ToolCallResult(step, call, output, r.IsError)
		},
		OnStepFinish: func(step int, reason agent.FinishReason) error {
			return enc.StepBoundary(step, string(reason))
		},
	})
	if res != nil {
		c.Metrics.Steps(res.Steps)
	}

	switch {
	case ctx.Err() != nil:
		logger.Info("client disconnected", "error", ctx.Err())
		_ = enc.Abort()
		return OutcomeClientDisconnect
	case err == nil:
		outcome := OutcomeDone
		if res.StopReason == agent.StopStepBudget {
			outcome = OutcomeStepBudget
		}
		logger.Info("loop finished", "stop_reason", res.StopReason, "steps", res.Steps)
		if werr := enc.Done(string(res.StopReason), uuid.NewString()); werr != nil {
			logger.Info("client disconnected", "error", werr)
			return OutcomeClientDisconnect
		}
		return outcome
	case errors.Is(err, errors.ErrModelInvocationFailed):
		logger.Error("model invocation failed", "error", err)
		if werr := enc.Error(errTextGeneration); werr != nil {
			logger.Info("client disconnected", "error", werr)
		}
		return OutcomeModelError
	default:
		// A callback failed: the client side of the stream is gone.
		logger.Info("client disconnected", "error", err)
		_ = enc.Abort()
		return OutcomeClientDisconnect
	}
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
