package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/gateway"
	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/stream"
)

// Verbosity controls how much tool activity is printed.
type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ParseVerbosity accepts none, info or all.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(s); v {
	case VerbosityNone, VerbosityInfo, VerbosityAll:
		return v, nil
	}
	return "", errors.New("unknown verbosity '%s' (want none, info or all)", s)
}

// Terminal handles the terminal/CLI interaction mode for the gateway
type Terminal struct {
	controller *gateway.Controller
	verbosity  Verbosity
	in         io.Reader
	out        io.Writer
	transcript []session.Message
}

// New creates a new Terminal instance
func New(c *gateway.Controller, verbosity Verbosity, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		controller: c,
		verbosity:  verbosity,
		in:         in,
		out:        out,
	}
}

// Ask runs a single question and returns once the stream has ended.
func (t *Terminal) Ask(ctx context.Context, question string) error {
	return t.processTurn(ctx, question)
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(t.in)
	for {
		fmt.Fprint(t.out, "You: ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}

		// Exit commands
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}

	return scanner.Err()
}

// processTurn handles a single user input turn. Only user messages are kept
// between turns; the history window drops everything else anyway.
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	t.transcript = append(t.transcript, session.Message{Role: session.RoleUser, Content: userInput})
	req := &gateway.ChatRequest{Messages: t.transcript}

	_, err := t.controller.Converse(ctx, req, func() stream.Writer {
		return NewFrameWriter(t.out, t.verbosity)
	}, nil)
	return err
}

// FrameWriter renders stream frames as plain text.
type FrameWriter struct {
	out       io.Writer
	verbosity Verbosity
	midLine   bool
}

func NewFrameWriter(out io.Writer, verbosity Verbosity) *FrameWriter {
	return &FrameWriter{out: out, verbosity: verbosity}
}

func (w *FrameWriter) WriteFrame(f stream.Frame) error {
	var err error
	switch f.Type {
	case stream.TypeTextDelta:
		if !w.midLine {
			_, err = fmt.Fprint(w.out, "Nexus: ")
			w.midLine = true
		}
		if err == nil {
			_, err = fmt.Fprint(w.out, f.Delta)
		}
	case stream.TypeToolCallStarted:
		w.endLine()
		switch w.verbosity {
		case VerbosityAll:
			_, err = fmt.Fprintf(w.out, "Nexus calls tool `%s` with args: %v\n", f.ToolName, f.Input)
		case VerbosityInfo:
			_, err = fmt.Fprintf(w.out, "Nexus calls tool `%s`\n", f.ToolName)
		}
	case stream.TypeToolCallResult:
		if w.verbosity == VerbosityAll {
			w.endLine()
			_, err = fmt.Fprintf(w.out, "Tool `%s` output: %s\n", f.ToolName, f.Output)
		}
	case stream.TypeStepBoundary:
		w.endLine()
	case stream.TypeError:
		w.endLine()
		_, err = fmt.Fprintf(w.out, "Error: %s\n", f.ErrorText)
	case stream.TypeDone:
		w.endLine()
		if f.FinishReason == "step-budget-exhausted" {
			_, err = fmt.Fprintln(w.out, "(stopped: step budget exhausted)")
		}
	}
	return err
}

func (w *FrameWriter) Close() error {
	w.endLine()
	return nil
}

func (w *FrameWriter) endLine() {
	if w.midLine {
		fmt.Fprintln(w.out)
		w.midLine = false
	}
}
