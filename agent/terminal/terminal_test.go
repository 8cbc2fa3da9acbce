package terminal

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/m4xw311/nexus/agent"
	"github.com/m4xw311/nexus/gateway"
	"github.com/m4xw311/nexus/llm"
	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/stream"
	"github.com/m4xw311/nexus/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listTables struct{}

func (listTables) Name() string                        { return "list_tables" }
func (listTables) Description() string                 { return "List tables" }
func (listTables) InputSchema() map[string]interface{} { return nil }
func (listTables) Execute(context.Context, map[string]interface{}) (string, error) {
	return `["Users","Roles"]`, nil
}

type staticSession struct{ closed int }

func (s *staticSession) Tools() []tools.Tool { return []tools.Tool{listTables{}} }
func (s *staticSession) Close() error        { s.closed++; return nil }

func newController(client llm.LLMClient, sess *staticSession) *gateway.Controller {
	return &gateway.Controller{
		Agent: agent.Agent{Client: client, MaxSteps: 5},
		Opener: tools.OpenerFunc(func(context.Context) (tools.Session, error) {
			return sess, nil
		}),
	}
}

func TestTerminalAsk(t *testing.T) {
	client := &llm.MockLLMClient{Steps: []llm.MockStep{
		{ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: "list_tables"}}},
		{Text: []string{"You have ", "2 tables."}},
	}}
	sess := &staticSession{}
	var out bytes.Buffer

	term := New(newController(client, sess), VerbosityAll, strings.NewReader(""), &out)
	require.NoError(t, term.Ask(context.Background(), "What tables exist?"))

	got := out.String()
	assert.Contains(t, got, "Nexus calls tool `list_tables`")
	assert.Contains(t, got, `Tool `+"`list_tables`"+` output: ["Users","Roles"]`)
	assert.Contains(t, got, "Nexus: You have 2 tables.\n")
	assert.Equal(t, 1, sess.closed)
}

func TestTerminalRunInteractive(t *testing.T) {
	client := &llm.MockLLMClient{}
	sess := &staticSession{}
	var out bytes.Buffer

	term := New(newController(client, sess), VerbosityNone, strings.NewReader("first\n\nsecond\n/quit\nignored\n"), &out)
	require.NoError(t, term.Run(context.Background(), ""))

	assert.Len(t, client.Requests(), 2)
	assert.Equal(t, 2, sess.closed)
	second := client.Requests()[1].Messages
	require.Len(t, second, 2)
	assert.Equal(t, "second", second[1].Content)
	assert.NotContains(t, out.String(), "ignored")
}

func TestFrameWriterVerbosity(t *testing.T) {
	frames := []stream.Frame{
		{Type: stream.TypeToolCallStarted, ToolName: "list_tables"},
		{Type: stream.TypeToolCallResult, ToolName: "list_tables", Output: "[]"},
		{Type: stream.TypeTextDelta, Delta: "done"},
		{Type: stream.TypeDone, FinishReason: "step-budget-exhausted"},
	}
	render := func(v Verbosity) string {
		var out bytes.Buffer
		w := NewFrameWriter(&out, v)
		for _, f := range frames {
			require.NoError(t, w.WriteFrame(f))
		}
		require.NoError(t, w.Close())
		return out.String()
	}

	none := render(VerbosityNone)
	assert.NotContains(t, none, "list_tables")
	assert.Contains(t, none, "Nexus: done\n")
	assert.Contains(t, none, "step budget exhausted")

	info := render(VerbosityInfo)
	assert.Contains(t, info, "Nexus calls tool `list_tables`\n")
	assert.NotContains(t, info, "output")

	assert.Contains(t, render(VerbosityAll), "Tool `list_tables` output: []")
}

func TestParseVerbosity(t *testing.T) {
	v, err := ParseVerbosity("info")
	require.NoError(t, err)
	assert.Equal(t, VerbosityInfo, v)
	_, err = ParseVerbosity("loud")
	assert.ErrorContains(t, err, "unknown verbosity 'loud'")
	assert.Contains(t, err.Error(), "[terminal.go:")
}
