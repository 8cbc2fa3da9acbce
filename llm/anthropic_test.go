package llm

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func TestAnthropicChatStreams(t *testing.T) {
	srv := sseServer(t, []string{
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":0}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking "}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"tables."}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"list_tables","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"schema\":"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"dbo\"}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":12}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	})

	c := anthropic.NewClient(option.WithAPIKey("test"), option.WithBaseURL(srv.URL))
	client := &AnthropicLLMClient{client: &c, model: "claude"}

	var deltas []string
	msg, err := client.Chat(context.Background(), Request{
		System:   "You are a SQL assistant.",
		Messages: []session.Message{{Role: "user", Content: "What tables exist?"}},
	}, func(text string) error {
		deltas = append(deltas, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Checking ", "tables."}, deltas)
	assert.Equal(t, "Checking tables.", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "toolu_1", msg.ToolCalls[0].ToolCallID)
	assert.Equal(t, "list_tables", msg.ToolCalls[0].Name)
	assert.Equal(t, map[string]interface{}{"schema": "dbo"}, msg.ToolCalls[0].Args)
}

func TestNewAnthropicLLMClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicLLMClient(context.Background(), "claude")
	assert.Error(t, err)
}

func TestConvertMessagesToAnthropicMessages(t *testing.T) {
	out := convertMessagesToAnthropicMessages([]session.Message{
		{Role: "system", Content: "ignored here"},
		{Role: "user", Content: "Count rows"},
		{Role: "assistant", Content: "On it.", ToolCalls: []session.ToolCall{
			{ToolCallID: "a", Name: "count_users"},
			{ToolCallID: "b", Name: "count_orders"},
		}},
		{Role: "tool", Content: "42", ToolCalls: []session.ToolCall{{ToolCallID: "a"}}},
		{Role: "tool", Content: "boom", IsError: true, ToolCalls: []session.ToolCall{{ToolCallID: "b"}}},
	})
	require.Len(t, out, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	assert.Len(t, out[1].Content, 3)

	require.Len(t, out[2].Content, 2)
	first := out[2].Content[0].OfToolResult
	second := out[2].Content[1].OfToolResult
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "a", first.ToolUseID)
	assert.False(t, first.IsError.Value)
	assert.True(t, second.IsError.Value)
}

func TestConvertMessagesToAnthropicMessagesEmpty(t *testing.T) {
	out := convertMessagesToAnthropicMessages(nil)
	require.Len(t, out, 1)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
}

func TestConvertToolsToAnthropicTools(t *testing.T) {
	out := convertToolsToAnthropicTools([]tools.Tool{
		&MockTool{name: "list_tables", description: "List tables"},
		&MockTool{name: "read_data", description: "Run a query", schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"query"},
		}},
	})
	require.Len(t, out, 2)
	assert.Equal(t, map[string]interface{}{}, out[0].InputSchema.Properties)
	assert.Equal(t, []string{"query"}, out[1].InputSchema.Required)
}
