package llm

import (
	"context"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{
		client:    client,
		modelName: modelName,
	}, nil
}

// Chat streams a response from the Gemini API. A model handle is built per
// call since requests run concurrently with different tool sets.
func (g *GeminiLLMClient) Chat(ctx context.Context, req Request, onDelta DeltaFunc) (*session.Message, error) {
	model := g.client.GenerativeModel(g.modelName)
	model.Tools = convertToolsToGeminiTools(req.Tools)
	if req.System != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}

	history := convertMessagesToGeminiContent(req.Messages)
	// The last message is the new prompt.
	last := history[len(history)-1]

	cs := model.StartChat()
	cs.History = history[:len(history)-1]
	iter := cs.SendMessageStream(ctx, last.Parts...)

	msg := &session.Message{Role: session.RoleAssistant}
	var text strings.Builder
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stream message from Gemini")
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				text.WriteString(string(v))
				if err := emit(onDelta, string(v)); err != nil {
					return nil, err
				}
			case genai.FunctionCall:
				args := v.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
					// Gemini does not identify calls; the gateway does.
					ToolCallID: "call_" + uuid.NewString(),
					Name:       v.Name,
					Args:       args,
				})
			}
		}
	}
	msg.Content = text.String()
	return msg, nil
}

// convertMessagesToGeminiContent converts our internal message format to
// Gemini's. Tool results become function responses; consecutive ones share a
// single turn. The result always holds at least one content.
func convertMessagesToGeminiContent(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if text := msg.Text(); text != "" {
				c.Parts = append(c.Parts, genai.Text(text))
			}
			for _, tc := range msg.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		case session.RoleTool:
			if len(msg.ToolCalls) == 0 {
				continue
			}
			key := "result"
			if msg.IsError {
				key = "error"
			}
			part := genai.FunctionResponse{
				Name:     msg.ToolCalls[0].Name,
				Response: map[string]interface{}{key: msg.Text()},
			}
			if n := len(contents); n > 0 && isFunctionResponseTurn(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		case session.RoleSystem:
			// Carried in SystemInstruction.
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Text())},
			})
		}
	}
	if len(contents) == 0 {
		contents = append(contents, genai.NewUserContent(genai.Text(emptyTurnPlaceholder)))
	}
	return contents
}

func isFunctionResponseTurn(c *genai.Content) bool {
	if c.Role != "user" || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if _, ok := p.(genai.FunctionResponse); !ok {
			return false
		}
	}
	return true
}

// convertToolsToGeminiTools converts our Tool interface to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  convertSchemaToGemini(tools.ObjectSchema(tool.InputSchema())),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// convertSchemaToGemini maps the JSON schema subset Gemini understands.
// Unknown keywords are dropped.
func convertSchemaToGemini(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	switch t, _ := schema["type"].(string); t {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	default:
		s.Type = genai.TypeObject
	}
	s.Description, _ = schema["description"].(string)
	s.Format, _ = schema["format"].(string)
	s.Enum = stringList(schema["enum"])
	s.Required = stringList(schema["required"])
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = convertSchemaToGemini(items)
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				s.Properties[name] = convertSchemaToGemini(pm)
			}
		}
	}
	return s
}
