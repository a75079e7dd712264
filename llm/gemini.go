package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/3coins/acp-agentcore-poc/errors"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient requires the GEMINI_API_KEY environment variable.
func NewGeminiClient(ctx context.Context) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{client: client}, nil
}

func (g *GeminiClient) Chat(ctx context.Context, req Request) (*Response, error) {
	history := toGeminiContents(req.Messages)
	if len(history) == 0 {
		return nil, errors.New("gemini chat needs at least one message")
	}

	model := g.client.GenerativeModel(req.Model)
	model.Tools = toGeminiTools(req.Tools)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	last := history[len(history)-1]
	cs := model.StartChat()
	cs.History = history[:len(history)-1]
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}
	return fromGeminiResponse(resp)
}

func toGeminiContents(msgs []Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		var parts []genai.Part
		for _, r := range m.ToolResults {
			key := "result"
			if r.IsError {
				key = "error"
			}
			parts = append(parts, genai.FunctionResponse{Name: r.Name, Response: map[string]any{key: r.Content}})
		}
		if m.Text != "" {
			parts = append(parts, genai.Text(m.Text))
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
		}
		if len(parts) > 0 {
			out = append(out, &genai.Content{Role: role, Parts: parts})
		}
	}
	return out
}

func toGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toGeminiSchema(objectSchema(s.Schema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts the subset of JSON schema the tools use.
func toGeminiSchema(s map[string]any) *genai.Schema {
	out := &genai.Schema{}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	switch s["type"] {
	case "string":
		out.Type = genai.TypeString
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		if items, ok := s["items"].(map[string]any); ok {
			out.Items = toGeminiSchema(items)
		}
	default:
		out.Type = genai.TypeObject
		if props, ok := s["properties"].(map[string]any); ok {
			out.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					out.Properties[name] = toGeminiSchema(pm)
				}
			}
		}
		if req, ok := s["required"].([]string); ok {
			out.Required = req
		}
	}
	return out
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}
	cand := resp.Candidates[0]
	out := &Response{Message: Message{Role: RoleAssistant}, StopReason: StopEndTurn}
	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Message.Text += string(v)
		case genai.FunctionCall:
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:   "call_" + uuid.NewString(),
				Name: v.Name,
				Args: v.Args,
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	switch {
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		out.StopReason = StopMaxTokens
	case len(out.Message.ToolCalls) > 0:
		out.StopReason = StopToolUse
	}
	return out, nil
}
