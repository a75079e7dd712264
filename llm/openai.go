package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/3coins/acp-agentcore-poc/errors"
)

// OpenAIClient is a client for the OpenAI Chat Completion API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient requires OPENAI_API_KEY and honours OPENAI_BASE_URL for
// compatible endpoints.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &OpenAIClient{client: &c}, nil
}

func (o *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	msgs, err := toOpenAIMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: msgs,
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to OpenAI")
	}
	return fromOpenAICompletion(resp)
}

func toOpenAIMessages(system string, msgs []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			am := openai.ChatCompletionMessage{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, errors.Wrapf(err, "could not marshal arguments for %s", tc.Name)
				}
				am.ToolCalls = append(am.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, am.ToParam())
		default:
			// tool results must directly follow the assistant message that asked for them
			for _, r := range m.ToolResults {
				out = append(out, openai.ToolMessage(r.Content, r.ToolCallID))
			}
			if m.Text != "" {
				out = append(out, openai.UserMessage(m.Text))
			}
		}
	}
	return out, nil
}

func toOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  openai.FunctionParameters(objectSchema(s.Schema)),
		}))
	}
	return out
}

func fromOpenAICompletion(resp *openai.ChatCompletion) (*Response, error) {
	out := &Response{Message: Message{Role: RoleAssistant}, StopReason: StopEndTurn}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.Message.Text = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal function call arguments from OpenAI")
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	switch {
	case choice.FinishReason == "length":
		out.StopReason = StopMaxTokens
	case len(out.Message.ToolCalls) > 0:
		out.StopReason = StopToolUse
	}
	return out, nil
}
