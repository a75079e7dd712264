package llm

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/3coins/acp-agentcore-poc/errors"
)

type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient talks to models hosted on AWS Bedrock through the Converse
// API. Credentials come from the default AWS chain (env, profile, container
// role); the region and model id are forwarded unchanged.
type BedrockClient struct {
	api    converseAPI
	region string
}

func NewBedrockClient(ctx context.Context, region string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	return &BedrockClient{api: bedrockruntime.NewFromConfig(cfg), region: region}, nil
}

func (b *BedrockClient) Chat(ctx context.Context, req Request) (*Response, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: toBedrockMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = &types.ToolConfiguration{Tools: toBedrockTools(req.Tools)}
	}

	out, err := b.api.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, errors.Wrapf(err, "bedrock converse %s in %s failed with %s", req.Model, b.region, apiErr.ErrorCode())
		}
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	return fromBedrockOutput(out)
}

func toBedrockMessages(msgs []Message) []types.Message {
	var out []types.Message
	for _, m := range mergeConsecutive(msgs) {
		var content []types.ContentBlock
		for _, r := range m.ToolResults {
			status := types.ToolResultStatusSuccess
			if r.IsError {
				status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(r.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: r.Content}},
				Status:    status,
			}})
		}
		if m.Text != "" {
			content = append(content, &types.ContentBlockMemberText{Value: m.Text})
		}
		for _, tc := range m.ToolCalls {
			args := tc.Args
			if args == nil {
				args = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(args),
			}})
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func toBedrockTools(specs []ToolSpec) []types.Tool {
	out := make([]types.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(s.Name),
			Description: aws.String(s.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(objectSchema(s.Schema))},
		}})
	}
	return out
}

func fromBedrockOutput(out *bedrockruntime.ConverseOutput) (*Response, error) {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("unexpected Bedrock output type %T", out.Output)
	}

	resp := &Response{Message: Message{Role: RoleAssistant}}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Message.Text += b.Value
		case *types.ContentBlockMemberToolUse:
			args := map[string]any{}
			if b.Value.Input != nil {
				if err := b.Value.Input.UnmarshalSmithyDocument(&args); err != nil {
					return nil, errors.Wrapf(err, "failed to decode tool input for %s", aws.ToString(b.Value.Name))
				}
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:   aws.ToString(b.Value.ToolUseId),
				Name: aws.ToString(b.Value.Name),
				Args: args,
			})
		}
	}

	switch out.StopReason {
	case types.StopReasonMaxTokens:
		resp.StopReason = StopMaxTokens
	case types.StopReasonToolUse:
		resp.StopReason = StopToolUse
	default:
		resp.StopReason = StopEndTurn
	}
	if len(resp.Message.ToolCalls) > 0 && resp.StopReason == StopEndTurn {
		resp.StopReason = StopToolUse
	}
	return resp, nil
}
