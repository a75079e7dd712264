package llm

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestBedrockChatBuildsConverseInput(t *testing.T) {
	fake := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "done"}},
		}},
		StopReason: types.StopReasonEndTurn,
	}}
	client := &BedrockClient{api: fake, region: "us-east-1"}

	resp, err := client.Chat(context.Background(), Request{
		System: "be brief",
		Model:  "global.anthropic.claude-haiku-4-5-20251001-v1:0",
		Messages: []Message{
			{Role: RoleUser, Text: "list files"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "ls", Args: map[string]any{"path": "/"}}}},
			{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "t1", Name: "ls", Content: "boom", IsError: true}}},
		},
		Tools:     []ToolSpec{{Name: "ls", Description: "list"}},
		MaxTokens: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Message.Text)
	assert.Equal(t, StopEndTurn, resp.StopReason)

	in := fake.input
	assert.Equal(t, "global.anthropic.claude-haiku-4-5-20251001-v1:0", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	assert.Equal(t, int32(1024), aws.ToInt32(in.InferenceConfig.MaxTokens))
	require.Len(t, in.ToolConfig.Tools, 1)

	require.Len(t, in.Messages, 3)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, in.Messages[1].Role)

	use, ok := in.Messages[1].Content[0].(*types.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "t1", aws.ToString(use.Value.ToolUseId))

	result, ok := in.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, types.ToolResultStatusError, result.Value.Status)
}

func TestBedrockChatParsesToolUse(t *testing.T) {
	fake := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "reading"},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("tu_1"),
					Name:      aws.String("read_file"),
					Input:     document.NewLazyDocument(map[string]any{"path": "main.go"}),
				}},
			},
		}},
		StopReason: types.StopReasonToolUse,
	}}
	client := &BedrockClient{api: fake}

	resp, err := client.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Text: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, "reading", resp.Message.Text)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "tu_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "read_file", resp.Message.ToolCalls[0].Name)
	assert.Equal(t, "main.go", resp.Message.ToolCalls[0].Args["path"])
	assert.Nil(t, fake.input.ToolConfig)
}

func TestBedrockChatMaxTokens(t *testing.T) {
	fake := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output:     &types.ConverseOutputMemberMessage{Value: types.Message{Role: types.ConversationRoleAssistant}},
		StopReason: types.StopReasonMaxTokens,
	}}
	resp, err := (&BedrockClient{api: fake}).Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Text: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, StopMaxTokens, resp.StopReason)
}

func TestBedrockChatError(t *testing.T) {
	fake := &fakeConverse{err: assert.AnError}
	_, err := (&BedrockClient{api: fake}).Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Text: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
