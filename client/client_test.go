package client

import (
	"bytes"
	"context"
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3coins/acp-agentcore-poc/errors"
)

func TestSessionUpdatePrintsAndRecords(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, nil)
	ctx := context.Background()

	require.NoError(t, c.SessionUpdate(ctx, acp.SessionNotification{SessionId: "s1", Update: acp.UpdateAgentMessageText("hello ")}))
	require.NoError(t, c.SessionUpdate(ctx, acp.SessionNotification{SessionId: "s1", Update: acp.UpdateAgentMessageText("world")}))
	require.NoError(t, c.SessionUpdate(ctx, acp.SessionNotification{SessionId: "s1", Update: acp.UpdateUserMessageText("hi")}))

	assert.Equal(t, "hello world", c.Text())
	assert.Len(t, c.Updates(), 3)
	assert.Contains(t, out.String(), "Agent: hello")
	assert.Contains(t, out.String(), "You: hi")
}

func TestRequestPermissionSelectsFirstOption(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, nil)
	title := "write_file /a.txt"
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		SessionId: "s1",
		ToolCall:  acp.RequestPermissionToolCall{ToolCallId: "c1", Title: &title},
		Options: []acp.PermissionOption{
			{OptionId: "allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
			{OptionId: "reject", Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("allow"), resp.Outcome.Selected.OptionId)
	assert.Len(t, c.Permissions(), 1)
	assert.Contains(t, out.String(), title)
}

func TestRequestPermissionWithoutOptionsCancels(t *testing.T) {
	c := New(nil, nil)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		SessionId: "s1",
		ToolCall:  acp.RequestPermissionToolCall{ToolCallId: "c1"},
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Outcome.Selected)
}

func TestClientCapabilitiesRefused(t *testing.T) {
	c := New(nil, nil)
	_, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "/etc/hosts"})
	assert.True(t, errors.Is(err, errUnsupported))
	_, err = c.CreateTerminal(context.Background(), acp.CreateTerminalRequest{Command: "ls"})
	assert.True(t, errors.Is(err, errUnsupported))
}
