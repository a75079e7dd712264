package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/require"

	"github.com/3coins/acp-agentcore-poc/checkpoint"
	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient records session updates and answers permission requests with
// a fixed option.
type fakeClient struct {
	mu          sync.Mutex
	updates     []acp.SessionNotification
	permissions []acp.RequestPermissionRequest
	// answer is the option id to select; empty cancels the request.
	answer string
}

func (f *fakeClient) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, n)
	return nil
}

func (f *fakeClient) RequestPermission(_ context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, req)
	if f.answer == "" {
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.NewRequestPermissionOutcomeSelected(acp.PermissionOptionId(f.answer)),
	}, nil
}

func (f *fakeClient) allUpdates() []acp.SessionUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]acp.SessionUpdate, len(f.updates))
	for i, n := range f.updates {
		out[i] = n.Update
	}
	return out
}

func (f *fakeClient) permissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.permissions)
}

func (f *fakeClient) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = nil
	f.permissions = nil
}

type testAgent struct {
	*Agent
	client *fakeClient
	model  *llm.MockClient
	store  checkpoint.Store
	cfg    *config.Config
}

func newTestAgent(t *testing.T, mode string, responses ...llm.Response) *testAgent {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceDir = t.TempDir()
	cfg.AgentMode = mode
	cfg.Provider = "mock"
	return newTestAgentWith(t, cfg, checkpoint.NewMemory(), &llm.MockClient{Responses: responses})
}

func newTestAgentWith(t *testing.T, cfg *config.Config, store checkpoint.Store, model *llm.MockClient) *testAgent {
	t.Helper()
	a, err := New(Options{Config: cfg, Model: model, Store: store, Logger: testLogger()})
	require.NoError(t, err)
	fake := &fakeClient{answer: optionAllowOnce}
	a.setClient(fake)
	t.Cleanup(func() { a.Close() })
	return &testAgent{Agent: a, client: fake, model: model, store: store, cfg: cfg}
}

func (ta *testAgent) newSession(t *testing.T) acp.SessionId {
	t.Helper()
	resp, err := ta.NewSession(context.Background(), acp.NewSessionRequest{Cwd: ta.cfg.WorkspaceDir, McpServers: []acp.McpServer{}})
	require.NoError(t, err)
	return resp.SessionId
}

func (ta *testAgent) prompt(t *testing.T, id acp.SessionId, text string) acp.StopReason {
	t.Helper()
	resp, err := ta.Prompt(context.Background(), acp.PromptRequest{
		SessionId: id,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	require.NoError(t, err)
	return resp.StopReason
}

func toolCallResponse(id, name string, args map[string]any) llm.Response {
	return llm.Response{
		Message:    llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: name, Args: args}}},
		StopReason: llm.StopToolUse,
	}
}

func textResponse(text string) llm.Response {
	return llm.Response{
		Message:    llm.Message{Role: llm.RoleAssistant, Text: text},
		StopReason: llm.StopEndTurn,
	}
}

// toolStatuses lists the status transitions reported for one tool call.
func toolStatuses(updates []acp.SessionUpdate, id string) []acp.ToolCallStatus {
	var out []acp.ToolCallStatus
	for _, u := range updates {
		if u.ToolCall != nil && string(u.ToolCall.ToolCallId) == id {
			out = append(out, u.ToolCall.Status)
		}
		if u.ToolCallUpdate != nil && string(u.ToolCallUpdate.ToolCallId) == id && u.ToolCallUpdate.Status != nil {
			out = append(out, *u.ToolCallUpdate.Status)
		}
	}
	return out
}

func agentText(updates []acp.SessionUpdate) []string {
	var out []string
	for _, u := range updates {
		if u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil {
			out = append(out, u.AgentMessageChunk.Content.Text.Text)
		}
	}
	return out
}
