package agent

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/tools"
	"github.com/3coins/acp-agentcore-poc/tools/mcp"
)

type fakeTool struct {
	name string
	out  string
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return "fake " + f.name }
func (f *fakeTool) Schema() map[string]any { return nil }
func (f *fakeTool) Kind() tools.Kind       { return tools.KindOther }
func (f *fakeTool) Execute(context.Context, map[string]any) (string, error) {
	return f.out, nil
}

type fakeServer struct {
	name   string
	tools  []tools.Tool
	mu     sync.Mutex
	closed bool
}

func (f *fakeServer) Name() string        { return f.name }
func (f *fakeServer) Tools() []tools.Tool { return f.tools }
func (f *fakeServer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeServer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestNewSessionAttachesMCPServers(t *testing.T) {
	ta := newTestAgent(t, config.ModeAuto,
		toolCallResponse("c1", "lookup", map[string]any{"q": "weather"}),
		textResponse("sunny"),
	)
	docs := &fakeServer{name: "docs", tools: []tools.Tool{
		&fakeTool{name: "lookup", out: "it is sunny"},
		&fakeTool{name: "read_file", out: "shadowed"},
	}}
	var started []mcp.Server
	ta.connectMCP = func(_ context.Context, srv mcp.Server, _ *slog.Logger) (toolServer, error) {
		started = append(started, srv)
		if srv.Name == "broken" {
			return nil, errors.New("exec: not found")
		}
		return docs, nil
	}

	resp, err := ta.NewSession(context.Background(), acp.NewSessionRequest{
		Cwd: ta.cfg.WorkspaceDir,
		McpServers: []acp.McpServer{
			{Stdio: &acp.McpServerStdio{Name: "docs", Command: "docs-mcp", Args: []string{"--stdio"}, Env: []acp.EnvVariable{{Name: "TOKEN", Value: "abc"}, {Name: "", Value: "ignored"}}}},
			{Http: &acp.McpServerHttp{Name: "remote", Type: "http", Url: "https://mcp.example.com", Headers: []acp.HttpHeader{}}},
			{Stdio: &acp.McpServerStdio{Name: "broken", Command: "missing", Args: []string{}, Env: []acp.EnvVariable{}}},
		},
	})
	require.NoError(t, err, "failing or unsupported servers do not fail the session")

	require.Len(t, started, 2, "only stdio servers are started")
	assert.Equal(t, mcp.Server{Name: "docs", Command: "docs-mcp", Args: []string{"--stdio"}, Env: []string{"TOKEN=abc"}}, started[0])
	assert.Equal(t, "broken", started[1].Name)

	s, err := ta.lookup(resp.SessionId)
	require.NoError(t, err)
	lookup, ok := s.registry.Get("lookup")
	require.True(t, ok)
	assert.Same(t, docs.tools[0], lookup)
	readFile, ok := s.registry.Get("read_file")
	require.True(t, ok)
	assert.NotSame(t, docs.tools[1], readFile, "builtins win name collisions")

	assert.Equal(t, acp.StopReasonEndTurn, ta.prompt(t, resp.SessionId, "weather?"))
	assert.Equal(t, []acp.ToolCallStatus{acp.ToolCallStatusPending, acp.ToolCallStatusInProgress, acp.ToolCallStatusCompleted},
		toolStatuses(ta.client.allUpdates(), "c1"))
	require.Len(t, ta.model.Requests, 2)
	last := ta.model.Requests[1].Messages
	assert.Equal(t, "it is sunny", last[len(last)-1].ToolResults[0].Content)

	require.NoError(t, ta.Close())
	assert.True(t, docs.isClosed())
}
