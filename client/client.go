// Package client is a small ACP client for driving the agent over its
// WebSocket endpoint. It backs the acpclient command and end-to-end tests.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"github.com/gorilla/websocket"

	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/wsconn"
)

var errUnsupported = errors.Sentinel("not supported by this client")

// Client prints the updates it receives and approves every permission
// request with the first option offered. File system and terminal requests
// are refused; the agent works on its own workspace.
type Client struct {
	out io.Writer
	log *slog.Logger

	mu          sync.Mutex
	updates     []acp.SessionNotification
	permissions []acp.RequestPermissionRequest
}

var _ acp.Client = (*Client)(nil)

func New(out io.Writer, logger *slog.Logger) *Client {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{out: out, log: logger}
}

// Updates returns the notifications received so far.
func (c *Client) Updates() []acp.SessionNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]acp.SessionNotification(nil), c.updates...)
}

// Text concatenates the agent message chunks received so far.
func (c *Client) Text() string {
	var sb strings.Builder
	for _, n := range c.Updates() {
		if n.Update.AgentMessageChunk != nil && n.Update.AgentMessageChunk.Content.Text != nil {
			sb.WriteString(n.Update.AgentMessageChunk.Content.Text.Text)
		}
	}
	return sb.String()
}

func (c *Client) Permissions() []acp.RequestPermissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]acp.RequestPermissionRequest(nil), c.permissions...)
}

func (c *Client) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	c.mu.Lock()
	c.updates = append(c.updates, n)
	c.mu.Unlock()

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			fmt.Fprintf(c.out, "Agent: %s\n", u.AgentMessageChunk.Content.Text.Text)
		}
	case u.UserMessageChunk != nil:
		if u.UserMessageChunk.Content.Text != nil {
			fmt.Fprintf(c.out, "You: %s\n", u.UserMessageChunk.Content.Text.Text)
		}
	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			fmt.Fprintf(c.out, "Thinking: %s\n", u.AgentThoughtChunk.Content.Text.Text)
		}
	case u.ToolCall != nil:
		fmt.Fprintf(c.out, "[tool] %s (%s) %s\n", u.ToolCall.Title, u.ToolCall.Kind, u.ToolCall.Status)
	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status != nil {
			fmt.Fprintf(c.out, "[tool] %s %s\n", u.ToolCallUpdate.ToolCallId, *u.ToolCallUpdate.Status)
		}
	case u.Plan != nil:
		fmt.Fprintln(c.out, "[plan]")
		for _, e := range u.Plan.Entries {
			fmt.Fprintf(c.out, "  - [%s] %s\n", e.Status, e.Content)
		}
	case u.CurrentModeUpdate != nil:
		fmt.Fprintf(c.out, "[mode] %s\n", u.CurrentModeUpdate.CurrentModeId)
	}
	return nil
}

func (c *Client) RequestPermission(_ context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	c.mu.Lock()
	c.permissions = append(c.permissions, req)
	c.mu.Unlock()

	title := string(req.ToolCall.ToolCallId)
	if req.ToolCall.Title != nil {
		title = *req.ToolCall.Title
	}
	if len(req.Options) == 0 {
		fmt.Fprintf(c.out, "[permission] %s: no options, cancelling\n", title)
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}
	opt := req.Options[0]
	fmt.Fprintf(c.out, "[permission] %s: selecting %q\n", title, opt.Name)
	return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeSelected(opt.OptionId)}, nil
}

func (c *Client) ReadTextFile(_ context.Context, _ acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, errors.Wrapf(errUnsupported, "fs/read_text_file")
}

func (c *Client) WriteTextFile(_ context.Context, _ acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, errors.Wrapf(errUnsupported, "fs/write_text_file")
}

func (c *Client) CreateTerminal(_ context.Context, _ acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, errors.Wrapf(errUnsupported, "terminal/create")
}

func (c *Client) KillTerminalCommand(_ context.Context, _ acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, errors.Wrapf(errUnsupported, "terminal/kill")
}

func (c *Client) TerminalOutput(_ context.Context, _ acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, errors.Wrapf(errUnsupported, "terminal/output")
}

func (c *Client) ReleaseTerminal(_ context.Context, _ acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, errors.Wrapf(errUnsupported, "terminal/release")
}

func (c *Client) WaitForTerminalExit(_ context.Context, _ acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, errors.Wrapf(errUnsupported, "terminal/wait_for_exit")
}

// Conn is an ACP client connection over a WebSocket.
type Conn struct {
	*acp.ClientSideConnection
	ws *wsconn.Conn
}

// Dial opens a WebSocket to url and starts an ACP client connection on it.
func Dial(ctx context.Context, url string, header http.Header, c *Client) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing %s: HTTP %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dialing %s", url)
	}
	conn := wsconn.New(ws, wsconn.WithLogger(c.log))
	acpConn := acp.NewClientSideConnection(c, conn, conn)
	acpConn.SetLogger(c.log.With("component", "acp"))
	return &Conn{ClientSideConnection: acpConn, ws: conn}, nil
}

func (c *Conn) Close() error { return c.ws.Close() }

// Err reports why the underlying WebSocket closed.
func (c *Conn) Err() error { return c.ws.Err() }

// Result summarises a Run.
type Result struct {
	SessionID   acp.SessionId
	StopReasons []acp.StopReason
}

// Run performs initialize, then session/new, then one session/prompt per
// prompt. When sessionID is set the session is loaded instead of created.
func (c *Conn) Run(ctx context.Context, cwd string, sessionID acp.SessionId, prompts []string) (*Result, error) {
	initResp, err := c.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion:    acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "initialize failed")
	}

	res := &Result{SessionID: sessionID}
	if sessionID != "" {
		if !initResp.AgentCapabilities.LoadSession {
			return nil, errors.New("agent cannot load sessions")
		}
		if _, err := c.LoadSession(ctx, acp.LoadSessionRequest{SessionId: sessionID, Cwd: cwd, McpServers: []acp.McpServer{}}); err != nil {
			return nil, errors.Wrapf(err, "session/load failed")
		}
	} else {
		sess, err := c.NewSession(ctx, acp.NewSessionRequest{Cwd: cwd, McpServers: []acp.McpServer{}})
		if err != nil {
			return nil, errors.Wrapf(err, "session/new failed")
		}
		res.SessionID = sess.SessionId
	}

	for _, p := range prompts {
		resp, err := c.Prompt(ctx, acp.PromptRequest{
			SessionId: res.SessionID,
			Prompt:    []acp.ContentBlock{acp.TextBlock(p)},
		})
		if err != nil {
			return res, errors.Wrapf(err, "session/prompt failed")
		}
		res.StopReasons = append(res.StopReasons, resp.StopReason)
	}
	return res, nil
}
