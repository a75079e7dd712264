// Package mcp exposes the tools of stdio MCP servers as agent tools.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/tools"
)

// Server describes a stdio MCP server to launch, as sent by the client in
// session/new.
type Server struct {
	Name    string
	Command string
	Args    []string
	// Env entries are KEY=VALUE and extend the agent's own environment.
	Env []string
}

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	name    string
	cmd     *exec.Cmd
	session *mcpsdk.ClientSession
	tools   []*Tool
	logger  *slog.Logger
}

// Connect starts the server subprocess, performs the MCP handshake and
// discovers the server's tools.
func Connect(ctx context.Context, srv Server, logger *slog.Logger) (*Client, error) {
	if srv.Command == "" {
		return nil, errors.New("MCP server '%s' has no command", srv.Name)
	}
	cmd := exec.Command(srv.Command, srv.Args...)
	cmd.Stderr = os.Stderr
	if len(srv.Env) > 0 {
		cmd.Env = append(os.Environ(), srv.Env...)
	}

	impl := &mcpsdk.Implementation{Name: "acp-agentcore", Version: "v1.0.0"}
	session, err := mcpsdk.NewClient(impl, nil).Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", srv.Name)
	}

	c := &Client{name: srv.Name, cmd: cmd, session: session, logger: logger}
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := session.ListTools(ctx, params)
		if err != nil {
			_ = c.Close()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", srv.Name)
		}
		for _, t := range list.Tools {
			c.tools = append(c.tools, &Tool{
				client:      c,
				name:        t.Name,
				description: t.Description,
				schema:      schemaMap(t.InputSchema),
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logger.Info("connected MCP server", "server", srv.Name, "tools", len(c.tools))
	return c, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Tools() []tools.Tool {
	out := make([]tools.Tool, len(c.tools))
	for i, t := range c.tools {
		out[i] = t
	}
	return out
}

// Close ends the session and terminates the subprocess.
func (c *Client) Close() error {
	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Close())
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Debug("terminating MCP server", "server", c.name)
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tool is a tool provided by an MCP server.
type Tool struct {
	client      *Client
	name        string
	description string
	schema      map[string]any
}

var _ tools.Tool = (*Tool)(nil)

func (t *Tool) Name() string           { return t.name }
func (t *Tool) Description() string    { return t.description }
func (t *Tool) Schema() map[string]any { return t.schema }

// Kind is other: the agent cannot know what a remote tool touches, so
// calls go through approval like edits do.
func (t *Tool) Kind() tools.Kind { return tools.KindOther }

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	result, err := t.client.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: t.name, Arguments: args})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s' on '%s'", t.name, t.client.name)
	}
	text := flatten(result.Content)
	if result.IsError {
		return "", errors.New("tool '%s' reported an error: %s", t.name, text)
	}
	return text, nil
}

func flatten(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, "[unsupported content]")
		}
	}
	return strings.Join(parts, "\n")
}

// schemaMap converts an input schema of any shape into the plain map the
// model clients take.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
