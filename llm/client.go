// Package llm holds the model clients the agent loop talks to. Every provider
// converts the same provider-neutral Request into its own wire format and
// maps the answer back into a Response.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one conversation turn. A user message carries either text or
// the results of the previous assistant tool calls.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec describes a tool to the model. Schema is a JSON schema object.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	Model     string
	MaxTokens int
}

type Response struct {
	Message    Message
	StopReason StopReason
}

// Client is the interface for interacting with a Large Language Model.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// New returns the client selected by cfg.Provider.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	switch cfg.Provider {
	case "bedrock":
		return NewBedrockClient(ctx, cfg.Region)
	case "anthropic":
		return NewAnthropicClient()
	case "openai":
		return NewOpenAIClient()
	case "gemini":
		return NewGeminiClient(ctx)
	case "mock":
		return &MockClient{}, nil
	default:
		return nil, errors.New("unsupported llm provider %q", cfg.Provider)
	}
}

// Empty reports whether m carries no content at all.
func (m Message) Empty() bool {
	return m.Text == "" && len(m.ToolCalls) == 0 && len(m.ToolResults) == 0
}

// mergeConsecutive drops empty messages and folds adjacent messages with the
// same role together. Providers with strict alternation (Bedrock, Anthropic)
// reject histories where an interrupted turn left two user messages in a row.
func mergeConsecutive(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Empty() {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			prev := &out[n-1]
			switch {
			case prev.Text == "":
				prev.Text = m.Text
			case m.Text != "":
				prev.Text += "\n\n" + m.Text
			}
			prev.ToolCalls = append(prev.ToolCalls, m.ToolCalls...)
			prev.ToolResults = append(prev.ToolResults, m.ToolResults...)
			continue
		}
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		m.ToolResults = append([]ToolResult(nil), m.ToolResults...)
		out = append(out, m)
	}
	return out
}

func objectSchema(s map[string]any) map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return s
}

// MockClient replays Responses in order and records every request. Once the
// script is exhausted it echoes the last user text back.
type MockClient struct {
	mu        sync.Mutex
	Responses []Response
	Err       error
	Requests  []Request
}

func (m *MockClient) Chat(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) > 0 {
		resp := m.Responses[0]
		m.Responses = m.Responses[1:]
		return &resp, nil
	}

	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser && req.Messages[i].Text != "" {
			last = req.Messages[i].Text
			break
		}
	}
	return &Response{
		Message:    Message{Role: RoleAssistant, Text: fmt.Sprintf("I am a mock LLM. You said: '%s'.", strings.TrimSpace(last))},
		StopReason: StopEndTurn,
	}, nil
}

// Calls reports how many requests the mock has served.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
