package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/llm"
	"github.com/3coins/acp-agentcore-poc/tools"
)

// maxResourceSize caps file contents inlined from resource links.
const maxResourceSize = 50000

const defaultSystemPrompt = `You are a coding agent working in a sandboxed workspace.
Use the file tools to inspect and change files; paths are relative to the workspace root.
Use write_todos to plan multi-step work and keep the plan current as you go.
Files under /memories/ and /conversation_history/ are scratch space that is not written to the workspace.`

func (a *Agent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	s, err := a.lookup(req.SessionId)
	if err != nil {
		return acp.PromptResponse{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.begin(cancel); err != nil {
		return acp.PromptResponse{}, err
	}
	defer s.end()

	start := time.Now()
	text := renderPrompt(req.Prompt, s.fs)
	if strings.TrimSpace(text) == "" {
		return acp.PromptResponse{}, errors.New("prompt has no text content")
	}
	a.log.Info("prompt", "session", s.id, "blocks", len(req.Prompt), "chars", len(text))
	s.record(llm.Message{Role: llm.RoleUser, Text: text})

	stop, err := a.runTurn(ctx, s)
	if saveErr := a.save(ctx, s); saveErr != nil {
		a.log.Warn("failed to checkpoint session", "session", s.id, "error", saveErr)
	}
	if err != nil {
		a.metrics.ObservePrompt("error", time.Since(start))
		a.log.Error("prompt failed", "session", s.id, "error", err)
		return acp.PromptResponse{}, err
	}
	a.metrics.ObservePrompt(string(stop), time.Since(start))
	a.log.Info("prompt done", "session", s.id, "stop_reason", stop, "duration", time.Since(start))
	return acp.PromptResponse{StopReason: stop}, nil
}

// runTurn loops model -> tools -> model until the model answers without
// calling a tool, the turn is cancelled or the request limit is reached.
func (a *Agent) runTurn(ctx context.Context, s *session) (acp.StopReason, error) {
	for requests := 0; ; requests++ {
		if ctx.Err() != nil {
			return acp.StopReasonCancelled, nil
		}
		if a.cfg.MaxTurns > 0 && requests >= a.cfg.MaxTurns {
			return acp.StopReasonMaxTurnRequests, nil
		}

		resp, err := a.chat(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return acp.StopReasonCancelled, nil
			}
			return "", errors.Wrapf(err, "model call failed")
		}

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		if !msg.Empty() {
			s.record(msg)
		}
		if msg.Text != "" {
			a.send(ctx, s.id, acp.UpdateAgentMessageText(msg.Text))
		}

		if len(msg.ToolCalls) == 0 {
			if resp.StopReason == llm.StopMaxTokens {
				return acp.StopReasonMaxTokens, nil
			}
			return acp.StopReasonEndTurn, nil
		}

		results := make([]llm.ToolResult, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			results = append(results, a.runTool(ctx, s, call))
		}
		// results are recorded even when cancelled so the transcript stays valid
		s.record(llm.Message{Role: llm.RoleUser, ToolResults: results})
	}
}

func (a *Agent) chat(ctx context.Context, s *session) (*llm.Response, error) {
	model := s.currentModel()
	req := llm.Request{
		System:    a.systemPrompt(s),
		Messages:  s.history(),
		Model:     model,
		MaxTokens: a.cfg.MaxTokens,
	}
	for _, t := range s.registry.All() {
		req.Tools = append(req.Tools, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}

	start := time.Now()
	resp, err := a.model.Chat(ctx, req)
	a.metrics.ObserveModelCall(model, err == nil, time.Since(start))
	a.log.Debug("model call", "session", s.id, "model", model, "duration", time.Since(start), "error", err)
	return resp, err
}

func (a *Agent) systemPrompt(s *session) string {
	prompt := a.cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return prompt + "\n\nWorkspace root: " + s.fs.Root()
}

// runTool executes one tool call and reports its progress to the client.
// Failures are returned to the model as error results.
func (a *Agent) runTool(ctx context.Context, s *session, call llm.ToolCall) llm.ToolResult {
	result := llm.ToolResult{ToolCallID: call.ID, Name: call.Name}
	id := acp.ToolCallId(call.ID)

	t, ok := s.registry.Get(call.Name)
	if !ok {
		result.Content, result.IsError = fmt.Sprintf("Error: unknown tool %q", call.Name), true
		a.send(ctx, s.id, acp.StartToolCall(id, call.Name,
			acp.WithStartKind(acp.ToolKindOther),
			acp.WithStartStatus(acp.ToolCallStatusFailed),
			acp.WithStartRawInput(call.Args),
			acp.WithStartContent(textContent(result.Content)),
		))
		a.metrics.ObserveToolCall(call.Name, "unknown")
		return result
	}

	title := toolTitle(t, call.Args)
	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(acp.ToolKind(t.Kind())),
		acp.WithStartStatus(acp.ToolCallStatusPending),
		acp.WithStartRawInput(call.Args),
	}
	if loc, ok := t.(tools.Locator); ok {
		if paths := loc.Locations(call.Args); len(paths) > 0 {
			locs := make([]acp.ToolCallLocation, 0, len(paths))
			for _, p := range paths {
				locs = append(locs, acp.ToolCallLocation{Path: p})
			}
			opts = append(opts, acp.WithStartLocations(locs))
		}
	}
	a.send(ctx, s.id, acp.StartToolCall(id, title, opts...))

	if ctx.Err() != nil {
		return a.failTool(ctx, s, id, result, "Tool call cancelled by user", "cancelled")
	}

	if s.needsApproval(t) {
		allowed, reason := a.requestPermission(ctx, s, t, call, title)
		if !allowed {
			return a.failTool(ctx, s, id, result, reason, "rejected")
		}
	}

	a.send(ctx, s.id, acp.UpdateToolCall(id, acp.WithUpdateStatus(acp.ToolCallStatusInProgress)))
	out, err := t.Execute(ctx, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return a.failTool(ctx, s, id, result, "Tool call cancelled by user", "cancelled")
		}
		a.log.Debug("tool failed", "session", s.id, "tool", call.Name, "error", err)
		return a.failTool(ctx, s, id, result, "Error: "+err.Error(), "failed")
	}

	result.Content = out
	a.send(ctx, s.id, acp.UpdateToolCall(id,
		acp.WithUpdateStatus(acp.ToolCallStatusCompleted),
		acp.WithUpdateContent(textContent(out)),
		acp.WithUpdateRawOutput(map[string]any{"output": out}),
	))
	a.metrics.ObserveToolCall(call.Name, "completed")
	return result
}

func (a *Agent) failTool(ctx context.Context, s *session, id acp.ToolCallId, result llm.ToolResult, msg, status string) llm.ToolResult {
	result.Content, result.IsError = msg, true
	// the client still needs the final status after a cancel
	a.send(context.WithoutCancel(ctx), s.id, acp.UpdateToolCall(id,
		acp.WithUpdateStatus(acp.ToolCallStatusFailed),
		acp.WithUpdateContent(textContent(msg)),
		acp.WithUpdateRawOutput(map[string]any{"error": msg}),
	))
	a.metrics.ObserveToolCall(result.Name, status)
	return result
}

func textContent(s string) []acp.ToolCallContent {
	if s == "" {
		return nil
	}
	return []acp.ToolCallContent{acp.ToolContent(acp.TextBlock(s))}
}

// toolTitle names a tool call after the argument that identifies what it
// touches.
func toolTitle(t tools.Tool, args map[string]any) string {
	for _, key := range []string{"path", "pattern", "command"} {
		if v, ok := args[key].(string); ok && v != "" {
			return t.Name() + " " + v
		}
	}
	return t.Name()
}

// renderPrompt flattens the prompt blocks into the text of one user message.
// Resource links to files in the workspace and embedded text resources are
// inlined.
func renderPrompt(blocks []acp.ContentBlock, fs *tools.FS) string {
	var parts []string
	for _, block := range blocks {
		switch {
		case block.Text != nil:
			if strings.TrimSpace(block.Text.Text) != "" {
				parts = append(parts, block.Text.Text)
			}
		case block.ResourceLink != nil:
			parts = append(parts, renderResourceLink(block.ResourceLink, fs))
		case block.Resource != nil:
			parts = append(parts, renderEmbedded(block.Resource.Resource))
		}
	}
	return strings.Join(parts, "\n")
}

func renderResourceLink(b *acp.ContentBlockResourceLink, fs *tools.FS) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != nil && *b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", *b.Title)
	}
	if b.Description != nil && *b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", *b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.Uri)
	if b.MimeType != nil && *b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", *b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	u, err := url.Parse(b.Uri)
	switch {
	case err != nil:
		fmt.Fprintf(&sb, "\n[Invalid URI: %v]\n", err)
	case u.Scheme != "file":
		sb.WriteString("\n[External resource - content not available]\n")
	default:
		content, err := fs.Read(u.Path)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
			break
		}
		if len(content) > maxResourceSize {
			content = content[:maxResourceSize] + "\n\n[... truncated ...]"
		}
		fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}

func renderEmbedded(r acp.EmbeddedResourceResource) string {
	if r.TextResourceContents == nil {
		uri := ""
		if r.BlobResourceContents != nil {
			uri = r.BlobResourceContents.Uri
		}
		return fmt.Sprintf("=== Resource: %s ===\n[Binary content not shown]\n=== End Resource ===\n", uri)
	}
	text := r.TextResourceContents.Text
	if len(text) > maxResourceSize {
		text = text[:maxResourceSize] + "\n\n[... truncated ...]"
	}
	return fmt.Sprintf("=== Resource: %s ===\n%s\n=== End Resource ===\n", r.TextResourceContents.Uri, text)
}
