package agent

import (
	"context"

	acp "github.com/coder/acp-go-sdk"

	"github.com/3coins/acp-agentcore-poc/checkpoint"
	"github.com/3coins/acp-agentcore-poc/llm"
	"github.com/3coins/acp-agentcore-poc/tools"
)

func (a *Agent) send(ctx context.Context, id acp.SessionId, update acp.SessionUpdate) {
	conn := a.peer()
	if conn == nil {
		return
	}
	if err := conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: id, Update: update}); err != nil {
		a.log.Debug("failed to send session update", "session", id, "error", err)
	}
}

func (a *Agent) sendPlan(s *session) {
	a.send(context.Background(), s.id, planUpdate(s.todos.Items()))
}

func planUpdate(todos []tools.Todo) acp.SessionUpdate {
	entries := make([]acp.PlanEntry, 0, len(todos))
	for _, t := range todos {
		entries = append(entries, acp.PlanEntry{
			Content:  t.Content,
			Priority: acp.PlanEntryPriorityMedium,
			Status:   acp.PlanEntryStatus(t.Status),
		})
	}
	return acp.UpdatePlan(entries...)
}

// replay streams a restored transcript to the client: user text as user
// message chunks, model text as agent message chunks and tool calls with
// their final status.
func (a *Agent) replay(ctx context.Context, s *session, cp *checkpoint.Checkpoint) {
	results := make(map[string]llm.ToolResult)
	for _, m := range cp.Messages {
		for _, r := range m.ToolResults {
			results[r.ToolCallID] = r
		}
	}

	for _, m := range cp.Messages {
		switch m.Role {
		case llm.RoleUser:
			if m.Text != "" {
				a.send(ctx, s.id, acp.UpdateUserMessageText(m.Text))
			}
		case llm.RoleAssistant:
			if m.Text != "" {
				a.send(ctx, s.id, acp.UpdateAgentMessageText(m.Text))
			}
			for _, call := range m.ToolCalls {
				a.send(ctx, s.id, replayedToolCall(s, call, results[call.ID]))
			}
		}
	}

	if len(cp.Todos) > 0 {
		s.todos.Set(cp.Todos)
	}
}

func replayedToolCall(s *session, call llm.ToolCall, result llm.ToolResult) acp.SessionUpdate {
	title, kind := call.Name, acp.ToolKindOther
	if t, ok := s.registry.Get(call.Name); ok {
		title, kind = toolTitle(t, call.Args), acp.ToolKind(t.Kind())
	}
	status := acp.ToolCallStatusCompleted
	if result.IsError {
		status = acp.ToolCallStatusFailed
	}
	return acp.StartToolCall(acp.ToolCallId(call.ID), title,
		acp.WithStartKind(kind),
		acp.WithStartStatus(status),
		acp.WithStartRawInput(call.Args),
		acp.WithStartContent(textContent(result.Content)),
	)
}
