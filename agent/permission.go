package agent

import (
	"context"
	"fmt"

	acp "github.com/coder/acp-go-sdk"

	"github.com/3coins/acp-agentcore-poc/llm"
	"github.com/3coins/acp-agentcore-poc/tools"
)

const (
	optionAllowOnce   = "allow"
	optionAllowAlways = "allow_always"
	optionReject      = "reject"
)

// requestPermission asks the client whether call may run. The reason is
// the tool result the model sees when it may not.
func (a *Agent) requestPermission(ctx context.Context, s *session, t tools.Tool, call llm.ToolCall, title string) (bool, string) {
	conn := a.peer()
	if conn == nil {
		a.metrics.ObservePermission(call.Name, "no_client")
		return false, "Permission denied: no client connected to approve this tool call."
	}

	kind := acp.ToolKind(t.Kind())
	req := acp.RequestPermissionRequest{
		SessionId: s.id,
		Options: []acp.PermissionOption{
			{OptionId: optionAllowOnce, Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
			{OptionId: optionAllowAlways, Name: "Always Allow", Kind: acp.PermissionOptionKindAllowAlways},
			{OptionId: optionReject, Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
		},
		ToolCall: acp.RequestPermissionToolCall{
			ToolCallId: acp.ToolCallId(call.ID),
			Title:      &title,
			Kind:       &kind,
			RawInput:   call.Args,
		},
	}
	if loc, ok := t.(tools.Locator); ok {
		for _, p := range loc.Locations(call.Args) {
			req.ToolCall.Locations = append(req.ToolCall.Locations, acp.ToolCallLocation{Path: p})
		}
	}

	resp, err := conn.RequestPermission(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			a.metrics.ObservePermission(call.Name, "cancelled")
			return false, "Tool call cancelled by user"
		}
		a.log.Warn("permission request failed", "session", s.id, "tool", call.Name, "error", err)
		a.metrics.ObservePermission(call.Name, "error")
		return false, fmt.Sprintf("Permission request failed: %v", err)
	}
	if resp.Outcome.Selected == nil {
		a.metrics.ObservePermission(call.Name, "cancelled")
		return false, "Tool call cancelled by user"
	}

	switch string(resp.Outcome.Selected.OptionId) {
	case optionAllowAlways:
		s.approveAlways(call.Name)
		a.metrics.ObservePermission(call.Name, "allowed_always")
		return true, ""
	case optionAllowOnce:
		a.metrics.ObservePermission(call.Name, "allowed")
		return true, ""
	default:
		a.metrics.ObservePermission(call.Name, "rejected")
		return false, fmt.Sprintf("The user rejected the %s tool call. Do not retry it; ask the user how to proceed.", call.Name)
	}
}
