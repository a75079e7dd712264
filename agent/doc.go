// Package agent implements the ACP agent served on every WebSocket
// connection.
//
// The Agent owns the sessions created on its connection. A prompt turn runs
// the model, executes the tool calls it asks for and feeds the results back
// until the model answers without calling a tool. Every step is streamed to
// the client as session/update notifications:
//
//   - agent_message_chunk for model text
//   - tool_call when a tool call starts (pending)
//   - tool_call_update as it runs (in_progress) and ends (completed, failed)
//   - plan when the model rewrites its todo list
//
// In ask_before_edits mode tools that change state wait for the client to
// grant permission through session/request_permission. Transcripts are saved
// to a checkpoint.Store after every turn so session/load can restore them,
// from this connection or a later one.
package agent
