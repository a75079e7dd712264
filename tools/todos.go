package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/3coins/acp-agentcore-poc/errors"
)

type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

type Todo struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// TodoList is the session plan. OnChange runs after every replacement.
type TodoList struct {
	mu       sync.Mutex
	items    []Todo
	onChange func([]Todo)
}

func NewTodoList(onChange func([]Todo)) *TodoList {
	return &TodoList{onChange: onChange}
}

func (l *TodoList) Items() []Todo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Todo(nil), l.items...)
}

func (l *TodoList) Set(items []Todo) {
	l.mu.Lock()
	l.items = append([]Todo(nil), items...)
	cb := l.onChange
	l.mu.Unlock()
	if cb != nil {
		cb(items)
	}
}

type WriteTodosTool struct{ list *TodoList }

func (t *WriteTodosTool) Name() string { return "write_todos" }
func (t *WriteTodosTool) Kind() Kind   { return KindThink }
func (t *WriteTodosTool) Description() string {
	return "Replaces the task plan. Use it for multi-step work and keep exactly one item in_progress while working."
}

func (t *WriteTodosTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"todos": map[string]any{
			"type":        "array",
			"description": "The complete, updated list of todos",
			"items": objectSchema(map[string]any{
				"content": prop("string", "What needs to be done"),
				"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
			}, "content", "status"),
		},
	}, "todos")
}

func (t *WriteTodosTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, ok := args["todos"].([]any)
	if !ok {
		return "", errors.New("missing or invalid 'todos' argument")
	}
	items := make([]Todo, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return "", errors.New("todo %d is not an object", i)
		}
		content, _ := m["content"].(string)
		status := TodoStatus(optionalString(m, "status", string(TodoPending)))
		switch status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			return "", errors.New("todo %d has unknown status %q", i, status)
		}
		if content == "" {
			return "", errors.New("todo %d has no content", i)
		}
		items = append(items, Todo{Content: content, Status: status})
	}
	t.list.Set(items)

	out, err := json.Marshal(items)
	if err != nil {
		return "", errors.Wrapf(err, "encoding todos")
	}
	return "Updated todo list to " + string(out), nil
}
