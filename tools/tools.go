// Package tools implements the actions the agent loop can take: filesystem
// access rooted at the workspace, allowlisted command execution, the todo
// plan and tools proxied from MCP servers.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3coins/acp-agentcore-poc/errors"
)

// Kind classifies a tool for clients. The values match the ACP tool kinds.
type Kind string

const (
	KindRead    Kind = "read"
	KindEdit    Kind = "edit"
	KindDelete  Kind = "delete"
	KindSearch  Kind = "search"
	KindExecute Kind = "execute"
	KindThink   Kind = "think"
	KindFetch   Kind = "fetch"
	KindOther   Kind = "other"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the arguments object.
	Schema() map[string]any
	Kind() Kind
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Locator is implemented by tools that touch specific files, so clients can
// follow along.
type Locator interface {
	Locations(args map[string]any) []string
}

// Mutates reports whether running t can change state outside the agent.
// Such tools need approval in ask_before_edits mode.
func Mutates(t Tool) bool {
	switch t.Kind() {
	case KindEdit, KindDelete, KindExecute, KindOther:
		return true
	}
	return false
}

// Registry holds the tools available to one session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return errors.New("tool %q is already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns the registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Builtin returns the default tool belt for a workspace.
func Builtin(fs *FS, todos *TodoList, allowedCommands []string) []Tool {
	return []Tool{
		&ListTool{fs: fs},
		&ReadFileTool{fs: fs},
		&WriteFileTool{fs: fs},
		&EditFileTool{fs: fs},
		&GlobTool{fs: fs},
		&GrepTool{fs: fs},
		NewExecuteTool(fs.Root(), allowedCommands),
		&WriteTodosTool{list: todos},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok {
		return "", errors.New("missing or invalid '%s' argument", key)
	}
	return v, nil
}

func optionalString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intArg accepts JSON numbers and numeric strings, since models send both.
func intArg(args map[string]any, key string, def int) (int, error) {
	switch v := args[key].(type) {
	case nil:
		return def, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.New("invalid '%s' argument %q", key, v)
		}
		return n, nil
	default:
		return 0, errors.New("invalid '%s' argument of type %T", key, v)
	}
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist. Each entry is a
// regular expression that must match the whole command line.
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			slog.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
