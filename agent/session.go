package agent

import (
	"context"
	"log/slog"
	"sync"

	acp "github.com/coder/acp-go-sdk"

	"github.com/3coins/acp-agentcore-poc/checkpoint"
	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/llm"
	"github.com/3coins/acp-agentcore-poc/tools"
)

// session is the state of one ACP session.
type session struct {
	id       acp.SessionId
	fs       *tools.FS
	todos    *tools.TodoList
	registry *tools.Registry

	mu       sync.Mutex
	mode     string
	model    string
	messages []llm.Message
	cancel   context.CancelFunc
	approved map[string]bool
	servers  []toolServer
}

func newSession(id acp.SessionId, root string, cfg *config.Config, onPlan func(*session)) (*session, error) {
	fs, err := tools.NewFS(root, cfg.FilesystemAccess)
	if err != nil {
		return nil, err
	}
	s := &session{
		id:       id,
		fs:       fs,
		mode:     cfg.AgentMode,
		model:    cfg.ModelID,
		approved: make(map[string]bool),
	}
	s.todos = tools.NewTodoList(func([]tools.Todo) {
		if onPlan != nil {
			onPlan(s)
		}
	})
	s.registry, err = tools.NewRegistry(tools.Builtin(fs, s.todos, cfg.AllowedCommands)...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// addMCP registers the tools of an MCP server. Tools whose names are taken
// are skipped.
func (s *session) addMCP(c toolServer, log *slog.Logger) {
	for _, t := range c.Tools() {
		if err := s.registry.Register(t); err != nil {
			log.Warn("skipping MCP tool", "server", c.Name(), "tool", t.Name(), "error", err)
		}
	}
	s.mu.Lock()
	s.servers = append(s.servers, c)
	s.mu.Unlock()
}

// restore applies a saved checkpoint. The todo list is restored separately
// so its plan update follows the replayed messages.
func (s *session) restore(cp *checkpoint.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if config.ValidMode(cp.Mode) {
		s.mode = cp.Mode
	}
	if cp.Model != "" {
		s.model = cp.Model
	}
	s.messages = append([]llm.Message(nil), cp.Messages...)
}

func (s *session) checkpoint() *checkpoint.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &checkpoint.Checkpoint{
		SessionID: string(s.id),
		Cwd:       s.fs.Root(),
		Mode:      s.mode,
		Model:     s.model,
		Messages:  append([]llm.Message(nil), s.messages...),
		Todos:     s.todos.Items(),
	}
}

// begin marks a prompt as running. Only one prompt runs per session.
func (s *session) begin(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("session %s already has a prompt in progress", s.id)
	}
	s.cancel = cancel
	return nil
}

func (s *session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
}

// cancelPrompt reports whether a running prompt was cancelled.
func (s *session) cancelPrompt() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (s *session) record(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

func (s *session) history() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.messages...)
}

func (s *session) currentMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *session) setMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *session) currentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *session) setModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// needsApproval reports whether running t must be confirmed by the user.
func (s *session) needsApproval(t tools.Tool) bool {
	if !tools.Mutates(t) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == config.ModeAskBeforeEdits && !s.approved[t.Name()]
}

// approveAlways stops asking for t for the rest of the session.
func (s *session) approveAlways(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[name] = true
}

func (s *session) close() error {
	s.cancelPrompt()
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range servers {
		if err := c.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "closing MCP server %s", c.Name()))
		}
	}
	return errors.Join(errs...)
}
