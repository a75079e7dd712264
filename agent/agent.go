package agent

import (
	"context"
	"log/slog"
	"os"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/3coins/acp-agentcore-poc/checkpoint"
	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/llm"
	"github.com/3coins/acp-agentcore-poc/metrics"
	"github.com/3coins/acp-agentcore-poc/tools"
	"github.com/3coins/acp-agentcore-poc/tools/mcp"
)

const (
	Name    = "acp-agentcore"
	Version = "0.1.0"
)

// ErrUnknownSession is returned for session ids this connection does not hold.
var ErrUnknownSession = errors.Sentinel("unknown session")

// client is the part of the ACP client connection the agent calls back into.
// *acp.AgentSideConnection implements it; tests inject a fake.
type client interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
	RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
}

// toolServer is a connected MCP server. *mcp.Client implements it.
type toolServer interface {
	Name() string
	Tools() []tools.Tool
	Close() error
}

// mcpConnector starts an MCP server. Replaced in tests.
type mcpConnector func(ctx context.Context, srv mcp.Server, logger *slog.Logger) (toolServer, error)

func connectStdio(ctx context.Context, srv mcp.Server, logger *slog.Logger) (toolServer, error) {
	c, err := mcp.Connect(ctx, srv, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Options struct {
	Config  *config.Config
	Model   llm.Client
	Store   checkpoint.Store
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Agent implements acp.Agent for one client connection.
type Agent struct {
	cfg     *config.Config
	model   llm.Client
	store   checkpoint.Store
	metrics metrics.Recorder
	log     *slog.Logger

	connectMCP mcpConnector

	mu       sync.Mutex
	conn     client
	sessions map[acp.SessionId]*session
}

var (
	_ acp.Agent             = (*Agent)(nil)
	_ acp.AgentLoader       = (*Agent)(nil)
	_ acp.AgentExperimental = (*Agent)(nil)
)

func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent requires a config")
	}
	if opts.Model == nil {
		return nil, errors.New("agent requires a model client")
	}
	a := &Agent{
		cfg:        opts.Config,
		model:      opts.Model,
		store:      opts.Store,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		connectMCP: connectStdio,
		sessions:   make(map[acp.SessionId]*session),
	}
	if a.store == nil {
		a.store = checkpoint.NewMemory()
	}
	if a.metrics == nil {
		a.metrics = metrics.Nop{}
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a, nil
}

// SetConnection binds the agent to the connection it answers on. It must be
// called before the connection starts delivering requests.
func (a *Agent) SetConnection(conn *acp.AgentSideConnection) {
	a.setClient(conn)
}

func (a *Agent) setClient(c client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = c
}

func (a *Agent) peer() client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// Close cancels running prompts and stops the MCP servers of every session.
func (a *Agent) Close() error {
	a.mu.Lock()
	sessions := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[acp.SessionId]*session)
	a.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) Authenticate(_ context.Context, _ acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	// the runtime authenticates callers before the socket is upgraded
	return acp.AuthenticateResponse{}, nil
}

func (a *Agent) Initialize(_ context.Context, req acp.InitializeRequest) (acp.InitializeResponse, error) {
	a.log.Info("initialize", "client_protocol", req.ProtocolVersion)
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acp.PromptCapabilities{
				EmbeddedContext: true,
			},
		},
		AgentInfo: &acp.Implementation{Name: Name, Version: Version},
	}, nil
}

func (a *Agent) NewSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	id := acp.SessionId(uuid.NewString())
	s, err := a.openSession(ctx, id, req.Cwd, req.McpServers)
	if err != nil {
		return acp.NewSessionResponse{}, err
	}
	a.log.Info("new session", "session", id, "root", s.fs.Root(), "mode", s.currentMode(), "tools", len(s.registry.All()))
	if err := a.save(ctx, s); err != nil {
		a.log.Warn("failed to checkpoint new session", "session", id, "error", err)
	}
	return acp.NewSessionResponse{
		SessionId: id,
		Modes:     modeState(s.currentMode()),
		Models:    a.modelState(s.currentModel()),
	}, nil
}

func (a *Agent) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	cp, err := a.store.Load(ctx, string(req.SessionId))
	if err != nil {
		return acp.LoadSessionResponse{}, errors.Wrapf(err, "failed to load session %s", req.SessionId)
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = cp.Cwd
	}
	s, err := a.openSession(ctx, req.SessionId, cwd, req.McpServers)
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}
	s.restore(cp)
	a.log.Info("load session", "session", req.SessionId, "messages", len(cp.Messages))

	a.replay(ctx, s, cp)
	return acp.LoadSessionResponse{
		Modes:  modeState(s.currentMode()),
		Models: a.modelState(s.currentModel()),
	}, nil
}

func (a *Agent) Cancel(_ context.Context, req acp.CancelNotification) error {
	s, err := a.lookup(req.SessionId)
	if err != nil {
		return err
	}
	if s.cancelPrompt() {
		a.log.Info("prompt cancelled", "session", req.SessionId)
	}
	return nil
}

func (a *Agent) SetSessionMode(ctx context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	s, err := a.lookup(req.SessionId)
	if err != nil {
		return acp.SetSessionModeResponse{}, err
	}
	mode := string(req.ModeId)
	if !config.ValidMode(mode) {
		return acp.SetSessionModeResponse{}, errors.New("unknown session mode %q", mode)
	}
	s.setMode(mode)
	a.log.Info("session mode changed", "session", req.SessionId, "mode", mode)

	a.send(ctx, s.id, acp.SessionUpdate{
		CurrentModeUpdate: &acp.SessionCurrentModeUpdate{CurrentModeId: req.ModeId},
	})
	if err := a.save(ctx, s); err != nil {
		a.log.Warn("failed to checkpoint session", "session", s.id, "error", err)
	}
	return acp.SetSessionModeResponse{}, nil
}

func (a *Agent) SetSessionModel(ctx context.Context, req acp.SetSessionModelRequest) (acp.SetSessionModelResponse, error) {
	s, err := a.lookup(req.SessionId)
	if err != nil {
		return acp.SetSessionModelResponse{}, err
	}
	model := string(req.ModelId)
	if model == "" {
		return acp.SetSessionModelResponse{}, errors.New("model id is empty")
	}
	s.setModel(model)
	a.log.Info("session model changed", "session", req.SessionId, "model", model)
	if err := a.save(ctx, s); err != nil {
		a.log.Warn("failed to checkpoint session", "session", s.id, "error", err)
	}
	return acp.SetSessionModelResponse{}, nil
}

func (a *Agent) lookup(id acp.SessionId) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSession, "session %s", id)
	}
	return s, nil
}

// openSession builds the session state and registers it, replacing a
// previous session with the same id.
func (a *Agent) openSession(ctx context.Context, id acp.SessionId, cwd string, servers []acp.McpServer) (*session, error) {
	root := a.sessionRoot(cwd)
	s, err := newSession(id, root, a.cfg, func(s *session) { a.sendPlan(s) })
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create session")
	}
	a.attachMCP(ctx, s, servers)

	a.mu.Lock()
	prev := a.sessions[id]
	a.sessions[id] = s
	a.mu.Unlock()
	if prev != nil {
		_ = prev.close()
	}
	return s, nil
}

// sessionRoot picks the directory a session's tools work in. Clients often
// send a cwd from their own machine, which does not exist inside the
// runtime; those fall back to the configured workspace.
func (a *Agent) sessionRoot(cwd string) string {
	if cwd != "" {
		if info, err := os.Stat(cwd); err == nil && info.IsDir() {
			return cwd
		}
		a.log.Debug("cwd not present, using workspace", "cwd", cwd, "workspace", a.cfg.WorkspaceDir)
	}
	return a.cfg.WorkspaceDir
}

func (a *Agent) attachMCP(ctx context.Context, s *session, servers []acp.McpServer) {
	for i, srv := range servers {
		if srv.Stdio == nil {
			a.log.Warn("skipping non-stdio MCP server", "index", i)
			continue
		}
		def := mcp.Server{
			Name:    srv.Stdio.Name,
			Command: srv.Stdio.Command,
			Args:    append([]string(nil), srv.Stdio.Args...),
		}
		for _, kv := range srv.Stdio.Env {
			if kv.Name != "" {
				def.Env = append(def.Env, kv.Name+"="+kv.Value)
			}
		}
		c, err := a.connectMCP(ctx, def, a.log)
		if err != nil {
			a.log.Warn("failed to start MCP server", "server", def.Name, "error", err)
			continue
		}
		s.addMCP(c, a.log)
	}
}

func (a *Agent) save(ctx context.Context, s *session) error {
	return a.store.Save(context.WithoutCancel(ctx), s.checkpoint())
}

func (a *Agent) modelState(current string) *acp.SessionModelState {
	models := []acp.ModelInfo{{ModelId: acp.ModelId(a.cfg.ModelID), Name: a.cfg.ModelID}}
	if current != a.cfg.ModelID {
		models = append(models, acp.ModelInfo{ModelId: acp.ModelId(current), Name: current})
	}
	return &acp.SessionModelState{
		AvailableModels: models,
		CurrentModelId:  acp.ModelId(current),
	}
}

func modeState(current string) *acp.SessionModeState {
	return &acp.SessionModeState{
		AvailableModes: []acp.SessionMode{
			{
				Id:          acp.SessionModeId(config.ModeAskBeforeEdits),
				Name:        "Ask before edits",
				Description: acp.Ptr("Ask for permission before editing files or running commands"),
			},
			{
				Id:          acp.SessionModeId(config.ModeAuto),
				Name:        "Auto",
				Description: acp.Ptr("Run every tool without asking"),
			},
		},
		CurrentModeId: acp.SessionModeId(current),
	}
}
