// Package checkpoint persists session transcripts so a session can be
// loaded again, from the same connection or a later one.
package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/llm"
	"github.com/3coins/acp-agentcore-poc/tools"
)

var ErrNotFound = errors.Sentinel("checkpoint not found")

// Checkpoint is the saved state of one session.
type Checkpoint struct {
	SessionID string        `json:"session_id"`
	Cwd       string        `json:"cwd"`
	Mode      string        `json:"mode"`
	Model     string        `json:"model"`
	Messages  []llm.Message `json:"messages"`
	Todos     []tools.Todo  `json:"todos"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Store interface {
	// Save creates or replaces the checkpoint for cp.SessionID.
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)
	Delete(ctx context.Context, sessionID string) error
	// List returns session ids, most recently updated first.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open returns a SQLite store when path is set and an in-memory one
// otherwise.
func Open(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenSQLite(ctx, path)
}

// Memory keeps checkpoints for the lifetime of the process.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.SessionID == "" {
		return errors.New("checkpoint has no session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *cp
	now := time.Now().UTC()
	if prev, ok := m.items[cp.SessionID]; ok {
		var old Checkpoint
		if err := json.Unmarshal(prev, &old); err == nil {
			stored.CreatedAt = old.CreatedAt
		}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	// stored as JSON so callers never share slices with the store
	data, err := json.Marshal(&stored)
	if err != nil {
		return errors.Wrapf(err, "encoding checkpoint %s", cp.SessionID)
	}
	m.items[cp.SessionID] = data
	return nil
}

func (m *Memory) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	m.mu.RLock()
	data, ok := m.items[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %s", sessionID)
	}
	return &cp, nil
}

func (m *Memory) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type entry struct {
		id      string
		updated time.Time
	}
	entries := make([]entry, 0, len(m.items))
	for id, data := range m.items {
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		entries = append(entries, entry{id, cp.UpdatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].updated.After(entries[j].updated) })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (m *Memory) Close() error { return nil }
