// Package session checkpoints agent state keyed by session id.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/metalagman/deskloop/internal/model"
)

// ErrNotFound reports a session id with no checkpoint.
var ErrNotFound = errors.New("session not found")

// Store saves and resumes agent state by session id.
type Store interface {
	Save(ctx context.Context, sessionID string, st model.AgentState) error
	Load(ctx context.Context, sessionID string) (model.AgentState, error)
}

// Summary is a compact listing entry.
type Summary struct {
	SessionID   string       `json:"session_id"   yaml:"session_id"`
	Instruction string       `json:"instruction"  yaml:"instruction"`
	Status      model.Status `json:"status"       yaml:"status"`
	Turn        int          `json:"turn"         yaml:"turn"`
	CreatedAt   time.Time    `json:"created_at"   yaml:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"   yaml:"updated_at"`
}

func summarize(st model.AgentState) Summary {
	return Summary{
		SessionID:   st.SessionID,
		Instruction: st.Instruction,
		Status:      st.Status,
		Turn:        st.Turn,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps deep copies of states in memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]model.AgentState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]model.AgentState{}}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, sessionID string, st model.AgentState) error {
	cp, err := st.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[sessionID] = cp
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, sessionID string) (model.AgentState, error) {
	m.mu.Lock()
	st, ok := m.states[sessionID]
	m.mu.Unlock()
	if !ok {
		return model.AgentState{}, ErrNotFound
	}
	return st.Clone()
}

// List returns all sessions, newest first.
func (m *MemoryStore) List(_ context.Context) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, summarize(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
