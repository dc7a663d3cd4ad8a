package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AgentState is the mutable state of one run. It belongs to exactly one
// session and is never mutated by more than one turn at a time.
type AgentState struct {
	SessionID         string          `json:"session_id"`
	Instruction       string          `json:"instruction"`
	Env               Env             `json:"env"`
	Observation       *Observation    `json:"observation,omitempty"`
	Plan              *ActionPlan     `json:"plan,omitempty"`
	Reflection        string          `json:"reflection"`
	ReflectionHistory []Message       `json:"reflection_history,omitempty"`
	CodeAgent         *CodeAgentState `json:"code_agent,omitempty"`
	Trajectory        []TurnLog       `json:"trajectory"`
	Notes             []string        `json:"notes"`
	Turn              int             `json:"turn"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewAgentState seeds a running state for instruction.
func NewAgentState(sessionID, instruction string, env Env, now time.Time) (AgentState, error) {
	if strings.TrimSpace(sessionID) == "" {
		return AgentState{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(instruction) == "" {
		return AgentState{}, fmt.Errorf("instruction is required")
	}
	return AgentState{
		SessionID:   sessionID,
		Instruction: instruction,
		Env:         env,
		Trajectory:  []TurnLog{},
		Notes:       []string{},
		Status:      StatusRunning,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}, nil
}

// AppendTurn appends entry and advances the turn counter.
func (s *AgentState) AppendTurn(entry TurnLog) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("cannot append turn: status is %s", s.Status)
	}
	if entry.Turn != s.Turn {
		return fmt.Errorf("turn log index %d does not match current turn %d", entry.Turn, s.Turn)
	}
	s.Trajectory = append(s.Trajectory, entry)
	s.Turn++
	return nil
}

// AddNote appends a free-text annotation.
func (s *AgentState) AddNote(format string, args ...any) {
	s.Notes = append(s.Notes, fmt.Sprintf(format, args...))
}

// Fail moves the run into the terminal fail status with a note.
func (s *AgentState) Fail(format string, args ...any) {
	s.AddNote(format, args...)
	s.Status = StatusFail
}

// LastTurn returns the most recent turn log, if any.
func (s *AgentState) LastTurn() (TurnLog, bool) {
	if len(s.Trajectory) == 0 {
		return TurnLog{}, false
	}
	return s.Trajectory[len(s.Trajectory)-1], true
}

// Clone returns a deep copy of the state.
func (s AgentState) Clone() (AgentState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return AgentState{}, fmt.Errorf("marshal state: %w", err)
	}
	var out AgentState
	if err := json.Unmarshal(raw, &out); err != nil {
		return AgentState{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return out, nil
}

// Check verifies the structural invariants of the state.
func (s AgentState) Check() error {
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if len(s.Trajectory) != s.Turn {
		return fmt.Errorf("trajectory length %d != turn %d", len(s.Trajectory), s.Turn)
	}
	for i, entry := range s.Trajectory {
		if entry.Turn != i {
			return fmt.Errorf("trajectory[%d] has turn %d", i, entry.Turn)
		}
	}
	if s.Turn == 0 && s.Reflection != "" {
		return fmt.Errorf("reflection must be empty before the first turn completes")
	}
	if c := s.CodeAgent; c != nil && c.StepsUsed > c.Budget {
		return fmt.Errorf("code agent used %d steps of budget %d", c.StepsUsed, c.Budget)
	}
	return nil
}
