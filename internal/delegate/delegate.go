// Package delegate runs code-execution episodes on behalf of a plan.
package delegate

import (
	"context"
	"errors"
	"fmt"

	"github.com/metalagman/deskloop/internal/model"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBudgetExhausted reports an episode that ran out of sub-steps.
	ErrBudgetExhausted = errors.New("code agent budget exhausted")
	// ErrFailed reports an episode the collaborator could not complete.
	ErrFailed = errors.New("code agent failed")
)

// Reply statuses reported by a collaborator for one sub-step.
const (
	StatusDone     = "done"
	StatusContinue = "continue"
	StatusFailed   = "failed"
)

// Request is one sub-step handed to a collaborator.
type Request struct {
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
	Step      int    `json:"step"`
	Budget    int    `json:"budget"`
	Task      string `json:"task"`
	WorkDir   string `json:"work_dir,omitempty"`
	// Previous is the output of the prior sub-step of the same episode.
	Previous string `json:"previous,omitempty"`
}

// Reply is the collaborator's report for one sub-step.
type Reply struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Collaborator performs one sub-step of delegated work.
type Collaborator interface {
	Delegate(ctx context.Context, req Request) (Reply, error)
}

// Step drives a collaborator through one bounded episode.
type Step struct {
	agent   Collaborator
	budget  int
	workDir string
}

// New returns a Step with the given per-episode budget.
func New(agent Collaborator, budget int, workDir string) *Step {
	return &Step{agent: agent, budget: budget, workDir: workDir}
}

// Run opens a fresh episode for task and invokes the collaborator until it
// reports done, fails, or the budget is spent.
//
// The returned state is always closed with a Result unless ctx ended the
// episode. ErrBudgetExhausted and ErrFailed are local to the episode; only a
// context error should abort the caller's turn.
func (s *Step) Run(ctx context.Context, sessionID string, turn int, task string) (*model.CodeAgentState, error) {
	st, err := model.NewCodeAgentState(task, s.budget)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("session_id", sessionID).Int("turn", turn).Logger()

	previous := ""
	for {
		if st.StepsUsed+1 > st.Budget {
			st.Result = &model.CodeAgentResult{
				Status: model.ResultBudgetExhausted,
				Output: previous,
				Error:  fmt.Sprintf("no result after %d steps", st.StepsUsed),
			}
			logger.Warn().Int("steps_used", st.StepsUsed).Msg("code agent budget exhausted")
			return st, ErrBudgetExhausted
		}
		st.StepsUsed++

		reply, err := s.agent.Delegate(ctx, Request{
			SessionID: sessionID,
			Turn:      turn,
			Step:      st.StepsUsed,
			Budget:    st.Budget,
			Task:      task,
			WorkDir:   s.workDir,
			Previous:  previous,
		})
		if err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			st.Result = &model.CodeAgentResult{Status: model.ResultFailed, Output: previous, Error: err.Error()}
			return st, fmt.Errorf("%w: %v", ErrFailed, err)
		}
		logger.Debug().Int("step", st.StepsUsed).Str("status", reply.Status).Msg("code agent step")

		switch reply.Status {
		case StatusDone:
			st.Result = &model.CodeAgentResult{Status: model.ResultOK, Output: reply.Output}
			return st, nil
		case StatusContinue:
			previous = reply.Output
		case StatusFailed:
			st.Result = &model.CodeAgentResult{Status: model.ResultFailed, Output: reply.Output, Error: reply.Error}
			return st, fmt.Errorf("%w: %s", ErrFailed, reply.Error)
		default:
			st.Result = &model.CodeAgentResult{Status: model.ResultFailed, Error: fmt.Sprintf("unknown status %q", reply.Status)}
			return st, fmt.Errorf("%w: unknown status %q", ErrFailed, reply.Status)
		}
	}
}
