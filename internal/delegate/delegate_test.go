package delegate

import (
	"context"
	"errors"
	"testing"

	"github.com/metalagman/deskloop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	replies []Reply
	err     error
	seen    []Request
}

func (f *fakeAgent) Delegate(_ context.Context, req Request) (Reply, error) {
	f.seen = append(f.seen, req)
	if f.err != nil {
		return Reply{}, f.err
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func TestRun_CompletesWithinBudget(t *testing.T) {
	agent := &fakeAgent{replies: []Reply{
		{Status: StatusContinue, Output: "listed files"},
		{Status: StatusDone, Output: "renamed 3 files"},
	}}

	st, err := New(agent, 5, "/work").Run(context.Background(), "s-1", 2, "rename the reports")
	require.NoError(t, err)

	assert.Equal(t, 2, st.StepsUsed)
	assert.Equal(t, 5, st.Budget)
	require.NotNil(t, st.Request)
	assert.Equal(t, "rename the reports", *st.Request)
	assert.Equal(t, &model.CodeAgentResult{Status: model.ResultOK, Output: "renamed 3 files"}, st.Result)

	require.Len(t, agent.seen, 2)
	assert.Equal(t, 1, agent.seen[0].Step)
	assert.Empty(t, agent.seen[0].Previous)
	assert.Equal(t, "listed files", agent.seen[1].Previous)
	assert.Equal(t, "/work", agent.seen[1].WorkDir)
}

func TestRun_BudgetExhausted(t *testing.T) {
	agent := &fakeAgent{replies: []Reply{{Status: StatusContinue, Output: "still working"}}}

	st, err := New(agent, 3, "").Run(context.Background(), "s-1", 0, "long task")
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	assert.Equal(t, 3, st.StepsUsed)
	assert.LessOrEqual(t, st.StepsUsed, st.Budget)
	assert.Len(t, agent.seen, 3)
	require.NotNil(t, st.Result)
	assert.Equal(t, model.ResultBudgetExhausted, st.Result.Status)
	assert.Equal(t, "still working", st.Result.Output)
}

func TestRun_FailedReply(t *testing.T) {
	agent := &fakeAgent{replies: []Reply{{Status: StatusFailed, Error: "permission denied"}}}

	st, err := New(agent, 3, "").Run(context.Background(), "s-1", 0, "task")
	assert.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, 1, st.StepsUsed)
	assert.Equal(t, model.ResultFailed, st.Result.Status)
	assert.Equal(t, "permission denied", st.Result.Error)
}

func TestRun_CollaboratorError(t *testing.T) {
	agent := &fakeAgent{err: errors.New("binary not found")}

	st, err := New(agent, 3, "").Run(context.Background(), "s-1", 0, "task")
	assert.ErrorIs(t, err, ErrFailed)
	assert.True(t, st.Closed())
	assert.Contains(t, st.Result.Error, "binary not found")
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agent := &fakeAgent{err: context.Canceled}

	st, err := New(agent, 3, "").Run(ctx, "s-1", 0, "task")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, st.Closed())
}

func TestRun_InvalidBudget(t *testing.T) {
	_, err := New(&fakeAgent{}, 0, "").Run(context.Background(), "s-1", 0, "task")
	assert.Error(t, err)
}
