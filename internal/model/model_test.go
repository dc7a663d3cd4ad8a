package model

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext_DefaultsAndRedaction(t *testing.T) {
	t.Setenv("DESKLOOP_TEST_KEY", "sk-secret-value")

	rc, err := NewContext(ContextOptions{CredentialEnv: "DESKLOOP_TEST_KEY"})
	require.NoError(t, err)

	assert.Equal(t, DefaultProvider, rc.Provider())
	assert.Equal(t, DefaultModel, rc.Model())
	assert.Equal(t, DefaultEndpoint, rc.Endpoint())
	assert.Equal(t, "sk-secret-value", rc.Credential().Reveal())

	for _, rendered := range []string{
		rc.Credential().String(),
		fmt.Sprintf("%v", rc.Credential()),
		fmt.Sprintf("%#v", rc.Credential()),
		rc.String(),
	} {
		assert.NotContains(t, rendered, "sk-secret-value")
	}

	raw, err := json.Marshal(struct {
		Key Credential `json:"key"`
	}{Key: rc.Credential()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(raw))
}

func TestNewContext_Validation(t *testing.T) {
	t.Setenv("DESKLOOP_EMPTY_KEY", "")

	_, err := NewContext(ContextOptions{Provider: "bedrock", Credential: "x"})
	assert.Error(t, err)

	_, err = NewContext(ContextOptions{Credential: "x", Endpoint: "not a url"})
	assert.Error(t, err)

	_, err = NewContext(ContextOptions{CredentialEnv: "DESKLOOP_EMPTY_KEY"})
	assert.Error(t, err)

	rc, err := NewContext(ContextOptions{Provider: "ollama", Model: "llava"})
	require.NoError(t, err)
	assert.Empty(t, rc.Endpoint())
	assert.True(t, rc.Credential().Empty())
}

func TestObservationDigest(t *testing.T) {
	a := Observation{Image: []byte("frame-a")}
	b := Observation{Image: []byte("frame-b")}

	assert.Len(t, a.Digest(), 16)
	assert.Equal(t, a.Digest(), Observation{Image: []byte("frame-a")}.Digest())
	assert.NotEqual(t, a.Digest(), b.Digest())
	assert.Empty(t, Observation{}.Digest())
}

func TestActionPlanValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		plan    ActionPlan
		wantErr bool
	}{
		{name: "gui with grounded code", plan: ActionPlan{Tool: ToolGUI, GroundedCode: "click(10, 20)"}},
		{name: "gui without code", plan: ActionPlan{Tool: ToolGUI}, wantErr: true},
		{name: "code agent with request", plan: ActionPlan{Tool: ToolCodeAgent, Request: "rename files"}},
		{name: "code agent without request", plan: ActionPlan{Tool: ToolCodeAgent}, wantErr: true},
		{name: "noop", plan: ActionPlan{Tool: ToolNoop}},
		{name: "unknown tool", plan: ActionPlan{Tool: "keyboard"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.plan.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAgentState_AppendTurnKeepsInvariants(t *testing.T) {
	st, err := NewAgentState("s-1", "open browser, search X", Env{Platform: "linux"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Check())

	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendTurn(TurnLog{Turn: i, Plan: "step"}))
		require.NoError(t, st.Check())
		assert.Equal(t, i+1, st.Turn)
		assert.Len(t, st.Trajectory, st.Turn)
	}

	assert.Error(t, st.AppendTurn(TurnLog{Turn: 7}))
	assert.Equal(t, 3, st.Turn)

	st.Fail("stopped")
	assert.True(t, st.Status.IsTerminal())
	assert.Error(t, st.AppendTurn(TurnLog{Turn: 3}))
	assert.Equal(t, []string{"stopped"}, st.Notes)
}

func TestAgentState_CloneIsDeep(t *testing.T) {
	st, err := NewAgentState("s-1", "task", Env{Platform: "darwin"}, time.Now())
	require.NoError(t, err)
	st.Observation = &Observation{Image: []byte{1, 2, 3}, Width: 1, Height: 1, CapturedAt: time.Now()}
	require.NoError(t, st.AppendTurn(TurnLog{Turn: 0}))

	clone, err := st.Clone()
	require.NoError(t, err)
	clone.Observation.Image[0] = 9
	require.NoError(t, clone.AppendTurn(TurnLog{Turn: 1}))
	clone.AddNote("only in clone")

	assert.Equal(t, byte(1), st.Observation.Image[0])
	assert.Len(t, st.Trajectory, 1)
	assert.Empty(t, st.Notes)
}

func TestAgentState_CheckRejectsBrokenState(t *testing.T) {
	st, err := NewAgentState("s-1", "task", Env{}, time.Now())
	require.NoError(t, err)

	broken := st
	broken.Turn = 2
	assert.Error(t, broken.Check())

	broken = st
	broken.Reflection = "keep going"
	assert.Error(t, broken.Check())

	broken = st
	broken.CodeAgent = &CodeAgentState{StepsUsed: 4, Budget: 3}
	assert.Error(t, broken.Check())
}

func TestCodeAgentState(t *testing.T) {
	_, err := NewCodeAgentState("x", 0)
	assert.Error(t, err)

	c, err := NewCodeAgentState("x", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Remaining())
	assert.False(t, c.Closed())
	c.Result = &CodeAgentResult{Status: ResultOK}
	assert.True(t, c.Closed())
}
