package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/metalagman/deskloop/internal/capture"
	"github.com/metalagman/deskloop/internal/config"
	"github.com/metalagman/deskloop/internal/db"
	"github.com/metalagman/deskloop/internal/delegate"
	"github.com/metalagman/deskloop/internal/llm"
	"github.com/metalagman/deskloop/internal/model"
	"github.com/metalagman/deskloop/internal/planner"
	"github.com/metalagman/deskloop/internal/reflection"
	"github.com/metalagman/deskloop/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type frameCapturer struct {
	mu     sync.Mutex
	frames [][]byte
	calls  int
	err    error
	block  bool
}

func (c *frameCapturer) Capture(ctx context.Context) (model.Observation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.block {
		<-ctx.Done()
		return model.Observation{}, ctx.Err()
	}
	if c.err != nil {
		return model.Observation{}, c.err
	}
	idx := c.calls - 1
	if idx >= len(c.frames) {
		idx = len(c.frames) - 1
	}
	return model.Observation{Image: c.frames[idx], MediaType: "image/png", Width: 1, Height: 1, CapturedAt: time.Now()}, nil
}

// scripted answers reflection and planning calls from separate queues. The
// last entry of a queue repeats.
type scripted struct {
	mu       sync.Mutex
	reflects []string
	plans    []string
	nReflect int
	nPlan    int
	err      error
}

func next(queue []string, n int) string {
	if n >= len(queue) {
		n = len(queue) - 1
	}
	return queue[n]
}

func (s *scripted) handler(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	switch req.Step {
	case "reflect":
		s.nReflect++
		return next(s.reflects, s.nReflect-1), nil
	case "plan":
		s.nPlan++
		return next(s.plans, s.nPlan-1), nil
	}
	return "", fmt.Errorf("unexpected step %q", req.Step)
}

const (
	onTrack   = `{"case":"on_track","reflection":"continue"}`
	offTrack  = `{"case":"off_track","reflection":"the same dialog keeps reopening"}`
	complete  = `{"case":"complete","reflection":"the results page is open"}`
	guiPlan   = `{"rationale":"open the browser","tool":"gui","plan_code":"open browser","grounded_code":"click(10, 20)"}`
	noopPlan  = `{"rationale":"wait for the page","tool":"noop"}`
	codePlan  = `{"rationale":"faster with a script","tool":"code_agent","request":"rename the csv files"}`
	badReply  = `I think the next step is to click search.`
	stallNote = "stalled after 3 off-track turns"
)

type fakeDelegator struct {
	state *model.CodeAgentState
	err   error
	calls int
}

func (f *fakeDelegator) Run(_ context.Context, _ string, _ int, task string) (*model.CodeAgentState, error) {
	f.calls++
	st := *f.state
	st.Request = &task
	return &st, f.err
}

func newRunner(t *testing.T, c capture.Capturer, s *scripted, store session.Store, opts Options, d Delegator) *Runner {
	t.Helper()
	r, err := New(Deps{
		Capturer:  c,
		Reflector: reflection.New(s.handler),
		Planner:   planner.New(s.handler),
		Delegator: d,
		Store:     store,
	}, opts)
	require.NoError(t, err)
	return r
}

func distinctFrames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i + 1)}
	}
	return out
}

func hasNote(st model.AgentState, substr string) bool {
	for _, n := range st.Notes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func TestRun_TurnZeroThenComplete(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	s := &scripted{reflects: []string{complete}, plans: []string{guiPlan}}
	c := &frameCapturer{frames: distinctFrames(3)}
	r := newRunner(t, c, s, store, Options{}, nil)

	st, err := r.Run(ctx, "open browser, search X", "s-1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusDone, st.Status)
	assert.Equal(t, 2, st.Turn)
	require.Len(t, st.Trajectory, 2)
	assert.Equal(t, 1, s.nReflect, "turn 0 must not call the model for reflection")
	assert.Equal(t, 1, s.nPlan, "a complete judgment must not call the planner")

	first := st.Trajectory[0]
	assert.Nil(t, first.Reflection)
	assert.Equal(t, model.ToolGUI, first.Tool)
	assert.Equal(t, "click(10, 20)", first.Executed)
	assert.Equal(t, model.Observation{Image: []byte{1}}.Digest(), first.ScreenshotDigest)

	second := st.Trajectory[1]
	require.NotNil(t, second.Reflection)
	assert.Equal(t, "the results page is open", *second.Reflection)
	assert.Equal(t, model.JudgmentComplete, second.Judgment)
	assert.Equal(t, model.ToolNoop, second.Tool)
	assert.Equal(t, "noop", second.Executed)

	saved, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, st.Turn, saved.Turn)
	assert.Equal(t, model.StatusDone, saved.Status)
	require.NoError(t, saved.Check())
}

func TestRun_StallMovesToWaitingAndResumes(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	s := &scripted{reflects: []string{offTrack}, plans: []string{guiPlan}}
	c := &frameCapturer{frames: [][]byte{{7}}}
	r := newRunner(t, c, s, store, Options{}, nil)

	st, err := r.Run(ctx, "open browser, search X", "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, st.Status)
	assert.Equal(t, 4, st.Turn)
	assert.True(t, hasNote(st, stallNote))

	st, err = r.Run(ctx, "", "s-1")
	require.NoError(t, err)
	assert.True(t, hasNote(st, "resumed from waiting"))
	assert.Equal(t, model.StatusWaiting, st.Status)
	assert.Equal(t, 5, st.Turn, "resume continues from the checkpoint")
}

func TestRun_StallPolicyFail(t *testing.T) {
	s := &scripted{reflects: []string{offTrack}, plans: []string{noopPlan}}
	c := &frameCapturer{frames: [][]byte{{7}}}
	r := newRunner(t, c, s, session.NewMemoryStore(), Options{StallThreshold: 2, StallStatus: model.StatusFail}, nil)

	st, err := r.Run(context.Background(), "task", "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFail, st.Status)
	assert.Equal(t, 3, st.Turn)
}

func TestRun_ChangingScreenIsNotAStall(t *testing.T) {
	s := &scripted{reflects: []string{offTrack}, plans: []string{guiPlan}}
	c := &frameCapturer{frames: distinctFrames(10)}
	r := newRunner(t, c, s, session.NewMemoryStore(), Options{MaxTurns: 6}, nil)

	st, err := r.Run(context.Background(), "task", "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFail, st.Status)
	assert.True(t, hasNote(st, "reached max turns (6)"))
	assert.Equal(t, 6, st.Turn)
	assert.False(t, hasNote(st, "stalled"))
}

func TestRun_TerminalSessionIsNotResumed(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	done, err := model.NewAgentState("s-1", "task", model.Env{}, time.Now())
	require.NoError(t, err)
	done.Status = model.StatusDone
	require.NoError(t, store.Save(ctx, "s-1", done))

	c := &frameCapturer{frames: distinctFrames(1)}
	s := &scripted{reflects: []string{onTrack}, plans: []string{guiPlan}}
	st, err := newRunner(t, c, s, store, Options{}, nil).Run(ctx, "task", "s-1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusDone, st.Status)
	assert.Zero(t, c.calls)
	assert.Zero(t, st.Turn)
}

func TestRun_CaptureFailureFails(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	c := &frameCapturer{err: fmt.Errorf("%w: display not found", capture.ErrUnavailable)}
	s := &scripted{reflects: []string{onTrack}, plans: []string{guiPlan}}

	st, err := newRunner(t, c, s, store, Options{}, nil).Run(ctx, "task", "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFail, st.Status)
	assert.Zero(t, st.Turn)
	assert.Empty(t, st.Trajectory)
	assert.True(t, hasNote(st, "failed in observe"))

	saved, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFail, saved.Status)
}

func TestRun_MalformedOutputIsRecoverable(t *testing.T) {
	s := &scripted{reflects: []string{badReply, complete}, plans: []string{guiPlan, badReply}}
	c := &frameCapturer{frames: distinctFrames(5)}

	st, err := newRunner(t, c, s, session.NewMemoryStore(), Options{}, nil).Run(context.Background(), "task", "s-1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusDone, st.Status)
	assert.Equal(t, 3, st.Turn)
	assert.Equal(t, model.JudgmentOnTrack, st.Trajectory[1].Judgment)
	assert.Equal(t, model.ToolNoop, st.Trajectory[1].Tool)
	assert.True(t, hasNote(st, reflection.ErrMalformedJudgment.Error()))
	assert.True(t, hasNote(st, planner.ErrMalformedPlan.Error()))
}

func TestRun_Delegation(t *testing.T) {
	s := &scripted{reflects: []string{onTrack, complete}, plans: []string{codePlan, guiPlan}}
	c := &frameCapturer{frames: distinctFrames(5)}
	d := &fakeDelegator{state: &model.CodeAgentState{
		StepsUsed: 2,
		Budget:    5,
		Result:    &model.CodeAgentResult{Status: model.ResultOK, Output: "renamed 3 files"},
	}}
	store := session.NewMemoryStore()
	r := newRunner(t, c, s, store, Options{}, d)

	st, err := r.Run(context.Background(), "task", "s-1")
	require.NoError(t, err)

	assert.Equal(t, 1, d.calls)
	assert.Equal(t, model.ToolCodeAgent, st.Trajectory[0].Tool)
	assert.Equal(t, "code_agent: ok: 2/5 steps: renamed 3 files", st.Trajectory[0].Executed)
	assert.Equal(t, model.ToolGUI, st.Trajectory[1].Tool)
	assert.Nil(t, st.CodeAgent, "a closed episode is not carried into later turns")
}

func TestRun_BudgetExhaustionDoesNotFailRun(t *testing.T) {
	s := &scripted{reflects: []string{complete}, plans: []string{codePlan}}
	c := &frameCapturer{frames: distinctFrames(5)}
	d := &fakeDelegator{
		state: &model.CodeAgentState{StepsUsed: 3, Budget: 3, Result: &model.CodeAgentResult{Status: model.ResultBudgetExhausted}},
		err:   delegate.ErrBudgetExhausted,
	}
	r := newRunner(t, c, s, session.NewMemoryStore(), Options{}, d)

	st, err := r.Step(context.Background(), mustState(t))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, st.Status)
	require.NotNil(t, st.CodeAgent)
	assert.Equal(t, model.ResultBudgetExhausted, st.CodeAgent.Result.Status)
	assert.True(t, hasNote(st, delegate.ErrBudgetExhausted.Error()))
}

func mustState(t *testing.T) model.AgentState {
	t.Helper()
	st, err := model.NewAgentState("s-1", "task", model.Env{Platform: "linux"}, time.Now())
	require.NoError(t, err)
	return st
}

func TestRun_ModelFailureFailsRun(t *testing.T) {
	s := &scripted{err: fmt.Errorf("%w: 401", llm.ErrAuthentication)}
	c := &frameCapturer{frames: distinctFrames(1)}

	st, err := newRunner(t, c, s, session.NewMemoryStore(), Options{}, nil).Run(context.Background(), "task", "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFail, st.Status)
	assert.Zero(t, st.Turn)
	assert.True(t, hasNote(st, "failed in plan"))
}

func TestRun_CancelBetweenTurnsKeepsStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := session.NewMemoryStore()
	s := &scripted{reflects: []string{onTrack}, plans: []string{guiPlan}}
	c := &frameCapturer{frames: distinctFrames(5)}
	r, err := New(Deps{
		Capturer:  c,
		Reflector: reflection.New(s.handler),
		Planner:   planner.New(s.handler),
		Actuator:  cancellingActuator{cancel: cancel},
		Store:     store,
	}, Options{})
	require.NoError(t, err)

	st, err := r.Run(ctx, "task", "s-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StatusRunning, st.Status)
	assert.Equal(t, 1, st.Turn)

	saved, err := store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Turn)
	assert.Equal(t, model.StatusRunning, saved.Status)
}

func TestRun_CancelDuringTurnStillCheckpointsSQL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	storeDB, err := db.Open(filepath.Join(t.TempDir(), "deskloop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeDB.Close() })
	store := session.NewSQLStore(storeDB)

	s := &scripted{reflects: []string{onTrack}, plans: []string{guiPlan}}
	r, err := New(Deps{
		Capturer:  &frameCapturer{frames: distinctFrames(5)},
		Reflector: reflection.New(s.handler),
		Planner:   planner.New(s.handler),
		Actuator:  cancellingActuator{cancel: cancel},
		Store:     store,
	}, Options{})
	require.NoError(t, err)

	st, err := r.Run(ctx, "task", "s-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, st.Turn)

	saved, err := store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Turn)
	assert.Len(t, saved.Trajectory, 1)
	assert.Equal(t, model.StatusRunning, saved.Status)

	turns, err := store.Turns(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

type cancellingActuator struct{ cancel context.CancelFunc }

func (a cancellingActuator) Execute(_ context.Context, plan model.ActionPlan) (string, error) {
	a.cancel()
	return plan.GroundedCode, nil
}

func TestStep_CancelMidTurnDiscardsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &frameCapturer{block: true}
	s := &scripted{reflects: []string{onTrack}, plans: []string{guiPlan}}
	r := newRunner(t, c, s, session.NewMemoryStore(), Options{}, nil)

	before := mustState(t)
	time.AfterFunc(10*time.Millisecond, cancel)
	st, err := r.Step(ctx, before)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StatusRunning, st.Status)
	assert.Zero(t, st.Turn)
	assert.Nil(t, st.Observation)
}

func TestStep_TurnTimeoutFails(t *testing.T) {
	c := &frameCapturer{block: true}
	s := &scripted{reflects: []string{onTrack}, plans: []string{guiPlan}}
	r := newRunner(t, c, s, session.NewMemoryStore(), Options{TurnTimeout: 20 * time.Millisecond}, nil)

	st, err := r.Step(context.Background(), mustState(t))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFail, st.Status)
	assert.True(t, hasNote(st, "timed out"))
	assert.Empty(t, st.Trajectory)
}

func TestStep_NoopUnlessRunning(t *testing.T) {
	c := &frameCapturer{frames: distinctFrames(1)}
	r := newRunner(t, c, &scripted{}, session.NewMemoryStore(), Options{}, nil)

	for _, status := range []model.Status{model.StatusWaiting, model.StatusDone, model.StatusFail} {
		st := mustState(t)
		st.Status = status
		got, err := r.Step(context.Background(), st)
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	assert.Zero(t, c.calls)
}

func TestStalled(t *testing.T) {
	off := func(d string) model.TurnLog { return model.TurnLog{Judgment: model.JudgmentOffTrack, ScreenshotDigest: d} }
	on := func(d string) model.TurnLog { return model.TurnLog{Judgment: model.JudgmentOnTrack, ScreenshotDigest: d} }

	assert.True(t, stalled([]model.TurnLog{on("a"), off("a"), off("a"), off("a")}, 3))
	assert.False(t, stalled([]model.TurnLog{off("a"), off("a")}, 3))
	assert.False(t, stalled([]model.TurnLog{off("a"), off("b"), off("a")}, 3))
	assert.False(t, stalled([]model.TurnLog{off("a"), on("a"), off("a")}, 3))
	assert.False(t, stalled([]model.TurnLog{off(""), off(""), off("")}, 3))
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

type clientFunc func(ctx context.Context, history []model.Message, msg model.Message, opts llm.SendOptions) (string, error)

func (f clientFunc) Send(ctx context.Context, history []model.Message, msg model.Message, opts llm.SendOptions) (string, error) {
	return f(ctx, history, msg, opts)
}

func TestFromConfig_EndToEnd(t *testing.T) {
	t.Setenv("DESKLOOP_LOOP_TEST_KEY", "sk-loop-secret")
	dir := t.TempDir()
	shot := filepath.Join(dir, "screen.png")
	writePNG(t, shot)

	cfg := config.Default()
	cfg.Model.APIKeyEnv = "DESKLOOP_LOOP_TEST_KEY"
	cfg.Capture = config.CaptureConfig{Type: config.CaptureTypeFile, Path: shot, MaxDim: 2400}
	cfg.Loop.Retry.InitialInterval = time.Millisecond
	cfg.Loop.Retry.MaxInterval = time.Millisecond
	rc, err := cfg.RunContext()
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	var built []model.Context
	factory := func(got model.Context) (llm.Client, error) {
		built = append(built, got)
		return clientFunc(func(_ context.Context, _ []model.Message, msg model.Message, _ llm.SendOptions) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 2 {
				return "", fmt.Errorf("%w: 503", llm.ErrTransient)
			}
			if strings.Contains(msg.Text, "The current screen is attached.") {
				return guiPlan, nil
			}
			return complete, nil
		}), nil
	}

	store := session.NewMemoryStore()
	r, err := FromConfig(cfg, rc, store, model.Env{Platform: "linux"}, dir, Overrides{
		Factory:   factory,
		Delegator: &fakeDelegator{state: &model.CodeAgentState{}},
	})
	require.NoError(t, err)

	st, err := r.Run(context.Background(), "open browser, search X", "s-e2e")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, st.Status)
	assert.Equal(t, 2, st.Turn)
	assert.Len(t, built, 1, "the client is provisioned once per run")
	assert.Equal(t, 3, calls, "one transient failure is retried")
	assert.Equal(t, 4, st.Observation.Width)

	saved, err := store.Load(context.Background(), "s-e2e")
	require.NoError(t, err)
	raw, err := json.Marshal(saved)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-loop-secret")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
