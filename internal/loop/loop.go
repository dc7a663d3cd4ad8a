// Package loop drives the turn-based control loop of a deskloop run.
//
// A turn moves through explicit phases:
//
//	start -> observe -> reflect -> plan -> [delegate] -> log -> end
//
// Each turn works on a clone of the committed state. The clone replaces the
// committed state only when the turn reaches end, so the trajectory never
// holds a partial turn.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metalagman/deskloop/internal/capture"
	"github.com/metalagman/deskloop/internal/delegate"
	"github.com/metalagman/deskloop/internal/model"
	"github.com/metalagman/deskloop/internal/planner"
	"github.com/metalagman/deskloop/internal/reflection"
	"github.com/metalagman/deskloop/internal/session"
	"github.com/rs/zerolog/log"
)

// Phase is a state of the per-turn state machine.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseObserve  Phase = "observe"
	PhaseReflect  Phase = "reflect"
	PhasePlan     Phase = "plan"
	PhaseDelegate Phase = "delegate"
	PhaseLog      Phase = "log"
	PhaseEnd      Phase = "end"
)

// Reflector judges the trajectory so far.
type Reflector interface {
	Run(ctx context.Context, in reflection.Input) (reflection.Output, error)
}

// Planner chooses the next action.
type Planner interface {
	Plan(ctx context.Context, in planner.Input) (model.ActionPlan, error)
}

// Delegator runs one code-execution episode.
type Delegator interface {
	Run(ctx context.Context, sessionID string, turn int, task string) (*model.CodeAgentState, error)
}

// Actuator carries out a gui plan and returns a summary of what it did.
type Actuator interface {
	Execute(ctx context.Context, plan model.ActionPlan) (string, error)
}

// RecordOnly is the default Actuator. It records the grounded action
// without performing it.
type RecordOnly struct{}

// Execute implements Actuator.
func (RecordOnly) Execute(_ context.Context, plan model.ActionPlan) (string, error) {
	if plan.GroundedCode != "" {
		return plan.GroundedCode, nil
	}
	return plan.PlanCode, nil
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Capturer  capture.Capturer
	Reflector Reflector
	Planner   Planner
	Delegator Delegator
	Actuator  Actuator
	Store     session.Store
}

// Options bound the loop.
type Options struct {
	MaxTurns       int
	TurnTimeout    time.Duration
	StallThreshold int
	// StallStatus is the status a stalled run moves to: waiting or fail.
	StallStatus model.Status
	// RecentTurns is how many past turns the planner sees.
	RecentTurns int
	Env         model.Env
	Now         func() time.Time
}

// Runner sequences the steps of a run.
type Runner struct {
	deps Deps
	opts Options
}

// New returns a Runner. Zero options fall back to the defaults.
func New(deps Deps, opts Options) (*Runner, error) {
	if deps.Capturer == nil || deps.Reflector == nil || deps.Planner == nil || deps.Store == nil {
		return nil, fmt.Errorf("loop: capturer, reflector, planner and store are required")
	}
	if deps.Actuator == nil {
		deps.Actuator = RecordOnly{}
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 30
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 3
	}
	if opts.StallStatus == "" {
		opts.StallStatus = model.StatusWaiting
	}
	if opts.RecentTurns <= 0 {
		opts.RecentTurns = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{deps: deps, opts: opts}, nil
}

// Run starts a new session for instruction or resumes sessionID, and drives
// it until the status leaves running or ctx is cancelled. The state is
// checkpointed before the first turn and after every turn.
//
// A cancelled ctx returns the last checkpointed state with ctx's error.
func (r *Runner) Run(ctx context.Context, instruction, sessionID string) (model.AgentState, error) {
	logger := log.With().Str("session_id", sessionID).Logger()

	st, err := r.deps.Store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		st, err = model.NewAgentState(sessionID, instruction, r.opts.Env, r.opts.Now())
		if err != nil {
			return model.AgentState{}, err
		}
		if err := r.checkpoint(ctx, &st); err != nil {
			return st, err
		}
		logger.Info().Str("instruction", instruction).Msg("session started")
	case err != nil:
		return model.AgentState{}, fmt.Errorf("load session %s: %w", sessionID, err)
	default:
		if st.Status.IsTerminal() {
			logger.Info().Str("status", string(st.Status)).Msg("session already finished")
			return st, nil
		}
		if instruction != "" && instruction != st.Instruction {
			logger.Warn().Str("stored", st.Instruction).Msg("resuming with the stored instruction")
		}
		if st.Status == model.StatusWaiting {
			st.Status = model.StatusRunning
			st.AddNote("resumed from waiting at %s", model.Turn(st.Turn))
			if err := r.checkpoint(ctx, &st); err != nil {
				return st, err
			}
		}
		logger.Info().Int("turn", st.Turn).Msg("session resumed")
	}

	for st.Status == model.StatusRunning {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if st.Turn >= r.opts.MaxTurns {
			st.Fail("reached max turns (%d)", r.opts.MaxTurns)
			if err := r.checkpoint(ctx, &st); err != nil {
				return st, err
			}
			break
		}
		next, err := r.Step(ctx, st)
		if err != nil {
			return st, err
		}
		st = next
		if err := r.checkpoint(ctx, &st); err != nil {
			return st, err
		}
	}
	logger.Info().Str("status", string(st.Status)).Int("turns", st.Turn).Msg("session stopped")
	return st, nil
}

// checkpoint persists st even when ctx is already cancelled, so a turn that
// completed is never lost to a late interrupt.
func (r *Runner) checkpoint(ctx context.Context, st *model.AgentState) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	st.UpdatedAt = r.opts.Now().UTC()
	if err := r.deps.Store.Save(ctx, st.SessionID, *st); err != nil {
		return fmt.Errorf("checkpoint %s: %w", st.SessionID, err)
	}
	return nil
}

const checkpointTimeout = 10 * time.Second

// turn is the working set of one turn.
type turn struct {
	state    model.AgentState
	judgment model.Judgment
	executed string
}

// Step executes one turn on a copy of st and returns the resulting state.
// It is a no-op unless st is running.
//
// A fatal failure inside the turn discards the copy and returns st moved to
// fail with a note. Cancellation of ctx returns st unchanged with ctx's
// error.
func (r *Runner) Step(ctx context.Context, st model.AgentState) (model.AgentState, error) {
	if st.Status != model.StatusRunning {
		return st, nil
	}
	work, err := st.Clone()
	if err != nil {
		return st, err
	}

	turnCtx := ctx
	if r.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, r.opts.TurnTimeout)
		defer cancel()
	}

	t := &turn{state: work}
	logger := log.With().Str("session_id", st.SessionID).Int("turn", st.Turn).Logger()
	startedAt := time.Now()
	phase := PhaseStart
	for phase != PhaseEnd {
		next, err := r.transition(turnCtx, phase, t)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Str("phase", string(phase)).Msg("turn cancelled")
				return st, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) && turnCtx.Err() != nil {
				err = fmt.Errorf("turn timed out after %s: %w", r.opts.TurnTimeout, err)
			}
			logger.Error().Err(err).Str("phase", string(phase)).Msg("turn failed")
			st.Fail("%s failed in %s: %v", model.Turn(st.Turn), phase, err)
			return st, nil
		}
		logger.Debug().Str("phase", string(phase)).Str("next", string(next)).Msg("transition")
		phase = next
	}
	logger.Info().
		Str("judgment", string(t.judgment)).
		Str("tool", string(t.state.Plan.Tool)).
		Str("status", string(t.state.Status)).
		Dur("duration", time.Since(startedAt)).
		Msg("turn complete")
	return t.state, nil
}

// transition runs phase and returns the next one.
func (r *Runner) transition(ctx context.Context, phase Phase, t *turn) (Phase, error) {
	st := &t.state
	switch phase {
	case PhaseStart:
		return PhaseObserve, nil

	case PhaseObserve:
		obs, err := r.deps.Capturer.Capture(ctx)
		if err != nil {
			return phase, err
		}
		if err := obs.Validate(); err != nil {
			return phase, fmt.Errorf("%w: %v", capture.ErrUnavailable, err)
		}
		st.Observation = &obs
		return PhaseReflect, nil

	case PhaseReflect:
		in := reflection.Input{
			Turn:        st.Turn,
			Instruction: st.Instruction,
			Observation: *st.Observation,
			History:     st.ReflectionHistory,
		}
		if last, ok := st.LastTurn(); ok {
			in.LastTurn = &last
		}
		out, err := r.deps.Reflector.Run(ctx, in)
		if err != nil && !errors.Is(err, reflection.ErrMalformedJudgment) {
			return phase, err
		}
		st.ReflectionHistory = out.History
		st.Reflection = out.Text
		t.judgment = out.Judgment
		if err != nil {
			st.AddNote("%s: %v; treated as on track", model.Turn(st.Turn), err)
			t.judgment = model.JudgmentOnTrack
		}
		return PhasePlan, nil

	case PhasePlan:
		plan, err := r.deps.Planner.Plan(ctx, planner.Input{
			Instruction: st.Instruction,
			Env:         st.Env,
			Observation: *st.Observation,
			Judgment:    t.judgment,
			Reflection:  st.Reflection,
			Recent:      recent(st.Trajectory, r.opts.RecentTurns),
		})
		if err != nil && !errors.Is(err, planner.ErrMalformedPlan) {
			return phase, err
		}
		if err != nil {
			st.AddNote("%s: %v", model.Turn(st.Turn), err)
		}
		st.Plan = &plan
		if plan.Tool == model.ToolCodeAgent {
			if r.deps.Delegator == nil {
				st.AddNote("%s: no code agent configured, delegation skipped", model.Turn(st.Turn))
				st.CodeAgent = nil
				t.executed = "code_agent unavailable"
				return PhaseLog, nil
			}
			return PhaseDelegate, nil
		}
		st.CodeAgent = nil
		switch plan.Tool {
		case model.ToolGUI:
			executed, err := r.deps.Actuator.Execute(ctx, plan)
			if err != nil {
				if ctx.Err() != nil {
					return phase, ctx.Err()
				}
				st.AddNote("%s: gui action failed: %v", model.Turn(st.Turn), err)
				executed = "failed: " + executed
			}
			t.executed = executed
		default:
			t.executed = string(model.ToolNoop)
		}
		return PhaseLog, nil

	case PhaseDelegate:
		cas, err := r.deps.Delegator.Run(ctx, st.SessionID, st.Turn, st.Plan.Request)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return phase, err
		}
		if cas == nil {
			return phase, fmt.Errorf("delegation: %w", err)
		}
		st.CodeAgent = cas
		if err != nil {
			st.AddNote("%s: %v", model.Turn(st.Turn), err)
		}
		t.executed = delegationSummary(cas)
		return PhaseLog, nil

	case PhaseLog:
		entry := model.TurnLog{
			Turn:             st.Turn,
			Plan:             st.Plan.Rationale,
			PlanCode:         st.Plan.PlanCode,
			Tool:             st.Plan.Tool,
			Executed:         t.executed,
			Judgment:         t.judgment,
			ScreenshotDigest: st.Observation.Digest(),
		}
		if st.Turn > 0 {
			text := st.Reflection
			entry.Reflection = &text
		}
		if err := st.AppendTurn(entry); err != nil {
			return phase, err
		}
		switch {
		case t.judgment == model.JudgmentComplete:
			st.Status = model.StatusDone
			st.AddNote("%s: task judged complete", model.Turn(entry.Turn))
		case stalled(st.Trajectory, r.opts.StallThreshold):
			st.Status = r.opts.StallStatus
			st.AddNote("%s: stalled after %d off-track turns with an unchanged screen", model.Turn(entry.Turn), r.opts.StallThreshold)
		}
		if err := st.Check(); err != nil {
			return phase, err
		}
		return PhaseEnd, nil

	default:
		return phase, fmt.Errorf("unknown phase %q", phase)
	}
}

// stalled reports whether the last threshold turns were all judged off track
// on the same screen.
func stalled(trajectory []model.TurnLog, threshold int) bool {
	if threshold <= 0 || len(trajectory) < threshold {
		return false
	}
	tail := trajectory[len(trajectory)-threshold:]
	digest := tail[0].ScreenshotDigest
	if digest == "" {
		return false
	}
	for _, entry := range tail {
		if entry.Judgment != model.JudgmentOffTrack || entry.ScreenshotDigest != digest {
			return false
		}
	}
	return true
}

func recent(trajectory []model.TurnLog, n int) []model.TurnLog {
	if len(trajectory) <= n {
		return trajectory
	}
	return trajectory[len(trajectory)-n:]
}

func delegationSummary(cas *model.CodeAgentState) string {
	if cas == nil || cas.Result == nil {
		return "code_agent"
	}
	parts := []string{"code_agent", cas.Result.Status, fmt.Sprintf("%d/%d steps", cas.StepsUsed, cas.Budget)}
	if cas.Result.Output != "" {
		parts = append(parts, cas.Result.Output)
	}
	if cas.Result.Error != "" {
		parts = append(parts, cas.Result.Error)
	}
	return strings.Join(parts, ": ")
}

var _ Delegator = (*delegate.Step)(nil)
var _ Reflector = (*reflection.Step)(nil)
var _ Planner = (*planner.Planner)(nil)
