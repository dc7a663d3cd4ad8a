package loop

import (
	"fmt"
	"path/filepath"

	"github.com/metalagman/deskloop/internal/capture"
	"github.com/metalagman/deskloop/internal/config"
	"github.com/metalagman/deskloop/internal/delegate"
	"github.com/metalagman/deskloop/internal/llm"
	"github.com/metalagman/deskloop/internal/model"
	"github.com/metalagman/deskloop/internal/planner"
	"github.com/metalagman/deskloop/internal/reflection"
	"github.com/metalagman/deskloop/internal/session"
)

// Overrides replace collaborators that FromConfig would otherwise build.
type Overrides struct {
	Factory   llm.Factory
	Capturer  capture.Capturer
	Delegator Delegator
	Actuator  Actuator
}

// FromConfig assembles a Runner for one run. rc is resolved once by the
// caller and every model call of the run is provisioned from it.
func FromConfig(cfg config.Config, rc model.Context, store session.Store, env model.Env, workDir string, ov Overrides) (*Runner, error) {
	handler := llm.NewPipeline(rc, llm.Options{
		CallTimeout: cfg.Loop.CallTimeout,
		Retry: llm.RetryPolicy{
			MaxAttempts:     cfg.Loop.Retry.MaxAttempts,
			InitialInterval: cfg.Loop.Retry.InitialInterval,
			MaxInterval:     cfg.Loop.Retry.MaxInterval,
		},
		RequestsPerMinute: cfg.Model.RequestsPerMinute,
		Factory:           ov.Factory,
	})

	capturer := ov.Capturer
	if capturer == nil {
		c, err := capture.New(cfg.Capture)
		if err != nil {
			return nil, err
		}
		capturer = c
	}

	delegator := ov.Delegator
	if delegator == nil {
		agent, err := delegate.NewExecAgent(cfg.CodeAgent, filepath.Join(workDir, ".deskloop", "delegate"))
		if err != nil {
			return nil, fmt.Errorf("code agent: %w", err)
		}
		delegator = delegate.New(agent, cfg.CodeAgent.Budget, workDir)
	}

	return New(Deps{
		Capturer:  capturer,
		Reflector: reflection.New(handler, reflection.WithHistoryLimit(cfg.Loop.HistoryLimit)),
		Planner:   planner.New(handler),
		Delegator: delegator,
		Actuator:  ov.Actuator,
		Store:     store,
	}, Options{
		MaxTurns:       cfg.Loop.MaxTurns,
		TurnTimeout:    cfg.Loop.TurnTimeout,
		StallThreshold: cfg.Loop.Stall.Threshold,
		StallStatus:    cfg.StallStatus(),
		Env:            env,
	})
}
