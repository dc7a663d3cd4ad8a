// Package planner chooses the next action for a turn.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metalagman/deskloop/internal/llm"
	"github.com/metalagman/deskloop/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// ErrMalformedPlan reports a model reply that is not a valid plan.
var ErrMalformedPlan = errors.New("malformed action plan")

const planOutputSchema = `{
  "type":"object",
  "properties":{
    "rationale":{"type":"string","minLength":1},
    "plan_code":{"type":"string"},
    "grounded_code":{"type":"string"},
    "tool":{"type":"string","enum":["gui","code_agent","noop"]},
    "approval_required":{"type":"boolean"},
    "request":{"type":"string"}
  },
  "required":["rationale","tool"],
  "additionalProperties":false
}`

const systemPrompt = `You plan the next step of a desktop automation agent.
You are given the task, the platform, a screenshot of the current screen, the reflection on progress so far and the recent actions.
Choose exactly one tool:
- "gui": one interaction with the desktop. Put a short description in plan_code and the executable action in grounded_code.
- "code_agent": hand a sub-task to a code-execution agent that can edit files and run programs. Describe it in request.
- "noop": do nothing this turn, for example while waiting for something to load.
Set approval_required when the action is destructive, spends money or enters credentials.
Reply with JSON {"rationale": "...", "tool": "...", "plan_code": "...", "grounded_code": "...", "request": "...", "approval_required": false}.`

var planSchema = gojsonschema.NewStringLoader(planOutputSchema)

// Input is what the planner reads for one turn.
type Input struct {
	Instruction string
	Env         model.Env
	Observation model.Observation
	Judgment    model.Judgment
	Reflection  string
	Recent      []model.TurnLog
}

// Planner builds action plans through a model handler.
type Planner struct {
	handler llm.Handler
}

// New returns a Planner sending model calls through h.
func New(h llm.Handler) *Planner {
	return &Planner{handler: h}
}

// Plan returns the action plan for in.
//
// A complete judgment short-circuits to a noop plan. A reply that fails
// validation yields ErrMalformedPlan together with a noop fallback plan.
func (p *Planner) Plan(ctx context.Context, in Input) (model.ActionPlan, error) {
	if in.Judgment == model.JudgmentComplete {
		return model.ActionPlan{
			Rationale: "task judged complete",
			Tool:      model.ToolNoop,
		}, nil
	}

	reply, err := p.handler(ctx, llm.Request{
		Step:   "plan",
		System: systemPrompt,
		Message: model.Message{
			Role:      model.RoleUser,
			Text:      describe(in),
			Image:     in.Observation.Image,
			MediaType: in.Observation.MediaType,
		},
		JSON: true,
	})
	if err != nil {
		return model.ActionPlan{}, fmt.Errorf("plan: %w", err)
	}

	plan, err := Parse(reply)
	if err != nil {
		return Fallback(err), err
	}
	if reason, risky := IsRisky(plan); risky && !plan.ApprovalRequired {
		plan.ApprovalRequired = true
		plan.Rationale = strings.TrimSpace(plan.Rationale + " (approval required: " + reason + ")")
	}
	return plan, nil
}

// Parse validates reply against the plan schema and the per-tool rules.
func Parse(reply string) (model.ActionPlan, error) {
	raw, ok := llm.ExtractJSON(reply)
	if !ok {
		return model.ActionPlan{}, fmt.Errorf("%w: no JSON object", ErrMalformedPlan)
	}
	res, err := gojsonschema.Validate(planSchema, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return model.ActionPlan{}, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if !res.Valid() {
		problems := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			problems = append(problems, e.String())
		}
		return model.ActionPlan{}, fmt.Errorf("%w: %s", ErrMalformedPlan, strings.Join(problems, "; "))
	}
	plan, err := llm.DecodeJSON[model.ActionPlan](raw)
	if err != nil {
		return model.ActionPlan{}, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if err := plan.Validate(); err != nil {
		return model.ActionPlan{}, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return plan, nil
}

// Fallback is the plan used when the model reply could not be used.
func Fallback(cause error) model.ActionPlan {
	return model.ActionPlan{
		Rationale: "no usable plan: " + cause.Error(),
		Tool:      model.ToolNoop,
	}
}

func describe(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", in.Instruction)
	if in.Env.Platform != "" {
		fmt.Fprintf(&b, "Platform: %s", in.Env.Platform)
		if in.Env.ScreenWidth > 0 {
			fmt.Fprintf(&b, " (%dx%d)", in.Env.ScreenWidth, in.Env.ScreenHeight)
		}
		b.WriteString("\n")
	}
	if len(in.Env.Permissions) > 0 {
		fmt.Fprintf(&b, "Permissions: %s\n", strings.Join(in.Env.Permissions, ", "))
	}
	if in.Reflection != "" {
		fmt.Fprintf(&b, "Reflection: %s\n", in.Reflection)
	}
	if len(in.Recent) > 0 {
		b.WriteString("Recent actions:\n")
		for _, t := range in.Recent {
			fmt.Fprintf(&b, "- %s: %s -> %s\n", model.Turn(t.Turn), t.Plan, t.Executed)
		}
	}
	b.WriteString("The current screen is attached.")
	return b.String()
}
