// Package reflection judges whether the trajectory so far is on track.
//
// A reflection only ever judges. It never proposes the next action; that is
// the planner's job.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/metalagman/deskloop/internal/llm"
	"github.com/metalagman/deskloop/internal/model"
)

// ErrMalformedJudgment reports a model reply that matches none of the cases.
var ErrMalformedJudgment = errors.New("malformed reflection judgment")

const systemPrompt = `You review the trajectory of a desktop automation agent.
You are given the task, and for each turn a screenshot and the action the agent took.
The last screenshot shows the screen after the last action.
Changed files or restarted applications may be the legitimate work of a code agent.

Reply with JSON {"case": "...", "reflection": "..."} where case is one of:
- "off_track": the trajectory is not progressing, often a repeated cycle of actions with no change on screen. Explain why.
- "on_track": the trajectory is progressing. Keep the reflection short.
- "complete": the task has been completed.
Never suggest a specific next action.`

// Input is what the step reads for one turn.
type Input struct {
	Turn        int
	Instruction string
	Observation model.Observation
	History     []model.Message
	// LastTurn is the turn being judged; nil on turn 0.
	LastTurn *model.TurnLog
}

// Output is the step result.
type Output struct {
	History  []model.Message
	Judgment model.Judgment
	Text     string
}

// Step runs reflections through a model handler.
type Step struct {
	handler      llm.Handler
	historyLimit int
}

// Option configures a Step.
type Option func(*Step)

// WithHistoryLimit keeps image payloads only on the newest n user messages.
func WithHistoryLimit(n int) Option {
	return func(s *Step) { s.historyLimit = n }
}

// New returns a Step sending model calls through h.
func New(h llm.Handler, opts ...Option) *Step {
	s := &Step{handler: h}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run produces the judgment for in. On turn 0 it only seeds the history.
//
// A reply that matches no case yields ErrMalformedJudgment together with a
// valid Output whose history includes the exchange.
func (s *Step) Run(ctx context.Context, in Input) (Output, error) {
	if in.Turn == 0 {
		seed := model.Message{
			Role:      model.RoleUser,
			Text:      "Task: " + in.Instruction,
			Image:     in.Observation.Image,
			MediaType: in.Observation.MediaType,
		}
		return Output{History: []model.Message{seed}}, nil
	}

	msg := model.Message{
		Role:      model.RoleUser,
		Text:      describeTurn(in.LastTurn),
		Image:     in.Observation.Image,
		MediaType: in.Observation.MediaType,
	}
	reply, err := s.handler(ctx, llm.Request{
		Step:    "reflect",
		System:  systemPrompt,
		History: in.History,
		Message: msg,
		JSON:    true,
	})
	if err != nil {
		return Output{}, fmt.Errorf("reflect on %s: %w", model.Turn(in.Turn), err)
	}

	history := make([]model.Message, 0, len(in.History)+2)
	history = append(history, in.History...)
	history = append(history, msg, model.Message{Role: model.RoleAssistant, Text: reply})
	history = trimImages(history, s.historyLimit)

	judgment, text, err := Parse(reply)
	if err != nil {
		return Output{History: history}, err
	}
	return Output{History: history, Judgment: judgment, Text: text}, nil
}

func describeTurn(t *model.TurnLog) string {
	if t == nil {
		return "Screen after the last action."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s plan: %s\n", model.Turn(t.Turn), t.Plan)
	if t.PlanCode != "" {
		fmt.Fprintf(&b, "Action: %s\n", t.PlanCode)
	}
	fmt.Fprintf(&b, "Executed: %s\n", t.Executed)
	b.WriteString("Screen after this action is attached.")
	return b.String()
}

// trimImages drops image bytes from all but the newest limit user messages
// that carry one. limit <= 0 keeps everything.
func trimImages(history []model.Message, limit int) []model.Message {
	if limit <= 0 {
		return history
	}
	kept := 0
	for i := len(history) - 1; i >= 0; i-- {
		if len(history[i].Image) == 0 {
			continue
		}
		if kept < limit {
			kept++
			continue
		}
		history[i].Image = nil
		history[i].MediaType = ""
	}
	return history
}

var caseLabels = map[string]model.Judgment{
	"off_track": model.JudgmentOffTrack,
	"on_track":  model.JudgmentOnTrack,
	"complete":  model.JudgmentComplete,
	"1":         model.JudgmentOffTrack,
	"2":         model.JudgmentOnTrack,
	"3":         model.JudgmentComplete,
}

var casePrefix = regexp.MustCompile(`(?is)^\W*case\s*([123])\W*?[:.\-]\s*(.*)$`)

// Parse maps a model reply onto a judgment and its text. Both the JSON form
// and "Case N:" prose are accepted.
func Parse(reply string) (model.Judgment, string, error) {
	if decoded, err := llm.DecodeJSON[struct {
		Case       string `json:"case"`
		Reflection string `json:"reflection"`
	}](reply); err == nil {
		key := strings.ToLower(strings.TrimSpace(decoded.Case))
		key = strings.TrimPrefix(strings.ReplaceAll(key, "-", "_"), "case ")
		if j, ok := caseLabels[key]; ok {
			return j, strings.TrimSpace(decoded.Reflection), nil
		}
		return model.JudgmentNone, "", fmt.Errorf("%w: unknown case %q", ErrMalformedJudgment, decoded.Case)
	}
	if m := casePrefix.FindStringSubmatch(strings.TrimSpace(reply)); m != nil {
		return caseLabels[m[1]], strings.TrimSpace(m[2]), nil
	}
	return model.JudgmentNone, "", fmt.Errorf("%w: %q", ErrMalformedJudgment, truncate(reply, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
