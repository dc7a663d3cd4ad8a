// Package model defines the state shared across a deskloop run.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Status is the run status.
type Status string

const (
	StatusRunning Status = "running"
	StatusWaiting Status = "waiting"
	StatusDone    Status = "done"
	StatusFail    Status = "fail"
)

// IsTerminal reports whether no further turns may execute.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFail
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusWaiting, StatusDone, StatusFail:
		return true
	default:
		return false
	}
}

// Tool selects how a plan is carried out.
type Tool string

const (
	ToolGUI       Tool = "gui"
	ToolCodeAgent Tool = "code_agent"
	ToolNoop      Tool = "noop"
)

// Valid reports whether t is a known tool.
func (t Tool) Valid() bool {
	switch t {
	case ToolGUI, ToolCodeAgent, ToolNoop:
		return true
	default:
		return false
	}
}

// Judgment is the outcome of a reflection.
type Judgment string

const (
	JudgmentNone     Judgment = ""
	JudgmentOffTrack Judgment = "off_track"
	JudgmentOnTrack  Judgment = "on_track"
	JudgmentComplete Judgment = "complete"
)

// Observation is a single captured frame.
type Observation struct {
	Image      []byte    `json:"image"`
	MediaType  string    `json:"media_type"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// Empty reports whether the observation carries no image.
func (o Observation) Empty() bool { return len(o.Image) == 0 }

// Digest returns a compact fingerprint of the image payload.
func (o Observation) Digest() string {
	if o.Empty() {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(o.Image))
}

// Validate checks the observation is usable by the reasoning steps.
func (o Observation) Validate() error {
	if o.Empty() {
		return fmt.Errorf("observation has no image")
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("observation has invalid dimensions %dx%d", o.Width, o.Height)
	}
	if o.CapturedAt.IsZero() {
		return fmt.Errorf("observation has no capture time")
	}
	return nil
}

// ActionPlan is the output of the planning step for one turn.
type ActionPlan struct {
	Rationale        string `json:"rationale"`
	PlanCode         string `json:"plan_code,omitempty"`
	GroundedCode     string `json:"grounded_code,omitempty"`
	Tool             Tool   `json:"tool"`
	ApprovalRequired bool   `json:"approval_required"`
	Request          string `json:"request,omitempty"`
}

// Validate enforces the per-tool requirements.
func (p ActionPlan) Validate() error {
	if !p.Tool.Valid() {
		return fmt.Errorf("unknown tool %q", p.Tool)
	}
	switch p.Tool {
	case ToolCodeAgent:
		if strings.TrimSpace(p.Request) == "" {
			return fmt.Errorf("code_agent plan requires a request")
		}
	case ToolGUI:
		if strings.TrimSpace(p.GroundedCode) == "" && strings.TrimSpace(p.PlanCode) == "" {
			return fmt.Errorf("gui plan requires plan_code or grounded_code")
		}
	}
	return nil
}

// Delegation result statuses.
const (
	ResultOK              = "ok"
	ResultFailed          = "failed"
	ResultBudgetExhausted = "budget_exhausted"
)

// CodeAgentResult is the outcome of a delegation episode.
type CodeAgentResult struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CodeAgentState tracks one delegation episode.
type CodeAgentState struct {
	Request   *string          `json:"request,omitempty"`
	Result    *CodeAgentResult `json:"result,omitempty"`
	StepsUsed int              `json:"steps_used"`
	Budget    int              `json:"budget"`
}

// NewCodeAgentState opens an episode with a fresh budget.
func NewCodeAgentState(request string, budget int) (*CodeAgentState, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("code agent budget must be > 0")
	}
	req := request
	return &CodeAgentState{Request: &req, Budget: budget}, nil
}

// Closed reports whether the episode has a result.
func (c *CodeAgentState) Closed() bool { return c != nil && c.Result != nil }

// Remaining returns how many sub-steps are left.
func (c *CodeAgentState) Remaining() int {
	if c == nil {
		return 0
	}
	return c.Budget - c.StepsUsed
}

// TurnLog records one completed turn.
type TurnLog struct {
	Turn             int      `json:"turn"`
	Plan             string   `json:"plan"`
	PlanCode         string   `json:"plan_code"`
	Tool             Tool     `json:"tool,omitempty"`
	Executed         string   `json:"executed"`
	Reflection       *string  `json:"reflection,omitempty"`
	Judgment         Judgment `json:"judgment,omitempty"`
	ScreenshotDigest string   `json:"screenshot_digest"`
}

// Env describes the static platform the agent operates on.
type Env struct {
	Platform     string   `json:"platform"`
	ScreenWidth  int      `json:"screen_width,omitempty"`
	ScreenHeight int      `json:"screen_height,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
}

// Message roles in a reflection exchange.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a model exchange history.
type Message struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Image     []byte `json:"image,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// Turn formats a turn index the way notes and logs refer to it.
func Turn(n int) string { return "turn " + strconv.Itoa(n) }
