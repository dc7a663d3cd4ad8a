// Package config provides configuration loading and management for deskloop.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/metalagman/deskloop/internal/model"
)

// Code agent types.
const (
	AgentTypeExec     = "exec"
	AgentTypeCodex    = "codex"
	AgentTypeClaude   = "claude"
	AgentTypeGemini   = "gemini"
	AgentTypeOpenCode = "opencode"
)

// Capture types.
const (
	CaptureTypeCommand = "command"
	CaptureTypeFile    = "file"
)

// Stall policies.
const (
	StallPolicyWaiting = "waiting"
	StallPolicyFail    = "fail"
)

// Config is the root configuration.
type Config struct {
	Model     ModelConfig     `json:"model"      mapstructure:"model"`
	Loop      LoopConfig      `json:"loop"       mapstructure:"loop"`
	Capture   CaptureConfig   `json:"capture"    mapstructure:"capture"`
	CodeAgent CodeAgentConfig `json:"code_agent" mapstructure:"code_agent"`
	Retention RetentionPolicy `json:"retention"  mapstructure:"retention"`
}

// ModelConfig describes the model backend used by reflection and planning.
type ModelConfig struct {
	Provider          string `json:"provider"                      mapstructure:"provider"`
	Name              string `json:"name"                          mapstructure:"name"`
	BaseURL           string `json:"base_url,omitempty"            mapstructure:"base_url"`
	APIKey            string `json:"api_key,omitempty"             mapstructure:"api_key"`
	APIKeyEnv         string `json:"api_key_env,omitempty"         mapstructure:"api_key_env"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// LoopConfig bounds the control loop.
type LoopConfig struct {
	MaxTurns     int           `json:"max_turns"               mapstructure:"max_turns"`
	CallTimeout  time.Duration `json:"call_timeout"            mapstructure:"call_timeout"`
	TurnTimeout  time.Duration `json:"turn_timeout,omitempty"  mapstructure:"turn_timeout"`
	Retry        RetryConfig   `json:"retry"                   mapstructure:"retry"`
	Stall        StallConfig   `json:"stall"                   mapstructure:"stall"`
	HistoryLimit int           `json:"history_limit,omitempty" mapstructure:"history_limit"`
}

// RetryConfig is the bounded retry policy for model calls.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"     mapstructure:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"     mapstructure:"max_interval"`
}

// StallConfig controls repeated off-track detection.
type StallConfig struct {
	Threshold int    `json:"threshold" mapstructure:"threshold"`
	Policy    string `json:"policy"    mapstructure:"policy"`
}

// CaptureConfig selects the screen-capture collaborator.
type CaptureConfig struct {
	Type   string   `json:"type"            mapstructure:"type"`
	Cmd    []string `json:"cmd,omitempty"   mapstructure:"cmd"`
	Path   string   `json:"path,omitempty"  mapstructure:"path"`
	MaxDim int      `json:"max_dim"         mapstructure:"max_dim"`
}

// CodeAgentConfig describes how to run the code-execution sub-agent.
type CodeAgentConfig struct {
	Type   string   `json:"type"              mapstructure:"type"`
	Cmd    []string `json:"cmd,omitempty"     mapstructure:"cmd"`
	Model  string   `json:"model,omitempty"   mapstructure:"model"`
	Budget int      `json:"budget"            mapstructure:"budget"`
	UseTTY *bool    `json:"use_tty,omitempty" mapstructure:"use_tty"`
}

// RetentionPolicy defines how many old sessions to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// Default returns the configuration written by deskloop init.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Provider:  model.DefaultProvider,
			Name:      model.DefaultModel,
			BaseURL:   model.DefaultEndpoint,
			APIKeyEnv: model.DefaultCredentialEnv,
		},
		Loop: LoopConfig{
			MaxTurns:    30,
			CallTimeout: 60 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     10 * time.Second,
			},
			Stall: StallConfig{
				Threshold: 3,
				Policy:    StallPolicyWaiting,
			},
			HistoryLimit: 4,
		},
		Capture: CaptureConfig{
			Type:   CaptureTypeCommand,
			Cmd:    defaultCaptureCmd(runtime.GOOS),
			MaxDim: 2400,
		},
		CodeAgent: CodeAgentConfig{
			Type:   AgentTypeCodex,
			Budget: 5,
		},
	}
}

func defaultCaptureCmd(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"screencapture", "-x", "-t", "png", "/dev/stdout"}
	default:
		return []string{"import", "-window", "root", "png:-"}
	}
}

// Validate checks semantic constraints not expressible in the schema.
func (c Config) Validate() error {
	if c.Loop.MaxTurns <= 0 {
		return fmt.Errorf("loop.max_turns must be > 0")
	}
	if c.Loop.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("loop.retry.max_attempts must be > 0")
	}
	if c.Loop.Stall.Threshold <= 0 {
		return fmt.Errorf("loop.stall.threshold must be > 0")
	}
	switch c.Loop.Stall.Policy {
	case StallPolicyWaiting, StallPolicyFail:
	default:
		return fmt.Errorf("loop.stall.policy must be %q or %q", StallPolicyWaiting, StallPolicyFail)
	}
	switch c.Capture.Type {
	case CaptureTypeCommand:
		if len(c.Capture.Cmd) == 0 {
			return fmt.Errorf("capture.cmd is required for command capture")
		}
	case CaptureTypeFile:
		if strings.TrimSpace(c.Capture.Path) == "" {
			return fmt.Errorf("capture.path is required for file capture")
		}
	default:
		return fmt.Errorf("unknown capture type %q", c.Capture.Type)
	}
	if c.CodeAgent.Budget <= 0 {
		return fmt.Errorf("code_agent.budget must be > 0")
	}
	if c.CodeAgent.Type == AgentTypeExec && len(c.CodeAgent.Cmd) == 0 {
		return fmt.Errorf("exec code agent requires cmd")
	}
	return nil
}

// RunContext resolves the immutable model context for a run.
func (c Config) RunContext() (model.Context, error) {
	return model.NewContext(model.ContextOptions{
		Provider:      c.Model.Provider,
		Model:         c.Model.Name,
		Credential:    c.Model.APIKey,
		CredentialEnv: c.Model.APIKeyEnv,
		Endpoint:      c.Model.BaseURL,
	})
}

// StallStatus maps the stall policy onto a run status.
func (c Config) StallStatus() model.Status {
	if c.Loop.Stall.Policy == StallPolicyFail {
		return model.StatusFail
	}
	return model.StatusWaiting
}

// Settings renders c as raw settings with durations as strings, the form
// accepted by the schema and written to config files.
func (c Config) Settings() map[string]any {
	codeAgent := map[string]any{
		"type":   c.CodeAgent.Type,
		"budget": c.CodeAgent.Budget,
	}
	if len(c.CodeAgent.Cmd) > 0 {
		codeAgent["cmd"] = c.CodeAgent.Cmd
	}
	if c.CodeAgent.Model != "" {
		codeAgent["model"] = c.CodeAgent.Model
	}
	if c.CodeAgent.UseTTY != nil {
		codeAgent["use_tty"] = *c.CodeAgent.UseTTY
	}
	capture := map[string]any{
		"type":    c.Capture.Type,
		"max_dim": c.Capture.MaxDim,
	}
	if len(c.Capture.Cmd) > 0 {
		capture["cmd"] = c.Capture.Cmd
	}
	if c.Capture.Path != "" {
		capture["path"] = c.Capture.Path
	}
	modelSettings := map[string]any{
		"provider": c.Model.Provider,
		"name":     c.Model.Name,
	}
	for key, value := range map[string]string{
		"base_url":    c.Model.BaseURL,
		"api_key":     c.Model.APIKey,
		"api_key_env": c.Model.APIKeyEnv,
	} {
		if value != "" {
			modelSettings[key] = value
		}
	}
	if c.Model.RequestsPerMinute > 0 {
		modelSettings["requests_per_minute"] = c.Model.RequestsPerMinute
	}
	loop := map[string]any{
		"max_turns":    c.Loop.MaxTurns,
		"call_timeout": c.Loop.CallTimeout.String(),
		"retry": map[string]any{
			"max_attempts":     c.Loop.Retry.MaxAttempts,
			"initial_interval": c.Loop.Retry.InitialInterval.String(),
			"max_interval":     c.Loop.Retry.MaxInterval.String(),
		},
		"stall": map[string]any{
			"threshold": c.Loop.Stall.Threshold,
			"policy":    c.Loop.Stall.Policy,
		},
	}
	if c.Loop.TurnTimeout > 0 {
		loop["turn_timeout"] = c.Loop.TurnTimeout.String()
	}
	if c.Loop.HistoryLimit > 0 {
		loop["history_limit"] = c.Loop.HistoryLimit
	}
	out := map[string]any{
		"model":      modelSettings,
		"loop":       loop,
		"capture":    capture,
		"code_agent": codeAgent,
	}
	if c.Retention.KeepLast > 0 || c.Retention.KeepDays > 0 {
		out["retention"] = map[string]any{
			"keep_last": c.Retention.KeepLast,
			"keep_days": c.Retention.KeepDays,
		}
	}
	return out
}
