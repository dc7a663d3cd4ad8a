package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metalagman/ainvoke"
	"github.com/metalagman/deskloop/internal/config"
)

type agentSpec struct {
	defaultSubcommand string
	extraFlags        []string
}

var agentSpecs = map[string]agentSpec{
	config.AgentTypeCodex: {
		defaultSubcommand: "exec",
		extraFlags:        []string{"--full-auto", "--skip-git-repo-check"},
	},
	config.AgentTypeOpenCode: {
		defaultSubcommand: "run",
	},
	config.AgentTypeGemini: {
		extraFlags: []string{"--output-format", "text", "--approval-mode", "yolo"},
	},
	config.AgentTypeClaude: {
		extraFlags: []string{"--output-format", "text", "--print", "--dangerously-skip-permissions"},
	},
}

const inputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "session_id": { "type": "string" },
    "turn": { "type": "integer" },
    "step": { "type": "integer" },
    "budget": { "type": "integer" },
    "task": { "type": "string" },
    "work_dir": { "type": "string" },
    "previous": { "type": "string" }
  },
  "required": ["session_id", "turn", "step", "budget", "task"]
}`

const outputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "status": { "type": "string", "enum": ["done", "continue", "failed"] },
    "output": { "type": "string" },
    "error": { "type": "string" }
  },
  "required": ["status"]
}`

// ExecAgent runs a code agent CLI once per sub-step.
type ExecAgent struct {
	cmd     []string
	model   string
	runRoot string
	runner  ainvoke.Runner
}

// NewExecAgent builds the collaborator described by cfg. Each sub-step gets
// its own directory under runRoot.
func NewExecAgent(cfg config.CodeAgentConfig, runRoot string) (*ExecAgent, error) {
	var cmd []string
	if cfg.Type == config.AgentTypeExec {
		if len(cfg.Cmd) == 0 {
			return nil, fmt.Errorf("exec code agent requires cmd")
		}
		cmd = cfg.Cmd
	} else if spec, ok := agentSpecs[cfg.Type]; ok {
		cmd = prepareCmd(cfg.Type, spec, cfg.Model)
	} else {
		return nil, fmt.Errorf("unknown code agent type %q", cfg.Type)
	}

	useTTY := false
	if cfg.UseTTY != nil {
		useTTY = *cfg.UseTTY
	}
	runner, err := ainvoke.NewRunner(ainvoke.AgentConfig{Cmd: cmd, UseTTY: useTTY})
	if err != nil {
		return nil, fmt.Errorf("code agent runner: %w", err)
	}
	return &ExecAgent{cmd: cmd, model: cfg.Model, runRoot: runRoot, runner: runner}, nil
}

func prepareCmd(base string, spec agentSpec, model string) []string {
	out := []string{base}
	if spec.defaultSubcommand != "" {
		out = append(out, spec.defaultSubcommand)
	}
	if model != "" {
		out = append(out, "--model", model)
	}
	return append(out, spec.extraFlags...)
}

// Cmd returns the resolved command line.
func (a *ExecAgent) Cmd() []string { return append([]string(nil), a.cmd...) }

// Delegate implements Collaborator.
func (a *ExecAgent) Delegate(ctx context.Context, req Request) (Reply, error) {
	dir := filepath.Join(a.runRoot, req.SessionID, fmt.Sprintf("turn-%03d-step-%02d", req.Turn, req.Step))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Reply{}, fmt.Errorf("create step dir: %w", err)
	}

	var stderr bytes.Buffer
	out, _, exitCode, err := a.runner.Run(ctx, ainvoke.Invocation{
		RunDir:       dir,
		SystemPrompt: prompt(req, a.model),
		Input:        req,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}, ainvoke.WithStderr(&stderr))
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Reply{}, fmt.Errorf("code agent exited with code %d: %s", exitCode, msg)
	}

	var reply Reply
	if err := json.Unmarshal(out, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode code agent output: %w", err)
	}
	return reply, nil
}

func prompt(req Request, modelName string) string {
	var b strings.Builder
	b.WriteString("You are a code agent working for a desktop automation agent.\n")
	b.WriteString("- Carry out the task in 'task' using files and programs only. Do not touch the GUI.\n")
	if req.WorkDir != "" {
		b.WriteString("- Work in 'work_dir'.\n")
	}
	fmt.Fprintf(&b, "- This is step %d of at most %d. 'previous' holds your output from the prior step.\n", req.Step, req.Budget)
	b.WriteString("- Use status='done' when the task is finished, 'continue' when another step is needed, 'failed' when it cannot be done.\n")
	b.WriteString("- Put a short summary of what changed in 'output'.\n")
	if modelName != "" {
		b.WriteString("- Use model hint: ")
		b.WriteString(modelName)
		b.WriteString(" (if relevant).\n")
	}
	return b.String()
}
