package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/metalagman/deskloop/internal/model"
	"github.com/rs/zerolog/log"
)

// CommandCapturer runs a screenshot command that writes an image to stdout.
type CommandCapturer struct {
	Cmd    []string
	MaxDim int
}

// Capture implements Capturer.
func (c *CommandCapturer) Capture(ctx context.Context) (model.Observation, error) {
	if len(c.Cmd) == 0 {
		return model.Observation{}, fmt.Errorf("%w: no capture command", ErrUnavailable)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Cmd[0], c.Cmd[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	startedAt := time.Now()
	if err := cmd.Run(); err != nil {
		log.Debug().Str("stderr", strings.TrimSpace(stderr.String())).Msg("capture command failed")
		return model.Observation{}, fmt.Errorf("%w: run %s: %v", ErrUnavailable, c.Cmd[0], err)
	}
	log.Debug().Dur("duration", time.Since(startedAt)).Int("bytes", stdout.Len()).Msg("frame captured")
	return Normalize(stdout.Bytes(), c.MaxDim, startedAt)
}

// FileCapturer reads the current frame from an image file. It serves replays
// and headless environments where another process maintains the file.
type FileCapturer struct {
	Path   string
	MaxDim int
}

// Capture implements Capturer.
func (c *FileCapturer) Capture(ctx context.Context) (model.Observation, error) {
	if err := ctx.Err(); err != nil {
		return model.Observation{}, err
	}
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return model.Observation{}, fmt.Errorf("%w: read %s: %v", ErrUnavailable, c.Path, err)
	}
	info, err := os.Stat(c.Path)
	capturedAt := time.Now()
	if err == nil {
		capturedAt = info.ModTime()
	}
	return Normalize(raw, c.MaxDim, capturedAt)
}
