// Package capture provides screen-capture collaborators.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"time"

	"github.com/metalagman/deskloop/internal/config"
	"github.com/metalagman/deskloop/internal/model"
	"golang.org/x/image/draw"
)

// MaxDimSize caps the longest side of a captured frame.
const MaxDimSize = 2400

// ErrUnavailable reports that no frame could be captured.
var ErrUnavailable = errors.New("screen capture unavailable")

// Capturer returns the current frame.
type Capturer interface {
	Capture(ctx context.Context) (model.Observation, error)
}

// New builds the capturer described by cfg.
func New(cfg config.CaptureConfig) (Capturer, error) {
	maxDim := cfg.MaxDim
	if maxDim <= 0 {
		maxDim = MaxDimSize
	}
	switch cfg.Type {
	case config.CaptureTypeCommand:
		if len(cfg.Cmd) == 0 {
			return nil, fmt.Errorf("command capture requires cmd")
		}
		return &CommandCapturer{Cmd: cfg.Cmd, MaxDim: maxDim}, nil
	case config.CaptureTypeFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file capture requires path")
		}
		return &FileCapturer{Path: cfg.Path, MaxDim: maxDim}, nil
	default:
		return nil, fmt.Errorf("unknown capture type %q", cfg.Type)
	}
}

// ScaleDimensions fits width x height into maxDim without upscaling.
func ScaleDimensions(width, height, maxDim int) (int, int) {
	if width <= 0 || height <= 0 || maxDim <= 0 {
		return width, height
	}
	scale := min(float64(maxDim)/float64(width), float64(maxDim)/float64(height), 1)
	return int(float64(width) * scale), int(float64(height) * scale)
}

// Normalize decodes raw, scales it to maxDim and re-encodes it as PNG.
func Normalize(raw []byte, maxDim int, capturedAt time.Time) (model.Observation, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return model.Observation{}, fmt.Errorf("%w: decode frame: %v", ErrUnavailable, err)
	}
	bounds := src.Bounds()
	width, height := ScaleDimensions(bounds.Dx(), bounds.Dy(), maxDim)
	if width <= 0 || height <= 0 {
		return model.Observation{}, fmt.Errorf("%w: empty frame", ErrUnavailable)
	}

	img := src
	if width != bounds.Dx() || height != bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return model.Observation{}, fmt.Errorf("encode frame: %w", err)
	}
	return model.Observation{
		Image:      buf.Bytes(),
		MediaType:  "image/png",
		Width:      width,
		Height:     height,
		CapturedAt: capturedAt.UTC(),
	}, nil
}
