package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metalagman/deskloop/internal/model"
	"github.com/rs/zerolog/log"
)

// Factory builds a client for a model context.
type Factory func(rc model.Context) (Client, error)

// NewClient is the default Factory; it selects the backend by provider.
func NewClient(rc model.Context) (Client, error) {
	switch rc.Provider() {
	case "openai":
		return NewOpenAIClient(rc, nil)
	case "gemini":
		return NewGeminiClient(context.Background(), rc, nil)
	case "ollama":
		return NewOllamaClient(rc, nil)
	default:
		return nil, fmt.Errorf("unsupported model provider %q", rc.Provider())
	}
}

// Provision intercepts every request and substitutes the client built from
// rc. The client is constructed on first use and reused for the run.
func Provision(rc model.Context, factory Factory) Middleware {
	var (
		once   sync.Once
		client Client
		err    error
	)
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (string, error) {
			once.Do(func() {
				client, err = factory(rc)
			})
			if err != nil {
				return "", fmt.Errorf("provision %s client: %w", rc.Provider(), err)
			}
			return next(ctx, req.WithClient(client))
		}
	}
}

// Options configure the per-run pipeline.
type Options struct {
	CallTimeout       time.Duration
	Retry             RetryPolicy
	RequestsPerMinute int
	Factory           Factory
}

// NewPipeline composes the handler every reasoning step uses for one run.
func NewPipeline(rc model.Context, opts Options) Handler {
	factory := opts.Factory
	if factory == nil {
		factory = NewClient
	}
	mws := []Middleware{Logging(log.Logger.With().Str("model", rc.Model()).Logger())}
	if opts.RequestsPerMinute > 0 {
		mws = append(mws, RateLimit(opts.RequestsPerMinute))
	}
	mws = append(mws, Retry(opts.Retry))
	if opts.CallTimeout > 0 {
		mws = append(mws, Timeout(opts.CallTimeout))
	}
	mws = append(mws, Provision(rc, factory))
	return Chain(Dispatch, mws...)
}
