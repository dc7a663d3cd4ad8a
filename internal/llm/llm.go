// Package llm connects the reasoning steps to a model backend.
//
// Steps never hold a concrete client. They build a Request and pass it to a
// Handler; the per-run middleware chain substitutes the client described by
// the run's model.Context right before dispatch.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/metalagman/deskloop/internal/model"
)

var (
	// ErrAuthentication reports rejected credentials. It is never retried.
	ErrAuthentication = errors.New("model authentication failed")
	// ErrTransient reports a failure worth retrying (network, 429, 5xx).
	ErrTransient = errors.New("transient model error")
	// ErrTimeout reports a call that exceeded the per-call timeout.
	ErrTimeout = errors.New("model call timed out")
	// ErrNoClient reports a request that reached dispatch without a client.
	ErrNoClient = errors.New("no model client provisioned")
)

// SendOptions are per-call hints for a backend.
type SendOptions struct {
	System string
	JSON   bool
}

// Client sends a new message after a history of prior exchanges.
type Client interface {
	Send(ctx context.Context, history []model.Message, message model.Message, opts SendOptions) (string, error)
}

// Request is one outgoing model call.
type Request struct {
	Step    string
	System  string
	History []model.Message
	Message model.Message
	JSON    bool
	Client  Client
}

// WithClient returns a copy of r bound to c.
func (r Request) WithClient(c Client) Request {
	r.Client = c
	return r
}

// Handler executes a Request.
type Handler func(ctx context.Context, req Request) (string, error)

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain wraps h so that mws[0] is the outermost middleware.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Dispatch is the terminal handler: it sends req through its client.
func Dispatch(ctx context.Context, req Request) (string, error) {
	if req.Client == nil {
		return "", ErrNoClient
	}
	return req.Client.Send(ctx, req.History, req.Message, SendOptions{System: req.System, JSON: req.JSON})
}

// classifyStatus wraps err with the sentinel matching an HTTP status code.
func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return err
	}
}

// classifyTransport handles errors that carry no status code.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
