package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/metalagman/deskloop/internal/model"
	"github.com/ollama/ollama/api"
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	model  string
	client *api.Client
}

// NewOllamaClient constructs a client from rc. Without an endpoint the
// OLLAMA_HOST environment is used.
func NewOllamaClient(rc model.Context, httpClient *http.Client) (*OllamaClient, error) {
	if rc.Endpoint() == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client from environment: %w", err)
		}
		return &OllamaClient{model: rc.Model(), client: c}, nil
	}
	u, err := url.Parse(rc.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("ollama: bad host %q: %w", rc.Endpoint(), err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaClient{model: rc.Model(), client: api.NewClient(u, httpClient)}, nil
}

// Send implements Client.
func (c *OllamaClient) Send(ctx context.Context, history []model.Message, message model.Message, opts SendOptions) (string, error) {
	messages := make([]api.Message, 0, len(history)+2)
	if opts.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: opts.System})
	}
	for _, m := range history {
		messages = append(messages, ollamaMessage(m))
	}
	messages = append(messages, ollamaMessage(message))

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
	}
	if opts.JSON {
		req.Format = json.RawMessage(`"json"`)
	}
	var out strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return "", classifyStatus(statusErr.StatusCode, fmt.Errorf("ollama chat: %w", err))
		}
		return "", classifyTransport(ctx, fmt.Errorf("ollama chat: %w", err))
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("ollama: empty response")
	}
	return text, nil
}

func ollamaMessage(m model.Message) api.Message {
	msg := api.Message{Role: m.Role, Content: m.Text}
	if len(m.Image) > 0 {
		msg.Images = []api.ImageData{m.Image}
	}
	return msg
}
