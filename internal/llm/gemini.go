package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/metalagman/deskloop/internal/model"
	"google.golang.org/genai"
)

// GeminiClient talks to the Gemini API.
type GeminiClient struct {
	model  string
	client *genai.Client
}

// NewGeminiClient constructs a client from rc.
func NewGeminiClient(ctx context.Context, rc model.Context, httpClient *http.Client) (*GeminiClient, error) {
	if rc.Credential().Empty() {
		return nil, fmt.Errorf("gemini api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:     rc.Credential().Reveal(),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if rc.Endpoint() != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: rc.Endpoint()}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}
	return &GeminiClient{model: rc.Model(), client: c}, nil
}

// Send implements Client.
func (c *GeminiClient) Send(ctx context.Context, history []model.Message, message model.Message, opts SendOptions) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		contents = append(contents, geminiContent(m))
	}
	contents = append(contents, geminiContent(message))

	cfg := &genai.GenerateContentConfig{}
	if opts.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.System, genai.RoleUser)
	}
	if opts.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.Code, fmt.Errorf("gemini generate: %w", err))
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return "", classifyStatus(apiErrPtr.Code, fmt.Errorf("gemini generate: %w", err))
		}
		return "", classifyTransport(ctx, fmt.Errorf("gemini generate: %w", err))
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", fmt.Errorf("gemini: empty response")
	}
	return out, nil
}

func geminiContent(m model.Message) *genai.Content {
	parts := []*genai.Part{genai.NewPartFromText(m.Text)}
	if len(m.Image) > 0 {
		mediaType := m.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		parts = append(parts, genai.NewPartFromBytes(m.Image, mediaType))
	}
	var role genai.Role = genai.RoleUser
	if m.Role == model.RoleAssistant {
		role = genai.RoleModel
	}
	return genai.NewContentFromParts(parts, role)
}
