package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/metalagman/deskloop/internal/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint,
// OpenRouter included.
type OpenAIClient struct {
	model  string
	client openai.Client
}

// NewOpenAIClient constructs a client from rc. The endpoint may be given with
// or without the trailing /chat/completions path.
func NewOpenAIClient(rc model.Context, httpClient *http.Client) (*OpenAIClient, error) {
	if rc.Credential().Empty() {
		return nil, fmt.Errorf("openai api key is required")
	}
	baseURL := strings.TrimRight(rc.Endpoint(), "/")
	baseURL = strings.TrimSuffix(baseURL, "/chat/completions")

	opts := []option.RequestOption{
		option.WithAPIKey(rc.Credential().Reveal()),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIClient{
		model:  rc.Model(),
		client: openai.NewClient(opts...),
	}, nil
}

// Send implements Client.
func (c *OpenAIClient) Send(ctx context.Context, history []model.Message, message model.Message, opts SendOptions) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if opts.System != "" {
		messages = append(messages, openai.SystemMessage(opts.System))
	}
	for _, m := range history {
		messages = append(messages, openAIMessage(m))
	}
	messages = append(messages, openAIMessage(message))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if opts.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.StatusCode, fmt.Errorf("openai chat completion: %w", err))
		}
		return "", classifyTransport(ctx, fmt.Errorf("openai chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai response contained no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("openai response did not contain output text")
	}
	return out, nil
}

func openAIMessage(m model.Message) openai.ChatCompletionMessageParamUnion {
	if m.Role == model.RoleAssistant {
		return openai.AssistantMessage(m.Text)
	}
	if len(m.Image) == 0 {
		return openai.UserMessage(m.Text)
	}
	return openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(m.Text),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(m),
		}),
	})
}

func dataURL(m model.Message) string {
	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(m.Image)
}
