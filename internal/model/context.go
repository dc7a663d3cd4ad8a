package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	// DefaultProvider is the backend used when none is configured.
	DefaultProvider = "openai"
	// DefaultModel is the model identifier used when none is configured.
	DefaultModel = "google/gemini-2.5-flash-preview-09-2025"
	// DefaultEndpoint is the OpenAI-compatible endpoint used when none is configured.
	DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	// DefaultCredentialEnv names the environment variable holding the credential.
	DefaultCredentialEnv = "API_KEY"
)

const redacted = "[REDACTED]"

// Credential is a secret that never renders in clear text.
type Credential string

// Reveal returns the raw secret. Only model clients should call it.
func (c Credential) Reveal() string { return string(c) }

// Empty reports whether the credential is unset.
func (c Credential) Empty() bool { return strings.TrimSpace(string(c)) == "" }

func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from leaking the secret.
func (c Credential) GoString() string { return c.String() }

// MarshalJSON implements json.Marshaler.
func (c Credential) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

// MarshalText implements encoding.TextMarshaler.
func (c Credential) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Context is the immutable per-run model configuration. It is built once at
// run start and shared read-only by every step.
type Context struct {
	provider   string
	model      string
	credential Credential
	endpoint   string
}

// ContextOptions are the raw inputs for NewContext.
type ContextOptions struct {
	Provider      string
	Model         string
	Credential    string
	CredentialEnv string
	Endpoint      string
}

// NewContext validates opts and returns a Context. Empty fields fall back to
// the defaults; an empty credential is read from CredentialEnv.
func NewContext(opts ContextOptions) (Context, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = DefaultProvider
	}
	switch provider {
	case "openai", "gemini", "ollama":
	default:
		return Context{}, fmt.Errorf("unsupported model provider %q", opts.Provider)
	}

	name := strings.TrimSpace(opts.Model)
	if name == "" {
		name = DefaultModel
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" && provider == DefaultProvider {
		endpoint = DefaultEndpoint
	}
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Context{}, fmt.Errorf("invalid model endpoint %q", endpoint)
		}
	}

	secret := strings.TrimSpace(opts.Credential)
	if secret == "" {
		env := strings.TrimSpace(opts.CredentialEnv)
		if env == "" {
			env = DefaultCredentialEnv
		}
		secret = strings.TrimSpace(os.Getenv(env))
	}
	if secret == "" && provider != "ollama" {
		return Context{}, fmt.Errorf("model credential is required for provider %q", provider)
	}

	return Context{
		provider:   provider,
		model:      name,
		credential: Credential(secret),
		endpoint:   endpoint,
	}, nil
}

// Provider returns the backend kind: openai, gemini or ollama.
func (c Context) Provider() string { return c.provider }

// Model returns the model identifier.
func (c Context) Model() string { return c.model }

// Credential returns the secret credential.
func (c Context) Credential() Credential { return c.credential }

// Endpoint returns the backend URL, possibly empty for provider defaults.
func (c Context) Endpoint() string { return c.endpoint }

func (c Context) String() string {
	return fmt.Sprintf("%s/%s@%s", c.provider, c.model, c.endpoint)
}
