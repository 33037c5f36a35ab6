// Package ports defines the dispatch boundary between the provider
// router and its backend implementations.
package ports

import "context"

// AuthMode is how a backend is reached.
type AuthMode string

const (
	AuthAPIKey           AuthMode = "api_key"
	AuthCLIOAuth         AuthMode = "cli_oauth"
	AuthOpenAICompatible AuthMode = "openai_compatible"
	AuthMock             AuthMode = "mock"
)

// Profile is a named credential/auth-mode slot for one provider.
type Profile struct {
	ID           string            `json:"id"`
	Provider     string            `json:"provider"`
	AuthMode     AuthMode          `json:"auth_mode"`
	Enabled      bool              `json:"enabled"`
	APIKey       string            `json:"api_key,omitempty"`
	BaseURL      string            `json:"base_url,omitempty"`
	Organization string            `json:"organization,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Redacted returns a copy safe for external exposure: any secret is
// replaced with a fixed placeholder.
func (p Profile) Redacted() Profile {
	out := p
	if out.APIKey != "" {
		out.APIKey = "********"
	}
	return out
}

// Message is one transcript entry handed to a backend.
type Message struct {
	Role    string `json:"role"`
	Speaker string `json:"speaker,omitempty"`
	Content string `json:"content"`
}

// Options carries per-request knobs. MaxRetries overrides the router
// default when non-nil.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	MaxRetries  *int    `json:"max_retries,omitempty"`
}

// Request is a normalized inference request. ResumeSessionID is the
// backend's own session/thread id when the router has one cached for
// this conversation.
type Request struct {
	Provider        string         `json:"provider"`
	Model           string         `json:"model"`
	Messages        []Message      `json:"messages"`
	System          string         `json:"system,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Options         Options        `json:"options"`
	ProfileID       string         `json:"profile_id,omitempty"`
	ResumeSessionID string         `json:"-"`
}

// Response is the normalized backend result. Meta carries
// observability fields (attempt, retries, latency_ms, degraded,
// warnings, session ids) and never affects content.
type Response struct {
	Content   string         `json:"content"`
	Artifacts []any          `json:"artifacts"`
	Meta      map[string]any `json:"meta"`
}

// Backend executes one inference attempt against a resolved profile.
// Backends may fail; converting failure into a degraded response is
// the router's job, not theirs.
type Backend interface {
	Send(ctx context.Context, req Request, profile Profile) (Response, error)
}
