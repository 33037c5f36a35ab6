package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribe-labs/scribe-salon/scribe/router/adapters"
	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

// Backends holds the concrete backend set the router dispatches to.
type Backends struct {
	Codex            ports.Backend
	Claude           ports.Backend
	AnthropicHTTP    ports.Backend
	OpenAICompatible ports.Backend
	Mock             ports.Backend
}

// NewDefaultBackends wires the production backend set: both CLI
// bridges, both HTTP clients, and the mock.
func NewDefaultBackends(cliTimeout, httpTimeout time.Duration, logger zerolog.Logger) Backends {
	return Backends{
		Codex:            adapters.NewCodexCLI(cliTimeout, logger, nil),
		Claude:           adapters.NewClaudeCLI(cliTimeout, logger, nil),
		AnthropicHTTP:    adapters.NewAnthropicHTTP(httpTimeout, logger, nil),
		OpenAICompatible: adapters.NewOpenAICompatible(httpTimeout, logger, nil),
		Mock:             adapters.NewMock(),
	}
}

// Router resolves a profile for each request, dispatches to the
// matching backend with bounded retries, and degrades to a mock
// response when everything fails. Send never returns an error: a turn
// always produces a response.
type Router struct {
	profiles   *ProfileStore
	affinity   *AffinityMap
	backends   Backends
	maxRetries int
	logger     zerolog.Logger
}

// NewRouter builds a router. defaultRetries is clamped to [0, 3] and
// can be overridden per request through options.
func NewRouter(profiles *ProfileStore, affinity *AffinityMap, backends Backends, defaultRetries int, logger zerolog.Logger) *Router {
	return &Router{
		profiles:   profiles,
		affinity:   affinity,
		backends:   backends,
		maxRetries: clampRetries(defaultRetries),
		logger:     logger.With().Str("component", "router").Logger(),
	}
}

func clampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > 3 {
		return 3
	}
	return n
}

// Send dispatches one inference request. The response always carries
// attempt/retries/latency_ms metadata; failures surface as a degraded
// mock response, never as an error.
func (r *Router) Send(ctx context.Context, req ports.Request) ports.Response {
	start := time.Now()

	resolvedModel := ResolveModel(req.Provider, req.Model)
	requestedModel := req.Model
	req.Model = resolvedModel

	retries := r.maxRetries
	if req.Options.MaxRetries != nil {
		retries = clampRetries(*req.Options.MaxRetries)
	}

	profile, ok := r.profiles.Resolve(req.Provider, req.ProfileID)
	if !ok {
		reason := fmt.Sprintf("no enabled profile for provider %q", req.Provider)
		if req.ProfileID != "" {
			reason = fmt.Sprintf("profile %q is missing or disabled", req.ProfileID)
		}
		r.logger.Warn().Str("provider", req.Provider).Str("profile_id", req.ProfileID).Msg(reason)
		return r.degrade(ctx, req, requestedModel, resolvedModel, "", retries, 0, start, []string{reason})
	}

	affinityKey := r.affinityKeyFor(req, profile)
	if affinityKey != "" {
		if sessionID, ok := r.affinity.Get(affinityKey); ok {
			req.ResumeSessionID = sessionID
		}
	}

	var warnings []string
	for attempt := 1; attempt <= retries; attempt++ {
		backend, dispatchProfile, err := r.backendFor(profile)
		if err == nil {
			var resp ports.Response
			resp, err = backend.Send(ctx, req, dispatchProfile)
			if err == nil {
				r.rememberAffinity(affinityKey, resp)
				return r.finish(resp, requestedModel, resolvedModel, profile.ID, retries, attempt, start, warnings)
			}
		}

		warnings = append(warnings, fmt.Sprintf("attempt %d: %v", attempt, err))
		r.logger.Warn().
			Err(err).
			Str("provider", req.Provider).
			Str("model", resolvedModel).
			Int("attempt", attempt).
			Int("retries", retries).
			Msg("provider attempt failed")
	}

	return r.degrade(ctx, req, requestedModel, resolvedModel, profile.ID, retries, retries, start, warnings)
}

// backendFor maps a profile's auth mode to a backend. CLI profiles
// pick their bridge by declared command, falling back to provider.
// api_key OpenAI dispatch goes through the compatible client with the
// hosted base URL filled in when the profile leaves it blank.
func (r *Router) backendFor(profile ports.Profile) (ports.Backend, ports.Profile, error) {
	switch profile.AuthMode {
	case ports.AuthMock:
		return r.backends.Mock, profile, nil
	case ports.AuthOpenAICompatible:
		return r.backends.OpenAICompatible, profile, nil
	case ports.AuthAPIKey:
		if profile.Provider == "anthropic" {
			return r.backends.AnthropicHTTP, profile, nil
		}
		if profile.BaseURL == "" {
			profile.BaseURL = "https://api.openai.com/v1"
		}
		return r.backends.OpenAICompatible, profile, nil
	case ports.AuthCLIOAuth:
		command := profile.Metadata["command"]
		if command == "claude" || (command == "" && profile.Provider == "anthropic") {
			return r.backends.Claude, profile, nil
		}
		return r.backends.Codex, profile, nil
	default:
		return nil, profile, fmt.Errorf("unknown auth mode %q on profile %s", profile.AuthMode, profile.ID)
	}
}

func (r *Router) affinityKeyFor(req ports.Request, profile ports.Profile) string {
	if profile.AuthMode != ports.AuthCLIOAuth {
		return ""
	}
	externalSessionID, _ := req.Context["session_id"].(string)
	if externalSessionID == "" {
		return ""
	}
	return AffinityKey(req.Provider, req.Model, profile.ID, externalSessionID)
}

func (r *Router) rememberAffinity(key string, resp ports.Response) {
	if key == "" {
		return
	}
	if sessionID, _ := resp.Meta["cli_session_id"].(string); sessionID != "" {
		r.affinity.Put(key, sessionID)
	}
}

func (r *Router) finish(resp ports.Response, requestedModel, resolvedModel, profileID string, retries, attempt int, start time.Time, warnings []string) ports.Response {
	if resp.Meta == nil {
		resp.Meta = map[string]any{}
	}
	resp.Meta["attempt"] = attempt
	resp.Meta["retries"] = retries
	resp.Meta["latency_ms"] = time.Since(start).Milliseconds()
	resp.Meta["profile_id"] = profileID
	if requestedModel != resolvedModel {
		resp.Meta["resolved_model"] = resolvedModel
	}
	if len(warnings) > 0 {
		resp.Meta["warnings"] = warnings
	}
	if resp.Artifacts == nil {
		resp.Artifacts = []any{}
	}
	return resp
}

// degrade synthesizes the mock-fallback response after resolution or
// retry exhaustion. The fallback marker makes degradation visible in
// transcripts and meta carries the full diagnosis.
func (r *Router) degrade(ctx context.Context, req ports.Request, requestedModel, resolvedModel, profileID string, retries, attempt int, start time.Time, warnings []string) ports.Response {
	mockResp, err := r.backends.Mock.Send(ctx, req, ports.Profile{ID: "mock:fallback", Provider: "mock", AuthMode: ports.AuthMock})
	if err != nil {
		// The mock backend cannot fail today; guard anyway.
		mockResp = ports.Response{Content: "", Artifacts: []any{}, Meta: map[string]any{}}
	}

	content := adapters.FallbackMarker
	if mockResp.Content != "" {
		content = adapters.FallbackMarker + " " + mockResp.Content
	}

	errorMsg := "provider dispatch failed"
	if len(warnings) > 0 {
		errorMsg = warnings[len(warnings)-1]
	}

	resp := ports.Response{
		Content:   content,
		Artifacts: []any{},
		Meta: map[string]any{
			"bridge":     "mock",
			"degraded":   true,
			"error":      errorMsg,
			"attempt":    attempt,
			"retries":    retries,
			"latency_ms": time.Since(start).Milliseconds(),
			"warnings":   warnings,
			"profile_id": profileID,
		},
	}
	if requestedModel != resolvedModel {
		resp.Meta["resolved_model"] = resolvedModel
	}

	r.logger.Warn().
		Str("provider", req.Provider).
		Str("model", resolvedModel).
		Int("retries", retries).
		Msg("degraded to mock fallback")
	return resp
}
