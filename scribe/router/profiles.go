package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

// ProfileStore is a file-backed registry of provider profiles. When
// the file is missing or unreadable a default set is synthesized and
// written back, so the router always has something to resolve against.
type ProfileStore struct {
	mu       sync.RWMutex
	path     string
	profiles map[string]ports.Profile

	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  zerolog.Logger
}

// NewProfileStore loads profiles from path, synthesizing defaults if
// needed. With watch enabled, external edits to the file are picked up
// without a restart.
func NewProfileStore(path string, watch bool, logger zerolog.Logger) (*ProfileStore, error) {
	s := &ProfileStore{
		path:   path,
		logger: logger.With().Str("component", "router").Str("store", "profiles").Logger(),
	}
	s.profiles = s.load()

	if watch {
		if err := s.startWatcher(); err != nil {
			return nil, fmt.Errorf("watch profiles: %w", err)
		}
	}
	return s, nil
}

// defaultProfiles mirrors the out-of-box setup: subscription CLI
// bridges for the two hosted providers, a local OpenAI-compatible
// endpoint, and the offline mock.
func defaultProfiles() map[string]ports.Profile {
	localBase := os.Getenv("LOCAL_OPENAI_BASE_URL")
	if localBase == "" {
		localBase = "http://127.0.0.1:11434/v1"
	}
	localKey := os.Getenv("LOCAL_OPENAI_API_KEY")
	if localKey == "" {
		localKey = "local-dev"
	}

	return map[string]ports.Profile{
		"anthropic:default": {
			ID:       "anthropic:default",
			Provider: "anthropic",
			AuthMode: ports.AuthCLIOAuth,
			Enabled:  true,
			APIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			Metadata: map[string]string{
				"command": "claude",
				"notes":   "Claude subscription OAuth via the claude CLI",
			},
		},
		"openai:default": {
			ID:           "openai:default",
			Provider:     "openai",
			AuthMode:     ports.AuthCLIOAuth,
			Enabled:      true,
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			Organization: os.Getenv("OPENAI_ORG_ID"),
			Metadata: map[string]string{
				"command": "codex",
				"notes":   "ChatGPT/Codex subscription OAuth via Codex CLI",
			},
		},
		"local:gpt-oss": {
			ID:       "local:gpt-oss",
			Provider: "local",
			AuthMode: ports.AuthOpenAICompatible,
			Enabled:  true,
			APIKey:   localKey,
			BaseURL:  localBase,
			Metadata: map[string]string{
				"notes": "Local OpenAI-compatible endpoint (Ollama/vLLM/llama.cpp)",
			},
		},
		"mock:default": {
			ID:       "mock:default",
			Provider: "mock",
			AuthMode: ports.AuthMock,
			Enabled:  true,
			Metadata: map[string]string{"notes": "Safe offline fallback for development"},
		},
	}
}

type profileFile struct {
	Profiles []ports.Profile `json:"profiles"`
}

func (s *ProfileStore) load() map[string]ports.Profile {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		defaults := defaultProfiles()
		if writeErr := s.write(defaults); writeErr != nil {
			s.logger.Warn().Err(writeErr).Msg("could not persist default profiles")
		}
		return defaults
	}

	var doc profileFile
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Profiles) == 0 {
		// Also accept a bare list of profile records.
		var list []ports.Profile
		if listErr := json.Unmarshal(raw, &list); listErr == nil && len(list) > 0 {
			doc.Profiles = list
		}
	}

	profiles := make(map[string]ports.Profile)
	for _, p := range doc.Profiles {
		if p.ID == "" || p.Provider == "" {
			continue
		}
		profiles[p.ID] = p
	}
	if len(profiles) == 0 {
		profiles = defaultProfiles()
		if writeErr := s.write(profiles); writeErr != nil {
			s.logger.Warn().Err(writeErr).Msg("could not persist default profiles")
		}
	}
	return profiles
}

func (s *ProfileStore) write(profiles map[string]ports.Profile) error {
	doc := profileFile{Profiles: sortedProfiles(profiles)}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, payload, 0o600)
}

func sortedProfiles(profiles map[string]ports.Profile) []ports.Profile {
	out := make([]ports.Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns all profiles sorted by id, redacting secrets unless
// told otherwise.
func (s *ProfileStore) List(redact bool) []ports.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := sortedProfiles(s.profiles)
	if redact {
		for i := range out {
			out[i] = out[i].Redacted()
		}
	}
	return out
}

// Get looks up one profile by id.
func (s *ProfileStore) Get(id string) (ports.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// Resolve finds the profile a request should use. An explicit profile
// id must exist and be enabled or resolution fails outright. Without
// one, "{provider}:default" wins, then any enabled profile for the
// provider (by id order, so resolution is deterministic).
func (s *ProfileStore) Resolve(provider, profileID string) (ports.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if profileID != "" {
		p, ok := s.profiles[profileID]
		if ok && p.Enabled {
			return p, true
		}
		return ports.Profile{}, false
	}

	if p, ok := s.profiles[provider+":default"]; ok && p.Enabled {
		return p, true
	}

	for _, p := range sortedProfiles(s.profiles) {
		if p.Enabled && p.Provider == provider {
			return p, true
		}
	}
	return ports.Profile{}, false
}

// Upsert inserts or replaces a profile and persists the registry.
func (s *ProfileStore) Upsert(id string, profile ports.Profile) (ports.Profile, error) {
	if id == "" || profile.Provider == "" {
		return ports.Profile{}, fmt.Errorf("profile id and provider are required")
	}
	profile.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[id] = profile
	if err := s.write(s.profiles); err != nil {
		return ports.Profile{}, fmt.Errorf("persist profiles: %w", err)
	}
	s.logger.Info().Str("profile_id", id).Str("provider", profile.Provider).Msg("profile upserted")
	return profile, nil
}

func (s *ProfileStore) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded := s.load()
				s.mu.Lock()
				s.profiles = reloaded
				s.mu.Unlock()
				s.logger.Info().Int("profiles", len(reloaded)).Msg("profiles reloaded from disk")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("profile watcher error")
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (s *ProfileStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}
