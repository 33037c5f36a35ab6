package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// AffinityMap caches backend-issued session/thread ids so a resumed
// conversation reuses the provider's own session instead of re-sending
// the full history. Entries are keyed by
// "{provider}|{model}|{profile_id}|{external_session_id}" and the map
// is persisted as JSON so affinity survives restarts. All access is
// serialized; provider calls touch this map concurrently.
type AffinityMap struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
	logger  zerolog.Logger
}

// NewAffinityMap loads the persisted map from path, starting empty if
// the file is missing or unreadable.
func NewAffinityMap(path string, logger zerolog.Logger) *AffinityMap {
	m := &AffinityMap{
		path:    path,
		entries: make(map[string]string),
		logger:  logger.With().Str("component", "router").Str("store", "affinity").Logger(),
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &m.entries); jsonErr != nil {
			m.logger.Warn().Err(jsonErr).Msg("affinity file unreadable, starting empty")
			m.entries = make(map[string]string)
		}
	}
	return m
}

// AffinityKey builds the composite cache key.
func AffinityKey(provider, model, profileID, externalSessionID string) string {
	return strings.Join([]string{provider, model, profileID, externalSessionID}, "|")
}

// Get returns the cached backend session id for a key.
func (m *AffinityMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.entries[key]
	return id, ok
}

// Put stores a backend session id and persists the map. Persistence
// failures are logged, not returned: losing affinity only costs a
// fresh backend session.
func (m *AffinityMap) Put(key, sessionID string) {
	if sessionID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[key] == sessionID {
		return
	}
	m.entries[key] = sessionID

	if err := m.persistLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("could not persist affinity map")
	}
}

// Len reports how many affinity entries are cached.
func (m *AffinityMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *AffinityMap) persistLocked() error {
	payload, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create affinity dir: %w", err)
		}
	}
	return os.WriteFile(m.path, payload, 0o600)
}
