// Package store persists shared session transcripts and memory in an
// embedded WAL-mode database, so concurrent readers are never blocked
// by an in-flight writer. Writes are last-writer-wins per session id.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// memoryListLimit caps each memory list after dedup.
const memoryListLimit = 25

// Memory is the normalized shared-memory structure attached to a
// session: a short summary plus deduplicated, capped note lists.
type Memory struct {
	Summary         string   `json:"summary"`
	KeyFacts        []string `json:"key_facts"`
	UserPreferences []string `json:"user_preferences"`
	AgentNotes      []string `json:"agent_notes"`
	UpdatedAt       string   `json:"updated_at,omitempty"`
}

// Message is one transcript entry as persisted.
type Message struct {
	Role      string         `json:"role"`
	Speaker   string         `json:"speaker,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Session is the full stored state for one session id.
type Session struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	Memory    Memory    `json:"memory"`
	UpdatedAt string    `json:"updated_at,omitempty"`
}

// MemoryUpdate is a PATCH-style memory change. Nil fields are left
// alone; with Merge false the memory is reset before applying.
type MemoryUpdate struct {
	Summary         *string
	KeyFacts        *[]string
	UserPreferences *[]string
	AgentNotes      *[]string
	Merge           bool
}

// Store is the durable shared-session store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (creating if needed) the embedded database under dataDir
// and runs pending migrations.
func New(dataDir, dbName string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create data directory %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, dbName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		file, createErr := os.Create(dbPath)
		if createErr != nil {
			return nil, fmt.Errorf("could not create db at %s: %w", dbPath, createErr)
		}
		file.Close()
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	s.logger.Info().Str("path", dbPath).Msg("shared session store ready")
	return s, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Load fetches a session. Unknown ids return an empty session with
// default memory, never an error.
func (s *Store) Load(ctx context.Context, sessionID string) (Session, error) {
	var messagesJSON, memoryJSON, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages_json, memory_json, updated_at FROM shared_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&messagesJSON, &memoryJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{SessionID: sessionID, Messages: []Message{}, Memory: normalizeMemory(Memory{})}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	session := Session{SessionID: sessionID, UpdatedAt: updatedAt}
	if jsonErr := json.Unmarshal([]byte(messagesJSON), &session.Messages); jsonErr != nil {
		s.logger.Warn().Err(jsonErr).Str("session_id", sessionID).Msg("messages payload unreadable, starting empty")
		session.Messages = []Message{}
	}
	var memory Memory
	if jsonErr := json.Unmarshal([]byte(memoryJSON), &memory); jsonErr != nil {
		s.logger.Warn().Err(jsonErr).Str("session_id", sessionID).Msg("memory payload unreadable, resetting")
	}
	session.Memory = normalizeMemory(memory)
	return session, nil
}

// Save overwrites a session's transcript, and its memory when one is
// given (nil keeps the stored memory). Last writer wins.
func (s *Store) Save(ctx context.Context, sessionID string, messages []Message, memory *Memory) (Session, error) {
	existing, err := s.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	effective := existing.Memory
	if memory != nil {
		effective = normalizeMemory(*memory)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	effective.UpdatedAt = now

	if messages == nil {
		messages = []Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return Session{}, fmt.Errorf("marshal messages: %w", err)
	}
	memoryJSON, err := json.Marshal(effective)
	if err != nil {
		return Session{}, fmt.Errorf("marshal memory: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shared_sessions (session_id, messages_json, memory_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			memory_json = excluded.memory_json,
			updated_at = excluded.updated_at`,
		sessionID, string(messagesJSON), string(memoryJSON), now,
	)
	if err != nil {
		return Session{}, fmt.Errorf("save session %s: %w", sessionID, err)
	}

	s.logger.Debug().Str("session_id", sessionID).Int("messages", len(messages)).Msg("session saved")
	return Session{SessionID: sessionID, Messages: messages, Memory: effective, UpdatedAt: now}, nil
}

// Append adds one message to a session's transcript.
func (s *Store) Append(ctx context.Context, sessionID string, message Message) (Session, error) {
	current, err := s.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	memory := current.Memory
	return s.Save(ctx, sessionID, append(current.Messages, message), &memory)
}

// UpdateMemory applies a patch to a session's memory, leaving the
// transcript untouched.
func (s *Store) UpdateMemory(ctx context.Context, sessionID string, update MemoryUpdate) (Session, error) {
	current, err := s.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	memory := current.Memory
	if !update.Merge {
		memory = normalizeMemory(Memory{})
	}
	if update.Summary != nil {
		memory.Summary = strings.TrimSpace(*update.Summary)
	}
	if update.KeyFacts != nil {
		memory.KeyFacts = cleanMemoryList(*update.KeyFacts)
	}
	if update.UserPreferences != nil {
		memory.UserPreferences = cleanMemoryList(*update.UserPreferences)
	}
	if update.AgentNotes != nil {
		memory.AgentNotes = cleanMemoryList(*update.AgentNotes)
	}

	return s.Save(ctx, sessionID, current.Messages, &memory)
}

// normalizeMemory trims the summary and cleans each note list.
func normalizeMemory(m Memory) Memory {
	return Memory{
		Summary:         strings.TrimSpace(m.Summary),
		KeyFacts:        cleanMemoryList(m.KeyFacts),
		UserPreferences: cleanMemoryList(m.UserPreferences),
		AgentNotes:      cleanMemoryList(m.AgentNotes),
		UpdatedAt:       m.UpdatedAt,
	}
}

// cleanMemoryList trims entries, drops empties and duplicates while
// preserving order, and caps the list.
func cleanMemoryList(items []string) []string {
	cleaned := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		cleaned = append(cleaned, value)
		if len(cleaned) >= memoryListLimit {
			break
		}
	}
	return cleaned
}
