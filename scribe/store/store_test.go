package store

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "sessions.db", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadUnknownSessionReturnsEmptyDefaults(t *testing.T) {
	s := newTestStore(t)

	session, err := s.Load(context.Background(), "never-seen")
	require.NoError(t, err)

	assert.Equal(t, "never-seen", session.SessionID)
	assert.Empty(t, session.Messages)
	assert.Empty(t, session.Memory.Summary)
	assert.Empty(t, session.Memory.KeyFacts)
	assert.Empty(t, session.Memory.UserPreferences)
	assert.Empty(t, session.Memory.AgentNotes)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	messages := []Message{
		{Role: "user", Speaker: "user", Content: "hello there"},
		{Role: "assistant", Speaker: "claude", Provider: "anthropic", Content: "hi"},
	}
	memory := Memory{Summary: "greeting exchange", KeyFacts: []string{"user said hello"}}

	saved, err := s.Save(ctx, "s1", messages, &memory)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.UpdatedAt)

	loaded, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "claude", loaded.Messages[1].Speaker)
	assert.Equal(t, "greeting exchange", loaded.Memory.Summary)
	assert.Equal(t, []string{"user said hello"}, loaded.Memory.KeyFacts)
}

func TestSaveNilMemoryKeepsStoredMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	memory := Memory{Summary: "kept"}
	_, err := s.Save(ctx, "s1", nil, &memory)
	require.NoError(t, err)

	_, err = s.Save(ctx, "s1", []Message{{Role: "user", Content: "more"}}, nil)
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "kept", loaded.Memory.Summary)
	assert.Len(t, loaded.Messages, 1)
}

func TestLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := Memory{Summary: "first"}
	_, err := s.Save(ctx, "s1", []Message{{Role: "user", Content: "a"}}, &first)
	require.NoError(t, err)

	second := Memory{Summary: "second"}
	_, err = s.Save(ctx, "s1", []Message{{Role: "user", Content: "b"}}, &second)
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "second", loaded.Memory.Summary)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "b", loaded.Messages[0].Content)
}

func TestAppendGrowsTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three"} {
		session, err := s.Append(ctx, "s1", Message{Role: "user", Content: content})
		require.NoError(t, err)
		assert.Len(t, session.Messages, i+1)
	}

	loaded, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3)
	assert.Equal(t, "three", loaded.Messages[2].Content)
}

func TestUpdateMemoryMergePatchesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	initial := Memory{Summary: "before", KeyFacts: []string{"fact one"}}
	_, err := s.Save(ctx, "s1", []Message{{Role: "user", Content: "x"}}, &initial)
	require.NoError(t, err)

	summary := "after"
	session, err := s.UpdateMemory(ctx, "s1", MemoryUpdate{Summary: &summary, Merge: true})
	require.NoError(t, err)

	assert.Equal(t, "after", session.Memory.Summary)
	assert.Equal(t, []string{"fact one"}, session.Memory.KeyFacts)
	assert.Len(t, session.Messages, 1)
}

func TestUpdateMemoryWithoutMergeResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	initial := Memory{Summary: "before", KeyFacts: []string{"old fact"}}
	_, err := s.Save(ctx, "s1", nil, &initial)
	require.NoError(t, err)

	facts := []string{"new fact"}
	session, err := s.UpdateMemory(ctx, "s1", MemoryUpdate{KeyFacts: &facts, Merge: false})
	require.NoError(t, err)

	assert.Empty(t, session.Memory.Summary)
	assert.Equal(t, []string{"new fact"}, session.Memory.KeyFacts)
}

func TestMemoryNormalization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	facts := make([]string, 0, 40)
	for i := 0; i < 30; i++ {
		facts = append(facts, "fact "+strings.Repeat("x", i+1))
	}
	facts = append(facts, "  ", "", "fact x", "fact x")

	memory := Memory{Summary: "  padded  ", KeyFacts: facts}
	session, err := s.Save(ctx, "s1", nil, &memory)
	require.NoError(t, err)

	assert.Equal(t, "padded", session.Memory.Summary)
	assert.Len(t, session.Memory.KeyFacts, 25)
	for _, fact := range session.Memory.KeyFacts {
		assert.Equal(t, strings.TrimSpace(fact), fact)
		assert.NotEmpty(t, fact)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "a", Message{Role: "user", Content: "for a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "b", Message{Role: "user", Content: "for b"})
	require.NoError(t, err)

	a, err := s.Load(ctx, "a")
	require.NoError(t, err)
	b, err := s.Load(ctx, "b")
	require.NoError(t, err)

	require.Len(t, a.Messages, 1)
	require.Len(t, b.Messages, 1)
	assert.Equal(t, "for a", a.Messages[0].Content)
	assert.Equal(t, "for b", b.Messages[0].Content)
}

func TestReopenPersistsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir, "sessions.db", zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Append(ctx, "s1", Message{Role: "user", Content: "durable"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(dir, "sessions.db", zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "durable", loaded.Messages[0].Content)
}
