package salon

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, participants ...string) *Manager {
	t.Helper()
	if len(participants) == 0 {
		participants = []string{"alice", "bob", "carol"}
	}
	topic := Topic{ID: "t1", Question: "Should tests be fast?", CreatedAt: time.Now()}
	m, err := NewManager("salon-1", ModeDiscussion, topic, participants, "", zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("debate")
	require.NoError(t, err)
	assert.Equal(t, ModeDebate, m)

	_, err = ParseMode("karaoke")
	assert.Error(t, err)
}

func TestLifecycleTransitions(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, StateInitializing, m.State())

	require.NoError(t, m.Start())
	assert.Equal(t, StateActive, m.State())

	// A second start is a programmer error.
	err := m.Start()
	var tErr *StateTransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, StateActive, tErr.From)
	assert.Equal(t, StateActive, tErr.Requested)

	require.NoError(t, m.Pause())
	assert.Equal(t, StatePaused, m.State())
	require.NoError(t, m.Resume())
	assert.Equal(t, StateActive, m.State())

	require.NoError(t, m.BeginConsensus())
	assert.Equal(t, StateConsensusBuilding, m.State())

	m.Complete()
	assert.Equal(t, StateCompleted, m.State())
}

func TestPauseFromInitializingFails(t *testing.T) {
	m := newTestManager(t)

	err := m.Pause()
	var tErr *StateTransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, StateInitializing, tErr.From)
	assert.Equal(t, StatePaused, tErr.Requested)
	assert.Equal(t, StateInitializing, m.State())
}

func TestResumeRequiresPaused(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())

	err := m.Resume()
	var tErr *StateTransitionError
	require.ErrorAs(t, err, &tErr)
}

func TestCompleteFromUnexpectedStateStillCompletes(t *testing.T) {
	m := newTestManager(t)

	// Completing before starting is anomalous but not fatal.
	m.Complete()
	assert.Equal(t, StateCompleted, m.State())
}

func TestFailTerminalGuard(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.Fail(errors.New("backend melted")))
	assert.Equal(t, StateError, m.State())

	err := m.Fail(errors.New("again"))
	var tErr *StateTransitionError
	require.ErrorAs(t, err, &tErr)
}

func TestAddMessage(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())

	msg, err := m.AddMessage("alice", "hello everyone", map[string]any{"tone": "warm"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.ParticipantID)
	assert.Equal(t, 0, msg.TurnNumber)

	m.AdvanceTurn()
	msg2, err := m.AddMessage("bob", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, msg2.TurnNumber)

	stats := m.Statistics()
	assert.Equal(t, 2, stats.TotalMessages)
	assert.Equal(t, 1, stats.TotalTurns)
	assert.Equal(t, 1, stats.Participants["alice"].TurnCount)
	assert.Equal(t, len("hello everyone"), stats.Participants["alice"].TotalCharacters)
	require.NotNil(t, stats.Participants["alice"].LastMessageAt)
}

func TestAddMessageUnknownParticipant(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())

	_, err := m.AddMessage("mallory", "let me in", nil)
	var uErr *UnknownParticipantError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, "mallory", uErr.ParticipantID)
	assert.Equal(t, 0, m.Statistics().TotalMessages)
}

func TestMessagesFilter(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())

	_, err := m.AddMessage("alice", "turn zero", nil)
	require.NoError(t, err)
	m.AdvanceTurn()
	_, err = m.AddMessage("bob", "turn one", nil)
	require.NoError(t, err)
	m.AdvanceTurn()
	_, err = m.AddMessage("alice", "turn two", nil)
	require.NoError(t, err)

	assert.Len(t, m.Messages(MessageFilter{}), 3)
	assert.Len(t, m.Messages(MessageFilter{ParticipantID: "alice"}), 2)

	since := 1
	got := m.Messages(MessageFilter{SinceTurn: &since})
	require.Len(t, got, 2)
	assert.Equal(t, "turn one", got[0].Content)

	got = m.Messages(MessageFilter{ParticipantID: "alice", SinceTurn: &since})
	require.Len(t, got, 1)
	assert.Equal(t, "turn two", got[0].Content)
}

func TestConversationHistoryWindow(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())

	for i := 0; i < 5; i++ {
		_, err := m.AddMessage("alice", "message", nil)
		require.NoError(t, err)
		m.AdvanceTurn()
	}

	full := m.ConversationHistory(0)
	assert.Equal(t, 5, countLines(full))

	// Window covers turns 3 and 4 only (current turn is 5).
	windowed := m.ConversationHistory(2)
	assert.Equal(t, 2, countLines(windowed))
	assert.Contains(t, windowed, "alice: message")
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func TestSnapshot(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	_, err := m.AddMessage("alice", "one thought", nil)
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Equal(t, "salon-1", snap.SalonID)
	assert.Equal(t, ModeDiscussion, snap.Mode)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, []string{"alice", "bob", "carol"}, snap.Participants)
	assert.Equal(t, 1, snap.MessageCount)
	assert.Equal(t, 1, snap.Statistics.TotalMessages)
}

func TestModeratorMustBeParticipant(t *testing.T) {
	topic := Topic{ID: "t", Question: "q"}
	_, err := NewManager("s", ModePanel, topic, []string{"a", "b"}, "ghost", zerolog.Nop())
	var uErr *UnknownParticipantError
	require.ErrorAs(t, err, &uErr)
}
