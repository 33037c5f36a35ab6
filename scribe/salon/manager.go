package salon

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager owns the state and lifecycle of one multi-participant salon.
//
// It is the sole writer of the message log, the turn counter, and the
// per-participant stats. Turn scheduling and provider dispatch live in
// their own packages; Manager only records their outcomes. The
// participant roster is fixed at construction.
type Manager struct {
	mu sync.RWMutex

	salonID      string
	mode         Mode
	topic        Topic
	participants []string
	moderatorID  string

	state       State
	currentTurn int
	messages    []Message
	stats       map[string]*ParticipantStats

	startedAt   *time.Time
	completedAt *time.Time

	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a salon in the initializing state.
func NewManager(salonID string, mode Mode, topic Topic, participants []string, moderatorID string, logger zerolog.Logger) (*Manager, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("salon %s: at least one participant required", salonID)
	}
	if moderatorID != "" {
		if !contains(participants, moderatorID) {
			return nil, &UnknownParticipantError{ParticipantID: moderatorID}
		}
	}

	m := &Manager{
		salonID:      salonID,
		mode:         mode,
		topic:        topic,
		participants: append([]string(nil), participants...),
		moderatorID:  moderatorID,
		state:        StateInitializing,
		stats:        make(map[string]*ParticipantStats, len(participants)),
		now:          time.Now,
		logger:       logger.With().Str("component", "salon").Str("salon_id", salonID).Logger(),
	}
	for _, p := range participants {
		m.stats[p] = &ParticipantStats{}
	}

	m.logger.Info().
		Str("mode", string(mode)).
		Int("participants", len(participants)).
		Msg("initialized salon")
	return m, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ID returns the salon identifier.
func (m *Manager) ID() string { return m.salonID }

// Mode returns the conversation mode.
func (m *Manager) Mode() Mode { return m.mode }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Participants returns a copy of the fixed roster.
func (m *Manager) Participants() []string {
	return append([]string(nil), m.participants...)
}

// ModeratorID returns the moderator id, empty when unmoderated.
func (m *Manager) ModeratorID() string { return m.moderatorID }

// CurrentTurn returns the turn counter.
func (m *Manager) CurrentTurn() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentTurn
}

// Start activates the salon. Valid only from the initializing state.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitializing {
		return &StateTransitionError{From: m.state, Requested: StateActive}
	}
	m.state = StateActive
	t := m.now().UTC()
	m.startedAt = &t
	m.logger.Info().Msg("started salon")
	return nil
}

// Pause suspends an active salon.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return &StateTransitionError{From: m.state, Requested: StatePaused}
	}
	m.state = StatePaused
	m.logger.Info().Msg("paused salon")
	return nil
}

// Resume reactivates a paused salon.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return &StateTransitionError{From: m.state, Requested: StateActive}
	}
	m.state = StateActive
	m.logger.Info().Msg("resumed salon")
	return nil
}

// BeginConsensus moves an active salon into the consensus-building phase.
func (m *Manager) BeginConsensus() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return &StateTransitionError{From: m.state, Requested: StateConsensusBuilding}
	}
	m.state = StateConsensusBuilding
	m.logger.Info().Msg("consensus building started")
	return nil
}

// Complete marks the salon as finished. Completing from a state other
// than active or consensus-building is logged as an anomaly but still
// completes, so a stuck session can always be closed out.
func (m *Manager) Complete() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive && m.state != StateConsensusBuilding {
		m.logger.Warn().Str("state", string(m.state)).Msg("completing salon from unexpected state")
	}
	m.state = StateCompleted
	t := m.now().UTC()
	m.completedAt = &t
	m.logger.Info().Msg("completed salon")
}

// Fail moves a non-terminal salon into the error state.
func (m *Manager) Fail(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.terminal() {
		return &StateTransitionError{From: m.state, Requested: StateError}
	}
	m.state = StateError
	t := m.now().UTC()
	m.completedAt = &t
	m.logger.Error().Err(cause).Msg("salon failed")
	return nil
}

// AddMessage appends a message stamped with the current turn number and
// updates the sender's stats. The message log only grows.
func (m *Manager) AddMessage(participantID, content string, metadata map[string]any) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[participantID]
	if !ok {
		return Message{}, &UnknownParticipantError{ParticipantID: participantID}
	}

	msg := Message{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Content:       content,
		Timestamp:     m.now().UTC(),
		TurnNumber:    m.currentTurn,
		Metadata:      metadata,
	}
	m.messages = append(m.messages, msg)

	stats.TurnCount++
	stats.TotalCharacters += len(content)
	ts := msg.Timestamp
	stats.LastMessageAt = &ts

	m.logger.Debug().
		Str("participant", participantID).
		Int("turn", m.currentTurn).
		Msg("added message")
	return msg, nil
}

// AdvanceTurn increments the turn counter. Whose turn it is belongs to
// the turn coordinator, not here.
func (m *Manager) AdvanceTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentTurn++
	m.logger.Debug().Int("turn", m.currentTurn).Msg("advanced turn")
	return m.currentTurn
}

// MessageFilter narrows the message view returned by Messages.
// Zero values leave the corresponding dimension unfiltered.
type MessageFilter struct {
	ParticipantID string
	SinceTurn     *int
}

// Messages returns a filtered copy of the message log.
func (m *Manager) Messages(filter MessageFilter) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if filter.ParticipantID != "" && msg.ParticipantID != filter.ParticipantID {
			continue
		}
		if filter.SinceTurn != nil && msg.TurnNumber < *filter.SinceTurn {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// ConversationHistory renders the transcript as timestamped lines, one
// per message. When maxTurns > 0 only messages within the trailing turn
// window are included; the window is by turn number, not message count.
func (m *Manager) ConversationHistory(maxTurns int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	minTurn := 0
	if maxTurns > 0 {
		minTurn = m.currentTurn - maxTurns
		if minTurn < 0 {
			minTurn = 0
		}
	}

	var b []byte
	for _, msg := range m.messages {
		if msg.TurnNumber < minTurn {
			continue
		}
		if len(b) > 0 {
			b = append(b, '\n')
		}
		line := fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Format("15:04:05"), msg.ParticipantID, msg.Content)
		b = append(b, line...)
	}
	return string(b)
}

// Statistics derives a summary of the session. Read-only.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statisticsLocked()
}

func (m *Manager) statisticsLocked() Statistics {
	var duration float64
	if m.startedAt != nil {
		end := m.now().UTC()
		if m.completedAt != nil {
			end = *m.completedAt
		}
		duration = end.Sub(*m.startedAt).Seconds()
	}

	perParticipant := make(map[string]ParticipantStats, len(m.stats))
	for id, s := range m.stats {
		perParticipant[id] = *s
	}

	return Statistics{
		SalonID:          m.salonID,
		Mode:             m.mode,
		State:            m.state,
		TotalTurns:       m.currentTurn,
		TotalMessages:    len(m.messages),
		ParticipantCount: len(m.participants),
		DurationSeconds:  duration,
		StartedAt:        m.startedAt,
		CompletedAt:      m.completedAt,
		Participants:     perParticipant,
	}
}

// Snapshot exports the full session state for persistence or transport.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		SalonID:      m.salonID,
		Mode:         m.mode,
		State:        m.state,
		Topic:        m.topic,
		Participants: append([]string(nil), m.participants...),
		ModeratorID:  m.moderatorID,
		CurrentTurn:  m.currentTurn,
		MessageCount: len(m.messages),
		Statistics:   m.statisticsLocked(),
	}
}
