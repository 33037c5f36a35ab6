package salon

import (
	"fmt"
	"time"
)

// Mode selects the turn-taking and interaction pattern of a salon.
type Mode string

const (
	ModeDebate     Mode = "debate"     // adversarial, moderated turns with rebuttals
	ModeDiscussion Mode = "discussion" // collaborative exploration, free-form
	ModePanel      Mode = "panel"      // expert Q&A with moderator routing questions
	ModeConsensus  Mode = "consensus"  // agreement-seeking with synthesis
	ModeBrainstorm Mode = "brainstorm" // rapid idea generation, minimal structure
)

// ParseMode rejects unknown mode strings at the boundary.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDebate, ModeDiscussion, ModePanel, ModeConsensus, ModeBrainstorm:
		return m, nil
	default:
		return "", fmt.Errorf("unknown salon mode %q", s)
	}
}

// State is the lifecycle state of a salon session.
type State string

const (
	StateInitializing      State = "initializing"
	StateActive            State = "active"
	StatePaused            State = "paused"
	StateConsensusBuilding State = "consensus_building"
	StateCompleted         State = "completed"
	StateError             State = "error"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateError
}

// Topic is the question under discussion, with optional framing context.
type Topic struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Context   string    `json:"context,omitempty"`
	Subtopics []string  `json:"subtopics,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single utterance in the salon transcript. Messages are
// append-only and stamped with the turn counter at insertion time.
type Message struct {
	ID            string         `json:"id"`
	ParticipantID string         `json:"participant_id"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	TurnNumber    int            `json:"turn_number"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ParticipantStats tracks per-participant activity inside one session.
type ParticipantStats struct {
	TurnCount       int        `json:"turn_count"`
	TotalCharacters int        `json:"total_characters"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
}

// Statistics is a derived, side-effect-free summary of a session.
type Statistics struct {
	SalonID          string                      `json:"salon_id"`
	Mode             Mode                        `json:"mode"`
	State            State                       `json:"state"`
	TotalTurns       int                         `json:"total_turns"`
	TotalMessages    int                         `json:"total_messages"`
	ParticipantCount int                         `json:"participant_count"`
	DurationSeconds  float64                     `json:"duration_seconds"`
	StartedAt        *time.Time                  `json:"started_at,omitempty"`
	CompletedAt      *time.Time                  `json:"completed_at,omitempty"`
	Participants     map[string]ParticipantStats `json:"participant_stats"`
}

// Snapshot is an exportable view of the full session state.
type Snapshot struct {
	SalonID      string     `json:"salon_id"`
	Mode         Mode       `json:"mode"`
	State        State      `json:"state"`
	Topic        Topic      `json:"topic"`
	Participants []string   `json:"participants"`
	ModeratorID  string     `json:"moderator_id,omitempty"`
	CurrentTurn  int        `json:"current_turn"`
	MessageCount int        `json:"message_count"`
	Statistics   Statistics `json:"statistics"`
}

// StateTransitionError reports an invalid lifecycle transition. It names both
// the current and the requested state so callers can log a precise diagnosis.
type StateTransitionError struct {
	From      State
	Requested State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid salon transition: cannot enter %s from %s", e.Requested, e.From)
}

// UnknownParticipantError reports a message attributed to an id outside the
// fixed roster.
type UnknownParticipantError struct {
	ParticipantID string
}

func (e *UnknownParticipantError) Error() string {
	return fmt.Sprintf("participant %q is not in the salon", e.ParticipantID)
}
