package turns

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// Strategy selects how the next speaker is chosen.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin" // cyclic, exact alternation
	StrategyPriority   Strategy = "priority"    // weighted random with participation decay
	StrategyDebate     Strategy = "debate"      // balances two declared sides
	StrategyFreeForm   Strategy = "free_form"   // fewest turns first
	StrategyModerated  Strategy = "moderated"   // explicit assignment only
	StrategyRandom     Strategy = "random"      // uniform, for brainstorming
)

// ParseStrategy rejects unknown strategy strings at the boundary.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyRoundRobin, StrategyPriority, StrategyDebate, StrategyFreeForm, StrategyModerated, StrategyRandom:
		return st, nil
	default:
		return "", fmt.Errorf("unknown turn strategy %q", s)
	}
}

// Turn is one scheduling decision: who speaks next and under which
// strategy. Recorded in the coordinator's own history, separate from
// the salon message log.
type Turn struct {
	ParticipantID string         `json:"participant_id"`
	TurnNumber    int            `json:"turn_number"`
	Strategy      Strategy       `json:"strategy"`
	RebuttalTo    string         `json:"rebuttal_to,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Statistics summarizes turn distribution for fairness checks.
type Statistics struct {
	TotalTurns       int            `json:"total_turns"`
	TurnCounts       map[string]int `json:"participant_turn_counts"`
	AverageTurns     float64        `json:"average_turns_per_participant"`
	Strategy         Strategy       `json:"strategy"`
	FairnessVariance float64        `json:"fairness_variance"`
}

// Coordinator chooses the next speaker among a fixed participant set.
// Not safe for concurrent use; the salon driver serializes scheduling.
type Coordinator struct {
	participants []string
	strategy     Strategy
	moderatorID  string

	turnCount  int
	history    []Turn
	turnCounts map[string]int

	roundRobinIndex int
	debateSideA     []string
	debateSideB     []string
	priorityScores  map[string]float64

	rng    *rand.Rand
	logger zerolog.Logger
}

// Option adjusts a Coordinator at construction.
type Option func(*Coordinator)

// WithRand injects the random source used by the priority and random
// strategies, making weighted selection reproducible in tests.
func WithRand(rng *rand.Rand) Option {
	return func(c *Coordinator) { c.rng = rng }
}

// WithModerator names the participant that moderated turns default to.
func WithModerator(id string) Option {
	return func(c *Coordinator) { c.moderatorID = id }
}

// NewCoordinator builds a coordinator over a fixed participant list.
// All priorities start at 1.0.
func NewCoordinator(participants []string, strategy Strategy, logger zerolog.Logger, opts ...Option) (*Coordinator, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("turn coordinator requires at least one participant")
	}

	c := &Coordinator{
		participants:   append([]string(nil), participants...),
		strategy:       strategy,
		turnCounts:     make(map[string]int, len(participants)),
		priorityScores: make(map[string]float64, len(participants)),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:         logger.With().Str("component", "turns").Logger(),
	}
	for _, p := range participants {
		c.turnCounts[p] = 0
		c.priorityScores[p] = 1.0
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.moderatorID != "" && !c.member(c.moderatorID) {
		return nil, fmt.Errorf("moderator %q is not a participant", c.moderatorID)
	}

	c.logger.Info().
		Int("participants", len(participants)).
		Str("strategy", string(strategy)).
		Msg("initialized turn coordinator")
	return c, nil
}

func (c *Coordinator) member(id string) bool {
	for _, p := range c.participants {
		if p == id {
			return true
		}
	}
	return false
}

// NextTurn picks the next speaker under the configured strategy and
// records the assignment. It always returns a turn.
func (c *Coordinator) NextTurn() Turn {
	var participantID string
	switch c.strategy {
	case StrategyRoundRobin:
		participantID = c.nextRoundRobin()
	case StrategyDebate:
		participantID = c.nextDebate()
	case StrategyPriority:
		participantID = c.nextPriority()
	case StrategyRandom:
		participantID = c.participants[c.rng.Intn(len(c.participants))]
	case StrategyModerated:
		// Moderated salons should assign explicitly; default to the
		// moderator so NextTurn still yields a speaker.
		participantID = c.moderatorID
		if participantID == "" {
			participantID = c.participants[0]
		}
	case StrategyFreeForm:
		participantID = c.leastUsed(c.participants)
	default:
		participantID = c.nextRoundRobin()
	}

	turn := Turn{
		ParticipantID: participantID,
		TurnNumber:    c.turnCount,
		Strategy:      c.strategy,
	}
	c.record(turn)
	return turn
}

// AssignTurn explicitly gives the turn to one participant, regardless
// of strategy. Used by moderators and manual intervention.
func (c *Coordinator) AssignTurn(participantID string) (Turn, error) {
	if !c.member(participantID) {
		return Turn{}, fmt.Errorf("participant %q is not in the salon", participantID)
	}

	turn := Turn{
		ParticipantID: participantID,
		TurnNumber:    c.turnCount,
		Strategy:      StrategyModerated,
	}
	c.record(turn)
	return turn, nil
}

// SetupDebate declares the two sides used by the debate strategy.
// Every member must be a known participant and both sides non-empty.
func (c *Coordinator) SetupDebate(sideA, sideB []string) error {
	if len(sideA) == 0 || len(sideB) == 0 {
		return fmt.Errorf("debate requires two non-empty sides")
	}
	for _, id := range append(append([]string(nil), sideA...), sideB...) {
		if !c.member(id) {
			return fmt.Errorf("participant %q is not in the salon", id)
		}
	}
	if c.strategy != StrategyDebate {
		c.logger.Warn().Str("strategy", string(c.strategy)).Msg("configuring debate sides for non-debate strategy")
	}

	c.debateSideA = append([]string(nil), sideA...)
	c.debateSideB = append([]string(nil), sideB...)
	c.logger.Info().
		Int("side_a", len(sideA)).
		Int("side_b", len(sideB)).
		Msg("debate configured")
	return nil
}

// SetPriority sets a participant's base priority score for the
// priority strategy. Higher means more turns.
func (c *Coordinator) SetPriority(participantID string, priority float64) error {
	if !c.member(participantID) {
		return fmt.Errorf("participant %q is not in the salon", participantID)
	}
	c.priorityScores[participantID] = priority
	c.logger.Debug().Str("participant", participantID).Float64("priority", priority).Msg("set priority")
	return nil
}

// Statistics reports turn distribution, including the population
// variance of per-participant counts (lower is fairer).
func (c *Coordinator) Statistics() Statistics {
	total := 0
	counts := make(map[string]int, len(c.turnCounts))
	values := make([]float64, 0, len(c.participants))
	for _, p := range c.participants {
		n := c.turnCounts[p]
		counts[p] = n
		total += n
		values = append(values, float64(n))
	}

	avg := 0.0
	if len(c.participants) > 0 {
		avg = float64(total) / float64(len(c.participants))
	}

	return Statistics{
		TotalTurns:       total,
		TurnCounts:       counts,
		AverageTurns:     avg,
		Strategy:         c.strategy,
		FairnessVariance: stat.PopVariance(values, nil),
	}
}

// History returns a copy of all recorded turns.
func (c *Coordinator) History() []Turn {
	return append([]Turn(nil), c.history...)
}

func (c *Coordinator) nextRoundRobin() string {
	p := c.participants[c.roundRobinIndex]
	c.roundRobinIndex = (c.roundRobinIndex + 1) % len(c.participants)
	return p
}

// nextDebate balances cumulative turns between the two sides, then
// picks the least-used member within the chosen side. Falls back to
// round robin when sides are not configured.
func (c *Coordinator) nextDebate() string {
	if len(c.debateSideA) == 0 || len(c.debateSideB) == 0 {
		return c.nextRoundRobin()
	}

	sideATurns := 0
	for _, p := range c.debateSideA {
		sideATurns += c.turnCounts[p]
	}
	sideBTurns := 0
	for _, p := range c.debateSideB {
		sideBTurns += c.turnCounts[p]
	}

	side := c.debateSideA
	if sideATurns > sideBTurns {
		side = c.debateSideB
	}
	return c.leastUsed(side)
}

// nextPriority runs a weighted random walk over adjusted scores.
// Participation decays a participant's effective weight so high
// priority cannot fully dominate.
func (c *Coordinator) nextPriority() string {
	adjusted := make([]float64, len(c.participants))
	total := 0.0
	for i, p := range c.participants {
		score := c.priorityScores[p] / (1 + float64(c.turnCounts[p])*0.1)
		adjusted[i] = score
		total += score
	}

	r := c.rng.Float64() * total
	cumulative := 0.0
	for i, p := range c.participants {
		cumulative += adjusted[i]
		if r <= cumulative {
			return p
		}
	}
	return c.participants[0]
}

// leastUsed returns the first participant with the minimum turn count,
// so ties break by list order.
func (c *Coordinator) leastUsed(ids []string) string {
	best := ids[0]
	for _, p := range ids[1:] {
		if c.turnCounts[p] < c.turnCounts[best] {
			best = p
		}
	}
	return best
}

func (c *Coordinator) record(turn Turn) {
	c.history = append(c.history, turn)
	c.turnCounts[turn.ParticipantID]++
	c.turnCount++
	c.logger.Debug().
		Int("turn", c.turnCount).
		Str("participant", turn.ParticipantID).
		Int("total", c.turnCounts[turn.ParticipantID]).
		Msg("turn assigned")
}
