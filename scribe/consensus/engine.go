package consensus

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Level classifies how much agreement a transcript shows.
type Level string

const (
	LevelNone      Level = "none"      // no agreement
	LevelPartial   Level = "partial"   // some agreement on aspects
	LevelStrong    Level = "strong"    // majority agreement
	LevelUnanimous Level = "unanimous" // full agreement
)

// Point is one statement cluster with enough cross-participant support
// to be treated as agreed.
type Point struct {
	Statement  string          `json:"statement"`
	Supporters map[string]bool `json:"supporting_participants"`
	Confidence float64         `json:"confidence"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Result is the outcome of one transcript analysis.
type Result struct {
	Level         Level    `json:"level"`
	Points        []Point  `json:"consensus_points"`
	Disagreements []string `json:"areas_of_disagreement"`
	Synthesis     string   `json:"synthesis,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// TranscriptMessage is the (participant, content) pair the engine
// analyzes. Unknown participants are skipped, not rejected.
type TranscriptMessage struct {
	ParticipantID string
	Content       string
}

var wordPattern = regexp.MustCompile(`\w+`)

// stopwords excluded from key-term sets during clustering.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true,
}

var disagreementKeywords = []string{
	"disagree", "no", "wrong", "incorrect", "however",
	"but", "although", "contrary", "oppose", "different",
}

// Engine detects agreement across a fixed participant set using
// keyword overlap clustering. The heuristic is deliberately crude and
// its exact output is part of the contract: the 0.3 overlap cut and
// the greedy first-match cluster assignment must not be tuned.
type Engine struct {
	participants []string
	threshold    float64

	mu      sync.Mutex
	tracked []Point

	logger zerolog.Logger
}

// NewEngine builds an engine for one salon's roster. The threshold is
// the fraction of participants required for a consensus point.
func NewEngine(participants []string, threshold float64, logger zerolog.Logger) (*Engine, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("consensus engine requires at least one participant")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("consensus threshold must be in (0, 1], got %v", threshold)
	}

	e := &Engine{
		participants: append([]string(nil), participants...),
		threshold:    threshold,
		logger:       logger.With().Str("component", "consensus").Logger(),
	}
	e.logger.Info().
		Int("participants", len(participants)).
		Float64("threshold", threshold).
		Msg("initialized consensus engine")
	return e, nil
}

// Analyze runs the full pipeline over a transcript. Empty input yields
// LevelNone with empty collections; Analyze never fails.
func (e *Engine) Analyze(messages []TranscriptMessage) Result {
	if len(messages) == 0 {
		return Result{Level: LevelNone, Points: []Point{}, Disagreements: []string{}}
	}

	points := e.detectAgreement(messages)
	disagreements := e.detectDisagreement(messages)
	level := e.level(points)

	synthesis := ""
	if level == LevelStrong || level == LevelUnanimous {
		synthesis = e.synthesize(points)
	}

	return Result{
		Level:         level,
		Points:        points,
		Disagreements: disagreements,
		Synthesis:     synthesis,
		Confidence:    e.confidence(points, messages),
	}
}

// TrackPoint records a consensus point for longitudinal bookkeeping
// across repeated analyses of the same session.
func (e *Engine) TrackPoint(p Point) {
	e.mu.Lock()
	e.tracked = append(e.tracked, p)
	e.mu.Unlock()

	stmt := p.Statement
	if runes := []rune(stmt); len(runes) > 50 {
		stmt = string(runes[:50])
	}
	e.logger.Info().
		Str("statement", stmt).
		Int("support", len(p.Supporters)).
		Int("participants", len(e.participants)).
		Msg("tracked consensus point")
}

// History returns a copy of all tracked points.
func (e *Engine) History() []Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Point(nil), e.tracked...)
}

// extractStatements splits content on sentence terminators and keeps
// assertions: fragments longer than 20 characters that are not
// questions.
func extractStatements(content string) []string {
	var statements []string
	for _, raw := range splitSentences(content) {
		s := strings.TrimSpace(raw)
		if utf8.RuneCountInString(s) > 20 && !strings.HasSuffix(s, "?") {
			statements = append(statements, s)
		}
	}
	return statements
}

func splitSentences(content string) []string {
	return strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
}

// cluster groups one representative statement with the distinct
// participants whose statements matched it.
type cluster struct {
	statement  string
	supporters map[string]bool
}

// detectAgreement clusters statements greedily: a statement joins the
// first existing cluster whose representative shares more than 30% of
// its key terms, otherwise it seeds a new cluster. Statements are
// walked per participant in roster order, not transcript order, so
// the roster fixes which statement can seed a cluster regardless of
// who spoke first. Clusters are kept in an insertion-ordered slice so
// assignment is deterministic; the first-match rule makes results
// order-dependent by design.
func (e *Engine) detectAgreement(messages []TranscriptMessage) []Point {
	positions := e.extractPositions(messages)

	var clusters []*cluster
	for _, participantID := range e.participants {
		for _, statement := range positions[participantID] {
			keyTerms := keyTermSet(statement)

			var matched *cluster
			for _, c := range clusters {
				groupTerms := wordSet(c.statement)
				overlap := float64(intersectionSize(keyTerms, groupTerms)) / math.Max(float64(len(keyTerms)), 1)
				if overlap > 0.3 {
					matched = c
					break
				}
			}

			if matched != nil {
				matched.supporters[participantID] = true
			} else {
				clusters = append(clusters, &cluster{
					statement:  statement,
					supporters: map[string]bool{participantID: true},
				})
			}
		}
	}

	minSupport := int(math.Max(2, math.Round(float64(len(e.participants))*e.threshold)))

	points := []Point{}
	for _, c := range clusters {
		if len(c.supporters) >= minSupport {
			points = append(points, Point{
				Statement:  c.statement,
				Supporters: c.supporters,
				Confidence: float64(len(c.supporters)) / float64(len(e.participants)),
				DetectedAt: time.Now().UTC(),
			})
		}
	}
	return points
}

// extractPositions collects each participant's statements in the
// order spoken. Messages from outside the roster are skipped.
func (e *Engine) extractPositions(messages []TranscriptMessage) map[string][]string {
	roster := make(map[string]bool, len(e.participants))
	for _, p := range e.participants {
		roster[p] = true
	}

	positions := make(map[string][]string, len(e.participants))
	for _, msg := range messages {
		if !roster[msg.ParticipantID] {
			continue
		}
		positions[msg.ParticipantID] = append(positions[msg.ParticipantID], extractStatements(msg.Content)...)
	}
	return positions
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		set[w] = true
	}
	return set
}

func keyTermSet(s string) map[string]bool {
	set := wordSet(s)
	for w := range stopwords {
		delete(set, w)
	}
	return set
}

func intersectionSize(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// detectDisagreement scans raw messages for disagreement keywords and
// emits the containing sentences. No clustering here.
func (e *Engine) detectDisagreement(messages []TranscriptMessage) []string {
	disagreements := []string{}
	for _, msg := range messages {
		lower := strings.ToLower(msg.Content)
		if !containsAnyKeyword(lower) {
			continue
		}
		for _, sentence := range splitSentences(msg.Content) {
			if containsAnyKeyword(strings.ToLower(sentence)) {
				disagreements = append(disagreements, strings.TrimSpace(sentence))
			}
		}
	}
	return disagreements
}

func containsAnyKeyword(lower string) bool {
	for _, kw := range disagreementKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// level averages support fractions across all points and cuts at the
// documented thresholds.
func (e *Engine) level(points []Point) Level {
	if len(points) == 0 {
		return LevelNone
	}
	avg := e.averageSupport(points)
	switch {
	case avg >= 0.9:
		return LevelUnanimous
	case avg >= e.threshold:
		return LevelStrong
	case avg >= 0.3:
		return LevelPartial
	default:
		return LevelNone
	}
}

func (e *Engine) averageSupport(points []Point) float64 {
	total := 0
	for _, p := range points {
		total += len(p.Supporters)
	}
	return float64(total) / (float64(len(points)) * float64(len(e.participants)))
}

// synthesize formats the top three points by supporter count as a
// numbered list with percentage support.
func (e *Engine) synthesize(points []Point) string {
	if len(points) == 0 {
		return "No consensus reached."
	}

	top := append([]Point(nil), points...)
	sort.SliceStable(top, func(i, j int) bool {
		return len(top[i].Supporters) > len(top[j].Supporters)
	})
	if len(top) > 3 {
		top = top[:3]
	}

	lines := make([]string, 0, len(top))
	for i, p := range top {
		pct := float64(len(p.Supporters)) / float64(len(e.participants)) * 100
		lines = append(lines, fmt.Sprintf("%d. %s (supported by %.0f%% of participants)", i+1, p.Statement, pct))
	}
	return strings.Join(lines, "\n")
}

// confidence is the mean of three normalized factors: message volume
// (plateau at 10), distinct participation, and mean point support.
func (e *Engine) confidence(points []Point, messages []TranscriptMessage) float64 {
	if len(messages) == 0 || len(points) == 0 {
		return 0.0
	}

	distinct := make(map[string]bool)
	for _, m := range messages {
		distinct[m.ParticipantID] = true
	}

	messageFactor := math.Min(1.0, float64(len(messages))/10)
	participationFactor := float64(len(distinct)) / float64(len(e.participants))
	agreementFactor := e.averageSupport(points)

	return math.Min(1.0, (messageFactor+participationFactor+agreementFactor)/3)
}
