// Package orchestrator drives multi-agent salon turns: it loads shared
// session state, fans one user message (or conversation seed) out to
// the bound participants, records their responses, and folds a summary
// of the turn back into shared memory.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
	"github.com/scribe-labs/scribe-salon/scribe/store"
)

// Execution modes for one multi-participant turn.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModePriority   = "priority"
)

const (
	maxContextMessageChars = 4000
	memoryDisplayItems     = 8
	summaryNoteChars       = 240
	agentNoteHistory       = 20
	recentResponseWindow   = 4
	defaultTemperature     = 0.4
)

// ParticipantBinding ties a salon participant to a provider route.
type ParticipantBinding struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	ProfileID string `json:"profile_id,omitempty"`
	Label     string `json:"label,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// speakerName is the transcript identity of this binding.
func (b ParticipantBinding) speakerName() string {
	if b.Label != "" {
		return b.Label
	}
	return b.Provider + ":" + b.Model
}

func (b ParticipantBinding) agentLabel() string {
	if b.Label != "" {
		return b.Label
	}
	return b.Provider
}

// Dispatcher routes one request to a provider backend. Satisfied by
// the provider router; never returns an error, degraded dispatch is
// reported through response metadata.
type Dispatcher interface {
	Send(ctx context.Context, req ports.Request) ports.Response
}

// SessionStore is the shared transcript and memory persistence the
// orchestrator reads before a turn and writes after it.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (store.Session, error)
	Save(ctx context.Context, sessionID string, messages []store.Message, memory *store.Memory) (store.Session, error)
}

// Options tunes turn execution.
type Options struct {
	ExecutionMode  string
	TurnTimeout    time.Duration
	MaxConcurrency int
}

// TurnResult is the outcome of one orchestrated turn.
type TurnResult struct {
	Session   store.Session   `json:"session"`
	Responses []store.Message `json:"responses"`
	Rounds    int             `json:"rounds,omitempty"`
}

// Orchestrator coordinates participants, the dispatcher and the shared
// session store for salon turns.
type Orchestrator struct {
	dispatcher Dispatcher
	sessions   SessionStore
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds an orchestrator. Zero option fields fall back to
// sequential execution, a five minute turn budget and five workers.
func New(dispatcher Dispatcher, sessions SessionStore, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = ModeSequential
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 5
	}
	return &Orchestrator{
		dispatcher: dispatcher,
		sessions:   sessions,
		opts:       opts,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

// RunTurn appends one user message to the session and collects a
// response from every participant, then saves the grown transcript and
// the auto-updated memory.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, userMessage, systemPrompt string, participants []ParticipantBinding) (TurnResult, error) {
	trimmed := strings.TrimSpace(userMessage)
	if trimmed == "" {
		return TurnResult{}, fmt.Errorf("user message must not be empty")
	}
	if len(participants) == 0 {
		return TurnResult{}, fmt.Errorf("at least one participant is required")
	}

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	history := append([]store.Message(nil), state.Messages...)
	memory := state.Memory
	history = append(history, store.Message{
		Role:      "user",
		Speaker:   "user",
		Content:   trimmed,
		Timestamp: o.timestamp(),
	})

	responses := o.dispatchAll(ctx, sessionID, history, memory, systemPrompt, participants, 0)
	history = append(history, responses...)

	updated := autoMemoryAfterTurn(memory, trimmed, responses)
	saved, err := o.sessions.Save(ctx, sessionID, history, &updated)
	if err != nil {
		return TurnResult{}, err
	}

	o.logger.Info().
		Str("session_id", sessionID).
		Int("participants", len(participants)).
		Str("mode", o.opts.ExecutionMode).
		Msg("turn completed")
	return TurnResult{Session: saved, Responses: responses}, nil
}

// RunRounds runs a round-based agent-to-agent conversation: each round
// every participant responds in order, seeing everything said so far.
// An optional seed user message opens the conversation.
func (o *Orchestrator) RunRounds(ctx context.Context, sessionID, seedMessage, systemPrompt string, participants []ParticipantBinding, rounds int) (TurnResult, error) {
	if rounds < 1 {
		return TurnResult{}, fmt.Errorf("rounds must be >= 1, got %d", rounds)
	}
	if len(participants) == 0 {
		return TurnResult{}, fmt.Errorf("at least one participant is required")
	}

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	history := append([]store.Message(nil), state.Messages...)
	memory := state.Memory

	seed := strings.TrimSpace(seedMessage)
	if seed != "" {
		history = append(history, store.Message{
			Role:      "user",
			Speaker:   "user",
			Content:   seed,
			Timestamp: o.timestamp(),
		})
	}
	if len(history) == 0 {
		return TurnResult{}, fmt.Errorf("conversation is empty; provide a seed message to start")
	}

	var responses []store.Message
	for round := 1; round <= rounds; round++ {
		for _, participant := range participants {
			response := o.dispatchOne(ctx, sessionID, history, memory, systemPrompt, participant, round)
			history = append(history, response)
			responses = append(responses, response)
		}
	}

	updated := autoMemoryAfterTurn(memory, seed, responses)
	saved, err := o.sessions.Save(ctx, sessionID, history, &updated)
	if err != nil {
		return TurnResult{}, err
	}

	o.logger.Info().
		Str("session_id", sessionID).
		Int("rounds", rounds).
		Int("turns", len(responses)).
		Msg("agent conversation completed")
	return TurnResult{Session: saved, Responses: responses, Rounds: rounds}, nil
}

// dispatchAll runs one response per participant under the configured
// execution mode.
func (o *Orchestrator) dispatchAll(ctx context.Context, sessionID string, history []store.Message, memory store.Memory, systemPrompt string, participants []ParticipantBinding, round int) []store.Message {
	switch o.opts.ExecutionMode {
	case ModeParallel:
		return o.dispatchParallel(ctx, sessionID, history, memory, systemPrompt, participants, round)
	case ModePriority:
		ordered := append([]ParticipantBinding(nil), participants...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })
		return o.dispatchSequential(ctx, sessionID, history, memory, systemPrompt, ordered, round)
	default:
		return o.dispatchSequential(ctx, sessionID, history, memory, systemPrompt, participants, round)
	}
}

// dispatchSequential runs participants in order under a shared
// wall-clock budget. Participants that would start after the budget is
// spent get a synthetic degraded response instead of a dispatch. Each
// participant sees the responses of those before it.
func (o *Orchestrator) dispatchSequential(ctx context.Context, sessionID string, history []store.Message, memory store.Memory, systemPrompt string, participants []ParticipantBinding, round int) []store.Message {
	deadline := o.now().Add(o.opts.TurnTimeout)
	responses := make([]store.Message, 0, len(participants))
	working := append([]store.Message(nil), history...)

	for _, participant := range participants {
		if o.now().After(deadline) {
			o.logger.Warn().
				Str("session_id", sessionID).
				Str("speaker", participant.speakerName()).
				Msg("turn budget exhausted, skipping dispatch")
			skipped := o.timeoutResponse(participant)
			responses = append(responses, skipped)
			working = append(working, skipped)
			continue
		}
		response := o.dispatchOne(ctx, sessionID, working, memory, systemPrompt, participant, round)
		responses = append(responses, response)
		working = append(working, response)
	}
	return responses
}

// dispatchParallel fans participants out over a bounded worker pool
// with one shared timeout. Every participant sees the same pre-turn
// history; results come back in participant order.
func (o *Orchestrator) dispatchParallel(ctx context.Context, sessionID string, history []store.Message, memory store.Memory, systemPrompt string, participants []ParticipantBinding, round int) []store.Message {
	turnCtx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()

	responses := make([]store.Message, len(participants))
	workers := pool.New().WithMaxGoroutines(o.opts.MaxConcurrency)
	for i, participant := range participants {
		workers.Go(func() {
			responses[i] = o.dispatchOne(turnCtx, sessionID, history, memory, systemPrompt, participant, round)
		})
	}
	workers.Wait()
	return responses
}

// dispatchOne sends one participant's request through the dispatcher
// and shapes the reply into a transcript message. The dispatcher never
// raises; degraded replies land in the transcript like any other.
func (o *Orchestrator) dispatchOne(ctx context.Context, sessionID string, history []store.Message, memory store.Memory, systemPrompt string, participant ParticipantBinding, round int) store.Message {
	reqContext := map[string]any{
		"session_id":    sessionID,
		"agent_label":   participant.agentLabel(),
		"shared_memory": memory,
	}
	if round > 0 {
		reqContext["round"] = round
	}

	result := o.dispatcher.Send(ctx, ports.Request{
		Provider:  participant.Provider,
		Model:     participant.Model,
		Messages:  toModelMessages(history),
		System:    composeSystemPrompt(systemPrompt, memory),
		Context:   reqContext,
		Options:   ports.Options{Temperature: defaultTemperature},
		ProfileID: participant.ProfileID,
	})

	content := strings.TrimSpace(result.Content)
	if content == "" {
		content = "[empty response]"
	}
	meta := result.Meta
	if round > 0 {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["round"] = round
	}

	return store.Message{
		Role:      "assistant",
		Speaker:   participant.speakerName(),
		Provider:  participant.Provider,
		Model:     participant.Model,
		Content:   content,
		Meta:      meta,
		Timestamp: o.timestamp(),
	}
}

// timeoutResponse is the synthetic transcript entry for a participant
// whose dispatch never started.
func (o *Orchestrator) timeoutResponse(participant ParticipantBinding) store.Message {
	return store.Message{
		Role:     "assistant",
		Speaker:  participant.speakerName(),
		Provider: participant.Provider,
		Model:    participant.Model,
		Content:  "[no response: turn budget exhausted]",
		Meta: map[string]any{
			"degraded": true,
			"error":    "turn budget exhausted before dispatch",
			"attempt":  0,
		},
		Timestamp: o.timestamp(),
	}
}

func (o *Orchestrator) timestamp() string {
	return o.now().UTC().Format(time.RFC3339)
}

// toModelMessages flattens the stored transcript for a backend:
// speaker-prefixed content, long entries truncated, unknown roles
// folded into user turns, raw bridge diagnostics suppressed.
func toModelMessages(history []store.Message) []ports.Message {
	out := make([]ports.Message, 0, len(history))
	for _, item := range history {
		role := item.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		speaker := item.Speaker
		if speaker == "" {
			speaker = item.Role
		}

		content := item.Content
		lowered := strings.ToLower(content)
		if (strings.Contains(lowered, `"subtype":"init"`) || strings.Contains(lowered, `"type":"system"`)) && strings.Contains(lowered, "mcp") {
			content = "[diagnostic output omitted from shared context]"
		}
		if utf8.RuneCountInString(content) > maxContextMessageChars {
			content = clip(content, maxContextMessageChars) + "\n...[truncated]..."
		}

		prefix := "[" + speaker + "]"
		if !strings.HasPrefix(content, prefix) {
			if content == "" {
				content = prefix
			} else {
				content = prefix + " " + content
			}
		}
		out = append(out, ports.Message{Role: role, Speaker: speaker, Content: content})
	}
	return out
}

// memoryBlock renders shared memory as a prompt section. Each list
// shows at most its first few items; an empty memory renders nothing.
func memoryBlock(memory store.Memory) string {
	var lines []string
	if memory.Summary != "" {
		lines = append(lines, "Summary: "+memory.Summary)
	}
	appendList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		lines = append(lines, title)
		if len(items) > memoryDisplayItems {
			items = items[:memoryDisplayItems]
		}
		for _, item := range items {
			lines = append(lines, "- "+item)
		}
	}
	appendList("Key facts:", memory.KeyFacts)
	appendList("User preferences:", memory.UserPreferences)
	appendList("Agent notes:", memory.AgentNotes)
	if len(lines) == 0 {
		return ""
	}
	return "Shared Memory:\n" + strings.Join(lines, "\n")
}

// composeSystemPrompt joins the caller's system prompt with the shared
// memory block.
func composeSystemPrompt(systemPrompt string, memory store.Memory) string {
	var parts []string
	if trimmed := strings.TrimSpace(systemPrompt); trimmed != "" {
		parts = append(parts, trimmed)
	}
	if block := memoryBlock(memory); block != "" {
		parts = append(parts, block)
	}
	return strings.Join(parts, "\n\n")
}

// autoMemoryAfterTurn folds one turn back into shared memory: the user
// message becomes a key fact and the new summary, and the most recent
// responses become agent notes.
func autoMemoryAfterTurn(memory store.Memory, userMessage string, responses []store.Message) store.Memory {
	updated := memory
	if trimmed := strings.TrimSpace(userMessage); trimmed != "" {
		updated.KeyFacts = pushNote(updated.KeyFacts, trimmed, agentNoteHistory)
		updated.Summary = clip(trimmed, summaryNoteChars)
	}

	recent := responses
	if len(recent) > recentResponseWindow {
		recent = recent[len(recent)-recentResponseWindow:]
	}
	for _, response := range recent {
		speaker := response.Speaker
		if speaker == "" {
			speaker = "assistant"
		}
		content := strings.TrimSpace(response.Content)
		if content == "" {
			continue
		}
		note := speaker + ": " + clip(content, summaryNoteChars)
		updated.AgentNotes = pushNote(updated.AgentNotes, note, agentNoteHistory)
	}
	return updated
}

// pushNote appends a note unless it is already present, keeping only
// the most recent maxItems entries.
func pushNote(values []string, note string, maxItems int) []string {
	note = strings.TrimSpace(note)
	if note == "" {
		return values
	}
	for _, existing := range values {
		if existing == note {
			return values
		}
	}
	values = append(append([]string(nil), values...), note)
	if len(values) > maxItems {
		values = values[len(values)-maxItems:]
	}
	return values
}

// clip cuts a string to a rune budget, never splitting a multibyte
// rune.
func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
