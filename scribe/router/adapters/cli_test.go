package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

type fakeRunner struct {
	stdout   string
	err      error
	lastName string
	lastArgs []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.lastName = name
	f.lastArgs = args
	return f.stdout, f.err
}

func cliProfile(provider, command string) ports.Profile {
	return ports.Profile{
		ID:       provider + ":default",
		Provider: provider,
		AuthMode: ports.AuthCLIOAuth,
		Enabled:  true,
		Metadata: map[string]string{"command": command},
	}
}

func TestCodexParsesAgentMessageAndThread(t *testing.T) {
	runner := &fakeRunner{stdout: strings.Join([]string{
		`{"type":"thread.started","thread_id":"th-001"}`,
		`{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"first draft"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"final answer"}}`,
	}, "\n")}
	backend := NewCodexCLI(time.Minute, zerolog.Nop(), runner)

	resp, err := backend.Send(context.Background(), ports.Request{
		Provider: "openai",
		Model:    "gpt-5.2-codex",
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	}, cliProfile("openai", "codex"))
	require.NoError(t, err)

	// The last agent_message wins.
	assert.Equal(t, "final answer", resp.Content)
	assert.Equal(t, "th-001", resp.Meta["cli_session_id"])

	assert.Equal(t, "codex", runner.lastName)
	assert.Equal(t, "exec", runner.lastArgs[0])
	assert.Contains(t, runner.lastArgs, "--skip-git-repo-check")
	assert.Contains(t, runner.lastArgs, "--json")
	assert.Contains(t, runner.lastArgs, "-m")
	assert.NotContains(t, runner.lastArgs, "resume")
}

func TestCodexResumePassesSessionID(t *testing.T) {
	runner := &fakeRunner{stdout: `{"type":"item.completed","item":{"type":"agent_message","text":"ok"}}`}
	backend := NewCodexCLI(time.Minute, zerolog.Nop(), runner)

	_, err := backend.Send(context.Background(), ports.Request{
		Provider:        "openai",
		Model:           "gpt-5.2-codex",
		ResumeSessionID: "th-123",
		Messages: []ports.Message{
			{Role: "user", Speaker: "user", Content: "opening"},
			{Role: "assistant", Speaker: "Codex", Content: "answered"},
			{Role: "user", Speaker: "user", Content: "new question"},
		},
	}, cliProfile("openai", "codex"))
	require.NoError(t, err)

	joined := strings.Join(runner.lastArgs, " ")
	assert.Contains(t, joined, "resume th-123")

	// The resumed thread already has the earlier turns; only the new
	// one rides along.
	prompt := runner.lastArgs[len(runner.lastArgs)-1]
	assert.Equal(t, "user: new question", prompt)
}

func TestCodexNoAgentMessageIsHardFailure(t *testing.T) {
	runner := &fakeRunner{stdout: strings.Join([]string{
		`{"type":"thread.started","thread_id":"th-002"}`,
		`{"type":"error","message":"rate limited"}`,
		`{"type":"turn.failed","error":{"message":"turn aborted"}}`,
	}, "\n")}
	backend := NewCodexCLI(time.Minute, zerolog.Nop(), runner)

	_, err := backend.Send(context.Background(), ports.Request{Provider: "openai", Model: "gpt-5.2-codex"}, cliProfile("openai", "codex"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Contains(t, err.Error(), "turn aborted")
}

func TestCodexRunErrorSurfacesWhenUnparseable(t *testing.T) {
	runner := &fakeRunner{stdout: "", err: errors.New("binary not found")}
	backend := NewCodexCLI(time.Minute, zerolog.Nop(), runner)

	_, err := backend.Send(context.Background(), ports.Request{Provider: "openai", Model: "gpt-5.2-codex"}, cliProfile("openai", "codex"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary not found")
}

func TestClaudeParsesLastResultObject(t *testing.T) {
	runner := &fakeRunner{stdout: strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"result":"partial","is_error":false,"session_id":"sess-a","duration_ms":10}`,
		`{"result":"the real answer","is_error":false,"session_id":"sess-b","duration_ms":1500}`,
	}, "\n")}
	backend := NewClaudeCLI(time.Minute, zerolog.Nop(), runner)

	resp, err := backend.Send(context.Background(), ports.Request{
		Provider: "anthropic",
		Model:    "opus",
	}, cliProfile("anthropic", "claude"))
	require.NoError(t, err)

	assert.Equal(t, "the real answer", resp.Content)
	assert.Equal(t, "sess-b", resp.Meta["cli_session_id"])
	assert.Equal(t, int64(1500), resp.Meta["cli_duration_ms"])

	assert.Equal(t, "claude", runner.lastName)
	joined := strings.Join(runner.lastArgs, " ")
	assert.Contains(t, joined, "--print")
	assert.Contains(t, joined, "--output-format json")
	assert.Contains(t, joined, "--model opus")
	assert.NotContains(t, joined, "--resume")
}

func TestClaudeResumeFlag(t *testing.T) {
	runner := &fakeRunner{stdout: `{"result":"ok","is_error":false,"session_id":"sess-c"}`}
	backend := NewClaudeCLI(time.Minute, zerolog.Nop(), runner)

	_, err := backend.Send(context.Background(), ports.Request{
		Provider:        "anthropic",
		Model:           "opus",
		ResumeSessionID: "sess-prev",
	}, cliProfile("anthropic", "claude"))
	require.NoError(t, err)

	joined := strings.Join(runner.lastArgs, " ")
	assert.Contains(t, joined, "--resume sess-prev")
}

func TestClaudeErrorResultFails(t *testing.T) {
	runner := &fakeRunner{stdout: `{"result":"credit balance too low","is_error":true}`}
	backend := NewClaudeCLI(time.Minute, zerolog.Nop(), runner)

	_, err := backend.Send(context.Background(), ports.Request{Provider: "anthropic", Model: "opus"}, cliProfile("anthropic", "claude"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credit balance too low")
}

func TestClaudeNoPayloadFails(t *testing.T) {
	runner := &fakeRunner{stdout: "plain text output, no json"}
	backend := NewClaudeCLI(time.Minute, zerolog.Nop(), runner)

	_, err := backend.Send(context.Background(), ports.Request{Provider: "anthropic", Model: "opus"}, cliProfile("anthropic", "claude"))
	require.Error(t, err)
}

func TestFlattenPromptSections(t *testing.T) {
	req := ports.Request{
		System: "Stay in character.",
		Context: map[string]any{
			"session_id":  "salon-1",
			"agent_label": "Claude",
		},
		Messages: []ports.Message{
			{Role: "user", Speaker: "user", Content: "hello there"},
			{Role: "assistant", Speaker: "Codex", Content: "hi back"},
		},
	}

	prompt := FlattenPrompt(req)
	assert.Contains(t, prompt, "[SYSTEM]\nStay in character.")
	assert.Contains(t, prompt, "[CONTEXT]\nagent_label: Claude\nsession_id: salon-1")
	assert.Contains(t, prompt, "[TRANSCRIPT]\nuser: hello there\nCodex: hi back")
}

func TestFlattenPromptWindowsTranscript(t *testing.T) {
	var msgs []ports.Message
	for i := 0; i < 40; i++ {
		msgs = append(msgs, ports.Message{Role: "user", Speaker: "user", Content: fmt.Sprintf("message %d", i)})
	}

	prompt := FlattenPrompt(ports.Request{Messages: msgs})
	assert.NotContains(t, prompt, "message 9\n")
	assert.Contains(t, prompt, "message 10")
	assert.Contains(t, prompt, "message 39")
	assert.Equal(t, transcriptWindow, strings.Count(prompt, "user: "))
}

func TestFlattenPromptResumeSendsOnlyNewTurn(t *testing.T) {
	req := ports.Request{
		System:          "Stay in character.",
		Context:         map[string]any{"session_id": "salon-1"},
		ResumeSessionID: "sess-prev",
		Messages: []ports.Message{
			{Role: "user", Speaker: "user", Content: "opening question"},
			{Role: "assistant", Speaker: "Claude", Content: "earlier answer"},
			{Role: "user", Speaker: "user", Content: "follow-up question"},
		},
	}

	prompt := FlattenPrompt(req)
	assert.Equal(t, "user: follow-up question", prompt)
	assert.NotContains(t, prompt, "[SYSTEM]")
	assert.NotContains(t, prompt, "[TRANSCRIPT]")
	assert.NotContains(t, prompt, "earlier answer")
}

func TestFlattenPromptResumeFallsBackToLastMessage(t *testing.T) {
	prompt := FlattenPrompt(ports.Request{
		ResumeSessionID: "sess-prev",
		Messages: []ports.Message{
			{Role: "assistant", Speaker: "Claude", Content: "first"},
			{Role: "assistant", Speaker: "Codex", Content: "second"},
		},
	})
	assert.Equal(t, "Codex: second", prompt)
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	out := truncate(strings.Repeat("é", 10), 5)
	assert.Equal(t, "ééééé...", out)
	assert.True(t, utf8.ValidString(out))
}

func TestMockEchoesProviderAndPrompt(t *testing.T) {
	m := NewMock()
	resp, err := m.Send(context.Background(), ports.Request{
		Provider: "mock",
		Model:    "placeholder",
		System:   "be brief",
		Messages: []ports.Message{{Role: "user", Content: "what is up"}},
	}, ports.Profile{})
	require.NoError(t, err)

	assert.Contains(t, resp.Content, "[provider=mock model=placeholder]")
	assert.Contains(t, resp.Content, "be brief")
	assert.Contains(t, resp.Content, "what is up")
}
