package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

// CommandRunner executes one CLI invocation and returns its stdout.
// Injectable so the protocol parsers are testable without binaries.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s: %w (stderr: %s)", name, err, strings.TrimSpace(errOut.String()))
	}
	return out.String(), nil
}

// CodexCLI bridges to the "codex" binary over its exec subcommand.
// Stdout is newline-delimited JSON events; the final agent_message
// text is the response and thread.started carries the resumable
// thread id.
type CodexCLI struct {
	runner  CommandRunner
	timeout time.Duration
	logger  zerolog.Logger
}

var _ ports.Backend = (*CodexCLI)(nil)

// NewCodexCLI builds the codex bridge. A nil runner uses os/exec.
func NewCodexCLI(timeout time.Duration, logger zerolog.Logger, runner CommandRunner) *CodexCLI {
	if runner == nil {
		runner = execRunner{}
	}
	return &CodexCLI{
		runner:  runner,
		timeout: timeout,
		logger:  logger.With().Str("component", "router").Str("bridge", "codex").Logger(),
	}
}

func (c *CodexCLI) Send(ctx context.Context, req ports.Request, profile ports.Profile) (ports.Response, error) {
	command := profile.Metadata["command"]
	if command == "" {
		command = "codex"
	}

	args := []string{"exec", "--skip-git-repo-check"}
	if req.ResumeSessionID != "" {
		args = append(args, "resume", req.ResumeSessionID)
	}
	args = append(args, "--json", "-m", req.Model, FlattenPrompt(req))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	stdout, runErr := c.runner.Run(ctx, command, args...)
	latency := time.Since(start)

	text, threadID, parseErr := parseCodexEvents(stdout)
	if parseErr != nil {
		if runErr != nil {
			return ports.Response{}, fmt.Errorf("codex invocation failed: %w", runErr)
		}
		return ports.Response{}, parseErr
	}

	c.logger.Debug().
		Str("model", req.Model).
		Dur("latency", latency).
		Bool("resumed", req.ResumeSessionID != "").
		Msg("codex turn completed")

	return ports.Response{
		Content:   text,
		Artifacts: []any{},
		Meta: map[string]any{
			"bridge":         "codex",
			"cli_session_id": threadID,
			"latency_ms":     latency.Milliseconds(),
		},
	}, nil
}

// parseCodexEvents walks the NDJSON stream. The last agent_message
// wins; error and turn.failed events are collected. No agent_message
// at all is a hard failure.
func parseCodexEvents(stdout string) (text, threadID string, err error) {
	var errors []string

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event struct {
			Type     string `json:"type"`
			ThreadID string `json:"thread_id"`
			Message  string `json:"message"`
			Item     struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal([]byte(line), &event); jsonErr != nil {
			continue
		}

		switch event.Type {
		case "thread.started":
			threadID = event.ThreadID
		case "item.completed":
			if event.Item.Type == "agent_message" && event.Item.Text != "" {
				text = event.Item.Text
			}
		case "error":
			errors = append(errors, event.Message)
		case "turn.failed":
			errors = append(errors, event.Error.Message)
		}
	}

	if text == "" {
		if len(errors) > 0 {
			return "", threadID, fmt.Errorf("codex returned no agent message: %s", strings.Join(errors, "; "))
		}
		return "", threadID, fmt.Errorf("codex returned no agent message")
	}
	return text, threadID, nil
}

// ClaudeCLI bridges to the "claude" binary in print mode. The last
// JSON object on stdout containing a result or is_error key carries
// the outcome.
type ClaudeCLI struct {
	runner  CommandRunner
	timeout time.Duration
	logger  zerolog.Logger
}

var _ ports.Backend = (*ClaudeCLI)(nil)

// NewClaudeCLI builds the claude bridge. A nil runner uses os/exec.
func NewClaudeCLI(timeout time.Duration, logger zerolog.Logger, runner CommandRunner) *ClaudeCLI {
	if runner == nil {
		runner = execRunner{}
	}
	return &ClaudeCLI{
		runner:  runner,
		timeout: timeout,
		logger:  logger.With().Str("component", "router").Str("bridge", "claude").Logger(),
	}
}

func (c *ClaudeCLI) Send(ctx context.Context, req ports.Request, profile ports.Profile) (ports.Response, error) {
	command := profile.Metadata["command"]
	if command == "" {
		command = "claude"
	}

	args := []string{"--print", "--output-format", "json"}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	args = append(args, "--model", req.Model, FlattenPrompt(req))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	stdout, runErr := c.runner.Run(ctx, command, args...)
	latency := time.Since(start)

	result, parseErr := parseClaudeOutput(stdout)
	if parseErr != nil {
		if runErr != nil {
			return ports.Response{}, fmt.Errorf("claude invocation failed: %w", runErr)
		}
		return ports.Response{}, parseErr
	}
	if result.IsError {
		return ports.Response{}, fmt.Errorf("claude reported error: %s", result.Result)
	}

	c.logger.Debug().
		Str("model", req.Model).
		Dur("latency", latency).
		Bool("resumed", req.ResumeSessionID != "").
		Msg("claude turn completed")

	return ports.Response{
		Content:   result.Result,
		Artifacts: []any{},
		Meta: map[string]any{
			"bridge":          "claude",
			"cli_session_id":  result.SessionID,
			"cli_duration_ms": result.DurationMs,
			"latency_ms":      latency.Milliseconds(),
		},
	}, nil
}

type claudeResult struct {
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
	SessionID  string `json:"session_id"`
	DurationMs int64  `json:"duration_ms"`
}

// parseClaudeOutput scans stdout line by line and keeps the last JSON
// object carrying a result or is_error key. Diagnostic lines before
// the payload are ignored.
func parseClaudeOutput(stdout string) (claudeResult, error) {
	var last *claudeResult

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		_, hasResult := raw["result"]
		_, hasIsError := raw["is_error"]
		if !hasResult && !hasIsError {
			continue
		}
		var parsed claudeResult
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		last = &parsed
	}

	if last == nil {
		return claudeResult{}, fmt.Errorf("claude produced no result payload")
	}
	return *last, nil
}
