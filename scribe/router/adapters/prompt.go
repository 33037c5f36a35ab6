package adapters

import (
	"fmt"
	"sort"
	"strings"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

// transcriptWindow is how many trailing messages a CLI prompt carries.
const transcriptWindow = 30

// FlattenPrompt renders a request into the single-string prompt the
// CLI bridges accept: optional [SYSTEM] and [CONTEXT] sections, then a
// [TRANSCRIPT] of the trailing message window. A resumed request sends
// only the new turn; the backend session already holds the rest.
func FlattenPrompt(req ports.Request) string {
	if req.ResumeSessionID != "" {
		return flattenResume(req)
	}

	var sections []string

	if s := strings.TrimSpace(req.System); s != "" {
		sections = append(sections, "[SYSTEM]\n"+s)
	}

	if len(req.Context) > 0 {
		var lines []string
		for _, key := range sortedKeys(req.Context) {
			lines = append(lines, fmt.Sprintf("%s: %v", key, req.Context[key]))
		}
		sections = append(sections, "[CONTEXT]\n"+strings.Join(lines, "\n"))
	}

	msgs := req.Messages
	if len(msgs) > transcriptWindow {
		msgs = msgs[len(msgs)-transcriptWindow:]
	}
	var transcript []string
	for _, m := range msgs {
		speaker := m.Speaker
		if speaker == "" {
			speaker = m.Role
		}
		transcript = append(transcript, fmt.Sprintf("%s: %s", speaker, m.Content))
	}
	sections = append(sections, "[TRANSCRIPT]\n"+strings.Join(transcript, "\n"))

	return strings.Join(sections, "\n\n")
}

// flattenResume renders only the messages after the last assistant
// turn. The resumed session carries the earlier transcript and system
// context on the backend side, so re-sending them would duplicate it.
func flattenResume(req ports.Request) string {
	msgs := req.Messages
	start := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			start = i + 1
			break
		}
	}
	if start >= len(msgs) && len(msgs) > 0 {
		start = len(msgs) - 1
	}

	var lines []string
	for _, m := range msgs[start:] {
		speaker := m.Speaker
		if speaker == "" {
			speaker = m.Role
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, m.Content))
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
