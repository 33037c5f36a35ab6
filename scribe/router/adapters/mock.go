package adapters

import (
	"context"
	"fmt"
	"strings"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

// FallbackMarker prefixes content synthesized after retry exhaustion
// so transcripts make degradation visible.
const FallbackMarker = "[mock-fallback]"

// Mock synthesizes a deterministic echo-style response. It backs mock
// profiles and is the universal fallback when every real attempt
// fails.
type Mock struct{}

var _ ports.Backend = (*Mock)(nil)

// NewMock builds the mock backend.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Send(_ context.Context, req ports.Request, _ ports.Profile) (ports.Response, error) {
	lastContent := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if c := strings.TrimSpace(req.Messages[i].Content); c != "" {
			lastContent = c
			break
		}
	}

	var parts []string
	if s := strings.TrimSpace(req.System); s != "" {
		parts = append(parts, s)
	}
	if lastContent != "" {
		parts = append(parts, lastContent)
	}

	content := fmt.Sprintf("[provider=%s model=%s]", req.Provider, req.Model)
	if len(parts) > 0 {
		content = fmt.Sprintf("%s %s", content, strings.Join(parts, "\n\n"))
	}

	return ports.Response{
		Content:   content,
		Artifacts: []any{},
		Meta:      map[string]any{"bridge": "mock"},
	}, nil
}
