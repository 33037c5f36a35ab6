package router

// modelAliases maps short, user-facing model names to the concrete
// identifiers each provider expects. Applied before dispatch; when the
// resolved name differs from the request it is reported in meta.
var modelAliases = map[string]map[string]string{
	"anthropic": {
		"opus":   "claude-opus-4-1-20250805",
		"sonnet": "claude-3-7-sonnet-20250219",
	},
	"openai": {
		"codex": "gpt-5.2-codex",
	},
}

// ResolveModel applies the provider's alias table to a model name.
// Unknown names pass through untouched.
func ResolveModel(provider, model string) string {
	if aliases, ok := modelAliases[provider]; ok {
		if resolved, ok := aliases[model]; ok {
			return resolved
		}
	}
	return model
}
