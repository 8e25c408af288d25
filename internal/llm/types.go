// Package llm provides completion provider clients for the response
// cascade. Providers return raw text; the cascade layer is responsible
// for parsing and validating the JSON payloads the prompts request.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Completion is the unified result from any completion provider.
// All fields use proper Go types — wire format conversion happens at
// provider boundaries (anthropic.go, ollama.go).
type Completion struct {
	// Text is the raw model output. Cascade stages expect a JSON
	// document here and treat parse failures as stage failures.
	Text string

	// Model is the concrete model that produced the completion.
	Model string

	// Token usage (provider-neutral).
	InputTokens  int
	OutputTokens int
}
