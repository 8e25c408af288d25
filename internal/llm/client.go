package llm

import "context"

// Completer is the interface every completion provider must implement.
// Implementations must honor ctx deadlines and cancellation; a timed-out
// call is a stage failure for the caller, the same as any other error.
type Completer interface {
	// Complete sends a system+user prompt pair and returns the raw
	// completion text with token usage.
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (*Completion, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
