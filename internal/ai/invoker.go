// Package ai wraps the model providers behind a single completion call.
package ai

import "context"

// Config tunes a single completion call.
type Config struct {
	Model       string
	Temperature float32
}

// Invoker is the one-call-per-job provider contract.
type Invoker interface {
	Complete(ctx context.Context, prompt string, cfg Config) (string, error)
}

// Static is the explicit no-provider implementation: every completion
// returns a fixed reply. Used when no API key is configured and in tests.
type Static struct {
	Reply string
}

func (s Static) Complete(ctx context.Context, prompt string, cfg Config) (string, error) {
	return s.Reply, nil
}
