// Package llm defines the embedding provider abstraction and the retry
// wrapper that every remote embedding call goes through.
package llm

import (
	"context"
	"time"
)

// Provider turns batches of text into embedding vectors.
type Provider interface {
	// Name identifies the provider for logging and metrics.
	Name() string
	// Model returns the embedding model version tag. Vectors are only
	// valid for the model they were created under.
	Model() string
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderConfig configures a provider built from application config.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}
