// Package provider defines the capability interfaces the pipeline and query
// engine depend on, keeping model vendors behind small seams.
package provider

import "context"

// Embedder turns texts into embedding vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a completion for a system/user prompt pair.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
