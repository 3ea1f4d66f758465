// Package llm adapts embedding and text-generation models to the pipeline.
package llm

import "context"

// Embedder maps text to fixed-length vectors. EmbedMany preserves input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Generator produces an answer for a fully assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
