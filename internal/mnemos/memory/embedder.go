package memory

import "context"

// Embedder produces a vector embedding for record content. The Manager
// treats it as a black box and never retries a failed call.
type Embedder interface {
	Embed(ctx context.Context, content any) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, content any) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, content any) ([]float32, error) {
	return f(ctx, content)
}
