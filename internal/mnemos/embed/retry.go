package embed

import (
	"context"

	"github.com/bdobrica/mnemos/common/retry"
	"github.com/bdobrica/mnemos/internal/mnemos/memory"
)

// Retrying wraps an embedder with exponential backoff. The memory Manager
// never retries on its own; applications opt in by wrapping.
type Retrying struct {
	Inner  memory.Embedder
	Policy retry.Policy
}

func (r *Retrying) Embed(ctx context.Context, content any) ([]float32, error) {
	return retry.Do(ctx, r.Policy, func(ctx context.Context) ([]float32, error) {
		return r.Inner.Embed(ctx, content)
	})
}

var _ memory.Embedder = (*Retrying)(nil)
