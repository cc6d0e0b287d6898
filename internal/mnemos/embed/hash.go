// Package embed provides memory.Embedder implementations: a local
// feature-hashing embedder, an OpenAI-compatible HTTP client, and a
// retrying decorator.
package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/bdobrica/mnemos/internal/mnemos/memory"
)

// DefaultHashDims is the vector width of Hash when Dims is zero.
const DefaultHashDims = 256

// Hash embeds content by hashing its lowercased word tokens into a fixed
// number of signed buckets and L2-normalising the result. It needs no
// network, is deterministic, and gives equal text equal vectors.
type Hash struct {
	Dims int
}

// NewHash returns a Hash embedder with dims buckets.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &Hash{Dims: dims}
}

func (h *Hash) Embed(ctx context.Context, content any) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := Text(content)
	if err != nil {
		return nil, fmt.Errorf("embedder hash: %w", err)
	}
	dims := h.Dims
	if dims <= 0 {
		dims = DefaultHashDims
	}

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	vec := make([]float32, dims)
	for _, tok := range tokens {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Text renders content as the string an embedder sees: strings and byte
// slices as-is, anything else as JSON.
func Text(content any) (string, error) {
	switch v := content.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(data), nil
}

var _ memory.Embedder = (*Hash)(nil)
