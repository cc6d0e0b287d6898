package memory

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/bdobrica/mnemos/common/crypto"
)

// Codec converts record content to and from its stored form.
type Codec interface {
	Marshal(content any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

const jsonEnvelopeVersion = 1

type jsonEnvelope struct {
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

// JSONCodec stores content as a versioned JSON envelope. Decoded content
// uses JSON-native types (map[string]any, []any, float64, string, bool).
type JSONCodec struct{}

func (JSONCodec) Marshal(content any) ([]byte, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal content: %w", err)
	}
	out, err := json.Marshal(jsonEnvelope{V: jsonEnvelopeVersion, Data: data})
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal envelope: %w", err)
	}
	return out, nil
}

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("json codec: decode envelope: %w", err)
	}
	if env.V != jsonEnvelopeVersion {
		return nil, fmt.Errorf("json codec: unsupported envelope version %d", env.V)
	}
	var content any
	if err := json.Unmarshal(env.Data, &content); err != nil {
		return nil, fmt.Errorf("json codec: decode content: %w", err)
	}
	return content, nil
}

// SealedCodec encrypts the output of Inner with AES-256-GCM. The associated
// data binds each blob to this codec so sealed content cannot be confused
// with other sealed material under the same key.
type SealedCodec struct {
	Inner Codec
	Key   []byte
}

var sealedCodecAAD = []byte("mnemos/content/v1")

func (c SealedCodec) Marshal(content any) ([]byte, error) {
	plain, err := c.Inner.Marshal(content)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(c.Key, plain, sealedCodecAAD)
	if err != nil {
		return nil, fmt.Errorf("sealed codec: %w", err)
	}
	return sealed, nil
}

func (c SealedCodec) Unmarshal(data []byte) (any, error) {
	plain, err := crypto.Open(c.Key, data, sealedCodecAAD)
	if err != nil {
		return nil, fmt.Errorf("sealed codec: %w", err)
	}
	return c.Inner.Unmarshal(plain)
}

var errBadEmbedding = errors.New("embedding blob length is not a multiple of 4")

// EncodeEmbedding packs v as little-endian float32s.
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding is the inverse of EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errBadEmbedding
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
