package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdobrica/mnemos/common/redact"
	"github.com/bdobrica/mnemos/common/retry"
	"github.com/bdobrica/mnemos/internal/mnemos/memory"
)

const (
	defaultOpenAIBase    = "https://api.openai.com/v1"
	defaultOpenAIModel   = "text-embedding-3-small"
	defaultOpenAITimeout = 30 * time.Second
)

// OpenAIConfig configures the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint. Any OpenAI-compatible server works.
	BaseURL string

	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// OpenAI implements memory.Embedder using the OpenAI embeddings API.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI returns an embedder backed by an OpenAI-compatible embeddings
// endpoint. It is safe for concurrent use.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOpenAITimeout
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Embed returns the embedding of content. Client errors (4xx other than
// 429) are marked permanent so a Retrying wrapper gives up on them at once.
func (e *OpenAI) Embed(ctx context.Context, content any) ([]float32, error) {
	text, err := Text(content)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: %w", err))
	}
	if text == "" {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: empty input"))
	}

	data, err := json.Marshal(embeddingRequest{Input: text, Model: e.cfg.Model})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: create http request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: read response body: %w", err)
	}

	var out embeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("embedder openai: decode response (HTTP %d): %w", resp.StatusCode, err))
	}
	if out.Error != nil {
		// The API echoes a rejected key back in the message.
		msg := redact.String(out.Error.Message, e.cfg.APIKey)
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("embedder openai: API error (HTTP %d, %s): %s", resp.StatusCode, out.Error.Type, msg))
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("embedder openai: unexpected HTTP status %d", resp.StatusCode))
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedder openai: no embedding data returned")
	}
	return out.Data[0].Embedding, nil
}

func classifyStatus(status int, err error) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

var _ memory.Embedder = (*OpenAI)(nil)
