package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/mnemos/common/retry"
	"github.com/bdobrica/mnemos/internal/mnemos/memory"
)

func norm(v []float32) float64 {
	var s float64
	for _, f := range v {
		s += float64(f) * float64(f)
	}
	return math.Sqrt(s)
}

func TestHash_DeterministicAndNormalised(t *testing.T) {
	h := NewHash(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "The quick brown fox")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := h.Embed(ctx, "the QUICK brown fox!")
	if len(a) != 64 {
		t.Fatalf("dims: got %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
	if n := norm(a); math.Abs(n-1) > 1e-5 {
		t.Errorf("norm: got %v, want 1", n)
	}
}

func TestHash_StructuredAndPunctuationOnlyContent(t *testing.T) {
	h := NewHash(0)
	ctx := context.Background()

	v, err := h.Embed(ctx, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Embed map: %v", err)
	}
	if len(v) != DefaultHashDims {
		t.Errorf("dims: got %d, want %d", len(v), DefaultHashDims)
	}

	v, err = h.Embed(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("Embed empty map: %v", err)
	}
	if norm(v) == 0 {
		t.Error("expected a non-zero vector for content without word tokens")
	}

	if _, err := h.Embed(ctx, make(chan int)); err == nil {
		t.Error("expected error for unencodable content")
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{[]byte("bytes"), "bytes"},
		{map[string]any{"a": 1}, `{"a":1}`},
		{42, "42"},
	}
	for _, tt := range tests {
		got, err := Text(tt.in)
		if err != nil {
			t.Fatalf("Text(%v): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Text(%v): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenAI_SuccessfulEmbedding(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/embeddings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization: got %q", got)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != defaultOpenAIModel {
			t.Errorf("model: got %q", req.Model)
		}
		if req.Input != `{"note":"hi"}` {
			t.Errorf("input: got %q", req.Input)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Embedding: want}}})
	}))
	defer srv.Close()

	e := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	got, err := e.Embed(context.Background(), map[string]string{"note": "hi"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d]: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
		}))
		_, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := retry.IsPermanent(err); got != tt.permanent {
			t.Errorf("status %d: permanent got %v, want %v (%v)", tt.status, got, tt.permanent, err)
		}
	}
}

func TestOpenAI_RedactsKeyInAPIError(t *testing.T) {
	const key = "sk-test-0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided: ` + key + `","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: key}).Embed(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), key) {
		t.Errorf("API key leaked into error: %v", err)
	}
	if !strings.Contains(err.Error(), "[REDACTED]") {
		t.Errorf("expected redaction marker: %v", err)
	}
}

func TestOpenAI_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if _, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL}).Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestRetrying_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	inner := memory.EmbedderFunc(func(context.Context, any) ([]float32, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("unavailable")
		}
		return []float32{1}, nil
	})
	r := &Retrying{Inner: inner, Policy: retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}}

	v, err := r.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 1 || calls.Load() != 3 {
		t.Errorf("got %v after %d calls", v, calls.Load())
	}
}

func TestRetrying_StopsOnPermanent(t *testing.T) {
	var calls atomic.Int32
	inner := memory.EmbedderFunc(func(context.Context, any) ([]float32, error) {
		calls.Add(1)
		return nil, retry.Permanent(errors.New("bad input"))
	})
	r := &Retrying{Inner: inner, Policy: retry.Policy{Attempts: 5, BaseDelay: time.Millisecond}}

	if _, err := r.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}
