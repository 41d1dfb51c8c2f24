// Package embedding provides a client for OpenAI-compatible embedding APIs.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/recall/internal/providers"
)

// maxInputChars bounds embedding input; longer texts are truncated.
const maxInputChars = 32000

// batchSize is the number of texts sent per upstream request in EmbedMany.
const batchSize = 10

// Embedder turns text into a unit-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Client calls an OpenAI-compatible /embeddings endpoint.
type Client struct {
	apiKey      string
	apiBase     string
	model       string
	dimensions  int
	client      *http.Client
	retryConfig providers.RetryConfig
}

// NewClient creates an embedding client. apiBase defaults to the OpenAI API.
func NewClient(apiKey, apiBase, model string, dimensions int) *Client {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimensions <= 0 {
		dimensions = 1536
	}

	return &Client{
		apiKey:      apiKey,
		apiBase:     apiBase,
		model:       model,
		dimensions:  dimensions,
		client:      &http.Client{Timeout: 60 * time.Second},
		retryConfig: providers.DefaultRetryConfig(),
	}
}

func (c *Client) Dimensions() int { return c.dimensions }

// Embed returns the unit-normalized embedding for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds texts in batches of 10, preserving input order.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := make([]string, end-start)
		for i, t := range texts[start:end] {
			batch[i] = truncate(t)
		}

		vecs, err := providers.RetryDo(ctx, c.retryConfig, func() ([][]float32, error) {
			return c.doRequest(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, inputs []string) ([][]float32, error) {
	body := map[string]interface{}{
		"model": c.model,
		"input": inputs,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		retryAfter := providers.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &providers.HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("embedding: %s", string(respBody)),
			RetryAfter: retryAfter,
		}
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(parsed.Data), len(inputs))
	}

	// The API returns items with an index field; order by it rather than
	// trusting response order.
	vecs := make([][]float32, len(inputs))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding: index %d out of range", item.Index)
		}
		if len(item.Embedding) != c.dimensions {
			return nil, fmt.Errorf("embedding: got %d dimensions, want %d", len(item.Embedding), c.dimensions)
		}
		vecs[item.Index] = normalize(item.Embedding)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embedding: missing vector for input %d", i)
		}
	}
	return vecs, nil
}

func truncate(text string) string {
	if len(text) > maxInputChars {
		return text[:maxInputChars]
	}
	return text
}

// normalize scales v to unit L2 length. Zero vectors pass through unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
