// Package embeddings talks to the embedding sidecar and maintains the
// nearest-neighbor index over archive entries and dictionary definitions.
// Vectors are int8-quantized and travel base64-encoded, matching the
// sidecar's wire format.
package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Entry is one cached embedding row in embeddings.json.
type Entry struct {
	Identifier string `json:"identifier"`
	Embedding  string `json:"embedding"` // base64 int8
	UpdatedAt  int64  `json:"updated_at"`
}

// Client calls the embedding sidecar.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the sidecar at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

type embedRequest struct {
	Texts     []string `json:"texts"`
	ModelType string   `json:"model_type"`
}

type embedResponse struct {
	Embeddings []string `json:"embeddings"`
}

// GenerateDocumentEmbeddings embeds texts with the document model.
func (c *Client) GenerateDocumentEmbeddings(ctx context.Context, texts []string) ([]string, error) {
	return c.embed(ctx, texts, "document")
}

// GenerateQueryEmbeddings embeds texts with the query model.
func (c *Client) GenerateQueryEmbeddings(ctx context.Context, texts []string) ([]string, error) {
	return c.embed(ctx, texts, "query")
}

func (c *Client) embed(ctx context.Context, texts []string, modelType string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(embedRequest{Texts: texts, ModelType: modelType})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service status %d", resp.StatusCode)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count %d does not match input %d", len(decoded.Embeddings), len(texts))
	}
	return decoded.Embeddings, nil
}

// DecodeVector decodes a base64 int8 vector.
func DecodeVector(encoded string) ([]int8, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	vector := make([]int8, len(raw))
	for i, b := range raw {
		vector[i] = int8(b)
	}
	return vector, nil
}

// EncodeVector encodes an int8 vector to base64.
func EncodeVector(vector []int8) string {
	raw := make([]byte, len(vector))
	for i, v := range vector {
		raw[i] = byte(v)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// CosineSimilarity computes similarity between two quantized vectors.
// Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []int8) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		va, vb := float64(a[i]), float64(b[i])
		dot += va * vb
		normA += va * va
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ComputeSimilarities scores a query vector against each candidate.
func ComputeSimilarities(query []int8, candidates [][]int8) []float64 {
	scores := make([]float64, len(candidates))
	for i, candidate := range candidates {
		scores[i] = CosineSimilarity(query, candidate)
	}
	return scores
}
