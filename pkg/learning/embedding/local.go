package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultLocalEmbeddingModel = "all-minilm-l6-v2"

const DefaultDimension = 384

// NewLocalProvider talks to an OpenAI-compatible /v1/embeddings endpoint,
// typically a local inference server.
func NewLocalProvider(baseURL, apiKey, model string, dimension int) (*Provider, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("local embeddings require base_url")
	}
	normalizedModel := strings.TrimSpace(model)
	if normalizedModel == "" {
		normalizedModel = DefaultLocalEmbeddingModel
	}
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	endpoint := normalizeOpenAIEndpoint(baseURL)

	embedQuery := func(ctx context.Context, text string) ([]float64, error) {
		payload := map[string]any{
			"model": normalizedModel,
			"input": []string{text},
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if strings.TrimSpace(apiKey) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(apiKey))
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("local embeddings failed: %s %s", resp.Status, string(data))
		}
		var payloadResp struct {
			Data []struct {
				Embedding []float64 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &payloadResp); err != nil {
			return nil, err
		}
		if len(payloadResp.Data) == 0 {
			return nil, nil
		}
		vec := NormalizeEmbedding(payloadResp.Data[0].Embedding)
		if len(vec) != dimension {
			return nil, fmt.Errorf("embedding dimension %d does not match configured %d", len(vec), dimension)
		}
		return vec, nil
	}

	return &Provider{
		id:         "local",
		model:      normalizedModel,
		dimension:  dimension,
		embedQuery: embedQuery,
	}, nil
}

func normalizeOpenAIEndpoint(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(trimmed, "/embeddings") {
		return trimmed
	}
	if strings.HasSuffix(trimmed, "/v1") || strings.HasSuffix(trimmed, "/openai/v1") {
		return trimmed + "/embeddings"
	}
	return trimmed + "/v1/embeddings"
}
