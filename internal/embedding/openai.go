package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxInputChars is the defensive cap on embedding input length.
const maxInputChars = 8191

// OpenAI calls the OpenAI embeddings API (or any compatible endpoint).
type OpenAI struct {
	apiKey     string
	model      string
	apiBase    string
	dim        int
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI embedder.
func NewOpenAI(apiKey, model string, dim int) *OpenAI {
	return &OpenAI{
		apiKey:  apiKey,
		model:   model,
		apiBase: "https://api.openai.com/v1",
		dim:     dim,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OpenAI) Dim() int { return p.dim }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests an embedding for the text, retrying transient
// failures (network errors, 429, 5xx) with exponential backoff inside
// the client timeout budget.
func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if runes := []rune(text); len(runes) > maxInputChars {
		text = string(runes[:maxInputChars])
	}

	var vec []float32
	op := func() error {
		v, err := p.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return vec, nil
}

func (p *OpenAI) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var apiResp embedResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse response: %w", err))
	}
	if len(apiResp.Data) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("empty embedding response"))
	}
	return apiResp.Data[0].Embedding, nil
}
