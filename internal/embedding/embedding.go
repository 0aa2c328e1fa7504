// Package embedding turns text into fixed-dimension unit-norm vectors.
// Two providers exist: a deterministic hash-based stub for dev/test and
// the OpenAI embeddings API for production retrieval quality.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/KafClaw/membank/internal/config"
)

// ErrProvider wraps any embedding provider failure. Write paths abort
// on it; gateway hooks swallow it.
var ErrProvider = errors.New("embedding provider error")

// Embedder generates an embedding vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim reports the vector dimension this embedder produces.
	Dim() int
}

// New selects an embedder from settings.
func New(s *config.Settings) (Embedder, error) {
	switch s.EmbedProvider {
	case "", "stub":
		return NewStub(s.EmbedDim), nil
	case "openai":
		return NewOpenAI(s.OpenAIAPIKey, s.OpenAIEmbedModel, s.EmbedDim), nil
	default:
		return nil, fmt.Errorf("unknown embed provider %q", s.EmbedProvider)
	}
}
