package embedding

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"math"
)

// Stub is a deterministic hash-based embedder. The same text always
// yields a byte-identical vector, which keeps search tests predictable
// without an external API. Not suitable for production retrieval.
type Stub struct {
	dim int
}

// NewStub returns a stub embedder producing dim-length vectors.
func NewStub(dim int) *Stub {
	return &Stub{dim: dim}
}

func (s *Stub) Dim() int { return s.dim }

// Embed hashes the text with sha512, repeats the digest bytes to fill
// dim*4 bytes, reinterprets them as little-endian float32s, and
// normalizes the result to unit length. A zero-norm expansion returns
// the zero vector.
func (s *Stub) Embed(_ context.Context, text string) ([]float32, error) {
	digest := sha512.Sum512([]byte(text))

	need := s.dim * 4
	expanded := make([]byte, 0, need+len(digest))
	for len(expanded) < need {
		expanded = append(expanded, digest[:]...)
	}

	vec := make([]float32, s.dim)
	var sumSq float64
	for i := 0; i < s.dim; i++ {
		bits := binary.LittleEndian.Uint32(expanded[i*4 : i*4+4])
		f := math.Float32frombits(bits)
		vec[i] = f
		sumSq += float64(f) * float64(f)
	}

	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
