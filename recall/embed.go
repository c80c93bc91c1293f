package recall

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/openai/openai-go/option"

	"github.com/dshills/neuroflow-go/graph/model/openai"
)

// HashEmbedder maps text to a fixed-size bag-of-words vector by hashing each
// lower-cased token into a bucket. It needs no network access and gives
// stable, if crude, similarity: texts sharing words score higher.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder producing dims-dimensional vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float64 {
	v := make([]float64, h.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		hash := fnv.New32a()
		_, _ = hash.Write([]byte(tok))
		sum := hash.Sum32()
		// The top bit picks the sign so unrelated tokens cancel out on average.
		sign := 1.0
		if sum&(1<<31) != 0 {
			sign = -1.0
		}
		v[int(sum%uint32(h.dims))] += sign
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

// NewOpenAIEmbedder returns an Embedder backed by the OpenAI embeddings API.
func NewOpenAIEmbedder(apiKey, modelName string, opts ...option.RequestOption) Embedder {
	return openai.NewEmbedder(apiKey, modelName, opts...)
}
