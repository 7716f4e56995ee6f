package script

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// defaultDimensions keeps dev-mode vectors small but collision-resistant
// enough for similarity checks on short facts.
const defaultDimensions = 64

// Embedder is a deterministic embedding provider: each text becomes an
// L2-normalized bag-of-words hash vector. Identical texts embed identically
// and texts sharing words land close together, which is enough for the
// memory store's dedup and retrieval to behave sensibly in dev mode.
type Embedder struct {
	dims int
}

var _ dazee.EmbeddingProvider = (*Embedder)(nil)

// NewEmbedder creates an Embedder with the given vector size. Sizes below 1
// fall back to the default.
func NewEmbedder(dims int) *Embedder {
	if dims < 1 {
		dims = defaultDimensions
	}
	return &Embedder{dims: dims}
}

func (e *Embedder) Name() string    { return "script" }
func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *Embedder) embedOne(text string) []float32 {
	v := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[h.Sum32()%uint32(e.dims)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
