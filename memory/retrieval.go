package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
)

// Retrieval constants. The recency bonus decays hyperbolically: a
// fresh record gets the full bonus, a ten-hour-old record half of it.
const (
	DefaultTopK = 3

	recencyWeight = 0.1
	hourlyDecay   = 0.1
)

// Retriever ranks a user's memory records against a query embedding.
type Retriever struct {
	memories store.MemoryStore
	topK     int
	now      func() time.Time
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithTopK overrides the result cap.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// withClock fixes the clock, for tests.
func withClock(now func() time.Time) RetrieverOption {
	return func(r *Retriever) {
		r.now = now
	}
}

// NewRetriever creates a Retriever over the given store.
func NewRetriever(memories store.MemoryStore, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		memories: memories,
		topK:     DefaultTopK,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns the user's best-scoring records for the query
// embedding, at most topK of them.
//
// score = cosine(query, record) + 0.1 × (1 / (1 + hoursOld × 0.1))
//
// Records are ordered by descending score, ties broken by newer
// CreatedAt. An empty store yields an empty slice and no error.
func (r *Retriever) Retrieve(ctx context.Context, userID int64, queryEmbedding []float32) ([]chatmesh.MemoryRecord, error) {
	if len(queryEmbedding) == 0 {
		return nil, nil
	}

	records, err := r.memories.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories for user %d: %w", userID, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	query := toFloat64(queryEmbedding)
	now := r.now()

	type scored struct {
		rec   chatmesh.MemoryRecord
		score float64
	}
	candidates := make([]scored, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) != len(queryEmbedding) {
			continue
		}
		hoursOld := now.Sub(rec.CreatedAt).Hours()
		if hoursOld < 0 {
			hoursOld = 0
		}
		score := cosine(query, toFloat64(rec.Embedding)) +
			recencyWeight*(1/(1+hoursOld*hourlyDecay))
		candidates = append(candidates, scored{rec: rec, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rec.CreatedAt.After(candidates[j].rec.CreatedAt)
	})

	n := r.topK
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]chatmesh.MemoryRecord, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, c.rec)
	}
	return out, nil
}

// cosine computes cosine similarity, 0 for zero-magnitude vectors.
func cosine(a, b []float64) float64 {
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return floats.Dot(a, b) / (normA * normB)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
