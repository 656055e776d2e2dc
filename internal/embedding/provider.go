// Package embedding wraps the similarity provider used by fuzzy reference
// resolution: text embeddings plus cosine ranking over a corpus.
package embedding

import (
	"context"
	"math"
	"sort"
)

// Provider produces embedding vectors for texts.
type Provider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Match is one ranked similarity hit against a corpus.
type Match struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// clamped to [0, 1]. Mismatched or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// FindSimilar ranks every corpus vector against the query and returns the
// top K matches, highest score first. Ties keep corpus order, so earlier
// entries win.
func FindSimilar(query []float32, corpus [][]float32, topK int) []Match {
	matches := make([]Match, 0, len(corpus))
	for i, vec := range corpus {
		matches = append(matches, Match{Index: i, Score: CosineSimilarity(query, vec)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
