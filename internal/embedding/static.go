package embedding

import "context"

// StaticProvider maps exact texts to fixed vectors. Used by tests and as an
// offline fallback; unknown texts get the Default vector.
type StaticProvider struct {
	Vectors map[string][]float32
	Default []float32
}

// EmbedTexts returns the configured vector per text.
func (p *StaticProvider) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := p.Vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = p.Default
		}
	}
	return out, nil
}
