package embedding

import "gonum.org/v1/gonum/floats"

// Normalize scales v to unit L2 norm in place. The zero vector is left
// unchanged.
func Normalize(v []float32) []float32 {
	x := widen(v)
	n := floats.Norm(x, 2)
	if n == 0 {
		return v
	}
	floats.Scale(1/n, x)
	for i, f := range x {
		v[i] = float32(f)
	}
	return v
}

// CosineSimilarity accumulates in float64. Two zero vectors are identical
// (1); a zero vector against a non-zero one is orthogonal (0).
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	x, y := widen(a), widen(b)
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	switch {
	case na == 0 && nb == 0:
		return 1
	case na == 0 || nb == 0:
		return 0
	}
	return floats.Dot(x, y) / (na * nb)
}

// SimilarityMatrix returns the pairwise cosine similarities of vecs.
func SimilarityMatrix(vecs [][]float32) [][]float64 {
	wide := make([][]float64, len(vecs))
	norms := make([]float64, len(vecs))
	for i, v := range vecs {
		wide[i] = widen(v)
		norms[i] = floats.Norm(wide[i], 2)
	}
	out := make([][]float64, len(vecs))
	for i := range vecs {
		out[i] = make([]float64, len(vecs))
		for j := range vecs {
			switch {
			case j < i:
				out[i][j] = out[j][i]
			case len(wide[i]) != len(wide[j]):
				out[i][j] = 0
			case norms[i] == 0 && norms[j] == 0:
				out[i][j] = 1
			case norms[i] == 0 || norms[j] == 0:
				out[i][j] = 0
			default:
				out[i][j] = floats.Dot(wide[i], wide[j]) / (norms[i] * norms[j])
			}
		}
	}
	return out
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
