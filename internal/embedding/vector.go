package embedding

import "math"

// Norm returns the L2 norm of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned
// unchanged.
func Normalize(v []float64) []float64 {
	norm := Norm(v)
	out := make([]float64, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// CosineDistance returns 1 - cos(a, b). Both inputs are normalized
// internally so callers can pass raw vectors.
func CosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// Mean returns the element-wise mean of the vectors.
func Mean(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i, x := range v {
			out[i] += x
		}
	}
	for i := range out {
		out[i] /= float64(len(vectors))
	}
	return out
}

// Centroid returns the L2-normalized mean of the vectors.
func Centroid(vectors [][]float64) []float64 {
	return Normalize(Mean(vectors))
}

// Variance returns the mean of the per-dimension variances across the
// vectors. It measures how spread out a cluster is.
func Variance(vectors [][]float64) float64 {
	if len(vectors) < 2 {
		return 0
	}
	mean := Mean(vectors)
	var total float64
	for i := range mean {
		var sum float64
		for _, v := range vectors {
			diff := v[i] - mean[i]
			sum += diff * diff
		}
		total += sum / float64(len(vectors))
	}
	return total / float64(len(mean))
}

// SelfConsistency returns the mean pairwise cosine distance within the
// set. Lower means the vectors agree with each other. Fewer than two
// vectors score 0.
func SelfConsistency(vectors [][]float64) float64 {
	if len(vectors) < 2 {
		return 0
	}
	var total float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			total += CosineDistance(vectors[i], vectors[j])
			pairs++
		}
	}
	return total / float64(pairs)
}

// Dedupe removes vectors whose cosine distance to an earlier kept vector
// is below threshold. Order is preserved.
func Dedupe(vectors [][]float64, threshold float64) [][]float64 {
	kept := make([][]float64, 0, len(vectors))
	for _, v := range vectors {
		duplicate := false
		for _, k := range kept {
			if CosineDistance(v, k) < threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, v)
		}
	}
	return kept
}

// Round4 rounds to four decimal places, the precision recorded for
// distances, variances, and consistency values.
func Round4(value float64) float64 {
	return math.Round(value*10000) / 10000
}
