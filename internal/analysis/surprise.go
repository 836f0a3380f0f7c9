package analysis

import "math"

// SurpriseScore maps a rank to [0, 1] as min(1, ln(rank)/ln(V)). Rank 1 is
// always 0 and the score never decreases with rank. probability is accepted
// for callers that want a probability-aware curve and is unused here.
func SurpriseScore(rank int, probability float64, vocabSize int) float64 {
	if rank <= 1 || vocabSize <= 1 {
		return 0
	}
	return math.Min(1, math.Log(float64(rank))/math.Log(float64(vocabSize)))
}
