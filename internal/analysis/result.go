package analysis

import "math"

// Summary bundles the whole-sequence statistics of a Result.
type Summary struct {
	Tokens              int     `json:"tokens"`
	Perplexity          float64 `json:"perplexity"`
	AverageRank         float64 `json:"average_rank"`
	ExactPredictionRate float64 `json:"exact_prediction_rate"`
	TotalBits           float64 `json:"total_bits"`
}

// AverageRank is the mean rank over scored tokens, 0 when none were scored.
func (r *Result) AverageRank() float64 {
	if len(r.Tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range r.Tokens {
		sum += float64(t.Rank)
	}
	return sum / float64(len(r.Tokens))
}

// ExactPredictionRate is the percentage of scored tokens that were the
// model's top prediction.
func (r *Result) ExactPredictionRate() float64 {
	if len(r.Tokens) == 0 {
		return 0
	}
	exact := 0
	for _, t := range r.Tokens {
		if t.Rank == 1 {
			exact++
		}
	}
	return float64(exact) / float64(len(r.Tokens)) * 100
}

// TotalBits is the total surprisal of the scored tokens in bits.
func (r *Result) TotalBits() float64 {
	if len(r.Tokens) == 0 || r.Perplexity <= 0 {
		return 0
	}
	return float64(len(r.Tokens)) * math.Log2(r.Perplexity)
}

func (r *Result) Summary() Summary {
	return Summary{
		Tokens:              len(r.Tokens) + 1,
		Perplexity:          r.Perplexity,
		AverageRank:         r.AverageRank(),
		ExactPredictionRate: r.ExactPredictionRate(),
		TotalBits:           r.TotalBits(),
	}
}

// Text reassembles the analyzed text from the token pieces.
func (r *Result) Text() string {
	n := len(r.First.Text)
	for _, t := range r.Tokens {
		n += len(t.Text)
	}
	b := make([]byte, 0, n)
	b = append(b, r.First.Text...)
	for _, t := range r.Tokens {
		b = append(b, t.Text...)
	}
	return string(b)
}
