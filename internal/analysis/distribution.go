package analysis

import (
	"cmp"
	"math"
	"slices"
)

// minLogProb is the floor applied to log-probabilities so they stay finite.
var minLogProb = math.Log(math.SmallestNonzeroFloat64)

// Distribution is a normalized probability distribution over the vocabulary
// with a complete descending ranking. It is immutable once built.
type Distribution struct {
	logits []float32
	probs  []float64
	order  []TokenID // ids by descending probability
	ranks  []int32   // ranks[id] is the 0-based index of id in order
}

// Normalize applies a stable softmax to logits and ranks every entry.
// Equal logits rank the lower token id first.
func Normalize(logits []float32, vocabSize int) (*Distribution, error) {
	if len(logits) != vocabSize {
		return nil, &ConfigurationError{Expected: vocabSize, Actual: len(logits), Reason: "logit vector length does not match vocabulary size"}
	}
	if vocabSize == 0 {
		return nil, &ConfigurationError{Expected: 1, Actual: 0, Reason: "empty vocabulary"}
	}

	maxLogit := math.Inf(-1)
	for i, l := range logits {
		v := float64(l)
		if math.IsNaN(v) || math.IsInf(v, 1) {
			return nil, &InvalidLogitsError{Index: i, Value: l}
		}
		if v > maxLogit {
			maxLogit = v
		}
	}
	if math.IsInf(maxLogit, -1) {
		return nil, &InvalidLogitsError{Index: -1, Value: float32(maxLogit)}
	}

	probs := make([]float64, vocabSize)
	var sum float64
	for i, l := range logits {
		p := math.Exp(float64(l) - maxLogit)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}

	order := make([]TokenID, vocabSize)
	for i := range order {
		order[i] = TokenID(i)
	}
	// Sort on the raw logits so ties are exact rather than rounding artifacts.
	slices.SortFunc(order, func(a, b TokenID) int {
		if c := cmp.Compare(logits[b], logits[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	ranks := make([]int32, vocabSize)
	for i, id := range order {
		ranks[id] = int32(i)
	}

	return &Distribution{logits: slices.Clone(logits), probs: probs, order: order, ranks: ranks}, nil
}

// VocabSize returns the number of entries.
func (d *Distribution) VocabSize() int { return len(d.probs) }

func (d *Distribution) valid(id TokenID) bool {
	return id >= 0 && int(id) < len(d.probs)
}

// Probability returns the probability of id.
func (d *Distribution) Probability(id TokenID) (float64, error) {
	if !d.valid(id) {
		return 0, &InvalidTokenError{TokenID: id, VocabSize: len(d.probs)}
	}
	return d.probs[id], nil
}

// LogProbability returns ln p(id), floored so it is always finite.
func (d *Distribution) LogProbability(id TokenID) (float64, error) {
	p, err := d.Probability(id)
	if err != nil {
		return 0, err
	}
	return logProb(p), nil
}

// Rank returns the 1-based rank of id.
func (d *Distribution) Rank(id TokenID) (int, error) {
	if !d.valid(id) {
		return 0, &InvalidTokenError{TokenID: id, VocabSize: len(d.probs)}
	}
	return int(d.ranks[id]) + 1, nil
}

// Top returns the k most probable ids, fewer when the vocabulary is smaller.
func (d *Distribution) Top(k int) []TokenID {
	k = max(0, min(k, len(d.order)))
	return slices.Clone(d.order[:k])
}

func logProb(p float64) float64 {
	if p <= 0 {
		return minLogProb
	}
	return max(math.Log(p), minLogProb)
}
