package analysis

// Score extracts the observed token's probability and rank and the top-k
// leaderboard. Text fields are left empty for the caller to fill.
// The observed token is not removed from the leaderboard. An observed token
// with zero probability (masked or underflowed) is an InvalidLogitsError.
func Score(d *Distribution, observed TokenID, topK int) (TokenAnalysis, error) {
	p, err := d.Probability(observed)
	if err != nil {
		return TokenAnalysis{}, err
	}
	if p <= 0 {
		return TokenAnalysis{}, &InvalidLogitsError{Index: int(observed), Value: d.logits[observed]}
	}
	rank, _ := d.Rank(observed)

	top := d.Top(topK)
	board := make([]Candidate, len(top))
	for i, id := range top {
		board[i] = Candidate{TokenID: id, Probability: d.probs[id]}
	}

	return TokenAnalysis{
		TokenID:        observed,
		Probability:    p,
		LogProbability: logProb(p),
		Rank:           rank,
		Surprise:       SurpriseScore(rank, p, d.VocabSize()),
		Leaderboard:    board,
	}, nil
}
