// Package analysis scores how surprising each token of a text was to a
// language model.
package analysis

import "strings"

// TokenID identifies an entry in the model vocabulary.
type TokenID int

// LeaderboardSize is the number of top candidates kept per position.
const LeaderboardSize = 5

// Candidate is one leaderboard entry.
type Candidate struct {
	TokenID     TokenID `json:"token_id"`
	Text        string  `json:"text"`
	Probability float64 `json:"probability"`
}

// TokenAnalysis is the result for a single observed token.
type TokenAnalysis struct {
	Position       int         `json:"position"`
	TokenID        TokenID     `json:"token_id"`
	Text           string      `json:"text"`
	DisplayText    string      `json:"display_text"`
	Probability    float64     `json:"probability"`
	LogProbability float64     `json:"log_probability"`
	Rank           int         `json:"rank"`
	Surprise       float64     `json:"surprise"`
	Leaderboard    []Candidate `json:"leaderboard"`
}

// Piece is an unscored token kept only so the full text can be rendered.
type Piece struct {
	TokenID     TokenID `json:"token_id"`
	Text        string  `json:"text"`
	DisplayText string  `json:"display_text"`
}

// Result is the outcome of one analysis run. It is not mutated after it is
// returned.
type Result struct {
	First      Piece           `json:"first"`
	Tokens     []TokenAnalysis `json:"tokens"`
	Perplexity float64         `json:"perplexity"`
	VocabSize  int             `json:"vocab_size"`
}

var displayReplacer = strings.NewReplacer("\n", "↵\n", "\t", "→")

// DisplayText makes newlines and tabs visible while keeping line breaks.
func DisplayText(s string) string {
	return displayReplacer.Replace(s)
}
