package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/Belluxx/Perplex/internal/analysis"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

// WriteSummary writes the whole-sequence statistics as a table.
func WriteSummary(w io.Writer, res *analysis.Result, elapsed time.Duration) {
	s := res.Summary()
	table := newTable(w, []string{"METRIC", "VALUE"})
	table.AppendBulk([][]string{
		{"Tokens", strconv.Itoa(s.Tokens)},
		{"Perplexity", fmt.Sprintf("%.2f", s.Perplexity)},
		{"Average rank", fmt.Sprintf("%.0f", s.AverageRank)},
		{"Exact predictions", fmt.Sprintf("%.1f%%", s.ExactPredictionRate)},
		{"Total surprisal", fmt.Sprintf("%.1f bits", s.TotalBits)},
		{"Time", elapsed.Round(time.Millisecond).String()},
	})
	table.Render()
}

// WriteTokens writes one row per scored token with its top candidates.
func WriteTokens(w io.Writer, res *analysis.Result) {
	table := newTable(w, []string{"POS", "TOKEN", "PROB", "RANK", "SURPRISE", "TOP PREDICTIONS"})
	for _, t := range res.Tokens {
		table.Append([]string{
			strconv.Itoa(t.Position),
			strconv.Quote(t.Text),
			percent(t.Probability),
			strconv.Itoa(t.Rank),
			fmt.Sprintf("%.2f", t.Surprise),
			leaderboard(t.Leaderboard),
		})
	}
	table.Render()
}

func leaderboard(cs []analysis.Candidate) string {
	var out []byte
	for i, c := range cs {
		if i > 0 {
			out = append(out, ", "...)
		}
		out = fmt.Appendf(out, "%d. %s %s", i+1, strconv.Quote(c.Text), percent(c.Probability))
	}
	return string(out)
}

func percent(p float64) string {
	return fmt.Sprintf("%.0f%%", p*100)
}

// Report is the JSON document written by WriteJSON.
type Report struct {
	Summary   analysis.Summary `json:"summary"`
	ElapsedMS int64            `json:"elapsed_ms"`
	Result    *analysis.Result `json:"result"`
}

func NewReport(res *analysis.Result, elapsed time.Duration) Report {
	return Report{Summary: res.Summary(), ElapsedMS: elapsed.Milliseconds(), Result: res}
}

func WriteJSON(w io.Writer, res *analysis.Result, elapsed time.Duration) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewReport(res, elapsed))
}
