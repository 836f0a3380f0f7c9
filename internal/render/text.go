package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/Belluxx/Perplex/internal/analysis"
)

const ansiReset = "\x1b[0m"

// Painter writes token text with a 24-bit background per rank.
type Painter struct {
	// Plain disables escape sequences.
	Plain bool
	// Visible uses DisplayText so newlines and tabs show up.
	Visible bool
}

// Paint returns s on a background of c with dark foreground text.
func (p Painter) Paint(s string, c RGB) string {
	if p.Plain || s == "" {
		return s
	}
	// Escapes must not span a line break or terminals smear the color.
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = fmt.Sprintf("\x1b[48;2;%d;%d;%dm\x1b[38;2;20;20;20m%s%s", c.R, c.G, c.B, l, ansiReset)
		}
	}
	return strings.Join(lines, "\n")
}

// WriteText writes the whole analyzed text. The unscored first token is
// written uncolored.
func (p Painter) WriteText(w io.Writer, res *analysis.Result) error {
	if p.Plain && !p.Visible {
		_, err := io.WriteString(w, res.Text()+"\n")
		return err
	}
	var b strings.Builder
	b.WriteString(p.pick(res.First.Text, res.First.DisplayText))
	for _, t := range res.Tokens {
		b.WriteString(p.Paint(p.pick(t.Text, t.DisplayText), RankColor(t.Rank)))
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func (p Painter) pick(text, display string) string {
	if p.Visible {
		return display
	}
	return text
}

// Legend describes the rank bands.
func (p Painter) Legend() string {
	bands := []struct {
		label string
		rank  int
	}{
		{"rank 1", 1},
		{"2-10", 10},
		{"11-50", 50},
		{"51-100", 100},
		{"300+", 300},
	}
	parts := make([]string, len(bands))
	for i, band := range bands {
		parts[i] = p.Paint(" "+band.label+" ", RankColor(band.rank))
	}
	return strings.Join(parts, " ")
}
