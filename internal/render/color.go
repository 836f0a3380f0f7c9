// Package render turns analysis results into terminal output.
package render

import "fmt"

type RGB struct {
	R, G, B uint8
}

func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Rank band anchors. Colors are interpolated between consecutive anchors.
var (
	RankPerfect  = RGB{143, 188, 159}
	RankGood     = RGB{216, 195, 165}
	RankModerate = RGB{210, 160, 146}
	RankPoor     = RGB{192, 132, 132}
	RankVeryPoor = RGB{164, 112, 120}
)

// RankColor maps a 1-based rank to its band color. Ranks above 300 all get
// RankVeryPoor.
func RankColor(rank int) RGB {
	switch {
	case rank <= 1:
		return RankPerfect
	case rank <= 10:
		return lerp(RankPerfect, RankGood, float32(rank-1)/9)
	case rank <= 50:
		return lerp(RankGood, RankModerate, float32(rank-10)/40)
	case rank <= 100:
		return lerp(RankModerate, RankPoor, float32(rank-50)/50)
	default:
		return lerp(RankPoor, RankVeryPoor, float32(rank-100)/200)
	}
}

func lerp(a, b RGB, t float32) RGB {
	t = min(max(t, 0), 1)
	ch := func(x, y uint8) uint8 {
		return uint8(float32(x) + (float32(y)-float32(x))*t)
	}
	return RGB{ch(a.R, b.R), ch(a.G, b.G), ch(a.B, b.B)}
}
