package tokenizer

import "strings"

// byteToRune is the GPT-2 byte-level alphabet: printable bytes map to
// themselves and the rest are shifted above U+0100.
var byteToRune [256]rune

var runeToByte map[rune]byte

func init() {
	runeToByte = make(map[rune]byte, 256)
	next := rune(256)
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		r := rune(b)
		if !printable {
			r = next
			next++
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

// decodeGPT2 maps a byte-level piece back to raw bytes. Runes outside the
// alphabet are kept as they are.
func decodeGPT2(piece string) string {
	var sb strings.Builder
	sb.Grow(len(piece))
	for _, r := range piece {
		if b, ok := runeToByte[r]; ok {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
