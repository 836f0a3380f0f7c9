// Package tokenizer encodes text with a vocabulary read from GGUF metadata.
package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/gguf"
	"github.com/Belluxx/Perplex/internal/metrics"
)

const (
	ModelLlama = "llama"
	ModelGPT2  = "gpt2"

	spaceLlama = "▁"
)

// GGUF token types.
const (
	tokenTypeUnknown = 2
	tokenTypeControl = 3
	tokenTypeByte    = 6
)

// Options describe a vocabulary that does not come from a GGUF file. Ids
// of -1 mean the vocabulary has no such token.
type Options struct {
	Model     string
	BOSID     int
	EOSID     int
	UnknownID int
	AddBOS    bool
	// Types holds GGUF token types per id. When nil, byte pieces and the
	// special ids are excluded from matching.
	Types []int32
}

type Tokenizer struct {
	tokens []string
	vocab  map[string]analysis.TokenID // matchable pieces only
	model  string
	bos    int
	eos    int
	unk    int
	addBOS bool

	maxPiece   int
	byteTokens [256]analysis.TokenID
}

// New loads the vocabulary of the GGUF file at path.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return FromGGUF(f)
}

// FromGGUF builds a Tokenizer from already decoded metadata.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer.ggml.tokens is empty")
	}

	model, _ := f.String("tokenizer.ggml.model")
	opts := Options{
		Model:     model,
		BOSID:     f.Int("tokenizer.ggml.bos_token_id", -1),
		EOSID:     f.Int("tokenizer.ggml.eos_token_id", -1),
		UnknownID: f.Int("tokenizer.ggml.unknown_token_id", -1),
		AddBOS:    f.Bool("tokenizer.ggml.add_bos_token", model == ModelLlama),
	}
	if arr, ok := f.KV["tokenizer.ggml.token_type"].([]interface{}); ok && len(arr) == len(tokens) {
		opts.Types = make([]int32, len(arr))
		for i, v := range arr {
			if n, ok := v.(int32); ok {
				opts.Types[i] = n
			}
		}
	}
	return NewFromVocab(tokens, opts), nil
}

// NewFromVocab builds a Tokenizer from a token list.
func NewFromVocab(tokens []string, opts Options) *Tokenizer {
	t := &Tokenizer{
		tokens: tokens,
		vocab:  make(map[string]analysis.TokenID, len(tokens)),
		model:  opts.Model,
		bos:    validID(opts.BOSID, len(tokens)),
		eos:    validID(opts.EOSID, len(tokens)),
		unk:    validID(opts.UnknownID, len(tokens)),
		addBOS: opts.AddBOS,
	}
	if t.model == "" {
		t.model = ModelLlama
	}
	if t.bos < 0 {
		t.addBOS = false
	}
	for i := range t.byteTokens {
		t.byteTokens[i] = -1
	}

	for i, piece := range tokens {
		id := analysis.TokenID(i)
		if b, ok := parseBytePiece(piece); ok {
			t.byteTokens[b] = id
			continue
		}
		if !t.matchable(i, opts.Types) {
			continue
		}
		// Keep the first id for duplicate pieces.
		if _, dup := t.vocab[piece]; dup {
			continue
		}
		t.vocab[piece] = id
		if len(piece) > t.maxPiece {
			t.maxPiece = len(piece)
		}
	}
	return t
}

func (t *Tokenizer) matchable(id int, types []int32) bool {
	if types != nil {
		switch types[id] {
		case tokenTypeControl, tokenTypeUnknown, tokenTypeByte:
			return false
		}
		return true
	}
	return id != t.bos && id != t.eos && id != t.unk
}

func validID(id, n int) int {
	if id < 0 || id >= n {
		return -1
	}
	return id
}

// VocabSize is the number of entries in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.tokens) }

// BOS returns the beginning-of-sequence id, or -1.
func (t *Tokenizer) BOS() int { return t.bos }

// Model returns the vocabulary type, llama or gpt2.
func (t *Tokenizer) Model() string { return t.model }

// Tokenize encodes text, prepending BOS when the vocabulary asks for it.
func (t *Tokenizer) Tokenize(text string) ([]analysis.TokenID, error) {
	ids, err := t.Encode(text)
	if err != nil {
		return nil, err
	}
	if t.addBOS {
		ids = append([]analysis.TokenID{analysis.TokenID(t.bos)}, ids...)
	}
	return ids, nil
}

// Count returns the number of tokens in text, not counting BOS.
func (t *Tokenizer) Count(text string) (int, error) {
	ids, err := t.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Encode splits text into the longest matching pieces, falling back to
// byte pieces and then to the unknown token. Errors are
// *analysis.TokenizationError.
func (t *Tokenizer) Encode(text string) ([]analysis.TokenID, error) {
	if !utf8.ValidString(text) {
		return nil, &analysis.TokenizationError{Offset: firstInvalid(text), Err: fmt.Errorf("input is not valid UTF-8")}
	}
	if text == "" {
		return nil, nil
	}

	norm, offsets := t.normalize(text)
	ids := make([]analysis.TokenID, 0, len(norm)/3+1)
	unknown := 0

	for i := 0; i < len(norm); {
		id, n := t.longestMatch(norm[i:])
		if n > 0 {
			ids = append(ids, id)
			i += n
			continue
		}

		_, size := utf8.DecodeRuneInString(norm[i:])
		raw := norm[i : i+size]
		if t.model == ModelGPT2 {
			// Each remapped rune stands for one input byte.
			raw = text[offsets[i] : offsets[i]+1]
		}
		if fallback, ok := t.byteFallback(raw); ok {
			ids = append(ids, fallback...)
		} else if t.unk >= 0 {
			ids = append(ids, analysis.TokenID(t.unk))
			unknown++
		} else {
			return nil, &analysis.TokenizationError{
				Offset: offsets[i],
				Err:    fmt.Errorf("no vocabulary piece for %q", norm[i:i+size]),
			}
		}
		i += size
	}

	metrics.RecordTokenizerEncode(len(ids), unknown)
	return ids, nil
}

func (t *Tokenizer) longestMatch(s string) (analysis.TokenID, int) {
	for n := min(t.maxPiece, len(s)); n > 0; n-- {
		if n < len(s) && !utf8.RuneStart(s[n]) {
			continue
		}
		if id, ok := t.vocab[s[:n]]; ok {
			return id, n
		}
	}
	return 0, 0
}

func (t *Tokenizer) byteFallback(s string) ([]analysis.TokenID, bool) {
	out := make([]analysis.TokenID, len(s))
	for i := 0; i < len(s); i++ {
		id := t.byteTokens[s[i]]
		if id < 0 {
			return nil, false
		}
		out[i] = id
	}
	return out, true
}

// normalize rewrites text into the vocabulary's piece alphabet and returns,
// for every byte of the result, the offset of the input byte it came from.
func (t *Tokenizer) normalize(text string) (string, []int) {
	var sb strings.Builder
	offsets := make([]int, 0, len(text)+len(spaceLlama))

	emit := func(s string, from int) {
		sb.WriteString(s)
		for range len(s) {
			offsets = append(offsets, from)
		}
	}

	if t.model == ModelGPT2 {
		for i := 0; i < len(text); i++ {
			emit(string(byteToRune[text[i]]), i)
		}
		return sb.String(), offsets
	}

	// SentencePiece adds a dummy prefix so the first word matches the same
	// pieces as words after a space.
	emit(spaceLlama, 0)
	for i, r := range text {
		if r == ' ' {
			emit(spaceLlama, i)
			continue
		}
		emit(string(r), i)
	}
	return sb.String(), offsets
}

// DetokenizeOne returns the text of a single token.
func (t *Tokenizer) DetokenizeOne(id analysis.TokenID) (string, error) {
	if id < 0 || int(id) >= len(t.tokens) {
		return "", &analysis.InvalidTokenError{TokenID: id, VocabSize: len(t.tokens)}
	}
	piece := t.tokens[id]
	if b, ok := parseBytePiece(piece); ok {
		return string([]byte{b}), nil
	}
	if t.model == ModelGPT2 {
		return decodeGPT2(piece), nil
	}
	return strings.ReplaceAll(piece, spaceLlama, " "), nil
}

func parseBytePiece(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}

func firstInvalid(s string) int {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
