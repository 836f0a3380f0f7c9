package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// builder assembles a GGUF stream in memory.
type builder struct {
	buf     bytes.Buffer
	kv      int
	tensors int
	body    bytes.Buffer
	tbody   bytes.Buffer
}

func (b *builder) writeString(w io.Writer, s string) {
	_ = binary.Write(w, binary.LittleEndian, uint64(len(s)))
	_, _ = w.Write([]byte(s))
}

func (b *builder) str(key, val string) *builder {
	b.writeString(&b.body, key)
	_ = binary.Write(&b.body, binary.LittleEndian, GGUFMetadataValueTypeString)
	b.writeString(&b.body, val)
	b.kv++
	return b
}

func (b *builder) u32(key string, val uint32) *builder {
	b.writeString(&b.body, key)
	_ = binary.Write(&b.body, binary.LittleEndian, GGUFMetadataValueTypeUint32)
	_ = binary.Write(&b.body, binary.LittleEndian, val)
	b.kv++
	return b
}

func (b *builder) i32(key string, val int32) *builder {
	b.writeString(&b.body, key)
	_ = binary.Write(&b.body, binary.LittleEndian, GGUFMetadataValueTypeInt32)
	_ = binary.Write(&b.body, binary.LittleEndian, val)
	b.kv++
	return b
}

func (b *builder) boolean(key string, val bool) *builder {
	b.writeString(&b.body, key)
	_ = binary.Write(&b.body, binary.LittleEndian, GGUFMetadataValueTypeBool)
	_ = binary.Write(&b.body, binary.LittleEndian, val)
	b.kv++
	return b
}

func (b *builder) f64(key string, val float64) *builder {
	b.writeString(&b.body, key)
	_ = binary.Write(&b.body, binary.LittleEndian, GGUFMetadataValueTypeFloat64)
	_ = binary.Write(&b.body, binary.LittleEndian, val)
	b.kv++
	return b
}

func (b *builder) strings(key string, vals []string) *builder {
	b.writeString(&b.body, key)
	_ = binary.Write(&b.body, binary.LittleEndian, GGUFMetadataValueTypeArray)
	_ = binary.Write(&b.body, binary.LittleEndian, GGUFMetadataValueTypeString)
	_ = binary.Write(&b.body, binary.LittleEndian, uint64(len(vals)))
	for _, v := range vals {
		b.writeString(&b.body, v)
	}
	b.kv++
	return b
}

func (b *builder) tensor(name string, typ GGMLType, offset uint64, dims ...uint64) *builder {
	b.writeString(&b.tbody, name)
	_ = binary.Write(&b.tbody, binary.LittleEndian, uint32(len(dims)))
	for _, d := range dims {
		_ = binary.Write(&b.tbody, binary.LittleEndian, d)
	}
	_ = binary.Write(&b.tbody, binary.LittleEndian, typ)
	_ = binary.Write(&b.tbody, binary.LittleEndian, offset)
	b.tensors++
	return b
}

func (b *builder) bytes(version uint32) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, uint32(GGUFMagic))
	_ = binary.Write(&out, binary.LittleEndian, version)
	_ = binary.Write(&out, binary.LittleEndian, uint64(b.tensors))
	_ = binary.Write(&out, binary.LittleEndian, uint64(b.kv))
	out.Write(b.body.Bytes())
	out.Write(b.tbody.Bytes())
	return out.Bytes()
}

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
}

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		ggmlType GGMLType
		expected string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeBF16, "BF16"},
		{GGMLTypeQ4_0, "Q4_0"},
		{GGMLTypeQ5_1, "Q5_1"},
		{GGMLTypeQ8_0, "Q8_0"},
		{GGMLTypeQ4_K, "Q4_K"},
		{GGMLTypeQ6_K, "Q6_K"},
		{GGMLType(999), "UNKNOWN_TYPE_999"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.ggmlType.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDecodeMetadataAndTensors(t *testing.T) {
	b := &builder{}
	b.str("general.architecture", "llama").
		str("general.name", "tiny").
		u32("llama.context_length", 2048).
		i32("tokenizer.ggml.bos_token_id", 1).
		boolean("tokenizer.ggml.add_bos_token", true).
		f64("general.score", 0.5).
		strings("tokenizer.ggml.tokens", []string{"<unk>", "<s>", "▁a"}).
		tensor("token_embd.weight", GGMLTypeQ4_K, 0, 64, 3).
		tensor("output.weight", GGMLTypeQ4_K, 4096, 64, 3).
		tensor("output_norm.weight", GGMLTypeF32, 8192, 64)

	f, err := Decode(bytes.NewReader(b.bytes(3)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if f.Header.Version != 3 || f.Header.KVCount != 7 || f.Header.TensorCount != 3 {
		t.Fatalf("unexpected header: %+v", f.Header)
	}

	arch, err := f.String("general.architecture")
	if err != nil || arch != "llama" {
		t.Errorf("architecture = %q, %v", arch, err)
	}
	if got := f.Int("tokenizer.ggml.bos_token_id", -1); got != 1 {
		t.Errorf("bos = %d, want 1", got)
	}
	if got := f.Int("tokenizer.ggml.eos_token_id", -1); got != -1 {
		t.Errorf("missing eos should default, got %d", got)
	}
	if !f.Bool("tokenizer.ggml.add_bos_token", false) {
		t.Error("add_bos_token should be true")
	}
	if v, ok := f.KV["general.score"].(float64); !ok || v != 0.5 {
		t.Errorf("general.score = %v", f.KV["general.score"])
	}

	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		t.Fatalf("Strings failed: %v", err)
	}
	if len(tokens) != 3 || tokens[2] != "▁a" {
		t.Errorf("tokens = %v", tokens)
	}

	if len(f.Tensors) != 3 {
		t.Fatalf("expected 3 tensors, got %d", len(f.Tensors))
	}
	if f.Tensors[1].Name != "output.weight" || f.Tensors[1].Offset != 4096 {
		t.Errorf("unexpected tensor: %+v", f.Tensors[1])
	}
	if f.Tensors[0].Elements() != 192 {
		t.Errorf("Elements() = %d, want 192", f.Tensors[0].Elements())
	}
}

func TestInfo(t *testing.T) {
	b := &builder{}
	b.str("general.architecture", "llama").
		str("general.name", "tiny").
		str("tokenizer.ggml.model", "llama").
		u32("llama.context_length", 2048).
		strings("tokenizer.ggml.tokens", []string{"<unk>", "<s>", "</s>", "▁a"}).
		tensor("token_embd.weight", GGMLTypeQ4_K, 0, 64, 4).
		tensor("output.weight", GGMLTypeQ4_K, 4096, 64, 4).
		tensor("output_norm.weight", GGMLTypeF32, 8192, 64)

	f, err := Decode(bytes.NewReader(b.bytes(3)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	info := f.Info()
	if info.Architecture != "llama" || info.Name != "tiny" {
		t.Errorf("unexpected identity: %+v", info)
	}
	if info.ContextLength != 2048 {
		t.Errorf("ContextLength = %d, want 2048", info.ContextLength)
	}
	if info.VocabSize != 4 {
		t.Errorf("VocabSize = %d, want 4 (from token list)", info.VocabSize)
	}
	if info.TotalParameters != 64*4*2+64 {
		t.Errorf("TotalParameters = %d", info.TotalParameters)
	}
	if info.FileType != "Q4_K" {
		t.Errorf("FileType = %q, want Q4_K", info.FileType)
	}
	if info.String() == "" {
		t.Error("String() should not be empty")
	}
}

func TestInfoPrefersArchitectureVocabSize(t *testing.T) {
	b := &builder{}
	b.str("general.architecture", "gpt2").
		u32("gpt2.vocab_size", 50257).
		strings("tokenizer.ggml.tokens", []string{"a", "b"})

	f, err := Decode(bytes.NewReader(b.bytes(2)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := f.Info().VocabSize; got != 50257 {
		t.Errorf("VocabSize = %d, want 50257", got)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	data := []byte{'N', 'O', 'P', 'E', 3, 0, 0, 0}
	_, err := Decode(bytes.NewReader(data))

	var magicErr ErrInvalidMagic
	if !errors.As(err, &magicErr) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	b := &builder{}
	_, err := Decode(bytes.NewReader(b.bytes(1)))

	var versionErr ErrUnsupportedVersion
	if !errors.As(err, &versionErr) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if versionErr.Version != 1 {
		t.Errorf("Version = %d, want 1", versionErr.Version)
	}
}

func TestDecodeTruncated(t *testing.T) {
	b := &builder{}
	b.strings("tokenizer.ggml.tokens", []string{"alpha", "beta", "gamma"})
	data := b.bytes(3)

	for _, cut := range []int{2, 10, 30, len(data) - 1} {
		if _, err := Decode(bytes.NewReader(data[:cut])); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("cut at %d: expected ErrUnexpectedEOF, got %v", cut, err)
		}
	}
}

func TestDecodeUnknownValueType(t *testing.T) {
	b := &builder{}
	b.writeString(&b.body, "weird")
	_ = binary.Write(&b.body, binary.LittleEndian, uint32(99))
	b.kv++

	if _, err := Decode(bytes.NewReader(b.bytes(3))); err == nil {
		t.Fatal("expected error for unknown metadata type")
	}
}

func TestTypedAccessorsMissingKey(t *testing.T) {
	f := &GGUFFile{KV: map[string]interface{}{"n": uint32(3)}}

	_, err := f.String("n")
	var missing ErrMissingKey
	if !errors.As(err, &missing) || missing.Key != "n" {
		t.Errorf("expected ErrMissingKey for n, got %v", err)
	}
	if _, err := f.Strings("absent"); err == nil {
		t.Error("expected error for absent array")
	}
	if v, ok := f.Uint("n"); !ok || v != 3 {
		t.Errorf("Uint(n) = %d, %v", v, ok)
	}
}

func TestLoadFile(t *testing.T) {
	b := &builder{}
	b.str("general.architecture", "llama")

	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, b.bytes(3), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if arch, _ := f.String("general.architecture"); arch != "llama" {
		t.Errorf("architecture = %q", arch)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.gguf")); err == nil {
		t.Error("expected error for missing file")
	}
}
