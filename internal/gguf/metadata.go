package gguf

import (
	"fmt"
)

// ModelInfo is the summary printed by the inspect command.
type ModelInfo struct {
	Architecture    string `json:"architecture"`
	Name            string `json:"name"`
	ContextLength   int    `json:"context_length"`
	VocabSize       int    `json:"vocab_size"`
	TokenizerModel  string `json:"tokenizer_model"`
	TensorCount     int    `json:"tensor_count"`
	TotalParameters int64  `json:"total_parameters"`
	FileType        string `json:"file_type"`
	Version         uint32 `json:"version"`
}

// Info summarizes f. Missing keys leave their fields zero.
func (f *GGUFFile) Info() *ModelInfo {
	info := &ModelInfo{
		TensorCount: len(f.Tensors),
		Version:     f.Header.Version,
	}

	info.Architecture, _ = f.String("general.architecture")
	info.Name, _ = f.String("general.name")
	info.TokenizerModel, _ = f.String("tokenizer.ggml.model")

	info.ContextLength = int(getKVInt(f.KV, info.Architecture+".context_length", "general.context_length"))

	info.VocabSize = int(getKVInt(f.KV, info.Architecture+".vocab_size"))
	if info.VocabSize == 0 {
		if tokens, err := f.Strings("tokenizer.ggml.tokens"); err == nil {
			info.VocabSize = len(tokens)
		}
	}

	if ft, ok := f.Uint("general.file_type"); ok {
		info.FileType = fmt.Sprintf("%d", ft)
	}
	if len(f.Tensors) > 0 {
		// The dominant tensor type is more readable than the numeric file type.
		counts := make(map[GGMLType]int)
		var best GGMLType
		for _, t := range f.Tensors {
			counts[t.Type]++
			if counts[t.Type] > counts[best] {
				best = t.Type
			}
		}
		info.FileType = best.String()
	}

	var totalParams int64
	for _, t := range f.Tensors {
		totalParams += int64(t.Elements())
	}
	info.TotalParameters = totalParams

	return info
}

// String returns the string value stored at key.
func (f *GGUFFile) String(key string) (string, error) {
	v, ok := f.KV[key].(string)
	if !ok {
		return "", ErrMissingKey{Key: key, Want: "string"}
	}
	return v, nil
}

// Uint returns any unsigned or non-negative signed integer value at key.
func (f *GGUFFile) Uint(key string) (uint64, bool) {
	val, ok := f.KV[key]
	if !ok {
		return 0, false
	}
	return toUint(val)
}

// Int returns the integer at key, or def when absent.
func (f *GGUFFile) Int(key string, def int) int {
	val, ok := f.KV[key]
	if !ok {
		return def
	}
	switch v := val.(type) {
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	if u, ok := toUint(val); ok {
		return int(u)
	}
	return def
}

// Bool returns the boolean at key, or def when absent.
func (f *GGUFFile) Bool(key string, def bool) bool {
	if v, ok := f.KV[key].(bool); ok {
		return v
	}
	return def
}

// Strings returns the string array stored at key.
func (f *GGUFFile) Strings(key string) ([]string, error) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, ErrMissingKey{Key: key, Want: "array"}
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, ErrMissingKey{Key: key, Want: "string array"}
		}
		out[i] = s
	}
	return out, nil
}

func toUint(val interface{}) (uint64, bool) {
	switch v := val.(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		if v >= 0 {
			return uint64(v), true
		}
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	case int:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if val, ok := kv[key]; ok {
			if u, ok := toUint(val); ok {
				return u
			}
		}
	}
	return 0
}

func (r *ModelInfo) String() string {
	return fmt.Sprintf(`GGUF Model Summary
==================
Architecture:     %s
Model Name:       %s
GGUF Version:     %d
Context Length:   %d
Vocabulary:       %d (%s)
File Type:        %s
Total Tensors:    %d
Total Parameters: %d (%.2fB)
`,
		r.Architecture,
		r.Name,
		r.Version,
		r.ContextLength,
		r.VocabSize,
		r.TokenizerModel,
		r.FileType,
		r.TensorCount,
		r.TotalParameters,
		float64(r.TotalParameters)/1e9,
	)
}
