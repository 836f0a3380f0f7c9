// Package ollama locates GGUF blobs in a local Ollama model store.
package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultHost      = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

// ErrModelNotFound is wrapped by every resolution failure caused by a
// missing manifest or blob.
var ErrModelNotFound = errors.New("model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Reference is a parsed model name such as "llama3:8b" or
// "myregistry.local/team/model:v2".
type Reference struct {
	Host      string
	Namespace string
	Name      string
	Tag       string
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Host, r.Namespace, r.Name, r.Tag)
}

// ParseReference fills in the default host, namespace and tag.
func ParseReference(s string) (Reference, error) {
	ref := Reference{Host: DefaultHost, Namespace: DefaultNamespace, Tag: DefaultTag}

	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "/") {
		ref.Tag = s[i+1:]
		s = s[:i]
	}

	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Namespace, ref.Name = parts[0], parts[1]
	case 3:
		ref.Host, ref.Namespace, ref.Name = parts[0], parts[1], parts[2]
	default:
		return ref, fmt.Errorf("invalid model name %q", s)
	}
	if ref.Name == "" || ref.Tag == "" || ref.Namespace == "" || ref.Host == "" {
		return ref, fmt.Errorf("invalid model name %q", s)
	}
	return ref, nil
}

func GetOllamaDir() (string, error) {
	// Check for OLLAMA_MODELS env var
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolve returns a GGUF path for nameOrPath. Existing files and names
// ending in .gguf are returned unchanged; anything else is looked up as an
// Ollama model.
func Resolve(nameOrPath string) (string, error) {
	if strings.HasSuffix(strings.ToLower(nameOrPath), ".gguf") {
		return nameOrPath, nil
	}
	if st, err := os.Stat(nameOrPath); err == nil && !st.IsDir() {
		return nameOrPath, nil
	}
	return ResolveModelPath(nameOrPath)
}

// ResolveModelPath finds the GGUF blob of an Ollama model name.
func ResolveModelPath(modelName string) (string, error) {
	ref, err := ParseReference(modelName)
	if err != nil {
		return "", err
	}

	baseDir, err := GetOllamaDir()
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(baseDir, "manifests", ref.Host, ref.Namespace, ref.Name, ref.Tag)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: no manifest for %s at %s", ErrModelNotFound, ref, manifestPath)
	}
	if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var blobDigest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			blobDigest = l.Digest
			break
		}
	}
	if blobDigest == "" {
		return "", fmt.Errorf("%w: manifest for %s has no model layer", ErrModelNotFound, ref)
	}

	// Digest is "sha256:hash", stored as blobs/sha256-hash.
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(blobDigest, ":", "-", 1))
	if _, err := os.Stat(blobPath); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: blob %s missing", ErrModelNotFound, blobPath)
	}

	return blobPath, nil
}
