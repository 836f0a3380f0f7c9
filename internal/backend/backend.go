// Package backend provides the inference backends that produce logits for
// the analyzer.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/config"
	"github.com/Belluxx/Perplex/internal/logger"
)

// ErrSessionClosed is returned by sessions used after Close.
var ErrSessionClosed = errors.New("session closed")

// Backend opens independent sessions. Sessions of one backend never share
// context state.
type Backend interface {
	Name() string
	Open(ctx context.Context) (analysis.Session, error)
	Close() error
}

// Materializer is a Backend that can also produce every distribution of a
// sequence in one pass. The worker prefers it over a session.
type Materializer interface {
	Backend
	analysis.Materializer
}

var _ Materializer = (*CountModel)(nil)

// Encoder is the part of the tokenizer the count model needs for its corpus.
type Encoder interface {
	Encode(text string) ([]analysis.TokenID, error)
	VocabSize() int
}

// FromConfig builds the backend selected by cfg.
func FromConfig(ctx context.Context, cfg *config.Config, enc Encoder) (Backend, error) {
	switch cfg.Backend {
	case config.BackendCount:
		m := NewCountModel(enc.VocabSize(), cfg.Smoothing)
		if cfg.CorpusPath != "" {
			if err := m.TrainFile(cfg.CorpusPath, enc); err != nil {
				return nil, err
			}
		}
		return m, nil
	case config.BackendFlight:
		return DialFlight(ctx, cfg.BackendAddr, cfg.RequestTimeout)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// TrainFile reads a text corpus and adds its bigrams to the model.
func (m *CountModel) TrainFile(path string, enc Encoder) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	tokens, err := enc.Encode(string(data))
	if err != nil {
		return fmt.Errorf("tokenize corpus: %w", err)
	}
	if err := m.Train(tokens); err != nil {
		return err
	}
	logger.Log.Info("Corpus loaded", "path", path, "tokens", len(tokens))
	return nil
}
