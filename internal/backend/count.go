package backend

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/metrics"
)

// CountModel is an in-process bigram model with add-k smoothing. Logits are
// ln(count(prev, next) + k), backing off to unigram counts when prev was
// never seen.
type CountModel struct {
	vocab     int
	smoothing float64

	mu      sync.RWMutex
	unigram []float64
	bigram  map[analysis.TokenID]map[analysis.TokenID]float64
}

func NewCountModel(vocabSize int, smoothing float64) *CountModel {
	return &CountModel{
		vocab:     vocabSize,
		smoothing: smoothing,
		unigram:   make([]float64, vocabSize),
		bigram:    make(map[analysis.TokenID]map[analysis.TokenID]float64),
	}
}

func (m *CountModel) Name() string { return "count" }

func (m *CountModel) VocabSize() int { return m.vocab }

// Train adds the unigram and bigram counts of tokens.
func (m *CountModel) Train(tokens []analysis.TokenID) error {
	for _, id := range tokens {
		if id < 0 || int(id) >= m.vocab {
			return &analysis.InvalidTokenError{TokenID: id, VocabSize: m.vocab}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range tokens {
		m.unigram[id]++
		if i == 0 {
			continue
		}
		prev := tokens[i-1]
		row, ok := m.bigram[prev]
		if !ok {
			row = make(map[analysis.TokenID]float64)
			m.bigram[prev] = row
		}
		row[id]++
	}
	return nil
}

// Logits returns the distribution following prev.
func (m *CountModel) Logits(prev analysis.TokenID) []float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]float32, m.vocab)
	row := m.bigram[prev]
	if len(row) == 0 {
		for i, c := range m.unigram {
			out[i] = float32(math.Log(c + m.smoothing))
		}
		return out
	}

	base := float32(math.Log(m.smoothing))
	for i := range out {
		out[i] = base
	}
	for id, c := range row {
		out[id] = float32(math.Log(c + m.smoothing))
	}
	return out
}

// AllLogits returns the distribution after every prefix of tokens but the
// full sequence. Each row only depends on the previous token, so no session
// is needed.
func (m *CountModel) AllLogits(ctx context.Context, tokens []analysis.TokenID) (rows [][]float32, err error) {
	start := time.Now()
	defer func() { metrics.RecordBackendRequest(m.Name(), time.Since(start), err) }()

	for _, id := range tokens {
		if id < 0 || int(id) >= m.vocab {
			return nil, &analysis.InvalidTokenError{TokenID: id, VocabSize: m.vocab}
		}
	}
	rows = make([][]float32, 0, max(len(tokens)-1, 0))
	for _, prev := range tokens[:max(len(tokens)-1, 0)] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = append(rows, m.Logits(prev))
	}
	return rows, nil
}

func (m *CountModel) Open(ctx context.Context) (analysis.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.RecordSessionOpened()
	return &countSession{model: m}, nil
}

func (m *CountModel) Close() error { return nil }

// countSession keeps the consumed prefix the way an incremental KV cache
// would, so out-of-order use is visible in the cache metrics.
type countSession struct {
	model  *CountModel
	mu     sync.Mutex
	prefix []analysis.TokenID
	closed bool
}

func (s *countSession) VocabSize() int { return s.model.vocab }

func (s *countSession) Logits(ctx context.Context, prefix []analysis.TokenID) (logits []float32, err error) {
	start := time.Now()
	defer func() { metrics.RecordBackendRequest(s.model.Name(), time.Since(start), err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(prefix) == 0 {
		return nil, fmt.Errorf("empty prefix")
	}
	for _, id := range prefix {
		if id < 0 || int(id) >= s.model.vocab {
			return nil, &analysis.InvalidTokenError{TokenID: id, VocabSize: s.model.vocab}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	hit := len(prefix) == len(s.prefix)+1 && slices.Equal(prefix[:len(s.prefix)], s.prefix)
	metrics.RecordSessionCache(hit)
	if hit {
		s.prefix = append(s.prefix, prefix[len(prefix)-1])
	} else {
		s.prefix = slices.Clone(prefix)
	}

	return s.model.Logits(prefix[len(prefix)-1]), nil
}

func (s *countSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.prefix = nil
	metrics.RecordSessionClosed()
	return nil
}
