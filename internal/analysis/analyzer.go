package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Belluxx/Perplex/internal/logger"
	"github.com/Belluxx/Perplex/internal/metrics"
)

// Session is a backend handle holding one incremental model context.
// Logits must be called with prefixes in position order.
type Session interface {
	VocabSize() int
	Logits(ctx context.Context, prefix []TokenID) ([]float32, error)
	Close() error
}

// Tokenizer maps text to token ids and ids back to text.
type Tokenizer interface {
	Tokenize(text string) ([]TokenID, error)
	DetokenizeOne(id TokenID) (string, error)
	VocabSize() int
}

// ProgressFunc is called after every scored position.
type ProgressFunc func(done, total int)

// Materializer is a non-incremental provider that returns the distributions
// of a whole sequence at once. Row j is the distribution after tokens[:j+1];
// a trailing row for the full sequence is allowed.
type Materializer interface {
	VocabSize() int
	AllLogits(ctx context.Context, tokens []TokenID) ([][]float32, error)
}

type Option func(*Analyzer)

// WithProgress installs a progress callback. AnalyzeMaterialized calls it
// from several goroutines.
func WithProgress(fn ProgressFunc) Option {
	return func(a *Analyzer) { a.progress = fn }
}

// WithTopK overrides the leaderboard size.
func WithTopK(k int) Option {
	return func(a *Analyzer) {
		if k > 0 {
			a.topK = k
		}
	}
}

// WithParallelism bounds the goroutines used by AnalyzeMaterialized.
func WithParallelism(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// Analyzer runs the per-position pipeline. It keeps no state between runs
// and is safe for concurrent use with distinct sessions.
type Analyzer struct {
	tok         Tokenizer
	topK        int
	parallelism int
	progress    ProgressFunc
	log         *logger.Logger
}

// New returns an Analyzer. tok may be nil, in which case token text is
// rendered as the bracketed id.
func New(tok Tokenizer, opts ...Option) *Analyzer {
	a := &Analyzer{
		tok:         tok,
		topK:        LeaderboardSize,
		parallelism: runtime.GOMAXPROCS(0),
		log:         logger.Log.Component("analysis"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalyzeText tokenizes text and analyzes the resulting sequence.
func (a *Analyzer) AnalyzeText(ctx context.Context, text string, sess Session) (*Result, error) {
	tokens, err := a.tokenize(text)
	if err != nil {
		return nil, err
	}
	return a.Analyze(ctx, tokens, sess)
}

// AnalyzeTextMaterialized tokenizes text, fetches every distribution from m
// in one call and scores the positions in parallel. Input is validated
// before m is called.
func (a *Analyzer) AnalyzeTextMaterialized(ctx context.Context, text string, m Materializer) (*Result, error) {
	tokens, err := a.tokenize(text)
	if err != nil {
		return nil, err
	}
	vocabSize := m.VocabSize()
	if _, err := a.prepare(tokens, vocabSize); err != nil {
		a.fail(err)
		return nil, err
	}

	logits, err := m.AllLogits(ctx, tokens)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = &BackendError{Position: 1, Err: err}
		}
		return nil, a.abort(0, len(tokens)-1, 1, err)
	}
	return a.AnalyzeMaterialized(ctx, tokens, logits, vocabSize)
}

func (a *Analyzer) tokenize(text string) ([]TokenID, error) {
	if a.tok == nil {
		return nil, &TokenizationError{Offset: -1, Err: errors.New("no tokenizer configured")}
	}
	tokens, err := a.tok.Tokenize(text)
	if err != nil {
		var tokErr *TokenizationError
		if !errors.As(err, &tokErr) {
			err = &TokenizationError{Offset: -1, Err: err}
		}
		a.fail(err)
		return nil, err
	}
	return tokens, nil
}

// Analyze requests one distribution per position from sess, in order, and
// scores the token that follows each prefix. The first token is not scored.
func (a *Analyzer) Analyze(ctx context.Context, tokens []TokenID, sess Session) (*Result, error) {
	start := time.Now()

	vocabSize := sess.VocabSize()
	res, err := a.prepare(tokens, vocabSize)
	if err != nil {
		a.fail(err)
		return nil, err
	}

	total := len(tokens) - 1
	a.log.Debug("Analysis started", "positions", total, "vocab_size", vocabSize)

	var logSum float64
	for i := 1; i < len(tokens); i++ {
		if err := ctx.Err(); err != nil {
			return nil, a.abort(i-1, total, i, err)
		}

		logits, err := sess.Logits(ctx, tokens[:i:i])
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else {
				err = &BackendError{Position: i, Err: err}
			}
			return nil, a.abort(i-1, total, i, err)
		}

		ta, err := a.scorePosition(logits, vocabSize, tokens, i)
		if err != nil {
			return nil, a.abort(i-1, total, i, err)
		}

		logSum += ta.LogProbability
		res.Tokens = append(res.Tokens, ta)
		metrics.RecordPosition(ta.Rank)
		if a.progress != nil {
			a.progress(i, total)
		}
	}

	res.Perplexity = perplexity(logSum, total)
	a.complete(res, time.Since(start))
	return res, nil
}

// AnalyzeMaterialized scores positions whose distributions are already
// available. logits[j] is the distribution after tokens[:j+1]; a trailing
// row for the full sequence is ignored. Positions are scored in parallel
// and the result equals what Analyze would produce for the same logits.
func (a *Analyzer) AnalyzeMaterialized(ctx context.Context, tokens []TokenID, logits [][]float32, vocabSize int) (*Result, error) {
	start := time.Now()

	res, err := a.prepare(tokens, vocabSize)
	if err != nil {
		a.fail(err)
		return nil, err
	}

	total := len(tokens) - 1
	if len(logits) != total && len(logits) != total+1 {
		err := &ConfigurationError{Expected: total, Actual: len(logits), Reason: "materialized distribution count does not match sequence"}
		a.fail(err)
		return nil, err
	}

	scored := make([]TokenAnalysis, total)
	errs := make([]error, total)
	var firstFailed atomic.Int64
	firstFailed.Store(math.MaxInt64)
	var done atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(a.parallelism)

	launched := 0
	for i := 1; i < len(tokens); i++ {
		if ctx.Err() != nil {
			break
		}
		launched = i
		g.Go(func() error {
			// Positions past a known failure are never reported.
			if int64(i) > firstFailed.Load() {
				return nil
			}
			ta, err := a.scorePosition(logits[i-1], vocabSize, tokens, i)
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				errs[i-1] = err
				for {
					cur := firstFailed.Load()
					if int64(i) >= cur || firstFailed.CompareAndSwap(cur, int64(i)) {
						break
					}
				}
				return nil
			}
			scored[i-1] = ta
			if a.progress != nil {
				a.progress(int(done.Add(1)), total)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := 1; i <= total; i++ {
		err := errs[i-1]
		if err == nil && i > launched {
			err = ctx.Err()
		}
		if err != nil {
			return nil, a.abort(i-1, total, i, err)
		}
	}

	var logSum float64
	for _, ta := range scored {
		logSum += ta.LogProbability
		metrics.RecordPosition(ta.Rank)
	}
	res.Tokens = scored
	res.Perplexity = perplexity(logSum, total)
	a.complete(res, time.Since(start))
	return res, nil
}

// prepare validates the run before any backend call and returns the result
// skeleton with the leading token filled in.
func (a *Analyzer) prepare(tokens []TokenID, vocabSize int) (*Result, error) {
	if len(tokens) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrEmptyInput, len(tokens))
	}
	if vocabSize <= 0 {
		return nil, &ConfigurationError{Expected: 1, Actual: vocabSize, Reason: "backend reported no vocabulary"}
	}
	if a.tok != nil && a.tok.VocabSize() != vocabSize {
		return nil, &ConfigurationError{Expected: a.tok.VocabSize(), Actual: vocabSize, Reason: "tokenizer and backend vocabulary sizes differ"}
	}
	for _, id := range tokens {
		if id < 0 || int(id) >= vocabSize {
			return nil, &InvalidTokenError{TokenID: id, VocabSize: vocabSize}
		}
	}

	text := a.text(tokens[0])
	return &Result{
		First:     Piece{TokenID: tokens[0], Text: text, DisplayText: DisplayText(text)},
		Tokens:    make([]TokenAnalysis, 0, len(tokens)-1),
		VocabSize: vocabSize,
	}, nil
}

func (a *Analyzer) scorePosition(logits []float32, vocabSize int, tokens []TokenID, i int) (TokenAnalysis, error) {
	d, err := Normalize(logits, vocabSize)
	if err != nil {
		return TokenAnalysis{}, err
	}
	ta, err := Score(d, tokens[i], a.topK)
	if err != nil {
		return TokenAnalysis{}, err
	}
	ta.Position = i
	ta.Text = a.text(ta.TokenID)
	ta.DisplayText = DisplayText(ta.Text)
	for j := range ta.Leaderboard {
		ta.Leaderboard[j].Text = a.text(ta.Leaderboard[j].TokenID)
	}
	return ta, nil
}

func (a *Analyzer) text(id TokenID) string {
	if a.tok != nil {
		if s, err := a.tok.DetokenizeOne(id); err == nil {
			return s
		}
	}
	return fmt.Sprintf("[%d]", id)
}

func (a *Analyzer) abort(analyzed, total, position int, err error) error {
	perr := &PartialAnalysisError{Analyzed: analyzed, Total: total, Position: position, Err: err}
	a.fail(perr)
	return perr
}

func (a *Analyzer) fail(err error) {
	outcome := metrics.OutcomeFailure
	switch {
	case errors.Is(err, ErrEmptyInput):
		outcome = metrics.OutcomeEmpty
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeAborted
	}
	metrics.RecordAnalysis(outcome, 0, 0, 0)
	metrics.RecordAnalysisError(ErrorKind(err))
	a.log.Warn("Analysis failed", "error", err)
}

func (a *Analyzer) complete(res *Result, elapsed time.Duration) {
	metrics.RecordAnalysis(metrics.OutcomeSuccess, len(res.Tokens), res.Perplexity, elapsed)
	a.log.Info("Analysis complete",
		"positions", len(res.Tokens),
		"perplexity", res.Perplexity,
		"elapsed", elapsed,
	)
}

func perplexity(logSum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Min(math.Exp(-logSum/float64(n)), math.MaxFloat64)
}
