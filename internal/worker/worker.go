// Package worker runs analyses on a single background goroutine that owns
// the model. Callers submit commands and receive per-request event streams.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/backend"
	"github.com/Belluxx/Perplex/internal/logger"
)

// ErrShutdown is returned for commands submitted after Shutdown.
var ErrShutdown = errors.New("worker is shut down")

type EventKind int

const (
	ModelLoaded EventKind = iota
	Started
	Progress
	Completed
	TokenCount
	Error
)

func (k EventKind) String() string {
	switch k {
	case ModelLoaded:
		return "model_loaded"
	case Started:
		return "started"
	case Progress:
		return "progress"
	case Completed:
		return "completed"
	case TokenCount:
		return "token_count"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one message on a request stream. Only the fields belonging to
// Kind are set.
type Event struct {
	Kind EventKind

	Model     string
	VocabSize int

	Current int
	Total   int

	Result  *analysis.Result
	Elapsed time.Duration

	Count int
	Err   error
}

// Tokenizer is what the worker needs from a vocabulary.
type Tokenizer interface {
	analysis.Tokenizer
	Count(text string) (int, error)
}

// Model is the loaded state the worker owns.
type Model struct {
	Name      string
	Tokenizer Tokenizer
	Backend   backend.Backend
}

// Loader builds the model on the worker goroutine.
type Loader func(ctx context.Context) (*Model, error)

const eventBuffer = 64

type commandKind int

const (
	cmdAnalyze commandKind = iota
	cmdCount
)

type request struct {
	ctx    context.Context
	kind   commandKind
	text   string
	events chan Event
}

type Worker struct {
	opts []analysis.Option
	log  *logger.Logger

	requests chan *request
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	loaded  chan struct{}
	model   *Model
	loadErr error
}

// Start launches the worker. The model is loaded on the worker goroutine
// before any command is served; opts are applied to every analysis.
func Start(ctx context.Context, load Loader, opts ...analysis.Option) *Worker {
	w := &Worker{
		opts:     opts,
		log:      logger.Log.Component("worker"),
		requests: make(chan *request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		loaded:   make(chan struct{}),
	}
	go w.run(ctx, load)
	return w
}

func (w *Worker) run(ctx context.Context, load Loader) {
	defer close(w.stopped)

	start := time.Now()
	m, err := load(ctx)
	if err == nil && (m == nil || m.Backend == nil || m.Tokenizer == nil) {
		err = errors.New("model needs a backend and a tokenizer")
	}
	w.model, w.loadErr = m, err
	close(w.loaded)
	if err != nil {
		w.log.Error("Model load failed", "error", err)
	} else {
		w.log.Info("Model loaded", "model", m.Name, "backend", m.Backend.Name(), "elapsed", time.Since(start))
		defer func() {
			if err := m.Backend.Close(); err != nil {
				w.log.Warn("Backend close failed", "error", err)
			}
		}()
	}

	for {
		select {
		case req := <-w.requests:
			w.handle(req)
		case <-w.done:
			return
		}
	}
}

// Loaded waits for model loading and reports it as a ModelLoaded event.
func (w *Worker) Loaded(ctx context.Context) (Event, error) {
	select {
	case <-w.loaded:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
	if w.loadErr != nil {
		return Event{Kind: Error, Err: w.loadErr}, w.loadErr
	}
	return Event{Kind: ModelLoaded, Model: w.model.Name, VocabSize: w.model.Tokenizer.VocabSize()}, nil
}

// Ready reports whether the model loaded and the worker still accepts
// commands.
func (w *Worker) Ready() bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case <-w.loaded:
		return w.loadErr == nil
	default:
		return false
	}
}

// Analyze queues text for analysis. The returned stream carries Started,
// Progress events, then exactly one Completed or Error, and is then closed.
// Progress events are dropped when the consumer falls behind.
func (w *Worker) Analyze(ctx context.Context, text string) (<-chan Event, error) {
	req := &request{ctx: ctx, kind: cmdAnalyze, text: text, events: make(chan Event, eventBuffer)}
	if err := w.submit(req); err != nil {
		return nil, err
	}
	return req.events, nil
}

// CountTokens returns the token count of text, excluding BOS.
func (w *Worker) CountTokens(ctx context.Context, text string) (int, error) {
	req := &request{ctx: ctx, kind: cmdCount, text: text, events: make(chan Event, 1)}
	if err := w.submit(req); err != nil {
		return 0, err
	}
	select {
	case ev, ok := <-req.events:
		if !ok {
			return 0, ctx.Err()
		}
		if ev.Kind == Error {
			return 0, ev.Err
		}
		return ev.Count, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run analyzes text synchronously, forwarding progress to fn when non-nil.
func (w *Worker) Run(ctx context.Context, text string, fn analysis.ProgressFunc) (*analysis.Result, time.Duration, error) {
	events, err := w.Analyze(ctx, text)
	if err != nil {
		return nil, 0, err
	}
	for ev := range events {
		switch ev.Kind {
		case Progress:
			if fn != nil {
				fn(ev.Current, ev.Total)
			}
		case Completed:
			return ev.Result, ev.Elapsed, nil
		case Error:
			return nil, 0, ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return nil, 0, errors.New("analysis stream closed without a result")
}

func (w *Worker) submit(req *request) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-w.loaded:
		if w.loadErr != nil {
			return fmt.Errorf("model not loaded: %w", w.loadErr)
		}
	case <-req.ctx.Done():
		return req.ctx.Err()
	case <-w.done:
		return ErrShutdown
	}

	select {
	case w.requests <- req:
		return nil
	case <-req.ctx.Done():
		return req.ctx.Err()
	case <-w.done:
		return ErrShutdown
	}
}

// Shutdown stops accepting commands, waits for the running analysis and
// closes the backend. It is safe to call more than once.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.done) })
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handle(req *request) {
	defer close(req.events)

	switch req.kind {
	case cmdCount:
		n, err := w.model.Tokenizer.Count(req.text)
		if err != nil {
			req.events <- Event{Kind: Error, Err: err}
			return
		}
		req.events <- Event{Kind: TokenCount, Count: n}

	case cmdAnalyze:
		w.analyze(req)
	}
}

func (w *Worker) analyze(req *request) {
	if !send(req, Event{Kind: Started}) {
		return
	}
	start := time.Now()

	opts := append(append([]analysis.Option(nil), w.opts...), analysis.WithProgress(func(done, total int) {
		select {
		case req.events <- Event{Kind: Progress, Current: done, Total: total}:
		default:
		}
	}))
	a := analysis.New(w.model.Tokenizer, opts...)

	var (
		res *analysis.Result
		err error
	)
	if m, ok := w.model.Backend.(backend.Materializer); ok {
		res, err = a.AnalyzeTextMaterialized(req.ctx, req.text, m)
	} else {
		res, err = w.analyzeSession(req, a)
	}
	if err != nil {
		send(req, Event{Kind: Error, Err: err})
		return
	}
	send(req, Event{Kind: Completed, Result: res, Elapsed: time.Since(start)})
}

// analyzeSession runs a on a session of its own, closed afterwards.
func (w *Worker) analyzeSession(req *request, a *analysis.Analyzer) (*analysis.Result, error) {
	sess, err := w.model.Backend.Open(req.ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			w.log.Warn("Session close failed", "error", err)
		}
	}()
	return a.AnalyzeText(req.ctx, req.text, sess)
}

// send delivers a non-droppable event unless the requester has gone away.
func send(req *request, ev Event) bool {
	select {
	case req.events <- ev:
		return true
	case <-req.ctx.Done():
		return false
	}
}
