package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/backend"
	"github.com/Belluxx/Perplex/internal/config"
	"github.com/Belluxx/Perplex/internal/render"
	"github.com/Belluxx/Perplex/internal/worker"
)

type fakeWorker struct {
	ready     bool
	events    []worker.Event
	submitErr error
	count     int
	countErr  error
	lastText  string
}

func (f *fakeWorker) Loaded(context.Context) (worker.Event, error) {
	return worker.Event{Kind: worker.ModelLoaded, Model: "fake", VocabSize: 27}, nil
}

func (f *fakeWorker) Ready() bool { return f.ready }

func (f *fakeWorker) Analyze(_ context.Context, text string) (<-chan worker.Event, error) {
	f.lastText = text
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	ch := make(chan worker.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeWorker) CountTokens(_ context.Context, text string) (int, error) {
	f.lastText = text
	return f.count, f.countErr
}

func sampleResult() *analysis.Result {
	return &analysis.Result{
		First: analysis.Piece{TokenID: 0, Text: "a", DisplayText: "a"},
		Tokens: []analysis.TokenAnalysis{
			{Position: 1, TokenID: 1, Text: "b", DisplayText: "b", Probability: 0.5, Rank: 1},
			{Position: 2, TokenID: 2, Text: "c", DisplayText: "c", Probability: 0.25, Rank: 2},
		},
		Perplexity: 2.83,
		VocabSize:  27,
	}
}

func completed() []worker.Event {
	return []worker.Event{
		{Kind: worker.Started},
		{Kind: worker.Progress, Current: 1, Total: 2},
		{Kind: worker.Progress, Current: 2, Total: 2},
		{Kind: worker.Completed, Result: sampleResult(), Elapsed: 40 * time.Millisecond},
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RateLimit = 0
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAnalyze(t *testing.T) {
	fw := &fakeWorker{ready: true, events: completed()}
	h := New(testConfig(), fw).Handler()

	rec := do(t, h, http.MethodPost, "/api/analyze", `{"text":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "abc", fw.lastText)

	var report render.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, int64(40), report.ElapsedMS)
	assert.Equal(t, 3, report.Summary.Tokens)
	assert.Equal(t, sampleResult(), report.Result)
}

func TestAnalyzeInvalidBody(t *testing.T) {
	h := New(testConfig(), &fakeWorker{ready: true}).Handler()

	rec := do(t, h, http.MethodPost, "/api/analyze", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"empty", fmt.Errorf("%w: got 1", analysis.ErrEmptyInput), http.StatusBadRequest, "empty_input"},
		{"tokenization", &analysis.TokenizationError{Offset: 2, Err: errors.New("no piece")}, http.StatusBadRequest, "tokenization"},
		{"invalid token", &analysis.InvalidTokenError{TokenID: 99, VocabSize: 27}, http.StatusUnprocessableEntity, "invalid_token"},
		{"configuration", &analysis.ConfigurationError{Expected: 27, Actual: 30}, http.StatusUnprocessableEntity, "configuration"},
		{"logits", &analysis.PartialAnalysisError{Analyzed: 1, Total: 3, Position: 2, Err: &analysis.InvalidLogitsError{Index: 4}}, http.StatusUnprocessableEntity, "invalid_logits"},
		{"backend", &analysis.PartialAnalysisError{Analyzed: 2, Total: 3, Position: 3, Err: &analysis.BackendError{Position: 3, Err: errors.New("down")}}, http.StatusBadGateway, "backend"},
		{"deadline", &analysis.PartialAnalysisError{Analyzed: 0, Total: 3, Position: 1, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := &fakeWorker{ready: true, events: []worker.Event{{Kind: worker.Started}, {Kind: worker.Error, Err: tt.err}}}
			rec := do(t, New(testConfig(), fw).Handler(), http.MethodPost, "/api/analyze", `{"text":"abc"}`)
			require.Equal(t, tt.code, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestAnalyzePartialFailureReportsPosition(t *testing.T) {
	err := &analysis.PartialAnalysisError{Analyzed: 4, Total: 9, Position: 5, Err: &analysis.BackendError{Position: 5, Err: errors.New("reset")}}
	fw := &fakeWorker{ready: true, events: []worker.Event{{Kind: worker.Error, Err: err}}}

	rec := do(t, New(testConfig(), fw).Handler(), http.MethodPost, "/api/analyze", `{"text":"abc"}`)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 5, body.Position)
	assert.Equal(t, 4, body.Analyzed)
}

func TestAnalyzeAfterShutdown(t *testing.T) {
	fw := &fakeWorker{submitErr: worker.ErrShutdown}
	rec := do(t, New(testConfig(), fw).Handler(), http.MethodPost, "/api/analyze", `{"text":"abc"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAnalyzeStream(t *testing.T) {
	fw := &fakeWorker{ready: true, events: completed()}
	srv := httptest.NewServer(New(testConfig(), fw).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/analyze/stream", "application/json", strings.NewReader(`{"text":"abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(data)
	started := strings.Index(out, "started")
	progress := strings.Index(out, "progress")
	done := strings.Index(out, "completed")
	require.True(t, started >= 0 && progress > started && done > progress, out)
	assert.Contains(t, out, `"current":1`)
	assert.Contains(t, out, `"perplexity":2.83`)
}

func TestAnalyzeStreamError(t *testing.T) {
	fw := &fakeWorker{ready: true, events: []worker.Event{
		{Kind: worker.Started},
		{Kind: worker.Error, Err: &analysis.TokenizationError{Offset: 0, Err: errors.New("bad")}},
	}}
	srv := httptest.NewServer(New(testConfig(), fw).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/analyze/stream", "application/json", strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "error")
	assert.Contains(t, string(data), `"kind":"tokenization"`)
}

func TestTokenize(t *testing.T) {
	fw := &fakeWorker{ready: true, count: 3}
	h := New(testConfig(), fw).Handler()

	rec := do(t, h, http.MethodPost, "/api/tokenize", `{"text":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":3}`, rec.Body.String())

	fw.countErr = &analysis.TokenizationError{Offset: 1, Err: errors.New("no piece")}
	rec = do(t, h, http.MethodPost, "/api/tokenize", `{"text":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"
	h := New(cfg, &fakeWorker{ready: true, count: 1}).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/tokenize", `{"text":"a"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/tokenize", `{"text":"a"}`, "Authorization", "ApiKey wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/tokenize", `{"text":"a"}`, "Authorization", "ApiKey secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/tokenize", `{"text":"a"}`, "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/tokenize?api_key=secret", `{"text":"a"}`).Code)

	// Health endpoints stay open.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	h := New(cfg, &fakeWorker{ready: true, count: 1}).Handler()

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/tokenize", `{"text":"a"}`).Code)
	}
	rec := do(t, h, http.MethodPost, "/api/tokenize", `{"text":"a"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestIPLimiterEvictsIdleClients(t *testing.T) {
	l := newIPLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.get("10.0.0.1")
	l.get("10.0.0.2")
	assert.Equal(t, 2, l.size())

	now = now.Add(limiterIdle / 2)
	l.get("10.0.0.1")
	now = now.Add(limiterIdle / 2)
	l.get("10.0.0.3")
	// 10.0.0.2 has been idle a full period, 10.0.0.1 only half.
	assert.Equal(t, 2, l.size())

	now = now.Add(limiterIdle)
	l.get("10.0.0.4")
	assert.Equal(t, 1, l.size())
}

func TestIPLimiterIdleCoversRefill(t *testing.T) {
	assert.Equal(t, limiterIdle, newIPLimiter(5, 10).idle)
	assert.Equal(t, 2000*time.Second, newIPLimiter(0.001, 2).idle)
}

func TestRequestID(t *testing.T) {
	h := New(testConfig(), &fakeWorker{ready: true}).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)

	rec = do(t, h, http.MethodGet, "/healthz", "", requestIDHeader, "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://allowed.test"}
	h := New(cfg, &fakeWorker{ready: true}).Handler()

	rec := do(t, h, http.MethodGet, "/version", "", "Origin", "http://allowed.test")
	assert.Equal(t, "http://allowed.test", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/version", "", "Origin", "http://other.test")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h = New(testConfig(), &fakeWorker{ready: true}).Handler()
	rec = do(t, h, http.MethodGet, "/version", "", "Origin", "http://any.test")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthEndpoints(t *testing.T) {
	fw := &fakeWorker{ready: true}
	h := New(testConfig(), fw).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, "OK\n", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "fake", health.Model)
	assert.Equal(t, 27, health.VocabSize)

	fw.ready = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
	rec = do(t, h, http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)

	rec = do(t, h, http.MethodGet, "/version", "")
	var version VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	assert.Equal(t, Version, version.Version)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{2*time.Hour + 5*time.Second, "2h 5s"},
		{25*time.Hour + time.Minute + time.Second, "1d 1h 1m 1s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

// lowerTokenizer maps a-z to 0..25 and space to 26.
type lowerTokenizer struct{}

func (lowerTokenizer) Tokenize(text string) ([]analysis.TokenID, error) {
	out := make([]analysis.TokenID, 0, len(text))
	for i, r := range text {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, analysis.TokenID(r-'a'))
		case r == ' ':
			out = append(out, 26)
		default:
			return nil, &analysis.TokenizationError{Offset: i, Err: errors.New("unsupported rune")}
		}
	}
	return out, nil
}

func (l lowerTokenizer) Count(text string) (int, error) {
	ids, err := l.Tokenize(text)
	return len(ids), err
}

func (lowerTokenizer) DetokenizeOne(id analysis.TokenID) (string, error) {
	if id == 26 {
		return " ", nil
	}
	return string(rune('a' + id)), nil
}

func (lowerTokenizer) VocabSize() int { return 27 }

func TestAnalyzeWithWorker(t *testing.T) {
	m := backend.NewCountModel(27, 0.1)
	ids, err := lowerTokenizer{}.Tokenize("the cat sat on the mat")
	require.NoError(t, err)
	require.NoError(t, m.Train(ids))

	w := worker.Start(context.Background(), func(context.Context) (*worker.Model, error) {
		return &worker.Model{Name: "bigram", Tokenizer: lowerTokenizer{}, Backend: m}, nil
	})
	defer w.Shutdown(context.Background())
	_, err = w.Loaded(context.Background())
	require.NoError(t, err)

	h := New(testConfig(), w).Handler()

	body, _ := json.Marshal(TextRequest{Text: "the mat"})
	rec := do(t, h, http.MethodPost, "/api/analyze", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report render.Report
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&report))
	require.Len(t, report.Result.Tokens, 6)
	assert.Equal(t, "the mat", report.Result.Text())

	rec = do(t, h, http.MethodPost, "/api/analyze", `{"text":"THE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/tokenize", `{"text":"the mat"}`)
	assert.JSONEq(t, `{"tokens":7}`, rec.Body.String())
}
