package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/render"
	"github.com/Belluxx/Perplex/internal/worker"
)

// maxBodyBytes bounds request bodies on the analysis routes.
const maxBodyBytes = 1 << 20

type TextRequest struct {
	Text string `json:"text"`
}

type TokenCountResponse struct {
	Tokens int `json:"tokens"`
}

type ProgressResponse struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Position  int    `json:"position,omitempty"`
	Analyzed  int    `json:"analyzed,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) bind(c *gin.Context) (TextRequest, bool) {
	var req TextRequest
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	}
	return context.WithCancel(c.Request.Context())
}

func (s *Server) handleAnalyze(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	events, err := s.worker.Analyze(ctx, req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	for ev := range events {
		switch ev.Kind {
		case worker.Completed:
			c.JSON(http.StatusOK, render.NewReport(ev.Result, ev.Elapsed))
			return
		case worker.Error:
			s.writeError(c, ev.Err)
			return
		}
	}
	s.writeError(c, ctx.Err())
}

// handleAnalyzeStream relays worker events as server-sent events named
// after the event kind.
func (s *Server) handleAnalyzeStream(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	events, err := s.worker.Analyze(ctx, req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			if err := ctx.Err(); err != nil {
				_, body := s.errorBody(c, err)
				c.SSEvent(worker.Error.String(), body)
			}
			return false
		}
		switch ev.Kind {
		case worker.Started:
			c.SSEvent(ev.Kind.String(), gin.H{})
		case worker.Progress:
			c.SSEvent(ev.Kind.String(), ProgressResponse{Current: ev.Current, Total: ev.Total})
		case worker.Completed:
			c.SSEvent(ev.Kind.String(), render.NewReport(ev.Result, ev.Elapsed))
			return false
		case worker.Error:
			_, body := s.errorBody(c, ev.Err)
			c.SSEvent(ev.Kind.String(), body)
			return false
		}
		return true
	})
}

func (s *Server) handleTokenize(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	n, err := s.worker.CountTokens(ctx, req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TokenCountResponse{Tokens: n})
}

func (s *Server) writeError(c *gin.Context, err error) {
	code, body := s.errorBody(c, err)
	c.AbortWithStatusJSON(code, body)
}

func (s *Server) errorBody(c *gin.Context, err error) (int, ErrorResponse) {
	if err == nil {
		err = errors.New("analysis ended without a result")
	}
	code := StatusFor(err)
	body := ErrorResponse{
		Error:     err.Error(),
		Kind:      kindFor(code, err),
		RequestID: c.GetString(requestIDKey),
	}
	var partial *analysis.PartialAnalysisError
	if errors.As(err, &partial) {
		body.Position = partial.Position
		body.Analyzed = partial.Analyzed
	}
	return code, body
}

// StatusFor maps analysis failures to HTTP status codes.
func StatusFor(err error) int {
	var (
		tokErr     *analysis.TokenizationError
		invalidTok *analysis.InvalidTokenError
		cfgErr     *analysis.ConfigurationError
		logitsErr  *analysis.InvalidLogitsError
		backendErr *analysis.BackendError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, worker.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, analysis.ErrEmptyInput), errors.As(err, &tokErr):
		return http.StatusBadRequest
	case errors.As(err, &invalidTok), errors.As(err, &cfgErr), errors.As(err, &logitsErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &backendErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func kindFor(code int, err error) string {
	if kind := analysis.ErrorKind(err); kind != "internal" {
		return kind
	}
	if code == http.StatusServiceUnavailable {
		return "unavailable"
	}
	return "internal"
}
