package analysis

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when fewer than two tokens are supplied.
var ErrEmptyInput = errors.New("at least two tokens are required")

// ConfigurationError reports a vocabulary size mismatch between the
// tokenizer, the backend and the logits it returns.
type ConfigurationError struct {
	Expected int
	Actual   int
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("vocabulary size mismatch: expected %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: expected %d, got %d", e.Reason, e.Expected, e.Actual)
}

// InvalidTokenError reports a token id outside [0, VocabSize).
type InvalidTokenError struct {
	TokenID   TokenID
	VocabSize int
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid token id %d (vocabulary size %d)", e.TokenID, e.VocabSize)
}

// InvalidLogitsError reports a logit that cannot be normalized, or one that
// leaves the observed token with zero probability.
type InvalidLogitsError struct {
	Index int
	Value float32
}

func (e *InvalidLogitsError) Error() string {
	if e.Index < 0 {
		return "no finite logit in distribution"
	}
	return fmt.Sprintf("invalid logit %v at index %d", e.Value, e.Index)
}

// BackendError wraps a failure of the distribution provider.
type BackendError struct {
	Position int
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend failed at position %d: %v", e.Position, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TokenizationError wraps a failure of the tokenizer. Offset is the byte
// offset in the input text, or -1 when unknown.
type TokenizationError struct {
	Offset int
	Err    error
}

func (e *TokenizationError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("tokenization failed: %v", e.Err)
	}
	return fmt.Sprintf("tokenization failed at byte %d: %v", e.Offset, e.Err)
}

func (e *TokenizationError) Unwrap() error { return e.Err }

// PartialAnalysisError aborts a run part way through. Analyzed is the number
// of positions scored before Position failed.
type PartialAnalysisError struct {
	Analyzed int
	Total    int
	Position int
	Err      error
}

func (e *PartialAnalysisError) Error() string {
	return fmt.Sprintf("analysis aborted after %d of %d positions: %v", e.Analyzed, e.Total, e.Err)
}

func (e *PartialAnalysisError) Unwrap() error { return e.Err }

// ErrorKind returns a short stable label for err, used in metrics and API
// responses.
func ErrorKind(err error) string {
	var (
		cfg     *ConfigurationError
		invalid *InvalidTokenError
		logits  *InvalidLogitsError
		backend *BackendError
		tok     *TokenizationError
	)
	switch {
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.As(err, &cfg):
		return "configuration"
	case errors.As(err, &invalid):
		return "invalid_token"
	case errors.As(err, &logits):
		return "invalid_logits"
	case errors.As(err, &tok):
		return "tokenization"
	case errors.As(err, &backend):
		return "backend"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
