package reasoning

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrNoProfiles is returned when no provider profile is configured
var ErrNoProfiles = errors.New("no reasoning profiles configured")

// Engine turns a prompt into free text
type Engine interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// EngineFunc adapts a function to Engine
type EngineFunc func(ctx context.Context, prompt string) (string, error)

func (f EngineFunc) Infer(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// IsRetryableError checks if a provider error is transient and the next
// profile should be tried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return retryableStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return retryableStatus(anErr.StatusCode)
	}

	msg := strings.ToLower(err.Error())

	// Network errors
	for _, s := range []string{"econnreset", "etimedout", "connection reset", "connection refused", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, s := range []string{"500", "502", "503", "504", "529", "overloaded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
