package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// rateLimitCodes are provider error codes that signal throttling
var rateLimitCodes = map[string]bool{
	"RateLimitReached":    true,
	"rate_limit_exceeded": true,
	"rate_limit_error":    true,
}

// ProviderError is a non-success response from a model endpoint
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s (status=%d, code=%s)", e.Provider, e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// RateLimitError is a throttling response. RetryAfter is set when the endpoint sent a usable hint.
type RateLimitError struct {
	ProviderError
	RetryAfter *time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.ProviderError.Error()
}

// IsRateLimit reports whether err is or wraps a *RateLimitError
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// newProviderError classifies a failed HTTP exchange
func newProviderError(provider string, status int, code, message string, header http.Header) error {
	pe := ProviderError{Provider: provider, StatusCode: status, Code: code, Message: message}
	if status == http.StatusTooManyRequests || rateLimitCodes[code] {
		return &RateLimitError{ProviderError: pe, RetryAfter: parseRetryAfter(header)}
	}
	return &pe
}

// parseRetryAfter reads a positive Retry-After value in seconds
func parseRetryAfter(h http.Header) *time.Duration {
	if h == nil {
		return nil
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return nil
	}
	d := time.Duration(secs * float64(time.Second))
	return &d
}
