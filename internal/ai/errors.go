package ai

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

// RateLimitError marks a retryable capability error. RetryAfter carries the
// server-suggested delay when the response included one, zero otherwise.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// AsRateLimit reports whether err is rate-limit-class and returns it.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// classifyError maps transport errors into the engine's taxonomy: HTTP 429
// and 503 are retryable rate-limit-class, everything else is terminal.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code == http.StatusServiceUnavailable {
			return &RateLimitError{
				RetryAfter: retryAfterFromHeader(gerr),
				Err:        err,
			}
		}
	}

	return err
}

func retryAfterFromHeader(gerr *googleapi.Error) time.Duration {
	if gerr.Header == nil {
		return 0
	}

	value := gerr.Header.Get("Retry-After")
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	return 0
}
