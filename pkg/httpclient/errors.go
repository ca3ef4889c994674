package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RetryableError reports that the retry budget was exhausted. Callers can
// inspect StatusCode to decide how to classify the failure.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRateLimited reports whether the error chain ends in an exhausted
// rate-limit retry (HTTP 429).
func IsRateLimited(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) && re.StatusCode == http.StatusTooManyRequests
}

// ParseRetryAfter reads a Retry-After header value, which may be either
// delay seconds or an HTTP date.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		return time.Until(t)
	}
	return 0
}
