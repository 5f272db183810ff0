package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind is the normalized failure category every provider reports.
type Kind string

const (
	// The backend signals exhausted quota. Retryable with a long backoff.
	KindQuota Kind = "quota"

	// The backend or the transport hit a deadline. Retryable with a short
	// backoff.
	KindTimeout Kind = "timeout"

	// Malformed response, missing output, auth failure. Never retried.
	KindFatal Kind = "fatal"
)

// Error is the only error type that leaves a provider's Invoke.
type Error struct {
	Kind     Kind
	Provider string

	// HTTP status returned by the backend, 0 when the call never got a
	// response.
	StatusCode int

	// Wait requested by the backend itself. Zero when not specified.
	RetryAfter time.Duration

	// Backend message, suitable for showing to a user as-is.
	Message string

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Retryable() bool {
	return e.Kind == KindQuota || e.Kind == KindTimeout
}

func NewQuotaError(provider string, retryAfter time.Duration, message string) *Error {
	return &Error{Kind: KindQuota, Provider: provider, StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter, Message: message}
}

func NewTimeoutError(provider string, err error) *Error {
	return &Error{Kind: KindTimeout, Provider: provider, Message: errorMessage(err, "request timed out"), Err: err}
}

func NewFatalError(provider string, message string) *Error {
	return &Error{Kind: KindFatal, Provider: provider, Message: message}
}

// ClassifyStatus maps an HTTP status code returned by a backend to an Error.
func ClassifyStatus(provider string, statusCode int, retryAfter time.Duration, message string) *Error {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	kind := KindFatal
	switch statusCode {
	case http.StatusTooManyRequests:
		kind = KindQuota
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		kind = KindTimeout
	}
	return &Error{
		Kind:       kind,
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
		Message:    message,
	}
}

// Classify normalizes a transport level error. An error that is already an
// *Error is returned unchanged.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}

	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr
	}

	if IsTransient(err) {
		return NewTimeoutError(provider, err)
	}

	return &Error{Kind: KindFatal, Provider: provider, Message: err.Error(), Err: err}
}

// IsTransient reports whether err is a deadline or connection level failure
// worth retrying. Caller cancellation is not transient.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// ParseRetryAfter reads a Retry-After header value, either delay seconds or an
// HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

func errorMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
