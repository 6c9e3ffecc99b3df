// Package provider defines the shared failure taxonomy for external service
// clients. Every client returns either a typed payload or a *Error carrying a
// machine-readable kind and the provider's own error detail when available.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure for retry decisions.
type Kind string

const (
	// KindAuth means credentials were rejected. Never retried.
	KindAuth Kind = "auth"
	// KindRateLimited means the provider returned HTTP 429. Retryable later;
	// callers may defer the operation instead of failing it permanently.
	KindRateLimited Kind = "rate_limited"
	// KindTransient covers timeouts, connection failures and 5xx responses.
	KindTransient Kind = "transient"
	// KindPermanent covers other 4xx responses and malformed payloads.
	KindPermanent Kind = "permanent"
)

// Error is a typed provider failure.
type Error struct {
	Provider string
	Kind     Kind
	Code     string
	Message  string
	Detail   string // provider-supplied error payload, verbatim when available
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Provider, e.Message, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
}

// Retryable reports whether the failure is worth retrying later.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// IsRateLimited reports whether err is a rate-limit failure.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindRateLimited
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}

// FromHTTP classifies a non-2xx HTTP response into a typed failure, embedding
// the response body as detail.
func FromHTTP(providerName string, status int, body []byte) *Error {
	e := &Error{
		Provider: providerName,
		Code:     fmt.Sprintf("http_%d", status),
		Message:  http.StatusText(status),
		Detail:   string(body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status >= http.StatusInternalServerError:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

// Wrap converts an arbitrary transport error (timeout, DNS failure) into a
// transient typed failure.
func Wrap(providerName string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{
		Provider: providerName,
		Kind:     KindTransient,
		Code:     "transport",
		Message:  err.Error(),
	}
}
