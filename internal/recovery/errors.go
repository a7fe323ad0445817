// Package recovery classifies integration failures into retry categories
// and provides the backoff arithmetic and retry loop driven by them.
//
// Classification precedence: an explicit kind supplied by the call site
// always wins; HTTP-style status codes map by range next; known message
// substrings are a last resort. The payment category is deliberately
// excluded from substring matching: only an explicit constructor or a 402
// status can produce it, because an unretryable money-touching failure must
// never hinge on message phrasing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure category. Each kind carries its own retry policy.
type Kind string

const (
	// KindTransient is a short-lived infrastructure hiccup: retry with
	// short exponential backoff.
	KindTransient Kind = "transient"
	// KindRateLimit is an upstream throttle: retry with long backoff.
	KindRateLimit Kind = "rate_limit"
	// KindAuth is a credential failure: never auto-retried, the
	// integration is halted and a human alerted.
	KindAuth Kind = "auth"
	// KindPayment is a money-touching failure: never auto-retried under
	// any circumstances; a fresh human approval is required first.
	KindPayment Kind = "payment"
	// KindPermanent is a failure that cannot succeed on retry.
	KindPermanent Kind = "permanent"
	// KindComponentDown is an unavailable integration: the task may still
	// be retried while integration-level degradation engages.
	KindComponentDown Kind = "component_down"
)

// IsValid checks if the kind value is valid
func (k Kind) IsValid() bool {
	switch k {
	case KindTransient, KindRateLimit, KindAuth, KindPayment, KindPermanent, KindComponentDown:
		return true
	}
	return false
}

// ClassifiedError wraps a failure with its category and the integration
// that produced it.
type ClassifiedError struct {
	Kind       Kind
	Component  string
	StatusCode int
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failure on %s", e.Kind, e.Component)
	}
	return fmt.Sprintf("%s failure on %s: %v", e.Kind, e.Component, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewError builds a ClassifiedError with an explicit, caller-asserted kind.
func NewError(kind Kind, component string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Component: component, Err: err}
}

// Transient marks a short-lived failure on the given integration.
func Transient(component string, err error) *ClassifiedError {
	return NewError(KindTransient, component, err)
}

// RateLimited marks an upstream throttle on the given integration.
func RateLimited(component string, err error) *ClassifiedError {
	return NewError(KindRateLimit, component, err)
}

// AuthFailure marks a credential failure on the given integration.
func AuthFailure(component string, err error) *ClassifiedError {
	return NewError(KindAuth, component, err)
}

// PaymentFailure marks a money-touching failure. This is the only path,
// besides an explicit 402 status, that produces KindPayment.
func PaymentFailure(component string, err error) *ClassifiedError {
	return NewError(KindPayment, component, err)
}

// Permanent marks a failure that retrying cannot fix.
func Permanent(component string, err error) *ClassifiedError {
	return NewError(KindPermanent, component, err)
}

// ComponentDown marks an unavailable integration.
func ComponentDown(component string, err error) *ClassifiedError {
	return NewError(KindComponentDown, component, err)
}

// FromStatusCode classifies by an HTTP-style status code supplied by the
// call site.
func FromStatusCode(component string, status int, err error) *ClassifiedError {
	ce := &ClassifiedError{Component: component, StatusCode: status, Err: err}
	switch {
	case status == 401 || status == 403:
		ce.Kind = KindAuth
	case status == 402:
		ce.Kind = KindPayment
	case status == 408:
		ce.Kind = KindTransient
	case status == 429:
		ce.Kind = KindRateLimit
	case status >= 500 && status <= 599:
		ce.Kind = KindComponentDown
	case status >= 400 && status <= 499:
		ce.Kind = KindPermanent
	default:
		ce.Kind = classifyMessage(err)
	}
	return ce
}

// Classify resolves a category for an arbitrary error. An error that is
// already classified passes through unchanged regardless of wrapping.
func Classify(component string, err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(component, err)
	}
	return NewError(classifyMessage(err), component, err)
}

// KindOf extracts the kind of a classified error, or classifies on the fly.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return classifyMessage(err)
}

// IsAuth reports whether the error is an auth-classified failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsPayment reports whether the error is a payment-classified failure.
func IsPayment(err error) bool { return KindOf(err) == KindPayment }

// classifyMessage is the substring fallback for errors that arrive without
// an explicit kind or status code. It can never return KindPayment.
func classifyMessage(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "credential"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return KindAuth
	case strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return KindComponentDown
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "temporary failure"),
		strings.Contains(msg, "network"):
		return KindTransient
	}
	return KindPermanent
}
