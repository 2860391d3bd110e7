package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind is the normalized reason a provider call failed
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureUnavailable      FailureKind = "unavailable"
	FailureModelUnavailable FailureKind = "model_unavailable"
	FailureAuthentication   FailureKind = "authentication"
	FailureBadResponse      FailureKind = "bad_response"
	FailureUnsupportedInput FailureKind = "unsupported_input"
)

// ErrModelUnavailable is returned by vision providers whose configured model
// is not loaded or not served.
var ErrModelUnavailable = errors.New("model unavailable")

// ProviderError wraps a provider failure with its category
type ProviderError struct {
	Provider string
	Kind     FailureKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s [%s]: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s [%s]: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a categorized provider error
func NewProviderError(provider string, kind FailureKind, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: message, Err: err}
}

// KindOf returns the failure kind of err. Uncategorized errors count as
// unavailable.
func KindOf(err error) FailureKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailureUnavailable
}

// classify makes sure every failure leaving the chain is a ProviderError.
func classify(provider string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(provider, FailureTimeout, "deadline exceeded", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewProviderError(provider, FailureTimeout, "transport timeout", err)
	case errors.Is(err, ErrModelUnavailable):
		return NewProviderError(provider, FailureModelUnavailable, "model not available", err)
	default:
		return NewProviderError(provider, FailureUnavailable, "transport error", err)
	}
}

// kindForStatus maps a non-2xx provider HTTP status to a failure kind
func kindForStatus(status int) FailureKind {
	switch {
	case status == 401 || status == 403:
		return FailureAuthentication
	case status == 408 || status == 504:
		return FailureTimeout
	case status >= 500 || status == 429:
		return FailureUnavailable
	default:
		return FailureBadResponse
	}
}
