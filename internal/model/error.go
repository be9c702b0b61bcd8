package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the §7 error taxonomy.
type ErrorKind string

const (
	ErrKindNetwork    ErrorKind = "network"
	ErrKindRuntime    ErrorKind = "runtime"
	ErrKindProtocol   ErrorKind = "protocol"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindValidation ErrorKind = "validation"
	ErrKindState      ErrorKind = "state"
	ErrKindUnknown    ErrorKind = "unknown"
)

// Sentinel errors so callers can errors.Is against a kind without
// constructing an ErrorDetail.
var (
	ErrValidation = errors.New("validation error")
	ErrState      = errors.New("illegal state transition")
)

// ErrorDetail is the structured error carried on tasks, status events and
// scheduler failures.
type ErrorDetail struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Message    string
	Retryable  bool
	Step       int

	cause error
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ErrorDetail) Unwrap() error { return e.cause }

// retryableByDefault mirrors §7: network/timeout/protocol retry by default;
// validation/state/resource-budget do not; runtime/unknown do not unless a
// crash signal accompanies them (callers set Retryable explicitly in that
// case).
func retryableByDefault(k ErrorKind) bool {
	switch k {
	case ErrKindNetwork, ErrKindTimeout, ErrKindProtocol:
		return true
	default:
		return false
	}
}

// NewErrorDetail builds an ErrorDetail with the default retryability for
// its kind.
func NewErrorDetail(kind ErrorKind, message string, cause error) *ErrorDetail {
	return &ErrorDetail{
		Kind:      kind,
		Message:   message,
		Retryable: retryableByDefault(kind),
		cause:     cause,
	}
}

// crashPatterns are the message substrings the scheduler's crash classifier
// (§4.6) checks for when a capability call fails without structured cause
// information.
var crashPatterns = []string{
	"target closed",
	"page closed",
	"session closed",
	"renderer crashed",
	"context closed",
}

// LooksLikeCrash reports whether an arbitrary error's message matches one of
// the known crash-like patterns.
func LooksLikeCrash(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range crashPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify turns an arbitrary error into an ErrorDetail by message-pattern
// matching when no structured cause is available (§7: "Classification is by
// message pattern when structure is unavailable").
func Classify(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var existing *ErrorDetail
	if errors.As(err, &existing) {
		return existing
	}

	msg := strings.ToLower(err.Error())
	switch {
	case LooksLikeCrash(err):
		return &ErrorDetail{Kind: ErrKindRuntime, Message: err.Error(), Retryable: false, cause: err}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return &ErrorDetail{Kind: ErrKindTimeout, Message: err.Error(), Retryable: true, cause: err}
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network"):
		return &ErrorDetail{Kind: ErrKindNetwork, Message: err.Error(), Retryable: true, cause: err}
	case strings.Contains(msg, "protocol") || strings.Contains(msg, "devtools") || strings.Contains(msg, "cdp"):
		return &ErrorDetail{Kind: ErrKindProtocol, Message: err.Error(), Retryable: true, cause: err}
	case errors.Is(err, ErrValidation):
		return &ErrorDetail{Kind: ErrKindValidation, Message: err.Error(), Retryable: false, cause: err}
	case errors.Is(err, ErrState):
		return &ErrorDetail{Kind: ErrKindState, Message: err.Error(), Retryable: false, cause: err}
	default:
		return &ErrorDetail{Kind: ErrKindUnknown, Message: err.Error(), Retryable: false, cause: err}
	}
}
