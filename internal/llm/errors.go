// Package llm formats conversation history for the configured model family,
// invokes the model service, parses replies, and manages retry and fallback.
package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

// ErrorKind categorizes a model invocation failure for retry decisions.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindRateLimited    ErrorKind = "rate_limited"
	KindContextTooLong ErrorKind = "context_too_long"
	KindAuth           ErrorKind = "auth_failed"
	KindFatal          ErrorKind = "fatal"
)

// Retryable reports whether the kind warrants another attempt as-is.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// InvokeError is a classified model invocation failure.
type InvokeError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Cause      error
}

func (e *InvokeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *InvokeError) Unwrap() error { return e.Cause }

// KindOf extracts the classification from an error chain, classifying raw
// errors on the fly.
func KindOf(err error) ErrorKind {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return Classify(err)
}

// WrapError classifies and wraps a raw invocation error.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	var ie *InvokeError
	if errors.As(err, &ie) {
		return err
	}
	return &InvokeError{Kind: Classify(err), Cause: err}
}

// contextWindowMarkers are the substrings the model service emits when the
// request exceeds the context window or body limits.
var contextWindowMarkers = []string{
	"input is too long",
	"too many input tokens",
	"prompt is too long",
	"length limit exceeded",
	"failed to buffer the request body",
	"max_tokens must be at least 1",
}

// Classify inspects an error and returns its kind. Context-window message
// markers are checked first, then service exception codes, then the remaining
// message patterns.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range contextWindowMarkers {
		if strings.Contains(msg, marker) {
			return KindContextTooLong
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return KindRateLimited
		case "ServiceUnavailableException", "InternalServerException",
			"ModelTimeoutException", "ModelNotReadyException":
			return KindTransient
		case "AccessDeniedException", "UnrecognizedClientException",
			"ExpiredTokenException", "InvalidSignatureException":
			return KindAuth
		case "ValidationException", "ModelErrorException":
			return KindFatal
		}
	}

	switch {
	case strings.Contains(msg, "throttl"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return KindRateLimited
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return KindTransient
	case strings.Contains(msg, "access denied"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "credentials"):
		return KindAuth
	}
	return KindFatal
}

// FriendlyError renders a user-facing sentence for a failure surfaced to the
// client after recovery has been exhausted.
func FriendlyError(err error) string {
	if err == nil {
		return "I encountered an unknown error. Please try again."
	}
	switch KindOf(err) {
	case KindTransient:
		return "I'm taking longer than usual to respond. Please try again."
	case KindRateLimited:
		return "I'm receiving too many requests. Please wait a moment and try again."
	case KindContextTooLong:
		return "The conversation has grown too large for the model. Please start a new conversation."
	case KindAuth:
		return "I don't have access to that model or service. Please contact support."
	default:
		return fmt.Sprintf("I encountered an error: %v. Please try again.", err)
	}
}
