package oracle

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass groups provider errors by how the caller should react.
type ErrorClass string

const (
	// ErrorClassAuth covers 401/403 and bad API keys.
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassInvalid         ErrorClass = "INVALID_OUTPUT"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// Permanent reports whether retrying the same request cannot help.
func (c ErrorClass) Permanent() bool {
	switch c {
	case ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow, ErrorClassInvalid:
		return true
	}
	return false
}

var classPatterns = []struct {
	class ErrorClass
	subs  []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "api key not valid"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window"}},
}

// ClassifyError maps an oracle error to an ErrorClass by its type first and
// its message second.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrInvalidDecision):
		return ErrorClassInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range classPatterns {
		for _, s := range p.subs {
			if strings.Contains(msg, s) {
				return p.class
			}
		}
	}
	return ErrorClassUnknown
}
