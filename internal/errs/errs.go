// Package errs provides structured error types shared across the engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category from the engine taxonomy.
type Code string

const (
	// CodeAuth indicates rejected or missing credentials.
	CodeAuth Code = "auth"
	// CodeInsufficientBalance indicates the venue rejected an order for lack of funds.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeInvalidParams indicates a malformed order, symbol, or request.
	CodeInvalidParams Code = "invalid_params"
	// CodeRateLimited indicates venue throttling.
	CodeRateLimited Code = "rate_limited"
	// CodeTransport indicates a network or timeout failure.
	CodeTransport Code = "transport"
	// CodeStream indicates a market-data stream failure.
	CodeStream Code = "stream"
	// CodeValidation indicates a registry invariant breach.
	CodeValidation Code = "validation"
	// CodeStaleQuote indicates a quote older than the staleness budget.
	CodeStaleQuote Code = "stale_quote"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the engine.
type E struct {
	Op      string
	Code    Code
	Venue   string
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithVenue records the venue the error originated from.
func WithVenue(venue string) Option {
	trimmed := strings.ToLower(strings.TrimSpace(venue))
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from an error chain.
// Unclassified errors map to CodeTransport: raw transport failures are the
// only errors allowed to reach callers without an envelope.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return CodeTransport
}

// IsRetryable reports whether the failure class may succeed on retry.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeTransport, CodeStream, CodeUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a taxonomy code to the HTTP status surfaced by the API.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeInvalidParams:
		return 400
	case CodeAuth:
		return 401
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeRateLimited:
		return 429
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}
