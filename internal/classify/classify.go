// Package classify maps provider and network errors onto a fixed taxonomy so
// that every layer of the pipeline agrees on whether a failure is retryable
// and how urgently to back off.
//
// [Classify] is a pure function: deterministic, never panics, and never
// returns an error of its own. Providers wrap SDK failures in [HTTPError] or
// [ErrProtocol] where they have more context than the raw error carries.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

// Kind is the failure category assigned by [Classify].
type Kind string

const (
	// KindAuth covers authentication and authorisation failures (401/403).
	// Never retryable.
	KindAuth Kind = "AUTH"

	// KindInvalidRequest covers malformed or unprocessable requests
	// (400/404/422, context-length exceeded). Never retryable.
	KindInvalidRequest Kind = "INVALID_REQUEST"

	// KindRateLimit covers throttling (429). Retryable with backoff; the
	// server's retry hint is honoured when present.
	KindRateLimit Kind = "RATE_LIMIT"

	// KindTimeout covers connection and read timeouts plus unreachable-host
	// errno values. Retryable.
	KindTimeout Kind = "TIMEOUT"

	// KindNetwork covers generic transport failures and unexpected WebSocket
	// close codes. Retryable.
	KindNetwork Kind = "NETWORK"

	// KindServer covers 5xx responses. Retryable.
	KindServer Kind = "SERVER"

	// KindFatal covers protocol violations and unrecoverable parser errors.
	// Never retryable.
	KindFatal Kind = "FATAL"

	// KindUnknown is the fail-safe category for anything unrecognised.
	// Treated as retryable.
	KindUnknown Kind = "UNKNOWN"
)

// ErrProtocol marks an unrecoverable protocol violation. Providers wrap
// parse failures and contract breaches with it so that [Classify] assigns
// [KindFatal].
var ErrProtocol = errors.New("protocol violation")

// HTTPError carries an HTTP status code for errors that originate from a
// provider's REST or handshake surface. Providers construct it when the SDK
// exposes a status code; [Classify] maps the code onto the taxonomy.
type HTTPError struct {
	StatusCode int
	Message    string

	// RetryAfter is the server-provided retry hint, when present (429).
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// Error is the classification result. It wraps the original error so callers
// can still use errors.Is/As on the cause.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string

	// StatusCode is the HTTP status, when known. Zero otherwise.
	StatusCode int

	// Backoff is the suggested delay before the next attempt. Zero means the
	// caller's own schedule applies.
	Backoff time.Duration

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the original error.
func (e *Error) Unwrap() error { return e.cause }

// Classify maps err onto the taxonomy. A nil err returns nil. The result is
// deterministic for a given error value and Classify never panics.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	// HTTP status codes take precedence: they are the provider's own verdict.
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(err, httpErr.StatusCode, httpErr.RetryAfter)
	}

	// Protocol violations are fatal regardless of transport.
	if errors.Is(err, ErrProtocol) {
		return &Error{Kind: KindFatal, Retryable: false, Message: err.Error(), cause: err}
	}

	// Context-length failures surface as plain messages from some providers.
	if msg := strings.ToLower(err.Error()); strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context") {
		return &Error{Kind: KindInvalidRequest, Retryable: false, Message: err.Error(), cause: err}
	}

	// Timeouts: context deadline, net.Error timeouts, and the unreachable
	// errno family all land here.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Kind: KindTimeout, Retryable: true, Message: err.Error(), cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Retryable: true, Message: err.Error(), cause: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return &Error{Kind: KindTimeout, Retryable: true, Message: err.Error(), cause: err}
	}

	// WebSocket closures: a normal closure is still a transport-level surprise
	// to the caller (the session did not ask for it), so all close codes map
	// to NETWORK.
	if code := websocket.CloseStatus(err); code != -1 {
		return &Error{Kind: KindNetwork, Retryable: true, Message: err.Error(), cause: err}
	}

	// Remaining transport failures.
	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return &Error{Kind: KindNetwork, Retryable: true, Message: err.Error(), cause: err}
	}

	return &Error{Kind: KindUnknown, Retryable: true, Message: err.Error(), cause: err}
}

// classifyStatus maps an HTTP status code onto the taxonomy.
func classifyStatus(cause error, status int, retryAfter time.Duration) *Error {
	e := &Error{Message: cause.Error(), StatusCode: status, cause: cause}
	switch {
	case status == 401 || status == 403:
		e.Kind, e.Retryable = KindAuth, false
	case status == 400 || status == 404 || status == 422:
		e.Kind, e.Retryable = KindInvalidRequest, false
	case status == 429:
		e.Kind, e.Retryable = KindRateLimit, true
		e.Backoff = retryAfter
		if e.Backoff == 0 {
			e.Backoff = time.Second
		}
	case status >= 500 && status <= 599:
		e.Kind, e.Retryable = KindServer, true
	default:
		e.Kind, e.Retryable = KindUnknown, true
	}
	return e
}

// Fatal reports whether err classifies as non-retryable. A nil err is not
// fatal.
func Fatal(err error) bool {
	ce := Classify(err)
	return ce != nil && !ce.Retryable
}
