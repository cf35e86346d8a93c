package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrAuthFailed is returned when the token endpoint rejects the exchange
	// (bad credentials, malformed response). Only the current batch fails.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAuthServiceDown is returned when the token endpoint cannot be reached
	// or answers 502/503/504. The importer pauses instead of failing batches.
	ErrAuthServiceDown = errors.New("authentication service unavailable")

	// ErrTokenMiss indicates a shared store has no usable token.
	ErrTokenMiss = errors.New("token not found in store")
)

// Kind classifies an authentication error.
type Kind string

const (
	KindFailed      Kind = "auth_failed"
	KindServiceDown Kind = "auth_service_down"
)

// Error carries the status and detail of a failed token exchange.
type Error struct {
	Kind       Kind
	StatusCode int
	Detail     string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthServiceDown:
		return e.Kind == KindServiceDown
	case ErrAuthFailed:
		return e.Kind == KindFailed
	}
	return false
}

// IsServiceDown reports whether err means the token endpoint is unreachable.
func IsServiceDown(err error) bool {
	return errors.Is(err, ErrAuthServiceDown)
}

const maxDetailLen = 300

// classifyExchangeError maps an oauth2 exchange error onto the auth taxonomy.
func classifyExchangeError(err error) *Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		detail := truncate(strings.TrimSpace(string(re.Body)), maxDetailLen)
		kind := KindFailed
		if serviceDownStatus(status) || mentionsUnavailable(detail) {
			kind = KindServiceDown
		}
		return &Error{Kind: kind, StatusCode: status, Detail: detail}
	}

	// The token endpoint answered but the payload was unusable.
	if strings.HasPrefix(err.Error(), "oauth2: ") {
		kind := KindFailed
		if mentionsUnavailable(err.Error()) {
			kind = KindServiceDown
		}
		return &Error{Kind: kind, Detail: err.Error()}
	}

	// Anything else never produced an HTTP response: DNS, refused, reset, timeout.
	return &Error{Kind: KindServiceDown, Detail: "token endpoint unreachable", Err: err}
}

func serviceDownStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func mentionsUnavailable(s string) bool {
	return strings.Contains(strings.ToLower(s), "service unavailable")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
