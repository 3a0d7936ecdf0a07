package idp

import (
	"errors"
	"fmt"
)

var (
	// ErrFlooding is returned when the IdP answers 429. It is never retried
	// by the client; callers decide whether and when to back off.
	ErrFlooding = errors.New("idp flooding: too many requests")
	// ErrAuthenticationFailed is returned when authenticate_user reports success=false.
	ErrAuthenticationFailed = errors.New("idp authentication failed")
	// ErrRequestRejected is returned when a 200 response carries success=false.
	ErrRequestRejected = errors.New("idp request rejected")
	// ErrNoSessionContext is returned when an operation is attempted without a session context.
	ErrNoSessionContext = errors.New("idp session context missing")
	// ErrInvalidEnvironment is returned for an environment without a usable base URL.
	ErrInvalidEnvironment = errors.New("idp environment invalid")
	// ErrMalformedResponse is returned when a 200 response body cannot be decoded.
	ErrMalformedResponse = errors.New("idp response malformed")
)

// ProtocolError reports a non-200, non-429 answer from the IdP.
type ProtocolError struct {
	Status int
	Path   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("idp protocol error: %s returned status %d", e.Path, e.Status)
}

// IsFlooding reports whether err originates from a 429 answer.
func IsFlooding(err error) bool {
	return errors.Is(err, ErrFlooding)
}

// StatusOf returns the HTTP status carried by a [*ProtocolError] in err's
// chain, 429 for flooding errors and 0 otherwise.
func StatusOf(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Status
	}
	if IsFlooding(err) {
		return 429
	}
	return 0
}
