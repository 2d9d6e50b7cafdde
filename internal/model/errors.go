package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the reason a completion call failed.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "status"
	KindTimeout   ErrorKind = "timeout"
	KindMalformed ErrorKind = "malformed"
)

// ErrorClass groups kinds into the two failure families callers care about.
type ErrorClass string

const (
	ClassTransport ErrorClass = "transport_error"
	ClassMalformed ErrorClass = "malformed_response"
)

// Class maps the kind to its family.
func (k ErrorKind) Class() ErrorClass {
	if k == KindMalformed {
		return ClassMalformed
	}
	return ClassTransport
}

// CompletionError describes a failed completion call. StatusCode and Body
// are set when the upstream answered; Err holds the underlying cause.
type CompletionError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *CompletionError) Error() string {
	switch {
	case e.Kind == KindStatus:
		return fmt.Sprintf("completion %s: status=%d body=%s", e.Kind, e.StatusCode, e.Body)
	case e.Err != nil && e.Body != "":
		return fmt.Sprintf("completion %s: %v body=%s", e.Kind, e.Err, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("completion %s", e.Kind)
	}
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// TransportFailure classifies err as a timeout or a plain transport failure.
func TransportFailure(err error) *CompletionError {
	if IsTimeout(err) {
		return &CompletionError{Kind: KindTimeout, Err: err}
	}
	return &CompletionError{Kind: KindTransport, Err: err}
}

// MalformedResponse reports a 2xx answer that could not be used.
func MalformedResponse(reason string, body string) *CompletionError {
	return &CompletionError{Kind: KindMalformed, Err: errors.New(reason), Body: body}
}

// IsTimeout reports whether err came from a deadline or a client timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
