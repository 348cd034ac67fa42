package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a request could not be read.
type Kind string

const (
	KindMalformed      Kind = "malformed"
	KindTooLarge       Kind = "too_large"
	KindHeaderTooLarge Kind = "header_too_large"
	KindUnsupported    Kind = "unsupported"
	KindTimeout        Kind = "timeout"
	KindClosed         Kind = "closed"
)

var (
	ErrMalformed           = errors.New("malformed request")
	ErrBodyTooLarge        = errors.New("request body too large")
	ErrHeaderTooLarge      = errors.New("request header too large")
	ErrUnsupported         = errors.New("unsupported request")
	ErrTimeout             = errors.New("timeout while receiving request")
	ErrClosed              = errors.New("connection closed early")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// RequestError is returned by ReadRequest. Detail names the offending part of
// the request so that attack traffic can be told apart from misconfiguration.
type RequestError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %s", e.sentinel(), e.Detail)
}

func (e *RequestError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.sentinel(), e.Err}
	}
	return []error{e.sentinel()}
}

func (e *RequestError) sentinel() error {
	switch e.Kind {
	case KindTooLarge:
		return ErrBodyTooLarge
	case KindHeaderTooLarge:
		return ErrHeaderTooLarge
	case KindUnsupported:
		return ErrUnsupported
	case KindTimeout:
		return ErrTimeout
	case KindClosed:
		return ErrClosed
	default:
		return ErrMalformed
	}
}

// Status is the response code to send when nothing has been flushed yet.
// Zero means the peer is gone and the connection should just be closed.
func (e *RequestError) Status() int {
	switch e.Kind {
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindHeaderTooLarge:
		return http.StatusRequestHeaderFieldsTooLarge
	case KindUnsupported:
		return http.StatusNotImplemented
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindClosed:
		return 0
	default:
		return http.StatusBadRequest
	}
}

func newError(kind Kind, detail string, err error) *RequestError {
	return &RequestError{Kind: kind, Detail: detail, Err: err}
}
