package httpcall

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned whenever a response carries a client or server error status nobody asked for
type StatusError struct {
	Response *Response
}

func (err *StatusError) Error() string {
	kind := "Client"
	if err.Response.StatusCode >= 500 {
		kind = "Server"
	}
	return fmt.Sprintf("%d %s Error: %s for url: %s", err.Response.StatusCode, kind, http.StatusText(err.Response.StatusCode), err.Response.URL)
}

// UnexpectedStatusError is returned whenever the status of a response differs from the expected one.
// If an expected success turned into an error status, the error additionally wraps a *StatusError.
type UnexpectedStatusError struct {
	Expected int
	Response *Response
	cause    error
}

func (err *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("expected status %d, got %d", err.Expected, err.Response.StatusCode)
}

func (err *UnexpectedStatusError) Unwrap() error {
	return err.cause
}

// ConnectionError is returned whenever the target host could not be reached at all
type ConnectionError struct {
	Host string
	Err  error
}

func (err *ConnectionError) Error() string {
	return fmt.Sprintf("Connection error: is \"%s\" up?", err.Host)
}

func (err *ConnectionError) Unwrap() error {
	return err.Err
}

// IsStatus reports whether err is or wraps a *StatusError
func IsStatus(err error) bool {
	var target *StatusError
	return errors.As(err, &target)
}

// IsUnexpectedStatus reports whether err is or wraps an *UnexpectedStatusError
func IsUnexpectedStatus(err error) bool {
	var target *UnexpectedStatusError
	return errors.As(err, &target)
}

// IsConnection reports whether err is or wraps a *ConnectionError
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// ResponseOf extracts the response carried by a status related error
func ResponseOf(err error) *Response {
	var unexpected *UnexpectedStatusError
	if errors.As(err, &unexpected) {
		return unexpected.Response
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Response
	}
	return nil
}
