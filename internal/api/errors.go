package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAuthenticationRequired matches any 401 response. It is the expected
// answer for a visitor without a session and is not a failure to report.
var ErrAuthenticationRequired = errors.New("api: authentication required")

// RequestError is a non-2xx response from the API.
type RequestError struct {
	Op      string // operation name, e.g. "login"
	Status  int    // HTTP status code
	Message string // server supplied message, if any
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
}

// Is lets errors.Is match ErrAuthenticationRequired on 401 responses.
func (e *RequestError) Is(target error) bool {
	return target == ErrAuthenticationRequired && e.Status == http.StatusUnauthorized
}

// IsAuthenticationRequired reports whether err is a 401 from the API.
func IsAuthenticationRequired(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired)
}

// UserMessage returns the server's explanation for err when it sent one and
// fallback otherwise.
func UserMessage(err error, fallback string) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		return reqErr.Message
	}
	return fallback
}
