package superset

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Cause classifies why a vendor request failed.
type Cause string

const (
	CauseStatus     Cause = "status"     // non-2xx response
	CauseConnection Cause = "connection" // transport could not reach the vendor
	CauseTimeout    Cause = "timeout"    // request exceeded the configured timeout
	CauseUnexpected Cause = "unexpected" // 2xx response that could not be used
)

// RequestError is the single error kind for failed Superset calls.
// Error() carries URL, status and body and is meant for server logs; Public()
// is the short message shown to the operator.
type RequestError struct {
	Cause  Cause
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	switch e.Cause {
	case CauseStatus:
		return fmt.Sprintf("superset: error getting %s: status %d: %s", e.URL, e.Status, e.Body)
	case CauseUnexpected:
		return fmt.Sprintf("superset: unexpected response from %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("superset: %s error calling %s: %v", e.Cause, e.URL, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Public returns a message that never includes headers, bodies or credentials.
func (e *RequestError) Public() string {
	switch e.Cause {
	case CauseStatus:
		return fmt.Sprintf("Superset request failed with status %d %s", e.Status, http.StatusText(e.Status))
	case CauseTimeout:
		return "Superset did not answer in time"
	case CauseConnection:
		return "Could not connect to Superset"
	default:
		return "Superset returned an unexpected response"
	}
}

// IsNotFound reports whether err is a vendor 404.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Cause == CauseStatus && re.Status == http.StatusNotFound
}

// transportError wraps a failure that happened before any response arrived.
func transportError(url string, err error) *RequestError {
	cause := CauseConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		cause = CauseTimeout
	}
	return &RequestError{Cause: cause, URL: url, Err: err}
}
