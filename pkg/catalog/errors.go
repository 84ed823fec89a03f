package catalog

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ekaya-inc/superset-importer/pkg/apperrors"
)

// CKAN error __type values.
const (
	TypeNotFound      = "Not Found Error"
	TypeValidation    = "Validation Error"
	TypeAuthorization = "Authorization Error"
)

// ActionError is a failed action API call. Err is set for transport failures,
// Type/Message for error envelopes returned by CKAN.
type ActionError struct {
	Action  string
	Type    string
	Message string
	Status  int
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog %s: %v", e.Action, e.Err)
	}
	if e.Message == "" {
		return fmt.Sprintf("catalog %s: %s (status %d)", e.Action, e.Type, e.Status)
	}
	return fmt.Sprintf("catalog %s: %s: %s (status %d)", e.Action, e.Type, e.Message, e.Status)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Is maps CKAN error types onto the application's sentinel kinds.
func (e *ActionError) Is(target error) bool {
	switch target {
	case apperrors.ErrNotFound:
		return e.IsNotFound()
	case apperrors.ErrInvalidInput:
		return e.IsValidation()
	case apperrors.ErrForbidden:
		return e.Type == TypeAuthorization
	}
	return false
}

// IsNotFound reports a "Not Found Error" envelope or a bare 404.
func (e *ActionError) IsNotFound() bool {
	return e.Type == TypeNotFound || (e.Type == "" && e.Status == http.StatusNotFound)
}

// IsValidation reports a "Validation Error" envelope.
func (e *ActionError) IsValidation() bool {
	return e.Type == TypeValidation
}

// IsRetryable is true for transport failures and 5xx responses.
func (e *ActionError) IsRetryable() bool {
	return e.Err != nil || e.Status >= http.StatusInternalServerError
}

// IsNotFound reports whether err is a catalog not-found failure.
func IsNotFound(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae) && ae.IsNotFound()
}
