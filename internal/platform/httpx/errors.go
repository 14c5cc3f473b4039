// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrValidation marks malformed client input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing resource.
	ErrNotFound = errors.New("resource not found")
)

// Mapping pairs a domain error with the status reported for it. Match takes
// precedence over Err when set.
type Mapping struct {
	Err    error
	Match  func(error) bool
	Status int
	Title  string
}

func (m Mapping) matches(err error) bool {
	if m.Match != nil {
		return m.Match(err)
	}
	return m.Err != nil && errors.Is(err, m.Err)
}

// Invalid wraps err as a validation failure.
func Invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// RespondError maps err to an RFC7807 response. Domain mappings are tried
// first, then validator errors and the package sentinels. Unknown errors
// become a 500 without detail.
func RespondError(w http.ResponseWriter, err error, mappings ...Mapping) {
	for _, m := range mappings {
		if m.matches(err) {
			Problem(w, m.Status, m.Title, err.Error())
			return
		}
	}
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+": "+fe.Tag())
		}
		Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(fields, "; "))
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
