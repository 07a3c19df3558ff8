package httputil

import (
	"errors"
	"net/http"

	"github.com/rangeops/rangehub/internal/domain"
)

// DomainError maps a domain error kind to its HTTP status code and writes
// the JSON envelope. Unrecognized errors become a 500 with a generic
// message; the real error is logged, never returned to the client.
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrTokenSpent):
		// Neutral message: token endpoints must not reveal whether a
		// token exists, is spent, or expired.
		Error(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConflict):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		Error(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, domain.ErrRecipientInvalid):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		InternalError(w, err)
	}
}
