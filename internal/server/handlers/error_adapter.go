package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/jobkernel/internal/errors"
)

// HTTPErrorResponder renders an error onto the response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder swaps the responder used by every handler. Nil
// restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		ResetHTTPErrorResponder()
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores apperrors.RespondWithError.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
