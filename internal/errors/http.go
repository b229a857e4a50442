package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// HTTPErrorResponse is the JSON error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the body of HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// RespondWithError renders err as a JSON envelope.
//
// Internal errors never leak their cause to the client; only the AppError
// message is sent.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := HTTPStatus(KindOf(err))

	body := HTTPError{
		Code:      code,
		Message:   "internal server error",
		RequestID: requestID(w, r),
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Message != "" {
			body.Message = appErr.Message
		}
		if len(appErr.Violations) > 0 {
			body.Details = map[string]any{"field_violations": appErr.Violations}
		}
	}

	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// RespondWithCode writes an envelope for errors that do not originate in the
// application, such as router 404/405 responses.
func RespondWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteJSON(w, status, HTTPErrorResponse{Error: HTTPError{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID(w, r),
	}})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	if r != nil {
		return r.Header.Get(RequestIDHeader)
	}
	return ""
}
