package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gofulmenerrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	return response
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantMsg  string
	}{
		{
			name: "no panic passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			},
			wantCode: http.StatusAccepted,
		},
		{
			name: "string panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("registry exploded")
			},
			wantCode: http.StatusInternalServerError,
			wantMsg:  "panic: registry exploded",
		},
		{
			name: "error panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(assert.AnError)
			},
			wantCode: http.StatusInternalServerError,
			wantMsg:  "panic: " + assert.AnError.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
			rec := httptest.NewRecorder()

			assert.NotPanics(t, func() {
				Recovery(tt.handler).ServeHTTP(rec, req)
			})
			assert.Equal(t, tt.wantCode, rec.Code)

			if tt.wantMsg == "" {
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			response := decodeErrorResponse(t, rec)
			assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
			assert.Equal(t, tt.wantMsg, response.Error.Message)
		})
	}
}

func TestRecovery_CarriesRequestID(t *testing.T) {
	handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	response := decodeErrorResponse(t, rec)
	assert.Equal(t, "req-42", response.Error.RequestID)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestErrorHandler_MatchesRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("same")
	})

	rec1 := httptest.NewRecorder()
	Recovery(panicking).ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/", nil))
	rec2 := httptest.NewRecorder()
	ErrorHandler(panicking).ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, rec1.Code, rec2.Code)
	assert.JSONEq(t, rec1.Body.String(), rec2.Body.String())
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		envelope   *gofulmenerrors.ErrorEnvelope
		statusCode int
		wantCode   string
		wantMsg    string
		wantReqID  string
	}{
		{
			name:       "rate limited",
			envelope:   gofulmenerrors.NewErrorEnvelope("RATE_LIMITED", "slow down"),
			statusCode: http.StatusTooManyRequests,
			wantCode:   "RATE_LIMITED",
			wantMsg:    "slow down",
		},
		{
			name: "with correlation id",
			envelope: gofulmenerrors.NewErrorEnvelope("NOT_FOUND", "job not found").
				WithCorrelationID("corr-7"),
			statusCode: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "job not found",
			wantReqID:  "corr-7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErrorResponse(rec, tt.envelope, tt.statusCode)

			assert.Equal(t, tt.statusCode, rec.Code)
			response := decodeErrorResponse(t, rec)
			assert.Equal(t, tt.wantCode, response.Error.Code)
			assert.Equal(t, tt.wantMsg, response.Error.Message)
			assert.Equal(t, tt.wantReqID, response.Error.RequestID)
		})
	}
}

func TestWriteErrorResponse_ContextBecomesDetails(t *testing.T) {
	envelope := gofulmenerrors.NewErrorEnvelope("INVALID_ARGUMENT", "bad job")
	envelope, err := envelope.WithContext(map[string]interface{}{"field": "name"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, envelope, http.StatusBadRequest)

	response := decodeErrorResponse(t, rec)
	assert.Equal(t, "name", response.Error.Details["field"])
}
