package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/jobkernel/internal/errors"
	"github.com/3leaps/jobkernel/internal/gateway"
)

const maxRequestBody = 1 << 20

// JobService is the gateway surface served over HTTP.
type JobService interface {
	Create(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResponse, error)
	Status(ctx context.Context, jobID string) (gateway.StatusView, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Results(ctx context.Context, jobID string) (gateway.ResultsView, error)
	List(ctx context.Context, req gateway.ListRequest) ([]gateway.StatusView, error)
}

// ListResponse is the body of GET /v1/jobs.
type ListResponse struct {
	Jobs []gateway.StatusView `json:"jobs"`
}

// JobsHandler serves the /v1/jobs API.
type JobsHandler struct {
	svc JobService
}

// NewJobsHandler creates a handler backed by svc.
func NewJobsHandler(svc JobService) *JobsHandler {
	return &JobsHandler{svc: svc}
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Route("/{jobID}", func(r chi.Router) {
		r.Get("/", h.status)
		r.Post("/cancel", h.cancel)
		r.Get("/results", h.results)
	})
}

func (h *JobsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	resp, err := h.svc.Create(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+resp.JobID)
	apperrors.WriteJSON(w, http.StatusCreated, resp)
}

func (h *JobsHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := gateway.ListRequest{
		State:       q.Get("state"),
		NamePattern: q.Get("name"),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, r, apperrors.InvalidArgument("limit is invalid",
				apperrors.FieldViolation{Field: "limit", Description: "must be an integer"}))
			return
		}
		req.Limit = n
	}

	jobs, err := h.svc.List(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, ListResponse{Jobs: jobs})
}

func (h *JobsHandler) status(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, view)
}

func (h *JobsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	accepted, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, gateway.CancelResponse{JobID: jobID, Accepted: accepted})
}

func (h *JobsHandler) results(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Results(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, view)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.InvalidArgument("request body is required")
		}
		return apperrors.InvalidArgument("request body is not valid JSON",
			apperrors.FieldViolation{Field: "body", Description: err.Error()})
	}
	return nil
}
