package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/jobq/internal/domain"
)

type leaseRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds *int   `json:"lease_seconds"`
}

type reportRequest struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

func (a *API) workerContext(id string, seconds *int) (domain.WorkerContext, error) {
	wc := domain.WorkerContext{ID: id, LeaseDuration: a.defaultLease}
	var fields []domain.FieldError
	if id == "" {
		fields = append(fields, domain.FieldError{Field: "worker_id", Message: "must not be empty"})
	}
	if seconds != nil {
		// Bound the seconds before converting; the product can overflow.
		if *seconds <= 0 || *seconds > int(a.maxLease/time.Second) {
			fields = append(fields, domain.FieldError{Field: "lease_seconds", Message: "must be between 1 and " + a.maxLease.String()})
		} else {
			wc.LeaseDuration = time.Duration(*seconds) * time.Second
		}
	}
	if len(fields) > 0 {
		return wc, &domain.ValidationError{Fields: fields}
	}
	return wc, nil
}

// lease claims one job for a remote worker: 200 with the job, or 204 when
// nothing is eligible.
func (a *API) lease(w http.ResponseWriter, r *http.Request) {
	var body leaseRequest
	if err := decode(r, &body); err != nil {
		writeError(w, a.log, err)
		return
	}
	wc, err := a.workerContext(body.WorkerID, body.LeaseSeconds)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	job, err := a.svc.Claim(r.Context(), wc)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) extend(w http.ResponseWriter, r *http.Request) {
	var body leaseRequest
	if err := decode(r, &body); err != nil {
		writeError(w, a.log, err)
		return
	}
	wc, err := a.workerContext(body.WorkerID, body.LeaseSeconds)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	job, err := a.svc.Heartbeat(r.Context(), wc, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) complete(w http.ResponseWriter, r *http.Request) {
	body, wc, ok := a.decodeReport(w, r)
	if !ok {
		return
	}
	job, err := a.svc.Succeed(r.Context(), wc, body.JobID)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request) {
	body, wc, ok := a.decodeReport(w, r)
	if !ok {
		return
	}
	job, err := a.svc.Fail(r.Context(), wc, body.JobID, body.Error)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) decodeReport(w http.ResponseWriter, r *http.Request) (reportRequest, domain.WorkerContext, bool) {
	var body reportRequest
	if err := decode(r, &body); err != nil {
		writeError(w, a.log, err)
		return body, domain.WorkerContext{}, false
	}
	wc, err := a.workerContext(body.WorkerID, nil)
	if err == nil && body.JobID == "" {
		err = &domain.ValidationError{Fields: []domain.FieldError{{Field: "job_id", Message: "must not be empty"}}}
	}
	if err != nil {
		writeError(w, a.log, err)
		return body, domain.WorkerContext{}, false
	}
	return body, wc, true
}
