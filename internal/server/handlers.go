package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

type errorResponse struct {
	Error string         `json:"error"`
	Code  core.ErrorCode `json:"code,omitempty"`
}

type incrementalRequest struct {
	Tables []string `json:"tables"`
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

type compatibilityResponse struct {
	Table      string   `json:"table"`
	Compatible bool     `json:"compatible"`
	Issues     []string `json:"issues"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code core.ErrorCode) int {
	switch code {
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeConfiguration:
		return http.StatusBadRequest
	case core.CodeInvalidState, core.CodeCancelled:
		return http.StatusConflict
	case core.CodeSchemaIncompatible, core.CodeRecordRejected:
		return http.StatusUnprocessableEntity
	case core.CodeTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := core.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: core.CodeConfiguration})
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + name + ": " + v)
	}
	return t, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h, err := s.ctl.HealthCheck(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	jobs, err := s.ctl.ListJobs(r.Context(), core.JobFilter{
		Status: core.JobStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*core.JobState{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) startFull(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctl.StartFullSync(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifier.Broadcast()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) startIncremental(w http.ResponseWriter, r *http.Request) {
	var req incrementalRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	job, err := s.ctl.StartIncrementalSync(r.Context(), req.Tables)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifier.Broadcast()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctl.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ctl.StopSync(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.accepted(w, r, id)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ctl.PauseSync(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.accepted(w, r, id)
}

// accepted answers a control request with the job's current state.
func (s *Server) accepted(w http.ResponseWriter, r *http.Request, id string) {
	s.notifier.Broadcast()
	job, err := s.ctl.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctl.ResumeSync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifier.Broadcast()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	conflicts, err := s.ctl.Conflicts(r.Context(), chi.URLParam(r, "id"), core.ConflictFilter{
		Table:  q.Get("table"),
		Status: core.ConflictStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []*core.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Strategy == "" {
		badRequest(w, "strategy is required")
		return
	}
	c, err := s.ctl.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Strategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var (
		filter        core.EventFilter
		limit, offset int
		err           error
	)
	q := r.URL.Query()
	filter.Table = q.Get("table")
	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			typ := core.EventType(strings.TrimSpace(t))
			if !typ.Valid() {
				badRequest(w, "unknown event type: "+string(typ))
				return
			}
			filter.Types = append(filter.Types, typ)
		}
	}
	if filter.Since, err = timeParam(r, "since"); err == nil {
		if filter.Until, err = timeParam(r, "until"); err == nil {
			if limit, err = intParam(r, "limit"); err == nil {
				offset, err = intParam(r, "offset")
			}
		}
	}
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	events, err := s.ctl.AuditEvents(r.Context(), chi.URLParam(r, "id"), filter, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*core.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ctl.AuditReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) compatibility(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	ok, issues, err := s.ctl.ValidateSchemaCompatibility(r.Context(), table)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if issues == nil {
		issues = []string{}
	}
	writeJSON(w, http.StatusOK, compatibilityResponse{Table: table, Compatible: ok, Issues: issues})
}

// watchJob streams the job state as datastar signals until the job stops
// running or the client goes away.
func (s *Server) watchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.ctl.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse := datastar.NewSSE(w, r)
	updates := s.notifier.Subscribe()
	defer s.notifier.Unsubscribe(updates)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		if err := sse.MarshalAndPatchSignals(map[string]any{"job": job}); err != nil {
			return
		}
		if job.Status.Terminal() || job.Status == core.JobPaused {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-updates:
		case <-ticker.C:
		}
		if job, err = s.ctl.Status(ctx, id); err != nil {
			_ = sse.ConsoleError(err)
			return
		}
	}
}
