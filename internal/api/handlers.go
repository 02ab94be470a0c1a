package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

// maxBodyBytes caps a submit body. SAVE_TABLE bodies carry whole tables.
const maxBodyBytes = 64 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Stats()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Dispatcher:    stats,
	}
	code := http.StatusOK
	if stats.State != dispatch.StateRunning.String() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleListWorkTypes handles GET /work.
func (s *Server) handleListWorkTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, WorkTypesResponse{WorkTypes: protocol.WorkTypes()})
}

// handleSubmit handles POST /work/{workType}. By default it waits for the
// result; ?wait=false submits detached and answers 202 with the job id.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	workType, err := protocol.ParseWorkType(chi.URLParam(r, "workType"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	args, err := readArgs(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	wait := true
	if v := q.Get("wait"); v != "" {
		if wait, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid wait %q", v))
			return
		}
	}
	path := q.Get("path")

	if !wait {
		if path != "" {
			s.writeError(w, http.StatusBadRequest, "path needs wait=true; pass it when fetching the job")
			return
		}
		id, err := s.dispatcher.SubmitDetached(workType, args)
		if err != nil {
			s.writeDispatchError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, JobResponse{JobID: id, WorkType: workType, Status: StatusRunning})
		return
	}

	timeout := s.config.MaxWait
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", v))
			return
		}
		timeout = min(d, timeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	res, err := s.dispatcher.Run(ctx, workType, args)
	switch {
	case err == nil:
		s.respondResult(w, res, workType, path)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("%s did not finish within %s", workType, timeout))
	case errors.Is(err, context.Canceled):
		s.logger.Debug("client went away", "work_type", workType)
	default:
		s.writeDispatchError(w, err)
	}
}

// handleGetJob handles GET /jobs/{jobID}. A ready result is claimed, so it
// is returned exactly once.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "jobID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job id %q", raw))
		return
	}

	if res, ok := s.dispatcher.Claim(id); ok {
		s.respondResult(w, res, "", r.URL.Query().Get("path"))
		return
	}

	switch s.dispatcher.JobState(id) {
	case dispatch.JobRunning, dispatch.JobReady:
		respondJSON(w, http.StatusAccepted, JobResponse{JobID: id, Status: StatusRunning})
	case dispatch.JobWaiting:
		s.writeError(w, http.StatusConflict, "job belongs to a waiting caller")
	default:
		s.writeError(w, http.StatusNotFound, "job not found")
	}
}

// respondResult writes a completed job. Failed jobs answer 422, or 503 when
// the computation went away.
func (s *Server) respondResult(w http.ResponseWriter, res protocol.Result, workType protocol.WorkType, path string) {
	resp := jobResponse(res, workType)
	if !res.OK() {
		code := http.StatusUnprocessableEntity
		if res.ErrorKind == protocol.ErrorUnavailable {
			code = http.StatusServiceUnavailable
		}
		respondJSON(w, code, resp)
		return
	}

	if path != "" {
		v, err := res.Lookup(path)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		b, err := json.Marshal(v)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to encode path value")
			return
		}
		resp.Value = b
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrNotRunning) || errors.Is(err, dispatch.ErrUnavailable) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Error("dispatch failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "dispatch failed")
}

// readArgs decodes the request body as a JSON object. An empty body is an
// empty argument set.
func readArgs(r *http.Request) (protocol.Args, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	args := protocol.Args{}
	if len(body) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	if args == nil {
		args = protocol.Args{}
	}
	return args, nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
