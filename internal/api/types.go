package api

import (
	"encoding/json"

	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

// Job statuses reported by the API. Completed jobs use the result status.
const (
	StatusRunning = "running"
)

// JobResponse is returned by POST /work/{workType} and GET /jobs/{jobID}.
type JobResponse struct {
	JobID     int64              `json:"job_id"`
	WorkType  protocol.WorkType  `json:"work_type,omitempty"`
	Status    string             `json:"status"`
	Value     json.RawMessage    `json:"value,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind protocol.ErrorKind `json:"error_kind,omitempty"`
}

func jobResponse(res protocol.Result, workType protocol.WorkType) JobResponse {
	return JobResponse{
		JobID:     res.JobID,
		WorkType:  workType,
		Status:    res.Status,
		Value:     res.Value,
		Error:     res.Error,
		ErrorKind: res.ErrorKind,
	}
}

// WorkTypesResponse is returned by GET /work.
type WorkTypesResponse struct {
	WorkTypes []protocol.WorkType `json:"work_types"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Dispatcher    dispatch.Stats `json:"dispatcher"`
}
