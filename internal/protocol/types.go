package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the envelope version written on every request.
const Version = 1

// Kind tags a request as a correlated job or a fire-and-forget control message.
type Kind string

const (
	KindJob     Kind = "job"
	KindControl Kind = "control"
)

// WorkType is the closed set of computations a worker can be asked to run.
type WorkType string

const (
	WorkEcho                  WorkType = "ECHO"
	WorkFetch                 WorkType = "FETCH"
	WorkAbsorptionCoefficient WorkType = "ABSORPTION_COEFFICIENT"
	WorkTransmittance         WorkType = "TRANSMITTANCE"
	WorkGetTable              WorkType = "GET_TABLE"
	WorkSaveTable             WorkType = "SAVE_TABLE"
	WorkSelect                WorkType = "SELECT"
	WorkTableNames            WorkType = "TABLE_NAMES"
	WorkTableMetaData         WorkType = "TABLE_META_DATA"
)

var workTypes = []WorkType{
	WorkEcho,
	WorkFetch,
	WorkAbsorptionCoefficient,
	WorkTransmittance,
	WorkGetTable,
	WorkSaveTable,
	WorkSelect,
	WorkTableNames,
	WorkTableMetaData,
}

// WorkTypes returns every member of the work type enumeration.
func WorkTypes() []WorkType {
	out := make([]WorkType, len(workTypes))
	copy(out, workTypes)
	return out
}

// Valid reports whether t is a member of the enumeration.
func (t WorkType) Valid() bool {
	for _, w := range workTypes {
		if w == t {
			return true
		}
	}
	return false
}

// ParseWorkType converts user input to a WorkType.
func ParseWorkType(s string) (WorkType, error) {
	t := WorkType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown work type %q", s)
	}
	return t, nil
}

// Control is the closed set of control messages. Control requests never
// produce a result.
type Control string

const (
	ControlStartEngine    Control = "START_ENGINE"
	ControlEndWorkProcess Control = "END_WORK_PROCESS"
)

// Valid reports whether c is a known control tag.
func (c Control) Valid() bool {
	return c == ControlStartEngine || c == ControlEndWorkProcess
}

// Args is the argument bundle passed to a handler.
type Args map[string]any

// Request is one line on the worker's stdin.
type Request struct {
	Protocol int      `json:"protocol"`
	Kind     Kind     `json:"kind"`
	JobID    int64    `json:"job_id,omitempty"`
	WorkType WorkType `json:"work_type,omitempty"`
	Control  Control  `json:"control,omitempty"`
	Args     Args     `json:"args,omitempty"`
}

// NewJobRequest builds a correlated request.
func NewJobRequest(id int64, workType WorkType, args Args) *Request {
	return &Request{
		Protocol: Version,
		Kind:     KindJob,
		JobID:    id,
		WorkType: workType,
		Args:     args,
	}
}

// NewControlRequest builds a fire-and-forget control request.
func NewControlRequest(c Control, args Args) *Request {
	return &Request{
		Protocol: Version,
		Kind:     KindControl,
		Control:  c,
		Args:     args,
	}
}

// Validate checks the envelope shape. Job requests must carry a positive id
// and a work type; control requests must carry a known tag and nothing else.
func (r *Request) Validate() error {
	if r.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", r.Protocol)
	}
	switch r.Kind {
	case KindJob:
		if r.JobID <= 0 {
			return fmt.Errorf("job request has invalid job_id %d", r.JobID)
		}
		if r.WorkType == "" {
			return fmt.Errorf("job request %d missing work_type", r.JobID)
		}
		if r.Control != "" {
			return fmt.Errorf("job request %d carries control tag %q", r.JobID, r.Control)
		}
	case KindControl:
		if !r.Control.Valid() {
			return fmt.Errorf("invalid control tag %q", r.Control)
		}
		if r.JobID != 0 || r.WorkType != "" {
			return fmt.Errorf("control request %s carries job fields", r.Control)
		}
	default:
		return fmt.Errorf("invalid request kind %q", r.Kind)
	}
	return nil
}

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrorKind classifies a failed result.
type ErrorKind string

const (
	ErrorHandler      ErrorKind = "handler"
	ErrorPanic        ErrorKind = "panic"
	ErrorUnregistered ErrorKind = "unregistered"
	ErrorEncode       ErrorKind = "encode"
	ErrorUnavailable  ErrorKind = "unavailable"
)

// Result is one line on the worker's stdout.
type Result struct {
	JobID     int64           `json:"job_id"`
	Status    string          `json:"status"` // ok | error
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
}

// NewOK builds a success result from an already marshaled value.
func NewOK(id int64, value json.RawMessage) Result {
	return Result{JobID: id, Status: StatusOK, Value: value}
}

// NewFailure builds a failed result.
func NewFailure(id int64, kind ErrorKind, msg string) Result {
	return Result{JobID: id, Status: StatusError, Error: msg, ErrorKind: kind}
}

// OK reports whether the job succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &JobError{JobID: r.JobID, Kind: r.ErrorKind, Message: r.Error}
}

// Decode unmarshals a success value into v.
func (r Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Value) == 0 {
		return errors.New("result has no value")
	}
	return json.Unmarshal(r.Value, v)
}

// JobError is a failed result surfaced as a Go error.
type JobError struct {
	JobID   int64
	Kind    ErrorKind
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d failed (%s): %s", e.JobID, e.Kind, e.Message)
}
