package webhook

import "github.com/mattjoyce/hapiq/internal/protocol"

// Submitter starts detached jobs.
type Submitter interface {
	SubmitDetached(workType protocol.WorkType, args protocol.Args) (int64, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/hooks/refresh")
	Path string

	// WorkType is submitted with the request body as its arguments.
	WorkType protocol.WorkType

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader carries the HMAC signature (default X-Hub-Signature-256)
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// TriggerResponse is the JSON response for accepted triggers. The result is
// claimed with GET /jobs/{job_id} on the API.
type TriggerResponse struct {
	JobID    int64             `json:"job_id"`
	WorkType protocol.WorkType `json:"work_type"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"
)
