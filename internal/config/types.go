package config

import "time"

// Config represents the complete hapiq configuration.
type Config struct {
	Service   ServiceConfig    `yaml:"service"`
	Engine    EngineConfig     `yaml:"engine"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	API       APIConfig        `yaml:"api"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
	Webhooks  *WebhooksConfig  `yaml:"webhooks,omitempty"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
	// Fingerprint is the BLAKE3 hash of the source file.
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Worker launch modes.
const (
	ModeProcess   = "process"
	ModeInProcess = "inprocess"
)

// EngineConfig defines the computation side.
type EngineConfig struct {
	DataDir      string        `yaml:"data_dir"`
	LinesURL     string        `yaml:"lines_url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Mode         string        `yaml:"mode"`
	// WorkerPath is the binary run in process mode; empty means this executable.
	WorkerPath string `yaml:"worker_path,omitempty"`
}

// DispatchConfig defines the caller side.
type DispatchConfig struct {
	PendingCapacity int           `yaml:"pending_capacity"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	MaxWait time.Duration `yaml:"max_wait"`
	// Tokens are bearer tokens with scopes. With no tokens the API is open.
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ScheduleConfig submits a job on a cron schedule while serving.
type ScheduleConfig struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	WorkType string         `yaml:"work_type"`
	Args     map[string]any `yaml:"args,omitempty"`
}

// WebhooksConfig defines signed inbound triggers. Each endpoint submits a
// detached job whose result is claimed through the API.
type WebhooksConfig struct {
	Listen    string                  `yaml:"listen"`
	Endpoints []WebhookEndpointConfig `yaml:"endpoints"`
}

// WebhookEndpointConfig binds a path to a work type. The request body is the
// job's arguments.
type WebhookEndpointConfig struct {
	Path            string `yaml:"path"`
	WorkType        string `yaml:"work_type"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}
