package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hapiq/internal/protocol"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "HAPIQ_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// CronParser is the five-field cron dialect used by schedules.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Defaults returns a configuration that works without any file.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "hapiq",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Engine: EngineConfig{
			DataDir:      defaultDataDir(),
			LinesURL:     "https://hitran.org/lbl/api",
			FetchTimeout: 60 * time.Second,
			Mode:         ModeProcess,
		},
		Dispatch: DispatchConfig{
			PendingCapacity: 1024,
			ShutdownTimeout: 30 * time.Second,
			EventBuffer:     256,
		},
		API: APIConfig{
			Listen:  "127.0.0.1:8087",
			MaxWait: 30 * time.Second,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "hapiq")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "hapiq")
	}
	return "hapiq-data"
}

// Load reads, interpolates and validates the config file at path. Keys not
// present in the file keep their defaults.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.Fingerprint = Fingerprint(data)
	return cfg, nil
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the config file to use. Priority: explicit path,
// $HAPIQ_CONFIG, ~/.config/hapiq/config.yaml, ./config.yaml. An empty result
// with nil error means no file was found and defaults apply.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$%s points at %s: %w", EnvConfigPath, p, err)
		}
		return p, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "hapiq", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}
	return "", nil
}

// LoadDiscovered loads the discovered config file, or validated defaults when
// there is none.
func LoadDiscovered(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Fingerprint returns the hex BLAKE3 hash of data.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EngineArgs returns the START_ENGINE arguments for this config.
func (c *Config) EngineArgs() protocol.Args {
	return protocol.Args{
		"data_dir":      c.Engine.DataDir,
		"lines_url":     c.Engine.LinesURL,
		"fetch_timeout": c.Engine.FetchTimeout.String(),
	}
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left in
// place so validation can point at them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Engine.DataDir == "" {
		return fmt.Errorf("engine.data_dir is required")
	}
	if envVarPattern.MatchString(cfg.Engine.DataDir) {
		return fmt.Errorf("engine.data_dir references an unset variable: %s", cfg.Engine.DataDir)
	}
	if cfg.Engine.FetchTimeout <= 0 {
		return fmt.Errorf("engine.fetch_timeout must be positive")
	}
	if cfg.Engine.Mode != ModeProcess && cfg.Engine.Mode != ModeInProcess {
		return fmt.Errorf("engine.mode must be %s or %s (got %q)", ModeProcess, ModeInProcess, cfg.Engine.Mode)
	}

	if cfg.Dispatch.PendingCapacity <= 0 {
		return fmt.Errorf("dispatch.pending_capacity must be positive")
	}
	if cfg.Dispatch.ShutdownTimeout <= 0 {
		return fmt.Errorf("dispatch.shutdown_timeout must be positive")
	}
	if cfg.Dispatch.EventBuffer <= 0 {
		return fmt.Errorf("dispatch.event_buffer must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if cfg.API.MaxWait <= 0 {
			return fmt.Errorf("api.max_wait must be positive")
		}
	}
	for i, tok := range cfg.API.Tokens {
		if tok.Token == "" || envVarPattern.MatchString(tok.Token) {
			return fmt.Errorf("api.tokens[%d]: token is empty or references an unset variable", i)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d]: at least one scope is required", i)
		}
	}

	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if _, err := CronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron %q: %w", s.Name, s.Cron, err)
		}
		if _, err := protocol.ParseWorkType(s.WorkType); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
	}
	return nil
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc == nil || len(wc.Endpoints) == 0 {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}
	paths := make(map[string]bool)
	for i, ep := range wc.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhooks.endpoints[%d]: path must start with / (got %q)", i, ep.Path)
		}
		normalized := strings.TrimSuffix(ep.Path, "/")
		if paths[normalized] {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		paths[normalized] = true
		if _, err := protocol.ParseWorkType(ep.WorkType); err != nil {
			return fmt.Errorf("webhooks.endpoints[%d]: %w", i, err)
		}
		if ep.Secret == "" || envVarPattern.MatchString(ep.Secret) {
			return fmt.Errorf("webhooks.endpoints[%d]: secret is empty or references an unset variable", i)
		}
	}
	return nil
}
