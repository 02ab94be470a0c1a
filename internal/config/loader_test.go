package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, validate(cfg))
	assert.Equal(t, ModeProcess, cfg.Engine.Mode)
	assert.Equal(t, 1024, cfg.Dispatch.PendingCapacity)
	assert.False(t, cfg.API.Enabled)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "partial file keeps defaults",
			yaml: `
engine:
  data_dir: /srv/hapiq
  mode: inprocess
dispatch:
  shutdown_timeout: 5s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/srv/hapiq", cfg.Engine.DataDir)
				assert.Equal(t, ModeInProcess, cfg.Engine.Mode)
				assert.Equal(t, 5*time.Second, cfg.Dispatch.ShutdownTimeout)
				assert.Equal(t, 1024, cfg.Dispatch.PendingCapacity)
				assert.Equal(t, "hapiq", cfg.Service.Name)
				assert.Equal(t, 60*time.Second, cfg.Engine.FetchTimeout)
			},
		},
		{
			name: "env interpolation",
			yaml: `
engine:
  data_dir: ${HAPIQ_TEST_DATA}
api:
  enabled: true
  tokens:
    - token: ${HAPIQ_TEST_TOKEN}
      scopes: [jobs:rw]
`,
			env: map[string]string{"HAPIQ_TEST_DATA": "/tmp/lines", "HAPIQ_TEST_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/lines", cfg.Engine.DataDir)
				require.Len(t, cfg.API.Tokens, 1)
				assert.Equal(t, "s3cret", cfg.API.Tokens[0].Token)
			},
		},
		{
			name:    "unset variable in data_dir",
			yaml:    "engine:\n  data_dir: ${HAPIQ_TEST_UNSET_VAR}\n",
			wantErr: "unset variable",
		},
		{
			name: "schedules",
			yaml: `
schedules:
  - name: refresh-co2
    cron: "0 3 * * *"
    work_type: FETCH
    args:
      table_name: co2
      isotopologue_ids: [7]
      numin: 2000
      numax: 2100
  - name: hourly-echo
    cron: "@hourly"
    work_type: ECHO
`,
			checkFn: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.Schedules, 2)
				assert.Equal(t, "co2", cfg.Schedules[0].Args["table_name"])
				assert.Equal(t, "ECHO", cfg.Schedules[1].WorkType)
			},
		},
		{
			name:    "bad cron",
			yaml:    "schedules:\n  - name: x\n    cron: every day\n    work_type: ECHO\n",
			wantErr: "invalid cron",
		},
		{
			name:    "unknown work type",
			yaml:    "schedules:\n  - name: x\n    cron: '* * * * *'\n    work_type: NOPE\n",
			wantErr: "unknown work type",
		},
		{
			name:    "duplicate schedule",
			yaml:    "schedules:\n  - {name: x, cron: '@daily', work_type: ECHO}\n  - {name: x, cron: '@daily', work_type: ECHO}\n",
			wantErr: "duplicate name",
		},
		{
			name:    "unknown key",
			yaml:    "engine:\n  data_dri: /typo\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "bad mode",
			yaml:    "engine:\n  mode: threads\n",
			wantErr: "engine.mode",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "api without max wait",
			yaml:    "api:\n  enabled: true\n  max_wait: 0s\n",
			wantErr: "api.max_wait",
		},
		{
			name:    "token without scopes",
			yaml:    "api:\n  tokens:\n    - token: abc\n",
			wantErr: "scope",
		},
		{
			name:    "zero pending capacity",
			yaml:    "dispatch:\n  pending_capacity: 0\n",
			wantErr: "pending_capacity",
		},
		{
			name: "webhooks",
			yaml: `
webhooks:
  listen: 127.0.0.1:8091
  endpoints:
    - path: /hooks/refresh
      work_type: FETCH
      secret: ${HAPIQ_TEST_HOOK}
`,
			env: map[string]string{"HAPIQ_TEST_HOOK": "hook-secret"},
			checkFn: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.Webhooks)
				require.Len(t, cfg.Webhooks.Endpoints, 1)
				assert.Equal(t, "hook-secret", cfg.Webhooks.Endpoints[0].Secret)
				assert.Equal(t, "FETCH", cfg.Webhooks.Endpoints[0].WorkType)
			},
		},
		{
			name:    "webhook without listen",
			yaml:    "webhooks:\n  endpoints:\n    - {path: /h, work_type: ECHO, secret: s}\n",
			wantErr: "webhooks.listen",
		},
		{
			name:    "webhook duplicate path",
			yaml:    "webhooks:\n  listen: :1\n  endpoints:\n    - {path: /h, work_type: ECHO, secret: s}\n    - {path: /h/, work_type: ECHO, secret: s}\n",
			wantErr: "duplicate path",
		},
		{
			name:    "webhook unset secret",
			yaml:    "webhooks:\n  listen: :1\n  endpoints:\n    - {path: /h, work_type: ECHO, secret: '${HAPIQ_TEST_UNSET_HOOK}'}\n",
			wantErr: "secret",
		},
		{
			name:    "webhook unknown work type",
			yaml:    "webhooks:\n  listen: :1\n  endpoints:\n    - {path: /h, work_type: PLOT, secret: s}\n",
			wantErr: "PLOT",
		},
		{
			name: "empty file",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Defaults().Dispatch, cfg.Dispatch)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.SourcePath)
			assert.Equal(t, Fingerprint([]byte(tt.yaml)), cfg.Fingerprint)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("engine: {}\n"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint([]byte("engine: {}\n")))
	assert.NotEqual(t, a, Fingerprint([]byte("engine: {}\n\n")))
}

func TestDiscover(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(work))
	t.Setenv("PWD", work)
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	path, err := Discover("")
	require.NoError(t, err)
	assert.Empty(t, path)

	cfg, err := LoadDiscovered("")
	require.NoError(t, err)
	assert.Empty(t, cfg.SourcePath)

	writeConfig(t, work, "service:\n  name: local\n")
	path, err = Discover("")
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", path)

	userDir := filepath.Join(home, ".config", "hapiq")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	userPath := writeConfig(t, userDir, "service:\n  name: user\n")
	path, err = Discover("")
	require.NoError(t, err)
	assert.Equal(t, userPath, path)

	envPath := writeConfig(t, t.TempDir(), "service:\n  name: env\n")
	t.Setenv(EnvConfigPath, envPath)
	path, err = Discover("")
	require.NoError(t, err)
	assert.Equal(t, envPath, path)

	path, err = Discover("/explicit.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/explicit.yaml", path)

	cfg, err = LoadDiscovered("")
	require.NoError(t, err)
	assert.Equal(t, "env", cfg.Service.Name)

	t.Setenv(EnvConfigPath, filepath.Join(home, "missing.yaml"))
	_, err = Discover("")
	assert.Error(t, err)
}

func TestEngineArgs(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.DataDir = "/data"
	cfg.Engine.FetchTimeout = 90 * time.Second

	args := cfg.EngineArgs()
	assert.Equal(t, "/data", args["data_dir"])
	assert.Equal(t, "1m30s", args["fetch_timeout"])
	assert.Equal(t, cfg.Engine.LinesURL, args["lines_url"])
}
