// Package doctor looks for hapiq configuration that loads fine but will not
// behave the way its author probably expects.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/hapiq/internal/auth"
	"github.com/mattjoyce/hapiq/internal/config"
)

// Capacities below this park so few results that detached jobs are evicted
// under any real load.
const minPendingCapacity = 16

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded configuration against the environment it will run in.
type Doctor struct {
	cfg *config.Config
	now func() time.Time
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, now: time.Now}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateEngine(r)
	d.validateWorkerBinary(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnUnclaimableWebhooks(r)
	d.warnDispatch(r)
	d.warnSuspiciousSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateEngine checks the data directory and the line source.
func (d *Doctor) validateEngine(r *Result) {
	info, err := os.Stat(d.cfg.Engine.DataDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		d.addWarning(r, "engine", "engine.data_dir",
			fmt.Sprintf("%s does not exist yet and will be created", d.cfg.Engine.DataDir))
	case err != nil:
		d.addError(r, "engine", "engine.data_dir", err.Error())
	case !info.IsDir():
		d.addError(r, "engine", "engine.data_dir",
			fmt.Sprintf("%s is not a directory", d.cfg.Engine.DataDir))
	}

	u, err := url.Parse(d.cfg.Engine.LinesURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		d.addError(r, "engine", "engine.lines_url",
			fmt.Sprintf("lines_url %q must be an absolute http(s) URL", d.cfg.Engine.LinesURL))
	}
}

// validateWorkerBinary checks an explicit worker_path in process mode.
func (d *Doctor) validateWorkerBinary(r *Result) {
	if d.cfg.Engine.Mode != config.ModeProcess || d.cfg.Engine.WorkerPath == "" {
		return
	}
	info, err := os.Stat(d.cfg.Engine.WorkerPath)
	if err != nil {
		d.addError(r, "engine", "engine.worker_path", err.Error())
		return
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "engine", "engine.worker_path",
			fmt.Sprintf("%s is not an executable file", d.cfg.Engine.WorkerPath))
	}
}

// validateAPIConfig warns about an API that anyone on the network can drive.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled || len(d.cfg.API.Tokens) > 0 {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		d.addWarning(r, "api", "api.tokens", "API enabled without tokens; any local process may submit jobs")
		return
	}
	d.addWarning(r, "api", "api.tokens",
		fmt.Sprintf("API listens on %s without tokens; anyone who can reach it may submit jobs", d.cfg.API.Listen))
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Tokens {
		if prev, ok := seen[token.Token]; ok {
			d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].token", i),
				fmt.Sprintf("token duplicates api.tokens[%d]", prev))
		}
		seen[token.Token] = i

		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of *, %s, %s, %s)",
						scope, auth.ScopeJobsRead, auth.ScopeJobsRW, auth.ScopeEvents))
			}
		}
	}
}

// warnUnclaimableWebhooks flags webhook jobs whose results nobody can fetch.
func (d *Doctor) warnUnclaimableWebhooks(r *Result) {
	if d.cfg.Webhooks == nil || len(d.cfg.Webhooks.Endpoints) == 0 || d.cfg.API.Enabled {
		return
	}
	d.addWarning(r, "webhooks", "api.enabled",
		"webhooks submit detached jobs but the API is disabled; their results can never be claimed")
}

func (d *Doctor) warnDispatch(r *Result) {
	if d.cfg.Dispatch.PendingCapacity < minPendingCapacity {
		d.addWarning(r, "dispatch", "dispatch.pending_capacity",
			fmt.Sprintf("pending_capacity %d evicts unclaimed results early", d.cfg.Dispatch.PendingCapacity))
	}
	if d.cfg.API.Enabled && d.cfg.API.MaxWait < d.cfg.Engine.FetchTimeout {
		d.addWarning(r, "dispatch", "api.max_wait",
			fmt.Sprintf("max_wait %s is shorter than engine.fetch_timeout %s; submit FETCH with wait=false",
				d.cfg.API.MaxWait, d.cfg.Engine.FetchTimeout))
	}
}

// warnSuspiciousSchedule warns about schedules that fire more than once a minute.
func (d *Doctor) warnSuspiciousSchedule(r *Result) {
	now := d.now()
	for i, s := range d.cfg.Schedules {
		field := fmt.Sprintf("schedules[%d].cron", i)
		sched, err := config.CronParser.Parse(s.Cron)
		if err != nil {
			d.addError(r, "schedule", field, fmt.Sprintf("invalid cron %q: %v", s.Cron, err))
			continue
		}
		first := sched.Next(now)
		if gap := sched.Next(first).Sub(first); gap < time.Minute {
			d.addWarning(r, "schedule", field,
				fmt.Sprintf("schedule %q fires every %s; runs that overlap are skipped", s.Name, gap))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
