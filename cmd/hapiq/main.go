package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hapiq/internal/api"
	"github.com/mattjoyce/hapiq/internal/auth"
	"github.com/mattjoyce/hapiq/internal/config"
	"github.com/mattjoyce/hapiq/internal/doctor"
	"github.com/mattjoyce/hapiq/internal/inspect"
	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/protocol"
	"github.com/mattjoyce/hapiq/internal/scheduler"
	"github.com/mattjoyce/hapiq/internal/storage"
	"github.com/mattjoyce/hapiq/internal/tui"
	"github.com/mattjoyce/hapiq/internal/webhook"
)

const version = "0.3.0"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(exitUsage)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "submit":
		os.Exit(runSubmit(args))
	case "console":
		os.Exit(runConsole(args))
	case "worker":
		os.Exit(runWorker(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "inspect":
		os.Exit(runInspect(args, os.Stdout))
	case "version":
		fmt.Printf("hapiq version %s\n", version)
		os.Exit(exitOK)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(exitUsage)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `hapiq - asynchronous job dispatch for line-by-line spectral computations

Usage:
  hapiq <command> [flags]

Commands:
  serve      Run the dispatcher with the HTTP API and schedules
  submit     Run one job and print its value as JSON
  console    Interactive job console
  worker     Run the work loop on stdin/stdout (started by the dispatcher)
  config     Inspect configuration (show, check)
  inspect    Report on stored line tables
  version    Show version information

Work types:
  %s

Use "hapiq <command> --help" for command flags.
`, strings.Join(workTypeNames(), ", "))
}

func workTypeNames() []string {
	types := protocol.WorkTypes()
	names := make([]string, len(types))
	for i, wt := range types {
		names[i] = string(wt)
	}
	return names
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadDiscovered(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Override api.listen and enable the API")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	if *listen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *listen
	}

	logger := setupLogging(cfg, os.Stderr)
	logger.Info("hapiq starting", "version", version, "config", cfg.SourcePath, "fingerprint", cfg.Fingerprint)

	var hookConfig *webhook.Config
	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		hc, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return exitFailure
		}
		hookConfig = &hc
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := startStack(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		return exitFailure
	}

	sched, err := scheduler.New(cfg.Schedules, st.ctrl, st.hub, log.Get())
	if err != nil {
		logger.Error("invalid schedules", "error", err)
		_ = st.close()
		return exitFailure
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-st.workerDone():
			return errors.New("worker exited unexpectedly")
		}
	})

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		server := api.New(api.Config{
			Listen:  cfg.API.Listen,
			Tokens:  tokens,
			MaxWait: cfg.API.MaxWait,
		}, st.ctrl, st.hub, log.Get())
		g.Go(func() error {
			if err := server.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}

	if hookConfig != nil {
		hooks := webhook.New(*hookConfig, st.ctrl, log.Get())
		g.Go(func() error {
			if err := hooks.Start(gctx); err != nil {
				return fmt.Errorf("webhook: %w", err)
			}
			return nil
		})
	}

	logger.Info("hapiq running (press Ctrl+C to stop)", "session", st.ctrl.Session(), "api", cfg.API.Enabled, "schedules", len(cfg.Schedules))

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("component failed", "error", runErr)
	} else {
		logger.Info("received shutdown signal")
	}

	closeErr := st.close()
	logger.Info("hapiq stopped")
	if runErr != nil || closeErr != nil {
		return exitFailure
	}
	return exitOK
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	path := fs.String("path", "", "JSONPath applied to the result value")
	timeout := fs.Duration("timeout", 0, "Give up after this long (0 waits forever)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: hapiq submit [flags] <WORK_TYPE> [json-args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return exitUsage
	}

	line := strings.Join(fs.Args(), " ")
	workType, jobArgs, err := tui.ParseLine(line)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	logger := setupLogging(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := startStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start dispatcher: %v\n", err)
		return exitFailure
	}
	defer func() { _ = st.close() }()

	runCtx := ctx
	if *timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	res, err := st.ctrl.Run(runCtx, workType, jobArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	return printResult(os.Stdout, os.Stderr, res, *path)
}

// printResult writes the job value as indented JSON, or the failure to errW.
func printResult(out, errW io.Writer, res protocol.Result, path string) int {
	if err := res.Err(); err != nil {
		fmt.Fprintf(errW, "Error: %v\n", err)
		return exitFailure
	}

	var value any
	var err error
	if path != "" {
		value, err = res.Lookup(path)
	} else {
		err = res.Decode(&value)
	}
	if err != nil {
		fmt.Fprintf(errW, "Error: %v\n", err)
		return exitFailure
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fmt.Fprintf(errW, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Fprintln(out, string(data))
	return exitOK
}

func runConsole(args []string) int {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	// Anything written to the terminal would tear the alt screen.
	logger := setupLogging(cfg, io.Discard)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := startStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start dispatcher: %v\n", err)
		return exitFailure
	}

	runErr := tui.Run(ctx, st.ctrl, st.hub)
	closeErr := st.close()
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		return exitFailure
	}
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "Shutdown: %v\n", closeErr)
		return exitFailure
	}
	return exitOK
}

// runWorker serves the protocol on stdin/stdout. Logs go to stderr because
// stdout belongs to the protocol.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	logLevel := fs.String("log-level", "info", "Log level")
	logFormat := fs.String("log-format", "json", "Log format (json or text)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	log.Setup(*logLevel, *logFormat, os.Stderr)
	logger := log.WithComponent("main")

	w, engine, err := newEngineWorker()
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		return exitFailure
	}
	defer func() { _ = engine.Close() }()

	// The dispatcher ends us with END_WORK_PROCESS. Ctrl+C reaches the whole
	// process group, so leave SIGINT to the parent.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := w.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("work loop failed", "error", err)
		return exitFailure
	}
	return exitOK
}

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stdout, "Usage: hapiq config <show|check> [--config PATH]")
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	switch args[0] {
	case "show":
		return runConfigShow(args[1:], os.Stdout)
	case "check":
		return runConfigCheck(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return exitUsage
	}
}

func runConfigShow(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output JSON instead of YAML")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Fprintln(out, string(data))
		return exitOK
	}

	source := cfg.SourcePath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(out, "# source: %s\n", source)
	if cfg.Fingerprint != "" {
		fmt.Fprintf(out, "# blake3: %s\n", cfg.Fingerprint)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	fmt.Fprint(out, string(data))
	return exitOK
}

func runConfigCheck(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(out, "Configuration invalid: %v\n", err)
		return exitFailure
	}
	report := doctor.New(cfg).Validate()

	if *jsonOut {
		data, err := doctor.FormatJSON(report)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Fprintln(out, data)
	} else {
		source := cfg.SourcePath
		if source == "" {
			source = "built-in defaults"
		}
		fmt.Fprintf(out, "Source: %s\n", source)
		fmt.Fprintf(out, "  engine:    mode=%s data_dir=%s\n", cfg.Engine.Mode, cfg.Engine.DataDir)
		fmt.Fprintf(out, "  dispatch:  pending_capacity=%d shutdown_timeout=%s\n", cfg.Dispatch.PendingCapacity, cfg.Dispatch.ShutdownTimeout)
		if cfg.API.Enabled {
			fmt.Fprintf(out, "  api:       %s (%d tokens, max_wait=%s)\n", cfg.API.Listen, len(cfg.API.Tokens), cfg.API.MaxWait)
		} else {
			fmt.Fprintln(out, "  api:       disabled")
		}
		now := time.Now()
		for _, s := range cfg.Schedules {
			if sched, err := config.CronParser.Parse(s.Cron); err == nil {
				fmt.Fprintf(out, "  schedule:  %s %s next=%s\n", s.Name, s.WorkType, sched.Next(now).Format(time.RFC3339))
			}
		}
		fmt.Fprint(out, doctor.FormatHuman(report))
	}

	if !report.Valid {
		return exitFailure
	}
	return exitOK
}

// runInspect reads the table store directly. It works while serve is running
// because SQLite allows concurrent readers.
func runInspect(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: hapiq inspect [flags] [TABLE]")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the table report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	if info, err := os.Stat(cfg.Engine.DataDir); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "No data directory at %s\n", cfg.Engine.DataDir)
		return exitFailure
	}

	ctx := context.Background()
	db, err := storage.OpenDataDir(ctx, cfg.Engine.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open store: %v\n", err)
		return exitFailure
	}
	defer db.Close()

	var text string
	switch {
	case fs.NArg() == 0:
		text, err = inspect.BuildIndex(ctx, db)
	case *jsonOut:
		text, err = inspect.BuildJSONReport(ctx, db, fs.Arg(0))
		text += "\n"
	default:
		text, err = inspect.BuildReport(ctx, db, fs.Arg(0))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Fprint(out, text)
	return exitOK
}
