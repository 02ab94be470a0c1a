// Package handlers implements every work type on top of the line table
// store. An Engine is inert until START_ENGINE opens its data directory.
package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/protocol"
	"github.com/mattjoyce/hapiq/internal/registry"
	"github.com/mattjoyce/hapiq/internal/storage"
	"github.com/mattjoyce/hapiq/internal/tables"
)

var ErrEngineNotStarted = errors.New("engine not started")

const (
	DefaultLinesURL     = "https://hitran.org/lbl/api"
	DefaultFetchTimeout = 60 * time.Second
)

// EngineConfig is decoded from the START_ENGINE arguments.
type EngineConfig struct {
	DataDir      string `json:"data_dir"`
	LinesURL     string `json:"lines_url"`
	FetchTimeout string `json:"fetch_timeout"`
	Session      string `json:"session"`
}

func (c EngineConfig) fetchTimeout() (time.Duration, error) {
	if c.FetchTimeout == "" {
		return DefaultFetchTimeout, nil
	}
	if d, err := time.ParseDuration(c.FetchTimeout); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(c.FetchTimeout, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fetch_timeout %q", c.FetchTimeout)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Engine owns the table store inside the worker process.
type Engine struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	db       *sql.DB
	store    *tables.Store
	linesURL string
	timeout  time.Duration
	session  string
}

// NewEngine creates an engine. A nil client uses http.DefaultClient.
func NewEngine(client *http.Client) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		httpClient: client,
		logger:     log.WithComponent("engine"),
	}
}

// Start handles START_ENGINE. Starting again reopens the data directory.
func (e *Engine) Start(ctx context.Context, args protocol.Args) error {
	var cfg EngineConfig
	if err := decodeArgs(args, &cfg); err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return errors.New("data_dir is required")
	}
	timeout, err := cfg.fetchTimeout()
	if err != nil {
		return err
	}
	if cfg.LinesURL == "" {
		cfg.LinesURL = DefaultLinesURL
	}

	db, err := storage.OpenDataDir(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}

	e.mu.Lock()
	old := e.db
	e.db = db
	e.store = tables.NewStore(db)
	e.linesURL = cfg.LinesURL
	e.timeout = timeout
	e.session = cfg.Session
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	e.logger.Info("engine ready", "data_dir", cfg.DataDir, "lines_url", cfg.LinesURL, "session", cfg.Session)
	return nil
}

// Close releases the database.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db, e.store = nil, nil
	return err
}

// Session returns the session id of the last START_ENGINE.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) lineStore() (*tables.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, ErrEngineNotStarted
	}
	return e.store, nil
}

// Register binds every work type to e.
func (e *Engine) Register(reg *registry.Registry) error {
	handlers := map[protocol.WorkType]registry.Handler{
		protocol.WorkEcho:                  Echo,
		protocol.WorkFetch:                 e.Fetch,
		protocol.WorkAbsorptionCoefficient: e.AbsorptionCoefficient,
		protocol.WorkTransmittance:         e.Transmittance,
		protocol.WorkGetTable:              e.GetTable,
		protocol.WorkSaveTable:             e.SaveTable,
		protocol.WorkSelect:                e.Select,
		protocol.WorkTableNames:            e.TableNames,
		protocol.WorkTableMetaData:         e.TableMetaData,
	}
	for _, wt := range protocol.WorkTypes() {
		if err := reg.Register(wt, handlers[wt]); err != nil {
			return err
		}
	}
	return nil
}

// decodeArgs converts the loosely typed argument bundle into v. Unknown keys
// are rejected so typos surface as failures.
func decodeArgs(args protocol.Args, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}
