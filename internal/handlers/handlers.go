package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/protocol"
	"github.com/mattjoyce/hapiq/internal/spectra"
	"github.com/mattjoyce/hapiq/internal/tables"
)

// DefaultStep is the grid step used when a spectrum request omits one.
const DefaultStep = 0.01

// maxFetchBytes caps a FETCH response body.
const maxFetchBytes = 256 << 20

// Echo returns its arguments unchanged.
func Echo(_ context.Context, args protocol.Args) (any, error) {
	return args, nil
}

type fetchArgs struct {
	TableName       string  `json:"table_name"`
	MoleculeID      int     `json:"molecule_id"`
	IsotopologueIDs []int   `json:"isotopologue_ids"`
	NuMin           float64 `json:"numin"`
	NuMax           float64 `json:"numax"`
}

// Fetch downloads lines for the requested isotopologues and wavenumber range
// and stores them, replacing any table of the same name.
func (e *Engine) Fetch(ctx context.Context, args protocol.Args) (any, error) {
	store, err := e.lineStore()
	if err != nil {
		return nil, err
	}
	var a fetchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := tables.ValidateName(a.TableName); err != nil {
		return nil, err
	}
	if len(a.IsotopologueIDs) == 0 {
		return nil, errors.New("isotopologue_ids is required")
	}
	if a.NuMax <= a.NuMin {
		return nil, fmt.Errorf("numax %g must be above numin %g", a.NuMax, a.NuMin)
	}

	e.mu.Lock()
	base, timeout := e.linesURL, e.timeout
	e.mu.Unlock()

	reqURL, err := fetchURL(base, a)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	logger := log.WithComponent("fetch").With("table", a.TableName)
	logger.Info("fetching lines", "url", reqURL)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch lines: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch lines: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	lines, err := tables.ParsePar(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("parse lines: %w", err)
	}
	if a.MoleculeID != 0 {
		f := tables.Filter{MoleculeID: a.MoleculeID}
		kept := lines[:0]
		for _, l := range lines {
			if f.Match(l) {
				kept = append(kept, l)
			}
		}
		lines = kept
	}

	meta, err := store.Save(ctx, a.TableName, reqURL, lines, true)
	if err != nil {
		return nil, err
	}
	logger.Info("lines stored", "lines", meta.Lines)
	return meta, nil
}

func fetchURL(base string, a fetchArgs) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid lines_url %q: %w", base, err)
	}
	ids := make([]string, len(a.IsotopologueIDs))
	for i, id := range a.IsotopologueIDs {
		ids[i] = strconv.Itoa(id)
	}
	q := u.Query()
	q.Set("iso_ids_list", strings.Join(ids, ","))
	q.Set("numin", strconv.FormatFloat(a.NuMin, 'f', -1, 64))
	q.Set("numax", strconv.FormatFloat(a.NuMax, 'f', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type tableArgs struct {
	TableName string `json:"table_name"`
}

// TableContents is the GET_TABLE value.
type TableContents struct {
	TableName string        `json:"table_name"`
	Lines     []tables.Line `json:"lines"`
}

func (e *Engine) GetTable(ctx context.Context, args protocol.Args) (any, error) {
	store, err := e.lineStore()
	if err != nil {
		return nil, err
	}
	var a tableArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	lines, err := store.Get(ctx, a.TableName)
	if err != nil {
		return nil, err
	}
	return TableContents{TableName: a.TableName, Lines: lines}, nil
}

type saveArgs struct {
	TableName string        `json:"table_name"`
	Lines     []tables.Line `json:"lines"`
	Overwrite bool          `json:"overwrite"`
	Source    string        `json:"source"`
}

func (e *Engine) SaveTable(ctx context.Context, args protocol.Args) (any, error) {
	store, err := e.lineStore()
	if err != nil {
		return nil, err
	}
	var a saveArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Source == "" {
		a.Source = "save"
	}
	return store.Save(ctx, a.TableName, a.Source, a.Lines, a.Overwrite)
}

type selectArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	tables.Filter
}

func (e *Engine) Select(ctx context.Context, args protocol.Args) (any, error) {
	store, err := e.lineStore()
	if err != nil {
		return nil, err
	}
	var a selectArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Destination == "" {
		return nil, errors.New("destination is required")
	}
	return store.Select(ctx, a.Source, a.Destination, a.Filter)
}

func (e *Engine) TableNames(ctx context.Context, args protocol.Args) (any, error) {
	store, err := e.lineStore()
	if err != nil {
		return nil, err
	}
	if err := decodeArgs(args, &struct{}{}); err != nil {
		return nil, err
	}
	names, err := store.Names(ctx)
	if err != nil {
		return nil, err
	}
	return map[string][]string{"tables": names}, nil
}

func (e *Engine) TableMetaData(ctx context.Context, args protocol.Args) (any, error) {
	store, err := e.lineStore()
	if err != nil {
		return nil, err
	}
	var a tableArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return store.Meta(ctx, a.TableName)
}

type spectrumArgs struct {
	TableName string `json:"table_name"`
	spectra.Grid
	spectra.Conditions
}

// AbsorptionValue is the ABSORPTION_COEFFICIENT value.
type AbsorptionValue struct {
	Nu   []float64 `json:"nu"`
	Coef []float64 `json:"coef"`
}

func (e *Engine) AbsorptionCoefficient(ctx context.Context, args protocol.Args) (any, error) {
	lines, g, c, err := e.spectrumInput(ctx, args)
	if err != nil {
		return nil, err
	}
	spec, err := spectra.AbsorptionCoefficient(lines, g, c)
	if err != nil {
		return nil, err
	}
	return AbsorptionValue{Nu: spec.Nu, Coef: spec.Value}, nil
}

func (e *Engine) Transmittance(ctx context.Context, args protocol.Args) (any, error) {
	lines, g, c, err := e.spectrumInput(ctx, args)
	if err != nil {
		return nil, err
	}
	return spectra.Transmittance(lines, g, c)
}

// spectrumInput loads the table and fills the grid from its range when the
// caller gave none.
func (e *Engine) spectrumInput(ctx context.Context, args protocol.Args) ([]tables.Line, spectra.Grid, spectra.Conditions, error) {
	store, err := e.lineStore()
	if err != nil {
		return nil, spectra.Grid{}, spectra.Conditions{}, err
	}
	var a spectrumArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, spectra.Grid{}, spectra.Conditions{}, err
	}
	lines, err := store.Get(ctx, a.TableName)
	if err != nil {
		return nil, spectra.Grid{}, spectra.Conditions{}, err
	}

	g := a.Grid
	if g.NuMin == 0 && g.NuMax == 0 {
		meta, err := store.Meta(ctx, a.TableName)
		if err != nil {
			return nil, spectra.Grid{}, spectra.Conditions{}, err
		}
		g.NuMin, g.NuMax = meta.NuMin, meta.NuMax
	}
	if g.Step == 0 {
		g.Step = DefaultStep
	}
	return lines, g, a.Conditions, nil
}
