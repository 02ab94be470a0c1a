package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/protocol"
	"github.com/mattjoyce/hapiq/internal/registry"
	"github.com/mattjoyce/hapiq/internal/tables"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json", io.Discard) // Suppress logs in tests
	os.Exit(m.Run())
}

func parRecord(mol, iso int, nu, sw, gammaAir float64) string {
	return fmt.Sprintf("%2d%1d%12.6f%10.3E%10.3E%5s%5s%10.4f%4.2f%8s%-93s",
		mol, iso, nu, sw, 1.0, strings.TrimPrefix(fmt.Sprintf("%.4f", gammaAir), "0"), "0.080", 100.0, 0.75, "0.000000", "")
}

// lineServer serves .par records and records the query it was asked.
func lineServer(t *testing.T, body string, status int) (*httptest.Server, <-chan string) {
	t.Helper()
	queries := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case queries <- r.URL.RawQuery:
		default:
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, queries
}

func startedEngine(t *testing.T, linesURL string) *Engine {
	t.Helper()
	e := NewEngine(nil)
	require.NoError(t, e.Start(context.Background(), protocol.Args{
		"data_dir":      t.TempDir(),
		"lines_url":     linesURL,
		"fetch_timeout": "5s",
		"session":       "test-session",
	}))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// roundTrip marshals a handler value the way the worker does and decodes it
// into v.
func roundTrip(t *testing.T, value any, v any) {
	t.Helper()
	b, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestRegisterCoversEveryWorkType(t *testing.T) {
	reg := registry.New()
	require.NoError(t, NewEngine(nil).Register(reg))
	require.NoError(t, reg.Seal())
	assert.ElementsMatch(t, protocol.WorkTypes(), reg.WorkTypes())
}

func TestTableWorkRequiresStartedEngine(t *testing.T) {
	e := NewEngine(nil)
	calls := map[string]registry.Handler{
		"fetch":    e.Fetch,
		"get":      e.GetTable,
		"save":     e.SaveTable,
		"select":   e.Select,
		"names":    e.TableNames,
		"meta":     e.TableMetaData,
		"absorb":   e.AbsorptionCoefficient,
		"transmit": e.Transmittance,
	}
	for name, h := range calls {
		_, err := h(context.Background(), protocol.Args{})
		assert.ErrorIs(t, err, ErrEngineNotStarted, name)
	}

	// ECHO needs no engine.
	v, err := Echo(context.Background(), protocol.Args{"x": 5})
	require.NoError(t, err)
	assert.Equal(t, protocol.Args{"x": 5}, v)
}

func TestStartValidatesArgs(t *testing.T) {
	e := NewEngine(nil)
	assert.Error(t, e.Start(context.Background(), protocol.Args{}))
	assert.Error(t, e.Start(context.Background(), protocol.Args{"data_dir": t.TempDir(), "fetch_timeout": "soon"}))
	assert.Error(t, e.Start(context.Background(), protocol.Args{"data_dir": t.TempDir(), "bogus": 1}))

	require.NoError(t, e.Start(context.Background(), protocol.Args{"data_dir": t.TempDir(), "fetch_timeout": "2.5", "session": "s1"}))
	defer e.Close()
	assert.Equal(t, "s1", e.Session())
	assert.Equal(t, DefaultLinesURL, e.linesURL)
	assert.Equal(t, 2500*1e6, float64(e.timeout))
}

func TestFetchStoresParsedLines(t *testing.T) {
	body := strings.Join([]string{
		parRecord(2, 1, 2000.5, 1e-20, 0.07),
		parRecord(2, 2, 2001.0, 2e-21, 0.07),
		parRecord(1, 1, 2000.8, 3e-21, 0.09),
	}, "\n") + "\n"
	srv, queries := lineServer(t, body, http.StatusOK)
	e := startedEngine(t, srv.URL+"/lbl/api")
	ctx := context.Background()

	v, err := e.Fetch(ctx, protocol.Args{
		"table_name":       "co2",
		"molecule_id":      2,
		"isotopologue_ids": []int{7, 8},
		"numin":            1999.5,
		"numax":            2002,
	})
	require.NoError(t, err)
	assert.Equal(t, "iso_ids_list=7%2C8&numax=2002&numin=1999.5", <-queries)

	var meta tables.Meta
	roundTrip(t, v, &meta)
	assert.Equal(t, "co2", meta.Name)
	assert.Equal(t, 2, meta.Lines)
	assert.Equal(t, 2000.5, meta.NuMin)
	assert.Equal(t, 2001.0, meta.NuMax)
	assert.Contains(t, meta.Source, srv.URL)

	v, err = e.GetTable(ctx, protocol.Args{"table_name": "co2"})
	require.NoError(t, err)
	var contents TableContents
	roundTrip(t, v, &contents)
	require.Len(t, contents.Lines, 2)
	assert.Equal(t, 2, contents.Lines[1].IsoID)
}

func TestFetchFailures(t *testing.T) {
	srv, _ := lineServer(t, "quota exceeded", http.StatusTooManyRequests)
	e := startedEngine(t, srv.URL)
	ctx := context.Background()
	good := protocol.Args{"table_name": "t", "isotopologue_ids": []int{1}, "numin": 1, "numax": 2}

	_, err := e.Fetch(ctx, good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")

	bad := []protocol.Args{
		{"table_name": "t", "numin": 1, "numax": 2},
		{"table_name": "t", "isotopologue_ids": []int{1}, "numin": 2, "numax": 1},
		{"table_name": "", "isotopologue_ids": []int{1}, "numin": 1, "numax": 2},
	}
	for _, args := range bad {
		_, err := e.Fetch(ctx, args)
		assert.Error(t, err, "%v", args)
	}

	garbage, _ := lineServer(t, "this is not a par file\n", http.StatusOK)
	e2 := startedEngine(t, garbage.URL)
	_, err = e2.Fetch(ctx, good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse lines")
}

func saveSample(t *testing.T, e *Engine, name string) {
	t.Helper()
	_, err := e.SaveTable(context.Background(), protocol.Args{
		"table_name": name,
		"lines": []map[string]any{
			{"molecule_id": 2, "iso_id": 1, "nu": 1000.0, "sw": 1e-20, "gamma_air": 0.1},
			{"molecule_id": 2, "iso_id": 1, "nu": 1001.0, "sw": 1e-22, "gamma_air": 0.1},
			{"molecule_id": 1, "iso_id": 1, "nu": 1002.0, "sw": 5e-21, "gamma_air": 0.1},
		},
	})
	require.NoError(t, err)
}

func TestTableWorkTypes(t *testing.T) {
	e := startedEngine(t, "")
	ctx := context.Background()
	saveSample(t, e, "sample")

	_, err := e.SaveTable(ctx, protocol.Args{"table_name": "sample", "lines": []any{}})
	assert.ErrorIs(t, err, tables.ErrExists)

	v, err := e.Select(ctx, protocol.Args{"source": "sample", "destination": "strong", "min_intensity": 1e-21})
	require.NoError(t, err)
	var meta tables.Meta
	roundTrip(t, v, &meta)
	assert.Equal(t, 2, meta.Lines)

	_, err = e.Select(ctx, protocol.Args{"source": "sample"})
	assert.Error(t, err)

	v, err = e.TableNames(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"tables": {"sample", "strong"}}, v)

	v, err = e.TableMetaData(ctx, protocol.Args{"table_name": "sample"})
	require.NoError(t, err)
	roundTrip(t, v, &meta)
	assert.Equal(t, 3, meta.Lines)
	assert.Equal(t, 1000.0, meta.NuMin)
	assert.Equal(t, 1002.0, meta.NuMax)
	assert.Len(t, meta.Checksum, 64)
	assert.False(t, meta.UpdatedAt.IsZero())

	_, err = e.TableMetaData(ctx, protocol.Args{"table_name": "missing"})
	assert.ErrorIs(t, err, tables.ErrNotFound)
	_, err = e.GetTable(ctx, protocol.Args{"table_name": "sample", "typo": true})
	assert.Error(t, err)
}

func TestSpectrumWorkTypes(t *testing.T) {
	e := startedEngine(t, "")
	ctx := context.Background()
	saveSample(t, e, "sample")

	v, err := e.AbsorptionCoefficient(ctx, protocol.Args{
		"table_name": "sample", "numin": 999, "numax": 1003, "step": 0.5, "pressure": 1,
	})
	require.NoError(t, err)
	var abs AbsorptionValue
	roundTrip(t, v, &abs)
	require.Len(t, abs.Nu, 9)
	require.Len(t, abs.Coef, 9)
	assert.Greater(t, abs.Coef[2], abs.Coef[1]) // peak at 1000

	// Without a grid the table range and default step are used.
	v, err = e.AbsorptionCoefficient(ctx, protocol.Args{"table_name": "sample"})
	require.NoError(t, err)
	roundTrip(t, v, &abs)
	assert.Equal(t, 1000.0, abs.Nu[0])
	assert.Len(t, abs.Nu, 201)

	v, err = e.Transmittance(ctx, protocol.Args{
		"table_name": "sample", "numin": 999, "numax": 1003, "step": 0.5, "path_length": 10,
	})
	require.NoError(t, err)
	var tr struct {
		Nu    []float64 `json:"nu"`
		Value []float64 `json:"value"`
	}
	roundTrip(t, v, &tr)
	require.Len(t, tr.Value, 9)
	for _, x := range tr.Value {
		assert.True(t, x > 0 && x <= 1, "transmittance %g", x)
	}

	_, err = e.Transmittance(ctx, protocol.Args{"table_name": "sample", "step": -1, "numin": 1, "numax": 2})
	assert.Error(t, err)
}
