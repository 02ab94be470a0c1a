package tables

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hapiq/internal/storage"
)

// parRecord lays out a 160-column .par record from field strings.
func parRecord(mol, iso, nu, sw, a, gAir, gSelf, elower, nAir, dAir string) string {
	return fmt.Sprintf("%2s%1s%12s%10s%10s%5s%5s%10s%4s%8s%-93s",
		mol, iso, nu, sw, a, gAir, gSelf, elower, nAir, dAir, "  quanta")
}

func TestParseParRecord(t *testing.T) {
	rec := parRecord(" 2", "1", "2000.123456", " 1.234E-20", " 1.500E+00", ".0712", "0.085", "  123.4567", "0.75", "-.001234")
	require.Len(t, rec, 160)

	l, err := ParseParRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, 2, l.MoleculeID)
	assert.Equal(t, 1, l.IsoID)
	assert.InDelta(t, 2000.123456, l.Nu, 1e-9)
	assert.InDelta(t, 1.234e-20, l.SW, 1e-30)
	assert.InDelta(t, 1.5, l.A, 1e-12)
	assert.InDelta(t, 0.0712, l.GammaAir, 1e-12)
	assert.InDelta(t, 0.085, l.GammaSelf, 1e-12)
	assert.InDelta(t, 123.4567, l.Elower, 1e-9)
	assert.InDelta(t, 0.75, l.NAir, 1e-12)
	assert.InDelta(t, -0.001234, l.DeltaAir, 1e-12)
	assert.Len(t, l.Quanta, 93)
}

func TestParseIsoID(t *testing.T) {
	tests := map[string]int{"1": 1, "9": 9, "0": 10, "A": 11, "B": 12}
	for in, want := range tests {
		got, err := parseIsoID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseIsoID("?")
	assert.Error(t, err)
}

func TestParsePar(t *testing.T) {
	good := parRecord(" 1", "1", "1000.000000", " 2.000E-21", " 1.000E+00", ".0500", "0.300", "   10.0000", "0.70", " .000000")
	input := good + "\r\n\n" + strings.Replace(good, "1000.000000", "1001.500000", 1) + "\n"

	lines, err := ParsePar(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.InDelta(t, 1001.5, lines[1].Nu, 1e-9)

	_, err = ParsePar(strings.NewReader(good + "\nshort record\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	bad := strings.Replace(good, "1000.000000", "10x0.000000", 1)
	_, err = ParsePar(strings.NewReader(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field nu")
}

func TestFilter(t *testing.T) {
	l := Line{MoleculeID: 2, IsoID: 1, Nu: 2000, SW: 1e-20}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"in range", Filter{NuMin: 1999, NuMax: 2001}, true},
		{"below", Filter{NuMin: 2001}, false},
		{"above", Filter{NuMax: 1999}, false},
		{"molecule", Filter{MoleculeID: 1}, false},
		{"iso listed", Filter{IsoIDs: []int{3, 1}}, true},
		{"iso not listed", Filter{IsoIDs: []int{2}}, false},
		{"weak", Filter{MinIntensity: 1e-19}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(l))
		})
	}

	assert.Error(t, Filter{NuMin: 10, NuMax: 5}.Validate())
	assert.Error(t, Filter{MinIntensity: -1}.Validate())
	assert.NoError(t, Filter{NuMin: 10}.Validate())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tables.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func sampleLines() []Line {
	return []Line{
		{MoleculeID: 2, IsoID: 1, Nu: 2000.5, SW: 1e-20, GammaAir: 0.07},
		{MoleculeID: 2, IsoID: 2, Nu: 2001.5, SW: 5e-22, GammaAir: 0.07},
		{MoleculeID: 1, IsoID: 1, Nu: 1999.0, SW: 3e-21, GammaAir: 0.09},
	}
}

func TestStoreSaveGetMeta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	meta, err := s.Save(ctx, "co2", "test", sampleLines(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Lines)
	assert.Equal(t, 1999.0, meta.NuMin)
	assert.Equal(t, 2001.5, meta.NuMax)
	assert.Len(t, meta.Checksum, 64)

	got, err := s.Get(ctx, "co2")
	require.NoError(t, err)
	assert.Equal(t, sampleLines(), got)

	stored, err := s.Meta(ctx, "co2")
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, stored.Checksum)
	assert.Equal(t, fixed, stored.CreatedAt)
	assert.Equal(t, "test", stored.Source)

	_, err = s.Save(ctx, "co2", "test", nil, false)
	assert.ErrorIs(t, err, ErrExists)

	later := fixed.Add(time.Hour)
	s.now = func() time.Time { return later }
	meta, err = s.Save(ctx, "co2", "test", sampleLines()[:1], true)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Lines)
	assert.Equal(t, fixed, meta.CreatedAt)
	assert.Equal(t, later, meta.UpdatedAt)

	got, err = s.Get(ctx, "co2")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStoreChecksumDependsOnContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.Save(ctx, "a", "", sampleLines(), false)
	require.NoError(t, err)
	b, err := s.Save(ctx, "b", "other", sampleLines(), false)
	require.NoError(t, err)
	c, err := s.Save(ctx, "c", "", sampleLines()[:2], false)
	require.NoError(t, err)

	assert.Equal(t, a.Checksum, b.Checksum)
	assert.NotEqual(t, a.Checksum, c.Checksum)
}

func TestStoreNamesAndMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, n := range []string{"zeta", "alpha"} {
		_, err := s.Save(ctx, n, "", nil, false)
		require.NoError(t, err)
	}
	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Meta(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Save(ctx, "../etc", "", nil, false)
	assert.Error(t, err)
}

func TestStoreSelect(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Save(ctx, "all", "", sampleLines(), false)
	require.NoError(t, err)

	meta, err := s.Select(ctx, "all", "co2_main", Filter{MoleculeID: 2, MinIntensity: 1e-21})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Lines)
	assert.Equal(t, "select:all", meta.Source)

	got, err := s.Get(ctx, "co2_main")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2000.5, got[0].Nu)

	// Source is untouched.
	all, err := s.Get(ctx, "all")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.Select(ctx, "missing", "x", Filter{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Select(ctx, "all", "x", Filter{NuMin: 5, NuMax: 1})
	assert.Error(t, err)
}
