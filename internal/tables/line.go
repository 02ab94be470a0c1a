// Package tables stores named spectral line tables and parses the HITRAN
// fixed-width line format.
package tables

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Line is one spectral transition.
type Line struct {
	MoleculeID int     `json:"molecule_id"`
	IsoID      int     `json:"iso_id"`
	Nu         float64 `json:"nu"`         // transition wavenumber, cm-1
	SW         float64 `json:"sw"`         // line intensity at 296 K
	A          float64 `json:"a"`          // Einstein A coefficient
	GammaAir   float64 `json:"gamma_air"`  // air-broadened half width, cm-1/atm
	GammaSelf  float64 `json:"gamma_self"` // self-broadened half width, cm-1/atm
	Elower     float64 `json:"elower"`
	NAir       float64 `json:"n_air"`
	DeltaAir   float64 `json:"delta_air"`
	Quanta     string  `json:"quanta,omitempty"` // columns 68-160, kept verbatim
}

// parRecordLen is the length of a HITRAN2004+ .par record.
const parRecordLen = 160

type parField struct {
	name       string
	start, end int
}

var parFields = []parField{
	{"molecule_id", 0, 2},
	{"iso_id", 2, 3},
	{"nu", 3, 15},
	{"sw", 15, 25},
	{"a", 25, 35},
	{"gamma_air", 35, 40},
	{"gamma_self", 40, 45},
	{"elower", 45, 55},
	{"n_air", 55, 59},
	{"delta_air", 59, 67},
}

// ParsePar reads .par records from r. Blank lines are skipped; any other
// record shorter than the fixed width is an error naming its line number.
func ParsePar(r io.Reader) ([]Line, error) {
	var out []Line
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		rec := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(rec) == "" {
			continue
		}
		line, err := ParseParRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read par data: %w", err)
	}
	return out, nil
}

// ParseParRecord parses a single fixed-width record.
func ParseParRecord(rec string) (Line, error) {
	if len(rec) < parRecordLen {
		return Line{}, fmt.Errorf("record is %d characters, want %d", len(rec), parRecordLen)
	}

	var l Line
	for _, f := range parFields {
		raw := strings.TrimSpace(rec[f.start:f.end])
		if err := l.set(f.name, raw); err != nil {
			return Line{}, fmt.Errorf("field %s %q: %w", f.name, raw, err)
		}
	}
	l.Quanta = rec[67:parRecordLen]
	return l, nil
}

func (l *Line) set(name, raw string) error {
	switch name {
	case "molecule_id":
		v, err := strconv.Atoi(raw)
		l.MoleculeID = v
		return err
	case "iso_id":
		v, err := parseIsoID(raw)
		l.IsoID = v
		return err
	}

	v, err := parseFortranFloat(raw)
	if err != nil {
		return err
	}
	switch name {
	case "nu":
		l.Nu = v
	case "sw":
		l.SW = v
	case "a":
		l.A = v
	case "gamma_air":
		l.GammaAir = v
	case "gamma_self":
		l.GammaSelf = v
	case "elower":
		l.Elower = v
	case "n_air":
		l.NAir = v
	case "delta_air":
		l.DeltaAir = v
	}
	return nil
}

// parseIsoID decodes the one-character isotopologue column: 1-9, then 0 for
// 10, then A, B, ... for 11 onwards.
func parseIsoID(raw string) (int, error) {
	if len(raw) != 1 {
		return 0, fmt.Errorf("want one character")
	}
	c := raw[0]
	switch {
	case c == '0':
		return 10, nil
	case c >= '1' && c <= '9':
		return int(c - '0'), nil
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 11, nil
	}
	return 0, fmt.Errorf("invalid isotopologue id")
}

// parseFortranFloat accepts E and D exponents and empty fields (zero).
func parseFortranFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	raw = strings.NewReplacer("D", "E", "d", "e").Replace(raw)
	return strconv.ParseFloat(raw, 64)
}

// Filter selects lines. Zero fields do not constrain.
type Filter struct {
	NuMin        float64 `json:"numin,omitempty"`
	NuMax        float64 `json:"numax,omitempty"`
	MoleculeID   int     `json:"molecule_id,omitempty"`
	IsoIDs       []int   `json:"iso_ids,omitempty"`
	MinIntensity float64 `json:"min_intensity,omitempty"`
}

// Validate rejects inverted ranges.
func (f Filter) Validate() error {
	if f.NuMax != 0 && f.NuMin > f.NuMax {
		return fmt.Errorf("numin %g is above numax %g", f.NuMin, f.NuMax)
	}
	if f.MinIntensity < 0 {
		return fmt.Errorf("min_intensity must not be negative")
	}
	return nil
}

// Match reports whether l passes the filter.
func (f Filter) Match(l Line) bool {
	if f.NuMin != 0 && l.Nu < f.NuMin {
		return false
	}
	if f.NuMax != 0 && l.Nu > f.NuMax {
		return false
	}
	if f.MoleculeID != 0 && l.MoleculeID != f.MoleculeID {
		return false
	}
	if f.MinIntensity != 0 && l.SW < f.MinIntensity {
		return false
	}
	if len(f.IsoIDs) > 0 {
		for _, id := range f.IsoIDs {
			if id == l.IsoID {
				return true
			}
		}
		return false
	}
	return true
}
