// Package inspect reports on the line tables in a data directory without
// going through a worker.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/hapiq/internal/tables"
)

// Report is the structured representation of one table.
type Report struct {
	Table      tables.Meta `json:"table"`
	Recomputed string      `json:"recomputed_checksum"`
	ChecksumOK bool        `json:"checksum_ok"`
	Species    []Species   `json:"species"`
}

// Species summarizes the lines of one isotopologue.
type Species struct {
	MoleculeID   int     `json:"molecule_id"`
	IsoID        int     `json:"iso_id"`
	Lines        int     `json:"lines"`
	NuMin        float64 `json:"numin"`
	NuMax        float64 `json:"numax"`
	IntensitySum float64 `json:"intensity_sum"`
}

// BuildReport renders a terminal-friendly report for a table.
func BuildReport(ctx context.Context, db *sql.DB, name string) (string, error) {
	report, err := gatherReportData(ctx, db, name)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Table Report\n")
	fmt.Fprintf(&out, "Table       : %s\n", report.Table.Name)
	fmt.Fprintf(&out, "Source      : %s\n", renderUnset(report.Table.Source, "<unknown>"))
	fmt.Fprintf(&out, "Lines       : %d\n", report.Table.Lines)
	fmt.Fprintf(&out, "Range       : %.6f - %.6f cm-1\n", report.Table.NuMin, report.Table.NuMax)
	fmt.Fprintf(&out, "Updated     : %s\n", report.Table.UpdatedAt.Format(time.RFC3339))
	if report.ChecksumOK {
		fmt.Fprintf(&out, "Checksum    : %s (ok)\n", report.Table.Checksum)
	} else {
		fmt.Fprintf(&out, "Checksum    : %s (MISMATCH, lines hash to %s)\n", report.Table.Checksum, report.Recomputed)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Species) == 0 {
		fmt.Fprintf(&out, "<no lines>\n")
	}
	for _, sp := range report.Species {
		fmt.Fprintf(&out, "[M%d I%d] %d lines, %.4f - %.4f cm-1, S sum %.4e\n",
			sp.MoleculeID, sp.IsoID, sp.Lines, sp.NuMin, sp.NuMax, sp.IntensitySum)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report for a table.
func BuildJSONReport(ctx context.Context, db *sql.DB, name string) (string, error) {
	report, err := gatherReportData(ctx, db, name)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildIndex lists every table with its size and range.
func BuildIndex(ctx context.Context, db *sql.DB) (string, error) {
	store := tables.NewStore(db)
	names, err := store.Names(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "No tables.\n", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%-24s %10s  %-27s %s\n", "TABLE", "LINES", "RANGE (cm-1)", "SOURCE")
	for _, name := range names {
		m, err := store.Meta(ctx, name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&out, "%-24s %10d  %12.4f - %-12.4f %s\n", m.Name, m.Lines, m.NuMin, m.NuMax, renderUnset(m.Source, "-"))
	}
	return out.String(), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, name string) (*Report, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("table name is required")
	}

	store := tables.NewStore(db)
	meta, err := store.Meta(ctx, name)
	if err != nil {
		return nil, err
	}
	lines, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Table:      meta,
		Recomputed: tables.Checksum(lines),
		Species:    groupSpecies(lines),
	}
	report.ChecksumOK = report.Recomputed == meta.Checksum
	return report, nil
}

func groupSpecies(lines []tables.Line) []Species {
	type key struct{ mol, iso int }
	byKey := make(map[key]*Species)
	for _, l := range lines {
		k := key{l.MoleculeID, l.IsoID}
		sp, ok := byKey[k]
		if !ok {
			sp = &Species{MoleculeID: l.MoleculeID, IsoID: l.IsoID, NuMin: l.Nu, NuMax: l.Nu}
			byKey[k] = sp
		}
		sp.Lines++
		sp.IntensitySum += l.SW
		if l.Nu < sp.NuMin {
			sp.NuMin = l.Nu
		}
		if l.Nu > sp.NuMax {
			sp.NuMax = l.Nu
		}
	}

	out := make([]Species, 0, len(byKey))
	for _, sp := range byKey {
		out = append(out, *sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MoleculeID != out[j].MoleculeID {
			return out[i].MoleculeID < out[j].MoleculeID
		}
		return out[i].IsoID < out[j].IsoID
	})
	return out
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
