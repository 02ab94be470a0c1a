package tables

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound = errors.New("table not found")
	ErrExists   = errors.New("table already exists")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateName checks a table name.
func ValidateName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// Meta describes a stored table.
type Meta struct {
	Name      string    `json:"table_name"`
	Source    string    `json:"source,omitempty"`
	Lines     int       `json:"lines"`
	NuMin     float64   `json:"numin"`
	NuMax     float64   `json:"numax"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists line tables in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Save writes lines as table name. An existing table is replaced only when
// overwrite is set.
func (s *Store) Save(ctx context.Context, name, source string, lines []Line, overwrite bool) (Meta, error) {
	if err := ValidateName(name); err != nil {
		return Meta{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	createdAt := now
	var created string
	err = tx.QueryRowContext(ctx, "SELECT created_at FROM line_tables WHERE name = ?;", name).Scan(&created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Meta{}, fmt.Errorf("read table %q: %w", name, err)
	case !overwrite:
		return Meta{}, fmt.Errorf("%w: %s", ErrExists, name)
	default:
		if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			createdAt = t
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM lines WHERE table_name = ?;", name); err != nil {
			return Meta{}, fmt.Errorf("clear table %q: %w", name, err)
		}
	}

	meta := summarize(name, source, lines)
	meta.CreatedAt = createdAt
	meta.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
INSERT INTO line_tables(name, source, line_count, numin, numax, checksum, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  source = excluded.source,
  line_count = excluded.line_count,
  numin = excluded.numin,
  numax = excluded.numax,
  checksum = excluded.checksum,
  updated_at = excluded.updated_at;
`, name, source, meta.Lines, meta.NuMin, meta.NuMax, meta.Checksum,
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Meta{}, fmt.Errorf("upsert table %q: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO lines(table_name, seq, molecule_id, iso_id, nu, sw, a, gamma_air, gamma_self, elower, n_air, delta_air, quanta)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return Meta{}, fmt.Errorf("prepare line insert: %w", err)
	}
	defer stmt.Close()

	for i, l := range lines {
		if _, err := stmt.ExecContext(ctx, name, i, l.MoleculeID, l.IsoID, l.Nu, l.SW, l.A,
			l.GammaAir, l.GammaSelf, l.Elower, l.NAir, l.DeltaAir, l.Quanta); err != nil {
			return Meta{}, fmt.Errorf("insert line %d of %q: %w", i, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Meta{}, fmt.Errorf("commit tx: %w", err)
	}
	return meta, nil
}

// Get returns every line of a table in stored order.
func (s *Store) Get(ctx context.Context, name string) ([]Line, error) {
	if _, err := s.Meta(ctx, name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT molecule_id, iso_id, nu, sw, a, gamma_air, gamma_self, elower, n_air, delta_air, quanta
FROM lines WHERE table_name = ? ORDER BY seq;`, name)
	if err != nil {
		return nil, fmt.Errorf("query lines of %q: %w", name, err)
	}
	defer rows.Close()

	lines := []Line{}
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.MoleculeID, &l.IsoID, &l.Nu, &l.SW, &l.A, &l.GammaAir,
			&l.GammaSelf, &l.Elower, &l.NAir, &l.DeltaAir, &l.Quanta); err != nil {
			return nil, fmt.Errorf("scan line of %q: %w", name, err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lines of %q: %w", name, err)
	}
	return lines, nil
}

// Names lists stored tables alphabetically.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM line_tables ORDER BY name;")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Meta returns a table's metadata.
func (s *Store) Meta(ctx context.Context, name string) (Meta, error) {
	var (
		m                Meta
		numin, numax     sql.NullFloat64
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT name, source, line_count, numin, numax, checksum, created_at, updated_at
FROM line_tables WHERE name = ?;`, name).Scan(&m.Name, &m.Source, &m.Lines, &numin, &numax, &m.Checksum, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Meta{}, fmt.Errorf("read table %q: %w", name, err)
	}
	m.NuMin = numin.Float64
	m.NuMax = numax.Float64
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

// Select copies the lines of source that pass f into destination, replacing
// destination if it exists.
func (s *Store) Select(ctx context.Context, source, destination string, f Filter) (Meta, error) {
	if err := f.Validate(); err != nil {
		return Meta{}, err
	}
	lines, err := s.Get(ctx, source)
	if err != nil {
		return Meta{}, err
	}

	kept := lines[:0]
	for _, l := range lines {
		if f.Match(l) {
			kept = append(kept, l)
		}
	}
	return s.Save(ctx, destination, "select:"+source, kept, true)
}

// summarize computes range and checksum.
func summarize(name, source string, lines []Line) Meta {
	m := Meta{Name: name, Source: source, Lines: len(lines), Checksum: Checksum(lines)}
	numin, numax := math.Inf(1), math.Inf(-1)
	for _, l := range lines {
		numin = math.Min(numin, l.Nu)
		numax = math.Max(numax, l.Nu)
	}
	if len(lines) > 0 {
		m.NuMin, m.NuMax = numin, numax
	}
	return m
}

// Checksum is blake3 over the JSON encoding of each line in order, so equal
// tables hash equal regardless of when they were written.
func Checksum(lines []Line) string {
	h := blake3.New()
	for _, l := range lines {
		b, _ := json.Marshal(l)
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
