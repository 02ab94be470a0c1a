package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDataDirBootstrapsSchema(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "data")
	db, err := OpenDataDir(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"line_tables", "lines"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, "table %q missing", table)
	}
	assert.FileExists(t, filepath.Join(dir, DatabaseFile))

	// Bootstrapping twice is harmless.
	require.NoError(t, BootstrapSQLite(context.Background(), db))
}

func TestLinesCascadeWithTable(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cascade.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`INSERT INTO line_tables(name, created_at, updated_at) VALUES('co2', 'now', 'now');`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO lines(table_name, seq, molecule_id, iso_id, nu, sw) VALUES('co2', 0, 2, 1, 2000.5, 1e-20);`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM line_tables WHERE name = 'co2';`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM lines;`).Scan(&n))
	assert.Zero(t, n)
}

func TestOpenRejectsEmptyPaths(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
	_, err = OpenDataDir(context.Background(), "")
	assert.Error(t, err)
}

func TestValidateSQLiteFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tests := []struct {
		name     string
		fsType   string
		detErr   error
		wantErr  string
		inspects string
	}{
		{name: "local filesystem", fsType: "apfs", inspects: root},
		{name: "network filesystem", fsType: "smbfs", wantErr: "engine.data_dir"},
		{name: "unsupported platform", detErr: errDetectUnsupported},
		{name: "detector failure", detErr: errors.New("statfs boom"), wantErr: "statfs boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inspected string
			err := validateSQLiteFilesystemWithDetector(filepath.Join(root, "a", "b", "hapiq.db"), func(p string) (string, error) {
				inspected = p
				return tt.fsType, tt.detErr
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.inspects != "" {
				assert.Equal(t, tt.inspects, inspected)
			}
		})
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		" cifs ": true,
		"apfs":   false,
		"0x6969": false,
	}
	for fs, want := range cases {
		assert.Equal(t, want, isNetworkFilesystem(fs), fs)
	}
}
