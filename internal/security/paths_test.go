package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func symlinkFixture(t *testing.T) (logs, outside string) {
	t.Helper()
	root := t.TempDir()
	logs = filepath.Join(root, "logs")
	outside = filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(logs, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.csv"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(logs, "evil-symlink")))
	return logs, outside
}

func TestWithin(t *testing.T) {
	logs, _ := symlinkFixture(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(logs, "telemetry_data_20260502_183000.csv"), false},
		{"nested missing file", filepath.Join(logs, "a", "b.csv"), false},
		{"dir itself", logs, false},
		{"dot dot", filepath.Join(logs, "..", "x.csv"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"through symlink", filepath.Join(logs, "evil-symlink", "secret.csv"), true},
		{"new file under symlink", filepath.Join(logs, "evil-symlink", "new.csv"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Within(tt.path, logs)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOutsideAllowedDirs)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	logs, outside := symlinkFixture(t)
	captures := t.TempDir()

	path, err := Resolve("drive.csv", []string{logs, captures})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(logs, "drive.csv"), path)

	abs := filepath.Join(captures, "lap.pcapng")
	path, err = Resolve(abs, []string{logs, captures})
	require.NoError(t, err)
	assert.Equal(t, abs, path)

	_, err = Resolve(filepath.Join(outside, "secret.csv"), []string{logs, captures})
	assert.ErrorIs(t, err, ErrOutsideAllowedDirs)
	_, err = Resolve("../outside/secret.csv", []string{logs})
	assert.ErrorIs(t, err, ErrOutsideAllowedDirs)
	_, err = Resolve("", []string{logs})
	assert.Error(t, err)
	_, err = Resolve("drive.csv", nil)
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"telemetry_data_20260502_183000.csv": "telemetry_data_20260502_183000.csv",
		"Engine / Speed":                     "Engine_Speed",
		"../../etc/passwd":                   "etc_passwd",
		"":                                   "unknown",
		"...":                                "unknown",
		"lap 1 (wet)":                        "lap_1_wet",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}
