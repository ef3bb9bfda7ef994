package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBuiltin(t *testing.T) {
	t.Parallel()
	c, err := Load("", "/opt/scripts")
	require.NoError(t, err)

	svc, ok := c.Lookup("damco-tracking-maersk")
	require.True(t, ok)
	assert.Equal(t, "/opt/scripts/damco_tracking_maersk.py", svc.ExecutablePath())
	assert.Equal(t, "python", svc.Runtime)
	assert.Equal(t, int64(1), svc.CreditsPerUnit)

	ids := make([]string, 0)
	for _, s := range c.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"ctg-port-tracking", "damco-tracking-maersk", "example-automation"}, ids)
	assert.Equal(t, []string{"python"}, c.Runtimes())
}

func TestParse(t *testing.T) {
	t.Parallel()
	data := []byte(`
services:
  - id: invoice-export
    name: Invoice Export
    executable: /usr/local/bin/invoice-export
    credits_per_unit: 2
    artifacts: ["exports/**/*.xlsx"]
  - id: legacy
    executable: legacy.py
    runtime: python
    enabled: false
`)
	c, err := Parse(data, "scripts")
	require.NoError(t, err)

	svc, ok := c.Lookup("invoice-export")
	require.True(t, ok)
	assert.Equal(t, "/usr/local/bin/invoice-export", svc.ExecutablePath())
	assert.Equal(t, int64(2), svc.CreditsPerUnit)
	assert.Equal(t, []string{"exports/**/*.xlsx"}, svc.Artifacts)

	_, ok = c.Lookup("legacy")
	assert.False(t, ok, "disabled services are not resolvable")
	assert.Len(t, c.List(), 1)
	assert.Empty(t, c.Runtimes())
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "", "empty"},
		{"bad yaml", "services: [", "parse"},
		{"missing id", "services:\n  - executable: a.py\n", "id is required"},
		{"missing executable", "services:\n  - id: a\n", "executable is required"},
		{"duplicate", "services:\n  - {id: a, executable: a.py}\n  - {id: a, executable: b.py}\n", "duplicate"},
		{"bad pattern", "services:\n  - {id: a, executable: a.py, artifacts: ['[']}\n", "invalid artifact pattern"},
		{"negative cost", "services:\n  - {id: a, executable: a.py, credits_per_unit: -1}\n", "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.data), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  - {id: a, executable: a.sh}\n"), 0o600))

	c, err := Load(path, "/scripts")
	require.NoError(t, err)
	svc, ok := c.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "/scripts/a.sh", svc.ExecutablePath())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
}
