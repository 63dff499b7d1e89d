package action

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeeds(t *testing.T) {
	data := []byte(`
resources:
  - id: "42"
    kind: table
    state:
      pot: 0
      turn: alice
  - id: "43"
    kind: table
    version: 7
`)
	res, err := ParseSeeds(data)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "42", res[0].ID)
	assert.Equal(t, int64(1), res[0].Version)
	assert.JSONEq(t, `{"pot":0,"turn":"alice"}`, string(res[0].State))
	assert.Equal(t, int64(7), res[1].Version)
	assert.JSONEq(t, `{}`, string(res[1].State))
}

func TestParseSeeds_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":   "resources:\n  - kind: table\n",
		"duplicate id": "resources:\n  - id: a\n  - id: a\n",
		"bad yaml":     "resources: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSeeds([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resources:\n  - id: t1\n"), 0o600))
	res, err := LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "t1", res[0].ID)

	_, err = LoadSeeds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
