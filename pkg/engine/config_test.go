// pkg/engine/config_test.go
package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/pkg/durability"
)

func TestResolveConfigDefaults(t *testing.T) {
	mode, shards, limits, err := resolveConfig(t.TempDir(), Options{})
	require.NoError(t, err)
	require.Equal(t, durability.Buffered, mode)
	require.Zero(t, shards)
	require.Equal(t, 1024, limits.MaxKeyBytes)
}

func TestResolveConfigFromTOML(t *testing.T) {
	dir := t.TempDir()
	toml := `
mode = "strict"
shards = 8

[limits]
max_key_bytes = 256
max_value_size = "4MB"
max_vector_dimension = 512
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(toml), 0o644))

	mode, shards, limits, err := resolveConfig(dir, Options{})
	require.NoError(t, err)
	require.Equal(t, durability.Strict, mode)
	require.Equal(t, 8, shards)
	require.Equal(t, 256, limits.MaxKeyBytes)
	require.Equal(t, 4<<20, limits.MaxValueBytes)
	require.Equal(t, 512, limits.MaxVectorDimension)
}

func TestResolveConfigOptionsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName),
		[]byte(`mode = "strict"`), 0o644))

	mode, _, _, err := resolveConfig(dir, Options{Mode: durability.InMemory, ModeSet: true})
	require.NoError(t, err)
	require.Equal(t, durability.InMemory, mode)
}

func TestResolveConfigRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName),
		[]byte(`mode = "turbo"`), 0o644))

	_, _, _, err := resolveConfig(dir, Options{})
	require.Error(t, err)
}
