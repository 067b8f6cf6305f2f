package gain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCheckpointName(t *testing.T) {
	epoch, tag, ok := ParseCheckpointName("saved_model_12_latest.ckpt")
	require.True(t, ok)
	assert.Equal(t, 12, epoch)
	assert.Equal(t, "latest", tag)

	epoch, tag, ok = ParseCheckpointName("saved_model_3_my-run_2.ckpt")
	require.True(t, ok)
	assert.Equal(t, 3, epoch)
	assert.Equal(t, "my-run_2", tag)

	for _, name := range []string{
		"saved_model_latest.ckpt",
		"saved_model_12_latest.model",
		"model_12_latest.ckpt",
		"notes.txt",
	} {
		_, _, ok := ParseCheckpointName(name)
		assert.Falsef(t, ok, "name %q", name)
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	dir := t.TempDir()

	ctx := context.New()
	ctx.InAbsPath("/model/conv1_1").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.InAbsPath("/model/readout").VariableWithValue("biases", []float32{0.5, -0.5})

	path, err := SaveCheckpoint(ctx, dir, 7, "latest", 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "saved_model_7_latest.ckpt"), path)

	restored := context.New()
	require.NoError(t, LoadCheckpoint(restored, path))

	v := restored.GetVariableByScopeAndName("/model/conv1_1", "weights")
	require.NotNil(t, v)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, v.MustValue().Value())

	v = restored.GetVariableByScopeAndName("/model/readout", "biases")
	require.NotNil(t, v)
	assert.Equal(t, []float32{0.5, -0.5}, v.MustValue().Value())
}

func TestCheckpointRetention(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.InAbsPath("/model").VariableWithValue("w", float32(1))

	// An unrelated file and a foreign tag must survive every eviction.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))
	_, err := SaveCheckpoint(ctx, dir, 1, "best", 2)
	require.NoError(t, err)

	for epoch := 1; epoch <= 4; epoch++ {
		_, err := SaveCheckpoint(ctx, dir, epoch, "latest", 2)
		require.NoError(t, err)
	}

	names := listFiles(t, dir)
	assert.NotContains(t, names, "saved_model_1_latest.ckpt")
	assert.NotContains(t, names, "saved_model_2_latest.ckpt")
	assert.Contains(t, names, "saved_model_3_latest.ckpt")
	assert.Contains(t, names, "saved_model_4_latest.ckpt")
	assert.Contains(t, names, "saved_model_1_best.ckpt")
	assert.Contains(t, names, "notes.txt")
}

func TestCheckpointRetentionDeletesAtMostOne(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.InAbsPath("/model").VariableWithValue("w", float32(1))

	// Seed a backlog over the retention limit, then save once: only one
	// eviction may happen per save.
	for epoch := 1; epoch <= 4; epoch++ {
		_, err := SaveCheckpoint(ctx, dir, epoch, "latest", 10)
		require.NoError(t, err)
	}
	_, err := SaveCheckpoint(ctx, dir, 5, "latest", 2)
	require.NoError(t, err)

	names := listFiles(t, dir)
	assert.NotContains(t, names, "saved_model_1_latest.ckpt")
	assert.Contains(t, names, "saved_model_2_latest.ckpt")
	assert.Len(t, names, 4)
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	err := LoadCheckpoint(context.New(), filepath.Join(t.TempDir(), "absent.ckpt"))
	require.Error(t, err)
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}
