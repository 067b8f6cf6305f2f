package gain

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJetColor(t *testing.T) {
	// Endpoints of the jet ramp: cold is blue, hot is red, the middle green.
	cold := jetColor(0)
	assert.Zero(t, cold.R)
	assert.NotZero(t, cold.B)

	hot := jetColor(1)
	assert.NotZero(t, hot.R)
	assert.Zero(t, hot.B)

	mid := jetColor(0.5)
	assert.Equal(t, uint8(255), mid.G)

	// Out-of-range values clamp instead of wrapping.
	assert.Equal(t, jetColor(0), jetColor(-3))
	assert.Equal(t, jetColor(1), jetColor(7))
}

func TestRenderHeatmapPanel(t *testing.T) {
	batch := 2
	height, width := 4, 6
	images := tensors.FromFlatDataAndDimensions(
		make([]float32, batch*height*width*1), batch, height, width, 1)
	cams := tensors.FromFlatDataAndDimensions(
		[]float32{
			0, 0, 0, 0, 0, 0, 0, 1, 1, 0, 0, 0, 0, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2,
		}, batch, height, width, 1)
	masked := tensors.FromFlatDataAndDimensions(
		make([]float32, batch*height*width*1), batch, height, width, 1)

	panel, err := RenderHeatmap(images, cams, masked, 0, "cat")
	require.NoError(t, err)
	// The heatmap blend and the masked image sit side by side.
	assert.Equal(t, width*2, panel.Bounds().Dx())
	assert.Equal(t, height, panel.Bounds().Dy())

	// Second example, no label.
	panel, err = RenderHeatmap(images, cams, masked, 1, "")
	require.NoError(t, err)
	assert.Equal(t, width*2, panel.Bounds().Dx())
}

func TestRenderHeatmapShapeErrors(t *testing.T) {
	good := tensors.FromFlatDataAndDimensions(make([]float32, 2*4*4*1), 2, 4, 4, 1)
	badRank := tensors.FromFlatDataAndDimensions(make([]float32, 2*4*4), 2, 4, 4)

	_, err := RenderHeatmap(badRank, good, good, 0, "")
	assert.Error(t, err)
	_, err = RenderHeatmap(good, badRank, good, 0, "")
	assert.Error(t, err)
}

func TestSaveHeatmap(t *testing.T) {
	dir := t.TempDir()
	images := tensors.FromFlatDataAndDimensions(make([]float32, 1*4*4*3), 1, 4, 4, 3)
	cams := tensors.FromFlatDataAndDimensions(make([]float32, 1*4*4*1), 1, 4, 4, 1)

	path := filepath.Join(dir, "heatmap_1_0.png")
	require.NoError(t, SaveHeatmap(path, images, cams, images, 0, "dog"))
	assert.FileExists(t, path)
}
