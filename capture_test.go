package gain

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestTapAttachOnce(t *testing.T) {
	tap := NewTap("conv1_1")
	require.NoError(t, tap.Attach())
	err := tap.Attach()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.Contains(t, err.Error(), "conv1_1")
}

func TestTapReadBeforeCycle(t *testing.T) {
	tap := NewTap("conv1_1")

	// Nothing observed yet.
	_, _, err := tap.Read()
	assert.ErrorIs(t, err, ErrCaptureNotReady)
	err = tap.recordGradient(nil)
	assert.ErrorIs(t, err, ErrCaptureNotReady)

	// A forward observation alone is still not a full cycle.
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	tap.observe("conv1_1", Const(g, []float32{1, 2, 3}))
	_, _, err = tap.Read()
	assert.ErrorIs(t, err, ErrCaptureNotReady)
}

func TestTapFullCycle(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())

	tap := NewTap("conv1_1")
	require.NoError(t, tap.Attach())
	activation := Const(g, []float32{1, 2, 3})
	tap.observe("other_layer", Const(g, []float32{9}))
	tap.observe("conv1_1", activation)
	require.NoError(t, tap.recordGradient(ReduceAllSum(activation)))

	gotActivation, gotGradient, err := tap.Read()
	require.NoError(t, err)
	assert.Same(t, activation, gotActivation)
	require.NotNil(t, gotGradient)
	assert.True(t, gotGradient.Shape().Equal(activation.Shape()))

	// reset invalidates the capture for the next graph.
	tap.reset()
	_, _, err = tap.Read()
	assert.ErrorIs(t, err, ErrCaptureNotReady)
}
