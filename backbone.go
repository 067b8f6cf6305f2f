package gain

import (
	"fmt"
	"sort"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Backbone is a named convolutional classification architecture with an
// ordered registry of named layers available for instrumentation.
//
// The backbone is an opaque differentiable function: Forward maps a
// channels-last image batch to per-class logits. During graph construction it
// reports every named layer output to the given Tap, which records the one it
// was attached to.
type Backbone struct {
	name string
	// convBlocks lists the channel counts per block; blocks are separated by
	// 2x2 max-pooling.
	convBlocks [][]int
	layerNames []string
}

// FeaturesLayer is the name of the final feature-extractor output, after the
// last conv block and pooling. It is the conventional instrumentation target.
const FeaturesLayer = "features"

var backboneRegistry = map[string]*Backbone{
	"cnn": newBackbone("cnn", [][]int{{32}, {64, 64}}),
	"vgg16": newBackbone("vgg16", [][]int{
		{64, 64}, {128, 128}, {256, 256, 256}, {512, 512, 512}, {512, 512, 512}}),
}

func newBackbone(name string, convBlocks [][]int) *Backbone {
	b := &Backbone{name: name, convBlocks: convBlocks}
	for blockIdx, block := range convBlocks {
		for convIdx := range block {
			b.layerNames = append(b.layerNames, convLayerName(blockIdx, convIdx))
		}
	}
	b.layerNames = append(b.layerNames, FeaturesLayer)
	return b
}

func convLayerName(blockIdx, convIdx int) string {
	return fmt.Sprintf("conv%d_%d", blockIdx+1, convIdx+1)
}

// Backbones returns the sorted names of the registered architectures.
func Backbones() []string {
	names := make([]string, 0, len(backboneRegistry))
	for name := range backboneRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackboneByName returns the registered architecture, or ErrConfiguration for
// an unknown name.
func BackboneByName(name string) (*Backbone, error) {
	b, found := backboneRegistry[name]
	if !found {
		return nil, errors.WithMessagef(ErrConfiguration, "unknown architecture %q, valid values are %v", name, Backbones())
	}
	return b, nil
}

// Name of the architecture.
func (b *Backbone) Name() string { return b.name }

// LayerNames returns the ordered named layers available for instrumentation.
func (b *Backbone) LayerNames() []string { return b.layerNames }

// HasLayer reports whether the named layer exists in this architecture. Used
// to validate the instrumentation target eagerly, at session construction.
func (b *Backbone) HasLayer(name string) bool {
	for _, n := range b.layerNames {
		if n == name {
			return true
		}
	}
	return false
}

// Forward builds the backbone graph and returns the logits, shaped
// [batch, numClasses]. Every named layer output is reported to tap (which may
// be nil, e.g. for the re-entrant pass on a masked image).
//
// For a re-entrant pass sharing the parameters of an earlier pass in the same
// graph, call with ctx.Reuse().
func (b *Backbone) Forward(ctx *context.Context, images *Node, tap *Tap, numClasses int, normalization string) *Node {
	batchSize := images.Shape().Dimensions[0]
	x := images
	for blockIdx, block := range b.convBlocks {
		if blockIdx > 0 {
			x = maybePool(x)
		}
		for convIdx, channels := range block {
			name := convLayerName(blockIdx, convIdx)
			x = layers.Convolution(ctx.In(name), x).
				Channels(channels).KernelSize(3).PadSame().Done()
			x = activations.Relu(x)
			x = normalizeFeatures(ctx.In(name), x, normalization)
			if tap != nil {
				tap.observe(name, x)
			}
		}
	}
	x = maybePool(x)
	if tap != nil {
		tap.observe(FeaturesLayer, x)
	}

	x = Reshape(x, batchSize, -1)
	return layers.DenseWithBias(ctx.In("readout"), x, numClasses)
}

// maybePool halves the spatial dimensions with 2x2 max-pooling, skipped when
// the feature map is already down to a single row or column.
func maybePool(x *Node) *Node {
	dims := x.Shape().Dimensions
	if dims[1] < 2 || dims[2] < 2 {
		return x
	}
	return MaxPool(x).Window(2).Done()
}

func normalizeFeatures(ctx *context.Context, x *Node, normalization string) *Node {
	if normalization == "layer" {
		return layers.LayerNormalization(ctx.In("norm"), x, 2, 3).Done()
	}
	return x
}
