package gain

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// This file implements grad-CAM-style attention extraction (Eq. 1 and 2 of
// the GAIN paper) as graph-building functions.

// classScore reduces the logits to the class-conditioned scalar target whose
// gradient at the instrumented layer drives the attention map:
// sum(logits * onehot) over the whole batch.
//
// onehot may be multi-hot; then the score (and the resulting attention map)
// is that of the combined target.
func classScore(logits, onehot *Node) *Node {
	return ReduceAllSum(Mul(logits, ConvertDType(onehot, logits.DType())))
}

// attentionMap computes the unnormalized class attention map from the
// captured activation and gradient, both shaped [batch, h, w, channels], and
// bilinearly upsamples it (aligned corners) to the input resolution.
//
// The gradient is spatially mean-pooled into one weight per channel (Eq. 1)
// and wrapped in StopGradient: the captured gradient is a detached quantity,
// so attention-extraction backward passes can never contaminate the parameter
// update. The activation path stays differentiable, which is what lets the
// mining and extra-supervision losses train the network through the map.
//
// Returns shape [batch, height, width, 1], rectified to non-negative.
func attentionMap(activation, gradient *Node, height, width int) *Node {
	channelWeights := StopGradient(ReduceAndKeep(gradient, ReduceMean, 1, 2))

	// Eq. 2: per-channel weighted contraction of the activation, rectified.
	cam := ReduceAndKeep(Mul(activation, channelWeights), ReduceSum, -1)
	cam = Max(cam, ZerosLike(cam))

	return Interpolate(cam, NoInterpolation, height, width, NoInterpolation).
		Bilinear().AlignCorner(true).HalfPixelCenters(false).Done()
}
