package gain

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Attention mining (Eq. 3 and 5 of the GAIN paper) and the optional extra
// supervision against ground-truth attention masks (Eq. 7).

// normalizationEpsilon guards the min-max denominator when an attention map
// is flat (max == min), e.g. a fully rectified-away map early in training.
const normalizationEpsilon = 1e-5

// normalizeAttention min-max normalizes each example's attention map to
// [0, 1]. Input and output shaped [batch, height, width, 1].
func normalizeAttention(cam *Node) *Node {
	low := ReduceAndKeep(cam, ReduceMin, 1, 2)
	high := ReduceAndKeep(cam, ReduceMax, 1, 2)
	return Div(Sub(cam, low), AddScalar(Sub(high, low), normalizationEpsilon))
}

// attentionMask converts a normalized attention map into a soft binary mask:
// sigmoid with steepness omega centered at threshold sigma. As omega grows
// the mask approaches a hard threshold at sigma.
func attentionMask(normalized *Node, omega, sigma float64) *Node {
	return Sigmoid(MulScalar(AddScalar(normalized, -sigma), omega))
}

// maskImage suppresses the high-attention regions of the image:
// I* = I - I*mask. The mask, shaped [batch, height, width, 1], broadcasts
// over the channels axis. The source image is never mutated; the result is a
// derived tensor of the same shape.
func maskImage(images, mask *Node) *Node {
	return Sub(images, Mul(images, mask))
}

// miningLoss penalizes residual confidence in the true class after its
// discriminative evidence has been masked out: sigmoid of the masked-image
// logits at the active label indices, summed per example and averaged over
// the batch (Eq. 5).
func miningLoss(maskedLogits, onehot *Node) *Node {
	active := ConvertDType(onehot, maskedLogits.DType())
	perExample := ReduceSum(Mul(Sigmoid(maskedLogits), active), -1)
	return ReduceAllMean(perExample)
}

// extraSupervisionLoss is the summed squared difference between the
// unnormalized attention map and the ground-truth mask (Eq. 7), counted only
// for examples whose present indicator is 1. With no ground truth present the
// term is exactly zero.
//
// cam and groundTruth are shaped [batch, height, width, 1]; present is a
// per-example indicator shaped [batch].
func extraSupervisionLoss(cam, groundTruth, present *Node) *Node {
	diff := Sub(cam, ConvertDType(groundTruth, cam.DType()))
	perExample := ReduceSum(Mul(diff, diff), 1, 2, 3)
	return ReduceAllSum(Mul(perExample, ConvertDType(present, cam.DType())))
}
