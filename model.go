package gain

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// Training phases. The phase rides on the dataset spec, so the trainer
// compiles exactly one step graph per phase: during pretraining the mining
// and extra-supervision terms are computed (for reporting) but not added to
// the loss; after the switch the full objective is backpropagated. A hard
// switch, not a blended schedule.
const (
	phasePretrain = "pretrain"
	phaseTrain    = "train"
)

// Model graph output indices. The first output is the logits (the prediction
// convention expected by losses and accuracy metrics); the rest are exposed
// for metrics, visualization and tests.
const (
	outputLogits = iota
	outputCAMs
	outputMaskedImages
	outputMiningLoss
	outputExtraLoss
	outputClassificationLoss
	numOutputs
)

// modelGraph builds one full GAIN step:
//
//  1. forward pass through the backbone, with the instrumented layer's
//     activation captured by the session tap;
//  2. backward pass of the class-conditioned score to the captured
//     activation, yielding the attention map (grad-CAM);
//  3. masking of the input by the attention mask and a re-entrant forward
//     pass through the same parameters, yielding the mining loss;
//  4. extra supervision of the attention map where ground truth exists.
//
// inputs: [images, onehot, attentionGT, attentionGTPresent]; the one-hot
// label is duplicated in the inputs because attention extraction is
// class-conditioned, while the trainer only hands labels to losses/metrics.
func (s *Session) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	images, onehot := inputs[0], inputs[1]
	attentionGT, attentionPresent := inputs[2], inputs[3]
	height := images.Shape().Dimensions[1]
	width := images.Shape().Dimensions[2]
	numClasses := len(s.cfg.Labels)

	s.tap.reset()
	logits := s.backbone.Forward(ctx, images, s.tap, numClasses, s.cfg.Normalization)

	score := classScore(logits, onehot)
	if err := s.tap.recordGradient(score); err != nil {
		exceptions.Panicf("attention capture failed: %+v", err)
	}
	activation, gradient, err := s.tap.Read()
	if err != nil {
		exceptions.Panicf("attention capture failed: %+v", err)
	}
	cams := attentionMap(activation, gradient, height, width)

	mask := attentionMask(normalizeAttention(cams), s.cfg.Omega, s.cfg.Sigma)
	maskedImages := maskImage(images, mask)
	maskedLogits := s.backbone.Forward(ctx.Reuse(), maskedImages, nil, numClasses, s.cfg.Normalization)

	lossAM := miningLoss(maskedLogits, onehot)
	lossE := extraSupervisionLoss(cams, attentionGT, attentionPresent)
	lossCL := ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{onehot}, []*Node{logits}))

	if spec == phaseTrain {
		train.AddLoss(ctx, MulScalar(lossAM, s.cfg.Alpha))
		train.AddLoss(ctx, MulScalar(lossE, s.cfg.Omega))
	}

	return []*Node{logits, cams, maskedImages, lossAM, lossE, lossCL}
}

// Metric names used in reports and the plot-points file.
const (
	metricAccuracy       = "accuracy"
	metricMiningLoss     = "loss_am"
	metricExtraLoss      = "loss_e"
	metricClassification = "loss_cl"
)

// newStepMetrics builds the per-batch metrics evaluated by the trainer: the
// classification accuracy plus means of the three loss components (the
// trainer itself reports the combined optimized loss).
func newStepMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewMeanMetric("Classification Accuracy", metricAccuracy,
			metrics.AccuracyMetricType, onehotAccuracyGraph, nil),
		metrics.NewMeanMetric("Attention Mining Loss", metricMiningLoss,
			metrics.LossMetricType, takeOutputGraph(outputMiningLoss), nil),
		metrics.NewMeanMetric("Extra Supervision Loss", metricExtraLoss,
			metrics.LossMetricType, takeOutputGraph(outputExtraLoss), nil),
		metrics.NewMeanMetric("Classification Loss", metricClassification,
			metrics.LossMetricType, takeOutputGraph(outputClassificationLoss), nil),
	}
}

// onehotAccuracyGraph is the batch accuracy: argmax of the logits against
// argmax of the one-hot label.
func onehotAccuracyGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	logits := predictions[outputLogits]
	predicted := ArgMax(logits, -1)
	truth := ArgMax(labels[0], -1)
	return ReduceAllMean(ConvertDType(Equal(predicted, truth), dtypes.Float32))
}

// takeOutputGraph projects one scalar model output as a metric value.
func takeOutputGraph(output int) metrics.BaseMetricGraph {
	return func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[output]
	}
}
