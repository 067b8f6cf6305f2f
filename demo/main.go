// Guided attention training demo on a synthetic dataset: each class lights a
// rectangular patch on noise, and its location doubles as the attention
// ground truth. Run with -train to train from scratch, or point -weights at a
// saved checkpoint to resume or render heatmaps only.
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/ilyak93/GAIN"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagTrain    = flag.Bool("train", true, "Train the model. Disable to only render heatmaps from -weights.")
	flagEpochs   = flag.Int("epochs", 10, "Total epochs to train, including resumed ones.")
	flagPretrain = flag.Int("pretrain_epochs", 2, "Epochs of classification-only pretraining before the attention losses kick in.")
	flagAlpha    = flag.Float64("alpha", 1, "Weight of the attention mining loss.")
	flagOmega    = flag.Float64("omega", 10, "Attention mask steepness, also the weight of the extra supervision loss.")
	flagSigma    = flag.Float64("sigma", 0.5, "Attention mask threshold.")
	flagLR       = flag.Float64("learning_rate", 1e-5, "Adam learning rate.")
	flagArch     = flag.String("arch", "cnn", fmt.Sprintf("Backbone architecture, one of %v.", gain.Backbones()))
	flagLayer    = flag.String("gradient_layer", gain.FeaturesLayer, "Backbone layer whose activation feeds the attention maps.")
	flagNorm     = flag.String("normalization", "none", "Backbone normalization: \"none\" or \"layer\".")
	flagBackend  = flag.String("backend", "", "Backend configuration, e.g. \"xla:cuda\" or \"go\". Empty picks the default.")

	flagWeights    = flag.String("weights", "", "Checkpoint file to restore before training or rendering.")
	flagStartEpoch = flag.Int("start_epoch", 0, "Epoch to resume from, requires -weights.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory for checkpoints and training plot points. Empty disables both.")
	flagTag        = flag.String("tag", "latest", "Checkpoint retention tag.")
	flagKeep       = flag.Int("keep", 3, "Checkpoints retained per tag.")
	flagEvalEvery  = flag.Int("eval_every", 2, "Epochs between test evaluations.")
	flagHeatmaps   = flag.String("heatmaps", "", "Directory for attention heatmap PNGs. Empty disables rendering.")

	flagImageSize = flag.Int("image_size", 32, "Synthetic image height and width.")
	flagChannels  = flag.Int("channels", 1, "Synthetic image channels.")
	flagClasses   = flag.Int("classes", 4, "Number of synthetic classes.")
	flagExamples  = flag.Int("examples", 512, "Synthetic training examples.")
	flagBatchSize = flag.Int("batch_size", 32, "Batch size.")
	flagMasks     = flag.Float64("mask_fraction", 0.5, "Fraction of training examples with attention ground truth.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	labels := make([]string, *flagClasses)
	for i := range labels {
		labels[i] = fmt.Sprintf("class-%d", i)
	}
	session := must.M1(gain.NewSession(gain.Config{
		Architecture:  *flagArch,
		GradientLayer: *flagLayer,
		Labels:        labels,
		InputChannels: *flagChannels,
		InputDims:     [2]int{*flagImageSize, *flagImageSize},
		BackendConfig: *flagBackend,
		Alpha:         *flagAlpha,
		Omega:         *flagOmega,
		Sigma:         *flagSigma,
		LearningRate:  *flagLR,
		Normalization: *flagNorm,
		WeightsPath:   *flagWeights,
		StartEpoch:    *flagStartEpoch,
	}))

	source := must.M1(gain.NewSyntheticSource(session.Backend(), gain.SyntheticConfig{
		Categories:    labels,
		Channels:      *flagChannels,
		Dims:          [2]int{*flagImageSize, *flagImageSize},
		TrainExamples: *flagExamples,
		TestExamples:  *flagExamples / 4,
		BatchSize:     *flagBatchSize,
		MaskFraction:  *flagMasks,
		Seed:          42,
	}))

	if *flagTrain {
		must.M(session.Train(source, gain.TrainOptions{
			Epochs:          *flagEpochs,
			PretrainEpochs:  *flagPretrain,
			EvalEvery:       *flagEvalEvery,
			CheckpointDir:   *flagCheckpoint,
			CheckpointTag:   *flagTag,
			KeepCheckpoints: *flagKeep,
			HeatmapDir:      *flagHeatmaps,
			Progress:        true,
		}))
		fmt.Printf("Training done at epoch %d.\n", session.Epoch())
	}

	if !*flagTrain || strings.TrimSpace(*flagHeatmaps) != "" {
		dir := *flagHeatmaps
		if dir == "" {
			dir = "."
		}
		must.M(session.GenerateHeatmaps(dir, session.Epoch(), source, 4))
		fmt.Printf("Heatmaps written to %s.\n", dir)
	}
}
