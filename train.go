package gain

import (
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// TrainOptions drive one Session.Train run.
type TrainOptions struct {
	// Epochs to run in total, including any epochs already completed when
	// resuming. Required.
	Epochs int

	// PretrainEpochs before the attention losses join the objective. The
	// switch is hard: epochs numbered above PretrainEpochs train the full
	// objective, and once switched a run never goes back.
	PretrainEpochs int

	// EvalEvery evaluates on the test split every that many epochs. The final
	// epoch always evaluates. Zero means final-only.
	EvalEvery int

	// CheckpointDir enables checkpoint saving and the plot-points file when
	// non-empty.
	CheckpointDir string

	// CheckpointTag names the retention group. Defaults to "latest".
	CheckpointTag string

	// KeepCheckpoints bounds how many checkpoints of the tag are retained.
	// Defaults to 3.
	KeepCheckpoints int

	// HeatmapDir enables attention heatmap rendering on every evaluation when
	// non-empty.
	HeatmapDir string

	// NumHeatmaps is the number of examples rendered per evaluation.
	// Defaults to 4.
	NumHeatmaps int

	// Progress shows a per-epoch progress bar.
	Progress bool
}

func (opts *TrainOptions) setDefaults() {
	if opts.CheckpointTag == "" {
		opts.CheckpointTag = "latest"
	}
	if opts.KeepCheckpoints == 0 {
		opts.KeepCheckpoints = 3
	}
	if opts.NumHeatmaps == 0 {
		opts.NumHeatmaps = 4
	}
}

// Train runs the guided-attention training loop over the source.
//
// The source is checked against the session configuration before any batch is
// drawn. Checkpoints and heatmaps are side collaborators: their failures are
// logged as warnings and never interrupt training.
func (s *Session) Train(source Source, opts TrainOptions) error {
	opts.setDefaults()
	if opts.Epochs <= 0 {
		return errors.WithMessagef(ErrConfiguration, "Epochs=%d, must be positive", opts.Epochs)
	}
	if err := checkSource(s.cfg, source); err != nil {
		return err
	}
	trainDS, err := source.TrainDataset()
	if err != nil {
		return err
	}
	testDS, err := source.TestDataset()
	if err != nil {
		return err
	}

	optimizer := optimizers.Adam().LearningRate(s.cfg.LearningRate).Done()
	stepMetrics := newStepMetrics()
	trainer := train.NewTrainer(s.backend, s.ctx, s.modelGraph,
		losses.BinaryCrossentropyLogits, optimizer, stepMetrics, stepMetrics)

	var pointsChan chan<- plots.Point
	var pointsErr <-chan error
	if opts.CheckpointDir != "" {
		pointsChan, pointsErr = plots.CreatePointsWriter(
			filepath.Join(opts.CheckpointDir, plots.TrainingPlotFileName))
	}

	inTrainPhase := s.epoch > opts.PretrainEpochs
	for epoch := s.epoch; epoch < opts.Epochs; epoch++ {
		inTrainPhase = inTrainPhase || epoch > opts.PretrainEpochs
		phase := phasePretrain
		if inTrainPhase {
			phase = phaseTrain
		}

		lastMetrics, err := s.trainEpoch(trainer, trainDS, phase, epoch, source.NumTrainBatches(), opts.Progress)
		if err != nil {
			s.closePoints(pointsChan, pointsErr)
			return err
		}
		reportMetrics(fmt.Sprintf("epoch %d (%s)", epoch+1, phase), trainer.TrainMetrics(), lastMetrics)
		writePoints(pointsChan, "Train: ", "T/", trainer.TrainMetrics(), lastMetrics, epoch+1)

		lastEpoch := epoch == opts.Epochs-1
		evalDue := opts.EvalEvery > 0 && (epoch+1)%opts.EvalEvery == 0
		if !lastEpoch && !evalDue {
			continue
		}

		testDS.Reset()
		evalValues, err := trainer.Eval(withPhase(testDS, phaseTrain))
		if err != nil {
			s.closePoints(pointsChan, pointsErr)
			return errors.WithMessagef(err, "evaluating after epoch %d", epoch+1)
		}
		reportMetrics(fmt.Sprintf("epoch %d eval", epoch+1), trainer.EvalMetrics(), evalValues)
		writePoints(pointsChan, "Eval: ", "E/", trainer.EvalMetrics(), evalValues, epoch+1)

		if opts.CheckpointDir != "" {
			if _, err := SaveCheckpoint(s.ctx, opts.CheckpointDir, epoch+1, opts.CheckpointTag, opts.KeepCheckpoints); err != nil {
				klog.Warningf("checkpoint save failed after epoch %d: %+v", epoch+1, err)
			}
		}
		if opts.HeatmapDir != "" {
			if err := s.GenerateHeatmaps(opts.HeatmapDir, epoch+1, source, opts.NumHeatmaps); err != nil {
				klog.Warningf("heatmap rendering failed after epoch %d: %+v", epoch+1, err)
			}
		}
		s.epoch = epoch + 1
	}
	s.epoch = opts.Epochs
	s.closePoints(pointsChan, pointsErr)
	return nil
}

func (s *Session) trainEpoch(trainer *train.Trainer, ds train.Dataset, phase string,
	epoch, numBatches int, progress bool) ([]*tensors.Tensor, error) {
	if err := trainer.ResetTrainMetrics(); err != nil {
		return nil, err
	}
	ds.Reset()
	phased := withPhase(ds, phase)

	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.NewOptions(numBatches,
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d (%s)", epoch+1, phase)),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII))
	}

	var lastMetrics []*tensors.Tensor
	for {
		spec, inputs, labels, err := phased.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading batch in epoch %d", epoch+1)
		}
		lastMetrics, err = trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "training step in epoch %d", epoch+1)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if lastMetrics == nil {
		return nil, errors.WithMessagef(ErrDatasetIncompatible, "epoch %d yielded no batches", epoch+1)
	}
	return lastMetrics, nil
}

func (s *Session) closePoints(pointsChan chan<- plots.Point, pointsErr <-chan error) {
	if pointsChan == nil {
		return
	}
	close(pointsChan)
	if err := <-pointsErr; err != nil {
		klog.Warningf("writing training plot points: %+v", err)
	}
}

func reportMetrics(header string, descs []metrics.Interface, values []*tensors.Tensor) {
	fmt.Printf("%s:\n", header)
	for ii, desc := range descs {
		fmt.Printf("\t%s (%s): %s\n", desc.Name(), desc.ShortName(), desc.PrettyPrint(values[ii]))
	}
}

func writePoints(pointsChan chan<- plots.Point, namePrefix, shortPrefix string,
	descs []metrics.Interface, values []*tensors.Tensor, epoch int) {
	if pointsChan == nil {
		return
	}
	for ii, desc := range descs {
		if desc.Name() == "Batch Loss" {
			continue
		}
		value := shapes.ConvertTo[float64](values[ii].Value())
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		pointsChan <- plots.Point{
			MetricName: namePrefix + desc.Name(),
			Short:      shortPrefix + desc.ShortName(),
			MetricType: desc.MetricType(),
			Step:       float64(epoch),
			Value:      value,
		}
	}
}

// visualizationGraph recomputes the attention pipeline for rendering: the
// upsampled attention maps and the attention-masked images for a batch. It
// reuses the trained variables, so it must only run after training created
// them.
func (s *Session) visualizationGraph(ctx *context.Context, images, onehot *Node) (cams, maskedImages *Node) {
	height := images.Shape().Dimensions[1]
	width := images.Shape().Dimensions[2]
	numClasses := len(s.cfg.Labels)

	s.tap.reset()
	logits := s.backbone.Forward(ctx, images, s.tap, numClasses, s.cfg.Normalization)
	if err := s.tap.recordGradient(classScore(logits, onehot)); err != nil {
		exceptions.Panicf("attention capture failed: %+v", err)
	}
	activation, gradient, err := s.tap.Read()
	if err != nil {
		exceptions.Panicf("attention capture failed: %+v", err)
	}
	cams = attentionMap(activation, gradient, height, width)
	mask := attentionMask(normalizeAttention(cams), s.cfg.Omega, s.cfg.Sigma)
	maskedImages = maskImage(images, mask)
	return cams, maskedImages
}

// GenerateHeatmaps renders count attention panels from the first test batch
// of the source into dir, named heatmap_<epoch>_<n>.png.
func (s *Session) GenerateHeatmaps(dir string, epoch int, source Source, count int) error {
	if err := checkSource(s.cfg, source); err != nil {
		return err
	}
	testDS, err := source.TestDataset()
	if err != nil {
		return err
	}
	_, inputs, _, err := testDS.Yield()
	if err != nil {
		return errors.WithMessage(err, "reading a test batch for heatmaps")
	}
	images, onehot := inputs[0], inputs[1]

	if s.vizExec == nil {
		s.vizExec = context.MustNewExec(s.backend, s.ctx.Reuse(), s.visualizationGraph)
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = s.vizExec.MustExec(images, onehot)
	})
	if err != nil {
		return errors.WithMessage(err, "computing attention maps for heatmaps")
	}
	cams, maskedImages := outputs[0], outputs[1]

	batchSize := images.Shape().Dimensions[0]
	if count > batchSize {
		count = batchSize
	}
	labels := exampleLabels(onehot, s.cfg.Labels)
	for i := 0; i < count; i++ {
		path := filepath.Join(dir, fmt.Sprintf("heatmap_%d_%d.png", epoch, i))
		if err := SaveHeatmap(path, images, cams, maskedImages, i, labels[i]); err != nil {
			return err
		}
	}
	return nil
}

// exampleLabels names each example after its active classes, comma-joined
// for multi-hot rows.
func exampleLabels(onehot *tensors.Tensor, labels []string) []string {
	numExamples := onehot.Shape().Dimensions[0]
	numClasses := onehot.Shape().Dimensions[1]
	names := make([]string, numExamples)
	tensors.MustConstFlatData(onehot, func(flat []float32) {
		for ex := 0; ex < numExamples; ex++ {
			name := ""
			for c := 0; c < numClasses && c < len(labels); c++ {
				if flat[ex*numClasses+c] > 0.5 {
					if name != "" {
						name += ","
					}
					name += labels[c]
				}
			}
			names[ex] = name
		}
	})
	return names
}
