package gain

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// metricValue finds a metric by name among the trainer's descriptors and
// returns its scalar value.
func metricValue(t *testing.T, descs []metrics.Interface, values []*tensors.Tensor, name string) float64 {
	for ii, desc := range descs {
		if desc.Name() == name {
			return shapes.ConvertTo[float64](values[ii].Value())
		}
	}
	t.Fatalf("metric %q not reported by trainer", name)
	return 0
}

// weightSnapshot copies the current values of every kernel variable, keyed by
// parameter name.
func weightSnapshot(ctx *context.Context) map[string][]float32 {
	snapshot := make(map[string][]float32)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() != "weights" {
			return
		}
		tensors.MustConstFlatData(v.MustValue(), func(flat []float32) {
			snapshot[v.ParameterName()] = append([]float32(nil), flat...)
		})
	})
	return snapshot
}

func TestTrainOptionsValidation(t *testing.T) {
	s, err := NewSession(validConfig())
	require.NoError(t, err)
	source, err := NewSyntheticSource(s.Backend(), testSyntheticConfig())
	require.NoError(t, err)

	err = s.Train(source, TrainOptions{Epochs: 0})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestTrainRejectsIncompatibleSource(t *testing.T) {
	s, err := NewSession(validConfig())
	require.NoError(t, err)

	cfg := testSyntheticConfig()
	cfg.Dims = [2]int{16, 16}
	source, err := NewSyntheticSource(s.Backend(), cfg)
	require.NoError(t, err)

	err = s.Train(source, TrainOptions{Epochs: 1})
	assert.ErrorIs(t, err, ErrDatasetIncompatible)
}

func TestTrainEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}

	checkpointDir := t.TempDir()
	heatmapDir := t.TempDir()

	s, err := NewSession(validConfig())
	require.NoError(t, err)
	source, err := NewSyntheticSource(s.Backend(), testSyntheticConfig())
	require.NoError(t, err)

	// Epoch 1 pretrains (classification only), epoch 2 switches to the full
	// guided-attention objective.
	err = s.Train(source, TrainOptions{
		Epochs:         2,
		PretrainEpochs: 0,
		EvalEvery:      1,
		CheckpointDir:  checkpointDir,
		HeatmapDir:     heatmapDir,
		NumHeatmaps:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Epoch())

	// Checkpoints for both evaluated epochs.
	assert.FileExists(t, filepath.Join(checkpointDir, "saved_model_1_latest.ckpt"))
	assert.FileExists(t, filepath.Join(checkpointDir, "saved_model_2_latest.ckpt"))

	// Heatmap panels of the last evaluation.
	assert.FileExists(t, filepath.Join(heatmapDir, "heatmap_2_0.png"))
	assert.FileExists(t, filepath.Join(heatmapDir, "heatmap_2_1.png"))

	// Plot points carry finite loss values for every component.
	points, err := plots.LoadPoints(filepath.Join(checkpointDir, plots.TrainingPlotFileName))
	require.NoError(t, err)
	require.NotEmpty(t, points)
	seen := map[string]bool{}
	for _, point := range points {
		require.Falsef(t, math.IsNaN(point.Value), "metric %q is NaN", point.MetricName)
		require.Falsef(t, math.IsInf(point.Value, 0), "metric %q is infinite", point.MetricName)
		seen[point.MetricName] = true
	}
	assert.True(t, seen["Train: Attention Mining Loss"])
	assert.True(t, seen["Train: Extra Supervision Loss"])
	assert.True(t, seen["Train: Classification Loss"])
	assert.True(t, seen["Eval: Classification Accuracy"])
}

func TestPretrainOptimizesClassificationOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}

	s, err := NewSession(validConfig())
	require.NoError(t, err)
	source, err := NewSyntheticSource(s.Backend(), testSyntheticConfig())
	require.NoError(t, err)
	trainDS, err := source.TrainDataset()
	require.NoError(t, err)
	trainDS.Reset()
	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)

	optimizer := optimizers.Adam().LearningRate(s.Config().LearningRate).Done()
	stepMetrics := newStepMetrics()
	trainer := train.NewTrainer(s.backend, s.ctx, s.modelGraph,
		losses.BinaryCrossentropyLogits, optimizer, stepMetrics, stepMetrics)

	// The first step creates the model variables. Snapshot them, then check a
	// pretraining step moves them.
	_, err = trainer.TrainStep(phasePretrain, inputs, labels)
	require.NoError(t, err)
	before := weightSnapshot(s.ctx)
	require.NotEmpty(t, before)

	require.NoError(t, trainer.ResetTrainMetrics())
	values, err := trainer.TrainStep(phasePretrain, inputs, labels)
	require.NoError(t, err)
	assert.NotEqual(t, before, weightSnapshot(s.ctx))

	// During pretraining the optimized loss is the classification loss alone.
	descs := trainer.TrainMetrics()
	batchLoss := metricValue(t, descs, values, "Batch Loss")
	classificationLoss := metricValue(t, descs, values, "Classification Loss")
	assert.InDelta(t, classificationLoss, batchLoss, 1e-5)

	// After the switch the attention losses join in, so the optimized loss
	// exceeds the classification component.
	require.NoError(t, trainer.ResetTrainMetrics())
	values, err = trainer.TrainStep(phaseTrain, inputs, labels)
	require.NoError(t, err)
	batchLoss = metricValue(t, descs, values, "Batch Loss")
	classificationLoss = metricValue(t, descs, values, "Classification Loss")
	assert.Greater(t, batchLoss, classificationLoss)
}

func TestTrainResumeFromCheckpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}

	checkpointDir := t.TempDir()

	s, err := NewSession(validConfig())
	require.NoError(t, err)
	source, err := NewSyntheticSource(s.Backend(), testSyntheticConfig())
	require.NoError(t, err)
	require.NoError(t, s.Train(source, TrainOptions{
		Epochs:        1,
		EvalEvery:     1,
		CheckpointDir: checkpointDir,
	}))

	// Resume into a fresh session from the saved weights.
	cfg := validConfig()
	cfg.WeightsPath = filepath.Join(checkpointDir, "saved_model_1_latest.ckpt")
	cfg.StartEpoch = 1
	resumed, err := NewSession(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.Epoch())

	resumedSource, err := NewSyntheticSource(resumed.Backend(), testSyntheticConfig())
	require.NoError(t, err)
	require.NoError(t, resumed.Train(resumedSource, TrainOptions{
		Epochs:         2,
		PretrainEpochs: 0,
	}))
	assert.Equal(t, 2, resumed.Epoch())
}

func TestGenerateHeatmapsChecksSource(t *testing.T) {
	s, err := NewSession(validConfig())
	require.NoError(t, err)

	cfg := testSyntheticConfig()
	cfg.Channels = 3
	source, err := NewSyntheticSource(s.Backend(), cfg)
	require.NoError(t, err)

	err = s.GenerateHeatmaps(os.TempDir(), 1, source, 1)
	assert.ErrorIs(t, err, ErrDatasetIncompatible)
}
