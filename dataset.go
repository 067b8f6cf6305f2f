package gain

import (
	"math/rand"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Source describes a dataset a session can train on. Batches follow a fixed
// convention:
//
//	inputs: [images, onehot, attentionGT, attentionGTPresent]
//	labels: [onehot]
//
// with images shaped [batch, height, width, channels], onehot
// [batch, numClasses] (multi-hot allowed), attentionGT [batch, height, width,
// 1] and attentionGTPresent [batch] (1 where the ground-truth attention mask
// is real, 0 where it is padding). The one-hot label is repeated in the
// inputs because attention extraction is class-conditioned; extra tensors
// must not ride in labels, where the loss machinery treats them as weights.
type Source interface {
	Name() string

	// OutputDims, OutputChannels and Categories describe the batches for the
	// compatibility check against a session configuration.
	OutputDims() [2]int
	OutputChannels() int
	Categories() []string

	// TrainDataset and TestDataset yield one epoch per Reset/io.EOF cycle.
	TrainDataset() (train.Dataset, error)
	TestDataset() (train.Dataset, error)

	// NumTrainBatches and NumTestBatches report the batches per epoch, used
	// for progress reporting.
	NumTrainBatches() int
	NumTestBatches() int
}

// checkSource verifies a source produces batches the session's model can
// consume. Any mismatch fails with ErrDatasetIncompatible before the first
// batch is drawn.
func checkSource(cfg Config, source Source) error {
	if got := source.OutputDims(); got != cfg.InputDims {
		return errors.WithMessagef(ErrDatasetIncompatible,
			"source %q produces %dx%d images, session expects %dx%d",
			source.Name(), got[0], got[1], cfg.InputDims[0], cfg.InputDims[1])
	}
	if got := source.OutputChannels(); got != cfg.InputChannels {
		return errors.WithMessagef(ErrDatasetIncompatible,
			"source %q produces %d-channel images, session expects %d channels",
			source.Name(), got, cfg.InputChannels)
	}
	if got := source.Categories(); !slices.Equal(got, cfg.Labels) {
		return errors.WithMessagef(ErrDatasetIncompatible,
			"source %q categories %v do not match session labels %v",
			source.Name(), got, cfg.Labels)
	}
	return nil
}

// phaseDataset stamps every yielded batch with a training phase, so the
// trainer compiles (and caches) one step graph per phase.
type phaseDataset struct {
	train.Dataset
	phase string
}

func withPhase(ds train.Dataset, phase string) train.Dataset {
	return &phaseDataset{Dataset: ds, phase: phase}
}

func (p *phaseDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	_, inputs, labels, err = p.Dataset.Yield()
	return p.phase, inputs, labels, err
}

// SyntheticConfig parameterizes a SyntheticSource.
type SyntheticConfig struct {
	Categories    []string
	Channels      int
	Dims          [2]int
	TrainExamples int
	TestExamples  int
	BatchSize     int

	// MaskFraction of training examples carry a real attention ground-truth
	// mask; the rest carry zero padding and a zero presence flag.
	MaskFraction float64

	// Seed for the generator. The same seed reproduces the same dataset.
	Seed int64
}

// SyntheticSource generates labeled images in memory: each class lights up a
// rectangular patch at a class-specific position over background noise, and
// the attention ground truth is the patch indicator. Small enough for tests
// and the demo binary, structured enough that attention training has a
// correct answer to find.
type SyntheticSource struct {
	backend backends.Backend
	cfg     SyntheticConfig
}

// NewSyntheticSource validates the parameters and returns the source. Data is
// generated lazily, once per TrainDataset/TestDataset call.
func NewSyntheticSource(backend backends.Backend, cfg SyntheticConfig) (*SyntheticSource, error) {
	if len(cfg.Categories) == 0 || cfg.Channels <= 0 ||
		cfg.Dims[0] <= 0 || cfg.Dims[1] <= 0 ||
		cfg.TrainExamples <= 0 || cfg.TestExamples <= 0 || cfg.BatchSize <= 0 {
		return nil, errors.WithMessage(ErrConfiguration, "incomplete synthetic source parameters")
	}
	if cfg.MaskFraction < 0 || cfg.MaskFraction > 1 {
		return nil, errors.WithMessagef(ErrConfiguration,
			"MaskFraction=%g out of range [0,1]", cfg.MaskFraction)
	}
	return &SyntheticSource{backend: backend, cfg: cfg}, nil
}

func (s *SyntheticSource) Name() string        { return "synthetic" }
func (s *SyntheticSource) OutputDims() [2]int  { return s.cfg.Dims }
func (s *SyntheticSource) OutputChannels() int { return s.cfg.Channels }
func (s *SyntheticSource) Categories() []string {
	return s.cfg.Categories
}

func (s *SyntheticSource) NumTrainBatches() int {
	return s.cfg.TrainExamples / s.cfg.BatchSize
}

func (s *SyntheticSource) NumTestBatches() int {
	return s.cfg.TestExamples / s.cfg.BatchSize
}

func (s *SyntheticSource) TrainDataset() (train.Dataset, error) {
	return s.build("synthetic-train", s.cfg.TrainExamples, s.cfg.Seed, true)
}

func (s *SyntheticSource) TestDataset() (train.Dataset, error) {
	return s.build("synthetic-test", s.cfg.TestExamples, s.cfg.Seed+1, false)
}

func (s *SyntheticSource) build(name string, numExamples int, seed int64, shuffle bool) (train.Dataset, error) {
	height, width, channels := s.cfg.Dims[0], s.cfg.Dims[1], s.cfg.Channels
	numClasses := len(s.cfg.Categories)
	rng := rand.New(rand.NewSource(seed))

	images := make([]float32, numExamples*height*width*channels)
	onehot := make([]float32, numExamples*numClasses)
	masks := make([]float32, numExamples*height*width)
	present := make([]float32, numExamples)

	// Patches tile the image left to right, wrapping by rows, so every class
	// gets a distinct location even when numClasses exceeds the width.
	patchH := max(1, height/2)
	patchW := max(1, width/numClasses)
	for ex := 0; ex < numExamples; ex++ {
		class := ex % numClasses
		onehot[ex*numClasses+class] = 1
		top := (class * patchH / max(1, numClasses-1)) % max(1, height-patchH+1)
		left := (class * patchW) % max(1, width-patchW+1)
		imgBase := ex * height * width * channels
		maskBase := ex * height * width
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				inPatch := y >= top && y < top+patchH && x >= left && x < left+patchW
				if inPatch {
					masks[maskBase+y*width+x] = 1
				}
				for c := 0; c < channels; c++ {
					v := rng.Float32() * 0.1
					if inPatch {
						v += 0.9
					}
					images[imgBase+(y*width+x)*channels+c] = v
				}
			}
		}
		if rng.Float64() < s.cfg.MaskFraction {
			present[ex] = 1
		} else {
			for i := maskBase; i < maskBase+height*width; i++ {
				masks[i] = 0
			}
		}
	}

	onehotT := tensors.FromFlatDataAndDimensions(onehot, numExamples, numClasses)
	ds, err := datasets.InMemoryFromData(s.backend, name,
		[]any{
			tensors.FromFlatDataAndDimensions(images, numExamples, height, width, channels),
			onehotT,
			tensors.FromFlatDataAndDimensions(masks, numExamples, height, width, 1),
			tensors.FromFlatDataAndDimensions(present, numExamples),
		},
		[]any{onehotT})
	if err != nil {
		return nil, errors.WithMessagef(err, "building %s dataset", name)
	}
	if shuffle {
		ds = ds.Shuffle()
	}
	return ds.BatchSize(s.cfg.BatchSize, true), nil
}
