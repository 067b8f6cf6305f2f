package gain

import (
	"github.com/pkg/errors"
)

// Config collects the session construction arguments.
//
// Architecture, GradientLayer, Labels, InputChannels and InputDims are
// required. The loss coefficients default to the values from the GAIN paper
// when left at zero (Alpha=1, Omega=10, Sigma=0.5).
type Config struct {
	// Architecture names the backbone to build, see Backbones().
	Architecture string

	// GradientLayer is the named backbone layer whose activation and gradient
	// are captured for attention-map extraction.
	GradientLayer string

	// Labels is the ordered class label set. The model outputs one logit per
	// label.
	Labels []string

	// InputChannels and InputDims describe the expected input images,
	// channels-last: [batch, InputDims[0], InputDims[1], InputChannels].
	InputChannels int
	InputDims     [2]int

	// BackendConfig selects the accelerator backend (e.g. "xla:cuda", "go").
	// Empty uses the default backend.
	BackendConfig string

	// Alpha weights the attention-mining loss, Omega doubles as the mask
	// steepness and the extra-supervision loss weight, Sigma is the mask
	// threshold. Omega's double duty is inherited from the GAIN paper.
	Alpha float64
	Omega float64
	Sigma float64

	// LearningRate for the Adam optimizer. Defaults to 1e-5.
	LearningRate float64

	// Normalization applied inside the backbone conv blocks: "none" or
	// "layer".
	Normalization string

	// WeightsPath optionally points at a saved checkpoint to restore. It is
	// required whenever StartEpoch > 0.
	WeightsPath string

	// StartEpoch to resume from. Only valid together with WeightsPath.
	StartEpoch int
}

func (cfg *Config) setDefaults() {
	if cfg.Alpha == 0 {
		cfg.Alpha = 1
	}
	if cfg.Omega == 0 {
		cfg.Omega = 10
	}
	if cfg.Sigma == 0 {
		cfg.Sigma = 0.5
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-5
	}
	if cfg.Normalization == "" {
		cfg.Normalization = "none"
	}
}

func (cfg *Config) validate() error {
	if cfg.Architecture == "" {
		return errors.WithMessage(ErrConfiguration, "missing required argument Architecture")
	}
	if cfg.GradientLayer == "" {
		return errors.WithMessage(ErrConfiguration, "missing required argument GradientLayer")
	}
	if len(cfg.Labels) == 0 {
		return errors.WithMessage(ErrConfiguration, "missing required argument Labels")
	}
	if cfg.InputChannels <= 0 {
		return errors.WithMessage(ErrConfiguration, "missing required argument InputChannels")
	}
	if cfg.InputDims[0] <= 0 || cfg.InputDims[1] <= 0 {
		return errors.WithMessage(ErrConfiguration, "missing required argument InputDims")
	}
	if cfg.StartEpoch > 0 && cfg.WeightsPath == "" {
		return errors.WithMessagef(ErrConfiguration, "StartEpoch=%d but no weights were supplied", cfg.StartEpoch)
	}
	if cfg.Normalization != "none" && cfg.Normalization != "layer" {
		return errors.WithMessagef(ErrConfiguration, "unsupported Normalization %q, must be \"none\" or \"layer\"", cfg.Normalization)
	}
	return nil
}
