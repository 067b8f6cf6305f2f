package gain

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Session ties one backbone, one instrumented layer and one parameter arena
// together for guided-attention training. Construction validates everything
// eagerly, so a misconfigured session fails before any graph is compiled or
// any batch is drawn.
//
// A Session is not safe for concurrent use.
type Session struct {
	cfg      Config
	backbone *Backbone
	tap      *Tap

	backend backends.Backend
	ctx     *context.Context

	// vizExec lazily compiles the attention rendering graph.
	vizExec *context.Exec

	// epoch the next Train call resumes from. Zero for a fresh session,
	// Config.StartEpoch when restored from a checkpoint.
	epoch int
}

// NewSession validates the configuration and builds a session around it.
//
// Failure modes: missing or inconsistent configuration fields fail with
// ErrConfiguration; an architecture or instrumentation layer the backbone
// registry does not know fails with ErrLayerNotFound. When Config.WeightsPath
// is set the checkpoint variables are restored into the session before it is
// returned.
func NewSession(cfg Config) (*Session, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	backbone, err := BackboneByName(cfg.Architecture)
	if err != nil {
		return nil, err
	}
	if !backbone.HasLayer(cfg.GradientLayer) {
		return nil, errors.WithMessagef(ErrLayerNotFound,
			"architecture %q has no layer %q, available layers: %v",
			cfg.Architecture, cfg.GradientLayer, backbone.LayerNames())
	}
	tap := NewTap(cfg.GradientLayer)
	if err := tap.Attach(); err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg.BackendConfig)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		backbone: backbone,
		tap:      tap,
		backend:  backend,
		ctx:      context.New(),
		epoch:    cfg.StartEpoch,
	}
	if cfg.WeightsPath != "" {
		if err := LoadCheckpoint(s.ctx, cfg.WeightsPath); err != nil {
			return nil, err
		}
		klog.V(1).Infof("restored weights from %s, resuming at epoch %d", cfg.WeightsPath, s.epoch)
	}
	return s, nil
}

// newBackend creates the accelerator backend for the session: the named
// configuration when given, otherwise the default selection (GOMLX_BACKEND
// environment variable, then the first registered backend).
func newBackend(config string) (backends.Backend, error) {
	if config != "" {
		backend, err := backends.NewWithConfig(config)
		if err != nil {
			return nil, errors.WithMessagef(err, "creating backend for configuration %q", config)
		}
		return backend, nil
	}
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "creating default backend")
	}
	return backend, nil
}

// Backend returns the accelerator backend the session computes on.
func (s *Session) Backend() backends.Backend { return s.backend }

// Config returns the (defaulted) configuration the session was built with.
func (s *Session) Config() Config { return s.cfg }

// Epoch returns the epoch the next Train call resumes from.
func (s *Session) Epoch() int { return s.epoch }

// Context exposes the session's variable arena, mostly for tests and
// inspection.
func (s *Session) Context() *context.Context { return s.ctx }
