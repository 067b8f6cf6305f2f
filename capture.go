package gain

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Tap is the activation/gradient capture slot for one designated backbone
// layer. The backbone builder notifies it of every named layer output during
// graph construction (the forward observer); the attention extractor asks it
// to record the gradient of a scalar target at the captured activation (the
// backward observer).
//
// A Tap holds graph nodes, which are only valid within the graph being built:
// reset is called at the start of every graph construction, and the slot is
// overwritten, never appended to.
//
// Attach enforces single attachment per session: a second Attach fails with
// ErrAlreadyAttached. Re-registering silently would leak observers when the
// session is rebuilt over the same model.
type Tap struct {
	layerName  string
	attached   bool
	activation *Node
	gradient   *Node
}

// NewTap creates an unattached capture slot for the given layer name.
func NewTap(layerName string) *Tap {
	return &Tap{layerName: layerName}
}

// Attach marks the tap as wired into a backbone. It must be called exactly
// once per session; a repeated call fails with ErrAlreadyAttached.
func (t *Tap) Attach() error {
	if t.attached {
		return errors.WithMessagef(ErrAlreadyAttached, "layer %q", t.layerName)
	}
	t.attached = true
	return nil
}

// LayerName returns the designated layer this tap captures.
func (t *Tap) LayerName() string { return t.layerName }

// reset invalidates the slot. Called when a new graph construction begins:
// nodes from a previous graph must not leak into the next one.
func (t *Tap) reset() {
	t.activation = nil
	t.gradient = nil
}

// observe is the forward observer: the backbone calls it for every named
// layer, and the tap records the output of the one it was created for.
func (t *Tap) observe(layerName string, output *Node) {
	if layerName == t.layerName {
		t.activation = output
	}
}

// recordGradient is the backward observer: it records the gradient of the
// scalar target with respect to the captured activation. The forward pass
// must have run first.
func (t *Tap) recordGradient(target *Node) error {
	if t.activation == nil {
		return errors.WithMessagef(ErrCaptureNotReady, "no forward pass observed for layer %q", t.layerName)
	}
	t.gradient = Gradient(target, t.activation)[0]
	return nil
}

// Read returns the captured activation and gradient nodes. It fails with
// ErrCaptureNotReady unless a full forward+backward cycle completed since the
// last reset.
func (t *Tap) Read() (activation, gradient *Node, err error) {
	if t.activation == nil || t.gradient == nil {
		return nil, nil, errors.WithMessagef(ErrCaptureNotReady, "layer %q", t.layerName)
	}
	return t.activation, t.gradient, nil
}
