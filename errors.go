package gain

import "github.com/pkg/errors"

// Errors surfaced during session construction and setup. They are all detected
// before the first training batch is processed; compare with errors.Is.
var (
	// ErrConfiguration indicates a missing or inconsistent construction
	// argument. Required arguments are never silently defaulted.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrLayerNotFound indicates the requested gradient (instrumentation)
	// layer does not exist in the selected backbone.
	ErrLayerNotFound = errors.New("gradient layer not found in backbone")

	// ErrDatasetIncompatible indicates a shape, channel or label-set mismatch
	// between the data source and the configured model.
	ErrDatasetIncompatible = errors.New("dataset incompatible with model")

	// ErrAlreadyAttached indicates a second activation/gradient tap attachment
	// on the same session.
	ErrAlreadyAttached = errors.New("activation tap already attached")

	// ErrCaptureNotReady indicates a read of the activation/gradient capture
	// before a forward+backward cycle completed. This is a programming error.
	ErrCaptureNotReady = errors.New("activation capture not ready")
)
