package gain

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoint files are named saved_model_<epoch>_<tag>.ckpt and hold a gob
// stream of the context variables. The tag separates independent retention
// groups ("latest", "best", a run name); retention only ever competes
// checkpoints of the same tag against each other.

var checkpointNameRE = regexp.MustCompile(`^saved_model_(\d+)_([a-zA-Z0-9_-]+)\.ckpt$`)

// CheckpointName formats the file name for an epoch and tag.
func CheckpointName(epoch int, tag string) string {
	return fmt.Sprintf("saved_model_%d_%s.ckpt", epoch, tag)
}

// ParseCheckpointName extracts the epoch and tag from a checkpoint file name
// (not a path). ok is false for names that don't follow the convention.
func ParseCheckpointName(name string) (epoch int, tag string, ok bool) {
	m := checkpointNameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	epoch, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return epoch, m[2], true
}

// SaveCheckpoint writes the context variables to dir under the conventional
// name and then enforces retention: if more than keep checkpoints of the same
// tag remain, the one with the smallest epoch is deleted. At most one file is
// deleted per save, so a run that alternates tags never mass-evicts.
//
// Retention problems (unreadable directory, a failed delete) are reported as
// warnings, not errors: losing an old checkpoint cleanup must not interrupt
// training.
func SaveCheckpoint(ctx *context.Context, dir string, epoch int, tag string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating checkpoint directory %s", dir)
	}
	path := filepath.Join(dir, CheckpointName(epoch, tag))
	if err := saveVariables(ctx, path); err != nil {
		return "", err
	}
	if keep > 0 {
		evictOldest(dir, tag, keep)
	}
	return path, nil
}

func saveVariables(ctx *context.Context, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint %s", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "closing checkpoint %s", path)
		}
	}()

	enc := gob.NewEncoder(f)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil {
			return
		}
		value, valueErr := v.Value()
		if valueErr != nil {
			err = errors.WithMessagef(valueErr, "reading variable %q", v.ParameterName())
			return
		}
		if encErr := enc.Encode(v.ParameterName()); encErr != nil {
			err = errors.Wrapf(encErr, "encoding variable name %q", v.ParameterName())
			return
		}
		if serErr := value.GobSerialize(enc); serErr != nil {
			err = errors.WithMessagef(serErr, "encoding variable %q", v.ParameterName())
		}
	})
	return err
}

// LoadCheckpoint restores variables from path into the context, creating them
// in their original scopes.
func LoadCheckpoint(ctx *context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening checkpoint %s", path)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	for {
		var parameterName string
		if err := dec.Decode(&parameterName); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrapf(err, "decoding checkpoint %s", path)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return errors.WithMessagef(err, "decoding variable %q from checkpoint %s", parameterName, path)
		}
		scope, name := context.VariableScopeAndNameFromParameterName(parameterName)
		ctx.InAbsPath(scope).VariableWithValue(name, value)
	}
}

// evictOldest deletes the smallest-epoch checkpoint of the tag when the tag
// holds more than keep files. Unrecognized file names are skipped with a
// warning; any failure degrades to a warning.
func evictOldest(dir, tag string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		klog.Warningf("checkpoint retention: cannot list %s: %v", dir, err)
		return
	}
	count := 0
	oldestEpoch := -1
	oldestName := ""
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		epoch, entryTag, ok := ParseCheckpointName(entry.Name())
		if !ok {
			klog.Warningf("checkpoint retention: skipping unrecognized file %s", entry.Name())
			continue
		}
		if entryTag != tag {
			continue
		}
		count++
		if oldestEpoch < 0 || epoch < oldestEpoch {
			oldestEpoch = epoch
			oldestName = entry.Name()
		}
	}
	if count <= keep {
		return
	}
	path := filepath.Join(dir, oldestName)
	if err := os.Remove(path); err != nil {
		klog.Warningf("checkpoint retention: cannot delete %s: %v", path, err)
		return
	}
	klog.V(1).Infof("checkpoint retention: deleted %s (tag %q over %d files)", path, tag, keep)
}
