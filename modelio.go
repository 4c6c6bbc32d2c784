package engine

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SubprocessTrainer shells out to an external trainer binary: feed it
// a CSV, get a compiled model file back. The gradient-boosted-tree
// runtime itself lives outside this module.
type SubprocessTrainer struct {
	BinaryPath string
}

// Train invokes the trainer binary with the CSV and destination paths
// and parses its reported validation error from stdout.
func (t *SubprocessTrainer) Train(ctx context.Context, csvPath, destPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, t.BinaryPath, "--input", csvPath, "--output", destPath)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("run trainer: %w", err)
	}
	ve, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse validation error from trainer output: %w", err)
	}
	return ve, nil
}

// ExternalModel invokes a compiled gradient-boosted-tree artifact as a
// subprocess, feeding it one feature row per sample and reading back a
// probability vector line.
type ExternalModel struct {
	binaryPath string
}

// Predict runs one sample through the compiled model and parses its
// fixed-length probability vector from stdout.
func (m *ExternalModel) Predict(s *LocomotionSample) (probabilityVector, error) {
	var vec probabilityVector
	if s.Location == nil {
		return vec, fmt.Errorf("predict: %w", ErrClassifierMissingModel)
	}

	cmd := exec.Command(m.binaryPath,
		strconv.FormatFloat(s.Location.Latitude, 'f', -1, 64),
		strconv.FormatFloat(s.Location.Longitude, 'f', -1, 64),
		strconv.FormatFloat(s.XYAcceleration, 'f', -1, 64),
		strconv.FormatFloat(s.ZAcceleration, 'f', -1, 64),
	)
	out, err := cmd.Output()
	if err != nil {
		return vec, fmt.Errorf("run compiled model %s: %w", m.binaryPath, err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return vec, fmt.Errorf("compiled model %s produced no output", m.binaryPath)
	}
	fields := strings.Split(strings.TrimSpace(scanner.Text()), ",")
	for i, f := range fields {
		if i >= activityTypeCount {
			break
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			continue
		}
		vec[i] = clampProbability(v)
	}
	return vec, nil
}

// FileModelStore resolves classifier cells via Store and loads
// compiled model binaries from modelsDir.
type FileModelStore struct {
	store     *Store
	modelsDir string
}

// NewFileModelStore returns a ModelStore backed by store's metadata
// tables and modelsDir's compiled artifacts.
func NewFileModelStore(store *Store, modelsDir string) *FileModelStore {
	return &FileModelStore{store: store, modelsDir: modelsDir}
}

func (f *FileModelStore) CellAt(depth cellDepth, lat, lon float64) (*ActivityTypesModel, error) {
	return f.store.CellAt(depth, lat, lon)
}

func (f *FileModelStore) Bundled() (*ActivityTypesModel, error) {
	return f.store.Bundled()
}

func (f *FileModelStore) Load(key geoKey) (CompiledModel, error) {
	row, err := f.lookup(key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("model %s: %w", key, ErrClassifierMissingModel)
	}
	return &ExternalModel{binaryPath: f.modelsDir + "/" + row.ModelFile}, nil
}

func (f *FileModelStore) lookup(key geoKey) (*ActivityTypesModel, error) {
	ctx := context.Background()
	pending, err := f.store.PendingModels(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range pending {
		if m.GeoKey == key {
			return m, nil
		}
	}
	// needsUpdate = false rows aren't in PendingModels; fall back to a
	// direct lookup by depth/bbox is unavailable without the key's
	// coordinates, so a dedicated metadata query is used instead.
	return f.store.modelByKey(ctx, key)
}
