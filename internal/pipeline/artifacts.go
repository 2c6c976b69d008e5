package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	checkpointKey = "checkpoint"
	labelsKey     = "labels"
)

// Artifacts names the files a dataset root holds under its processed
// directory.
type Artifacts struct {
	Dir string
}

func (a Artifacts) path(name string) string {
	return filepath.Join(a.Dir, name)
}

func (a Artifacts) TrainPoints() string     { return a.path("train_points.geojson") }
func (a Artifacts) TestPoints() string      { return a.path("test_points.geojson") }
func (a Artifacts) TrainCrowns() string     { return a.path("train_crowns.geojson") }
func (a Artifacts) TestCrowns() string      { return a.path("test_crowns.geojson") }
func (a Artifacts) TrainCrops() string      { return a.path("train_crops.csv") }
func (a Artifacts) TestCrops() string       { return a.path("test_crops.csv") }
func (a Artifacts) TrainReconciled() string { return a.path("train_reconciled.csv") }
func (a Artifacts) TestReconciled() string  { return a.path("test_reconciled.csv") }
func (a Artifacts) Train() string           { return a.path("train.csv") }
func (a Artifacts) Test() string            { return a.path("test.csv") }
func (a Artifacts) Checkpoint() string      { return a.path(checkpointKey + ".json") }
func (a Artifacts) Labels() string          { return a.path(labelsKey + ".json") }
func (a Artifacts) Metrics() string         { return a.path("metrics.prom") }

func (a Artifacts) all() []string {
	return []string{
		a.TrainPoints(), a.TestPoints(),
		a.TrainCrowns(), a.TestCrowns(),
		a.TrainCrops(), a.TestCrops(),
		a.TrainReconciled(), a.TestReconciled(),
		a.Train(), a.Test(),
	}
}

// removeAll deletes every table and every chip in cropDir. The checkpoint
// marker and label snapshot belong to their caches. Missing files and failed
// deletions are ignored.
func (a Artifacts) removeAll(cropDir string) {
	paths := a.all()
	if cropDir != "" {
		chips, _ := filepath.Glob(filepath.Join(cropDir, "*.tif"))
		paths = append(paths, chips...)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("could not remove artifact", "path", path, "error", err)
		}
	}
}

// renameFile tolerates a rename that already happened in an interrupted run.
func renameFile(from, to string) error {
	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(to); err == nil {
			return nil
		}
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to publish %s: %w", to, err)
	}
	return nil
}
