// Package pipeline builds the train and test corpora from raw field records
// in five checkpointed stages:
//
//	clean     field records -> filtered points split into train and test
//	labeled   label and site dictionaries built from the persisted points
//	crowned   points -> crown polygons
//	cropped   crowns -> annotated hyperspectral chips
//	reconcile train classes restricted to those present in test
//
// A single marker in the processed directory records the last completed
// stage, so a restarted run resumes after it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"

	"github.com/Ritesh313/DeepTreeAttention/internal/cache"
	"github.com/Ritesh313/DeepTreeAttention/internal/config"
	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/field"
	"github.com/Ritesh313/DeepTreeAttention/internal/metrics"
	"github.com/Ritesh313/DeepTreeAttention/internal/split"
)

var (
	ErrEmptyStage    = errors.New("stage produced no rows")
	ErrLabelsChanged = errors.New("label dictionary differs from the persisted snapshot")
)

type CrownResolver interface {
	Crowns(ctx context.Context, points []dataset.TreePoint) ([]dataset.Crown, error)
}

type CropGenerator interface {
	Generate(ctx context.Context, crowns []dataset.Crown, labels dataset.LabelDictionary) ([]dataset.Annotation, error)
}

// Corpus is the published output of a run.
type Corpus struct {
	Train  []dataset.Annotation
	Test   []dataset.Annotation
	Labels dataset.LabelDictionary
}

type Orchestrator struct {
	Config      config.Config
	FieldData   string
	Artifacts   Artifacts
	Reprojector field.Reprojector
	Crowns      CrownResolver
	Crops       CropGenerator
	Metrics     *metrics.PipelineMetrics
	// ShowProgress renders progress bars for the bulk stages.
	ShowProgress bool

	checkpoints cache.CacheService[Checkpoint]
	snapshots   cache.CacheService[dataset.Snapshot]
}

func New(cfg config.Config, fieldData, processedDir string, reprojector field.Reprojector, crowns CrownResolver, crops CropGenerator) (*Orchestrator, error) {
	m, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		Config:      cfg,
		FieldData:   fieldData,
		Artifacts:   Artifacts{Dir: processedDir},
		Reprojector: reprojector,
		Crowns:      crowns,
		Crops:       crops,
		Metrics:     m,
		checkpoints: cache.NewFileCache[Checkpoint](processedDir),
		snapshots:   cache.NewFileCache[dataset.Snapshot](processedDir),
	}, nil
}

// Completed returns the stage recorded in the checkpoint marker.
func (o *Orchestrator) Completed() Stage {
	cp, ok := o.checkpoints.Get(checkpointKey)
	if !ok {
		return None
	}
	return cp.Stage
}

func (o *Orchestrator) mark(stage Stage) error {
	if err := o.checkpoints.Set(checkpointKey, Checkpoint{Stage: stage}); err != nil {
		return fmt.Errorf("failed to record stage %s: %w", stage, err)
	}
	slog.Info("stage completed", "stage", stage.String())
	return nil
}

// reset drops the checkpoint marker and label snapshot first, so an
// interrupted cleanup never leaves a marker pointing at deleted tables.
func (o *Orchestrator) reset() {
	if err := o.checkpoints.Delete(checkpointKey); err != nil {
		slog.Debug("could not remove checkpoint", "error", err)
	}
	if err := o.snapshots.Delete(labelsKey); err != nil {
		slog.Debug("could not remove label snapshot", "error", err)
	}
	o.Artifacts.removeAll(o.Config.CropDir)
}

// Setup runs or resumes the pipeline and returns the published corpus.
func (o *Orchestrator) Setup(ctx context.Context, mode Mode) (Corpus, error) {
	if mode == Regenerate {
		slog.Info("regenerating dataset", "processed", o.Artifacts.Dir)
		o.reset()
	}
	completed := o.Completed()
	slog.Info("setting up dataset", "mode", mode.String(), "completed", completed.String())

	train, test, err := o.points(completed)
	if err != nil {
		return Corpus{}, fmt.Errorf("clean stage: %w", err)
	}

	labels, err := o.labels(completed, train, test)
	if err != nil {
		return Corpus{}, fmt.Errorf("label stage: %w", err)
	}

	trainCrowns, testCrowns, err := o.crowns(ctx, completed, train, test)
	if err != nil {
		return Corpus{}, fmt.Errorf("crown stage: %w", err)
	}

	trainCrops, testCrops, err := o.crops(ctx, completed, trainCrowns, testCrowns, labels)
	if err != nil {
		return Corpus{}, fmt.Errorf("crop stage: %w", err)
	}

	trainFinal, testFinal, err := o.reconcile(completed, trainCrops, testCrops)
	if err != nil {
		return Corpus{}, fmt.Errorf("consistency stage: %w", err)
	}

	if err := o.publish(completed); err != nil {
		return Corpus{}, err
	}

	o.Metrics.RecordRows("final", "train", len(trainFinal))
	o.Metrics.RecordRows("final", "test", len(testFinal))
	o.Metrics.RecordClasses("train", len(dataset.Labels(trainFinal)))
	o.Metrics.RecordClasses("test", len(dataset.Labels(testFinal)))
	o.Metrics.RecordSuccess(time.Now())
	if err := o.Metrics.WriteTextfile(o.Artifacts.Metrics()); err != nil {
		slog.Warn("could not write pipeline metrics", "error", err)
	}

	slog.Info("dataset ready",
		"train_rows", len(trainFinal),
		"test_rows", len(testFinal),
		"species", labels.Species.Len(),
		"sites", labels.Sites.Len(),
	)
	return Corpus{Train: trainFinal, Test: testFinal, Labels: labels}, nil
}

func (o *Orchestrator) skip(stage Stage) {
	slog.Info("resuming from checkpoint", "stage", stage.String())
	o.Metrics.RecordSkipped(stage.String())
}

func (o *Orchestrator) bar(n int, description string) *progressbar.ProgressBar {
	if !o.ShowProgress {
		return nil
	}
	return progressbar.Default(int64(n), description)
}

func (o *Orchestrator) points(completed Stage) ([]dataset.TreePoint, []dataset.TreePoint, error) {
	if completed >= Clean {
		o.skip(Clean)
		train, err := dataset.ReadPoints(o.Artifacts.TrainPoints())
		if err != nil {
			return nil, nil, err
		}
		test, err := dataset.ReadPoints(o.Artifacts.TestPoints())
		if err != nil {
			return nil, nil, err
		}
		return train, test, nil
	}
	defer o.Metrics.ObserveStage(Clean.String())()

	records, err := field.LoadRecords(o.FieldData)
	if err != nil {
		return nil, nil, err
	}
	points, err := o.clean(records)
	if err != nil {
		return nil, nil, err
	}

	s, err := split.TrainTestSplit(points, split.Options{
		TestFraction: o.Config.TestFraction,
		MinSamples:   o.Config.MinSamples,
		Iterations:   o.Config.Iterations,
		Seed:         o.Config.Seed,
		Workers:      o.Config.Workers,
		Progress:     o.bar(o.Config.Iterations, "Splitting plots"),
	})
	if err != nil {
		return nil, nil, err
	}
	if len(s.Train) == 0 || len(s.Test) == 0 {
		return nil, nil, fmt.Errorf("%w: train has %d points, test has %d", ErrEmptyStage, len(s.Train), len(s.Test))
	}
	o.Metrics.RecordRows(Clean.String(), "train", len(s.Train))
	o.Metrics.RecordRows(Clean.String(), "test", len(s.Test))

	if err := dataset.WritePoints(o.Artifacts.TrainPoints(), s.Train); err != nil {
		return nil, nil, err
	}
	if err := dataset.WritePoints(o.Artifacts.TestPoints(), s.Test); err != nil {
		return nil, nil, err
	}
	return s.Train, s.Test, o.mark(Clean)
}

// clean turns raw field records into point candidates: filtered, one per
// individual, zone corrected and restricted to taxa with enough support.
func (o *Orchestrator) clean(records []field.Record) ([]dataset.TreePoint, error) {
	filtered := field.Filter(records, field.FilterOptionsFromConfig(o.Config))
	reconciled := field.ReconcileHeights(filtered)
	corrected := field.CorrectGeometry(reconciled, o.Reprojector, field.KnownZoneFixes...)

	points := split.FilterRareTaxa(dataset.PointsFromRecords(corrected), o.Config.MinSamples)
	for i := range points {
		points[i].PointID = i
	}
	slog.Info("cleaned field records",
		"records", len(records),
		"filtered", len(filtered),
		"individuals", len(reconciled),
		"points", len(points),
		"classes", len(dataset.Taxa(points)),
	)
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no field record survived filtering", ErrEmptyStage)
	}
	return points, nil
}

func (o *Orchestrator) labels(completed Stage, train, test []dataset.TreePoint) (dataset.LabelDictionary, error) {
	labels := dataset.BuildLabels(train, test)
	if completed >= Labeled {
		o.skip(Labeled)
		snapshot, ok := o.snapshots.Get(labelsKey)
		if !ok {
			return dataset.LabelDictionary{}, fmt.Errorf("missing label snapshot %s", o.Artifacts.Labels())
		}
		if !snapshot.Labels().Equal(labels) {
			return dataset.LabelDictionary{}, ErrLabelsChanged
		}
		return labels, nil
	}

	if err := o.snapshots.Set(labelsKey, labels.Snapshot()); err != nil {
		return dataset.LabelDictionary{}, err
	}
	return labels, o.mark(Labeled)
}

func (o *Orchestrator) crowns(ctx context.Context, completed Stage, train, test []dataset.TreePoint) ([]dataset.Crown, []dataset.Crown, error) {
	if completed >= Crowned {
		o.skip(Crowned)
		trainCrowns, err := dataset.ReadCrowns(o.Artifacts.TrainCrowns())
		if err != nil {
			return nil, nil, err
		}
		testCrowns, err := dataset.ReadCrowns(o.Artifacts.TestCrowns())
		if err != nil {
			return nil, nil, err
		}
		return trainCrowns, testCrowns, nil
	}
	defer o.Metrics.ObserveStage(Crowned.String())()

	trainCrowns, err := o.Crowns.Crowns(ctx, train)
	if err != nil {
		return nil, nil, err
	}
	testCrowns, err := o.Crowns.Crowns(ctx, test)
	if err != nil {
		return nil, nil, err
	}
	o.Metrics.RecordRows(Crowned.String(), "train", len(trainCrowns))
	o.Metrics.RecordRows(Crowned.String(), "test", len(testCrowns))

	if err := dataset.WriteCrowns(o.Artifacts.TrainCrowns(), trainCrowns); err != nil {
		return nil, nil, err
	}
	if err := dataset.WriteCrowns(o.Artifacts.TestCrowns(), testCrowns); err != nil {
		return nil, nil, err
	}
	return trainCrowns, testCrowns, o.mark(Crowned)
}

func (o *Orchestrator) crops(ctx context.Context, completed Stage, train, test []dataset.Crown, labels dataset.LabelDictionary) ([]dataset.Annotation, []dataset.Annotation, error) {
	if completed >= Cropped {
		o.skip(Cropped)
		trainCrops, err := dataset.ReadAnnotations(o.Artifacts.TrainCrops())
		if err != nil {
			return nil, nil, err
		}
		testCrops, err := dataset.ReadAnnotations(o.Artifacts.TestCrops())
		if err != nil {
			return nil, nil, err
		}
		return trainCrops, testCrops, nil
	}
	defer o.Metrics.ObserveStage(Cropped.String())()

	trainCrops, err := o.Crops.Generate(ctx, train, labels)
	if err != nil {
		return nil, nil, err
	}
	testCrops, err := o.Crops.Generate(ctx, test, labels)
	if err != nil {
		return nil, nil, err
	}
	if len(trainCrops) == 0 || len(testCrops) == 0 {
		return nil, nil, fmt.Errorf("%w: %d train and %d test crops", ErrEmptyStage, len(trainCrops), len(testCrops))
	}
	o.Metrics.RecordRows(Cropped.String(), "train", len(trainCrops))
	o.Metrics.RecordRows(Cropped.String(), "test", len(testCrops))

	if err := dataset.WriteAnnotations(o.Artifacts.TrainCrops(), trainCrops); err != nil {
		return nil, nil, err
	}
	if err := dataset.WriteAnnotations(o.Artifacts.TestCrops(), testCrops); err != nil {
		return nil, nil, err
	}
	return trainCrops, testCrops, o.mark(Cropped)
}

// reconcile drops train crops of classes that never occur in test.
func (o *Orchestrator) reconcile(completed Stage, train, test []dataset.Annotation) ([]dataset.Annotation, []dataset.Annotation, error) {
	if completed >= Reconciled {
		o.skip(Reconciled)
		trainPath, testPath := o.Artifacts.TrainReconciled(), o.Artifacts.TestReconciled()
		if completed >= Done {
			trainPath, testPath = o.Artifacts.Train(), o.Artifacts.Test()
		}
		trainFinal, err := dataset.ReadAnnotations(trainPath)
		if err != nil {
			return nil, nil, err
		}
		testFinal, err := dataset.ReadAnnotations(testPath)
		if err != nil {
			return nil, nil, err
		}
		return trainFinal, testFinal, nil
	}

	trainFinal := EvaluableOnly(train, test)
	if len(trainFinal) == 0 {
		return nil, nil, fmt.Errorf("%w: no train class is present in test", ErrEmptyStage)
	}
	slog.Info("restricted train classes to test classes",
		"train_before", len(train),
		"train_after", len(trainFinal),
		"classes", len(dataset.Labels(trainFinal)),
	)

	if err := dataset.WriteAnnotations(o.Artifacts.TrainReconciled(), trainFinal); err != nil {
		return nil, nil, err
	}
	if err := dataset.WriteAnnotations(o.Artifacts.TestReconciled(), test); err != nil {
		return nil, nil, err
	}
	return trainFinal, test, o.mark(Reconciled)
}

// EvaluableOnly keeps the train rows whose label also occurs in test.
func EvaluableOnly(train, test []dataset.Annotation) []dataset.Annotation {
	present := dataset.Labels(test)
	var kept []dataset.Annotation
	for _, a := range train {
		if _, ok := present[a.Label]; ok {
			kept = append(kept, a)
		}
	}
	return kept
}

// publish moves the reconciled tables to their final names. Until it runs
// train.csv and test.csv do not exist.
func (o *Orchestrator) publish(completed Stage) error {
	if completed >= Done {
		return nil
	}
	if err := renameFile(o.Artifacts.TrainReconciled(), o.Artifacts.Train()); err != nil {
		return err
	}
	if err := renameFile(o.Artifacts.TestReconciled(), o.Artifacts.Test()); err != nil {
		return err
	}
	return o.mark(Done)
}

// LoadLabels returns the label dictionary persisted in processedDir by a
// previous run.
func LoadLabels(processedDir string) (dataset.LabelDictionary, error) {
	snapshot, ok := cache.NewFileCache[dataset.Snapshot](processedDir).Get(labelsKey)
	if !ok {
		return dataset.LabelDictionary{}, fmt.Errorf("no label dictionary in %s, generate the dataset first", processedDir)
	}
	return snapshot.Labels(), nil
}
