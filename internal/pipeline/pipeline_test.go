package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ritesh313/DeepTreeAttention/internal/cache"
	"github.com/Ritesh313/DeepTreeAttention/internal/config"
	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
)

const header = "individualID,eventID,plotID,siteID,taxonID,growthForm,plantStatus,canopyPosition,height,stemDiameter,elevation,itcEasting,itcNorthing,utmZone\n"

// writeFieldData writes 4 plots with two common taxa each, a rare taxon, a
// repeat visit and a few records the filter must drop.
func writeFieldData(t *testing.T, path string) {
	t.Helper()
	var b strings.Builder
	b.WriteString(header)
	n := 0
	row := func(event, plot, taxon, growthForm, height string) {
		fmt.Fprintf(&b, "NEON.PLA.D03.OSBS.%05d,%s,%s,OSBS,%s,%s,Live,Full sun,%s,20,30,%d,3280000,17N\n",
			n, event, plot, taxon, growthForm, height, 400000+10*n)
		n++
	}
	for p := 0; p < 4; p++ {
		plot := fmt.Sprintf("OSBS_%03d", p)
		for i := 0; i < 12; i++ {
			row("vst_OSBS_2019", plot, "PIPA2", "single bole tree", "12")
			row("vst_OSBS_2019", plot, "QULA2", "single bole tree", "")
		}
	}
	for i := 0; i < 3; i++ {
		row("vst_OSBS_2019", "OSBS_000", "ACRU", "single bole tree", "9")
	}
	row("vst_OSBS_2019", "OSBS_001", "PIPA2", "liana", "9")
	row("vst_OSBS_2014", "OSBS_001", "PIPA2", "single bole tree", "9")
	// second visit of individual 0
	fmt.Fprintf(&b, "NEON.PLA.D03.OSBS.00000,vst_OSBS_2018,OSBS_000,OSBS,PIPA2,single bole tree,Live,Full sun,8,18,30,400000,3280000,17N\n")

	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
}

type identity struct{}

func (identity) Reproject(x, y float64, _, _ int) (float64, float64, error) { return x, y, nil }

type fakeCrowns struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCrowns) Crowns(_ context.Context, points []dataset.TreePoint) ([]dataset.Crown, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	crowns := make([]dataset.Crown, 0, len(points))
	for _, p := range points {
		crowns = append(crowns, dataset.Crown{TreePoint: p, Polygon: p.Location.Bound().Pad(2).ToPolygon()})
	}
	return crowns, nil
}

// fakeCrops writes two empty chips per crown.
type fakeCrops struct {
	dir   string
	calls atomic.Int32
}

func (f *fakeCrops) Generate(_ context.Context, crowns []dataset.Crown, labels dataset.LabelDictionary) ([]dataset.Annotation, error) {
	f.calls.Add(1)
	var annotations []dataset.Annotation
	for _, c := range crowns {
		for n := 0; n < 2; n++ {
			path := filepath.Join(f.dir, dataset.CropName(c.IndividualID, n))
			if err := os.WriteFile(path, nil, 0644); err != nil {
				return nil, err
			}
			a, err := labels.Annotate(c.TreePoint, path)
			if err != nil {
				return nil, err
			}
			annotations = append(annotations, a)
		}
	}
	return annotations, nil
}

type fixture struct {
	cfg       config.Config
	fieldData string
	processed string
	crops     *fakeCrops
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.TestFraction = 0.25
	cfg.Iterations = 4
	cfg.Workers = 2
	cfg.CropDir = filepath.Join(root, "crops")
	require.NoError(t, os.MkdirAll(cfg.CropDir, 0755))

	fieldData := filepath.Join(root, "field.csv")
	writeFieldData(t, fieldData)
	return fixture{
		cfg:       cfg,
		fieldData: fieldData,
		processed: filepath.Join(root, "processed"),
		crops:     &fakeCrops{dir: cfg.CropDir},
	}
}

func (f fixture) orchestrator(t *testing.T, crowns CrownResolver, crops CropGenerator) *Orchestrator {
	t.Helper()
	o, err := New(f.cfg, f.fieldData, f.processed, identity{}, crowns, crops)
	require.NoError(t, err)
	return o
}

func TestSetupRegenerate(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &fakeCrowns{}, f.crops)

	corpus, err := o.Setup(context.Background(), Regenerate)
	require.NoError(t, err)
	assert.Equal(t, Done, o.Completed())

	assert.Equal(t, []string{"PIPA2", "QULA2"}, corpus.Labels.Species.Names())
	assert.Equal(t, []string{"OSBS"}, corpus.Labels.Sites.Names())
	assert.NotEmpty(t, corpus.Train)
	assert.NotEmpty(t, corpus.Test)

	testLabels := dataset.Labels(corpus.Test)
	for label := range dataset.Labels(corpus.Train) {
		assert.Contains(t, testLabels, label)
	}

	train, err := dataset.ReadPoints(o.Artifacts.TrainPoints())
	require.NoError(t, err)
	test, err := dataset.ReadPoints(o.Artifacts.TestPoints())
	require.NoError(t, err)
	// 96 usable individuals, one plot of 24 in test
	assert.Len(t, train, 72)
	assert.Len(t, test, 24)
	for _, p := range append(train, test...) {
		if p.IndividualID == "NEON.PLA.D03.OSBS.00000" {
			assert.Equal(t, 12.0, p.Height.Value)
		}
	}

	published, err := dataset.ReadAnnotations(o.Artifacts.Train())
	require.NoError(t, err)
	assert.Equal(t, corpus.Train, published)
	assert.NoFileExists(t, o.Artifacts.TrainReconciled())
	assert.NoFileExists(t, o.Artifacts.TestReconciled())
	assert.FileExists(t, o.Artifacts.Metrics())
}

func TestSetupResumeSkipsCompletedStages(t *testing.T) {
	f := newFixture(t)
	first, err := f.orchestrator(t, &fakeCrowns{}, f.crops).Setup(context.Background(), Regenerate)
	require.NoError(t, err)

	crowns := &fakeCrowns{err: errors.New("must not be called")}
	crops := &fakeCrops{dir: f.cfg.CropDir}
	second, err := f.orchestrator(t, crowns, crops).Setup(context.Background(), Resume)
	require.NoError(t, err)

	assert.Zero(t, crowns.calls.Load())
	assert.Zero(t, crops.calls.Load())
	assert.Equal(t, first.Train, second.Train)
	assert.Equal(t, first.Test, second.Test)
	assert.True(t, first.Labels.Equal(second.Labels))
}

func TestSetupResumeAfterFailure(t *testing.T) {
	f := newFixture(t)
	down := errors.New("crown service unavailable")

	o := f.orchestrator(t, &fakeCrowns{err: down}, f.crops)
	_, err := o.Setup(context.Background(), Regenerate)
	require.ErrorIs(t, err, down)
	assert.Equal(t, Labeled, o.Completed())
	assert.NoFileExists(t, o.Artifacts.Train())
	assert.NoFileExists(t, o.Artifacts.TrainCrowns())

	before, err := dataset.ReadPoints(o.Artifacts.TrainPoints())
	require.NoError(t, err)

	crowns := &fakeCrowns{}
	o = f.orchestrator(t, crowns, f.crops)
	corpus, err := o.Setup(context.Background(), Resume)
	require.NoError(t, err)
	assert.Equal(t, int32(2), crowns.calls.Load())
	assert.Equal(t, Done, o.Completed())

	after, err := dataset.ReadPoints(o.Artifacts.TrainPoints())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NotEmpty(t, corpus.Train)
}

func TestSetupResumePublishesReconciledTables(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &fakeCrowns{}, f.crops)
	first, err := o.Setup(context.Background(), Regenerate)
	require.NoError(t, err)

	// simulate a crash between the consistency stage and publishing
	require.NoError(t, os.Rename(o.Artifacts.Train(), o.Artifacts.TrainReconciled()))
	require.NoError(t, os.Rename(o.Artifacts.Test(), o.Artifacts.TestReconciled()))
	require.NoError(t, o.mark(Reconciled))

	second, err := f.orchestrator(t, &fakeCrowns{}, f.crops).Setup(context.Background(), Resume)
	require.NoError(t, err)
	assert.Equal(t, first.Train, second.Train)
	assert.FileExists(t, o.Artifacts.Train())
	assert.FileExists(t, o.Artifacts.Test())
	assert.Equal(t, Done, o.Completed())
}

func TestSetupRegenerateDeletesArtifacts(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &fakeCrowns{}, f.crops)
	_, err := o.Setup(context.Background(), Regenerate)
	require.NoError(t, err)

	stale := filepath.Join(f.cfg.CropDir, "NEON.PLA.D03.OSBS.99999_0.tif")
	require.NoError(t, os.WriteFile(stale, nil, 0644))

	crowns := &fakeCrowns{}
	o = f.orchestrator(t, crowns, f.crops)
	_, err = o.Setup(context.Background(), Regenerate)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, int32(2), crowns.calls.Load())
}

type countingCache[T any] struct {
	cache.CacheService[T]
	deleted []string
}

func (c *countingCache[T]) Delete(key string) error {
	c.deleted = append(c.deleted, key)
	return c.CacheService.Delete(key)
}

func TestSetupRegenerateClearsCaches(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(t, &fakeCrowns{}, f.crops).Setup(context.Background(), Regenerate)
	require.NoError(t, err)

	o := f.orchestrator(t, &fakeCrowns{}, f.crops)
	checkpoints := &countingCache[Checkpoint]{CacheService: o.checkpoints}
	snapshots := &countingCache[dataset.Snapshot]{CacheService: o.snapshots}
	o.checkpoints, o.snapshots = checkpoints, snapshots

	o.reset()
	assert.Equal(t, []string{checkpointKey}, checkpoints.deleted)
	assert.Equal(t, []string{labelsKey}, snapshots.deleted)
	assert.NoFileExists(t, o.Artifacts.Checkpoint())
	assert.NoFileExists(t, o.Artifacts.Labels())
	assert.NoFileExists(t, o.Artifacts.Train())
	assert.Equal(t, None, o.Completed())
}

func TestSetupResumeDetectsChangedLabels(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &fakeCrowns{}, f.crops)
	_, err := o.Setup(context.Background(), Regenerate)
	require.NoError(t, err)

	snapshots := cache.NewFileCache[dataset.Snapshot](f.processed)
	require.NoError(t, snapshots.Set(labelsKey, dataset.Snapshot{Species: []string{"ACRU", "PIPA2", "QULA2"}, Sites: []string{"OSBS"}}))

	_, err = f.orchestrator(t, &fakeCrowns{}, f.crops).Setup(context.Background(), Resume)
	assert.ErrorIs(t, err, ErrLabelsChanged)
}

func TestSetupEmptyFieldData(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.fieldData, []byte(header+
		"NEON.PLA.D03.OSBS.00001,vst_OSBS_2019,OSBS_000,OSBS,PIPA2,liana,Live,Full sun,9,20,30,400000,3280000,17N\n"), 0644))

	o := f.orchestrator(t, &fakeCrowns{}, f.crops)
	_, err := o.Setup(context.Background(), Regenerate)
	assert.ErrorIs(t, err, ErrEmptyStage)
	assert.Equal(t, None, o.Completed())
	assert.NoFileExists(t, o.Artifacts.TrainPoints())
}

func TestSetupMissingFieldData(t *testing.T) {
	f := newFixture(t)
	f.fieldData = filepath.Join(t.TempDir(), "missing.csv")
	_, err := f.orchestrator(t, &fakeCrowns{}, f.crops).Setup(context.Background(), Regenerate)
	assert.Error(t, err)
}

func TestEvaluableOnly(t *testing.T) {
	train := []dataset.Annotation{
		{ImagePath: "a_0.tif", Label: 0},
		{ImagePath: "b_0.tif", Label: 1},
		{ImagePath: "c_0.tif", Label: 2},
	}
	test := []dataset.Annotation{{ImagePath: "d_0.tif", Label: 0}, {ImagePath: "e_0.tif", Label: 2}}
	assert.Equal(t, []dataset.Annotation{train[0], train[2]}, EvaluableOnly(train, test))
	assert.Empty(t, EvaluableOnly(train, nil))
}

func TestStageText(t *testing.T) {
	for s := None; s <= Done; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got Stage
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	var s Stage
	assert.Error(t, s.UnmarshalText([]byte("published")))
	_, err := Stage(42).MarshalText()
	assert.Error(t, err)
}

func TestCheckpointMarkerFormat(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, &fakeCrowns{}, f.crops)
	require.NoError(t, o.mark(Crowned))

	data, err := os.ReadFile(o.Artifacts.Checkpoint())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage": "crowned"`)
	assert.Equal(t, Crowned, o.Completed())
}

func TestLoadLabels(t *testing.T) {
	f := newFixture(t)
	_, err := LoadLabels(f.processed)
	assert.Error(t, err)

	corpus, err := f.orchestrator(t, &fakeCrowns{}, f.crops).Setup(context.Background(), Regenerate)
	require.NoError(t, err)
	labels, err := LoadLabels(f.processed)
	require.NoError(t, err)
	assert.True(t, corpus.Labels.Equal(labels))
}
