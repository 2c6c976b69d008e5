package crops

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ramp(bands, height, width int) preprocess.Tensor {
	img := preprocess.Zeros(bands, height, width)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}
	return img
}

func TestTile(t *testing.T) {
	img := ramp(2, 5, 4)
	chips, err := Tile(img, 2)
	require.NoError(t, err)
	// rows start at 0, 2, 3 and columns at 0, 2
	require.Len(t, chips, 6)
	for _, c := range chips {
		assert.Equal(t, []int{2, 2, 2}, c.Shape)
	}
	assert.Equal(t, img.At(1, 3, 2), chips[5].At(1, 0, 0))
	assert.Equal(t, img.At(0, 4, 3), chips[5].At(0, 1, 1))
}

func TestTileSmallCrop(t *testing.T) {
	chips, err := Tile(ramp(3, 1, 2), 4)
	require.NoError(t, err)
	require.Len(t, chips, 1)
	assert.Equal(t, []int{3, 1, 2}, chips[0].Shape)

	_, err = Tile(preprocess.Zeros(3, 0, 2), 4)
	assert.Error(t, err)
	_, err = Tile(preprocess.Zeros(4, 4), 4)
	assert.Error(t, err)
}

type fakeTiles struct{ missing string }

func (f fakeTiles) Find(bounds orb.Bound) (string, error) {
	if f.missing != "" && bounds.Min.X() >= 1000 {
		return "", errors.New("no sensor tile covers bounds")
	}
	return "hsi.tif", nil
}

// fakeExtractor returns one pixel per map unit.
type fakeExtractor struct{}

func (fakeExtractor) Crop(_ string, bounds orb.Bound) (preprocess.Tensor, error) {
	return ramp(3, int(bounds.Top()-bounds.Bottom()), int(bounds.Right()-bounds.Left())), nil
}

type memWriter struct {
	mu    sync.Mutex
	chips map[string]preprocess.Tensor
}

func (w *memWriter) Write(path string, chip preprocess.Tensor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chips == nil {
		w.chips = make(map[string]preprocess.Tensor)
	}
	w.chips[path] = chip
	return nil
}

func crown(id, taxon, site string, x, size float64) dataset.Crown {
	return dataset.Crown{
		TreePoint: dataset.TreePoint{IndividualID: id, TaxonID: taxon, SiteID: site, Location: orb.Point{x, 0}},
		Polygon:   orb.Bound{Min: orb.Point{x, 0}, Max: orb.Point{x + size, size}}.ToPolygon(),
	}
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	writer := &memWriter{}
	g := &Generator{Tiles: fakeTiles{}, Extractor: fakeExtractor{}, Writer: writer, Dir: dir, Size: 2, Workers: 3}

	crowns := []dataset.Crown{
		crown("NEON.PLA.D03.OSBS.00001", "QULA2", "OSBS", 0, 4),
		crown("NEON.PLA.D01.HARV.00002", "ACRU", "HARV", 100, 2),
		crown("NEON.PLA.D03.OSBS.00003", "ACRU", "OSBS", 200, 1),
	}
	labels := dataset.BuildLabels(nil, []dataset.TreePoint{crowns[0].TreePoint, crowns[1].TreePoint})

	annotations, err := g.Generate(context.Background(), crowns, labels)
	require.NoError(t, err)
	require.Len(t, annotations, 4+1+1)
	assert.Len(t, writer.chips, 6)

	assert.Equal(t, filepath.Join(dir, "NEON.PLA.D03.OSBS.00001_0.tif"), annotations[0].ImagePath)
	assert.Equal(t, filepath.Join(dir, "NEON.PLA.D03.OSBS.00001_3.tif"), annotations[3].ImagePath)
	assert.Equal(t, "NEON.PLA.D01.HARV.00002", annotations[4].Individual())

	acru, _ := labels.Species.Index("ACRU")
	qula, _ := labels.Species.Index("QULA2")
	osbs, _ := labels.Sites.Index("OSBS")
	assert.Equal(t, dataset.Annotation{ImagePath: annotations[0].ImagePath, Label: qula, Site: osbs}, annotations[0])
	assert.Equal(t, acru, annotations[5].Label)
	assert.Equal(t, []int{3, 1, 1}, writer.chips[annotations[5].ImagePath].Shape)
}

func TestGenerateMissingCoverageIsFatal(t *testing.T) {
	g := &Generator{Tiles: fakeTiles{missing: "east"}, Extractor: fakeExtractor{}, Writer: &memWriter{}, Dir: t.TempDir(), Size: 2, Workers: 2}
	crowns := []dataset.Crown{crown("A", "ACRU", "OSBS", 0, 2), crown("B", "ACRU", "OSBS", 1000, 2)}
	labels := dataset.BuildLabels(nil, []dataset.TreePoint{crowns[0].TreePoint})

	_, err := g.Generate(context.Background(), crowns, labels)
	assert.Error(t, err)
}

func TestGenerateUnknownTaxon(t *testing.T) {
	g := &Generator{Tiles: fakeTiles{}, Extractor: fakeExtractor{}, Writer: &memWriter{}, Dir: t.TempDir(), Size: 2}
	crowns := []dataset.Crown{crown("A", "PIPA2", "OSBS", 0, 2)}
	labels := dataset.BuildLabels(nil, []dataset.TreePoint{{TaxonID: "ACRU", SiteID: "OSBS"}})

	_, err := g.Generate(context.Background(), crowns, labels)
	assert.ErrorContains(t, err, "PIPA2")
}
