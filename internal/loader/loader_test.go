package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource returns a 3 band 4x4 chip filled from the path length.
type fakeSource struct{}

func (fakeSource) Load(path string) (preprocess.Tensor, error) {
	if strings.Contains(path, "broken") {
		return preprocess.Tensor{}, errors.New("corrupt tiff")
	}
	img := preprocess.Zeros(3, 4, 4)
	for i := range img.Data {
		img.Data[i] = float64(i%7 + len(path))
	}
	return img, nil
}

func annotations(n int) []dataset.Annotation {
	var out []dataset.Annotation
	for i := 0; i < n; i++ {
		out = append(out, dataset.Annotation{
			ImagePath: fmt.Sprintf("/crops/NEON.PLA.%03d_%d.tif", i/2, i%2),
			Label:     i % 3,
			Site:      i % 2,
		})
	}
	return out
}

func TestReaderGet(t *testing.T) {
	r := NewReader(annotations(4), fakeSource{}, 2, true)
	require.Equal(t, 4, r.Len())

	s, err := r.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "NEON.PLA.001", s.Individual)
	assert.True(t, s.Labeled)
	assert.Equal(t, 0, s.Label)
	assert.Equal(t, []int{3, 2, 2}, s.Inputs[ModalityHSI].Shape)
	assert.Equal(t, []float64{1}, s.Inputs[ModalitySite].Data)
}

func TestReaderInferenceRows(t *testing.T) {
	r := NewReader(annotations(2), fakeSource{}, 4, false)
	s, err := r.Get(1)
	require.NoError(t, err)
	assert.False(t, s.Labeled)
	assert.Zero(t, s.Label)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.csv")
	require.NoError(t, dataset.WriteAnnotations(path, annotations(3)))

	r, err := Open(path, fakeSource{}, 4, true)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	_, err = Open(filepath.Join(t.TempDir(), "missing.csv"), fakeSource{}, 4, true)
	assert.Error(t, err)
}

func TestLoaderBatches(t *testing.T) {
	l := &Loader{Reader: NewReader(annotations(10), fakeSource{}, 4, true), BatchSize: 4, Workers: 3}

	var sizes []int
	var labels []int
	require.NoError(t, l.Each(context.Background(), func(b Batch) error {
		sizes = append(sizes, len(b.Samples))
		labels = append(labels, b.Labels()...)
		assert.Len(t, b.Modality(ModalityHSI), len(b.Samples))
		return nil
	}))
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}, labels)
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	individuals := func(seed uint64) []string {
		l := &Loader{Reader: NewReader(annotations(20), fakeSource{}, 4, true), BatchSize: 8, Workers: 4, Shuffle: true, Seed: seed}
		var out []string
		require.NoError(t, l.Each(context.Background(), func(b Batch) error {
			for _, s := range b.Samples {
				out = append(out, s.Individual)
			}
			return nil
		}))
		return out
	}
	first := individuals(7)
	assert.Len(t, first, 20)
	assert.Equal(t, first, individuals(7))
	assert.ElementsMatch(t, first, individuals(8))
}

func TestLoaderStopsOnError(t *testing.T) {
	rows := annotations(6)
	rows[4].ImagePath = "/crops/broken_0.tif"
	l := &Loader{Reader: NewReader(rows, fakeSource{}, 4, true), BatchSize: 2, Workers: 2}

	batches := 0
	err := l.Each(context.Background(), func(Batch) error {
		batches++
		return nil
	})
	assert.ErrorContains(t, err, "corrupt tiff")
	assert.Equal(t, 2, batches)

	stop := errors.New("stop")
	err = l.Each(context.Background(), func(Batch) error { return stop })
	assert.ErrorIs(t, err, stop)
}
