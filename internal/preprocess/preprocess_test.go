package preprocess

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func randomImage(t *testing.T, shape ...int) Tensor {
	t.Helper()
	rng := rand.New(rand.NewPCG(42, 0))
	img := Zeros(shape...)
	for i := range img.Data {
		img.Data[i] = rng.Float64() * 4000
	}
	return img
}

func TestNewTensor(t *testing.T) {
	t.Parallel()

	_, err := NewTensor(make([]float64, 6), 2, 3)
	require.NoError(t, err)
	_, err = NewTensor(make([]float64, 5), 2, 3)
	require.Error(t, err)
	_, err = NewTensor(nil)
	require.Error(t, err)
}

func TestStandardizeMoments(t *testing.T) {
	t.Parallel()

	img := randomImage(t, 30, 8, 8)
	out, err := Standardize(img)
	require.NoError(t, err)

	mean, std := stat.PopMeanStdDev(out.Data, nil)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, std, 1e-9)

	// every pixel spectrum is standardized on its own
	column := make([]float64, 30)
	for c := range column {
		column[c] = out.At(c, 3, 5)
	}
	mean, std = stat.PopMeanStdDev(column, nil)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, std, 1e-9)
}

func TestStandardizeConstantPixel(t *testing.T) {
	t.Parallel()

	img := Zeros(3, 1, 1)
	for c := 0; c < 3; c++ {
		img.Set(c, 0, 0, 7)
	}
	out, err := Standardize(img)
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.False(t, math.IsNaN(v))
		assert.Zero(t, v)
	}
}

func TestChannelsFirst(t *testing.T) {
	t.Parallel()

	// (h=1, w=2, c=3)
	img, err := NewTensor([]float64{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	require.NoError(t, err)

	out, err := ChannelsFirst(img)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, out.Shape)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, out.Data)
}

func TestResizeNearest(t *testing.T) {
	t.Parallel()

	img, err := NewTensor([]float64{1, 2, 3, 4}, 1, 2, 2)
	require.NoError(t, err)

	up, err := Resize(img, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, up.Data)

	down, err := Resize(up, 2)
	require.NoError(t, err)
	assert.Equal(t, img.Data, down.Data)

	_, err = Resize(img, 0)
	require.Error(t, err)
}

func TestPreprocessIsPure(t *testing.T) {
	t.Parallel()

	img := randomImage(t, 5, 7, 30)
	before := img.Clone()

	a, err := Preprocess(img, false, 10)
	require.NoError(t, err)
	b, err := Preprocess(img, false, 10)
	require.NoError(t, err)

	assert.Equal(t, before, img)
	assert.Equal(t, a, b)
	assert.Equal(t, []int{30, 10, 10}, a.Shape)
}

func TestPreprocessChannelsFirstInput(t *testing.T) {
	t.Parallel()

	img := randomImage(t, 30, 10, 10)
	out, err := Preprocess(img, true, 10)
	require.NoError(t, err)

	mean, std := stat.PopMeanStdDev(out.Data, nil)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, std, 1e-9)

	_, err = Preprocess(Zeros(3, 3), true, 10)
	require.Error(t, err)
}
