package preprocess

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelsFirst moves the channel axis of a (height, width, channels) image
// to the front.
func ChannelsFirst(img Tensor) (Tensor, error) {
	if err := img.isImage(); err != nil {
		return Tensor{}, err
	}
	h, w, c := img.Shape[0], img.Shape[1], img.Shape[2]
	out := Zeros(c, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				out.Set(ch, y, x, img.Data[(y*w+x)*c+ch])
			}
		}
	}
	return out, nil
}

// Standardize views an image as a (channels, pixels) matrix and scales every
// pixel column to zero mean and unit variance over its channels. Constant
// columns are only centered.
func Standardize(img Tensor) (Tensor, error) {
	if err := img.isImage(); err != nil {
		return Tensor{}, err
	}
	channels := img.Shape[0]
	pixels := img.Shape[1] * img.Shape[2]
	out := img.Clone()

	column := make([]float64, channels)
	for p := 0; p < pixels; p++ {
		for c := 0; c < channels; c++ {
			column[c] = img.Data[c*pixels+p]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		floats.AddConst(-mean, column)
		if std > 0 {
			floats.Scale(1/std, column)
		}
		for c := 0; c < channels; c++ {
			out.Data[c*pixels+p] = column[c]
		}
	}
	return out, nil
}

// Resize scales the spatial dimensions of a channels first image to
// (size, size) with nearest neighbour sampling.
func Resize(img Tensor, size int) (Tensor, error) {
	if err := img.isImage(); err != nil {
		return Tensor{}, err
	}
	if size < 1 {
		return Tensor{}, fmt.Errorf("invalid resize target %d", size)
	}
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	if h == 0 || w == 0 {
		return Tensor{}, fmt.Errorf("cannot resize empty image of shape %v", img.Shape)
	}

	out := Zeros(c, size, size)
	for y := 0; y < size; y++ {
		sy := nearest(y, h, size)
		for x := 0; x < size; x++ {
			sx := nearest(x, w, size)
			for ch := 0; ch < c; ch++ {
				out.Set(ch, y, x, img.At(ch, sy, sx))
			}
		}
	}
	return out, nil
}

func nearest(dst, in, out int) int {
	src := dst * in / out
	if src >= in {
		src = in - 1
	}
	return src
}

// Preprocess standardizes an image and resizes it to (size, size). Images
// that are not channels first are transposed before scaling. The input is
// never modified.
func Preprocess(img Tensor, channelIsFirst bool, size int) (Tensor, error) {
	var err error
	if !channelIsFirst {
		img, err = ChannelsFirst(img)
		if err != nil {
			return Tensor{}, err
		}
	}
	scaled, err := Standardize(img)
	if err != nil {
		return Tensor{}, err
	}
	return Resize(scaled, size)
}
