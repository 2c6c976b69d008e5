package preprocess

import "fmt"

// Tensor is a dense row-major array. Images are stored channels first as
// (channels, height, width).
type Tensor struct {
	Shape []int
	Data  []float64
}

func NewTensor(data []float64, shape ...int) (Tensor, error) {
	if len(shape) == 0 {
		return Tensor{}, fmt.Errorf("tensor needs at least one dimension")
	}
	size := 1
	for _, d := range shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("negative dimension in shape %v", shape)
		}
		size *= d
	}
	if size != len(data) {
		return Tensor{}, fmt.Errorf("shape %v needs %d values, got %d", shape, size, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func Zeros(shape ...int) Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, size)}
}

func (t Tensor) Len() int {
	return len(t.Data)
}

func (t Tensor) Clone() Tensor {
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// At returns the value of a (c, y, x) image tensor.
func (t Tensor) At(c, y, x int) float64 {
	return t.Data[(c*t.Shape[1]+y)*t.Shape[2]+x]
}

func (t Tensor) Set(c, y, x int, v float64) {
	t.Data[(c*t.Shape[1]+y)*t.Shape[2]+x] = v
}

func (t Tensor) isImage() error {
	if len(t.Shape) != 3 {
		return fmt.Errorf("expected a 3 dimensional image, got shape %v", t.Shape)
	}
	return nil
}
