// Package model evaluates and applies a species classifier to crop chips.
package model

import (
	"context"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

// Classifier scores a batch of preprocessed (bands, size, size) images. The
// reply holds one score per class for every image.
type Classifier interface {
	Predict(ctx context.Context, images []preprocess.Tensor) ([][]float64, error)
}

func predict(ctx context.Context, c Classifier, images []preprocess.Tensor) ([][]float64, error) {
	scores, err := c.Predict(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("error calling classifier: %w", err)
	}
	if len(scores) != len(images) {
		return nil, fmt.Errorf("classifier returned %d score rows for %d images", len(scores), len(images))
	}
	for i, row := range scores {
		if len(row) == 0 {
			return nil, fmt.Errorf("classifier returned no scores for image %d", i)
		}
	}
	return scores, nil
}

// Softmax converts raw scores into class probabilities.
func Softmax(scores []float64) []float64 {
	out := slices.Clone(scores)
	if len(out) == 0 {
		return out
	}
	floats.AddConst(-floats.Max(out), out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// TopK returns the indices of the k highest scores, best first. Ties keep
// the lower index first.
func TopK(scores []float64, k int) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})
	return order[:min(k, len(order))]
}
