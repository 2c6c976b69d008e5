// Package crops cuts hyperspectral chips out of sensor tiles for every crown
// and annotates them with their class and site index.
package crops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

type TileFinder interface {
	Find(bounds orb.Bound) (string, error)
}

// Extractor reads the (bands, height, width) pixels of a tile inside bounds.
type Extractor interface {
	Crop(path string, bounds orb.Bound) (preprocess.Tensor, error)
}

type Writer interface {
	Write(path string, chip preprocess.Tensor) error
}

type Generator struct {
	Tiles     TileFinder
	Extractor Extractor
	Writer    Writer
	// Dir receives the chips, named <individualID>_<n>.tif.
	Dir      string
	Size     int
	Workers  int
	Progress *progressbar.ProgressBar
}

// Generate crops every crown and returns the annotations in crown order. A
// crown without sensor coverage fails the whole run.
func (g *Generator) Generate(ctx context.Context, crowns []dataset.Crown, labels dataset.LabelDictionary) ([]dataset.Annotation, error) {
	if g.Size < 1 {
		return nil, fmt.Errorf("invalid chip size %d", g.Size)
	}
	if err := os.MkdirAll(g.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create crop directory %s: %w", g.Dir, err)
	}

	results := make([][]dataset.Annotation, len(crowns))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(g.Workers, 1))
	for i := range crowns {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			annotations, err := g.crown(crowns[i], labels)
			if err != nil {
				return err
			}
			results[i] = annotations
			if g.Progress != nil {
				g.Progress.Add(1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var annotations []dataset.Annotation
	for _, r := range results {
		annotations = append(annotations, r...)
	}
	return annotations, nil
}

func (g *Generator) crown(c dataset.Crown, labels dataset.LabelDictionary) ([]dataset.Annotation, error) {
	bounds := c.Bound()
	tile, err := g.Tiles.Find(bounds)
	if err != nil {
		return nil, fmt.Errorf("individual %s: %w", c.IndividualID, err)
	}
	img, err := g.Extractor.Crop(tile, bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to crop %s from %s: %w", c.IndividualID, tile, err)
	}

	chips, err := Tile(img, g.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to tile crop of %s: %w", c.IndividualID, err)
	}
	annotations := make([]dataset.Annotation, 0, len(chips))
	for n, chip := range chips {
		path := filepath.Join(g.Dir, dataset.CropName(c.IndividualID, n))
		if err := g.Writer.Write(path, chip); err != nil {
			return nil, err
		}
		a, err := labels.Annotate(c.TreePoint, path)
		if err != nil {
			return nil, err
		}
		annotations = append(annotations, a)
	}
	return annotations, nil
}

// Tile splits a (bands, height, width) crop into size x size chips in row
// major order. Edge chips are shifted back inside the crop so every chip is
// full size; an axis shorter than size yields chips spanning the whole axis.
func Tile(img preprocess.Tensor, size int) ([]preprocess.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("expected a (bands, height, width) crop, got shape %v", img.Shape)
	}
	if img.Shape[1] == 0 || img.Shape[2] == 0 {
		return nil, fmt.Errorf("empty crop of shape %v", img.Shape)
	}
	var chips []preprocess.Tensor
	for _, y := range offsets(img.Shape[1], size) {
		for _, x := range offsets(img.Shape[2], size) {
			chips = append(chips, window(img, y, x, min(size, img.Shape[1]), min(size, img.Shape[2])))
		}
	}
	return chips, nil
}

func offsets(length, size int) []int {
	if length <= size {
		return []int{0}
	}
	var out []int
	for start := 0; start+size < length; start += size {
		out = append(out, start)
	}
	return append(out, length-size)
}

func window(img preprocess.Tensor, y0, x0, height, width int) preprocess.Tensor {
	bands := img.Shape[0]
	out := preprocess.Zeros(bands, height, width)
	for c := 0; c < bands; c++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out.Set(c, y, x, img.At(c, y0+y, x0+x))
			}
		}
	}
	return out
}
