// Package crown resolves field stem points to tree crown polygons using an
// external crown detection service.
package crown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/schollz/progressbar/v3"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
)

var ErrNoCrown = errors.New("no predicted tree")

// Detector predicts crown boxes on an RGB tile inside the given bounds.
type Detector interface {
	Detect(ctx context.Context, tile string, bounds orb.Bound) ([]orb.Bound, error)
}

// TileFinder resolves the sensor tile covering a bounds.
type TileFinder interface {
	Find(bounds orb.Bound) (string, error)
}

type Options struct {
	// Expand pads the point before asking the detector for boxes.
	Expand float64
	// Tolerance is the maximum distance between a box centroid and the stem.
	Tolerance    float64
	FixedBox     bool
	FixedBoxSize float64
	Workers      int
	Progress     *progressbar.ProgressBar
}

// Select returns the box whose centroid is nearest to the point, provided it
// lies within opts.Tolerance. Otherwise it returns a fixed box around the
// point when opts.FixedBox is set, or ErrNoCrown.
func Select(boxes []orb.Bound, point orb.Point, opts Options) (orb.Polygon, bool, error) {
	best := -1
	bestDistance := math.Inf(1)
	for i, b := range boxes {
		d := planar.Distance(b.Center(), point)
		if d < opts.Tolerance && d < bestDistance {
			best, bestDistance = i, d
		}
	}
	if best >= 0 {
		return boxes[best].ToPolygon(), false, nil
	}
	if opts.FixedBox {
		return FixedBox(point, opts.FixedBoxSize), true, nil
	}
	return nil, false, fmt.Errorf("%w within %g units of the point (%.2f, %.2f)", ErrNoCrown, opts.Tolerance, point.X(), point.Y())
}

// FixedBox is the square extending size units from the point on every side.
func FixedBox(point orb.Point, size float64) orb.Polygon {
	return orb.Bound{
		Min: orb.Point{point.X() - size, point.Y() - size},
		Max: orb.Point{point.X() + size, point.Y() + size},
	}.ToPolygon()
}

type Resolver struct {
	Detector Detector
	Tiles    TileFinder
	Options  Options
}

// Locate finds the crown polygon at a map location.
func (r *Resolver) Locate(ctx context.Context, location orb.Point) (orb.Polygon, bool, error) {
	bounds := location.Bound()
	tile, err := r.Tiles.Find(bounds)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find RGB tile for (%.2f, %.2f): %w", location.X(), location.Y(), err)
	}
	boxes, err := r.Detector.Detect(ctx, tile, bounds.Pad(r.Options.Expand))
	if err != nil {
		return nil, false, fmt.Errorf("failed to detect crowns in %s: %w", tile, err)
	}
	return Select(boxes, location, r.Options)
}

func (r *Resolver) Resolve(ctx context.Context, p dataset.TreePoint) (dataset.Crown, error) {
	polygon, fixed, err := r.Locate(ctx, p.Location)
	if err != nil {
		return dataset.Crown{}, fmt.Errorf("individual %s: %w", p.IndividualID, err)
	}
	return dataset.Crown{TreePoint: p, Polygon: polygon, Fixed: fixed}, nil
}

// Crowns resolves every point concurrently. The output keeps the order of
// the points and the first failure aborts the whole batch.
func (r *Resolver) Crowns(ctx context.Context, points []dataset.TreePoint) ([]dataset.Crown, error) {
	workers := r.Options.Workers
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	crowns := make([]dataset.Crown, len(points))

	var (
		mu       sync.Mutex
		firstErr error
		stop     sync.Once
	)

	wp := workerpool.New(workers)
	for i := range points {
		index := i
		wp.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			c, err := r.Resolve(ctx, points[index])
			if err != nil {
				stop.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			crowns[index] = c

			if r.Options.Progress != nil {
				mu.Lock()
				r.Options.Progress.Add(1)
				mu.Unlock()
			}
		})
	}
	wp.StopWait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return crowns, nil
}
