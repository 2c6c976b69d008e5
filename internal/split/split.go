package split

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/gammazero/workerpool"
	"github.com/schollz/progressbar/v3"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
)

var ErrNoPlots = errors.New("no plots to split")

// Split is a plot disjoint partition of tree points.
type Split struct {
	Train []dataset.TreePoint
	Test  []dataset.TreePoint
}

// Classes is the number of distinct taxa kept in the train set.
func (s Split) Classes() int {
	return len(dataset.Taxa(s.Train))
}

// Options controls TrainTestSplit.
type Options struct {
	TestFraction float64
	MinSamples   int
	Iterations   int
	Seed         uint64
	Workers      int
	// Progress, when set, is advanced once per finished trial.
	Progress *progressbar.ProgressBar
}

// SamplePlots assigns a random subset of plots to test and the rest to
// train, then keeps only taxa with more than minSamples points on both sides.
func SamplePlots(points []dataset.TreePoint, testFraction float64, minSamples int, rng *rand.Rand) (Split, error) {
	plots := distinctPlots(points)
	if len(plots) == 0 {
		return Split{}, ErrNoPlots
	}

	n := int(math.Round(testFraction * float64(len(plots))))
	testPlots := make(map[string]struct{}, n)
	if n == 0 {
		// not enough plots to sample, grab the first for testing
		testPlots[plots[0]] = struct{}{}
	} else {
		for _, i := range rng.Perm(len(plots))[:n] {
			testPlots[plots[i]] = struct{}{}
		}
	}

	var train, test []dataset.TreePoint
	for _, p := range points {
		if _, ok := testPlots[p.PlotID]; ok {
			test = append(test, p)
		} else {
			train = append(train, p)
		}
	}

	testCounts := dataset.Taxa(test)
	trainCounts := dataset.Taxa(train)
	keep := make(map[string]struct{})
	for taxon, count := range testCounts {
		if count > minSamples && trainCounts[taxon] > minSamples {
			keep[taxon] = struct{}{}
		}
	}

	return Split{Train: keepTaxa(train, keep), Test: keepTaxa(test, keep)}, nil
}

type trial struct {
	index int
	split Split
	err   error
}

// TrainTestSplit runs opts.Iterations independent SamplePlots trials on a
// worker pool and keeps the split whose train set has the most taxa. Trial i
// is seeded from opts.Seed and i, and ties go to the lowest trial index, so
// the result does not depend on completion order.
func TrainTestSplit(points []dataset.TreePoint, opts Options) (Split, error) {
	if opts.Iterations < 1 {
		opts.Iterations = 1
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	results := make(chan trial, opts.Iterations)

	wp := workerpool.New(workers)
	for i := 0; i < opts.Iterations; i++ {
		index := i
		wp.Submit(func() {
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(index)))
			s, err := SamplePlots(points, opts.TestFraction, opts.MinSamples, rng)
			results <- trial{index: index, split: s, err: err}
		})
	}

	go func() {
		wp.StopWait()
		close(results)
	}()

	var (
		best     trial
		found    bool
		firstErr error
	)
	for t := range results {
		if opts.Progress != nil {
			opts.Progress.Add(1)
		}
		if t.err != nil {
			if firstErr == nil {
				firstErr = t.err
			}
			continue
		}
		if !found || better(t, best) {
			best = t
			found = true
		}
	}
	if opts.Progress != nil {
		opts.Progress.Finish()
	}

	if firstErr != nil {
		return Split{}, fmt.Errorf("error during plot sampling: %w", firstErr)
	}

	slog.Info("selected plot split",
		"trial", best.index,
		"train_rows", len(best.split.Train),
		"train_classes", best.split.Classes(),
		"train_sites", len(dataset.Sites(best.split.Train)),
		"test_rows", len(best.split.Test),
		"test_classes", len(dataset.Taxa(best.split.Test)),
		"test_sites", len(dataset.Sites(best.split.Test)),
	)
	return best.split, nil
}

func better(candidate, current trial) bool {
	if c, b := candidate.split.Classes(), current.split.Classes(); c != b {
		return c > b
	}
	return candidate.index < current.index
}

// FilterRareTaxa drops taxa with minSamples points or fewer.
func FilterRareTaxa(points []dataset.TreePoint, minSamples int) []dataset.TreePoint {
	keep := make(map[string]struct{})
	for taxon, count := range dataset.Taxa(points) {
		if count > minSamples {
			keep[taxon] = struct{}{}
		}
	}
	return keepTaxa(points, keep)
}

func distinctPlots(points []dataset.TreePoint) []string {
	seen := make(map[string]struct{})
	var plots []string
	for _, p := range points {
		if _, ok := seen[p.PlotID]; ok {
			continue
		}
		seen[p.PlotID] = struct{}{}
		plots = append(plots, p.PlotID)
	}
	return plots
}

func keepTaxa(points []dataset.TreePoint, keep map[string]struct{}) []dataset.TreePoint {
	var result []dataset.TreePoint
	for _, p := range points {
		if _, ok := keep[p.TaxonID]; ok {
			result = append(result, p)
		}
	}
	return result
}
