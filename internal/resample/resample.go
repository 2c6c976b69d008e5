package resample

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
)

// Options are the class size bounds of the resampled table.
type Options struct {
	Min        int
	Max        int
	Oversample bool
}

// Resample rebalances an annotation table by class. Classes above opts.Max are
// undersampled by rotating over their sites, one individual per site per
// round, so abundant classes keep their geographic spread. With
// opts.Oversample, classes below opts.Min are drawn with replacement up to
// exactly opts.Min rows.
func Resample(annotations []dataset.Annotation, opts Options, rng *rand.Rand) []dataset.Annotation {
	byLabel := make(map[int][]dataset.Annotation)
	var labels []int
	for _, a := range annotations {
		if _, ok := byLabel[a.Label]; !ok {
			labels = append(labels, a.Label)
		}
		byLabel[a.Label] = append(byLabel[a.Label], a)
	}

	var result []dataset.Annotation
	for _, label := range labels {
		rows := byLabel[label]
		if opts.Max > 0 && len(rows) > opts.Max {
			rows = siteBalanced(rows, opts.Max, rng)
		}
		if opts.Oversample && len(rows) < opts.Min {
			rows = withReplacement(rows, opts.Min, rng)
		}
		slog.Debug("resampled class", "label", label, "before", len(byLabel[label]), "after", len(rows))
		result = append(result, rows...)
	}
	return result
}

type individualCrops struct {
	crops []dataset.Annotation
	next  int
}

type siteQueue struct {
	individuals []*individualCrops
	cursor      int
	remaining   int
}

// take returns the next unselected crop, moving to another individual of the
// site each call.
func (q *siteQueue) take() (dataset.Annotation, bool) {
	if q.remaining == 0 {
		return dataset.Annotation{}, false
	}
	for {
		ind := q.individuals[q.cursor]
		q.cursor = (q.cursor + 1) % len(q.individuals)
		if ind.next < len(ind.crops) {
			crop := ind.crops[ind.next]
			ind.next++
			q.remaining--
			return crop, true
		}
	}
}

func siteBalanced(rows []dataset.Annotation, max int, rng *rand.Rand) []dataset.Annotation {
	type siteBuild struct {
		order  []string
		byName map[string]*individualCrops
	}
	builds := make(map[int]*siteBuild)
	for _, a := range rows {
		b, ok := builds[a.Site]
		if !ok {
			b = &siteBuild{byName: make(map[string]*individualCrops)}
			builds[a.Site] = b
		}
		id := a.Individual()
		ind, ok := b.byName[id]
		if !ok {
			ind = &individualCrops{}
			b.byName[id] = ind
			b.order = append(b.order, id)
		}
		ind.crops = append(ind.crops, a)
	}

	sites := make([]int, 0, len(builds))
	for site := range builds {
		sites = append(sites, site)
	}
	sort.Ints(sites)

	queues := make([]*siteQueue, 0, len(sites))
	for _, site := range sites {
		b := builds[site]
		q := &siteQueue{}
		for _, id := range b.order {
			q.individuals = append(q.individuals, b.byName[id])
			q.remaining += len(b.byName[id].crops)
		}
		rng.Shuffle(len(q.individuals), func(i, j int) {
			q.individuals[i], q.individuals[j] = q.individuals[j], q.individuals[i]
		})
		queues = append(queues, q)
	}

	selected := make([]dataset.Annotation, 0, max)
	for len(selected) < max {
		progressed := false
		for _, q := range queues {
			crop, ok := q.take()
			if !ok {
				continue
			}
			progressed = true
			selected = append(selected, crop)
			if len(selected) == max {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return selected
}

func withReplacement(rows []dataset.Annotation, n int, rng *rand.Rand) []dataset.Annotation {
	if len(rows) == 0 {
		return rows
	}
	sampled := make([]dataset.Annotation, n)
	for i := range sampled {
		sampled[i] = rows[rng.IntN(len(rows))]
	}
	return sampled
}

// File resamples the annotation table at path and writes the result to
// outputPath.
func File(path, outputPath string, opts Options, seed uint64) ([]dataset.Annotation, error) {
	annotations, err := dataset.ReadAnnotations(path)
	if err != nil {
		return nil, err
	}
	if len(annotations) == 0 {
		return nil, fmt.Errorf("no annotations to resample in %s", path)
	}

	resampled := Resample(annotations, opts, rand.New(rand.NewPCG(seed, 0)))
	if outputPath != "" {
		if err := dataset.WriteAnnotations(outputPath, resampled); err != nil {
			return nil, err
		}
	}
	slog.Info("resampled annotations", "path", path, "before", len(annotations), "after", len(resampled), "classes", len(dataset.Labels(resampled)))
	return resampled, nil
}
