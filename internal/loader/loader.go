// Package loader reads annotated crop chips as model inputs.
package loader

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

const (
	ModalityHSI  = "HSI"
	ModalitySite = "site"
)

type ImageSource interface {
	Load(path string) (preprocess.Tensor, error)
}

// Sample is one chip. Labeled is false for inference only rows.
type Sample struct {
	Individual string
	Inputs     map[string]preprocess.Tensor
	Label      int
	Labeled    bool
}

type Reader struct {
	annotations []dataset.Annotation
	source      ImageSource
	imageSize   int
	labeled     bool
}

func NewReader(annotations []dataset.Annotation, source ImageSource, imageSize int, labeled bool) *Reader {
	return &Reader{annotations: annotations, source: source, imageSize: imageSize, labeled: labeled}
}

// Open reads the annotation table at path.
func Open(path string, source ImageSource, imageSize int, labeled bool) (*Reader, error) {
	annotations, err := dataset.ReadAnnotations(path)
	if err != nil {
		return nil, err
	}
	return NewReader(annotations, source, imageSize, labeled), nil
}

func (r *Reader) Len() int {
	return len(r.annotations)
}

func (r *Reader) Get(i int) (Sample, error) {
	a := r.annotations[i]
	img, err := r.source.Load(a.ImagePath)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to load %s: %w", a.ImagePath, err)
	}
	hsi, err := preprocess.Preprocess(img, true, r.imageSize)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to preprocess %s: %w", a.ImagePath, err)
	}
	site, _ := preprocess.NewTensor([]float64{float64(a.Site)}, 1)

	s := Sample{
		Individual: a.Individual(),
		Inputs:     map[string]preprocess.Tensor{ModalityHSI: hsi, ModalitySite: site},
		Labeled:    r.labeled,
	}
	if r.labeled {
		s.Label = a.Label
	}
	return s, nil
}

// Batch holds the samples of one batch in load order.
type Batch struct {
	Samples []Sample
}

func (b Batch) Modality(name string) []preprocess.Tensor {
	out := make([]preprocess.Tensor, 0, len(b.Samples))
	for _, s := range b.Samples {
		out = append(out, s.Inputs[name])
	}
	return out
}

func (b Batch) Labels() []int {
	out := make([]int, 0, len(b.Samples))
	for _, s := range b.Samples {
		out = append(out, s.Label)
	}
	return out
}

type Loader struct {
	Reader    *Reader
	BatchSize int
	Workers   int
	// Shuffle permutes the rows once per call of Each, driven by Seed.
	Shuffle bool
	Seed    uint64
}

func (l *Loader) order() []int {
	order := make([]int, l.Reader.Len())
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		rng := rand.New(rand.NewPCG(l.Seed, 0))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

// Each loads the batches one after another, reading the samples of a batch
// concurrently, and passes them to fn. It stops at the first error.
func (l *Loader) Each(ctx context.Context, fn func(Batch) error) error {
	size := max(l.BatchSize, 1)
	order := l.order()
	for start := 0; start < len(order); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		indices := order[start:min(start+size, len(order))]
		batch, err := l.load(ctx, indices)
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) load(ctx context.Context, indices []int) (Batch, error) {
	samples := make([]Sample, len(indices))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(l.Workers, 1))
	for i, index := range indices {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := l.Reader.Get(index)
			if err != nil {
				return err
			}
			samples[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Batch{}, err
	}
	return Batch{Samples: samples}, nil
}
