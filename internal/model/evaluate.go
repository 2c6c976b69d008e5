package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/floats"

	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/loader"
)

var ErrNoSamples = errors.New("no samples to evaluate")

type BatchSource interface {
	Each(ctx context.Context, fn func(loader.Batch) error) error
}

type Metrics struct {
	MicroAccuracy float64
	MacroAccuracy float64
	TopK          int
	TopKAccuracy  float64
	CrownMicro    float64
	CrownMacro    float64
}

// CrownPrediction is the class of one individual, from the mean class
// probabilities of all its chips.
type CrownPrediction struct {
	Individual string  `csv:"individual"`
	Label      int     `csv:"label"`
	PredLabel  int     `csv:"pred_label"`
	TrueTaxa   string  `csv:"true_taxa"`
	PredTaxa   string  `csv:"pred_taxa"`
	Score      float64 `csv:"score"`
}

type Evaluation struct {
	Metrics
	Crowns []CrownPrediction
}

// accuracy accumulates per class hit counts.
type accuracy struct {
	hits  map[int]int
	total map[int]int
}

func newAccuracy() *accuracy {
	return &accuracy{hits: make(map[int]int), total: make(map[int]int)}
}

func (a *accuracy) add(label int, hit bool) {
	a.total[label]++
	if hit {
		a.hits[label]++
	}
}

func (a *accuracy) micro() float64 {
	var hits, total int
	for label, n := range a.total {
		total += n
		hits += a.hits[label]
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// macro averages the recall of every class that has at least one sample.
func (a *accuracy) macro() float64 {
	if len(a.total) == 0 {
		return 0
	}
	var sum float64
	for label, n := range a.total {
		sum += float64(a.hits[label]) / float64(n)
	}
	return sum / float64(len(a.total))
}

type crownScores struct {
	label int
	sum   []float64
}

// Evaluate classifies every labeled sample and reports sample level micro,
// macro and top k accuracy plus crown level micro and macro accuracy.
func Evaluate(ctx context.Context, c Classifier, batches BatchSource, labels dataset.LabelDictionary, topK int) (Evaluation, error) {
	samples, topKHits := newAccuracy(), 0
	crowns := make(map[string]*crownScores)

	err := batches.Each(ctx, func(b loader.Batch) error {
		scores, err := predict(ctx, c, b.Modality(loader.ModalityHSI))
		if err != nil {
			return err
		}
		for i, s := range b.Samples {
			if !s.Labeled {
				return fmt.Errorf("sample of %s has no label", s.Individual)
			}
			probs := Softmax(scores[i])
			samples.add(s.Label, floats.MaxIdx(probs) == s.Label)
			for _, k := range TopK(probs, topK) {
				if k == s.Label {
					topKHits++
					break
				}
			}

			cs, ok := crowns[s.Individual]
			if !ok {
				cs = &crownScores{label: s.Label, sum: make([]float64, len(probs))}
				crowns[s.Individual] = cs
			}
			if len(cs.sum) != len(probs) {
				return fmt.Errorf("classifier returned %d classes, expected %d", len(probs), len(cs.sum))
			}
			floats.Add(cs.sum, probs)
		}
		return nil
	})
	if err != nil {
		return Evaluation{}, err
	}

	var total int
	for _, n := range samples.total {
		total += n
	}
	if total == 0 {
		return Evaluation{}, ErrNoSamples
	}

	ev := Evaluation{
		Metrics: Metrics{
			MicroAccuracy: samples.micro(),
			MacroAccuracy: samples.macro(),
			TopK:          topK,
			TopKAccuracy:  float64(topKHits) / float64(total),
		},
		Crowns: crownPredictions(crowns, labels),
	}
	crownAccuracy := newAccuracy()
	for _, p := range ev.Crowns {
		crownAccuracy.add(p.Label, p.Label == p.PredLabel)
	}
	ev.CrownMicro = crownAccuracy.micro()
	ev.CrownMacro = crownAccuracy.macro()
	return ev, nil
}

func crownPredictions(crowns map[string]*crownScores, labels dataset.LabelDictionary) []CrownPrediction {
	individuals := make([]string, 0, len(crowns))
	for id := range crowns {
		individuals = append(individuals, id)
	}
	sort.Strings(individuals)

	predictions := make([]CrownPrediction, 0, len(individuals))
	for _, id := range individuals {
		cs := crowns[id]
		pred := floats.MaxIdx(cs.sum)
		trueTaxa, _ := labels.Species.Name(cs.label)
		predTaxa, _ := labels.Species.Name(pred)
		predictions = append(predictions, CrownPrediction{
			Individual: id,
			Label:      cs.label,
			PredLabel:  pred,
			TrueTaxa:   trueTaxa,
			PredTaxa:   predTaxa,
			Score:      cs.sum[pred] / floats.Sum(cs.sum),
		})
	}
	return predictions
}

func WriteCrownPredictions(path string, predictions []CrownPrediction) error {
	rows := make([]*CrownPrediction, 0, len(predictions))
	for i := range predictions {
		rows = append(rows, &predictions[i])
	}
	var buf bytes.Buffer
	if err := gocsv.Marshal(&rows, &buf); err != nil {
		return fmt.Errorf("failed to encode crown predictions: %w", err)
	}
	return dataset.WriteFileAtomic(path, buf.Bytes())
}
