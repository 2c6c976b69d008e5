package model

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"

	"github.com/Ritesh313/DeepTreeAttention/internal/crown"
	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/loader"
	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

type Extractor interface {
	Crop(path string, bounds orb.Bound) (preprocess.Tensor, error)
}

type TileFinder interface {
	Find(bounds orb.Bound) (string, error)
}

type Prediction struct {
	Label int
	Taxon string
	// Score is the probability of the predicted class.
	Score float64
	// FixedBox is set when no crown was detected and a fixed box was used.
	FixedBox bool
}

// Predictor classifies single images, crowns and map locations.
type Predictor struct {
	Classifier Classifier
	Labels     dataset.LabelDictionary
	Images     loader.ImageSource
	Extractor  Extractor
	// HSI resolves hyperspectral tiles, Crowns finds crowns on RGB tiles.
	HSI       TileFinder
	Crowns    *crown.Resolver
	ImageSize int
}

func (p *Predictor) classify(ctx context.Context, img preprocess.Tensor) (Prediction, error) {
	scores, err := predict(ctx, p.Classifier, []preprocess.Tensor{img})
	if err != nil {
		return Prediction{}, err
	}
	probs := Softmax(scores[0])
	index := floats.MaxIdx(probs)
	taxon, ok := p.Labels.Species.Name(index)
	if !ok {
		return Prediction{}, fmt.Errorf("predicted class %d is not in the label dictionary", index)
	}
	return Prediction{Label: index, Taxon: taxon, Score: probs[index]}, nil
}

// PredictImage classifies a crop chip on disk.
func (p *Predictor) PredictImage(ctx context.Context, path string) (Prediction, error) {
	img, err := p.Images.Load(path)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to load %s: %w", path, err)
	}
	img, err = preprocess.Preprocess(img, true, p.ImageSize)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to preprocess %s: %w", path, err)
	}
	return p.classify(ctx, img)
}

// PredictCrown classifies the pixels of sensorPath under a crown polygon.
func (p *Predictor) PredictCrown(ctx context.Context, polygon orb.Polygon, sensorPath string) (Prediction, error) {
	crop, err := p.Extractor.Crop(sensorPath, polygon.Bound())
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to crop %s: %w", sensorPath, err)
	}
	img, err := preprocess.Preprocess(crop, true, p.ImageSize)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to preprocess crown crop: %w", err)
	}
	return p.classify(ctx, img)
}

// PredictXY finds the crown nearest to a map location and classifies it.
// When no crown is detected within tolerance it fails with crown.ErrNoCrown,
// or uses a fixed box around the location if fixedBox is set.
func (p *Predictor) PredictXY(ctx context.Context, x, y float64, fixedBox bool) (Prediction, error) {
	location := orb.Point{x, y}

	resolver := *p.Crowns
	resolver.Options.FixedBox = fixedBox
	polygon, fixed, err := resolver.Locate(ctx, location)
	if err != nil {
		return Prediction{}, err
	}

	sensorPath, err := p.HSI.Find(location.Bound())
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to find HSI tile for (%.2f, %.2f): %w", x, y, err)
	}
	prediction, err := p.PredictCrown(ctx, polygon, sensorPath)
	if err != nil {
		return Prediction{}, err
	}
	prediction.FixedBox = fixed
	return prediction, nil
}
