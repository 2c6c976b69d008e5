package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Ritesh313/DeepTreeAttention/internal/crops"
	"github.com/Ritesh313/DeepTreeAttention/internal/crown"
	"github.com/Ritesh313/DeepTreeAttention/internal/dataset"
	"github.com/Ritesh313/DeepTreeAttention/internal/pipeline"
	"github.com/Ritesh313/DeepTreeAttention/internal/raster"
	"github.com/Ritesh313/DeepTreeAttention/internal/sensor"
)

// progressResolver renders a progress bar for every batch of crowns.
type progressResolver struct {
	*crown.Resolver
}

func (p *progressResolver) Crowns(ctx context.Context, points []dataset.TreePoint) ([]dataset.Crown, error) {
	r := *p.Resolver
	r.Options.Progress = progressbar.Default(int64(len(points)), "Resolving crowns")
	return r.Crowns(ctx, points)
}

type progressGenerator struct {
	*crops.Generator
}

func (p *progressGenerator) Generate(ctx context.Context, crowns []dataset.Crown, labels dataset.LabelDictionary) ([]dataset.Annotation, error) {
	g := *p.Generator
	g.Progress = progressbar.Default(int64(len(crowns)), "Cropping crowns")
	return g.Generate(ctx, crowns, labels)
}

func generateCommand(a *app) *cobra.Command {
	var (
		regenerate bool
		fieldData  string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build the train and test corpora from field data",
		Long: "Runs the five dataset stages (clean, labels, crowns, crops, consistency). " +
			"Completed stages are resumed from the processed directory unless --regenerate is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if fieldData == "" {
				fieldData = filepath.Join(a.dataDir, "raw", "neon_vst_data_2021.csv")
			}

			conn, err := a.dial(ctx, a.cfg.CrownServiceAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			resolver, err := a.crownResolver(conn)
			if err != nil {
				return err
			}
			hsi, err := sensor.NewPool(a.cfg.HSISensorPool)
			if err != nil {
				return err
			}
			cropDir := a.cfg.CropDir
			if cropDir == "" {
				cropDir = filepath.Join(a.dataDir, "crops")
				a.cfg.CropDir = cropDir
			}
			generator := &crops.Generator{
				Tiles:     hsi,
				Extractor: raster.Cropper{},
				Writer:    raster.ChipWriter{},
				Dir:       cropDir,
				Size:      a.cfg.ImageSize,
				Workers:   a.cfg.Workers,
			}

			o, err := pipeline.New(a.cfg, fieldData, a.processedDir(), raster.Reprojector{},
				&progressResolver{Resolver: resolver}, &progressGenerator{Generator: generator})
			if err != nil {
				return err
			}
			o.ShowProgress = true

			mode := pipeline.Resume
			if regenerate {
				mode = pipeline.Regenerate
			}
			corpus, err := o.Setup(ctx, mode)
			if err != nil {
				a.notifyError(ctx, fmt.Sprintf("DeepTreeAttention\n\nError creating dataset: %s", err))
				return err
			}

			a.notifySuccess(ctx, fmt.Sprintf("DeepTreeAttention\n\nDataset created successfully!\n\n%d train crops, %d test crops, %d species\n\nFiles: %s, %s",
				len(corpus.Train), len(corpus.Test), corpus.Labels.Species.Len(), o.Artifacts.Train(), o.Artifacts.Test()))
			slog.Info("dataset written", "train", o.Artifacts.Train(), "test", o.Artifacts.Test())
			return nil
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "Delete every checkpoint and crop and start from the field data")
	cmd.Flags().StringVar(&fieldData, "field-data", "", "Field survey CSV (default <data-dir>/raw/neon_vst_data_2021.csv)")
	return cmd
}
