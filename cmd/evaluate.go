package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/Ritesh313/DeepTreeAttention/internal/loader"
	"github.com/Ritesh313/DeepTreeAttention/internal/ml"
	"github.com/Ritesh313/DeepTreeAttention/internal/model"
	"github.com/Ritesh313/DeepTreeAttention/internal/pipeline"
	"github.com/Ritesh313/DeepTreeAttention/internal/raster"
	"github.com/Ritesh313/DeepTreeAttention/internal/sensor"
)

func evaluateCommand(a *app) *cobra.Command {
	var (
		testPath string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score the model service on the test corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if testPath == "" {
				testPath = filepath.Join(a.processedDir(), "test.csv")
			}
			if output == "" {
				output = filepath.Join(a.processedDir(), "crown_predictions.csv")
			}

			labels, err := pipeline.LoadLabels(a.processedDir())
			if err != nil {
				return err
			}
			reader, err := loader.Open(testPath, raster.ImageSource{}, a.cfg.ImageSize, true)
			if err != nil {
				return err
			}

			conn, err := a.dial(ctx, a.cfg.ModelServiceAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ev, err := model.Evaluate(ctx, ml.NewClient(conn), &loader.Loader{
				Reader:    reader,
				BatchSize: a.cfg.BatchSize,
				Workers:   a.cfg.Workers,
			}, labels, a.cfg.TopK)
			if err != nil {
				return err
			}
			if err := model.WriteCrownPredictions(output, ev.Crowns); err != nil {
				return err
			}

			slog.Info("evaluation finished",
				"micro_accuracy", ev.MicroAccuracy,
				"macro_accuracy", ev.MacroAccuracy,
				fmt.Sprintf("top_%d_accuracy", ev.TopK), ev.TopKAccuracy,
				"crown_micro", ev.CrownMicro,
				"crown_macro", ev.CrownMacro,
				"predictions", output,
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&testPath, "test", "", "Annotation CSV to evaluate (default <processed>/test.csv)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Crown prediction CSV (default <processed>/crown_predictions.csv)")
	return cmd
}

func predictCommand(a *app) *cobra.Command {
	var fixedBox bool

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Classify a crop chip, a crown or a map location",
	}

	// predictor is built lazily so each subcommand only needs the services it uses.
	run := func(cmd *cobra.Command, fn func(p *model.Predictor) (model.Prediction, error)) error {
		ctx := cmd.Context()
		labels, err := pipeline.LoadLabels(a.processedDir())
		if err != nil {
			return err
		}
		modelConn, err := a.dial(ctx, a.cfg.ModelServiceAddr)
		if err != nil {
			return err
		}
		defer modelConn.Close()
		crownConn, err := a.dial(ctx, a.cfg.CrownServiceAddr)
		if err != nil {
			return err
		}
		defer crownConn.Close()

		resolver, err := a.crownResolver(crownConn)
		if err != nil {
			return err
		}
		hsi, err := sensor.NewPool(a.cfg.HSISensorPool)
		if err != nil {
			return err
		}
		prediction, err := fn(&model.Predictor{
			Classifier: ml.NewClient(modelConn),
			Labels:     labels,
			Images:     raster.ImageSource{},
			Extractor:  raster.Cropper{},
			HSI:        hsi,
			Crowns:     resolver,
			ImageSize:  a.cfg.ImageSize,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.4f\n", prediction.Taxon, prediction.Score)
		if prediction.FixedBox {
			slog.Warn("no crown detected, used a fixed box", "size", a.cfg.FixedBoxSize)
		}
		return nil
	}

	image := &cobra.Command{
		Use:   "image <chip.tif>",
		Short: "Classify a crop chip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(p *model.Predictor) (model.Prediction, error) {
				return p.PredictImage(cmd.Context(), args[0])
			})
		},
	}

	crownCmd := &cobra.Command{
		Use:   "crown <left> <bottom> <right> <top> <sensor.tif>",
		Short: "Classify the sensor pixels inside a crown box",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			coords, err := parseFloats(args[:4])
			if err != nil {
				return err
			}
			polygon := orb.Bound{Min: orb.Point{coords[0], coords[1]}, Max: orb.Point{coords[2], coords[3]}}.ToPolygon()
			return run(cmd, func(p *model.Predictor) (model.Prediction, error) {
				return p.PredictCrown(cmd.Context(), polygon, args[4])
			})
		},
	}

	xy := &cobra.Command{
		Use:   "xy <easting> <northing>",
		Short: "Find the crown at a UTM location and classify it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coords, err := parseFloats(args)
			if err != nil {
				return err
			}
			return run(cmd, func(p *model.Predictor) (model.Prediction, error) {
				return p.PredictXY(cmd.Context(), coords[0], coords[1], fixedBox)
			})
		},
	}
	xy.Flags().BoolVar(&fixedBox, "fixed-box", false, "Use a fixed box when no crown is detected near the point")

	cmd.AddCommand(image, crownCmd, xy)
	return cmd
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid coordinate %q: %w", arg, err)
		}
		out[i] = v
	}
	return out, nil
}
