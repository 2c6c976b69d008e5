package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ritesh313/DeepTreeAttention/internal/resample"
)

func resampleCommand(a *app) *cobra.Command {
	var (
		output     string
		oversample bool
	)
	cmd := &cobra.Command{
		Use:   "resample <annotations.csv>",
		Short: "Rebalance an annotation table by class frequency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = strings.TrimSuffix(input, ".csv") + "_resampled.csv"
			}
			_, err := resample.File(input, output, resample.Options{
				Min:        a.cfg.ResampleMin,
				Max:        a.cfg.ResampleMax,
				Oversample: oversample,
			}, a.cfg.Seed)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output CSV (default <input>_resampled.csv)")
	cmd.Flags().BoolVar(&oversample, "oversample", false, "Sample classes below resample_min up to resample_min with replacement")
	return cmd
}
