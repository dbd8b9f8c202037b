package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/classifier"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/observability"
)

func newTrainCmd() *cobra.Command {
	var (
		output string
		k      int
	)
	cmd := &cobra.Command{
		Use:   "train <corpus-dir>",
		Short: "Build a classifier artifact from a labelled image corpus",
		Long: `Train reads <corpus-dir>/<category>/*.{png,jpg,jpeg}, where each directory
name is a category, and writes a model artifact the run command can load.
Images under "unclassified" are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			if output == "" {
				output = config.Get().Challenge.ModelArtifactPath
			}
			if output == "" {
				return fmt.Errorf("no output path: pass -o or set challenge.model_artifact_path")
			}

			model, report, err := classifier.Train(cmd.Context(), args[0], classifier.TrainOptions{K: k, Logger: logger})
			if err != nil {
				return err
			}
			if err := model.Save(output); err != nil {
				return err
			}

			for _, path := range report.Skipped {
				logger.Warn("Image skipped", zap.String("path", path))
			}
			categories := make([]string, 0, len(report.PerCategory))
			for c := range report.PerCategory {
				categories = append(categories, c)
			}
			sort.Strings(categories)

			out := cmd.OutOrStdout()
			for _, c := range categories {
				fmt.Fprintf(out, "%-24s %d\n", c, report.PerCategory[c])
			}
			fmt.Fprintf(out, "wrote %s (%d exemplars, %d skipped)\n", output, model.Size(), len(report.Skipped))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "artifact path (defaults to challenge.model_artifact_path)")
	cmd.Flags().IntVarP(&k, "neighbors", "k", 0, "neighbors consulted per prediction (default 5)")
	return cmd
}
