package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/embedding"
)

func newEmbedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embed",
		Short: "Runs one embedding batch run in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.RunPipelineOnce(cmd.Context())
			if errors.Is(err, embedding.ErrDisabled) {
				return fmt.Errorf("embedding pipeline is disabled; set embedding.enabled")
			}
			if err != nil {
				return fmt.Errorf("embedding run: %w", err)
			}
			appInstance.Logger().Info("embedding run finished",
				zap.String("run_id", summary.RunID),
				zap.Int("batches", summary.Batches),
				zap.Int("records", summary.Records),
				zap.Duration("duration", summary.Duration))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d records in %d batches\n",
				summary.RunID, summary.Records, summary.Batches)
			return err
		},
	}
}
