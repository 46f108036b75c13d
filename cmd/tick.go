package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTickCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Runs scheduler ticks in the foreground",
		Long: `Processes at most one due URL per tick and prints each tick result as
a JSON line. Stops early once a tick finds nothing due.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for range count {
				res, err := appInstance.Tick(cmd.Context())
				if err != nil {
					return fmt.Errorf("tick: %w", err)
				}
				if err := enc.Encode(res); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
				if !res.Processed {
					appInstance.Logger().Debug("nothing due, stopping")
					break
				}
			}
			appInstance.Logger().Info("tick command finished", zap.Int("max_ticks", count))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "maximum number of ticks to run")
	return cmd
}
