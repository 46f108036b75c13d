package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/crawler"
)

func newRegisterCmd() *cobra.Command {
	var (
		priority string
		dueIn    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "register URL",
		Short: "Adds or replaces a URL in the crawl registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			url, err := crawler.NormalizeURL(args[0])
			if err != nil {
				return err
			}
			p, err := crawler.ParsePriority(priority)
			if err != nil {
				return err
			}
			// A zero offset lands one second in the past so the next tick picks it up.
			due := appInstance.Clock().Now().Add(-time.Second)
			if dueIn > 0 {
				due = appInstance.Clock().Now().Add(dueIn)
			}
			entry := crawler.RegistryEntry{URL: url, Priority: p, NextDueAt: due.UTC()}
			if err := appInstance.Store().Register(cmd.Context(), entry); err != nil {
				return fmt.Errorf("register: %w", err)
			}
			appInstance.Logger().Info("url registered",
				zap.String("url", entry.URL),
				zap.String("priority", string(entry.Priority)),
				zap.Time("next_due_at", entry.NextDueAt))
			return json.NewEncoder(cmd.OutOrStdout()).Encode(entry)
		},
	}
	cmd.Flags().StringVar(&priority, "priority", string(crawler.PrioritySecondary), "PRIMARY or SECONDARY")
	cmd.Flags().DurationVar(&dueIn, "due-in", 0, "delay before the first crawl (default: due now)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status URL",
		Short: "Prints the registry entry and last crawl state of a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			url, err := crawler.NormalizeURL(args[0])
			if err != nil {
				return err
			}
			entry, state, ok, err := appInstance.Store().Lookup(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("lookup: %w", err)
			}
			if !ok {
				return fmt.Errorf("%s is not registered", url)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Entry crawler.RegistryEntry `json:"entry"`
				State crawler.State         `json:"state"`
			}{entry, state})
		},
	}
}
