// Package cmd defines and implements the CLI commands for the recrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/config"
	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/embedding"
	"github.com/JakeFAU/recrawl/internal/scheduler"
	"github.com/JakeFAU/recrawl/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Store() crawler.Store
	Clock() crawler.Clock
	Tick(ctx context.Context) (scheduler.Result, error)
	RunPipelineOnce(ctx context.Context) (embedding.Summary, error)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recrawl",
		Short: "Periodic conditional re-crawler with an embedding pipeline.",
		Long: `recrawl revisits registered URLs on a priority-driven schedule using
conditional GETs, records what changed, and hands new content to an
embedding pipeline that fills a pgvector table.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTickCmd())
	cmd.AddCommand(newEmbedCmd())
	cmd.AddCommand(newRegisterCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// executeRoot runs root and closes the application the executed command
// built, whether or not the command succeeded.
func executeRoot(ctx context.Context, root *cobra.Command) error {
	executed, err := root.ExecuteContextC(ctx)
	if executed == nil || executed.Context() == nil {
		return err
	}
	if appInstance, ok := executed.Context().Value(appKey).(App); ok && appInstance != nil {
		if cerr := appInstance.Close(context.Background()); cerr != nil {
			appInstance.Logger().Warn("application close failed", zap.Error(cerr))
		}
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := executeRoot(context.Background(), newRootCmd()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
