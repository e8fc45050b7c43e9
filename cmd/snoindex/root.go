package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/snovault-indexer/internal/app"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalFlags struct {
	appName string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "snoindex",
		Short:         "Keeps the snovault search index consistent with the object store",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&g.appName, "app-name", app.DefaultAppName, "app section of the config file")

	root.AddCommand(newListenCmd(g), newServeCmd(g), newIndexCmd(g))
	return root
}

// overrides are applied to the loaded config before wiring.
type overrides struct {
	pollInterval time.Duration
	username     string
}

func bootstrap(ctx context.Context, g *globalFlags, uri string, o overrides) (*app.App, error) {
	cfg, err := app.LoadConfig(uri, g.appName)
	if err != nil {
		return nil, err
	}
	if o.pollInterval > 0 {
		cfg.Indexer.PollInterval = o.pollInterval
	}
	if o.username != "" {
		cfg.Indexer.Username = o.username
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log = log.With("app", cfg.Name)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		log.Sync()
		return nil, err
	}
	return a, nil
}

func shutdown(a *app.App) {
	log := a.Log
	a.Close()
	log.Sync()
}

func configURI(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
