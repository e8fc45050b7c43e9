package main

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newListenCmd(g *globalFlags) *cobra.Command {
	var (
		username     string
		dryRun       bool
		pollInterval time.Duration
		withHTTP     bool
	)
	cmd := &cobra.Command{
		Use:   "listen [config-uri]",
		Short: "Index on every committed transaction, polling when idle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, g, configURI(args), overrides{pollInterval: pollInterval, username: username})
			if err != nil {
				return err
			}
			defer shutdown(a)

			lst, err := a.NewListener(dryRun, username)
			if err != nil {
				return err
			}
			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error { return lst.Run(gctx) })
			if withHTTP {
				srv := a.NewServer(lst)
				grp.Go(func() error { return srv.Run(gctx, a.Cfg.HTTP.Addr, a.Cfg.HTTP.ShutdownGrace) })
			}
			return grp.Wait()
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "principal recorded as initiated_by")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute invalidation without indexing")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "maximum wait between cycles")
	cmd.Flags().BoolVar(&withHTTP, "http", false, "also serve the HTTP surface")
	return cmd
}
