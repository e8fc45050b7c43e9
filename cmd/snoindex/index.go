package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/yungbote/snovault-indexer/internal/indexing/indexer"
)

func newIndexCmd(g *globalFlags) *cobra.Command {
	var (
		username string
		record   bool
		dryRun   bool
		recovery bool
		lastXmin int64
		types    []string
	)
	cmd := &cobra.Command{
		Use:   "index [config-uri]",
		Short: "Run one index cycle and print its status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, g, configURI(args), overrides{username: username})
			if err != nil {
				return err
			}
			defer shutdown(a)

			req := indexer.Request{
				Types:       types,
				Record:      record,
				DryRun:      dryRun,
				Recovery:    recovery,
				InitiatedBy: a.Cfg.Indexer.Username,
			}
			if cmd.Flags().Changed("last-xmin") {
				req.LastXmin = &lastXmin
			}
			st, err := a.Indexing.Controller.Run(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "principal recorded as initiated_by")
	cmd.Flags().BoolVar(&record, "record", true, "persist the cycle status")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute invalidation without indexing")
	cmd.Flags().BoolVar(&recovery, "recovery", false, "read from a hot standby")
	cmd.Flags().Int64Var(&lastXmin, "last-xmin", 0, "replay the log from this xmin")
	cmd.Flags().StringSliceVar(&types, "types", nil, "restrict a full rebuild to these item types")
	return cmd
}
