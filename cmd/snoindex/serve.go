package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve [config-uri]",
		Short: "Serve POST /index and the status endpoints",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, g, configURI(args), overrides{})
			if err != nil {
				return err
			}
			defer shutdown(a)
			if addr == "" {
				addr = a.Cfg.HTTP.Addr
			}
			a.Log.Info("serving", "addr", addr)
			return a.NewServer(nil).Run(ctx, addr, a.Cfg.HTTP.ShutdownGrace)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from http.addr)")
	return cmd
}
