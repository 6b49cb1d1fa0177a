package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/nexus/server"
)

var allowedOrigins []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve answers over WebSocket and HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, closeStore, err := buildAssistant(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		srv, err := server.NewWSServer(server.Config{
			Addr:           cfg.Server.Addr,
			AllowedOrigins: allowedOrigins,
			Logger:         logger,
		}, a)
		if err != nil {
			return err
		}

		color.Cyan("Listening on %s", cfg.Server.Addr)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origin", nil, "Browser origin allowed to open a WebSocket (repeatable)")
}
