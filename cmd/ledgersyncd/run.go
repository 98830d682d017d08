package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/ledgersync/internal/app"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log in, sync every domain and serve the local API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, log, app.Overrides{})
			if err != nil {
				return err
			}
			log.WithField("domains", cfg.Domains).
				WithField("engine", cfg.Persist.Engine).
				Info("ledgersyncd starting")
			return application.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override api.listen")
	return cmd
}

// contextOrBackground guards commands executed without a context.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
