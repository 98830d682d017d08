package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/R3E-Network/ledgersync/internal/app"
	"github.com/R3E-Network/ledgersync/internal/persist"
)

func newSnapshotCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or remove persisted domain snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <domain>",
		Short: "Print the snapshot envelope of one domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if !slices.Contains(cfg.Domains, args[0]) {
				return fmt.Errorf("domain %q is not configured", args[0])
			}
			ctx := contextOrBackground(cmd)
			a, err := app.OpenAdapter(ctx, cfg.Persist, log)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()
			return showSnapshot(ctx, a, cfg.Persist.KeyPrefix, args[0], cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove the snapshots of every configured domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			ctx := contextOrBackground(cmd)
			a, err := app.OpenAdapter(ctx, cfg.Persist, log)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()
			if err := purgeSnapshots(ctx, a, cfg.Persist.KeyPrefix, cfg.Domains); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d snapshot slots\n", len(cfg.Domains))
			return nil
		},
	})
	return cmd
}

func showSnapshot(ctx context.Context, a persist.Adapter, prefix, domain string, w io.Writer) error {
	raw, err := a.Get(ctx, persist.Key(prefix, domain))
	if errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("no snapshot for %s", domain)
	}
	if err != nil {
		return err
	}
	_, env, err := persist.Decode[json.RawMessage](domain, raw)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

func purgeSnapshots(ctx context.Context, a persist.Adapter, prefix string, domains []string) error {
	return a.RemoveAll(ctx, persist.Keys(prefix, domains))
}
