// Command ledgersyncd keeps the financial domain caches of one principal in
// sync over push and pull channels and serves them to a local UI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/ledgersync/internal/config"
	"github.com/R3E-Network/ledgersync/internal/logging"
)

var Version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "ledgersyncd",
		Short:         "Dual-channel sync daemon for financial domains",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "ledgersync.yaml", "path to the YAML config")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional dotenv file")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newSnapshotCommand(flags))
	return root
}

func (f *globalFlags) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New("ledgersyncd", logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return cfg, log, nil
}
