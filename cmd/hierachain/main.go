package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraChain-Scheduler/api"
	"github.com/VanDung-dev/HieraChain-Scheduler/config"
	"github.com/VanDung-dev/HieraChain-Scheduler/logging"
)

// Name of the binary.
const Name = "HieraChain-Scheduler"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "hierachain",
		Short:         "Transaction job scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: search ./config.*)")

	root.AddCommand(
		newServeCommand(&configFile),
		newNodeCommand(&configFile),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", Name, api.Version)
		},
	}
}

// setup loads the configuration and builds the logger.
func setup(configFile string) (*config.Config, *logrus.Logger, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.Logger
	logCfg.Version = api.Version
	log, cleanup, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, cleanup, nil
}
