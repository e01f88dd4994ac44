package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
	"github.com/VanDung-dev/HieraChain-Scheduler/network"
)

func newNodeCommand(configFile *string) *cobra.Command {
	var (
		nodeID  string
		address string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a worker node that executes jobs dispatched over ZeroMQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, cleanup, err := setup(*configFile)
			if err != nil {
				return err
			}
			defer cleanup()

			if nodeID == "" {
				nodeID = cfg.Network.NodeID
			}
			if address == "" {
				address = cfg.Network.Address()
			}

			server := network.NewNodeServer(nodeID, address, engine.NewLocalExecutor(cfg.Scheduler.Pace), log)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start node %s: %w", nodeID, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			server.Stop()
			stats := server.GetStats()
			log.WithField("executed", stats.Executed).WithField("failed", stats.Failed).Info("Node stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "id", "", "node id (default: network.node_id)")
	cmd.Flags().StringVar(&address, "address", "", "ZeroMQ bind address (default: tcp://network.host:network.port)")
	return cmd
}
