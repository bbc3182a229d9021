package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/node"
)

// AddNodeFlags exposes the most used configuration options as flags.
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")
	cmd.Flags().String("db-backend", conf.DBBackend, "database backend: goleveldb | memdb")
	cmd.Flags().String("fork-digest", conf.ForkDigest, "hex encoded fork digest")
	cmd.Flags().String("genesis-root", conf.GenesisRoot, "hex encoded genesis block root")

	cmd.Flags().StringSlice("p2p.listen-addresses", conf.P2P.ListenAddresses, "multiaddrs to listen on")
	cmd.Flags().StringSlice("p2p.persistent-peers", conf.P2P.PersistentPeers, "multiaddrs of peers to keep connected to")
	cmd.Flags().Bool("p2p.gossip-enabled", conf.P2P.GossipEnabled, "subscribe to gossip blocks")

	cmd.Flags().Uint64("sync.batch-slots", conf.Sync.BatchSlots, "slots per range sync batch")
	cmd.Flags().Int("sync.max-head-chains", conf.Sync.MaxHeadChains, "maximum number of concurrent head chains")

	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve prometheus metrics")
}

// NewRunNodeCmd returns the command that starts a node and runs it until
// SIGINT or SIGTERM.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the beaconsync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			n, err := node.New(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			// the node stops itself once ctx is done
			n.Wait()
			logger.Info("node stopped")
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
