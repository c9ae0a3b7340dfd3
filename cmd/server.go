// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/small-db/small-db/server"
)

func newServerCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := server.NewConfig()
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run a small-db node.",
		Long: `small-db server runs a node.

It will load existing data from the configured data directory and
start listening for client connections on the configured address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.NewServer(cfg)
			if err != nil {
				return err
			}
			if err := s.Open(); err != nil {
				return fmt.Errorf("error starting server: %v", err)
			}

			// First signal causes the server to shut down gracefully.
			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			sig := <-c
			fmt.Fprintf(stderr, "Received %s; gracefully shutting down...\n", sig.String())

			// Second signal causes a hard shutdown.
			go func() { <-c; os.Exit(1) }()

			return s.Close()
		},
	}
	flags := serverCmd.Flags()

	flags.StringVarP(&cfg.SQLAddr, "sql-addr", "", cfg.SQLAddr, "Address to serve the Postgres wire protocol on.")
	flags.StringVarP(&cfg.RPCAddr, "rpc-addr", "", cfg.RPCAddr, "Address to serve intra-cluster requests on.")
	flags.StringVarP(&cfg.DataDir, "data-dir", "d", "", "Directory to store data files.")
	flags.StringVarP(&cfg.Region, "region", "", "", "Region attribute of this node, used for partition placement.")
	flags.StringVarP(&cfg.Join, "join", "", "", "RPC address of an existing node to join; empty starts a new cluster.")
	flags.IntVarP(&cfg.ClusterSize, "cluster-size", "", cfg.ClusterSize, "Number of nodes that must be known before DDL is accepted.")
	flags.DurationVarP(&cfg.GossipInterval, "gossip-interval", "", cfg.GossipInterval, "Interval between gossip rounds.")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable debug logging.")

	return serverCmd
}
