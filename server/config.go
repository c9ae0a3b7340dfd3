// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package server

import (
	"time"

	"github.com/small-db/small-db/errors"
)

// Config holds the runtime configuration of a node.
type Config struct {
	// SQLAddr is the host:port to serve the postgres wire protocol on.
	SQLAddr string `mapstructure:"sql-addr"`

	// RPCAddr is the host:port to serve intra-cluster requests on.
	// This address is gossiped to the rest of the cluster.
	RPCAddr string `mapstructure:"rpc-addr"`

	// DataDir is the directory holding the node's storage.
	DataDir string `mapstructure:"data-dir"`

	// Region is the locality attribute used for partition placement.
	Region string `mapstructure:"region"`

	// Join is the RPC address of an existing node to gossip with.
	// Empty starts a new cluster.
	Join string `mapstructure:"join"`

	// ClusterSize is the number of nodes that must be known before DDL
	// is accepted.
	ClusterSize int `mapstructure:"cluster-size"`

	// GossipInterval is the delay between anti-entropy rounds.
	GossipInterval time.Duration `mapstructure:"gossip-interval"`

	// Verbose enables debug logging.
	Verbose bool `mapstructure:"verbose"`
}

// NewConfig returns a Config with defaults applied.
func NewConfig() *Config {
	return &Config{
		SQLAddr:        "127.0.0.1:5432",
		RPCAddr:        "127.0.0.1:50051",
		ClusterSize:    1,
		GossipInterval: 3 * time.Second,
	}
}

// Validate checks that the configuration describes a runnable node.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrInvalidArgument, "data-dir is required")
	}
	if c.ClusterSize < 1 {
		return errors.Newf(errors.ErrInvalidArgument, "cluster-size must be at least 1, got %d", c.ClusterSize)
	}
	return nil
}
