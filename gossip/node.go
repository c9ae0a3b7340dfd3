// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package gossip

import (
	"net"

	"github.com/google/uuid"

	"github.com/small-db/small-db/errors"
)

// NodeKeyPrefix marks membership entries in the gossip store.
const NodeKeyPrefix = "node:"

// Constraint keys understood by NodeInfo.Matches.
const (
	ConstraintRegion  = "region"
	ConstraintSQLAddr = "sql_address"
	ConstraintRPCAddr = "rpc_address"
)

// NodeInfo identifies one node of the cluster. It is gossiped as the JSON
// value of the node's membership entry.
type NodeInfo struct {
	ID      string `json:"id"`
	SQLAddr string `json:"sql_addr"`
	RPCAddr string `json:"rpc_addr"`
	DataDir string `json:"data_dir"`
	Region  string `json:"region"`
}

// NewNodeInfo validates the addresses and assigns a fresh node ID.
func NewNodeInfo(sqlAddr, rpcAddr, dataDir, region string) (NodeInfo, error) {
	for _, addr := range []string{sqlAddr, rpcAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return NodeInfo{}, errors.Newf(errors.ErrInvalidArgument, "invalid address %q: %v", addr, err)
		}
	}
	if dataDir == "" {
		return NodeInfo{}, errors.New(errors.ErrInvalidArgument, "data dir is required")
	}
	return NodeInfo{
		ID:      uuid.NewString(),
		SQLAddr: sqlAddr,
		RPCAddr: rpcAddr,
		DataDir: dataDir,
		Region:  region,
	}, nil
}

// Key returns the node's membership key in the gossip store.
func (n NodeInfo) Key() string {
	return NodeKeyPrefix + n.ID
}

// Matches reports whether the node satisfies every placement constraint.
// A constraint with an unknown key matches nothing.
func (n NodeInfo) Matches(constraints map[string]string) bool {
	for key, want := range constraints {
		var got string
		switch key {
		case ConstraintRegion:
			got = n.Region
		case ConstraintSQLAddr:
			got = n.SQLAddr
		case ConstraintRPCAddr:
			got = n.RPCAddr
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}
