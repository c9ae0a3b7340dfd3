// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the pieces of a node: storage, gossip
// membership, the replicated catalog, the SQL executor, and the two
// listening surfaces (postgres wire protocol and intra-cluster RPC).
package server

import (
	"context"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/small-db/small-db/catalog"
	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/kv"
	"github.com/small-db/small-db/logger"
	"github.com/small-db/small-db/pg"
	"github.com/small-db/small-db/rpc"
	"github.com/small-db/small-db/sql"
)

// Server is a single node.
type Server struct {
	cfg *Config
	log logger.Logger

	self     gossip.NodeInfo
	kv       *kv.Store
	store    *gossip.Store
	client   *rpc.Client
	catalog  *catalog.Manager
	executor *sql.Executor

	rpcServer    *rpc.Server
	gossipServer *gossip.Server

	pgServer   *pg.Server
	pgListener net.Listener
	pgCancel   context.CancelFunc
	pgGroup    errgroup.Group
}

// NewServer creates an unopened node from a validated configuration.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.NewStandardLogger(os.Stderr)
	if cfg.Verbose {
		log = logger.NewVerboseLogger(os.Stderr)
	}
	return &Server{cfg: cfg, log: log}, nil
}

// Open brings the node up. The SQL and RPC listeners are bound before any
// address is gossiped, so ":0" listeners advertise their real ports.
func (s *Server) Open() error {
	kvStore, err := kv.Open(s.cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "opening storage")
	}
	s.kv = kvStore

	sqlListener, err := net.Listen("tcp", s.cfg.SQLAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.cfg.SQLAddr)
	}
	s.pgListener = sqlListener

	self, err := gossip.NewNodeInfo(sqlListener.Addr().String(), s.cfg.RPCAddr, s.cfg.DataDir, s.cfg.Region)
	if err != nil {
		return err
	}
	s.self = self

	s.store = gossip.NewStore(s.log)
	s.client = rpc.NewClient(s.log)

	s.catalog, err = catalog.NewManager(s.kv, s.store, s.client, s.self, s.cfg.ClusterSize, s.log)
	if err != nil {
		return errors.Wrap(err, "opening catalog")
	}
	s.executor = sql.NewExecutor(s.catalog, s.kv, s.store, s.client, s.log)

	s.rpcServer = rpc.NewServer(s.cfg.RPCAddr, s.store, s.catalog, s.executor, s.executor, s.log)
	if err := s.rpcServer.Open(); err != nil {
		return errors.Wrap(err, "opening rpc server")
	}
	s.self.RPCAddr = s.rpcServer.Addr()

	s.gossipServer = gossip.NewServer(s.self, s.cfg.Join, s.store, s.client, s.log)
	if s.cfg.GossipInterval > 0 {
		s.gossipServer.Interval = s.cfg.GossipInterval
	}
	if err := s.gossipServer.Open(); err != nil {
		return errors.Wrap(err, "opening gossip")
	}

	s.pgServer = &pg.Server{
		QueryHandler:   &queryHandler{executor: s.executor},
		StartupTimeout: 10 * time.Second,
		Logger:         s.log,
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pgCancel = cancel
	s.pgGroup.Go(func() error { return s.pgServer.Serve(ctx, sqlListener) })

	s.log.Infof("node %s up: sql=%s rpc=%s region=%q", s.self.ID, s.self.SQLAddr, s.self.RPCAddr, s.self.Region)
	return nil
}

// Close shuts the node down, terminating client connections.
func (s *Server) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if s.pgCancel != nil {
		s.pgCancel()
		keep(s.pgGroup.Wait())
	}
	if s.gossipServer != nil {
		keep(s.gossipServer.Close())
	}
	if s.rpcServer != nil {
		keep(s.rpcServer.Close())
	}
	if s.kv != nil {
		keep(s.kv.Close())
	}
	return first
}

// Node returns the node's gossiped identity.
func (s *Server) Node() gossip.NodeInfo { return s.self }

// SQLAddr returns the bound postgres address.
func (s *Server) SQLAddr() string { return s.self.SQLAddr }

// RPCAddr returns the bound intra-cluster address.
func (s *Server) RPCAddr() string { return s.self.RPCAddr }

// Executor exposes the SQL layer for embedding and tests.
func (s *Server) Executor() *sql.Executor { return s.executor }

// Gossip exposes the membership view for embedding and tests.
func (s *Server) Gossip() *gossip.Store { return s.store }
