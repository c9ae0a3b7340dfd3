// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package pgtest provides fixtures for testing against the postgres wire
// protocol server.
package pgtest

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/small-db/small-db/pg"
)

// ShutdownFunc is a function to use to shut down a test fixture.
// This function will send a shutdown signal and then wait for completion.
type ShutdownFunc func() error

// Finish invokes the shutdown function and fails the test if an error occurs.
func (f ShutdownFunc) Finish(tb testing.TB, name string) {
	err := f()
	if err != nil {
		tb.Errorf("failed to shut down %s: %v", name, err)
	}
}

// ServeListener serves postgres wire protocol on a listener.
func ServeListener(listener net.Listener, server *pg.Server) (net.Addr, ShutdownFunc, error) {
	laddr := listener.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return server.Serve(ctx, listener) })

	return laddr,
		func() error {
			cancel()
			return eg.Wait()
		},
		nil
}

// ServeTCP creates a TCP listener and serves postgres wire protocol on it.
func ServeTCP(addr string, server *pg.Server) (net.Addr, ShutdownFunc, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "listening on TCP")
	}
	return ServeListener(listener, server)
}

// ConnectFunc is a function to connect to a server.
type ConnectFunc func() (net.Conn, error)

// ServeMem serves postgres on in-memory connections.
func ServeMem(server *pg.Server) (ConnectFunc, ShutdownFunc, error) {
	listener := &inMemoryListener{
		ch:     make(chan net.Conn),
		closed: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return server.Serve(ctx, listener) })

	return listener.Dial,
		func() error {
			cancel()
			return eg.Wait()
		},
		nil
}
