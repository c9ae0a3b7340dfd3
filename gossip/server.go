// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/small-db/small-db/logger"
)

const (
	// DefaultInterval is the pause between anti-entropy rounds.
	DefaultInterval = 3 * time.Second
	// DefaultTimeout bounds one exchange round trip.
	DefaultTimeout = 2 * time.Second
)

// Exchanger performs one pairwise exchange with the node at addr: it sends
// our entries and returns the entries where the peer is newer.
type Exchanger interface {
	Exchange(ctx context.Context, addr string, entries []Entry) ([]Entry, error)
}

// Server runs the periodic anti-entropy worker for one node.
type Server struct {
	store  *Store
	self   NodeInfo
	seed   string
	client Exchanger
	log    logger.Logger

	// Interval and Timeout may be adjusted before Open.
	Interval time.Duration
	Timeout  time.Duration

	rnd     *rand.Rand
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewServer builds the worker. seed is the RPC address of an existing node
// to join through, or empty for the first node of a cluster.
func NewServer(self NodeInfo, seed string, store *Store, client Exchanger, log logger.Logger) *Server {
	if log == nil {
		log = logger.NopLogger
	}
	return &Server{
		store:    store,
		self:     self,
		seed:     seed,
		client:   client,
		log:      log.WithPrefix("gossip: "),
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		closing:  make(chan struct{}),
	}
}

// Open publishes this node's membership entry and starts the worker.
func (g *Server) Open() error {
	if err := g.store.AddNode(g.self); err != nil {
		return err
	}
	g.wg.Add(1)
	go g.loop()
	g.log.Infof("started, node %s, seed %q", g.self.ID, g.seed)
	return nil
}

// Close stops the worker and waits for an in-flight round to finish.
func (g *Server) Close() error {
	close(g.closing)
	g.wg.Wait()
	return nil
}

func (g *Server) loop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.closing:
			return
		case <-ticker.C:
			g.round()
		}
	}
}

// round picks one peer and runs a single exchange. Failures are logged and
// retried implicitly on the next tick.
func (g *Server) round() {
	addr := g.pickPeer()
	if addr == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()

	newer, err := g.client.Exchange(ctx, addr, g.store.Entries())
	if err != nil {
		g.log.Warnf("exchange with %s failed: %v", addr, err)
		return
	}
	g.store.Update(newer)
}

// pickPeer returns the RPC address of a uniformly random known peer, the
// seed when no peer is known yet, or "" when there is nobody to talk to.
func (g *Server) pickPeer() string {
	var peers []string
	for _, n := range g.store.Nodes(nil) {
		if n.ID != g.self.ID && n.RPCAddr != g.self.RPCAddr {
			peers = append(peers, n.RPCAddr)
		}
	}
	if len(peers) == 0 {
		if g.seed == g.self.RPCAddr {
			return ""
		}
		return g.seed
	}
	return peers[g.rnd.Intn(len(peers))]
}
