// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-db/small-db/logger"
)

// storeExchanger routes exchanges to in-process peer stores by address.
type storeExchanger struct {
	peers map[string]*Store
}

func (x *storeExchanger) Exchange(ctx context.Context, addr string, entries []Entry) ([]Entry, error) {
	return x.peers[addr].Update(entries), nil
}

func makeNode(t *testing.T, rpcAddr, region string) NodeInfo {
	t.Helper()
	n, err := NewNodeInfo("127.0.0.1:5432", rpcAddr, t.TempDir(), region)
	require.NoError(t, err)
	return n
}

func TestRoundConvergesWithSeed(t *testing.T) {
	selfInfo := makeNode(t, "127.0.0.1:7001", "us")
	seedInfo := makeNode(t, "127.0.0.1:7002", "eu")

	seedStore := NewStore(logger.NewLogfLogger(t))
	require.NoError(t, seedStore.AddNode(seedInfo))
	seedStore.SetLocal("k", []byte("v"))

	selfStore := NewStore(logger.NewLogfLogger(t))
	x := &storeExchanger{peers: map[string]*Store{seedInfo.RPCAddr: seedStore}}
	g := NewServer(selfInfo, seedInfo.RPCAddr, selfStore, x, logger.NewLogfLogger(t))
	require.NoError(t, selfStore.AddNode(selfInfo))

	// no peers known yet, so the round goes to the seed
	g.round()

	require.Len(t, selfStore.Nodes(nil), 2)
	e, ok := selfStore.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), e.Value)

	// the seed learned about us from the exchange payload
	require.Len(t, seedStore.Nodes(nil), 2)
}

func TestPickPeerSkipsSelf(t *testing.T) {
	selfInfo := makeNode(t, "127.0.0.1:7001", "us")
	store := NewStore(logger.NewLogfLogger(t))
	require.NoError(t, store.AddNode(selfInfo))

	g := NewServer(selfInfo, selfInfo.RPCAddr, store, nil, logger.NewLogfLogger(t))
	assert.Equal(t, "", g.pickPeer())

	peerInfo := makeNode(t, "127.0.0.1:7002", "eu")
	require.NoError(t, store.AddNode(peerInfo))
	assert.Equal(t, peerInfo.RPCAddr, g.pickPeer())
}

func TestServerOpenClose(t *testing.T) {
	selfInfo := makeNode(t, "127.0.0.1:7001", "us")
	store := NewStore(logger.NewLogfLogger(t))
	g := NewServer(selfInfo, "", store, &storeExchanger{peers: map[string]*Store{}}, logger.NewLogfLogger(t))
	g.Interval = 10 * time.Millisecond

	require.NoError(t, g.Open())
	_, ok := store.Get(selfInfo.Key())
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, g.Close())
}
