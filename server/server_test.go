// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-db/small-db/pg/pgtest"
	"github.com/small-db/small-db/server"
)

func startNode(t *testing.T, region, join string, clusterSize int) *server.Server {
	t.Helper()

	cfg := server.NewConfig()
	cfg.SQLAddr = "127.0.0.1:0"
	cfg.RPCAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.Region = region
	cfg.Join = join
	cfg.ClusterSize = clusterSize
	cfg.GossipInterval = 50 * time.Millisecond

	s, err := server.NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open())
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing node: %v", err)
		}
	})
	return s
}

func connect(t *testing.T, s *server.Server) *pgtest.Frontend {
	t.Helper()
	conn, err := net.Dial("tcp", s.SQLAddr())
	require.NoError(t, err)
	f := pgtest.NewFrontend(conn)
	require.NoError(t, f.Startup(map[string]string{"user": "alice", "database": "small"}))
	t.Cleanup(func() { f.Close() })
	return f
}

func exec(t *testing.T, f *pgtest.Frontend, query string) *pgtest.QueryResult {
	t.Helper()
	res, err := f.Query(query)
	require.NoError(t, err)
	require.NoError(t, res.Err, "query: %s", query)
	return res
}

// waitForMembers blocks until every node's gossip view contains n nodes.
func waitForMembers(t *testing.T, n int, nodes ...*server.Server) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range nodes {
			if len(s.Gossip().Nodes(nil)) != n {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSingleNodeEndToEnd(t *testing.T) {
	s := startNode(t, "us", "", 1)
	f := connect(t, s)

	res := exec(t, f, `CREATE TABLE public.users (id BIGINT PRIMARY KEY, name TEXT, region TEXT) PARTITION BY LIST (region)`)
	assert.True(t, res.Empty)
	exec(t, f, `CREATE TABLE users_us PARTITION OF public.users FOR VALUES IN ('us')`)
	exec(t, f, `ALTER TABLE users_us ADD CONSTRAINT home CHECK (region = 'us')`)

	exec(t, f, `INSERT INTO public.users (id, name, region) VALUES (1, 'alice', 'us')`)
	exec(t, f, `INSERT INTO public.users (id, name, region) VALUES (2, 'bob', 'us')`)

	res = exec(t, f, `SELECT * FROM public.users`)
	assert.Equal(t, []string{"id", "name", "region"}, res.Columns)
	assert.Equal(t, [][]string{{"1", "alice", "us"}, {"2", "bob", "us"}}, res.Rows)
	assert.Equal(t, "SELECT 2", res.Tag)

	// errors come back as ErrorResponse and the session keeps working
	bad, err := f.Query(`SELECT * FROM public.missing`)
	require.NoError(t, err)
	require.Error(t, bad.Err)
	assert.Contains(t, bad.Err.Error(), "table not found")

	res = exec(t, f, `SELECT * FROM system.tables`)
	var found bool
	for _, row := range res.Rows {
		if row[0] == "public.users" {
			found = true
			assert.Equal(t, "id:INT64(PK), name:STRING, region:STRING", row[1])
		}
	}
	assert.True(t, found)
}

func TestTwoNodePartitionedCluster(t *testing.T) {
	us := startNode(t, "us", "", 2)
	eu := startNode(t, "eu", us.RPCAddr(), 2)
	waitForMembers(t, 2, us, eu)

	f := connect(t, us)
	exec(t, f, `CREATE TABLE public.users (id BIGINT PRIMARY KEY, name TEXT, region TEXT) PARTITION BY LIST (region)`)
	exec(t, f, `CREATE TABLE users_us PARTITION OF public.users FOR VALUES IN ('us')`)
	exec(t, f, `CREATE TABLE users_eu PARTITION OF public.users FOR VALUES IN ('eu')`)
	exec(t, f, `ALTER TABLE users_us ADD CONSTRAINT home CHECK (region = 'us')`)
	exec(t, f, `ALTER TABLE users_eu ADD CONSTRAINT home CHECK (region = 'eu')`)

	// DDL fanned out to the other node
	feu := connect(t, eu)
	res := exec(t, feu, `SELECT * FROM system.tables`)
	names := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		names = append(names, row[0])
	}
	assert.Contains(t, names, "public.users")

	// rows are routed to the node matching the partition's constraints
	exec(t, f, `INSERT INTO public.users (id, name, region) VALUES (1, 'alice', 'us')`)
	exec(t, f, `INSERT INTO public.users (id, name, region) VALUES (2, 'bruno', 'eu')`)

	res = exec(t, f, `SELECT * FROM public.users`)
	assert.Equal(t, [][]string{{"1", "alice", "us"}}, res.Rows)

	res = exec(t, feu, `SELECT * FROM public.users`)
	assert.Equal(t, [][]string{{"2", "bruno", "eu"}}, res.Rows)

	// updates are dispatched everywhere and applied to matching rows
	exec(t, f, `UPDATE public.users SET name = 'carla' WHERE id = 2`)
	res = exec(t, feu, `SELECT * FROM public.users`)
	assert.Equal(t, [][]string{{"2", "carla", "eu"}}, res.Rows)
}

func TestDDLRequiresClusterSize(t *testing.T) {
	s := startNode(t, "us", "", 2)
	f := connect(t, s)

	res, err := f.Query(`CREATE TABLE public.t (id BIGINT PRIMARY KEY)`)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "not enough nodes")
}

func TestConfigValidation(t *testing.T) {
	cfg := server.NewConfig()
	_, err := server.NewServer(cfg)
	require.Error(t, err) // missing data-dir

	cfg.DataDir = t.TempDir()
	cfg.ClusterSize = 0
	_, err = server.NewServer(cfg)
	require.Error(t, err)
}
