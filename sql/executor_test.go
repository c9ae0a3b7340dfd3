// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package sql_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-db/small-db/catalog"
	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/kv"
	"github.com/small-db/small-db/logger"
	"github.com/small-db/small-db/rpc"
	"github.com/small-db/small-db/sql"
)

// testNode wires a complete single node: storage, catalog, gossip
// membership, the RPC surface, and the executor on top.
type testNode struct {
	kv       *kv.Store
	store    *gossip.Store
	executor *sql.Executor
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	log := logger.NewLogfLogger(t)

	kvStore, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })

	self, err := gossip.NewNodeInfo("127.0.0.1:5432", "127.0.0.1:0", t.TempDir(), "us")
	require.NoError(t, err)

	store := gossip.NewStore(log)
	client := rpc.NewClient(log)
	cat, err := catalog.NewManager(kvStore, store, client, self, 1, log)
	require.NoError(t, err)
	executor := sql.NewExecutor(cat, kvStore, store, client, log)

	srv := rpc.NewServer("127.0.0.1:0", store, cat, executor, executor, log)
	require.NoError(t, srv.Open())
	t.Cleanup(func() { srv.Close() })

	self.RPCAddr = srv.Addr()
	require.NoError(t, store.AddNode(self))

	return &testNode{kv: kvStore, store: store, executor: executor}
}

func (n *testNode) exec(t *testing.T, query string) []*sql.Result {
	t.Helper()
	results, err := n.executor.Execute(context.Background(), query)
	require.NoError(t, err, "query: %s", query)
	t.Cleanup(func() {
		for _, r := range results {
			r.Release()
		}
	})
	return results
}

func (n *testNode) execErr(t *testing.T, query string) error {
	t.Helper()
	results, err := n.executor.Execute(context.Background(), query)
	require.Error(t, err, "query: %s", query)
	require.Nil(t, results)
	return err
}

func setupPartitionedTable(t *testing.T, n *testNode) {
	n.exec(t, `CREATE TABLE public.users (id BIGINT PRIMARY KEY, name TEXT, age BIGINT, region TEXT) PARTITION BY LIST (region)`)
	n.exec(t, `CREATE TABLE users_us PARTITION OF public.users FOR VALUES IN ('us')`)
	n.exec(t, `ALTER TABLE users_us ADD CONSTRAINT home CHECK (region = 'us')`)
}

func TestCreateTableDDL(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)

	results := n.exec(t, `SELECT * FROM system.tables`)
	require.Len(t, results, 1)
	rows, err := sql.RenderText(results[0].Record)
	require.NoError(t, err)

	var found bool
	for _, row := range rows {
		if row[0] == "public.users" {
			found = true
			assert.Equal(t, "id:INT64(PK), name:STRING, age:INT64, region:STRING", row[1])
		}
	}
	assert.True(t, found)
}

func TestParseError(t *testing.T) {
	n := newTestNode(t)
	err := n.execErr(t, `SELEKT * FROM t`)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestSelectUnknownTable(t *testing.T) {
	n := newTestNode(t)
	err := n.execErr(t, `SELECT * FROM public.nope`)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Contains(t, err.Error(), "table not found: public.nope")
}

func TestSelectProjectionOnlyStar(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)
	err := n.execErr(t, `SELECT id FROM public.users`)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestInsertAndSelect(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)

	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (1, 'alice', 30, 'us')`)
	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (2, 'bob', 40, 'us')`)

	results := n.exec(t, `SELECT * FROM public.users`)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, "SELECT 2", res.Tag)

	cols, err := sql.ColumnsOf(res.Record)
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, "id", cols[0].Name)

	rows, err := sql.RenderText(res.Record)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "alice", "30", "us"}, rows[0])
	assert.Equal(t, []string{"2", "bob", "40", "us"}, rows[1])

	// cells landed in local storage in encoded form
	stored, err := n.kv.ReadTable("public.users")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored["1"]["name"])
}

func TestInsertRoutingErrors(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)

	// value outside every partition
	err := n.execErr(t, `INSERT INTO public.users (id, name, age, region) VALUES (1, 'x', 1, 'asia')`)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Contains(t, err.Error(), "partition not found: asia")

	// partition exists but no node satisfies its constraints
	n.exec(t, `CREATE TABLE users_eu PARTITION OF public.users FOR VALUES IN ('eu')`)
	n.exec(t, `ALTER TABLE users_eu ADD CONSTRAINT home CHECK (region = 'eu')`)
	err = n.execErr(t, `INSERT INTO public.users (id, name, age, region) VALUES (1, 'x', 1, 'eu')`)
	assert.Contains(t, err.Error(), "no server found")

	// statement does not mention the partition column
	err = n.execErr(t, `INSERT INTO public.users (id, name) VALUES (1, 'x')`)
	assert.Contains(t, err.Error(), "partition column not found")
}

func TestInsertUnpartitionedTableUnsupported(t *testing.T) {
	n := newTestNode(t)
	n.exec(t, `CREATE TABLE public.plain (id BIGINT PRIMARY KEY, name TEXT)`)
	err := n.execErr(t, `INSERT INTO public.plain (id, name) VALUES (1, 'x')`)
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}

func TestInsertMalformedInt(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)
	err := n.execErr(t, `INSERT INTO public.users (id, name, age, region) VALUES ('x', 'alice', 1, 'us')`)
	assert.True(t, errors.Is(err, errors.ErrMalformedValue))
}

func TestUpdateConstant(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)
	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (1, 'alice', 30, 'us')`)
	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (2, 'bob', 40, 'us')`)

	n.exec(t, `UPDATE public.users SET name = 'carol' WHERE id = 1`)

	rows, err := n.kv.ReadTable("public.users")
	require.NoError(t, err)
	assert.Equal(t, "carol", rows["1"]["name"])
	assert.Equal(t, "bob", rows["2"]["name"])
}

func TestUpdateArithmetic(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)
	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (1, 'alice', 30, 'us')`)
	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (2, 'bob', 40, 'us')`)

	n.exec(t, `UPDATE public.users SET age = age + 5 WHERE region = 'us'`)

	rows, err := n.kv.ReadTable("public.users")
	require.NoError(t, err)
	assert.Equal(t, "35", rows["1"]["age"])
	assert.Equal(t, "45", rows["2"]["age"])

	n.exec(t, `UPDATE public.users SET age = age * 2 WHERE id = 2`)
	rows, err = n.kv.ReadTable("public.users")
	require.NoError(t, err)
	assert.Equal(t, "90", rows["2"]["age"])
}

func TestUpdateArithmeticOnStringColumn(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)
	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (1, 'alice', 30, 'us')`)

	err := n.execErr(t, `UPDATE public.users SET name = name + 1 WHERE id = 1`)
	assert.Contains(t, err.Error(), "unsupported type for arithmetic")
}

func TestDropTable(t *testing.T) {
	n := newTestNode(t)
	setupPartitionedTable(t, n)
	n.exec(t, `INSERT INTO public.users (id, name, age, region) VALUES (1, 'alice', 30, 'us')`)

	n.exec(t, `DROP TABLE public.users`)
	n.exec(t, `DROP TABLE public.users`) // idempotent

	err := n.execErr(t, `SELECT * FROM public.users`)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	rows, err := n.kv.ReadTable("public.users")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDDLResultsAreEmpty(t *testing.T) {
	n := newTestNode(t)
	results := n.exec(t, `CREATE TABLE public.t (id BIGINT PRIMARY KEY)`)
	require.Len(t, results, 1)
	assert.True(t, results[0].Empty())
}
