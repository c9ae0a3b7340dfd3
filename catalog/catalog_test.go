// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package catalog_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-db/small-db/catalog"
	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/kv"
	"github.com/small-db/small-db/logger"
	"github.com/small-db/small-db/schema"
	"github.com/small-db/small-db/types"
)

type fakeBroadcaster struct {
	calls map[string][]*schema.Table
	err   error
}

func (f *fakeBroadcaster) UpdateTable(ctx context.Context, addr string, t *schema.Table) error {
	if f.err != nil {
		return f.err
	}
	if f.calls == nil {
		f.calls = map[string][]*schema.Table{}
	}
	f.calls[addr] = append(f.calls[addr], t)
	return nil
}

type fixture struct {
	kv      *kv.Store
	store   *gossip.Store
	self    gossip.NodeInfo
	bcast   *fakeBroadcaster
	manager *catalog.Manager
}

func newFixture(t *testing.T, clusterSize int) *fixture {
	t.Helper()
	kvStore, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })

	self, err := gossip.NewNodeInfo("127.0.0.1:5432", "127.0.0.1:7001", t.TempDir(), "us")
	require.NoError(t, err)
	store := gossip.NewStore(logger.NewLogfLogger(t))
	require.NoError(t, store.AddNode(self))

	bcast := &fakeBroadcaster{}
	m, err := catalog.NewManager(kvStore, store, bcast, self, clusterSize, logger.NewLogfLogger(t))
	require.NoError(t, err)
	return &fixture{kv: kvStore, store: store, self: self, bcast: bcast, manager: m}
}

func userColumns() []schema.Column {
	return []schema.Column{
		{Name: "id", Type: types.Int64, IsPrimaryKey: true},
		{Name: "name", Type: types.String},
		{Name: "region", Type: types.String},
	}
}

func TestBootstrapSystemTables(t *testing.T) {
	f := newFixture(t, 1)

	tbl, ok := f.manager.GetTable(catalog.SystemTables)
	require.True(t, ok)
	pk, ok := tbl.PrimaryKey()
	require.True(t, ok)
	assert.Equal(t, "table_name", pk.Name)

	tbl, ok = f.manager.GetTable(catalog.SystemPartitions)
	require.True(t, ok)
	pk, ok = tbl.PrimaryKey()
	require.True(t, ok)
	assert.Equal(t, "partition_name", pk.Name)
}

func TestCreateTableLocal(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.manager.CreateTableLocal("public.users", userColumns()))

	tbl, ok := f.manager.GetTable("public.users")
	require.True(t, ok)
	assert.Len(t, tbl.Columns, 3)

	// persisted as a system.tables row
	rows, err := f.kv.ReadTable(catalog.SystemTables)
	require.NoError(t, err)
	require.Contains(t, rows, "public.users")
	assert.Contains(t, rows["public.users"]["columns"], `"name":"id"`)

	err = f.manager.CreateTableLocal("public.users", userColumns())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
}

func TestCreateTableRequiresFullCluster(t *testing.T) {
	f := newFixture(t, 3)

	err := f.manager.CreateTable(context.Background(), "public.users", userColumns())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough nodes")
}

func TestCreateTableFansOutToPeers(t *testing.T) {
	f := newFixture(t, 3)

	for i, region := range []string{"eu", "asia"} {
		peer, err := gossip.NewNodeInfo("127.0.0.1:5432", fmt.Sprintf("127.0.0.1:%d", 8000+i), t.TempDir(), region)
		require.NoError(t, err)
		require.NoError(t, f.store.AddNode(peer))
	}

	require.NoError(t, f.manager.CreateTable(context.Background(), "public.users", userColumns()))

	// one call per peer, none to self
	require.Len(t, f.bcast.calls, 2)
	for _, tables := range f.bcast.calls {
		require.Len(t, tables, 1)
		assert.Equal(t, "public.users", tables[0].Name)
	}
}

func TestSetPartition(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.manager.CreateTableLocal("public.users", userColumns()))

	err := f.manager.SetPartition("public.users", "region", "range")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported partition strategy")

	err = f.manager.SetPartition("public.nope", "region", catalog.PartitionStrategyList)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	err = f.manager.SetPartition("public.users", "nope", catalog.PartitionStrategyList)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, f.manager.SetPartition("public.users", "region", catalog.PartitionStrategyList))
	tbl, _ := f.manager.GetTable("public.users")
	require.NotNil(t, tbl.Partition)
	assert.Equal(t, "region", tbl.Partition.ColumnName)
}

func TestListPartitionValuesAndConstraints(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.manager.CreateTableLocal("public.users", userColumns()))
	require.NoError(t, f.manager.SetPartition("public.users", "region", catalog.PartitionStrategyList))

	require.NoError(t, f.manager.ListPartitionAddValues("public.users", "users_us", []string{"us"}))
	require.NoError(t, f.manager.ListPartitionAddValues("public.users", "users_eu", []string{"eu", "uk"}))
	require.NoError(t, f.manager.ListPartitionAddConstraint("users_us", "region", "us"))

	err := f.manager.ListPartitionAddConstraint("users_nope", "region", "us")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	tbl, _ := f.manager.GetTable("public.users")
	name, item, ok := tbl.Partition.Lookup("uk")
	require.True(t, ok)
	assert.Equal(t, "users_eu", name)
	assert.Equal(t, []string{"eu", "uk"}, item.Values)
	assert.Equal(t, "us", tbl.Partition.Partitions["users_us"].Constraints["region"])

	// persisted rows
	rows, err := f.kv.ReadTable(catalog.SystemPartitions)
	require.NoError(t, err)
	require.Contains(t, rows, "users_us")
	assert.Equal(t, "public.users", rows["users_us"]["table_name"])
	assert.Equal(t, "region", rows["users_us"]["column_name"])
	assert.Contains(t, rows["users_us"]["constraint"], `"region":"us"`)
	assert.Contains(t, rows["users_eu"]["partition_value"], `"uk"`)
}

func TestReloadFromKV(t *testing.T) {
	dir := t.TempDir()
	kvStore, err := kv.Open(dir)
	require.NoError(t, err)

	self, err := gossip.NewNodeInfo("127.0.0.1:5432", "127.0.0.1:7001", t.TempDir(), "us")
	require.NoError(t, err)
	store := gossip.NewStore(logger.NewLogfLogger(t))

	m, err := catalog.NewManager(kvStore, store, &fakeBroadcaster{}, self, 1, logger.NewLogfLogger(t))
	require.NoError(t, err)
	require.NoError(t, m.CreateTableLocal("public.users", userColumns()))
	require.NoError(t, m.SetPartition("public.users", "region", catalog.PartitionStrategyList))
	require.NoError(t, m.ListPartitionAddValues("public.users", "users_us", []string{"us"}))
	require.NoError(t, m.ListPartitionAddConstraint("users_us", "region", "us"))
	require.NoError(t, kvStore.Close())

	kvStore, err = kv.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })

	m2, err := catalog.NewManager(kvStore, store, &fakeBroadcaster{}, self, 1, logger.NewLogfLogger(t))
	require.NoError(t, err)

	tbl, ok := m2.GetTable("public.users")
	require.True(t, ok)
	assert.Len(t, tbl.Columns, 3)
	require.NotNil(t, tbl.Partition)
	assert.Equal(t, "region", tbl.Partition.ColumnName)
	assert.Equal(t, []string{"us"}, tbl.Partition.Partitions["users_us"].Values)
	assert.Equal(t, "us", tbl.Partition.Partitions["users_us"].Constraints["region"])
}

func TestDropTableIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.manager.CreateTableLocal("public.users", userColumns()))
	require.NoError(t, f.manager.SetPartition("public.users", "region", catalog.PartitionStrategyList))
	require.NoError(t, f.manager.ListPartitionAddValues("public.users", "users_us", []string{"us"}))
	require.NoError(t, f.kv.WriteCells("public.users", "1", map[string]string{"id": "1", "name": "a", "region": "us"}))

	require.NoError(t, f.manager.DropTable("public.users"))
	require.NoError(t, f.manager.DropTable("public.users"))
	require.NoError(t, f.manager.DropTable("public.never-existed"))

	_, ok := f.manager.GetTable("public.users")
	assert.False(t, ok)

	rows, err := f.kv.ReadTable("public.users")
	require.NoError(t, err)
	assert.Empty(t, rows)

	sys, err := f.kv.ReadTable(catalog.SystemTables)
	require.NoError(t, err)
	assert.NotContains(t, sys, "public.users")

	parts, err := f.kv.ReadTable(catalog.SystemPartitions)
	require.NoError(t, err)
	assert.NotContains(t, parts, "users_us")
}
