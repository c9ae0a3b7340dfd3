// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package catalog manages the replicated table catalog. Definitions live in
// memory for the executor's hot path, are persisted as rows of the system
// tables in the local KV store, and are pushed to every known node on DDL.
package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/kv"
	"github.com/small-db/small-db/logger"
	"github.com/small-db/small-db/schema"
	"github.com/small-db/small-db/types"
)

// System table names.
const (
	SystemTables     = "system.tables"
	SystemPartitions = "system.partitions"
)

// PartitionStrategyList is the only partition strategy supported.
const PartitionStrategyList = "list"

// fanoutTimeout bounds each per-peer replication call.
const fanoutTimeout = 5 * time.Second

// TableBroadcaster pushes a table definition to one peer.
type TableBroadcaster interface {
	UpdateTable(ctx context.Context, addr string, t *schema.Table) error
}

// Manager owns the node's catalog.
type Manager struct {
	mu     sync.RWMutex
	tables map[string]*schema.Table

	kv          *kv.Store
	store       *gossip.Store
	client      TableBroadcaster
	self        gossip.NodeInfo
	clusterSize int
	log         logger.Logger
}

// NewManager builds the catalog, bootstraps the system tables, and reloads
// previously persisted user tables from the KV store.
func NewManager(kvStore *kv.Store, gossipStore *gossip.Store, client TableBroadcaster, self gossip.NodeInfo, clusterSize int, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NopLogger
	}
	m := &Manager{
		tables:      make(map[string]*schema.Table),
		kv:          kvStore,
		store:       gossipStore,
		client:      client,
		self:        self,
		clusterSize: clusterSize,
		log:         log.WithPrefix("catalog: "),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	for _, t := range systemTableDefs() {
		if err := m.UpdateTable(t); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func systemTableDefs() []*schema.Table {
	return []*schema.Table{
		{
			Name: SystemTables,
			Columns: []schema.Column{
				{Name: "table_name", Type: types.String, IsPrimaryKey: true},
				{Name: "columns", Type: types.String},
			},
		},
		{
			Name: SystemPartitions,
			Columns: []schema.Column{
				{Name: "table_name", Type: types.String},
				{Name: "partition_name", Type: types.String, IsPrimaryKey: true},
				{Name: "constraint", Type: types.String},
				{Name: "column_name", Type: types.String},
				{Name: "partition_value", Type: types.String},
			},
		},
	}
}

// GetTable returns a copy of the named table's definition.
func (m *Manager) GetTable(name string) (*schema.Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tables returns copies of every definition in ascending name order.
func (m *Manager) Tables() []*schema.Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Table, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateTable creates the table locally, checks that the full cluster is
// known, then replicates the definition to every peer. Replication is
// sequential and best effort; re-running the statement heals a partial
// fan-out since UpdateTable upserts.
func (m *Manager) CreateTable(ctx context.Context, name string, columns []schema.Column) error {
	if err := m.CreateTableLocal(name, columns); err != nil {
		return err
	}

	nodes := m.store.Nodes(nil)
	if len(nodes) < m.clusterSize {
		return errors.New(errors.ErrInternal, "not enough nodes")
	}

	t, _ := m.GetTable(name)
	for _, node := range nodes {
		if node.ID == m.self.ID {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, fanoutTimeout)
		err := m.client.UpdateTable(callCtx, node.RPCAddr, t)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "replicating table %s to %s", name, node.RPCAddr)
		}
	}
	return nil
}

// CreateTableLocal validates, persists, and registers a new table on this
// node only.
func (m *Manager) CreateTableLocal(name string, columns []schema.Column) error {
	t, err := schema.NewTable(name, columns)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; ok {
		return errors.Newf(errors.ErrAlreadyExists, "table already exists: %s", name)
	}
	if err := m.persistTableLocked(t); err != nil {
		return err
	}
	m.tables[name] = t
	m.log.Infof("created table %s", name)
	return nil
}

// UpdateTable upserts a definition, e.g. one replicated from a peer.
func (m *Manager) UpdateTable(t *schema.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistTableLocked(t); err != nil {
		return err
	}
	if t.Partition != nil {
		for name, item := range t.Partition.Partitions {
			if err := m.persistPartitionLocked(t, name, item); err != nil {
				return err
			}
		}
	}
	m.tables[t.Name] = t.Clone()
	return nil
}

// SetPartition declares the table list-partitioned by the given column.
func (m *Manager) SetPartition(tableName, columnName, strategy string) error {
	if strategy != PartitionStrategyList {
		return errors.New(errors.ErrInternal, "Unsupported partition strategy")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableName]
	if !ok {
		return errors.Newf(errors.ErrNotFound, "table not found: %s", tableName)
	}
	if _, _, ok := t.Column(columnName); !ok {
		return errors.Newf(errors.ErrNotFound, "column not found: %s", columnName)
	}
	t.Partition = &schema.ListPartition{
		ColumnName: columnName,
		Partitions: make(map[string]schema.PartitionItem),
	}
	return m.persistTableLocked(t)
}

// ListPartitionAddValues binds values to a named partition, creating the
// partition on first use.
func (m *Manager) ListPartitionAddValues(tableName, partitionName string, values []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableName]
	if !ok {
		return errors.Newf(errors.ErrNotFound, "table not found: %s", tableName)
	}
	if t.Partition == nil {
		return errors.Newf(errors.ErrInternal, "table is not partitioned: %s", tableName)
	}

	item := t.Partition.Partitions[partitionName]
	item.Values = append(item.Values, values...)
	t.Partition.Partitions[partitionName] = item
	return m.persistPartitionLocked(t, partitionName, item)
}

// ListPartitionAddConstraint records a placement constraint on the named
// partition.
func (m *Manager) ListPartitionAddConstraint(partitionName, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tables {
		if t.Partition == nil {
			continue
		}
		item, ok := t.Partition.Partitions[partitionName]
		if !ok {
			continue
		}
		if item.Constraints == nil {
			item.Constraints = make(map[string]string)
		}
		item.Constraints[key] = value
		t.Partition.Partitions[partitionName] = item
		return m.persistPartitionLocked(t, partitionName, item)
	}
	return errors.Newf(errors.ErrNotFound, "partition not found: %s", partitionName)
}

// DropTable removes a table, its rows, and its partition records. Dropping
// an unknown table succeeds.
func (m *Manager) DropTable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return nil
	}

	if t.Partition != nil {
		for partitionName := range t.Partition.Partitions {
			if err := m.kv.DeletePrefix(kv.RowKey(SystemPartitions, partitionName, "")); err != nil {
				return err
			}
		}
	}
	if err := m.kv.DeletePrefix(kv.RowKey(SystemTables, name, "")); err != nil {
		return err
	}
	if err := m.kv.DeletePrefix(kv.TablePrefix(name)); err != nil {
		return err
	}
	delete(m.tables, name)
	m.log.Infof("dropped table %s", name)
	return nil
}

// persistTableLocked writes the table's system.tables row.
func (m *Manager) persistTableLocked(t *schema.Table) error {
	cols, err := json.Marshal(t.Columns)
	if err != nil {
		return errors.Wrap(err, "marshalling columns")
	}
	return m.kv.WriteCells(SystemTables, t.Name, map[string]string{
		"table_name": t.Name,
		"columns":    string(cols),
	})
}

// persistPartitionLocked writes one partition's system.partitions row.
func (m *Manager) persistPartitionLocked(t *schema.Table, partitionName string, item schema.PartitionItem) error {
	constraints, err := json.Marshal(item.Constraints)
	if err != nil {
		return errors.Wrap(err, "marshalling constraints")
	}
	values, err := json.Marshal(item.Values)
	if err != nil {
		return errors.Wrap(err, "marshalling values")
	}
	return m.kv.WriteCells(SystemPartitions, partitionName, map[string]string{
		"table_name":      t.Name,
		"partition_name":  partitionName,
		"constraint":      string(constraints),
		"column_name":     t.Partition.ColumnName,
		"partition_value": string(values),
	})
}

// load rebuilds the in-memory catalog from persisted system rows.
func (m *Manager) load() error {
	rows, err := m.kv.ReadTable(SystemTables)
	if err != nil {
		return err
	}
	for name, row := range rows {
		var columns []schema.Column
		if err := json.Unmarshal([]byte(row["columns"]), &columns); err != nil {
			return errors.Wrapf(err, "decoding columns of %s", name)
		}
		m.tables[name] = &schema.Table{Name: name, Columns: columns}
	}

	parts, err := m.kv.ReadTable(SystemPartitions)
	if err != nil {
		return err
	}
	for partitionName, row := range parts {
		t, ok := m.tables[row["table_name"]]
		if !ok {
			m.log.Warnf("partition %s references unknown table %s", partitionName, row["table_name"])
			continue
		}
		if t.Partition == nil {
			t.Partition = &schema.ListPartition{
				ColumnName: row["column_name"],
				Partitions: make(map[string]schema.PartitionItem),
			}
		}
		var item schema.PartitionItem
		if err := json.Unmarshal([]byte(row["partition_value"]), &item.Values); err != nil {
			return errors.Wrapf(err, "decoding values of partition %s", partitionName)
		}
		if err := json.Unmarshal([]byte(row["constraint"]), &item.Constraints); err != nil {
			return errors.Wrapf(err, "decoding constraints of partition %s", partitionName)
		}
		t.Partition.Partitions[partitionName] = item
	}
	if len(m.tables) > 0 {
		m.log.Infof("reloaded %d tables", len(m.tables))
	}
	return nil
}
