// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the table model shared by the catalog, the
// executor, and the RPC layer: columns, list partitions, and their JSON
// forms as persisted in the system tables.
package schema

import (
	"sort"
	"strings"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/types"
)

// Column describes one table column.
type Column struct {
	Name         string     `json:"name"`
	Type         types.Type `json:"type"`
	IsPrimaryKey bool       `json:"is_primary_key"`
}

// PartitionItem is one named partition of a list-partitioned table: the
// values it owns and the placement constraints that pick its node.
type PartitionItem struct {
	Values      []string          `json:"values"`
	Constraints map[string]string `json:"constraints"`
}

// ListPartition assigns rows to partitions by the value of one column.
type ListPartition struct {
	ColumnName string                   `json:"column_name"`
	Partitions map[string]PartitionItem `json:"partitions"`
}

// Names returns the partition names in ascending order.
func (p *ListPartition) Names() []string {
	names := make([]string, 0, len(p.Partitions))
	for name := range p.Partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the first partition, in ascending name order, whose value
// list contains value. The bool reports whether any partition matched.
func (p *ListPartition) Lookup(value string) (string, PartitionItem, bool) {
	for _, name := range p.Names() {
		item := p.Partitions[name]
		for _, v := range item.Values {
			if v == value {
				return name, item, true
			}
		}
	}
	return "", PartitionItem{}, false
}

// Table is the catalog entry for one table.
type Table struct {
	Name      string         `json:"name"`
	Columns   []Column       `json:"columns"`
	Partition *ListPartition `json:"partition,omitempty"`
}

// NewTable validates and builds a table definition.
func NewTable(name string, columns []Column) (*Table, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, errors.Newf(errors.ErrInvalidArgument, "table %s has no columns", name)
	}
	seen := make(map[string]bool, len(columns))
	pks := 0
	for _, col := range columns {
		if err := validateName(col.Name); err != nil {
			return nil, err
		}
		if seen[col.Name] {
			return nil, errors.Newf(errors.ErrInvalidArgument, "duplicate column: %s", col.Name)
		}
		seen[col.Name] = true
		if col.IsPrimaryKey {
			pks++
		}
	}
	if pks > 1 {
		return nil, errors.Newf(errors.ErrInvalidArgument, "table %s has multiple primary keys", name)
	}
	return &Table{Name: name, Columns: columns}, nil
}

// PrimaryKey returns the table's primary key column, if it has one.
func (t *Table) PrimaryKey() (Column, bool) {
	for _, col := range t.Columns {
		if col.IsPrimaryKey {
			return col, true
		}
	}
	return Column{}, false
}

// Column returns the named column and its position.
func (t *Table) Column(name string) (Column, int, bool) {
	for i, col := range t.Columns {
		if col.Name == name {
			return col, i, true
		}
	}
	return Column{}, -1, false
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := &Table{
		Name:    t.Name,
		Columns: append([]Column(nil), t.Columns...),
	}
	if t.Partition != nil {
		p := &ListPartition{
			ColumnName: t.Partition.ColumnName,
			Partitions: make(map[string]PartitionItem, len(t.Partition.Partitions)),
		}
		for name, item := range t.Partition.Partitions {
			p.Partitions[name] = PartitionItem{
				Values:      append([]string(nil), item.Values...),
				Constraints: cloneMap(item.Constraints),
			}
		}
		out.Partition = p
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DescribeColumns renders the column list in the compact human form used
// when listing the catalog: "id:INT64(PK), name:STRING".
func DescribeColumns(columns []Column) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		s := col.Name + ":" + col.Type.String()
		if col.IsPrimaryKey {
			s += "(PK)"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func validateName(name string) error {
	if name == "" {
		return errors.New(errors.ErrInvalidArgument, "empty name")
	}
	if strings.Contains(name, "/") {
		return errors.Newf(errors.ErrInvalidArgument, "name must not contain '/': %q", name)
	}
	return nil
}
