// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package sql

import (
	"context"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/types"
)

// executeInsert routes each VALUES row to the single node whose attributes
// match the owning partition's constraints. The write itself happens on the
// target node through the RPC layer, local or not.
func (e *Executor) executeInsert(ctx context.Context, stmt *pg_query.InsertStmt) (*Result, error) {
	name := qualifiedName(stmt.GetRelation())
	tbl, ok := e.catalog.GetTable(name)
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "table not found: %s", name)
	}
	if tbl.Partition == nil {
		return nil, errors.New(errors.ErrUnsupported, "inserting into an unpartitioned table is not implemented")
	}

	columnNames := make([]string, 0, len(stmt.GetCols()))
	for _, c := range stmt.GetCols() {
		columnNames = append(columnNames, c.GetResTarget().GetName())
	}
	partIdx := -1
	for i, n := range columnNames {
		if n == tbl.Partition.ColumnName {
			partIdx = i
		}
	}
	if partIdx < 0 {
		return nil, errors.Newf(errors.ErrNotFound, "partition column not found: %s", tbl.Partition.ColumnName)
	}

	sel := stmt.GetSelectStmt().GetSelectStmt()
	if sel == nil || len(sel.GetValuesLists()) == 0 {
		return nil, errors.New(errors.ErrUnsupported, "INSERT requires a VALUES list")
	}

	for _, vl := range sel.GetValuesLists() {
		items := vl.GetList().GetItems()
		if len(items) != len(columnNames) {
			return nil, errors.Newf(errors.ErrInvalidArgument,
				"%d values for %d columns", len(items), len(columnNames))
		}

		values := make([]string, len(items))
		for i, item := range items {
			col, _, ok := tbl.Column(columnNames[i])
			if !ok {
				return nil, errors.Newf(errors.ErrNotFound, "column not found: %s", columnNames[i])
			}
			v, err := constEncoded(item, col.Type)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}

		partitionName, item, ok := tbl.Partition.Lookup(values[partIdx])
		if !ok {
			return nil, errors.Newf(errors.ErrNotFound, "partition not found: %s", values[partIdx])
		}

		nodes := e.store.Nodes(item.Constraints)
		if len(nodes) == 0 {
			return nil, errors.New(errors.ErrNotFound, "no server found")
		}
		if len(nodes) > 1 {
			return nil, errors.New(errors.ErrInternal, "multiple servers found")
		}

		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		err := e.client.Insert(callCtx, nodes[0].RPCAddr, name, columnNames, values)
		cancel()
		if err != nil {
			return nil, errors.Wrapf(err, "routing row to partition %s", partitionName)
		}
	}
	return emptyResult(), nil
}

// InsertRow applies one routed row to local storage: every cell of the row
// is written in a single KV transaction.
func (e *Executor) InsertRow(tableName string, columnNames, columnValues []string) error {
	tbl, ok := e.catalog.GetTable(tableName)
	if !ok {
		return errors.Newf(errors.ErrNotFound, "table not found: %s", tableName)
	}
	if len(columnNames) != len(columnValues) {
		return errors.Newf(errors.ErrInvalidArgument,
			"%d values for %d columns", len(columnValues), len(columnNames))
	}
	pkCol, ok := tbl.PrimaryKey()
	if !ok {
		return errors.Newf(errors.ErrInternal, "table has no primary key: %s", tableName)
	}

	cells := make(map[string]string, len(columnNames))
	pk := ""
	for i, n := range columnNames {
		col, _, ok := tbl.Column(n)
		if !ok {
			return errors.Newf(errors.ErrNotFound, "column not found: %s", n)
		}
		if _, err := types.Decode(columnValues[i], col.Type); err != nil {
			return err
		}
		cells[n] = columnValues[i]
		if n == pkCol.Name {
			pk = columnValues[i]
		}
	}
	if pk == "" {
		return errors.Newf(errors.ErrInvalidArgument, "missing primary key value for %s", pkCol.Name)
	}
	return e.kv.WriteCells(tableName, pk, cells)
}
