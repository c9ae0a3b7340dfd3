// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package sql

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/small-db/small-db/catalog"
	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/kv"
	"github.com/small-db/small-db/schema"
)

// executeSelect scans the table's cells out of local storage and builds a
// record batch in primary-key order. Only `SELECT * FROM t` shapes are
// accepted; the star projects every column in schema order.
func (e *Executor) executeSelect(stmt *pg_query.SelectStmt) (*Result, error) {
	if len(stmt.GetFromClause()) != 1 || stmt.GetFromClause()[0].GetRangeVar() == nil {
		return nil, errors.New(errors.ErrUnsupported, "exactly one table is supported")
	}
	name := qualifiedName(stmt.GetFromClause()[0].GetRangeVar())

	tbl, ok := e.catalog.GetTable(name)
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "table not found: %s", name)
	}

	for _, target := range stmt.GetTargetList() {
		if !isStarTarget(target) {
			return nil, errors.New(errors.ErrInvalidArgument, "only SELECT * is supported")
		}
	}

	rows, err := e.kv.ReadTable(name)
	if err != nil {
		return nil, err
	}

	fields := make([]arrow.Field, len(tbl.Columns))
	for i, col := range tbl.Columns {
		fields[i] = arrow.Field{Name: col.Name, Type: col.Type.Arrow()}
	}
	builder := array.NewRecordBuilder(e.mem, arrow.NewSchema(fields, nil))
	defer builder.Release()

	for _, pk := range kv.PrimaryKeys(rows) {
		row := rows[pk]
		for i, col := range tbl.Columns {
			cell, ok := row[col.Name]
			if !ok {
				builder.Field(i).AppendNull()
				continue
			}
			if err := appendCell(builder.Field(i), name, col, cell); err != nil {
				return nil, err
			}
		}
	}

	rec := builder.NewRecord()
	return &Result{Record: rec, Tag: fmt.Sprintf("SELECT %d", rec.NumRows())}, nil
}

func isStarTarget(target *pg_query.Node) bool {
	fields := target.GetResTarget().GetVal().GetColumnRef().GetFields()
	return len(fields) == 1 && fields[0].GetAStar() != nil
}

func appendCell(b array.Builder, tableName string, col schema.Column, cell string) error {
	switch fb := b.(type) {
	case *array.Int64Builder:
		v, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return errors.Newf(errors.ErrMalformedValue, "malformed INT64 cell %q in column %s", cell, col.Name)
		}
		fb.Append(v)
	case *array.StringBuilder:
		fb.Append(renderCell(tableName, col, cell))
		return nil
	default:
		return errors.Newf(errors.ErrUnsupported, "unsupported column type: %s", col.Type)
	}
	return nil
}

// renderCell rewrites a handful of system cells into their human form; the
// column list of system.tables reads as "id:INT64(PK), name:STRING" rather
// than raw JSON.
func renderCell(tableName string, col schema.Column, cell string) string {
	if tableName != catalog.SystemTables || col.Name != "columns" {
		return cell
	}
	var columns []schema.Column
	if err := json.Unmarshal([]byte(cell), &columns); err != nil {
		return cell
	}
	return schema.DescribeColumns(columns)
}
