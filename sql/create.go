// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package sql

import (
	"context"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/small-db/small-db/catalog"
	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/schema"
	"github.com/small-db/small-db/types"
)

// executeCreate handles both plain CREATE TABLE (with an optional PARTITION
// BY LIST clause) and CREATE TABLE ... PARTITION OF parent FOR VALUES IN.
func (e *Executor) executeCreate(ctx context.Context, stmt *pg_query.CreateStmt) (*Result, error) {
	name := qualifiedName(stmt.GetRelation())

	if len(stmt.GetInhRelations()) > 0 {
		return e.addListPartition(name, stmt)
	}

	columns, err := tableColumns(stmt.GetTableElts())
	if err != nil {
		return nil, err
	}
	if err := e.catalog.CreateTable(ctx, name, columns); err != nil {
		return nil, err
	}

	if spec := stmt.GetPartspec(); spec != nil {
		if len(spec.GetPartParams()) != 1 {
			return nil, errors.New(errors.ErrInvalidArgument, "exactly one partition column is supported")
		}
		column := spec.GetPartParams()[0].GetPartitionElem().GetName()
		if column == "" {
			return nil, errors.New(errors.ErrInvalidArgument, "partition expressions are not supported")
		}
		if err := e.catalog.SetPartition(name, column, strategyName(spec.GetStrategy())); err != nil {
			return nil, err
		}
	}
	return emptyResult(), nil
}

// addListPartition binds the FOR VALUES IN list of a child table to its
// parent's partition map. The child's name becomes the partition name.
func (e *Executor) addListPartition(partitionName string, stmt *pg_query.CreateStmt) (*Result, error) {
	parent := qualifiedName(stmt.GetInhRelations()[0].GetRangeVar())

	datums := stmt.GetPartbound().GetListdatums()
	if len(datums) == 0 {
		return nil, errors.New(errors.ErrInvalidArgument, "partition has no values")
	}
	values := make([]string, 0, len(datums))
	for _, d := range datums {
		v, err := constText(d)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if err := e.catalog.ListPartitionAddValues(parent, partitionName, values); err != nil {
		return nil, err
	}
	return emptyResult(), nil
}

func tableColumns(elts []*pg_query.Node) ([]schema.Column, error) {
	var columns []schema.Column
	for _, elt := range elts {
		def := elt.GetColumnDef()
		if def == nil {
			return nil, errors.New(errors.ErrUnsupported, "unsupported table element")
		}
		names := def.GetTypeName().GetNames()
		if len(names) == 0 {
			return nil, errors.Newf(errors.ErrInvalidArgument, "column %s has no type", def.GetColname())
		}
		typ, err := types.ParseSQLName(names[len(names)-1].GetString_().GetSval())
		if err != nil {
			return nil, err
		}
		pk := false
		for _, c := range def.GetConstraints() {
			if c.GetConstraint().GetContype() == pg_query.ConstrType_CONSTR_PRIMARY {
				pk = true
			}
		}
		columns = append(columns, schema.Column{
			Name:         def.GetColname(),
			Type:         typ,
			IsPrimaryKey: pk,
		})
	}
	return columns, nil
}

func strategyName(s pg_query.PartitionStrategy) string {
	switch s {
	case pg_query.PartitionStrategy_PARTITION_STRATEGY_LIST:
		return catalog.PartitionStrategyList
	case pg_query.PartitionStrategy_PARTITION_STRATEGY_RANGE:
		return "range"
	case pg_query.PartitionStrategy_PARTITION_STRATEGY_HASH:
		return "hash"
	}
	return strings.ToLower(s.String())
}

// executeDrop drops every named table; unknown tables are ignored.
func (e *Executor) executeDrop(stmt *pg_query.DropStmt) (*Result, error) {
	if stmt.GetRemoveType() != pg_query.ObjectType_OBJECT_TABLE {
		return nil, errors.New(errors.ErrUnsupported, "only DROP TABLE is supported")
	}
	for _, obj := range stmt.GetObjects() {
		items := obj.GetList().GetItems()
		if len(items) == 0 {
			return nil, errors.New(errors.ErrInvalidArgument, "malformed DROP TABLE target")
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, item.GetString_().GetSval())
		}
		if err := e.catalog.DropTable(strings.Join(parts, ".")); err != nil {
			return nil, err
		}
	}
	return emptyResult(), nil
}

// executeAlter handles ALTER TABLE <partition> ADD CONSTRAINT <name>
// CHECK (<key> = '<value>'), which records a placement constraint on the
// altered partition.
func (e *Executor) executeAlter(stmt *pg_query.AlterTableStmt) (*Result, error) {
	partitionName := qualifiedName(stmt.GetRelation())

	if len(stmt.GetCmds()) == 0 {
		return nil, errors.New(errors.ErrInvalidArgument, "ALTER TABLE without commands")
	}
	cmd := stmt.GetCmds()[0].GetAlterTableCmd()
	if cmd.GetSubtype() != pg_query.AlterTableType_AT_AddConstraint {
		return nil, errors.New(errors.ErrUnsupported, "unsupported ALTER TABLE command")
	}

	expr := cmd.GetDef().GetConstraint().GetRawExpr().GetAExpr()
	op, lexpr, rexpr, err := binaryExpr(expr)
	if err != nil {
		return nil, err
	}
	if op != "=" {
		return nil, errors.Newf(errors.ErrUnsupported, "unsupported constraint operator: %s", op)
	}
	key, err := columnRefName(lexpr)
	if err != nil {
		return nil, err
	}
	value, err := constText(rexpr)
	if err != nil {
		return nil, err
	}

	if err := e.catalog.ListPartitionAddConstraint(partitionName, key, value); err != nil {
		return nil, err
	}
	return emptyResult(), nil
}
