// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package sql

import (
	"context"
	"strconv"

	pg_query "github.com/pganalyze/pg_query_go/v5"
	"google.golang.org/protobuf/proto"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/kv"
	"github.com/small-db/small-db/schema"
	"github.com/small-db/small-db/types"
)

// executeUpdate runs an UPDATE. In dispatch mode the packed statement is
// sent to every known node, each of which applies it against its local
// rows; matching rows may live anywhere, so everybody gets a copy.
func (e *Executor) executeUpdate(ctx context.Context, stmt *pg_query.UpdateStmt, dispatch bool) (*Result, error) {
	if dispatch {
		return e.dispatchUpdate(ctx, stmt)
	}
	return e.applyUpdateLocal(stmt)
}

func (e *Executor) dispatchUpdate(ctx context.Context, stmt *pg_query.UpdateStmt) (*Result, error) {
	packed, err := proto.Marshal(stmt)
	if err != nil {
		return nil, errors.Wrap(err, "packing update statement")
	}

	nodes := e.store.Nodes(nil)
	if len(nodes) == 0 {
		return nil, errors.New(errors.ErrInternal, "no known nodes")
	}
	for _, node := range nodes {
		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		err := e.client.Update(callCtx, node.RPCAddr, packed)
		cancel()
		if err != nil {
			return nil, errors.Wrapf(err, "dispatching update to %s", node.RPCAddr)
		}
	}
	return emptyResult(), nil
}

// ApplyUpdate unpacks a dispatched statement and applies it to local rows.
func (e *Executor) ApplyUpdate(packedNode []byte) error {
	var stmt pg_query.UpdateStmt
	if err := proto.Unmarshal(packedNode, &stmt); err != nil {
		return errors.Newf(errors.ErrInvalidArgument, "unpacking update statement: %v", err)
	}
	_, err := e.applyUpdateLocal(&stmt)
	return err
}

// applyUpdateLocal filters local rows by the single `column = constant`
// WHERE predicate and applies the SET list to each match.
func (e *Executor) applyUpdateLocal(stmt *pg_query.UpdateStmt) (*Result, error) {
	name := qualifiedName(stmt.GetRelation())
	tbl, ok := e.catalog.GetTable(name)
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "table not found: %s", name)
	}

	if stmt.GetWhereClause() == nil {
		return nil, errors.New(errors.ErrUnsupported, "UPDATE without WHERE is not supported")
	}
	op, lexpr, rexpr, err := binaryExpr(stmt.GetWhereClause().GetAExpr())
	if err != nil {
		return nil, err
	}
	if op != "=" {
		return nil, errors.Newf(errors.ErrUnsupported, "unsupported WHERE operator: %s", op)
	}
	whereCol, err := columnRefName(lexpr)
	if err != nil {
		return nil, err
	}
	col, _, ok := tbl.Column(whereCol)
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "column not found: %s", whereCol)
	}
	whereVal, err := constEncoded(rexpr, col.Type)
	if err != nil {
		return nil, err
	}

	rows, err := e.kv.ReadTable(name)
	if err != nil {
		return nil, err
	}
	for _, pk := range kv.PrimaryKeys(rows) {
		row := rows[pk]
		if row[whereCol] != whereVal {
			continue
		}
		if err := e.applySetList(name, pk, row, tbl, stmt.GetTargetList()); err != nil {
			return nil, err
		}
	}
	return emptyResult(), nil
}

func (e *Executor) applySetList(tableName, pk string, row map[string]string, tbl *schema.Table, targets []*pg_query.Node) error {
	for _, target := range targets {
		res := target.GetResTarget()
		col, _, ok := tbl.Column(res.GetName())
		if !ok {
			return errors.Newf(errors.ErrNotFound, "column not found: %s", res.GetName())
		}

		var newVal string
		val := res.GetVal()
		switch {
		case val.GetAConst() != nil:
			v, err := constEncoded(val, col.Type)
			if err != nil {
				return err
			}
			newVal = v
		case val.GetAExpr() != nil:
			v, err := evalArithmetic(row, col.Type, val.GetAExpr())
			if err != nil {
				return err
			}
			newVal = v
		default:
			return errors.New(errors.ErrUnsupported, "unsupported SET expression")
		}

		if err := e.kv.WriteCell(tableName, pk, col.Name, newVal); err != nil {
			return err
		}
		row[col.Name] = newVal
	}
	return nil
}

// evalArithmetic computes `ref <op> constant` against the current row.
// Arithmetic is defined for INT64 columns only.
func evalArithmetic(row map[string]string, typ types.Type, expr *pg_query.A_Expr) (string, error) {
	if typ != types.Int64 {
		return "", errors.Newf(errors.ErrInternal, "unsupported type for arithmetic: %s", typ)
	}
	op, lexpr, rexpr, err := binaryExpr(expr)
	if err != nil {
		return "", err
	}
	refCol, err := columnRefName(lexpr)
	if err != nil {
		return "", err
	}
	cell, ok := row[refCol]
	if !ok {
		return "", errors.Newf(errors.ErrNotFound, "column not found: %s", refCol)
	}
	left, err := strconv.ParseInt(cell, 10, 64)
	if err != nil {
		return "", errors.Newf(errors.ErrMalformedValue, "malformed INT64 cell %q in column %s", cell, refCol)
	}
	rightText, err := constText(rexpr)
	if err != nil {
		return "", err
	}
	right, err := strconv.ParseInt(rightText, 10, 64)
	if err != nil {
		return "", errors.Newf(errors.ErrMalformedValue, "malformed INT64 operand: %q", rightText)
	}

	var out int64
	switch op {
	case "+":
		out = left + right
	case "-":
		out = left - right
	case "*":
		out = left * right
	default:
		return "", errors.Newf(errors.ErrInternal, "unsupported operator: %s", op)
	}
	return strconv.FormatInt(out, 10), nil
}
