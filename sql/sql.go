// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package sql turns query text into effects: it parses statements with
// libpg_query, routes DDL through the catalog, routes DML to the owning
// nodes, and materializes SELECT results as arrow record batches.
package sql

import (
	"context"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/small-db/small-db/catalog"
	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/kv"
	"github.com/small-db/small-db/logger"
	"github.com/small-db/small-db/rpc"
	"github.com/small-db/small-db/types"
)

// rpcTimeout bounds each routed or dispatched DML call.
const rpcTimeout = 5 * time.Second

// Executor routes and runs parsed statements.
type Executor struct {
	catalog *catalog.Manager
	kv      *kv.Store
	store   *gossip.Store
	client  *rpc.Client
	mem     memory.Allocator
	log     logger.Logger
}

func NewExecutor(cat *catalog.Manager, kvStore *kv.Store, gossipStore *gossip.Store, client *rpc.Client, log logger.Logger) *Executor {
	if log == nil {
		log = logger.NopLogger
	}
	return &Executor{
		catalog: cat,
		kv:      kvStore,
		store:   gossipStore,
		client:  client,
		mem:     memory.NewGoAllocator(),
		log:     log.WithPrefix("sql: "),
	}
}

// Result is the outcome of one statement. Record is nil for statements
// that produce no rows; callers must Release results they received.
type Result struct {
	Record arrow.Record
	Tag    string
}

// Empty reports whether the result carries no row data at all, which the
// wire layer renders as EmptyQueryResponse.
func (r *Result) Empty() bool {
	return r.Record == nil || r.Record.NumCols() == 0
}

func (r *Result) Release() {
	if r.Record != nil {
		r.Record.Release()
	}
}

func emptyResult() *Result {
	return &Result{}
}

// Execute parses and runs every statement in query, in order. On error the
// already produced results are released and discarded.
func (e *Executor) Execute(ctx context.Context, query string) ([]*Result, error) {
	parsed, err := pg_query.Parse(query)
	if err != nil {
		return nil, errors.Newf(errors.ErrInvalidArgument, "parse error: %v", err)
	}

	var results []*Result
	for _, raw := range parsed.GetStmts() {
		res, err := e.executeStmt(ctx, raw.GetStmt())
		if err != nil {
			for _, r := range results {
				r.Release()
			}
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) executeStmt(ctx context.Context, stmt *pg_query.Node) (*Result, error) {
	switch {
	case stmt.GetCreateStmt() != nil:
		return e.executeCreate(ctx, stmt.GetCreateStmt())
	case stmt.GetDropStmt() != nil:
		return e.executeDrop(stmt.GetDropStmt())
	case stmt.GetAlterTableStmt() != nil:
		return e.executeAlter(stmt.GetAlterTableStmt())
	case stmt.GetSelectStmt() != nil:
		return e.executeSelect(stmt.GetSelectStmt())
	case stmt.GetInsertStmt() != nil:
		return e.executeInsert(ctx, stmt.GetInsertStmt())
	case stmt.GetUpdateStmt() != nil:
		return e.executeUpdate(ctx, stmt.GetUpdateStmt(), true)
	}
	return nil, errors.New(errors.ErrUnsupported, "unsupported statement")
}

// qualifiedName joins schema and relation name the way table names are
// stored in the catalog.
func qualifiedName(rv *pg_query.RangeVar) string {
	if rv.GetSchemaname() != "" {
		return rv.GetSchemaname() + "." + rv.GetRelname()
	}
	return rv.GetRelname()
}

// constText returns the textual form of a constant expression node.
func constText(node *pg_query.Node) (string, error) {
	c := node.GetAConst()
	if c == nil {
		return "", errors.New(errors.ErrInvalidArgument, "expected a constant expression")
	}
	switch {
	case c.GetSval() != nil:
		return c.GetSval().GetSval(), nil
	case c.GetIval() != nil:
		return strconv.Itoa(int(c.GetIval().GetIval())), nil
	case c.GetFval() != nil:
		return c.GetFval().GetFval(), nil
	case c.GetBoolval() != nil:
		return strconv.FormatBool(c.GetBoolval().GetBoolval()), nil
	}
	return "", errors.New(errors.ErrInvalidArgument, "unsupported constant")
}

// constEncoded parses a constant and re-encodes it as a cell of the given
// type, validating it on the way.
func constEncoded(node *pg_query.Node, typ types.Type) (string, error) {
	s, err := constText(node)
	if err != nil {
		return "", err
	}
	d, err := types.Decode(s, typ)
	if err != nil {
		return "", err
	}
	return d.Encode(), nil
}

// columnRefName extracts the column name from a bare column reference.
func columnRefName(node *pg_query.Node) (string, error) {
	ref := node.GetColumnRef()
	if ref == nil || len(ref.GetFields()) == 0 {
		return "", errors.New(errors.ErrInvalidArgument, "expected a column reference")
	}
	name := ref.GetFields()[len(ref.GetFields())-1].GetString_().GetSval()
	if name == "" {
		return "", errors.New(errors.ErrInvalidArgument, "expected a column reference")
	}
	return name, nil
}

// binaryExpr splits an `a <op> b` expression into its parts.
func binaryExpr(expr *pg_query.A_Expr) (op string, lexpr, rexpr *pg_query.Node, err error) {
	if expr == nil || len(expr.GetName()) == 0 {
		return "", nil, nil, errors.New(errors.ErrInvalidArgument, "expected a binary expression")
	}
	op = expr.GetName()[0].GetString_().GetSval()
	return op, expr.GetLexpr(), expr.GetRexpr(), nil
}

// ColumnMeta describes one column of a rendered batch.
type ColumnMeta struct {
	Name string
	Type types.Type
}

// ColumnsOf maps a record's schema back to logical column types.
func ColumnsOf(rec arrow.Record) ([]ColumnMeta, error) {
	fields := rec.Schema().Fields()
	out := make([]ColumnMeta, len(fields))
	for i, f := range fields {
		typ, err := types.FromArrow(f.Type)
		if err != nil {
			return nil, err
		}
		out[i] = ColumnMeta{Name: f.Name, Type: typ}
	}
	return out, nil
}

// RenderText returns the record's rows as wire-encoded text cells.
func RenderText(rec arrow.Record) ([][]string, error) {
	rows := make([][]string, rec.NumRows())
	for i := range rows {
		rows[i] = make([]string, rec.NumCols())
	}
	for c := 0; c < int(rec.NumCols()); c++ {
		switch col := rec.Column(c).(type) {
		case *array.Int64:
			for r := 0; r < col.Len(); r++ {
				if !col.IsNull(r) {
					rows[r][c] = strconv.FormatInt(col.Value(r), 10)
				}
			}
		case *array.String:
			for r := 0; r < col.Len(); r++ {
				if !col.IsNull(r) {
					rows[r][c] = col.Value(r)
				}
			}
		default:
			return nil, errors.Newf(errors.ErrUnsupported, "unsupported column type: %s", rec.Column(c).DataType())
		}
	}
	return rows, nil
}
