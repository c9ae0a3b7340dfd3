// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package server

import (
	"context"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/pg"
	"github.com/small-db/small-db/sql"
	"github.com/small-db/small-db/types"
)

// queryHandler bridges the wire protocol server to the SQL executor.
type queryHandler struct {
	executor *sql.Executor
}

var _ pg.QueryHandler = (*queryHandler)(nil)

func (h *queryHandler) HandleQuery(ctx context.Context, w pg.QueryResultWriter, q pg.Query) error {
	results, err := h.executor.Execute(ctx, q.String())
	if err != nil {
		return err
	}
	defer func() {
		for _, res := range results {
			res.Release()
		}
	}()

	var wrote bool
	for _, res := range results {
		if res.Empty() {
			continue
		}
		if wrote {
			return errors.New(errors.ErrUnsupported, "multiple result sets in one query are not supported")
		}
		wrote = true

		cols, err := sql.ColumnsOf(res.Record)
		if err != nil {
			return err
		}
		info := make([]pg.ColumnInfo, len(cols))
		for i, col := range cols {
			info[i] = pg.ColumnInfo{Name: col.Name, Type: wireType(col.Type)}
		}
		if err := w.WriteHeader(info...); err != nil {
			return err
		}

		rows, err := sql.RenderText(res.Record)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := w.WriteRowText(row...); err != nil {
				return err
			}
		}
		w.Tag(res.Tag)
	}
	return nil
}

func wireType(t types.Type) pg.Type {
	if t == types.Int64 {
		return pg.TypeInt8
	}
	return pg.TypeText
}
