// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package rpc carries the intra-cluster traffic: gossip exchanges, catalog
// replication, routed inserts, and dispatched updates. Each operation is a
// single POST with a JSON body on the node's RPC address.
package rpc

import (
	"net/http"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/schema"
)

// Routes served by every node.
const (
	PathGossipExchange     = "/gossip/exchange"
	PathCatalogUpdateTable = "/catalog/update-table"
	PathInsert             = "/insert"
	PathUpdate             = "/update"
)

type ExchangeRequest struct {
	Entries []gossip.Entry `json:"entries"`
}

type ExchangeResponse struct {
	Entries []gossip.Entry `json:"entries"`
}

type UpdateTableRequest struct {
	Table *schema.Table `json:"table"`
}

// InsertRequest carries one routed row in encoded form.
type InsertRequest struct {
	TableName    string   `json:"table_name"`
	ColumnNames  []string `json:"column_names"`
	ColumnValues []string `json:"column_values"`
}

// UpdateRequest carries a dispatched UPDATE as the protobuf serialization
// of its parsed statement.
type UpdateRequest struct {
	PackedNode []byte `json:"packed_node"`
}

type Ack struct {
	Success bool `json:"success"`
}

// statusForCode maps error codes onto HTTP status codes; the client maps
// them back so coded errors survive the wire.
func statusForCode(code errors.Code) int {
	switch code {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrAlreadyExists:
		return http.StatusConflict
	case errors.ErrInvalidArgument, errors.ErrMalformedValue:
		return http.StatusBadRequest
	case errors.ErrUnsupported:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
