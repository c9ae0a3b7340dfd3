// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/logger"
	"github.com/small-db/small-db/schema"
)

// Client issues RPCs to other nodes. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	log        logger.Logger
}

func NewClient(log logger.Logger) *Client {
	if log == nil {
		log = logger.NopLogger
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return &Client{
		httpClient: rc.StandardClient(),
		log:        log.WithPrefix("rpc-client: "),
	}
}

// Exchange sends our gossip entries to the node at addr and returns the
// entries where the peer is newer.
func (c *Client) Exchange(ctx context.Context, addr string, entries []gossip.Entry) ([]gossip.Entry, error) {
	var resp ExchangeResponse
	err := c.postJSON(ctx, addr, PathGossipExchange, ExchangeRequest{Entries: entries}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// UpdateTable replicates a table definition to the node at addr.
func (c *Client) UpdateTable(ctx context.Context, addr string, t *schema.Table) error {
	return c.postJSON(ctx, addr, PathCatalogUpdateTable, UpdateTableRequest{Table: t}, &Ack{})
}

// Insert routes one encoded row to the node at addr.
func (c *Client) Insert(ctx context.Context, addr, tableName string, columnNames, columnValues []string) error {
	req := InsertRequest{
		TableName:    tableName,
		ColumnNames:  columnNames,
		ColumnValues: columnValues,
	}
	return c.postJSON(ctx, addr, PathInsert, req, &Ack{})
}

// Update sends a packed update statement to the node at addr.
func (c *Client) Update(ctx context.Context, addr string, packedNode []byte) error {
	return c.postJSON(ctx, addr, PathUpdate, UpdateRequest{PackedNode: packedNode}, &Ack{})
}

func (c *Client) postJSON(ctx context.Context, addr, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshalling request")
	}

	u := url.URL{
		Scheme: "http",
		Host:   addr,
		Path:   path,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(errors.New(errors.ErrRPC, err.Error()), "calling %s%s", addr, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return errors.Newf(errors.ErrRPC, "%s%s: status %d", addr, path, resp.StatusCode)
		}
		remote := errors.UnmarshalJSON(data)
		return errors.Wrapf(remote, "rpc %s%s", addr, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.New(errors.ErrRPC, err.Error()), "decoding response")
	}
	return nil
}
