// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package rpc

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/gossip"
	"github.com/small-db/small-db/logger"
	"github.com/small-db/small-db/schema"
)

// CatalogUpdater applies a replicated table definition.
type CatalogUpdater interface {
	UpdateTable(t *schema.Table) error
}

// RowWriter applies a routed insert to local storage.
type RowWriter interface {
	InsertRow(tableName string, columnNames, columnValues []string) error
}

// UpdateExecutor applies a dispatched update statement locally.
type UpdateExecutor interface {
	ApplyUpdate(packedNode []byte) error
}

// Server exposes this node's RPC surface.
type Server struct {
	addr string
	ln   net.Listener
	srv  *http.Server
	log  logger.Logger

	store    *gossip.Store
	catalog  CatalogUpdater
	writer   RowWriter
	executor UpdateExecutor
}

func NewServer(addr string, store *gossip.Store, catalog CatalogUpdater, writer RowWriter, executor UpdateExecutor, log logger.Logger) *Server {
	if log == nil {
		log = logger.NopLogger
	}
	return &Server{
		addr:     addr,
		log:      log.WithPrefix("rpc: "),
		store:    store,
		catalog:  catalog,
		writer:   writer,
		executor: executor,
	}
}

// Open binds the listener and starts serving. The bound address is
// available through Addr afterwards.
func (s *Server) Open() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.addr)
	}
	s.ln = ln

	router := mux.NewRouter()
	router.HandleFunc(PathGossipExchange, s.handlePostExchange).Methods("POST").Name("PostGossipExchange")
	router.HandleFunc(PathCatalogUpdateTable, s.handlePostUpdateTable).Methods("POST").Name("PostCatalogUpdateTable")
	router.HandleFunc(PathInsert, s.handlePostInsert).Methods("POST").Name("PostInsert")
	router.HandleFunc(PathUpdate, s.handlePostUpdate).Methods("POST").Name("PostUpdate")

	s.srv = &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("serve: %v", err)
		}
	}()
	s.log.Infof("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) handlePostExchange(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(errors.New(errors.ErrInvalidArgument, err.Error()), "decoding exchange request"))
		return
	}
	s.writeJSON(w, ExchangeResponse{Entries: s.store.Update(req.Entries)})
}

func (s *Server) handlePostUpdateTable(w http.ResponseWriter, r *http.Request) {
	var req UpdateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Table == nil {
		s.writeError(w, errors.New(errors.ErrInvalidArgument, "malformed update-table request"))
		return
	}
	if err := s.catalog.UpdateTable(req.Table); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, Ack{Success: true})
}

func (s *Server) handlePostInsert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.ErrInvalidArgument, "malformed insert request"))
		return
	}
	if err := s.writer.InsertRow(req.TableName, req.ColumnNames, req.ColumnValues); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, Ack{Success: true})
}

func (s *Server) handlePostUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.ErrInvalidArgument, "malformed update request"))
		return
	}
	if err := s.executor.ApplyUpdate(req.PackedNode); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, Ack{Success: true})
}

func (s *Server) writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorf("encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.log.Debugf("request failed: %v", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(errors.CodeOf(err)))
	if _, werr := w.Write([]byte(errors.MarshalJSON(err))); werr != nil {
		s.log.Errorf("writing error response: %v", werr)
	}
}
