// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package gossip implements the cluster's anti-entropy layer: a
// last-writer-wins key-value store replicated by periodic pairwise
// exchanges, carrying node membership among other entries.
package gossip

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/small-db/small-db/logger"
)

// Entry is one gossiped key-value pair. LastUpdate is milliseconds since
// the Unix epoch and decides conflicts: larger wins, equal is a no-op.
type Entry struct {
	Key        string `json:"key"`
	Value      []byte `json:"value"`
	LastUpdate int64  `json:"last_update"`
}

var (
	monoTimeMu sync.Mutex
	lastTime   int64
)

// monotonicUnixMilli returns a monotonically increasing value for
// milliseconds in Unix time. Equal timestamps are ignored by updates, so
// two local writes within the same millisecond must not collide.
func monotonicUnixMilli() int64 {
	monoTimeMu.Lock()
	defer monoTimeMu.Unlock()

	now := time.Now().UnixMilli()
	if now <= lastTime {
		now = lastTime + 1
	}
	lastTime = now
	return now
}

// Store holds the gossiped entries plus a materialized view of the
// membership entries. One mutex guards both; membership reads use TryLock
// so the SQL path never blocks behind a running exchange.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	nodes   map[string]NodeInfo
	log     logger.Logger
}

func NewStore(log logger.Logger) *Store {
	if log == nil {
		log = logger.NopLogger
	}
	return &Store{
		entries: make(map[string]Entry),
		nodes:   make(map[string]NodeInfo),
		log:     log,
	}
}

// SetLocal writes a locally originated entry with a fresh timestamp.
func (s *Store) SetLocal(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(Entry{Key: key, Value: value, LastUpdate: monotonicUnixMilli()})
}

// AddNode publishes a node's membership entry.
func (s *Store) AddNode(n NodeInfo) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.SetLocal(n.Key(), value)
	return nil
}

// Get returns the entry at key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a snapshot of the full store in ascending key order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Update reconciles a peer's entries into the store and returns the entries
// where this store is strictly newer, plus every local entry the peer did
// not mention. Identical timestamps leave both sides untouched.
func (s *Store) Update(peer []Entry) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(peer))
	var selfNewer []Entry
	for _, pe := range peer {
		seen[pe.Key] = true
		local, ok := s.entries[pe.Key]
		switch {
		case !ok || pe.LastUpdate > local.LastUpdate:
			s.setLocked(pe)
		case local.LastUpdate > pe.LastUpdate:
			selfNewer = append(selfNewer, local)
		}
	}
	for key, local := range s.entries {
		if !seen[key] {
			selfNewer = append(selfNewer, local)
		}
	}
	sort.Slice(selfNewer, func(i, j int) bool { return selfNewer[i].Key < selfNewer[j].Key })
	return selfNewer
}

// setLocked stores the entry and refreshes the membership view when the key
// is a node key. Callers hold s.mu.
func (s *Store) setLocked(e Entry) {
	s.entries[e.Key] = e
	if strings.HasPrefix(e.Key, NodeKeyPrefix) {
		var n NodeInfo
		if err := json.Unmarshal(e.Value, &n); err != nil {
			s.log.Warnf("gossip: undecodable membership entry %s: %v", e.Key, err)
			return
		}
		s.nodes[n.ID] = n
	}
}

// Nodes returns the known nodes satisfying every constraint, in ascending
// ID order. The read is opportunistic: when the store is busy reconciling,
// Nodes returns nil immediately rather than wait.
func (s *Store) Nodes(constraints map[string]string) []NodeInfo {
	if !s.mu.TryLock() {
		return nil
	}
	defer s.mu.Unlock()
	var out []NodeInfo
	for _, n := range s.nodes {
		if n.Matches(constraints) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
