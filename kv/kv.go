// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package kv implements the node-local ordered key-value store. All table
// data and catalog rows live in a single namespace; a row is stored as one
// key per cell under /<table>/<pk>/<column>.
package kv

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/small-db/small-db/errors"
)

var bucketCells = []byte("cells")

// Pair is a single key-value entry returned by scans.
type Pair struct {
	Key   []byte
	Value []byte
}

// Store is a bbolt-backed ordered KV store.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if needed) the store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating data dir %s", dir)
	}
	path := filepath.Join(dir, "small.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt db %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCells)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating cells bucket")
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the path of the underlying database file.
func (s *Store) Path() string {
	return s.path
}

// Put writes a single key.
func (s *Store) Put(key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCells).Put(key, value)
	})
	return errors.Wrap(err, "kv put")
}

// Get reads a single key. A missing key is a NotFound error.
func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCells).Get(key)
		if v == nil {
			return errors.Newf(errors.ErrNotFound, "key not found: %s", key)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCells).Delete(key)
	})
	return errors.Wrap(err, "kv delete")
}

// ScanPrefix returns a snapshot of all pairs whose key starts with prefix,
// in ascending key order. The returned slices are copies.
func (s *Store) ScanPrefix(prefix []byte) ([]Pair, error) {
	var pairs []Pair
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCells).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			pairs = append(pairs, Pair{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv scan")
	}
	return pairs, nil
}

// DeletePrefix removes every key starting with prefix in one transaction.
func (s *Store) DeletePrefix(prefix []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCells).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "kv delete prefix")
}

// WriteCells writes every cell of one row in a single transaction, so a
// concurrent reader sees either the whole row or none of it.
func (s *Store) WriteCells(table, pk string, cells map[string]string) error {
	if err := ValidateName(pk); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketCells)
		for column, value := range cells {
			if err := ValidateName(column); err != nil {
				return err
			}
			if err := bkt.Put(RowKey(table, pk, column), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "writing row %s/%s", table, pk)
}

// WriteCell overwrites a single cell.
func (s *Store) WriteCell(table, pk, column, value string) error {
	return s.Put(RowKey(table, pk, column), []byte(value))
}

// ReadTable scans every cell of the table and assembles rows keyed by
// primary key; each row maps column name to encoded value.
func (s *Store) ReadTable(table string) (map[string]map[string]string, error) {
	pairs, err := s.ScanPrefix(TablePrefix(table))
	if err != nil {
		return nil, err
	}
	rows := make(map[string]map[string]string)
	for _, p := range pairs {
		pk, column, err := ParseRowKey(p.Key, table)
		if err != nil {
			return nil, err
		}
		row, ok := rows[pk]
		if !ok {
			row = make(map[string]string)
			rows[pk] = row
		}
		row[column] = string(p.Value)
	}
	return rows, nil
}

// PrimaryKeys returns the table's primary keys in ascending order.
func PrimaryKeys(rows map[string]map[string]string) []string {
	pks := make([]string, 0, len(rows))
	for pk := range rows {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return pks
}

// RowKey builds the storage key of one cell.
func RowKey(table, pk, column string) []byte {
	return []byte("/" + table + "/" + pk + "/" + column)
}

// TablePrefix is the scan prefix covering every cell of a table.
func TablePrefix(table string) []byte {
	return []byte("/" + table + "/")
}

// ParseRowKey splits a cell key back into primary key and column name.
func ParseRowKey(key []byte, table string) (pk, column string, err error) {
	prefix := string(TablePrefix(table))
	rest, ok := strings.CutPrefix(string(key), prefix)
	if !ok {
		return "", "", errors.Newf(errors.ErrInternal, "key %q outside table %s", key, table)
	}
	pk, column, ok = strings.Cut(rest, "/")
	if !ok {
		return "", "", errors.Newf(errors.ErrInternal, "malformed row key: %q", key)
	}
	return pk, column, nil
}

// ValidateName rejects name segments that would break the key layout.
func ValidateName(name string) error {
	if name == "" {
		return errors.New(errors.ErrInvalidArgument, "empty name")
	}
	if strings.Contains(name, "/") {
		return errors.Newf(errors.ErrInvalidArgument, "name must not contain '/': %q", name)
	}
	return nil
}
