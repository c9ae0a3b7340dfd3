// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package kv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/kv"
)

func mustOpen(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := mustOpen(t)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = s.Get([]byte("missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, s.Delete([]byte("a")))
	require.NoError(t, s.Delete([]byte("a"))) // idempotent
	_, err = s.Get([]byte("a"))
	require.Error(t, err)
}

func TestScanPrefix(t *testing.T) {
	s := mustOpen(t)

	require.NoError(t, s.Put([]byte("/t/2/name"), []byte("bob")))
	require.NoError(t, s.Put([]byte("/t/1/name"), []byte("alice")))
	require.NoError(t, s.Put([]byte("/t2/1/name"), []byte("other")))

	pairs, err := s.ScanPrefix([]byte("/t/"))
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	// ascending key order
	assert.Equal(t, "/t/1/name", string(pairs[0].Key))
	assert.Equal(t, "/t/2/name", string(pairs[1].Key))
}

func TestRowKeyRoundTrip(t *testing.T) {
	key := kv.RowKey("public.users", "42", "name")
	assert.Equal(t, "/public.users/42/name", string(key))

	pk, column, err := kv.ParseRowKey(key, "public.users")
	require.NoError(t, err)
	assert.Equal(t, "42", pk)
	assert.Equal(t, "name", column)

	_, _, err = kv.ParseRowKey([]byte("/other/1/c"), "public.users")
	require.Error(t, err)
}

func TestWriteCellsAndReadTable(t *testing.T) {
	s := mustOpen(t)

	require.NoError(t, s.WriteCells("public.users", "1", map[string]string{
		"id":     "1",
		"name":   "alice",
		"region": "us",
	}))
	require.NoError(t, s.WriteCells("public.users", "2", map[string]string{
		"id":     "2",
		"name":   "bob",
		"region": "eu",
	}))

	rows, err := s.ReadTable("public.users")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows["1"]["name"])
	assert.Equal(t, "eu", rows["2"]["region"])
	assert.Equal(t, []string{"1", "2"}, kv.PrimaryKeys(rows))
}

func TestWriteCellsRejectsSlash(t *testing.T) {
	s := mustOpen(t)

	err := s.WriteCells("t", "a/b", map[string]string{"c": "v"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	err = s.WriteCells("t", "a", map[string]string{"c/d": "v"})
	require.Error(t, err)
}

func TestDeletePrefix(t *testing.T) {
	s := mustOpen(t)

	require.NoError(t, s.WriteCells("t", "1", map[string]string{"c": "v"}))
	require.NoError(t, s.WriteCells("t", "2", map[string]string{"c": "v"}))
	require.NoError(t, s.Put([]byte("/u/1/c"), []byte("keep")))

	require.NoError(t, s.DeletePrefix(kv.TablePrefix("t")))

	rows, err := s.ReadTable("t")
	require.NoError(t, err)
	assert.Empty(t, rows)

	v, err := s.Get([]byte("/u/1/c"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(v))
}
