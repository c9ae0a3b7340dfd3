// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package message

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRoundTrip(t *testing.T) {
	var enc Encoder

	rd, err := enc.ReadyForQuery(TransactionStatusIdle)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := NewWireWriter(bufio.NewWriter(&buf))
	require.NoError(t, w.WriteMessage(Message{Type: rd.Type, Data: append([]byte(nil), rd.Data...)}))
	require.NoError(t, w.WriteMessage(AuthenticationOK))
	require.NoError(t, w.WriteMessage(EmptyQueryResponse))
	require.NoError(t, w.Flush())

	r := NewWireReader(bufio.NewReader(&buf))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeReadyForQuery, msg.Type)
	assert.Equal(t, []byte{'I'}, msg.Data)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeAuthentication, msg.Type)
	assert.Equal(t, []byte{0, 0, 0, 0}, msg.Data)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeEmptyQueryResponse, msg.Type)
	assert.Empty(t, msg.Data)
}

func TestWireReaderRejectsBadLength(t *testing.T) {
	// Type byte followed by a length below the protocol minimum.
	raw := []byte{'Q', 0, 0, 0, 2}
	r := NewWireReader(bufio.NewReader(bytes.NewReader(raw)))
	_, err := r.ReadMessage()
	require.Error(t, err)
}

func TestCommandComplete(t *testing.T) {
	var enc Encoder
	msg, err := enc.CommandComplete("SELECT 3")
	require.NoError(t, err)
	assert.Equal(t, TypeCommandComplete, msg.Type)
	assert.Equal(t, append([]byte("SELECT 3"), 0), msg.Data)
}

func TestRowDescriptionAndTextRow(t *testing.T) {
	var enc Encoder
	msg, err := enc.RowDescription(
		ColumnDescription{Name: "id", TypeID: 20, TypeLen: 8, TypeModifier: -1},
		ColumnDescription{Name: "name", TypeID: 25, TypeLen: -1, TypeModifier: -1},
	)
	require.NoError(t, err)
	assert.Equal(t, TypeRowDescription, msg.Type)
	// field count prefix
	assert.Equal(t, []byte{0, 2}, msg.Data[:2])

	msg, err = enc.TextRow("1", "alice")
	require.NoError(t, err)
	assert.Equal(t, TypeDataRow, msg.Type)
	assert.Equal(t, []byte{0, 2}, msg.Data[:2])
}

func TestGoError(t *testing.T) {
	var enc Encoder
	msg, err := enc.GoError(assert.AnError)
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "ERROR")
	assert.Contains(t, string(msg.Data), assert.AnError.Error())
}

func TestParameterStatus(t *testing.T) {
	var enc Encoder
	msg, err := enc.ParameterStatus("server_version", "17.0")
	require.NoError(t, err)
	assert.Equal(t, TypeParameterStatus, msg.Type)
	assert.Equal(t, []byte("server_version\x0017.0\x00"), msg.Data)
}
