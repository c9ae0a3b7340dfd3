// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package pgtest

import (
	"bufio"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"

	"github.com/small-db/small-db/pg"
	"github.com/small-db/small-db/pg/message"
)

// Frontend is a minimal postgres client for driving a server in tests.
// It speaks just enough of the protocol to start up and run simple queries.
type Frontend struct {
	conn net.Conn
	r    *message.WireReader
	w    *message.WireWriter

	// Params collects ParameterStatus reports sent during startup.
	Params map[string]string
}

// NewFrontend wraps a connection to a postgres server.
func NewFrontend(conn net.Conn) *Frontend {
	return &Frontend{
		conn:   conn,
		r:      message.NewWireReader(bufio.NewReader(conn)),
		w:      message.NewWireWriter(bufio.NewWriter(conn)),
		Params: make(map[string]string),
	}
}

// RequestSSL sends an SSLRequest packet and returns the server's one-byte answer.
func (f *Frontend) RequestSSL() (byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], 8)
	binary.BigEndian.PutUint32(buf[4:], uint32(pg.ProtocolSSL))
	_, err := f.conn.Write(buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "sending SSL request")
	}

	var resp [1]byte
	_, err = f.conn.Read(resp[:])
	if err != nil {
		return 0, errors.Wrap(err, "reading SSL response")
	}
	return resp[0], nil
}

// Startup sends a startup packet with the given parameters and consumes
// messages until the server reports that it is ready for a query.
func (f *Frontend) Startup(params map[string]string) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(pg.ProtocolSupported))
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(body))+4)
	_, err := f.conn.Write(lenbuf[:])
	if err != nil {
		return errors.Wrap(err, "sending startup length")
	}
	_, err = f.conn.Write(body)
	if err != nil {
		return errors.Wrap(err, "sending startup packet")
	}

	var sawAuth bool
	for {
		msg, err := f.r.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "reading startup response")
		}
		switch msg.Type {
		case message.TypeAuthentication:
			if binary.BigEndian.Uint32(msg.Data) != 0 {
				return errors.New("server requested authentication")
			}
			sawAuth = true
		case message.TypeParameterStatus:
			k, rest, err := cutString(msg.Data)
			if err != nil {
				return err
			}
			v, _, err := cutString(rest)
			if err != nil {
				return err
			}
			f.Params[k] = v
		case message.TypeBackendKeyData:
			// Advisory; nothing to keep.
		case message.TypeReadyForQuery:
			if !sawAuth {
				return errors.New("server never confirmed authentication")
			}
			return nil
		case message.TypeError:
			return errors.Errorf("startup failed: %v", parseError(msg.Data))
		default:
			return errors.Errorf("unexpected message type %q during startup", msg.Type)
		}
	}
}

// QueryResult is the decoded response to a simple query.
type QueryResult struct {
	Columns []string
	Descs   []message.ColumnDescription
	Rows    [][]string
	Tag     string
	Empty   bool

	// Err holds the server's ErrorResponse, if any.
	Err error
}

// Query runs a simple query and decodes the response.
// A query-level error is reported in the result, not the returned error.
func (f *Frontend) Query(q string) (*QueryResult, error) {
	err := f.w.WriteMessage(message.Message{
		Type: message.TypeSimpleQuery,
		Data: append([]byte(q), 0),
	})
	if err != nil {
		return nil, errors.Wrap(err, "sending query")
	}
	err = f.w.Flush()
	if err != nil {
		return nil, errors.Wrap(err, "sending query")
	}

	res := &QueryResult{}
	for {
		msg, err := f.r.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "reading query response")
		}
		switch msg.Type {
		case message.TypeRowDescription:
			descs, err := parseRowDescription(msg.Data)
			if err != nil {
				return nil, err
			}
			res.Descs = descs
			res.Columns = make([]string, len(descs))
			for i, d := range descs {
				res.Columns[i] = d.Name
			}
		case message.TypeDataRow:
			row, err := parseDataRow(msg.Data)
			if err != nil {
				return nil, err
			}
			res.Rows = append(res.Rows, row)
		case message.TypeCommandComplete:
			tag, _, err := cutString(msg.Data)
			if err != nil {
				return nil, err
			}
			res.Tag = tag
		case message.TypeEmptyQueryResponse:
			res.Empty = true
		case message.TypeError:
			res.Err = parseError(msg.Data)
		case message.TypeReadyForQuery:
			return res, nil
		default:
			return nil, errors.Errorf("unexpected message type %q in query response", msg.Type)
		}
	}
}

// Close terminates the session and closes the connection.
func (f *Frontend) Close() error {
	err := f.w.WriteMessage(message.Message{Type: message.TypeTermination, Data: []byte{}})
	if err == nil {
		err = f.w.Flush()
	}
	cerr := f.conn.Close()
	if err != nil {
		return err
	}
	return cerr
}

func cutString(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, errors.New("unterminated string")
}

func parseError(data []byte) error {
	var severity, text string
	for len(data) > 0 && data[0] != 0 {
		typ := message.NoticeFieldType(data[0])
		val, rest, err := cutString(data[1:])
		if err != nil {
			break
		}
		data = rest
		switch typ {
		case message.NoticeFieldSeverity:
			severity = val
		case message.NoticeFieldMessage:
			text = val
		}
	}
	return errors.Errorf("%s: %s", severity, text)
}

func parseRowDescription(data []byte) ([]message.ColumnDescription, error) {
	if len(data) < 2 {
		return nil, errors.New("short row description")
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	cols := make([]message.ColumnDescription, 0, n)
	for i := 0; i < n; i++ {
		name, rest, err := cutString(data)
		if err != nil {
			return nil, err
		}
		// table ID, field ID, type ID, type length, type modifier, mode
		if len(rest) < 18 {
			return nil, errors.New("short column description")
		}
		cols = append(cols, message.ColumnDescription{
			Name:         name,
			TableID:      int32(binary.BigEndian.Uint32(rest[0:4])),
			FieldID:      int16(binary.BigEndian.Uint16(rest[4:6])),
			TypeID:       int32(binary.BigEndian.Uint32(rest[6:10])),
			TypeLen:      int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(rest[12:16])),
			Mode:         int16(binary.BigEndian.Uint16(rest[16:18])),
		})
		data = rest[18:]
	}
	return cols, nil
}

func parseDataRow(data []byte) ([]string, error) {
	if len(data) < 2 {
		return nil, errors.New("short data row")
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	row := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < 4 {
			return nil, errors.New("short data row field")
		}
		fieldLen := int32(binary.BigEndian.Uint32(data))
		data = data[4:]
		if fieldLen < 0 {
			row = append(row, "")
			continue
		}
		if len(data) < int(fieldLen) {
			return nil, errors.New("short data row field")
		}
		row = append(row, string(data[:fieldLen]))
		data = data[fieldLen:]
	}
	return row, nil
}
