// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package types defines the logical column types and the textual cell
// encoding shared by the storage, execution, and wire layers.
package types

import (
	"strconv"

	"github.com/apache/arrow/go/v10/arrow"

	"github.com/small-db/small-db/errors"
)

// Type is a logical column type.
type Type int

const (
	Int64 Type = iota
	String
)

func (t Type) String() string {
	switch t {
	case Int64:
		return "INT64"
	case String:
		return "STRING"
	}
	return "UNKNOWN"
}

// Parse returns the Type named by its canonical string form.
func Parse(s string) (Type, error) {
	switch s {
	case "INT64":
		return Int64, nil
	case "STRING":
		return String, nil
	}
	return 0, errors.Newf(errors.ErrUnsupported, "unsupported type: %s", s)
}

// ParseSQLName maps a parser type name to a Type. The parser lowercases
// names and rewrites standard integer types to the pg_catalog spellings.
func ParseSQLName(name string) (Type, error) {
	switch name {
	case "int4", "int8", "bigint", "int", "integer":
		return Int64, nil
	case "string", "text", "varchar":
		return String, nil
	}
	return 0, errors.Newf(errors.ErrUnsupported, "unsupported column type: %s", name)
}

// OID returns the PostgreSQL type OID used in RowDescription messages.
func (t Type) OID() int32 {
	if t == Int64 {
		return 20 // int8
	}
	return 25 // text
}

// Len returns the PostgreSQL type length: 8 for int8, -1 for varlena.
func (t Type) Len() int16 {
	if t == Int64 {
		return 8
	}
	return -1
}

// Arrow returns the arrow type used for in-memory batches.
func (t Type) Arrow() arrow.DataType {
	if t == Int64 {
		return arrow.PrimitiveTypes.Int64
	}
	return arrow.BinaryTypes.String
}

// FromArrow maps an arrow field type back to a Type.
func FromArrow(dt arrow.DataType) (Type, error) {
	switch dt.ID() {
	case arrow.INT64:
		return Int64, nil
	case arrow.STRING:
		return String, nil
	}
	return 0, errors.Newf(errors.ErrUnsupported, "unsupported arrow type: %s", dt)
}

func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Type) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return errors.Wrap(err, "unquoting type name")
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Datum is a single typed value.
type Datum struct {
	typ Type
	i   int64
	s   string
}

func NewInt64(v int64) Datum {
	return Datum{typ: Int64, i: v}
}

func NewString(s string) Datum {
	return Datum{typ: String, s: s}
}

func (d Datum) Type() Type {
	return d.typ
}

func (d Datum) Int64() int64 {
	return d.i
}

func (d Datum) Text() string {
	return d.s
}

// Encode returns the storage and wire form of the datum: decimal ASCII for
// INT64, the raw bytes for STRING.
func (d Datum) Encode() string {
	if d.typ == Int64 {
		return strconv.FormatInt(d.i, 10)
	}
	return d.s
}

// Decode parses an encoded cell back into a Datum of the given type.
func Decode(s string, typ Type) (Datum, error) {
	if typ == Int64 {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Datum{}, errors.Newf(errors.ErrMalformedValue, "malformed INT64 value: %q", s)
		}
		return NewInt64(v), nil
	}
	return NewString(s), nil
}
