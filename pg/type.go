// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package pg

// Type identifies a Postgres data type on the wire.
type Type struct {
	// OID is the Postgres object ID of the type.
	OID int32

	// Len is the size in bytes of the type's binary representation.
	// Variable-width types use -1.
	Len int16
}

var (
	// TypeInt8 is a 64-bit integer.
	TypeInt8 = Type{OID: 20, Len: 8}

	// TypeText is a variable-length string.
	TypeText = Type{OID: 25, Len: -1}
)
