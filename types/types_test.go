// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
package types_test

import (
	"encoding/json"
	"testing"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-db/small-db/errors"
	"github.com/small-db/small-db/types"
)

func TestTypeWireAttributes(t *testing.T) {
	assert.Equal(t, int32(20), types.Int64.OID())
	assert.Equal(t, int16(8), types.Int64.Len())
	assert.Equal(t, int32(25), types.String.OID())
	assert.Equal(t, int16(-1), types.String.Len())

	assert.Equal(t, arrow.PrimitiveTypes.Int64, types.Int64.Arrow())
	assert.Equal(t, arrow.BinaryTypes.String, types.String.Arrow())
}

func TestParseSQLName(t *testing.T) {
	for _, name := range []string{"int4", "int8", "bigint"} {
		typ, err := types.ParseSQLName(name)
		require.NoError(t, err)
		assert.Equal(t, types.Int64, typ)
	}
	for _, name := range []string{"string", "text", "varchar"} {
		typ, err := types.ParseSQLName(name)
		require.NoError(t, err)
		assert.Equal(t, types.String, typ)
	}

	_, err := types.ParseSQLName("float8")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}

func TestTypeJSON(t *testing.T) {
	b, err := json.Marshal([]types.Type{types.Int64, types.String})
	require.NoError(t, err)
	assert.Equal(t, `["INT64","STRING"]`, string(b))

	var got []types.Type
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, []types.Type{types.Int64, types.String}, got)

	require.Error(t, json.Unmarshal([]byte(`"FLOAT"`), new(types.Type)))
}

func TestDatumEncode(t *testing.T) {
	assert.Equal(t, "42", types.NewInt64(42).Encode())
	assert.Equal(t, "-7", types.NewInt64(-7).Encode())
	assert.Equal(t, "us", types.NewString("us").Encode())
	assert.Equal(t, "", types.NewString("").Encode())
}

func TestDecode(t *testing.T) {
	d, err := types.Decode("1001", types.Int64)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), d.Int64())
	assert.Equal(t, types.Int64, d.Type())

	d, err = types.Decode("asia", types.String)
	require.NoError(t, err)
	assert.Equal(t, "asia", d.Text())

	_, err = types.Decode("12x", types.Int64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedValue))
}
