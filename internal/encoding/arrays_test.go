package encoding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/buffer"
)

const amqpArrayHeaderLength = 4

func TestMarshalArrayInt64AsLongArray(t *testing.T) {
	// 128 is larger than a int8 can contain. When it marshals it
	// it'll have to use the TypeCodeLong (8 bytes, signed) vs the
	// TypeCodeSmalllong (1 byte, signed).
	ai := arrayInt64([]int64{math.MaxInt8 + 1})

	buf := &buffer.Buffer{}
	require.NoError(t, ai.Marshal(buf))
	require.EqualValues(t, amqpArrayHeaderLength+8, buf.Len(), "Expected an AMQP header (4 bytes) + 8 bytes for a long")

	unmarshalled := arrayInt64{}
	require.NoError(t, unmarshalled.Unmarshal(buf))

	require.EqualValues(t, arrayInt64([]int64{math.MaxInt8 + 1}), unmarshalled)
}

func TestMarshalArrayInt64AsSmallLongArray(t *testing.T) {
	// If the values are small enough for a TypeCodeSmalllong (1 byte, signed)
	// we can save some space.
	ai := arrayInt64([]int64{math.MaxInt8, math.MinInt8})

	buf := &buffer.Buffer{}
	require.NoError(t, ai.Marshal(buf))
	require.EqualValues(t, amqpArrayHeaderLength+1+1, buf.Len(), "Expected an AMQP header (4 bytes) + 1 byte apiece for the two values")

	unmarshalled := arrayInt64{}
	require.NoError(t, unmarshalled.Unmarshal(buf))

	require.EqualValues(t, arrayInt64([]int64{math.MaxInt8, math.MinInt8}), unmarshalled)
}

func TestMarshalArrayUint32Shrinks(t *testing.T) {
	small := arrayUint32([]uint32{1, 254})
	buf := &buffer.Buffer{}
	require.NoError(t, small.Marshal(buf))
	require.EqualValues(t, amqpArrayHeaderLength+2, buf.Len())

	buf.Reset()
	big := arrayUint32([]uint32{1, math.MaxUint8 + 1})
	require.NoError(t, big.Marshal(buf))
	require.EqualValues(t, amqpArrayHeaderLength+8, buf.Len())
}

func TestArrayUByte(t *testing.T) {
	a := ArrayUByte{0x01, 0xfe}
	buf := &buffer.Buffer{}
	require.NoError(t, a.Marshal(buf))

	var got ArrayUByte
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, a, got)
}
