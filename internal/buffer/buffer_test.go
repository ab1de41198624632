package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferReadWrite(t *testing.T) {
	b := &Buffer{}
	b.AppendByte(0x01)
	b.AppendUint16(0x0203)
	b.AppendUint32(0x04050607)
	b.AppendUint64(0x08090a0b0c0d0e0f)
	b.AppendString("hi")

	require.Equal(t, 17, b.Len())

	n, err := b.ReadByte()
	require.NoError(t, err)
	require.EqualValues(t, 0x01, n)

	n16, err := b.ReadUint16()
	require.NoError(t, err)
	require.EqualValues(t, 0x0203, n16)

	n32, err := b.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, 0x04050607, n32)

	n64, err := b.ReadUint64()
	require.NoError(t, err)
	require.EqualValues(t, 0x08090a0b0c0d0e0f, n64)

	require.Equal(t, []byte("hi"), b.Bytes())
}

func TestBufferNext(t *testing.T) {
	b := New([]byte{1, 2, 3, 4})

	chunk, ok := b.Next(2)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2}, chunk)

	_, ok = b.Next(3)
	require.False(t, ok)
	require.Equal(t, 2, b.Len())
}

func TestBufferShortReads(t *testing.T) {
	b := New([]byte{0xff})

	_, err := b.ReadUint16()
	require.Error(t, err)
	_, err = b.ReadUint32()
	require.Error(t, err)
	_, err = b.ReadUint64()
	require.Error(t, err)

	// the failed reads must not consume the byte
	n, err := b.ReadByte()
	require.NoError(t, err)
	require.EqualValues(t, 0xff, n)

	_, err = b.ReadByte()
	require.Error(t, err)
}

func TestBufferReclaim(t *testing.T) {
	b := New([]byte{1, 2, 3, 4, 5, 6})
	b.Skip(4)

	b.Reclaim()
	require.Equal(t, 2, b.Len())
	require.Equal(t, 2, b.Size())
	require.Equal(t, []byte{5, 6}, b.Bytes())
}

func TestBufferDetach(t *testing.T) {
	b := &Buffer{}
	b.Append([]byte{9, 8, 7})

	raw := b.Detach()
	require.Equal(t, []byte{9, 8, 7}, raw)
	require.Zero(t, b.Len())
}
