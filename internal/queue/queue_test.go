package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueBasic(t *testing.T) {
	q := New[int](4)
	require.Zero(t, q.Len())

	_, ok := q.Dequeue()
	require.False(t, ok)

	for i := 0; i < 10; i++ {
		q.Enqueue(i)
	}
	require.Equal(t, 10, q.Len())

	for i := 0; i < 10; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Zero(t, q.Len())

	_, ok = q.Dequeue()
	require.False(t, ok)
}

func TestQueueInterleaved(t *testing.T) {
	q := New[string](2)

	next := 0
	expect := 0
	enqueue := func(count int) {
		for i := 0; i < count; i++ {
			q.Enqueue(string(rune('a' + next%26)))
			next++
		}
	}
	dequeue := func(count int) {
		for i := 0; i < count; i++ {
			v, ok := q.Dequeue()
			require.True(t, ok)
			require.Equal(t, string(rune('a'+expect%26)), v)
			expect++
		}
	}

	enqueue(3)
	dequeue(2)
	enqueue(5)
	dequeue(6)
	require.Zero(t, q.Len())

	// segments should be reused after a full drain
	enqueue(4)
	dequeue(4)
	require.Zero(t, q.Len())
}
