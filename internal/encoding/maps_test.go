package encoding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/buffer"
)

func TestFieldsPreserveWireOrder(t *testing.T) {
	f := &Fields{}
	// deliberately not in sorted order
	f.Set("zebra", "z")
	f.Set("apple", "a")
	f.Set("mango", "m")

	buf := &buffer.Buffer{}
	require.NoError(t, f.Marshal(buf))

	var got Fields
	require.NoError(t, got.Unmarshal(buf))

	var keys []Symbol
	for _, kv := range got.Pairs() {
		keys = append(keys, kv.Key.(Symbol))
	}
	require.Equal(t, []Symbol{"zebra", "apple", "mango"}, keys)
}

func TestAnnotationsOrderSurvivesManyEntries(t *testing.T) {
	a := &Annotations{}
	const n = 64
	for i := 0; i < n; i++ {
		a.Set(fmt.Sprintf("key-%03d", n-i), int64(i))
	}

	buf := &buffer.Buffer{}
	require.NoError(t, a.Marshal(buf))

	var got Annotations
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, n, got.Len())

	pairs := got.Pairs()
	for i := 0; i < n; i++ {
		// string keys are encoded as symbols
		require.Equal(t, Symbol(fmt.Sprintf("key-%03d", n-i)), pairs[i].Key)
		require.Equal(t, int64(i), pairs[i].Value)
	}
}

func TestMapRejectsDuplicateKeys(t *testing.T) {
	// hand-build a map with a duplicate symbol key
	payload := &buffer.Buffer{}
	require.NoError(t, Symbol("dup").Marshal(payload))
	require.NoError(t, Marshal(payload, uint32(1)))
	require.NoError(t, Symbol("dup").Marshal(payload))
	require.NoError(t, Marshal(payload, uint32(2)))

	buf := &buffer.Buffer{}
	writeMapHeader(buf, payload.Len(), 4)
	buf.Append(payload.Bytes())

	var got Annotations
	err := got.Unmarshal(buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestSymbolAndStringKeysAreDistinct(t *testing.T) {
	payload := &buffer.Buffer{}
	// same spelling, one symbol and one string
	require.NoError(t, Symbol("key").Marshal(payload))
	require.NoError(t, Marshal(payload, uint32(1)))
	require.NoError(t, Marshal(payload, "key"))
	require.NoError(t, Marshal(payload, uint32(2)))

	buf := &buffer.Buffer{}
	writeMapHeader(buf, payload.Len(), 4)
	buf.Append(payload.Bytes())

	var got Annotations
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, 2, got.Len())

	v, ok := got.Get(Symbol("key"))
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	v, ok = got.Get("key")
	require.True(t, ok)
	require.EqualValues(t, 2, v)
}

func TestAppPropertiesStringKeys(t *testing.T) {
	p := NewAppProperties("first", int64(1), "second", "two")

	buf := &buffer.Buffer{}
	require.NoError(t, p.Marshal(buf))

	var got AppProperties
	require.NoError(t, got.Unmarshal(buf))

	pairs := got.Pairs()
	require.Len(t, pairs, 2)
	require.Equal(t, "first", pairs[0].Key)
	require.Equal(t, "second", pairs[1].Key)
}

func TestUnsettledMapBinaryTags(t *testing.T) {
	u := &Unsettled{}
	u.Set(string([]byte{0x00, 0x01}), &StateAccepted{})
	u.Set("tag-2", nil)

	buf := &buffer.Buffer{}
	require.NoError(t, u.Marshal(buf))

	var got Unsettled
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, 2, got.Len())

	state, ok := got.Get(string([]byte{0x00, 0x01}))
	require.True(t, ok)
	require.IsType(t, &StateAccepted{}, state)

	state, ok = got.Get("tag-2")
	require.True(t, ok)
	require.Nil(t, state)
}

func TestFilterRoundTrip(t *testing.T) {
	f := &Filter{}
	f.Set("apache.org:selector-filter:string", &DescribedType{
		Descriptor: uint64(0x0000468C00000004),
		Value:      "amqp.annotation.x-opt-offset > '100'",
	})

	buf := &buffer.Buffer{}
	require.NoError(t, f.Marshal(buf))

	var got Filter
	require.NoError(t, got.Unmarshal(buf))

	dt, ok := got.Get("apache.org:selector-filter:string")
	require.True(t, ok)
	require.EqualValues(t, uint64(0x0000468C00000004), dt.Descriptor)
	require.Equal(t, "amqp.annotation.x-opt-offset > '100'", dt.Value)
}
