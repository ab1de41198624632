package encoding

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/buffer"
)

// roundTripAny marshals v, decodes it back with ReadAny, requires that
// every byte was consumed, and returns the decoded value.
func roundTripAny(t *testing.T, v interface{}) interface{} {
	t.Helper()

	buf := &buffer.Buffer{}
	require.NoError(t, Marshal(buf, v))

	got, err := ReadAny(buf)
	require.NoError(t, err)
	require.Zero(t, buf.Len(), "decoder must consume all bytes")
	return got
}

func TestRoundTripPrimitives(t *testing.T) {
	tests := []struct {
		label string
		value interface{}
	}{
		{"null", nil},
		{"bool-true", true},
		{"bool-false", false},
		{"ubyte", uint8(200)},
		{"ushort", uint16(0xfedc)},
		{"uint0", uint32(0)},
		{"smalluint", uint32(255)},
		{"uint", uint32(math.MaxUint32)},
		{"ulong0", uint64(0)},
		{"smallulong", uint64(255)},
		{"ulong", uint64(math.MaxUint64)},
		{"byte", int8(-120)},
		{"short", int16(-32000)},
		{"smallint", int32(-128)},
		{"int", int32(math.MinInt32)},
		{"smalllong", int64(127)},
		{"long", int64(math.MinInt64)},
		{"float", float32(3.5)},
		{"double", float64(-1.25e100)},
		{"string-short", "hello"},
		{"string-empty", ""},
		{"symbol", Symbol("amqp:accepted:list")},
		{"binary", []byte{0x01, 0x02, 0x03}},
		{"binary-empty", []byte{}},
		{"timestamp", time.Date(2020, 5, 17, 11, 42, 58, 0, time.UTC)},
		{"uuid", UUID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
		{"list", []interface{}{int64(1), "two", true}},
		{"array-int64", []int64{math.MinInt64, 0, math.MaxInt64}},
		{"array-string", []string{"a", "bc", ""}},
		{"array-symbol", []Symbol{"x", "y"}},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got := roundTripAny(t, tt.value)

			switch want := tt.value.(type) {
			case int8, int16:
				// signed 8/16-bit round-trip exactly
				require.EqualValues(t, want, got)
			default:
				if diff := cmp.Diff(tt.value, got, cmpopts.EquateEmpty()); diff != "" {
					t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestShortestFormIntegers(t *testing.T) {
	tests := []struct {
		label string
		value interface{}
		want  []byte
	}{
		{"uint0", uint32(0), []byte{byte(TypeCodeUint0)}},
		{"smalluint", uint32(255), []byte{byte(TypeCodeSmallUint), 0xff}},
		{"uint", uint32(256), []byte{byte(TypeCodeUint), 0x00, 0x00, 0x01, 0x00}},
		{"ulong0", uint64(0), []byte{byte(TypeCodeUlong0)}},
		{"smallulong", uint64(1), []byte{byte(TypeCodeSmallUlong), 0x01}},
		{"smalllong", int64(-1), []byte{byte(TypeCodeSmalllong), 0xff}},
		{"smallint", int32(127), []byte{byte(TypeCodeSmallint), 0x7f}},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			buf := &buffer.Buffer{}
			require.NoError(t, Marshal(buf, tt.value))
			require.Equal(t, tt.want, buf.Bytes())
		})
	}
}

func TestDecodeAcceptsAnyValidForm(t *testing.T) {
	// a full-width uint encoding of a small value must decode
	wide := &buffer.Buffer{}
	wide.AppendByte(byte(TypeCodeUint))
	wide.AppendUint32(7)

	var got uint32
	require.NoError(t, Unmarshal(wide, &got))
	require.EqualValues(t, 7, got)
}

func TestStringBoundaryForms(t *testing.T) {
	// 254 byte strings use the 8-bit form; longer use the 32-bit form
	str254 := make([]byte, 254)
	str300 := make([]byte, 300)
	for i := range str254 {
		str254[i] = 'a'
	}
	for i := range str300 {
		str300[i] = 'b'
	}

	buf := &buffer.Buffer{}
	require.NoError(t, Marshal(buf, string(str254)))
	require.Equal(t, byte(TypeCodeStr8), buf.Bytes()[0])

	buf.Reset()
	require.NoError(t, Marshal(buf, string(str300)))
	require.Equal(t, byte(TypeCodeStr32), buf.Bytes()[0])

	buf.Reset()
	require.NoError(t, Marshal(buf, str300))
	require.Equal(t, byte(TypeCodeVbin32), buf.Bytes()[0])

	// legacy peers emit a 255-byte value in the 8-bit form; decoder must accept
	legacy := &buffer.Buffer{}
	legacy.AppendByte(byte(TypeCodeStr8))
	legacy.AppendByte(255)
	payload := make([]byte, 255)
	for i := range payload {
		payload[i] = 'c'
	}
	legacy.Append(payload)

	var got string
	require.NoError(t, Unmarshal(legacy, &got))
	require.Len(t, got, 255)
}

func TestLoneSymbolDecodesAsArray(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, Symbol("PLAIN").Marshal(buf))

	var ms MultiSymbol
	require.NoError(t, Unmarshal(buf, &ms))
	require.Equal(t, MultiSymbol{"PLAIN"}, ms)
}

func TestMultiSymbolEncodesAsArray(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, Marshal(buf, MultiSymbol{"a", "b"}))
	require.Equal(t, byte(TypeCodeArray8), buf.Bytes()[0])
}

func TestMarshalSizeProbe(t *testing.T) {
	values := []interface{}{
		uint32(500),
		"some string",
		[]byte{1, 2, 3, 4},
		MultiSymbol{"x", "yz"},
	}

	for _, v := range values {
		size, err := MarshalSize(v)
		require.NoError(t, err)

		buf := &buffer.Buffer{}
		require.NoError(t, Marshal(buf, v))
		require.Equal(t, buf.Len(), size)
	}
}

func TestCompositeMissingFieldsAreDefaults(t *testing.T) {
	// an error composite with only the condition field set; the
	// description and info fields are absent from the wire
	buf := &buffer.Buffer{}
	e := &Error{Condition: "amqp:internal-error"}
	require.NoError(t, e.Marshal(buf))

	var got Error
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, ErrCond("amqp:internal-error"), got.Condition)
	require.Empty(t, got.Description)
	require.Zero(t, got.Info.Len())
}

func TestDeliveryStateRoundTrip(t *testing.T) {
	states := []DeliveryState{
		&StateReceived{SectionNumber: 1, SectionOffset: 77},
		&StateAccepted{},
		&StateRejected{Error: &Error{Condition: "amqp:decode-error", Description: "oops"}},
		&StateReleased{},
		&StateModified{DeliveryFailed: true, UndeliverableHere: true},
	}

	for _, state := range states {
		buf := &buffer.Buffer{}
		require.NoError(t, Marshal(buf, state))

		got, err := ReadDeliveryState(buf)
		require.NoError(t, err)
		require.IsType(t, state, got)
	}
}

func TestMilliseconds(t *testing.T) {
	buf := &buffer.Buffer{}
	ms := Milliseconds(2500 * time.Millisecond)
	require.NoError(t, ms.Marshal(buf))

	var got Milliseconds
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, ms, got)
}
