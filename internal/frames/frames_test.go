package frames

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/buffer"
	"github.com/skiff-io/amqp/internal/encoding"
)

func TestParseHeader(t *testing.T) {
	buf := buffer.New([]byte{0x00, 0x00, 0x00, 0x1c, 0x02, 0x00, 0x00, 0x05})

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	require.Equal(t, Header{
		Size:       28,
		DataOffset: 2,
		FrameType:  0,
		Channel:    5,
	}, h)
}

func TestParseHeaderInvalid(t *testing.T) {
	// size below the header length
	_, err := ParseHeader(buffer.New([]byte{0x00, 0x00, 0x00, 0x07, 0x02, 0x00, 0x00, 0x00}))
	require.Error(t, err)

	// data offset below 2
	_, err = ParseHeader(buffer.New([]byte{0x00, 0x00, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00}))
	require.Error(t, err)

	// truncated
	_, err = ParseHeader(buffer.New([]byte{0x00, 0x00}))
	require.Error(t, err)
}

func TestWriteEmptyFrame(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, Write(buf, Frame{Type: TypeAMQP}))
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x08, 0x02, 0x00, 0x00, 0x00}, buf.Bytes())
}

// TestSettledTransferWireFormat pins the on-wire form of a minimal
// settled transfer.
func TestSettledTransferWireFormat(t *testing.T) {
	deliveryID := uint32(0)
	format := uint32(0)
	fr := Frame{
		Type: TypeAMQP,
		Body: &PerformTransfer{
			Handle:        0,
			DeliveryID:    &deliveryID,
			DeliveryTag:   []byte{0x00, 0x00, 0x00, 0x01},
			MessageFormat: &format,
			Settled:       true,
		},
	}

	buf := &buffer.Buffer{}
	require.NoError(t, Write(buf, fr))

	want := []byte{
		0x02, 0x00, 0x00, 0x00, // doff, type, channel
		0x00, 0x53, 0x14, // transfer descriptor
		0xc0, 0x0b, 0x05, // list8, size, count
		0x43,                         // handle: uint0
		0x43,                         // delivery-id: uint0
		0xa0, 0x04, 0x00, 0x00, 0x00, 0x01, // delivery-tag
		0x43, // message-format: uint0
		0x41, // settled: true
	}
	require.Equal(t, want, buf.Bytes()[4:])
}

func TestPerformativeRoundTrips(t *testing.T) {
	remoteChannel := uint16(3)
	handle := uint32(4)
	deliveryCount := uint32(10)
	linkCredit := uint32(500)
	nextIncomingID := uint32(7)
	last := uint32(42)
	ssm := encoding.ModeUnsettled
	rsm := encoding.ModeSecond

	tests := []FrameBody{
		&PerformOpen{
			ContainerID:  "container-a",
			Hostname:     "vhost",
			MaxFrameSize: 512,
			ChannelMax:   99,
			IdleTimeout:  time.Minute,
			Properties:   encoding.NewFields(encoding.Symbol("product"), "test"),
		},
		&PerformBegin{
			RemoteChannel:  &remoteChannel,
			NextOutgoingID: 1,
			IncomingWindow: 5000,
			OutgoingWindow: 1000,
			HandleMax:      31,
			OfferedCapabilities: encoding.MultiSymbol{"cap-a", "cap-b"},
		},
		&PerformAttach{
			Name:               "link-name",
			Handle:             2,
			Role:               encoding.RoleReceiver,
			SenderSettleMode:   &ssm,
			ReceiverSettleMode: &rsm,
			Source: &Source{
				Address:      "queue-a",
				ExpiryPolicy: encoding.ExpirySessionEnd,
			},
			Target: &Target{
				Address:      "queue-b",
				ExpiryPolicy: encoding.ExpirySessionEnd,
			},
			MaxMessageSize: 1 << 20,
		},
		&PerformFlow{
			NextIncomingID: &nextIncomingID,
			IncomingWindow: 100,
			NextOutgoingID: 2,
			OutgoingWindow: 200,
			Handle:         &handle,
			DeliveryCount:  &deliveryCount,
			LinkCredit:     &linkCredit,
			Drain:          true,
			Echo:           true,
		},
		&PerformDisposition{
			Role:    encoding.RoleReceiver,
			First:   40,
			Last:    &last,
			Settled: true,
			State:   &encoding.StateAccepted{},
		},
		&PerformDetach{
			Handle: 4,
			Closed: true,
			Error: &encoding.Error{
				Condition:   "amqp:link:detach-forced",
				Description: "spontaneous detach",
			},
		},
		&PerformEnd{},
		&PerformClose{
			Error: &encoding.Error{Condition: "amqp:connection:forced"},
		},
		&SASLMechanisms{Mechanisms: encoding.MultiSymbol{"PLAIN", "ANONYMOUS"}},
		&SASLInit{Mechanism: "PLAIN", InitialResponse: []byte("\x00user\x00pass")},
		&SASLChallenge{Challenge: []byte("server-first")},
		&SASLResponse{Response: []byte("client-final")},
		&SASLOutcome{Code: CodeSASLAuth, AdditionalData: []byte("nope")},
	}

	for _, tt := range tests {
		t.Run(typeName(tt), func(t *testing.T) {
			buf := &buffer.Buffer{}
			require.NoError(t, Write(buf, Frame{Type: TypeAMQP, Channel: 1, Body: tt}))

			h, err := ParseHeader(buf)
			require.NoError(t, err)
			require.EqualValues(t, 1, h.Channel)

			got, err := ParseBody(buf)
			require.NoError(t, err)

			if diff := cmp.Diff(tt, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *PerformOpen:
		return "Open"
	case *PerformBegin:
		return "Begin"
	case *PerformAttach:
		return "Attach"
	case *PerformFlow:
		return "Flow"
	case *PerformTransfer:
		return "Transfer"
	case *PerformDisposition:
		return "Disposition"
	case *PerformDetach:
		return "Detach"
	case *PerformEnd:
		return "End"
	case *PerformClose:
		return "Close"
	case *SASLMechanisms:
		return "SASLMechanisms"
	case *SASLInit:
		return "SASLInit"
	case *SASLChallenge:
		return "SASLChallenge"
	case *SASLResponse:
		return "SASLResponse"
	case *SASLOutcome:
		return "SASLOutcome"
	default:
		return "unknown"
	}
}

func TestTransferPayloadRoundTrip(t *testing.T) {
	deliveryID := uint32(9)
	format := uint32(0)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	fr := &PerformTransfer{
		Handle:        1,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag-1"),
		MessageFormat: &format,
		More:          true,
		Payload:       payload,
	}

	buf := &buffer.Buffer{}
	require.NoError(t, Write(buf, Frame{Type: TypeAMQP, Body: fr}))

	_, err := ParseHeader(buf)
	require.NoError(t, err)

	got, err := ParseBody(buf)
	require.NoError(t, err)

	tr, ok := got.(*PerformTransfer)
	require.True(t, ok)
	require.Equal(t, payload, tr.Payload)
	require.True(t, tr.More)
	require.Equal(t, []byte("tag-1"), tr.DeliveryTag)
}
