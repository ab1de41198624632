package amqp

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/encoding"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Header: &MessageHeader{
			Durable:  true,
			Priority: 7,
			TTL:      30 * time.Second,
		},
		DeliveryAnnotations: NewAnnotations("x-da", int64(1)),
		Annotations:         NewAnnotations("x-opt-partition-key", "p1"),
		Properties: &MessageProperties{
			MessageID:     "id-1",
			To:            "queue-a",
			Subject:       "subj",
			ReplyTo:       "queue-b",
			ContentType:   "application/json",
			GroupID:       "g1",
			GroupSequence: 2,
		},
		ApplicationProperties: NewAppProperties("k1", "v1", "k2", int64(2)),
		Data:                  [][]byte{[]byte("part-one"), []byte("part-two")},
		Footer:                NewAnnotations("checksum", []byte{0xCA, 0xFE}),
	}

	bin, err := msg.MarshalBinary()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.UnmarshalBinary(bin))

	require.NotNil(t, got.Header)
	require.True(t, got.Header.Durable)
	require.EqualValues(t, 7, got.Header.Priority)
	require.Equal(t, 30*time.Second, got.Header.TTL)

	require.NotNil(t, got.Properties)
	require.Equal(t, "id-1", got.Properties.MessageID)
	require.Equal(t, "queue-a", got.Properties.To)
	require.Equal(t, "application/json", got.Properties.ContentType)
	require.EqualValues(t, 2, got.Properties.GroupSequence)

	require.True(t, msg.DeliveryAnnotations.Equal(got.DeliveryAnnotations))
	require.True(t, msg.Annotations.Equal(got.Annotations))
	require.True(t, msg.ApplicationProperties.Equal(got.ApplicationProperties))
	require.True(t, msg.Footer.Equal(got.Footer))

	if diff := cmp.Diff(msg.Data, got.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageValueBody(t *testing.T) {
	msg := &Message{Value: "just a value"}

	bin, err := msg.MarshalBinary()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.UnmarshalBinary(bin))
	require.Equal(t, "just a value", got.Value)
	require.Nil(t, got.GetData())
}

func TestMessageAppPropertiesOrder(t *testing.T) {
	msg := &Message{
		ApplicationProperties: NewAppProperties(
			"zz", int64(1),
			"aa", int64(2),
			"mm", int64(3),
		),
	}

	bin, err := msg.MarshalBinary()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.UnmarshalBinary(bin))

	var keys []string
	for _, kv := range got.ApplicationProperties.Pairs() {
		keys = append(keys, kv.Key.(string))
	}
	require.Equal(t, []string{"zz", "aa", "mm"}, keys)
}

func TestMessageCallDoneMultipleTimes(t *testing.T) {
	tests := []struct {
		name       string
		message    *Message
		iterations int
	}{
		{
			name:       "Channel Not Initialized",
			message:    &Message{},
			iterations: 100,
		},
		{
			name: "Channel Initialized",
			message: &Message{
				doneSignal: make(chan struct{}, 1),
			},
			iterations: 100,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				g := sync.WaitGroup{}
				for i := 0; i < test.iterations; i++ {
					g.Add(1)
					go func() {
						test.message.done()
						g.Done()
					}()
				}
				g.Wait()
			})
		})
	}
}

func TestMessageDecodeRejectsDuplicateAnnotationKeys(t *testing.T) {
	// a single "dup" key decodes fine
	msg := &Message{Annotations: NewAnnotations(encoding.Symbol("dup"), int64(1))}
	bin, err := msg.MarshalBinary()
	require.NoError(t, err)

	var raw Message
	require.NoError(t, raw.UnmarshalBinary(bin))
	require.Equal(t, 1, raw.Annotations.Len())

	// a message-annotations map holding the symbol key "dup" twice
	dup := []byte{
		0x00, 0x53, 0x72, // message-annotations descriptor
		0xc1, 0x0f, 0x04, // map8: size, count
		0xa3, 0x03, 'd', 'u', 'p', 0x55, 0x01, // "dup": 1
		0xa3, 0x03, 'd', 'u', 'p', 0x55, 0x02, // "dup": 2
	}
	var dupMsg Message
	err = dupMsg.UnmarshalBinary(dup)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}
