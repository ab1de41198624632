package amqp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/mocks"
)

// receiverTracker drives the handshake for receiver links and sends
// transfers in response to granted credit.
type receiverTracker struct {
	mu           sync.Mutex
	flows        []frames.PerformFlow
	dispositions []frames.PerformDisposition

	// invoked on each flow with credit; return encoded frames to push
	onFlow func(fl *frames.PerformFlow) ([]byte, error)
}

func (rt *receiverTracker) responder(req frames.FrameBody) ([]byte, error) {
	switch tt := req.(type) {
	case *mocks.AMQPProto:
		return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
	case *frames.PerformOpen:
		return mocks.PerformOpen("container")
	case *frames.PerformBegin:
		return mocks.PerformBegin(0)
	case *frames.PerformAttach:
		return mocks.SenderAttach(tt.Name, 0, tt.SenderSettleMode, tt.ReceiverSettleMode)
	case *frames.PerformFlow:
		rt.mu.Lock()
		rt.flows = append(rt.flows, *tt)
		rt.mu.Unlock()
		if rt.onFlow != nil {
			return rt.onFlow(tt)
		}
		return nil, nil
	case *frames.PerformDisposition:
		rt.mu.Lock()
		rt.dispositions = append(rt.dispositions, *tt)
		rt.mu.Unlock()
		return nil, nil
	case *frames.PerformDetach:
		return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformDetach{Handle: tt.Handle, Closed: true})
	case *frames.PerformEnd:
		return mocks.PerformEnd(nil)
	case *frames.PerformClose:
		return nil, nil
	default:
		return nil, fmt.Errorf("unhandled frame %T", req)
	}
}

func TestReceiverReceive(t *testing.T) {
	rt := &receiverTracker{}
	sent := false
	rt.onFlow = func(fl *frames.PerformFlow) ([]byte, error) {
		if sent || fl.LinkCredit == nil || *fl.LinkCredit == 0 {
			return nil, nil
		}
		sent = true
		return mocks.PerformTransfer(0, 0, []byte("Hello AMQP"))
	}

	netConn := mocks.NewNetConn(rt.responder)
	client, err := New(netConn)
	require.NoError(t, err)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)

	receiver, err := session.NewReceiver(LinkSourceAddress("queue-a"), LinkCredit(3))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("Hello AMQP"), msg.GetData())

	// the mock sent the transfer settled, no disposition is owed
	require.NoError(t, msg.Accept(ctx))

	require.NoError(t, receiver.Close(ctx))
}

func TestReceiverMultiFrameAssembly(t *testing.T) {
	const segments = 5
	payload := make([]byte, segments*100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	// encode the message, then fragment it by hand
	msg := NewMessage(payload)
	encoded, err := msg.MarshalBinary()
	require.NoError(t, err)

	sent := false
	rt := &receiverTracker{}
	rt.onFlow = func(fl *frames.PerformFlow) ([]byte, error) {
		if sent || fl.LinkCredit == nil || *fl.LinkCredit == 0 {
			return nil, nil
		}
		sent = true

		chunk := len(encoded)/segments + 1
		var out []byte
		deliveryID := uint32(0)
		format := uint32(0)
		for i := 0; i < len(encoded); i += chunk {
			end := i + chunk
			if end > len(encoded) {
				end = len(encoded)
			}
			tr := &frames.PerformTransfer{
				Handle:  0,
				More:    end < len(encoded),
				Settled: true,
				Payload: encoded[i:end],
			}
			if i == 0 {
				tr.DeliveryID = &deliveryID
				tr.DeliveryTag = []byte("frag")
				tr.MessageFormat = &format
			}
			b, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, tr)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil
	}

	netConn := mocks.NewNetConn(rt.responder)
	client, err := New(netConn)
	require.NoError(t, err)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)

	receiver, err := session.NewReceiver(LinkSourceAddress("queue-a"), LinkCredit(10))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, payload, got.GetData())
}

func TestReceiverDispositionRanges(t *testing.T) {
	// exercise the consecutive-id coalescing without a live peer
	mode := ModeFirst
	l := newTestLink(t)
	l.receiverSettleMode = &mode
	r := l.receiver

	msgs := []*Message{
		{deliveryID: 0, DeliveryTag: []byte("a")},
		{deliveryID: 1, DeliveryTag: []byte("b")},
		{deliveryID: 2, DeliveryTag: []byte("c")},
		{deliveryID: 5, DeliveryTag: []byte("d")},
	}

	require.NoError(t, r.AcceptAll(context.Background(), msgs))

	// two disposition frames: [0,2] and [5,5]
	var dispositions []*frames.PerformDisposition
	for len(l.session.tx) > 0 {
		fr := <-l.session.tx
		d, ok := fr.(*frames.PerformDisposition)
		require.True(t, ok)
		dispositions = append(dispositions, d)
	}

	require.Len(t, dispositions, 2)

	require.EqualValues(t, 0, dispositions[0].First)
	require.NotNil(t, dispositions[0].Last)
	require.EqualValues(t, 2, *dispositions[0].Last)
	require.True(t, dispositions[0].Settled)
	require.IsType(t, &encoding.StateAccepted{}, dispositions[0].State)

	require.EqualValues(t, 5, dispositions[1].First)
	require.NotNil(t, dispositions[1].Last)
	require.EqualValues(t, 5, *dispositions[1].Last)

	for _, msg := range msgs {
		require.True(t, msg.settled)
	}
}

func TestReceiverAutoRefillsCredit(t *testing.T) {
	var transferCount int
	rt := &receiverTracker{}
	rt.onFlow = func(fl *frames.PerformFlow) ([]byte, error) {
		if fl.LinkCredit == nil || *fl.LinkCredit == 0 {
			return nil, nil
		}
		// send one transfer per flow until 4 are delivered
		if transferCount >= 4 {
			return nil, nil
		}
		b, err := mocks.PerformTransfer(0, uint32(transferCount), []byte("m"))
		transferCount++
		return b, err
	}

	netConn := mocks.NewNetConn(rt.responder)
	client, err := New(netConn)
	require.NoError(t, err)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)

	receiver, err := session.NewReceiver(LinkSourceAddress("queue-a"), LinkCredit(2))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// receiving drains credit below the watermark and triggers a
	// replenishing flow, which the mock answers with another transfer
	for i := 0; i < 3; i++ {
		msg, err := receiver.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte("m"), msg.GetData())
	}

	rt.mu.Lock()
	flowCount := len(rt.flows)
	rt.mu.Unlock()
	require.GreaterOrEqual(t, flowCount, 2, "credit must be replenished at the low watermark")
}

func TestReceiverTransactionalStateRejected(t *testing.T) {
	l := newTestLink(t)
	r := l.receiver

	msg := &Message{deliveryID: 0}
	err := r.messageDisposition(context.Background(), msg, &encoding.DescribedType{
		Descriptor: uint64(0x34), // transactional-state
		Value:      []interface{}{[]byte("txn-id")},
	})
	require.ErrorIs(t, err, ErrTransactionsUnsupported)
}
