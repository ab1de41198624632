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

func TestClosedSenderReturnsErrClosed(t *testing.T) {
	l := newTestLink(t)
	l.receiver = nil
	l.err = ErrLinkClosed
	close(l.detached)

	sender := &Sender{link: l}

	err := sender.Send(context.TODO(), &Message{})
	require.EqualError(t, ErrLinkClosed, err.Error())
}

// senderTracker handles the handshake for sender links, tracking
// transfers in transfers.
type senderTracker struct {
	mu        sync.Mutex
	transfers []frames.PerformTransfer

	// disposition to return on final transfer frames; nil to stay silent
	onTransfer func(tr *frames.PerformTransfer) ([]byte, error)
}

func (st *senderTracker) responder(req frames.FrameBody) ([]byte, error) {
	switch tt := req.(type) {
	case *mocks.AMQPProto:
		return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
	case *frames.PerformOpen:
		// advertise a small max frame size so multi-frame tests
		// fragment, and no idle timeout
		return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
			ContainerID:  "test",
			MaxFrameSize: 512,
		})
	case *frames.PerformBegin:
		return mocks.PerformBegin(0)
	case *frames.PerformAttach:
		return mocks.ReceiverAttach(tt.Name, 0, tt.SenderSettleMode, tt.ReceiverSettleMode)
	case *frames.PerformTransfer:
		st.mu.Lock()
		st.transfers = append(st.transfers, *tt)
		st.mu.Unlock()
		if !tt.More && st.onTransfer != nil {
			return st.onTransfer(tt)
		}
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

func (st *senderTracker) all() []frames.PerformTransfer {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]frames.PerformTransfer, len(st.transfers))
	copy(out, st.transfers)
	return out
}

// newTestSender runs the full handshake against the mock and grants
// the sender the given credit.
func newTestSender(t *testing.T, st *senderTracker, credit uint32, opts ...LinkOption) (*Client, *Sender, *mocks.NetConn) {
	t.Helper()

	netConn := mocks.NewNetConn(st.responder)

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	sender, err := session.NewSender(append([]LinkOption{LinkTargetAddress("queue-a")}, opts...)...)
	require.NoError(t, err)

	if credit > 0 {
		flow, err := mocks.PerformFlow(sender.link.handle, 0, credit)
		require.NoError(t, err)
		netConn.SendFrame(flow)
	}

	return client, sender, netConn
}

func TestSenderSettledSend(t *testing.T) {
	st := &senderTracker{}
	client, sender, _ := newTestSender(t, st, 1, LinkSenderSettle(ModeSettled))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sender.Send(ctx, NewMessage([]byte("Hello AMQP"))))

	transfers := st.all()
	require.Len(t, transfers, 1)
	tr := transfers[0]
	require.NotNil(t, tr.DeliveryID)
	require.EqualValues(t, 0, *tr.DeliveryID)
	require.True(t, tr.Settled)
	require.False(t, tr.More)

	require.NoError(t, sender.Close(ctx))
}

func TestSenderUnsettledSendWithDisposition(t *testing.T) {
	st := &senderTracker{}
	st.onTransfer = func(tr *frames.PerformTransfer) ([]byte, error) {
		return mocks.PerformDisposition(*tr.DeliveryID, true, &encoding.StateAccepted{})
	}

	client, sender, _ := newTestSender(t, st, 1, LinkSenderSettle(ModeUnsettled))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sender.Send(ctx, NewMessage([]byte("Hello AMQP"))))

	// the accepted+settled disposition must clear the unsettled map
	require.Eventually(t, func() bool {
		return sender.Unsettled().Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSenderRejectedDisposition(t *testing.T) {
	st := &senderTracker{}
	st.onTransfer = func(tr *frames.PerformTransfer) ([]byte, error) {
		return mocks.PerformDisposition(*tr.DeliveryID, true, &encoding.StateRejected{
			Error: &Error{Condition: ErrCondNotAllowed, Description: "bad payload"},
		})
	}

	client, sender, _ := newTestSender(t, st, 1, LinkSenderSettle(ModeUnsettled))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sender.Send(ctx, NewMessage([]byte("Hello AMQP")))
	require.Error(t, err)
	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	require.Equal(t, ErrCondNotAllowed, amqpErr.Condition)
}

func TestSenderMultiFrameTransfer(t *testing.T) {
	st := &senderTracker{}
	client, sender, _ := newTestSender(t, st, 1, LinkSenderSettle(ModeSettled))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, sender.Send(ctx, NewMessage(payload)))

	transfers := st.all()
	require.GreaterOrEqual(t, len(transfers), 20, "10KiB over 512 byte frames must fragment")

	var assembled []byte
	for i, tr := range transfers {
		if i == 0 {
			require.NotNil(t, tr.DeliveryID)
			require.NotNil(t, tr.DeliveryTag)
			require.NotNil(t, tr.MessageFormat)
		} else {
			// continuation frames omit the repeat-prohibited fields
			require.Nil(t, tr.DeliveryID)
			require.Nil(t, tr.DeliveryTag)
			require.Nil(t, tr.MessageFormat)
		}
		if i < len(transfers)-1 {
			require.True(t, tr.More)
		} else {
			require.False(t, tr.More)
		}
		// each frame must fit the negotiated max frame size
		require.LessOrEqual(t, len(tr.Payload)+maxTransferFrameHeader, 512)
		assembled = append(assembled, tr.Payload...)
	}

	// reassembled transfer payloads decode to the original message
	var msg Message
	require.NoError(t, msg.UnmarshalBinary(assembled))
	require.Equal(t, payload, msg.GetData())
}

func TestSenderCreditExhaustion(t *testing.T) {
	st := &senderTracker{}
	client, sender, netConn := newTestSender(t, st, 3, LinkSenderSettle(ModeSettled))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send(ctx, NewMessage([]byte("msg"))))
	}

	// fourth send suspends until new credit arrives
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer shortCancel()
	err := sender.Send(shortCtx, NewMessage([]byte("blocked")))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// grant more credit; the next send succeeds
	flow, err := mocks.PerformFlow(sender.link.handle, 3, 2)
	require.NoError(t, err)
	netConn.SendFrame(flow)

	require.NoError(t, sender.Send(ctx, NewMessage([]byte("unblocked"))))
}
