package amqp

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/mocks"
)

func TestConnKeepaliveEmission(t *testing.T) {
	var keepalives int32

	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			// remote declares a 1s idle timeout; we must emit an
			// empty frame at least every 500ms
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
				ContainerID: "test",
				IdleTimeout: 1 * time.Second,
			})
		case *mocks.KeepAlive:
			atomic.AddInt32(&keepalives, 1)
			return nil, nil
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	netConn := mocks.NewNetConn(responder)
	client, err := New(netConn)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&keepalives) >= 2
	}, 3*time.Second, 50*time.Millisecond, "expected keepalives at half the peer idle timeout")
}

func TestConnIdleTimeoutExpiry(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	netConn := mocks.NewNetConn(responder)
	client, err := New(netConn, ConnIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)

	// no inbound frames: the connection must abort once the local
	// idle timeout elapses
	time.Sleep(600 * time.Millisecond)

	_, err = client.NewSession()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestConnRemoteClose(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			b, err := mocks.PerformOpen("container")
			if err != nil {
				return nil, err
			}
			// follow the open with a close carrying an error
			cls, err := mocks.PerformClose(&Error{
				Condition:   ErrCondConnectionForced,
				Description: "server going away",
			})
			if err != nil {
				return nil, err
			}
			return append(b, cls...), nil
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	netConn := mocks.NewNetConn(responder)
	client, err := New(netConn)
	require.NoError(t, err)

	// the remote close terminates the connection
	time.Sleep(200 * time.Millisecond)

	_, err = client.NewSession()
	require.Error(t, err)
	var amqpErr *Error
	require.True(t, errors.As(err, &amqpErr), "got %v", err)
	require.Equal(t, ErrCondConnectionForced, amqpErr.Condition)
}

func TestConnMaxFrameSizeEnforcedOnReceive(t *testing.T) {
	payload := make([]byte, 2048)

	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			b, err := mocks.PerformOpen("container")
			if err != nil {
				return nil, err
			}
			// an oversized frame violates our advertised max
			big, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformTransfer{
				Handle:  0,
				Payload: payload,
			})
			if err != nil {
				return nil, err
			}
			return append(b, big...), nil
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	netConn := mocks.NewNetConn(responder)
	client, err := New(netConn, ConnMaxFrameSize(512))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	_, err = client.NewSession()
	require.Error(t, err)
	require.Contains(t, err.Error(), "max frame size")
}
