package amqp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLoopback wires a dialing client to an accepting listener over an
// in-memory pipe and pushes a message across: both engine stacks run
// against each other with no mocks.
func TestLoopback(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	type result struct {
		payload []byte
		err     error
	}
	received := make(chan result, 1)

	go func() {
		ic, err := NewIncoming(serverConn, ConnAllowIncoming(), ConnContainerID("server"))
		if err != nil {
			received <- result{err: err}
			return
		}

		client, err := ic.Accept()
		if err != nil {
			received <- result{err: err}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		session, err := client.NextIncomingSession(ctx)
		if err != nil {
			received <- result{err: err}
			return
		}

		il, err := session.NextIncomingLink(ctx)
		if err != nil {
			received <- result{err: err}
			return
		}

		receiver, err := il.AcceptReceiver()
		if err != nil {
			received <- result{err: err}
			return
		}

		msg, err := receiver.Receive(ctx)
		if err != nil {
			received <- result{err: err}
			return
		}
		received <- result{payload: msg.GetData()}
	}()

	client, err := New(clientConn, ConnContainerID("client"))
	require.NoError(t, err)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)

	sender, err := session.NewSender(
		LinkTargetAddress("loopback-queue"),
		LinkSenderSettle(ModeSettled),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, sender.Send(ctx, NewMessage([]byte("over the pipe"))))

	select {
	case res := <-received:
		require.NoError(t, res.err)
		require.Equal(t, []byte("over the pipe"), res.payload)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for loopback delivery")
	}
}

func TestIncomingConnMetadata(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	done := make(chan error, 1)
	go func() {
		ic, err := NewIncoming(serverConn)
		if err != nil {
			done <- err
			return
		}
		if id := ic.ContainerID(); id != "metadata-client" {
			done <- errNilMetadata(id)
			return
		}
		if host := ic.Hostname(); host != "vhost-1" {
			done <- errNilMetadata(host)
			return
		}
		_, err = ic.Accept()
		done <- err
	}()

	client, err := New(clientConn,
		ConnContainerID("metadata-client"),
		ConnServerHostname("vhost-1"),
	)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, <-done)
}

type errNilMetadata string

func (e errNilMetadata) Error() string { return "unexpected metadata " + string(e) }
