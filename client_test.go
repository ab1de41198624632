package amqp

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/mocks"
)

type mockDialer struct {
	resp func(frames.FrameBody) ([]byte, error)
}

func (m mockDialer) NetDialerDial(c *conn, host, port string) error {
	c.net = mocks.NewNetConn(m.resp)
	return nil
}

func (mockDialer) TLSDialWithDialer(c *conn, host, port string) error {
	panic("nyi")
}

// basicResponder handles the protocol header and OPEN exchange plus
// graceful shutdown, the common prelude of most tests.
func basicResponder(req frames.FrameBody) ([]byte, error) {
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

func TestClientDial(t *testing.T) {
	client, err := Dial("amqp://localhost", connDialer(mockDialer{resp: basicResponder}))
	if err != nil {
		t.Fatal(err)
	}
	if client == nil {
		t.Fatal("unexpected nil client")
	}
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}

	// error case
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return nil, errors.New("mock read failed")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	client, err = Dial("amqp://localhost", connDialer(mockDialer{resp: responder}))
	if err == nil {
		t.Fatal("unexpected nil error")
	}
	if client != nil {
		t.Fatal("expected nil client")
	}
}

func TestClientClose(t *testing.T) {
	defer leaktest.Check(t)()

	netConn := mocks.NewNetConn(basicResponder)
	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	if client == nil {
		t.Fatal("unexpected nil client")
	}
	time.Sleep(100 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionOptions(t *testing.T) {
	tests := []struct {
		label  string
		opt    SessionOption
		verify func(t *testing.T, s *Session)
		fails  bool
	}{
		{
			label: "SessionIncomingWindow",
			opt:   SessionIncomingWindow(5000),
			verify: func(t *testing.T, s *Session) {
				if s.incomingWindow != 5000 {
					t.Errorf("unexpected incoming window %d", s.incomingWindow)
				}
			},
		},
		{
			label: "SessionOutgoingWindow",
			opt:   SessionOutgoingWindow(6000),
			verify: func(t *testing.T, s *Session) {
				if s.outgoingWindow != 6000 {
					t.Errorf("unexpected outgoing window %d", s.outgoingWindow)
				}
			},
		},
		{
			label: "SessionMaxLinksTooSmall",
			opt:   SessionMaxLinks(0),
			fails: true,
		},
		{
			label: "SessionMaxLinks",
			opt:   SessionMaxLinks(4096),
			verify: func(t *testing.T, s *Session) {
				if s.handleMax != 4096-1 {
					t.Errorf("unexpected max links %d", s.handleMax)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			session := newSession(nil, 0)
			err := tt.opt(session)
			if err != nil && !tt.fails {
				t.Error(err)
			}
			if !tt.fails {
				tt.verify(t, session)
			}
		})
	}
}

func TestClientNewSession(t *testing.T) {
	const channelNum = 0
	const incomingWindow = 5000
	const outgoingWindow = 6000

	responder := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			if tt.RemoteChannel != nil {
				return nil, errors.New("expected nil remote channel")
			}
			if tt.IncomingWindow != incomingWindow {
				return nil, fmt.Errorf("unexpected incoming window %d", tt.IncomingWindow)
			}
			if tt.OutgoingWindow != outgoingWindow {
				return nil, fmt.Errorf("unexpected outgoing window %d", tt.OutgoingWindow)
			}
			return mocks.PerformBegin(channelNum)
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	session, err := client.NewSession(SessionIncomingWindow(incomingWindow), SessionOutgoingWindow(outgoingWindow))
	if err != nil {
		t.Fatal(err)
	}
	if session == nil {
		t.Fatal("unexpected nil session")
	}
	if sc := session.channel; sc != channelNum {
		t.Fatalf("unexpected channel number %d", sc)
	}
	time.Sleep(100 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	// creating a session after the connection has been closed returns nothing
	session, err = client.NewSession()
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("unexpected error %v", err)
	}
	if session != nil {
		t.Fatal("expected nil session")
	}
}

func TestClientMultipleSessions(t *testing.T) {
	channelNum := uint16(0)

	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			b, err := mocks.PerformBegin(channelNum)
			channelNum++
			return b, err
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	// first session
	session1, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	if session1 == nil {
		t.Fatal("unexpected nil session")
	}
	if sc := session1.channel; sc != channelNum-1 {
		t.Fatalf("unexpected channel number %d", sc)
	}
	// second session
	time.Sleep(100 * time.Millisecond)
	session2, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	if session2 == nil {
		t.Fatal("unexpected nil session")
	}
	if sc := session2.channel; sc != channelNum-1 {
		t.Fatalf("unexpected channel number %d", sc)
	}
	time.Sleep(100 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestClientTooManySessions(t *testing.T) {
	channelNum := uint16(0)

	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			// return small number of max channels
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
				ChannelMax:   1,
				ContainerID:  "test",
				IdleTimeout:  time.Minute,
				MaxFrameSize: 4294967295,
			})
		case *frames.PerformBegin:
			b, err := mocks.PerformBegin(channelNum)
			channelNum++
			return b, err
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint16(0); i < 3; i++ {
		session, err := client.NewSession()
		if i < 2 {
			if err != nil {
				t.Fatal(err)
			}
			if session == nil {
				t.Fatal("unexpected nil session")
			}
		} else {
			// third channel should fail
			if err == nil {
				t.Fatal("unexpected nil error")
			}
			if session != nil {
				t.Fatal("expected nil session")
			}
		}
	}
	time.Sleep(100 * time.Millisecond)
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConnOptions(t *testing.T) {
	tests := []struct {
		label  string
		opt    ConnOption
		verify func(t *testing.T, c *conn)
		fails  bool
	}{
		{
			label: "ConnContainerID",
			opt:   ConnContainerID("custom-id"),
			verify: func(t *testing.T, c *conn) {
				if c.containerID != "custom-id" {
					t.Errorf("unexpected container id %q", c.containerID)
				}
			},
		},
		{
			label: "ConnMaxFrameSizeTooSmall",
			opt:   ConnMaxFrameSize(128),
			fails: true,
		},
		{
			label: "ConnMaxSessions",
			opt:   ConnMaxSessions(32),
			verify: func(t *testing.T, c *conn) {
				if c.channelMax != 31 {
					t.Errorf("unexpected channel max %d", c.channelMax)
				}
			},
		},
		{
			label: "ConnMaxSessionsTooSmall",
			opt:   ConnMaxSessions(0),
			fails: true,
		},
		{
			label: "ConnIdleTimeoutNegative",
			opt:   ConnIdleTimeout(-1),
			fails: true,
		},
		{
			label: "ConnProperty",
			opt:   ConnProperty("platform", "golang"),
			verify: func(t *testing.T, c *conn) {
				v, ok := c.properties.Get("platform")
				if !ok || v != "golang" {
					t.Errorf("unexpected properties %v", c.properties)
				}
			},
		},
		{
			label: "ConnPropertyEmptyKey",
			opt:   ConnProperty("", "v"),
			fails: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			c, err := newConn(nil, tt.opt)
			if tt.fails {
				if err == nil {
					t.Fatal("unexpected nil error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.verify(t, c)
		})
	}
}

func TestBitmap(t *testing.T) {
	b := &bitmap{max: math.MaxUint16}

	for i := uint32(0); i < 130; i++ {
		n, ok := b.next()
		if !ok || n != i {
			t.Fatalf("unexpected allocation %d (ok=%t), expected %d", n, ok, i)
		}
	}

	b.release(1)
	b.release(65)

	if n, ok := b.next(); !ok || n != 1 {
		t.Fatalf("unexpected allocation %d", n)
	}
	if n, ok := b.next(); !ok || n != 65 {
		t.Fatalf("unexpected allocation %d", n)
	}
	if n, ok := b.next(); !ok || n != 130 {
		t.Fatalf("unexpected allocation %d", n)
	}

	small := &bitmap{max: 1}
	small.next()
	small.next()
	if _, ok := small.next(); ok {
		t.Fatal("expected allocation to fail at max")
	}
}
