// Package mocks provides an in-memory net.Conn with a frame responder,
// used to drive the protocol engines in tests.
package mocks

import (
	"errors"
	"math"
	"net"
	"time"

	"github.com/skiff-io/amqp/internal/buffer"
	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
)

// NewNetConn creates a new instance of NetConn.
// Responder is invoked by Write when a frame is received.
// Return a nil slice/nil error to swallow the frame.
// Return a non-nil error to simulate a write error.
func NewNetConn(resp func(frames.FrameBody) ([]byte, error)) *NetConn {
	return &NetConn{
		resp: resp,
		// during shutdown, connReader can close before connWriter as they both
		// both return on c.Done being closed, so there is some non-determinism
		// here.  this means that sometimes writes can still happen but there's
		// no reader to consume them.  we used a buffered channel to prevent these
		// writes from blocking shutdown. the size was arbitrarily picked.
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

// NetConn is a mock network connection that satisfies the net.Conn interface.
type NetConn struct {
	resp      func(frames.FrameBody) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	leftover  []byte // remainder of a frame batch larger than the reader's buffer
	readClose chan struct{}
	closed    bool
}

// SendFrame sends the encoded frame to the reading side, out of band
// of the responder callback.
func (n *NetConn) SendFrame(b []byte) {
	n.readData <- b
}

///////////////////////////////////////////////////////
// following methods are for the net.Conn interface
///////////////////////////////////////////////////////

// NOTE: Read, Write, and Close are all called by separate goroutines!

// Read is invoked by conn.connReader to recieve frame data.
// It blocks until Write or Close are called, or the read
// deadline expires which will return an error.
func (n *NetConn) Read(b []byte) (int, error) {
	select {
	case <-n.readClose:
		return 0, errors.New("mock connection was closed")
	default:
		// not closed yet
	}

	if len(n.leftover) > 0 {
		c := copy(b, n.leftover)
		n.leftover = n.leftover[c:]
		return c, nil
	}

	select {
	case <-n.readClose:
		return 0, errors.New("mock connection was closed")
	case <-n.readDL.C:
		return 0, &deadlineError{}
	case rd := <-n.readData:
		c := copy(b, rd)
		if c < len(rd) {
			n.leftover = rd[c:]
		}
		return c, nil
	}
}

// Write is invoked by conn.connWriter when we're being sent frame
// data.  Every call to Write will invoke the responder callback that
// must reply with one of three possibilities.
//  1. an encoded frame and nil error
//  2. a non-nil error to simulate a write failure
//  3. a nil slice and nil error indicating the frame should be ignored
func (n *NetConn) Write(b []byte) (int, error) {
	select {
	case <-n.readClose:
		return 0, errors.New("mock connection was closed")
	default:
		// not closed yet
	}

	frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := n.resp(frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		n.readData <- resp
	}
	return len(b), nil
}

// Close is called by conn.close.
func (n *NetConn) Close() error {
	if n.closed {
		return errors.New("double close")
	}
	n.closed = true
	close(n.readClose)
	return nil
}

func (n *NetConn) LocalAddr() net.Addr {
	return &net.IPAddr{
		IP: net.IPv4(127, 0, 0, 2),
	}
}

func (n *NetConn) RemoteAddr() net.Addr {
	return &net.IPAddr{
		IP: net.IPv4(127, 0, 0, 2),
	}
}

func (n *NetConn) SetDeadline(t time.Time) error {
	return errors.New("not used")
}

func (n *NetConn) SetReadDeadline(t time.Time) error {
	// called by conn.connReader before calling Read
	// stop the last timer if available
	if n.readDL != nil && !n.readDL.Stop() {
		<-n.readDL.C
	}
	n.readDL = time.NewTimer(time.Until(t))
	return nil
}

func (n *NetConn) SetWriteDeadline(t time.Time) error {
	// called by conn.connWriter before calling Write
	return nil
}

// deadlineError is returned when the read deadline expires, it
// satisfies the net.Error interface so idle-timeout handling in
// conn.connReader treats it as a timeout.
type deadlineError struct{}

func (deadlineError) Error() string   { return "mock connection read deadline exceeded" }
func (deadlineError) Timeout() bool   { return true }
func (deadlineError) Temporary() bool { return false }

///////////////////////////////////////////////////////
///////////////////////////////////////////////////////

// ProtoID indicates the type of protocol (copied from conn.go)
type ProtoID uint8

const (
	ProtoAMQP ProtoID = 0x0
	ProtoTLS  ProtoID = 0x2
	ProtoSASL ProtoID = 0x3
)

// ProtoHeader adds the initial handshake frame to the list of responses.
// This frame, and PerformOpen, are needed when calling amqp.New() to create a client.
func ProtoHeader(id ProtoID) ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0}, nil
}

// PerformOpen appends a PerformOpen frame with the specified container ID
// and the default channel-max.
// This frame, and ProtoHeader, are needed when calling amqp.New() to create a client.
func PerformOpen(containerID string) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformOpen{ContainerID: containerID, ChannelMax: 65535})
}

// PerformBegin appends a PerformBegin frame with the specified remote channel ID.
// This frame is needed when making a call to Client.NewSession().
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// PerformEnd appends a PerformEnd frame with an optional error.
func PerformEnd(e *encoding.Error) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformEnd{Error: e})
}

// PerformClose appends a PerformClose frame with an optional error.
func PerformClose(e *encoding.Error) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformClose{Error: e})
}

// SenderAttach encodes a PerformAttach frame for a remote sender, i.e.
// the response expected by a local receiver link. The settle modes
// echo whatever the link under test requested.
func SenderAttach(linkName string, linkHandle uint32, ssm *encoding.SenderSettleMode, rsm *encoding.ReceiverSettleMode) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &frames.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpirySessionEnd,
		},
		Target:             &frames.Target{},
		SenderSettleMode:   ssm,
		ReceiverSettleMode: rsm,
		MaxMessageSize:     math.MaxUint32,
	})
}

// ReceiverAttach encodes a PerformAttach frame for a remote receiver,
// i.e. the response expected by a local sender link. The settle modes
// echo whatever the link under test requested.
func ReceiverAttach(linkName string, linkHandle uint32, ssm *encoding.SenderSettleMode, rsm *encoding.ReceiverSettleMode) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
		Source: &frames.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpirySessionEnd,
		},
		Target:             &frames.Target{Address: "test"},
		SenderSettleMode:   ssm,
		ReceiverSettleMode: rsm,
		MaxMessageSize:     math.MaxUint32,
	})
}

// PerformFlow encodes a flow frame granting credit to a local sender.
func PerformFlow(handle, deliveryCount, linkCredit uint32) ([]byte, error) {
	nextIncomingID := uint32(1)
	return EncodeFrame(FrameAMQP, 0, &frames.PerformFlow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: 5000,
		NextOutgoingID: 1,
		OutgoingWindow: 1000,
		Handle:         &handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
	})
}

// PerformTransfer encodes a PerformTransfer frame with a data section
// containing payload.
// The linkHandle MUST match the handle in the preceding attach exchange.
func PerformTransfer(linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	payloadBuf := &buffer.Buffer{}
	encoding.WriteDescriptor(payloadBuf, encoding.TypeCodeApplicationData)
	err := encoding.WriteBinary(payloadBuf, payload)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(FrameAMQP, 0, &frames.PerformTransfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Settled:       true,
		Payload:       payloadBuf.Detach(),
	})
}

// PerformDisposition encodes a PerformDisposition frame with the specified values.
// The deliveryID MUST match the deliveryID value specified in PerformTransfer.
func PerformDisposition(deliveryID uint32, settled bool, state encoding.DeliveryState) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: settled,
		State:   state,
	})
}

// AMQPProto is the frame type passed to the responder for the initial protocol handshake.
type AMQPProto struct {
	frames.FrameBody
}

// KeepAlive is the frame type passed to the responder for keep-alive frames.
type KeepAlive struct {
	frames.FrameBody
}

// FrameType indicates the type of frame.
type FrameType uint8

const (
	FrameAMQP FrameType = 0x0
	FrameSASL FrameType = 0x1
)

// EncodeFrame encodes fr with its frame header for sending to the
// connection under test.
func EncodeFrame(t FrameType, channel uint16, fr frames.FrameBody) ([]byte, error) {
	buf := &buffer.Buffer{}
	err := frames.Write(buf, frames.Frame{
		Type:    frames.Type(t),
		Channel: channel,
		Body:    fr,
	})
	if err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}

func decodeFrame(b []byte) (frames.FrameBody, error) {
	if len(b) > 3 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		return &AMQPProto{}, nil
	}
	buf := buffer.New(b)
	header, err := frames.ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	bodySize := int64(header.Size - frames.HeaderSize)
	if bodySize == 0 {
		// keep alive frame
		return &KeepAlive{}, nil
	}
	// parse the frame
	b, ok := buf.Next(bodySize)
	if !ok {
		return nil, errors.New("truncated frame")
	}
	return frames.ParseBody(buffer.New(b))
}
