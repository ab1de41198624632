package amqp

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/skiff-io/amqp/internal/debug"
	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/queue"
)

// The protocol is symmetric: a connection accepted from a listener runs
// the same state machines as a dialed one, with the header exchange
// reversed. None of this implements broker semantics; the host
// application decides what to do with incoming sessions and links.

// ConnAllowIncoming allows remotely initiated sessions and links to be
// accepted.
//
// If you pass this option you MUST service Client.NextIncomingSession()
// and Session.NextIncomingLink(); unserviced incoming requests block
// their multiplexer.
func ConnAllowIncoming() ConnOption {
	return func(c *conn) error {
		c.allowIncoming = true
		return nil
	}
}

// NewIncoming treats netConn as an incoming server connection (e.g. from
// net.Listener.Accept()) and performs the reversed protocol header
// exchange, reading the initiating peer's OPEN.
func NewIncoming(netConn net.Conn, opts ...ConnOption) (*IncomingConn, error) {
	c, err := newConn(netConn, opts...)
	if err != nil {
		return nil, err
	}
	c.isServer = true
	c.deferOpen = true

	go c.connReader()

	for state := c.negotiateProto; state != nil; {
		state = state()
	}
	if c.err != nil {
		close(c.txDone)
		_ = c.net.Close()
		return nil, c.err
	}

	return &IncomingConn{c: c}, nil
}

// IncomingConn represents an incoming OPEN request.
type IncomingConn struct {
	c *conn
}

// ContainerID returns the container-id advertised by the peer.
func (ic *IncomingConn) ContainerID() string {
	return ic.c.peerContainerID
}

// Hostname returns the virtual host requested by the peer.
func (ic *IncomingConn) Hostname() string {
	if ic.c.peerOpen == nil {
		return ""
	}
	return ic.c.peerOpen.Hostname
}

// Properties returns the peer's connection properties in wire order.
func (ic *IncomingConn) Properties() *Fields {
	return ic.c.peerProperties
}

// Accept sends an OPEN response and starts the connection multiplexer.
//
// Pass the ConnAllowIncoming option (here or to NewIncoming) to accept
// incoming sessions and links on this connection.
func (ic *IncomingConn) Accept(opts ...ConnOption) (*Client, error) {
	c := ic.c
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	open := c.localOpen()
	debug.TxFrame(context.Background(), "conn", open)
	if err := c.writeFrame(frames.Frame{
		Type: frames.TypeAMQP,
		Body: open,
	}); err != nil {
		c.err = err
		close(c.txDone)
		_ = c.net.Close()
		return nil, err
	}

	go c.mux()
	go c.connWriter()

	return &Client{conn: c}, nil
}

// Close sends a CLOSE carrying e to reject the OPEN request.
func (ic *IncomingConn) Close(e *Error) error {
	c := ic.c
	// an open must precede close on the wire even when rejecting
	if err := c.writeFrame(frames.Frame{
		Type: frames.TypeAMQP,
		Body: c.localOpen(),
	}); err != nil {
		_ = c.net.Close()
		return err
	}
	if err := c.writeFrame(frames.Frame{
		Type: frames.TypeAMQP,
		Body: &frames.PerformClose{Error: e},
	}); err != nil {
		_ = c.net.Close()
		return err
	}
	close(c.txDone)
	return c.net.Close()
}

// NextIncomingLink surfaces the next remotely initiated link on the
// session. The returned IncomingLink must be accepted or rejected.
func (s *Session) NextIncomingLink(ctx context.Context) (*IncomingLink, error) {
	select {
	case l := <-s.incomingLink:
		// the session mux queued the peer's attach on l.rx
		fr := <-l.rx
		att, ok := fr.(*frames.PerformAttach)
		if !ok {
			return nil, errors.Errorf("unexpected frame %T while accepting link", fr)
		}
		return &IncomingLink{link: l, attach: att}, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// newIncomingLink creates the local half of a remotely initiated link.
// Our role is the reverse of the attaching peer's.
func newIncomingLink(s *Session, att *frames.PerformAttach) *link {
	l := &link{
		key:           linkKey{att.Name, !att.Role},
		session:       s,
		close:         make(chan struct{}),
		detached:      make(chan struct{}),
		receiverReady: make(chan struct{}, 1),
		rx:            make(chan frames.FrameBody, 1),
		source:        att.Source,
		target:        att.Target,
	}
	return l
}

// IncomingLink represents an incoming ATTACH request.
type IncomingLink struct {
	link   *link
	attach *frames.PerformAttach
}

// Name returns the link name proposed by the peer.
func (il *IncomingLink) Name() string { return il.attach.Name }

// Role returns the LOCAL role of the prospective link: RoleSender when
// the peer attached as receiver, and vice versa.
func (il *IncomingLink) Role() Role { return !il.attach.Role }

// Address returns the source or target address requested by the peer,
// depending on direction.
func (il *IncomingLink) Address() string {
	if il.attach.Role == encoding.RoleSender {
		// peer sends, we receive; messages arrive at the target
		if il.attach.Target != nil {
			return il.attach.Target.Address
		}
		return ""
	}
	if il.attach.Source != nil {
		return il.attach.Source.Address
	}
	return ""
}

// AcceptReceiver accepts an attach from a remote sender, returning the
// Receiver for the new link.
func (il *IncomingLink) AcceptReceiver(opts ...LinkOption) (*Receiver, error) {
	if il.attach.Role != encoding.RoleSender {
		return nil, errors.New("peer attached as receiver, accept a Sender instead")
	}

	l := il.link
	r := &Receiver{
		maxCredit:  DefaultLinkCredit,
		prefetched: queue.New[Message](prefetchSegmentSize),
	}
	l.receiver = r
	r.link = l

	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}

	if err := il.respond(encoding.RoleReceiver); err != nil {
		return nil, err
	}

	l.deliveryCount = il.attach.InitialDeliveryCount
	l.linkCredit = 0
	l.messages = make(chan Message, r.maxCredit)
	l.unsettledMessages = map[string]struct{}{}

	go l.mux()
	return r, nil
}

// AcceptSender accepts an attach from a remote receiver, returning the
// Sender for the new link.
func (il *IncomingLink) AcceptSender(opts ...LinkOption) (*Sender, error) {
	if il.attach.Role != encoding.RoleReceiver {
		return nil, errors.New("peer attached as sender, accept a Receiver instead")
	}

	l := il.link
	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}

	if err := il.respond(encoding.RoleSender); err != nil {
		return nil, err
	}

	l.linkCredit = 0 // no credit until the receiver grants it
	l.transfers = make(chan frames.PerformTransfer)

	go l.mux()
	return &Sender{link: l}, nil
}

// Close rejects the ATTACH request: attach with no terminus, then a
// closing detach carrying e.
func (il *IncomingLink) Close(e *Error) error {
	l := il.link

	resp := &frames.PerformAttach{
		Name:   l.key.name,
		Handle: l.handle,
		Role:   !il.attach.Role,
	}
	if err := l.session.txFrame(resp, nil); err != nil {
		return err
	}

	detach := &frames.PerformDetach{
		Handle: l.handle,
		Closed: true,
		Error:  e,
	}
	if err := l.session.txFrame(detach, nil); err != nil {
		return err
	}

	// release the handle
	select {
	case l.session.deallocateHandle <- l:
	case <-l.session.done:
	}
	return nil
}

// respond completes the attach handshake, honoring the settlement
// modes proposed by the peer.
func (il *IncomingLink) respond(role encoding.Role) error {
	l := il.link
	att := il.attach

	l.senderSettleMode = senderSettleModeValue(att.SenderSettleMode).Ptr()
	l.receiverSettleMode = receiverSettleModeValue(att.ReceiverSettleMode).Ptr()
	if att.MaxMessageSize != 0 && (l.maxMessageSize == 0 || att.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = att.MaxMessageSize
	}

	l.peerUnsettled = att.Unsettled
	l.reconcileUnsettled()

	resp := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		Role:               role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		MaxMessageSize:     l.maxMessageSize,
		Properties:         l.properties,
		Unsettled:          l.localUnsettled,
	}
	debug.TxFrame(context.Background(), "link", resp)
	return l.session.txFrame(resp, nil)
}
