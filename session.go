package amqp

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/skiff-io/amqp/internal/debug"
	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/queue"
)

// Default session options
const (
	defaultWindow = 5000
)

// SessionOption is a function for configuring an AMQP session.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the maximum number of unacknowledged
// transfer frames the server can send.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindow = window
		return nil
	}
}

// SessionOutgoingWindow sets the maximum number of unacknowledged
// transfer frames the client can send.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of links (Senders/Receivers)
// allowed on the session.
//
// n must be in the range 1 to 4294967296.
//
// Default: 4294967296.
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 {
			return errors.New("max sessions cannot be less than 1")
		}
		if int64(n) > 4294967296 {
			return errors.New("max sessions cannot be greater than 4294967296")
		}
		s.handleMax = uint32(n - 1)
		return nil
	}
}

// Session is an AMQP session.
//
// A session multiplexes Receivers.
type Session struct {
	channel       uint16 // session's local channel
	remoteChannel uint16 // session's remote channel, owned by conn.mux
	conn          *conn  // underlying conn
	incoming      bool   // session was initiated by the peer
	rx            chan frames.Frame // frames destined for this session are added by conn.mux
	tx            chan frames.FrameBody // frames destined for the peer are added here and muxed by session.mux
	txTransfer    chan *frames.PerformTransfer // transfer frames sent by senders

	// flow control
	incomingWindow uint32
	outgoingWindow uint32

	handleMax uint32

	// next delivery-id; allocated by senders via atomic increment
	nextDeliveryID uint32

	// link management
	allocateHandle   chan *link // link handles are allocated by sending a link on this channel, nil is sent on link.rx once allocated
	deallocateHandle chan *link // link handles are deallocated by sending a link on this channel
	incomingLink     chan *link // remotely initiated links, surfaced when the conn allows incoming

	closeOnce sync.Once
	close     chan struct{} // closed by calling Close()
	done      chan struct{} // closed when the session is done; err is valid afterwards
	err       error
}

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:             c,
		channel:          channel,
		rx:               make(chan frames.Frame),
		tx:               make(chan frames.FrameBody),
		txTransfer:       make(chan *frames.PerformTransfer),
		incomingWindow:   defaultWindow,
		outgoingWindow:   defaultWindow,
		handleMax:        math.MaxUint32,
		allocateHandle:   make(chan *link),
		deallocateHandle: make(chan *link),
		incomingLink:     make(chan *link),
		close:            make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// begin performs the BEGIN handshake for a locally initiated session
// and starts the session mux.
func (s *Session) begin() error {
	// send Begin to server
	begin := &frames.PerformBegin{
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	debug.TxFrame(context.Background(), "session", begin)

	err := s.txFrame(begin, nil)
	if err != nil {
		s.abandon()
		return err
	}

	// wait for response
	var fr frames.Frame
	select {
	case <-s.conn.done:
		s.abandon()
		return s.conn.Err()
	case fr = <-s.rx:
	}
	debug.RxFrame(context.Background(), "session", fr.Body)

	begin, ok := fr.Body.(*frames.PerformBegin)
	if !ok {
		// this codepath is hard to hit (impossible?).  if the response isn't a PerformBegin and we've not
		// yet seen the remote channel number, the default clause in conn.mux will protect us from that.
		// if we have seen the remote channel number then it's likely the session.mux for that channel will
		// either swallow the frame or blow up in some other way, both causing this call to hang.
		// deallocate session on error.  we can't call
		// s.Close() as the session mux hasn't started yet.
		s.abandon()
		return errors.Errorf("unexpected begin response: %+v", fr.Body)
	}

	// start Session multiplexor
	go s.mux(begin)

	return nil
}

// beginIncoming completes the BEGIN handshake for a remotely initiated
// session: the peer's BEGIN has already been routed to s.rx by conn.mux.
func (s *Session) beginIncoming() error {
	var fr frames.Frame
	select {
	case <-s.conn.done:
		s.abandon()
		return s.conn.Err()
	case fr = <-s.rx:
	}

	remoteBegin, ok := fr.Body.(*frames.PerformBegin)
	if !ok {
		s.abandon()
		return errors.Errorf("unexpected frame %T while accepting session", fr.Body)
	}

	resp := &frames.PerformBegin{
		RemoteChannel:  &s.remoteChannel,
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	debug.TxFrame(context.Background(), "session", resp)
	if err := s.txFrame(resp, nil); err != nil {
		s.abandon()
		return err
	}

	go s.mux(remoteBegin)
	return nil
}

// abandon releases the channel allocated to a session whose handshake
// failed before the mux started.
func (s *Session) abandon() {
	select {
	case s.conn.delSession <- s:
	case <-s.conn.done:
	}
}

// Close gracefully closes the session.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Client is closed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err == ErrSessionClosed {
		return nil
	}
	return s.err
}

// txFrame sends a frame to the connWriter.
func (s *Session) txFrame(p frames.FrameBody, done chan encoding.DeliveryState) error {
	return s.conn.wantWriteFrame(frames.Frame{
		Type:    frames.TypeAMQP,
		Channel: s.channel,
		Body:    p,
		Done:    done,
	})
}

// NewReceiver opens a new receiver link on the session.
func (s *Session) NewReceiver(opts ...LinkOption) (*Receiver, error) {
	r := &Receiver{
		maxCredit:  DefaultLinkCredit,
		prefetched: queue.New[Message](prefetchSegmentSize),
	}

	l, err := attach(s, r, opts...)
	if err != nil {
		return nil, err
	}
	r.link = l

	return r, nil
}

// NewSender opens a new sender link on the session.
func (s *Session) NewSender(opts ...LinkOption) (*Sender, error) {
	snd := &Sender{}
	l, err := attach(s, snd, opts...)
	if err != nil {
		return nil, err
	}
	snd.link = l
	return snd, nil
}

func (s *Session) mux(remoteBegin *frames.PerformBegin) {
	defer func() {
		// clean up session record in conn.mux
		select {
		case s.conn.delSession <- s:
		case <-s.conn.done:
			if s.err == nil {
				s.err = s.conn.Err()
			}
		}
		if s.err == nil {
			s.err = ErrSessionClosed
		}
		close(s.done)
	}()

	var (
		links       = make(map[uint32]*link)  // mapping of remote handles to links
		linksByKey  = make(map[linkKey]*link) // mapping of name+role to links
		handles     = &bitmap{max: s.handleMax} // allocated handles

		handlesByDeliveryID       = make(map[uint32]uint32)                     // mapping of deliveryIDs to handles
		deliveryIDByHandle        = make(map[uint32]uint32)                     // mapping of handles to latest deliveryID
		handlesByRemoteDeliveryID = make(map[uint32]uint32)                     // mapping of remote deliveryID to handles
		settlementByDeliveryID    = make(map[uint32]chan encoding.DeliveryState) // mapping of deliveryIDs to sender settlement slots

		// flow control values
		nextOutgoingID       uint32
		nextIncomingID       = remoteBegin.NextOutgoingID
		remoteIncomingWindow = remoteBegin.IncomingWindow
		remoteOutgoingWindow = remoteBegin.OutgoingWindow
	)

	closed := s.close
	for {
		txTransfer := s.txTransfer
		// disable txTransfer if flow control windows have been exceeded
		if remoteIncomingWindow == 0 || s.outgoingWindow == 0 {
			txTransfer = nil
		}

		select {
		// conn has completed, exit
		case <-s.conn.done:
			s.err = s.conn.Err()
			return

		// session is being closed by the client
		case <-closed:
			closed = nil // swallow future closes

			end := &frames.PerformEnd{}
			debug.TxFrame(context.Background(), "session", end)
			_ = s.txFrame(end, nil)

			// discard frames until End is received or conn closed
		EndLoop:
			for {
				select {
				case fr := <-s.rx:
					_, ok := fr.Body.(*frames.PerformEnd)
					if ok {
						break EndLoop
					}
				case <-s.conn.done:
					s.err = s.conn.Err()
					return
				}
			}
			return

		// handle allocation request
		case l := <-s.allocateHandle:
			// Check if link name already exists, if so then an error should be returned
			if linksByKey[l.key] != nil {
				l.err = errors.Errorf("link with name '%v' already exists", l.key.name)
				l.rx <- nil
				continue
			}

			next, ok := handles.next()
			if !ok {
				l.err = errors.Errorf("reached session handle max (%d)", s.handleMax)
				l.rx <- nil
				continue
			}

			l.handle = next       // allocate handle to the link
			linksByKey[l.key] = l // add to mapping
			l.rx <- nil           // send nil on channel to indicate allocation complete

		// handle deallocation request
		case l := <-s.deallocateHandle:
			delete(links, l.remoteHandle)
			delete(deliveryIDByHandle, l.handle)
			delete(linksByKey, l.key)
			handles.release(l.handle)
			close(l.rx) // close channel to indicate deallocation

		// incoming frame for link or session control
		case fr := <-s.rx:
			debug.RxFrame(context.Background(), "session", fr.Body)

			switch body := fr.Body.(type) {
			// Disposition frames can reference transfers from more than one
			// link. Send this frame to all of them.
			case *frames.PerformDisposition:
				start := body.First
				end := start
				if body.Last != nil {
					end = *body.Last
				}
				for deliveryID := start; ; deliveryID++ {
					handles := handlesByDeliveryID
					if body.Role == encoding.RoleSender {
						handles = handlesByRemoteDeliveryID
					}

					handle, ok := handles[deliveryID]
					if !ok {
						if deliveryID == end {
							break
						}
						continue
					}
					delete(handles, deliveryID)

					if body.Settled && body.Role == encoding.RoleReceiver {
						// check if settlement confirmation was requested, if so
						// confirm by closing channel (RSM == ModeSecond)
						if done, ok := settlementByDeliveryID[deliveryID]; ok {
							delete(settlementByDeliveryID, deliveryID)
							select {
							case done <- body.State:
							default:
							}
							close(done)
						}
					}

					link, ok := links[handle]
					if !ok {
						// the link for this delivery is no longer attached
						if deliveryID == end {
							break
						}
						continue
					}

					s.muxFrameToLink(link, fr.Body)

					if deliveryID == end {
						break
					}
				}

				// if settlement of an unsettled disposition was requested,
				// echo the disposition back with settled=true
				if !body.Settled && body.Role == encoding.RoleReceiver {
					resp := &frames.PerformDisposition{
						Role:    encoding.RoleSender,
						First:   body.First,
						Last:    body.Last,
						Settled: true,
					}
					debug.TxFrame(context.Background(), "session", resp)
					_ = s.txFrame(resp, nil)
				}
				continue

			case *frames.PerformFlow:
				if body.NextIncomingID == nil {
					// This is a protocol error:
					//       "[...] MUST be set if the peer has received
					//        the begin frame for the session"
					s.err = errors.Wrap(errSessionViolation, "flow frame is missing next-incoming-id")
					_ = s.txFrame(&frames.PerformEnd{Error: &Error{
						Condition:   ErrCondNotAllowed,
						Description: "next-incoming-id not set after session established",
					}}, nil)
					return
				}

				// "When the endpoint receives a flow frame from its peer,
				// it MUST update the next-incoming-id directly from the
				// next-outgoing-id of the frame, and it MUST update the
				// remote-outgoing-window directly from the outgoing-window
				// of the frame."
				nextIncomingID = body.NextOutgoingID
				remoteOutgoingWindow = body.OutgoingWindow

				// "The remote-incoming-window is computed as follows:
				//
				// next-incoming-id(flow) + incoming-window(flow) - next-outgoing-id(endpoint)
				//
				// If the next-incoming-id field of the flow frame is not set, then remote-incoming-window is computed as follows:
				//
				// initial-outgoing-id(endpoint) + incoming-window(flow) - next-outgoing-id(endpoint)"
				remoteIncomingWindow = body.IncomingWindow - nextOutgoingID
				remoteIncomingWindow += *body.NextIncomingID

				// Send to link if handle is set
				if body.Handle != nil {
					link, ok := links[*body.Handle]
					if !ok {
						continue
					}

					s.muxFrameToLink(link, fr.Body)
					continue
				}

				if body.Echo {
					niID := nextIncomingID
					resp := &frames.PerformFlow{
						NextIncomingID: &niID,
						IncomingWindow: s.incomingWindow,
						NextOutgoingID: nextOutgoingID,
						OutgoingWindow: s.outgoingWindow,
					}
					debug.TxFrame(context.Background(), "session", resp)
					_ = s.txFrame(resp, nil)
				}

			case *frames.PerformAttach:
				// On Attach response link should be looked up by name, then added
				// to the links map with the remote's handle contained in this
				// attach frame.
				//
				// Note body.Role is the remote peer's role, we reverse for the local key.
				link, linkOk := linksByKey[linkKey{name: body.Name, role: !body.Role}]
				if !linkOk {
					if s.conn.allowIncoming {
						// remotely initiated link
						link = newIncomingLink(s, body)
						next, ok := handles.next()
						if !ok {
							s.err = errors.Errorf("reached session handle max (%d)", s.handleMax)
							return
						}
						link.handle = next
						linksByKey[link.key] = link
						link.remoteHandle = body.Handle
						links[link.remoteHandle] = link

						select {
						case s.incomingLink <- link:
						case <-s.conn.done:
							s.err = s.conn.Err()
							return
						}
						s.muxFrameToLink(link, fr.Body)
						continue
					}
					break
				}

				link.remoteHandle = body.Handle
				links[link.remoteHandle] = link

				s.muxFrameToLink(link, fr.Body)

			case *frames.PerformTransfer:
				// "Upon receiving a transfer, the receiving endpoint will
				// increment the next-incoming-id to match the implicit
				// transfer-id of the incoming transfer plus one, as well
				// as decrementing the remote-outgoing-window, and MAY
				// (depending on policy) decrement its incoming-window."
				if s.incomingWindow == 0 || remoteOutgoingWindow == 0 {
					s.err = errors.Wrap(errSessionViolation, "transfer frame received when window exhausted")
					_ = s.txFrame(&frames.PerformEnd{Error: &Error{
						Condition: ErrCondWindowViolation,
					}}, nil)
					return
				}
				nextIncomingID++
				remoteOutgoingWindow--
				link, ok := links[body.Handle]
				if !ok {
					continue
				}

				select {
				case <-s.conn.done:
				case link.rx <- fr.Body:
				}

				// if this message is received unsettled and link is in mode second, add to handlesByRemoteDeliveryID
				if !body.Settled && body.DeliveryID != nil && link.receiverSettleMode != nil && *link.receiverSettleMode == ModeSecond {
					handlesByRemoteDeliveryID[*body.DeliveryID] = body.Handle
				}

				// Update peer's outgoing window if half has been consumed.
				if s.incomingWindow < defaultWindow/2 {
					nID := nextIncomingID
					s.incomingWindow = defaultWindow
					flow := &frames.PerformFlow{
						NextIncomingID: &nID,
						IncomingWindow: s.incomingWindow,
						NextOutgoingID: nextOutgoingID,
						OutgoingWindow: s.outgoingWindow,
					}
					debug.TxFrame(context.Background(), "session", flow)
					_ = s.txFrame(flow, nil)
				} else {
					s.incomingWindow--
				}

			case *frames.PerformDetach:
				link, ok := links[body.Handle]
				if !ok {
					continue
				}
				s.muxFrameToLink(link, fr.Body)

			case *frames.PerformEnd:
				// peer initiated end; respond and exit
				if body.Error != nil {
					s.err = body.Error
				}
				fr := frames.PerformEnd{}
				debug.TxFrame(context.Background(), "session", &fr)
				_ = s.txFrame(&fr, nil)
				return

			default:
				debug.Log(context.Background(), slog.LevelWarn, "session mux: unexpected frame", slog.Any("frame", body))
			}

		case fr := <-txTransfer:

			// record current delivery ID
			var deliveryID uint32
			if fr.DeliveryID != nil {
				deliveryID = *fr.DeliveryID
				deliveryIDByHandle[fr.Handle] = deliveryID

				// add to handleByDeliveryID if not sender-settled
				if !fr.Settled {
					handlesByDeliveryID[deliveryID] = fr.Handle
				}
			} else {
				// if fr.DeliveryID is nil it must have been added
				// to deliveryIDByHandle already (multi-frame transfer)
				deliveryID = deliveryIDByHandle[fr.Handle]
			}

			// frame has been sender-settled, remove from map
			if fr.Settled {
				delete(handlesByDeliveryID, deliveryID)
			}

			// if not settled, add done chan to map
			// and clear from frame so conn doesn't close it.
			if !fr.Settled && fr.Done != nil {
				settlementByDeliveryID[deliveryID] = fr.Done
				fr.Done = nil
			}

			debug.TxFrame(context.Background(), "session", fr)
			err := s.txFrame(fr, fr.Done)
			if err != nil {
				s.err = err
				return
			}

			// "Upon sending a transfer, the sending endpoint will increment
			// its next-outgoing-id, decrement its remote-incoming-window,
			// and MAY (depending on policy) decrement its outgoing-window."
			nextOutgoingID++
			remoteIncomingWindow--

		case fr := <-s.tx:
			switch fr := fr.(type) {
			case *frames.PerformFlow:
				niID := nextIncomingID
				fr.NextIncomingID = &niID
				fr.IncomingWindow = s.incomingWindow
				fr.NextOutgoingID = nextOutgoingID
				fr.OutgoingWindow = s.outgoingWindow
				debug.TxFrame(context.Background(), "session", fr)
				err := s.txFrame(fr, nil)
				if err != nil {
					s.err = err
					return
				}
			case *frames.PerformTransfer:
				panic("transfer frames must use txTransfer")
			default:
				debug.TxFrame(context.Background(), "session", fr)
				err := s.txFrame(fr, nil)
				if err != nil {
					s.err = err
					return
				}
			}
		}
	}
}

func (s *Session) muxFrameToLink(l *link, fr frames.FrameBody) {
	select {
	case l.rx <- fr:
	case <-l.detached:
	case <-s.conn.done:
	}
}

var errSessionViolation = errors.New("session violated the protocol")
