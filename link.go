package amqp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/skiff-io/amqp/internal/buffer"
	"github.com/skiff-io/amqp/internal/debug"
	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/shared"
)

// maxTransferFrameHeader is the worst-case encoded size of a transfer
// frame's header and performative with a full 32-byte delivery tag,
// leaving the rest of the frame-size budget for payload.
const maxTransferFrameHeader = 70

// SenderSettleMode specifies how the sender will settle messages.
type SenderSettleMode = encoding.SenderSettleMode

// Sender Settlement Modes
const (
	// Sender will send all deliveries initially unsettled to the receiver.
	ModeUnsettled = encoding.ModeUnsettled

	// Sender will send all deliveries settled to the receiver.
	ModeSettled = encoding.ModeSettled

	// Sender MAY send a mixture of settled and unsettled deliveries to the receiver.
	ModeMixed = encoding.ModeMixed
)

// ReceiverSettleMode specifies how the receiver will settle messages.
type ReceiverSettleMode = encoding.ReceiverSettleMode

// Receiver Settlement Modes
const (
	// Receiver is the authority on settlement and settles
	// spontaneously on receipt.
	ModeFirst = encoding.ModeFirst

	// Receiver will only settle after sending the disposition to the
	// sender and receiving a disposition indicating settlement of
	// the delivery from the sender.
	ModeSecond = encoding.ModeSecond
)

// Durability Policies
const (
	// No terminus state is retained durably.
	DurabilityNone = encoding.DurabilityNone

	// Only the existence and configuration of the terminus is
	// retained durably.
	DurabilityConfiguration = encoding.DurabilityConfiguration

	// In addition to the existence and configuration of the
	// terminus, the unsettled state for durable messages is
	// retained durably.
	DurabilityUnsettledState = encoding.DurabilityUnsettledState
)

// Durability specifies the durability of a link.
type Durability = encoding.Durability

// ExpiryPolicy specifies when the expiry timer of a terminus
// starts counting down from the timeout value.
type ExpiryPolicy = encoding.ExpiryPolicy

// Expiry Policies
const (
	ExpiryLinkDetach      = encoding.ExpiryLinkDetach
	ExpirySessionEnd      = encoding.ExpirySessionEnd
	ExpiryConnectionClose = encoding.ExpiryConnectionClose
	ExpiryNever           = encoding.ExpiryNever
)

// Unsettled is the ordered per-link delivery-tag to delivery-state map
// exchanged on ATTACH during link resumption.
type Unsettled = encoding.Unsettled

// Role indicates the direction of a link endpoint.
type Role = encoding.Role

const (
	RoleSender   = encoding.RoleSender
	RoleReceiver = encoding.RoleReceiver
)

// Fields is an ordered AMQP map with symbol keys, used for connection,
// session and link properties.
type Fields = encoding.Fields

// linkKey uniquely identifies a link within a session by name and direction.
type linkKey struct {
	name string
	role encoding.Role // Local role: sender/receiver
}

// link is a unidirectional route.
//
// May be used for sending or receiving.
type link struct {
	key          linkKey // Name and direction
	handle       uint32  // our handle
	remoteHandle uint32  // remote's handle
	dynamicAddr  bool    // request a dynamic link address from the server

	rx            chan frames.FrameBody // sessions sends frames for this link on this channel
	transfers     chan frames.PerformTransfer // sender uses for multi-frame transfers
	receiverReady chan struct{}               // receiver sends on this when mux is paused to indicate it can handle more messages

	closeOnce sync.Once     // closeOnce protects close from being closed multiple times
	close     chan struct{} // close signals the mux to shutdown
	detached  chan struct{} // detached is closed by mux/muxDetach when the link is fully detached

	detachErrorMu sync.Mutex      // protects detachError
	detachError   *Error          // error to send to remote on detach, set by closeWithError
	session       *Session        // parent session
	receiver      *Receiver       // allows link options to modify Receiver
	source        *frames.Source
	target        *frames.Target
	properties    *encoding.Fields // additional properties sent upon link attach

	// "The delivery-count is initialized by the sender when a link endpoint is
	// created, and is incremented whenever a message is sent (see subsection
	// 2.6.7). Only the sender MAY independently modify this field. The receiver's
	// value is calculated based on the last known value from the sender and any
	// subsequent messages received on the link. Note that, despite its name, the
	// delivery-count is not a count but a sequence number initialized at an
	// arbitrary point by the sender."
	deliveryCount      uint32
	linkCredit         uint32 // maximum number of messages allowed between flow updates
	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode
	maxMessageSize     uint64
	detachReceived     bool
	suspended          bool // peer detached with closed=false; unsettled state survives
	err                error // err returned on Close()

	// message receiving
	messages              chan Message        // used to send completed messages to receiver
	unsettledMessages     map[string]struct{} // used to keep track of messages being handled downstream
	unsettledMessagesLock sync.RWMutex        // lock to protect concurrent access to the unsettled maps

	// sending: authoritative delivery-id to delivery-tag mapping for
	// unsettled deliveries, removed on settlement
	sendUnsettledTags map[uint32]string
	buf                   buffer.Buffer       // buffered bytes for current message
	more                  bool                // if true, buf contains a partial message
	msg                   Message             // current message being decoded

	// resumption state
	localUnsettled *Unsettled // our delivery-tag state sent on attach
	peerUnsettled  *Unsettled // remote's delivery-tag state from its attach
}

// newLink is used by Receiver and Sender to create new links
func newLink(s *Session, r *Receiver, opts []LinkOption) (*link, error) {
	l := &link{
		key:           linkKey{shared.RandString(40), encoding.Role(r != nil)},
		session:       s,
		receiver:      r,
		close:         make(chan struct{}),
		detached:      make(chan struct{}),
		receiverReady: make(chan struct{}, 1),
		source:        new(frames.Source),
		target:        new(frames.Target),
		linkCredit:    DefaultLinkCredit,
	}

	// configure options
	for _, o := range opts {
		err := o(l)
		if err != nil {
			return nil, err
		}
	}

	return l, nil
}

// attach creates and attaches a new link for the provided endpoint,
// completing the ATTACH handshake with the peer.
func attach(s *Session, endpoint interface{}, opts ...LinkOption) (*link, error) {
	var r *Receiver
	if rcv, ok := endpoint.(*Receiver); ok {
		r = rcv
	}

	l, err := newLink(s, r, opts)
	if err != nil {
		return nil, err
	}

	isReceiver := r != nil

	// buffer rx to the issued credit so that session.mux won't block
	// attempting to send to a slow reader
	if isReceiver {
		l.rx = make(chan frames.FrameBody, r.maxCredit)
	} else {
		l.rx = make(chan frames.FrameBody, 1)
	}

	// request handle from Session.mux
	select {
	case <-s.done:
		return nil, s.err
	case s.allocateHandle <- l:
	}

	// wait for handle allocation
	select {
	case <-s.done:
		return nil, s.err
	case <-l.rx:
	}

	// check for link request error
	if l.err != nil {
		return nil, l.err
	}

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		ReceiverSettleMode: l.receiverSettleMode,
		SenderSettleMode:   l.senderSettleMode,
		MaxMessageSize:     l.maxMessageSize,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
		Unsettled:          l.localUnsettled,
	}

	if isReceiver {
		attach.Role = encoding.RoleReceiver
		if attach.Source == nil {
			attach.Source = new(frames.Source)
		}
		attach.Source.Dynamic = l.dynamicAddr
	} else {
		attach.Role = encoding.RoleSender
		if attach.Target == nil {
			attach.Target = new(frames.Target)
		}
		attach.Target.Dynamic = l.dynamicAddr
	}

	// send Attach frame
	debug.TxFrame(context.Background(), "link", attach)

	// we use send to have positive confirmation on transmission
	send := make(chan encoding.DeliveryState)
	_ = s.txFrame(attach, send)

	select {
	case <-send:
	case <-l.detached:
		return nil, l.err
	case <-s.done:
		return nil, s.err
	}

	// wait for response
	var fr frames.FrameBody
	select {
	case <-s.done:
		return nil, s.err
	case fr = <-l.rx:
	}
	debug.RxFrame(context.Background(), "link", fr)

	resp, ok := fr.(*frames.PerformAttach)
	if !ok {
		return nil, errors.Errorf("unexpected attach response: %#v", fr)
	}

	// If the remote encounters an error during the attach it returns an Attach
	// with no Source or Target. The remote then sends a Detach with an error.
	//
	//   Note that if the application chooses not to create a terminus, the session
	//   endpoint will still create a link endpoint and issue an attach indicating
	//   that the link endpoint has no associated local terminus. In this case, the
	//   session endpoint MUST immediately detach the newly created link endpoint.
	//
	// http://docs.oasis-open.org/amqp/core/v1.0/csprd01/amqp-core-transport-v1.0-csprd01.html#doc-idp386144
	if resp.Source == nil && resp.Target == nil {
		// wait for detach
		select {
		case <-s.done:
			return nil, s.err
		case fr = <-l.rx:
		}

		detach, ok := fr.(*frames.PerformDetach)
		if !ok {
			return nil, errors.Errorf("unexpected frame while waiting for detach: %#v", fr)
		}

		// send return detach
		fr = &frames.PerformDetach{
			Handle: l.handle,
			Closed: true,
		}
		debug.TxFrame(context.Background(), "link", fr)
		_ = s.txFrame(fr, nil)

		if detach.Error == nil {
			return nil, errors.Errorf("received detach with no error specified")
		}
		return nil, detach.Error
	}

	if l.maxMessageSize == 0 || (resp.MaxMessageSize != 0 && resp.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = resp.MaxMessageSize
	}

	if isReceiver {
		if l.source == nil {
			l.source = new(frames.Source)
		}
		// if dynamic address requested, copy assigned name to address
		if l.dynamicAddr && resp.Source != nil {
			l.source.Address = resp.Source.Address
		}
		// deliveryCount is a sequence number, must initialize to sender's initial sequence number
		l.deliveryCount = resp.InitialDeliveryCount
		// no credit has been issued yet; the mux grants the initial
		// credit per the receiver's flow policy
		l.linkCredit = 0
		// buffer receiver so that link.mux doesn't block
		l.messages = make(chan Message, l.receiver.maxCredit)
		l.unsettledMessages = map[string]struct{}{}
		// copy the received filter values
		if resp.Source != nil {
			l.source.Filter = resp.Source.Filter
		}
	} else {
		if l.target == nil {
			l.target = new(frames.Target)
		}
		// if dynamic address requested, copy assigned name to address
		if l.dynamicAddr && resp.Target != nil {
			l.target.Address = resp.Target.Address
		}
		// the receiver has issued no credit yet
		l.linkCredit = 0
		l.transfers = make(chan frames.PerformTransfer)
	}

	// the peer's unsettled map drives resumption; for entries known to
	// both ends the receiver's state is authoritative
	l.peerUnsettled = resp.Unsettled
	l.reconcileUnsettled()

	err = l.setSettleModes(resp)
	if err != nil {
		l.muxDetach()
		return nil, err
	}

	go l.mux()

	return l, nil
}

// reconcileUnsettled applies the peer's unsettled map against ours.
//
// Entries present on both ends where the receiver communicated a
// terminal outcome are settled locally; entries present only on the
// sender remain in the local map for re-transfer with resume=true.
func (l *link) reconcileUnsettled() {
	if l.localUnsettled.Len() == 0 || l.peerUnsettled.Len() == 0 {
		return
	}

	if l.key.role == encoding.RoleSender {
		for _, kv := range l.peerUnsettled.Pairs() {
			if _, known := l.localUnsettled.Get(kv.Key.(string)); !known {
				continue
			}
			if _, terminal := kv.Value.(encoding.Outcome); terminal {
				l.localUnsettled.Delete(kv.Key.(string))
			}
		}
		return
	}

	// receiver: drop local entries the sender no longer knows about,
	// it will never resume them
	for _, kv := range l.localUnsettled.Pairs() {
		if _, known := l.peerUnsettled.Get(kv.Key.(string)); !known {
			l.localUnsettled.Delete(kv.Key.(string))
		}
	}
}

// setSettleModes sets the settlement modes based on the resp frames.PerformAttach.
//
// If a settlement mode has been explicitly set locally and it was not honored by the
// server an error is returned.
func (l *link) setSettleModes(resp *frames.PerformAttach) error {
	const (
		senderSettleModeString   = "SenderSettleMode"
		receiverSettleModeString = "ReceiverSettleMode"
	)
	respSSM := senderSettleModeValue(resp.SenderSettleMode)
	respRSM := receiverSettleModeValue(resp.ReceiverSettleMode)

	senderSettleModeFromResp := respSSM.Ptr()
	receiverSettleModeFromResp := respRSM.Ptr()

	if l.senderSettleMode != nil && *l.senderSettleMode != *senderSettleModeFromResp {
		return errors.Errorf("amqp: sender settlement mode %q requested, received %q from server", l.senderSettleMode, senderSettleModeFromResp)
	}

	if l.receiverSettleMode != nil && *l.receiverSettleMode != *receiverSettleModeFromResp {
		return errors.Errorf("amqp: receiver settlement mode %q requested, received %q from server", l.receiverSettleMode, receiverSettleModeFromResp)
	}

	l.senderSettleMode = senderSettleModeFromResp
	l.receiverSettleMode = receiverSettleModeFromResp
	return nil
}

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return ModeMixed
	}
	return *m
}

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ModeFirst
	}
	return *m
}

// muxFlow sends tr to the session mux.
// l.linkCredit will also be updated to `linkCredit`
func (l *link) muxFlow(linkCredit uint32, drain bool) error {
	var (
		deliveryCount = l.deliveryCount
	)

	fr := &frames.PerformFlow{
		Handle:        &l.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit, // max number of messages,
		Drain:         drain,
	}
	debug.TxFrame(context.Background(), "link", fr)

	// Update credit. This must happen before entering loop below
	// because incoming messages handled while waiting to transmit
	// flow increment deliveryCount. This causes the credit to become
	// out of sync with the server.

	if !drain {
		// if we're draining we don't want to touch our internal credit - we're not changing it so any issued credits
		// are still valid until drain completes, at which point they will be naturally zeroed.
		l.linkCredit = linkCredit
	}

	// Ensure the session mux is not blocked
	for {
		select {
		case l.session.tx <- fr:
			return nil
		case fr := <-l.rx:
			err := l.muxHandleFrame(fr)
			if err != nil {
				return err
			}
		case <-l.close:
			return ErrLinkClosed
		case <-l.session.done:
			return l.session.err
		}
	}
}

func (l *link) muxReceive(fr frames.PerformTransfer) error {
	if !l.more {
		// this is the first transfer of a message,
		// record the delivery ID, message format,
		// and delivery Tag
		if fr.DeliveryID != nil {
			l.msg.deliveryID = *fr.DeliveryID
		}
		if fr.MessageFormat != nil {
			l.msg.Format = *fr.MessageFormat
		}
		l.msg.DeliveryTag = fr.DeliveryTag

		// these fields are required on first transfer of a message
		if fr.DeliveryID == nil {
			msg := "received message without a delivery-id"
			l.closeWithError(&Error{
				Condition:   ErrCondNotAllowed,
				Description: msg,
			})
			return errors.New(msg)
		}
		if fr.MessageFormat == nil {
			msg := "received message without a message-format"
			l.closeWithError(&Error{
				Condition:   ErrCondNotAllowed,
				Description: msg,
			})
			return errors.New(msg)
		}
		if fr.DeliveryTag == nil {
			msg := "received message without a delivery-tag"
			l.closeWithError(&Error{
				Condition:   ErrCondNotAllowed,
				Description: msg,
			})
			return errors.New(msg)
		}
	} else {
		// this is a continuation of a multipart message
		// some fields may be omitted on continuation transfers,
		// but if they are included they must be consistent
		// with the first.

		if fr.DeliveryID != nil && *fr.DeliveryID != l.msg.deliveryID {
			msg := errors.Errorf(
				"received continuation transfer with inconsistent delivery-id: %d != %d",
				*fr.DeliveryID, l.msg.deliveryID,
			).Error()
			l.closeWithError(&Error{
				Condition:   ErrCondNotAllowed,
				Description: msg,
			})
			return errors.New(msg)
		}
		if fr.MessageFormat != nil && *fr.MessageFormat != l.msg.Format {
			msg := errors.Errorf(
				"received continuation transfer with inconsistent message-format: %d != %d",
				*fr.MessageFormat, l.msg.Format,
			).Error()
			l.closeWithError(&Error{
				Condition:   ErrCondNotAllowed,
				Description: msg,
			})
			return errors.New(msg)
		}
		if fr.DeliveryTag != nil && !bytesEqual(fr.DeliveryTag, l.msg.DeliveryTag) {
			msg := errors.Errorf(
				"received continuation transfer with inconsistent delivery-tag: %q != %q",
				fr.DeliveryTag, l.msg.DeliveryTag,
			).Error()
			l.closeWithError(&Error{
				Condition:   ErrCondNotAllowed,
				Description: msg,
			})
			return errors.New(msg)
		}
	}

	// discard message if it's been aborted
	if fr.Aborted {
		l.buf.Reset()
		l.msg = Message{}
		l.more = false
		return nil
	}

	// ensure maxMessageSize will not be exceeded
	if l.maxMessageSize != 0 && uint64(l.buf.Len())+uint64(len(fr.Payload)) > l.maxMessageSize {
		msg := errors.Errorf("received message larger than max size of %d", l.maxMessageSize).Error()
		l.closeWithError(&Error{
			Condition:   ErrCondMessageSizeExceeded,
			Description: msg,
		})
		return errors.New(msg)
	}

	// add the payload the the buffer
	l.buf.Append(fr.Payload)

	// mark as settled if at least one frame is settled
	l.msg.settled = l.msg.settled || fr.Settled

	// save in-progress status
	l.more = fr.More

	if fr.More {
		return nil
	}

	// last frame in message
	err := l.msg.Unmarshal(&l.buf)
	if err != nil {
		return err
	}

	// send to receiver, this should never block due to buffering
	// and flow control.
	if receiverSettleModeValue(l.receiverSettleMode) == ModeSecond {
		l.addUnsettled(&l.msg)
	}
	l.messages <- l.msg

	// reset progress
	l.buf.Reset()
	l.msg = Message{}

	// decrement link-credit after entire message received
	l.deliveryCount++
	l.linkCredit--
	return nil
}

// DrainCredit will cause a flow frame with 'drain' set to true when
// the next flow frame is sent in 'mux()'.
// Applicable only when manual credit management has been enabled.
func (l *link) DrainCredit(ctx context.Context) error {
	if l.receiver == nil || l.receiver.manualCreditor == nil {
		return errors.New("drain can only be used with receiver links using manual credit management")
	}

	// the creditor signals receiverReady once the drain is staged
	return l.receiver.manualCreditor.Drain(ctx, l)
}

// IssueCredit requests additional credits be issued for this link.
// Applicable only when manual credit management has been enabled.
func (l *link) IssueCredit(credit uint32) error {
	if l.receiver == nil || l.receiver.manualCreditor == nil {
		return errors.New("issueCredit can only be used with receiver links using manual credit management")
	}

	if err := l.receiver.manualCreditor.IssueCredit(credit); err != nil {
		return err
	}

	// cause mux() to check our flow conditions.
	select {
	case l.receiverReady <- struct{}{}:
	default:
	}

	return nil
}

// mux is the link event loop for both roles: a receiver link issues
// credit and delivers messages, a sender link sends queued transfers.
func (l *link) mux() {
	defer l.muxDetach()

	isReceiver := l.key.role == encoding.RoleReceiver
	isSender := !isReceiver

Loop:
	for {
		var outgoingTransfers chan frames.PerformTransfer
		if isSender && l.linkCredit > 0 {
			debug.Log(context.Background(), slog.LevelDebug, "sender credit",
				slog.Uint64("credit", uint64(l.linkCredit)), slog.Uint64("deliveryCount", uint64(l.deliveryCount)))
			outgoingTransfers = l.transfers
		}

		if isReceiver {
			// enable credit maintenance callbacks
			if err := l.muxReceiverFlow(); err != nil {
				l.err = err
				return
			}
		}

		select {
		// received frame
		case fr := <-l.rx:
			l.err = l.muxHandleFrame(fr)
			if l.err != nil {
				return
			}

		// send data
		case tr := <-outgoingTransfers:
			debug.TxFrame(context.Background(), "link", &tr)

			// Ensure the session mux is not blocked
			for {
				select {
				case l.session.txTransfer <- &tr:
					// decrement link-credit after entire message transferred
					if !tr.More {
						l.deliveryCount++
						l.linkCredit--
						// we are the sender and we keep track of the peer's link credit
					}
					continue Loop
				case fr := <-l.rx:
					l.err = l.muxHandleFrame(fr)
					if l.err != nil {
						return
					}
				case <-l.close:
					l.err = ErrLinkClosed
					return
				case <-l.session.done:
					l.err = l.session.err
					return
				}
			}

		case <-l.receiverReady:
			continue
		case <-l.close:
			l.err = ErrLinkClosed
			return
		case <-l.session.done:
			l.err = l.session.err
			return
		}
	}
}

// muxReceiverFlow issues link credit per the receiver's credit policy:
// automatic replenishment at the half-credit watermark, or whatever the
// manual creditor has accumulated.
func (l *link) muxReceiverFlow() error {
	if l.receiver == nil {
		return nil
	}

	if mc := l.receiver.manualCreditor; mc != nil {
		drain, credits := mc.FlowBits(l.linkCredit)
		if drain || credits > 0 {
			return l.muxFlow(credits, drain)
		}
		return nil
	}

	// auto-refill at the low watermark, taking unsettled messages
	// into account so a slow consumer does not over-issue credit
	if l.linkCredit+uint32(l.countUnsettled()) <= l.receiver.maxCredit/2 {
		return l.muxFlow(l.receiver.maxCredit-uint32(l.countUnsettled()), false)
	}
	return nil
}

func (l *link) addSendUnsettled(deliveryID uint32, tag string) {
	l.unsettledMessagesLock.Lock()
	if l.sendUnsettledTags == nil {
		l.sendUnsettledTags = make(map[uint32]string)
	}
	l.sendUnsettledTags[deliveryID] = tag
	l.unsettledMessagesLock.Unlock()
}

// settleSendUnsettled drops the id to tag mappings for a settled
// delivery-id range.
func (l *link) settleSendUnsettled(first uint32, last *uint32) {
	ll := first
	if last != nil {
		ll = *last
	}
	l.unsettledMessagesLock.Lock()
	for id := first; ; id++ {
		delete(l.sendUnsettledTags, id)
		if id == ll {
			break
		}
	}
	l.unsettledMessagesLock.Unlock()
}

func (l *link) addUnsettled(msg *Message) {
	l.unsettledMessagesLock.Lock()
	l.unsettledMessages[string(msg.DeliveryTag)] = struct{}{}
	l.unsettledMessagesLock.Unlock()
}

// DeleteUnsettled removes the message from the map of unsettled messages.
func (l *link) DeleteUnsettled(msg *Message) {
	l.unsettledMessagesLock.Lock()
	delete(l.unsettledMessages, string(msg.DeliveryTag))
	l.unsettledMessagesLock.Unlock()
}

func (l *link) countUnsettled() int {
	l.unsettledMessagesLock.RLock()
	count := len(l.unsettledMessages)
	l.unsettledMessagesLock.RUnlock()
	return count
}

// muxHandleFrame processes fr based on type.
// depending on the session's RSM, it might return a disposition frame for sending
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	isSender := l.key.role == encoding.RoleSender

	switch fr := fr.(type) {
	// message frame
	case *frames.PerformTransfer:
		debug.RxFrame(context.Background(), "link", fr)
		if isSender {
			// Senders should never receive transfer frames, but handle it just in case.
			l.closeWithError(&Error{
				Condition:   ErrCondNotAllowed,
				Description: "sender cannot process transfers",
			})
			return errors.New("sender received transfer frame")
		}

		return l.muxReceive(*fr)

	// flow control frame
	case *frames.PerformFlow:
		debug.RxFrame(context.Background(), "link", fr)
		if isSender {
			if fr.LinkCredit != nil {
				var rcvDeliveryCount uint32
				if fr.DeliveryCount != nil {
					// DeliveryCount can be nil if the receiver hasn't processed
					// the attach. That shouldn't be the case here, but it's
					// what ActiveMQ does.
					rcvDeliveryCount = *fr.DeliveryCount
				}
				// transfers the receiver had not counted yet (wrapping);
				// credit saturates at zero instead of wrapping around
				inFlight := l.deliveryCount - rcvDeliveryCount
				if inFlight > *fr.LinkCredit {
					l.linkCredit = 0
				} else {
					l.linkCredit = *fr.LinkCredit - inFlight
				}
			}

			if fr.Drain {
				// "If the drain flag is set to true [...] the sender MUST
				// advance its delivery-count to consume all credit."
				l.deliveryCount += l.linkCredit
				l.linkCredit = 0
				return l.muxFlowResponse(true)
			}
		} else {
			if fr.DeliveryCount != nil {
				// stay in sync with the sender's sequence
				l.deliveryCount = *fr.DeliveryCount
			}

			if fr.Drain {
				// the sender echoed our drain; all issued credit has
				// been consumed
				l.linkCredit = 0
				if l.receiver != nil && l.receiver.manualCreditor != nil {
					l.receiver.manualCreditor.EndDrain()
				}
			}
		}

		if !fr.Echo {
			return nil
		}

		return l.muxFlowResponse(false)

	// remote side is detaching or closing the link
	case *frames.PerformDetach:
		debug.RxFrame(context.Background(), "link", fr)
		l.detachReceived = true
		if !fr.Closed {
			// peer is suspending the link; respond in kind and keep
			// the unsettled map for resumption
			l.suspended = true
		}

		return errors.Wrapf(&DetachError{fr.Error}, "received detach frame")

	case *frames.PerformDisposition:
		debug.RxFrame(context.Background(), "link", fr)

		// Unblock receivers waiting for message disposition
		if l.receiver != nil {
			l.receiver.inFlight.remove(fr.First, fr.Last, nil)
		}

		// Drop sender-side unsettled bookkeeping for settled ranges
		if l.receiver == nil && fr.Settled {
			l.settleSendUnsettled(fr.First, fr.Last)
		}

		// If sending async and a message is rejected, cause a link error.
		//
		// This isn't ideal, but there isn't a clear better way to handle it.
		if fr, ok := fr.State.(*encoding.StateRejected); ok {
			return &DetachError{fr.Error}
		}

		if fr.Settled {
			return nil
		}

		resp := &frames.PerformDisposition{
			Role:    encoding.RoleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		debug.TxFrame(context.Background(), "link", resp)
		_ = l.session.txFrame(resp, nil)

	default:
		debug.Log(context.Background(), slog.LevelWarn, "link mux: unexpected frame", slog.Any("frame", fr))
	}
	return nil
}

// muxFlowResponse echoes our current link state to the peer.
func (l *link) muxFlowResponse(drained bool) error {
	var (
		// copy because sent by pointer below; prevent race
		linkCredit    = l.linkCredit
		deliveryCount = l.deliveryCount
	)

	fr := &frames.PerformFlow{
		Handle:        &l.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit, // max number of messages
		Drain:         drained,
	}
	debug.TxFrame(context.Background(), "link", fr)

	select {
	case l.session.tx <- fr:
		return nil
	case <-l.close:
		return ErrLinkClosed
	case <-l.session.done:
		return l.session.err
	}
}

// close closes and requests deletion of the link.
//
// No operations on link are valid after close.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Session or Client
// is closed.
func (l *link) closeLink(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.close) })
	select {
	case <-l.detached:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.err == ErrLinkClosed {
		return nil
	}
	return l.err
}

// closeWithError initiates a detach carrying de to the peer.
func (l *link) closeWithError(de *Error) {
	l.closeOnce.Do(func() {
		l.detachErrorMu.Lock()
		l.detachError = de
		l.detachErrorMu.Unlock()
		close(l.close)
	})
}

func (l *link) muxDetach() {
	defer func() {
		// final cleanup and signaling

		// deallocate handle
		select {
		case l.session.deallocateHandle <- l:
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
		}

		// signal other goroutines that link is detached
		close(l.detached)

		// unblock any in flight message dispositions
		if l.receiver != nil {
			l.receiver.inFlight.clear(l.err)
		}
	}()

	// "A peer closes a link by sending the detach frame with the
	// handle for the specified link, and the closed flag set to
	// true. The partner will destroy the corresponding link
	// endpoint, and reply with its own detach frame with the
	// closed flag set to true.
	//
	// Note that one peer MAY send a closing detach while its
	// partner is sending a non-closing detach. In this case,
	// the partner MUST signal that it has closed the link by
	// reattaching and then sending a closing detach."

	l.detachErrorMu.Lock()
	detachError := l.detachError
	l.detachErrorMu.Unlock()

	fr := &frames.PerformDetach{
		Handle: l.handle,
		Closed: !l.suspended,
		Error:  detachError,
	}

Loop:
	for {
		select {
		case l.session.tx <- fr:
			// after sending the detach frame, break the read loop
			break Loop
		case fr := <-l.rx:
			// discard incoming frames to avoid blocking session.mux
			if fr, ok := fr.(*frames.PerformDetach); ok && fr.Closed {
				l.detachReceived = true
			}
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
			return
		}
	}

	// don't wait for remote to detach when already
	// received or closing due to error
	if l.detachReceived || detachError != nil {
		return
	}

	for {
		select {
		// read from link until the answering detach is received,
		// other frames are discarded.
		case fr := <-l.rx:
			if fr, ok := fr.(*frames.PerformDetach); ok && (fr.Closed || l.suspended) {
				return
			}

		// connection has ended
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
			return
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
