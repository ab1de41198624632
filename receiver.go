package amqp

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/queue"
)

// Default link options
const (
	DefaultLinkCredit = 1

	// prefetchSegmentSize is the segment size of the prefetch queue.
	prefetchSegmentSize = 32
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link           *link           // underlying link
	maxCredit      uint32          // maximum allowed inflight messages
	autoAccept     bool            // settle incoming deliveries with accepted on receive
	inFlight       inFlight        // used to track message disposition when rcv-settle-mode == second
	manualCreditor *manualCreditor // allows for credits to be managed manually; created if the receiver is created with LinkWithManualCredits

	prefetched *queue.Queue[Message] // messages delivered by the link mux but not yet returned from Receive
	prefetchMu sync.Mutex
}

// IssueCredit adds credits to be requested in the next flow request.
// Valid only when the receiver was created with LinkWithManualCredits.
func (r *Receiver) IssueCredit(credit uint32) error {
	return r.link.IssueCredit(credit)
}

// DrainCredit sets the drain flag on the next flow frame and waits for
// the drain to be acknowledged.
// Valid only when the receiver was created with LinkWithManualCredits.
func (r *Receiver) DrainCredit(ctx context.Context) error {
	return r.link.DrainCredit(ctx)
}

// Prefetched returns the next message that is stored from a previous
// link flow, or nil if there are no buffered messages.
func (r *Receiver) Prefetched(ctx context.Context) (*Message, error) {
	r.prefetchMu.Lock()
	defer r.prefetchMu.Unlock()

	// pump any messages the link mux has already completed
	for {
		select {
		case msg := <-r.link.messages:
			r.prefetched.Enqueue(msg)
			continue
		default:
		}
		break
	}

	msg, ok := r.prefetched.Dequeue()
	if !ok {
		return nil, nil
	}

	return r.deliver(ctx, &msg)
}

// Receive returns the next message from the sender.
//
// Blocks until a message is received, ctx completes, or an error occurs.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	if msg, err := r.Prefetched(ctx); msg != nil || err != nil {
		return msg, err
	}

	// wait for the next message
	select {
	case msg := <-r.link.messages:
		return r.deliver(ctx, &msg)
	case <-r.link.detached:
		return nil, r.link.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver finalizes a message before handing it to the application.
func (r *Receiver) deliver(ctx context.Context, msg *Message) (*Message, error) {
	msg.receiver = r
	if msg.doneSignal == nil {
		msg.doneSignal = make(chan struct{})
	}

	// first-mode deliveries that arrived sender-settled need no disposition
	if msg.settled {
		msg.done()
		return msg, nil
	}

	if r.autoAccept {
		if err := msg.Accept(ctx); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Address returns the link's address.
func (r *Receiver) Address() string {
	if r.link.source == nil {
		return ""
	}
	return r.link.source.Address
}

// LinkName returns associated link name or an empty string if link is not defined.
func (r *Receiver) LinkName() string {
	return r.link.key.name
}

// LinkSourceFilterValue retrieves the specified link source filter value or nil if it doesn't exist.
func (r *Receiver) LinkSourceFilterValue(name string) interface{} {
	if r.link.source == nil || r.link.source.Filter == nil {
		return nil
	}
	filter, ok := r.link.source.Filter.Get(encoding.Symbol(name))
	if !ok {
		return nil
	}
	return filter.Value
}

// Unsettled returns the delivery-tag state map for the deliveries
// received but not yet settled. It may be passed to LinkUnsettled on a
// subsequent attach to resume the link.
func (r *Receiver) Unsettled() *Unsettled {
	u := &Unsettled{}
	r.link.unsettledMessagesLock.RLock()
	for tag := range r.link.unsettledMessages {
		u.Set(tag, nil)
	}
	r.link.unsettledMessagesLock.RUnlock()
	return u
}

// Close closes the Receiver and AMQP link.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Session or Client
// is closed.
func (r *Receiver) Close(ctx context.Context) error {
	return r.link.closeLink(ctx)
}

// messageDisposition sends a disposition for the given message and,
// when the link is in mode second, waits for the sender's settlement
// confirmation.
func (r *Receiver) messageDisposition(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if _, isDescribed := state.(*encoding.DescribedType); isDescribed {
		// transactional-state is the only described delivery state
		return ErrTransactionsUnsupported
	}

	var wait chan error
	if receiverSettleModeValue(r.link.receiverSettleMode) == ModeSecond {
		wait = r.inFlight.add(msg.deliveryID)
	}

	if err := r.sendDisposition(msg.deliveryID, nil, state, wait == nil); err != nil {
		return err
	}

	if wait == nil {
		// mode first: the disposition itself is the settlement
		r.link.DeleteUnsettled(msg)
		msg.settled = true
		return nil
	}

	select {
	case err := <-wait:
		r.link.DeleteUnsettled(msg)
		msg.settled = true
		return err
	case <-r.link.detached:
		return r.link.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendDisposition sends a disposition frame to the peer.
func (r *Receiver) sendDisposition(first uint32, last *uint32, state encoding.DeliveryState, settled bool) error {
	fr := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   first,
		Last:    last,
		Settled: settled,
		State:   state,
	}

	select {
	case r.link.session.tx <- fr:
		return nil
	case <-r.link.detached:
		return r.link.err
	case <-r.link.session.done:
		return r.link.session.err
	}
}

// AcceptAll accepts all the given messages, coalescing deliveries with
// consecutive delivery-ids into range dispositions.
func (r *Receiver) AcceptAll(ctx context.Context, msgs []*Message) error {
	return r.disposeAll(ctx, msgs, func() encoding.DeliveryState { return &encoding.StateAccepted{} })
}

// RejectAll rejects all the given messages with the optional error,
// coalescing deliveries with consecutive delivery-ids into range
// dispositions.
func (r *Receiver) RejectAll(ctx context.Context, msgs []*Message, e *Error) error {
	return r.disposeAll(ctx, msgs, func() encoding.DeliveryState { return &encoding.StateRejected{Error: e} })
}

// ReleaseAll releases all the given messages, coalescing deliveries
// with consecutive delivery-ids into range dispositions.
func (r *Receiver) ReleaseAll(ctx context.Context, msgs []*Message) error {
	return r.disposeAll(ctx, msgs, func() encoding.DeliveryState { return &encoding.StateReleased{} })
}

// ModifyAll modifies all the given messages, coalescing deliveries with
// consecutive delivery-ids into range dispositions.
func (r *Receiver) ModifyAll(ctx context.Context, msgs []*Message, deliveryFailed, undeliverableHere bool, annotations *Annotations) error {
	return r.disposeAll(ctx, msgs, func() encoding.DeliveryState {
		return &encoding.StateModified{
			DeliveryFailed:     deliveryFailed,
			UndeliverableHere:  undeliverableHere,
			MessageAnnotations: annotations,
		}
	})
}

// disposeAll applies state to every message, merging consecutive
// delivery-ids into [first, last] ranges.
func (r *Receiver) disposeAll(ctx context.Context, msgs []*Message, state func() encoding.DeliveryState) error {
	if len(msgs) == 0 {
		return nil
	}

	if receiverSettleModeValue(r.link.receiverSettleMode) == ModeSecond {
		// settlement confirmation is per delivery; ranges would need
		// per-id bookkeeping to be cancel-safe, dispose individually
		for _, msg := range msgs {
			if err := r.messageDisposition(ctx, msg, state()); err != nil {
				return err
			}
			msg.done()
		}
		return nil
	}

	// sort a copy by delivery id so consecutive ids coalesce
	sorted := make([]*Message, len(msgs))
	copy(sorted, msgs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].deliveryID > sorted[j].deliveryID; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	first := sorted[0].deliveryID
	last := first
	flush := func() error {
		l := last
		return r.sendDisposition(first, &l, state(), true)
	}

	for _, msg := range sorted[1:] {
		if msg.deliveryID == last+1 {
			last = msg.deliveryID
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		first = msg.deliveryID
		last = first
	}
	if err := flush(); err != nil {
		return err
	}

	for _, msg := range sorted {
		r.link.DeleteUnsettled(msg)
		msg.settled = true
		msg.done()
	}
	return nil
}

// manualCreditor tracks credits to be issued and drain requests when
// the receiver manages flow manually.
type manualCreditor struct {
	mu sync.Mutex

	// future values for the next flow frame.
	pendingDrain bool
	creditsToAdd uint32

	// drained is set when a drain is active and we're waiting
	// for the corresponding flow from the remote.
	drained chan struct{}
}

var (
	ErrLinkDraining    = errors.New("link is currently draining, no credits can be added")
	ErrAlreadyDraining = errors.New("drain already in process")
)

// EndDrain ends the current drain, unblocking any active Drain calls.
func (mc *manualCreditor) EndDrain() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.drained != nil {
		close(mc.drained)
		mc.drained = nil
	}
}

// FlowBits gets gets the proper values for the next flow frame
// and resets the internal state.
func (mc *manualCreditor) FlowBits(currentCredit uint32) (bool, uint32) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	drain := mc.pendingDrain
	var credits uint32
	if !drain {
		// only change the credit if we aren't draining
		credits = mc.creditsToAdd + currentCredit
	}

	if credits == currentCredit {
		credits = 0
	}

	mc.creditsToAdd = 0
	mc.pendingDrain = false

	return drain, credits
}

// Drain initiates a drain and blocks until EndDrain is called.
func (mc *manualCreditor) Drain(ctx context.Context, l *link) error {
	mc.mu.Lock()

	if mc.drained != nil {
		mc.mu.Unlock()
		return ErrAlreadyDraining
	}

	mc.drained = make(chan struct{})
	mc.pendingDrain = true
	drained := mc.drained

	mc.mu.Unlock()

	// cause mux() to check the flow conditions
	select {
	case l.receiverReady <- struct{}{}:
	default:
	}

	// send drain, wait for responding flow frame
	select {
	case <-drained:
		return nil
	case <-l.detached:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IssueCredit queues up additional credits to be requested at the next
// call of FlowBits()
func (mc *manualCreditor) IssueCredit(credits uint32) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.drained != nil {
		return ErrLinkDraining
	}

	mc.creditsToAdd += credits
	return nil
}

// inFlight tracks in-flight message dispositions allowing receivers
// to block waiting for the server to respond when an appropriate
// settlement mode is configured.
type inFlight struct {
	mu sync.Mutex
	m  map[uint32]chan error
}

func (f *inFlight) add(id uint32) chan error {
	wait := make(chan error, 1)

	f.mu.Lock()
	if f.m == nil {
		f.m = map[uint32]chan error{id: wait}
	} else {
		f.m[id] = wait
	}
	f.mu.Unlock()

	return wait
}

func (f *inFlight) remove(first uint32, last *uint32, err error) {
	f.mu.Lock()

	if f.m != nil {
		ll := first
		if last != nil {
			ll = *last
		}

		for i := first; i <= ll; i++ {
			wait, ok := f.m[i]
			if ok {
				wait <- err
				delete(f.m, i)
			}
		}
	}

	f.mu.Unlock()
}

func (f *inFlight) clear(err error) {
	f.mu.Lock()
	for id, wait := range f.m {
		wait <- err
		delete(f.m, id)
	}
	f.mu.Unlock()
}

func (f *inFlight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}
