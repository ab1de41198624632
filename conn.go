package amqp

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skiff-io/amqp/internal/buffer"
	"github.com/skiff-io/amqp/internal/debug"
	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/shared"
)

// Default connection options
const (
	defaultIdleTimeout  = 1 * time.Minute
	defaultMaxFrameSize = 65536
	defaultMaxSessions  = 65536
)

// ConnOption is a function for configuring an AMQP connection.
type ConnOption func(*conn) error

// ConnServerHostname sets the hostname sent in the AMQP
// Open frame and TLS ServerName (if not otherwise set).
//
// This is useful when the AMQP connection will be established
// via a pre-established TLS connection as the server may not
// know which hostname the client is attempting to connect to.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnConnectTimeout configures how long to wait for the
// server during connection establishment.
//
// Once the connection has been established, ConnIdleTimeout
// applies. If duration is zero, no timeout will be applied.
//
// Default: 0.
func ConnConnectTimeout(d time.Duration) ConnOption {
	return func(c *conn) error { c.connectTimeout = d; return nil }
}

// ConnMaxFrameSize sets the maximum frame size that
// the connection will accept.
//
// Must be 512 or greater.
//
// Default: 65536.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < 512 {
			return errors.New("ConnMaxFrameSize must be 512 or greater")
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnIdleTimeout specifies the maximum period between receiving
// frames from the peer.
//
// Resolution is milliseconds. A value of zero indicates no timeout.
// This setting is in addition to TCP keepalives.
//
// Default: 1 minute.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return errors.New("idle timeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnMaxSessions sets the maximum number of channels.
//
// n must be in the range 1 to 65536.
//
// Default: 65536.
func ConnMaxSessions(n int) ConnOption {
	return func(c *conn) error {
		if n < 1 {
			return errors.New("max sessions cannot be less than 1")
		}
		if n > 65536 {
			return errors.New("max sessions cannot be greater than 65536")
		}
		c.channelMax = uint16(n - 1)
		return nil
	}
}

// ConnContainerID sets the container-id to use when opening the connection.
//
// A container ID will be randomly generated if this option is not used.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnProperty sets an entry in the connection properties map sent to the server.
//
// This option can be used multiple times. Insertion order is preserved
// on the wire.
func ConnProperty(key, value string) ConnOption {
	return func(c *conn) error {
		if key == "" {
			return errors.New("connection property key must not be empty")
		}
		if c.properties == nil {
			c.properties = &encoding.Fields{}
		}
		c.properties.Set(encoding.Symbol(key), value)
		return nil
	}
}

// ConnOutgoingLocales sets the locales the sending peer supports for
// outgoing text, in decreasing order of preference.
func ConnOutgoingLocales(locales ...string) ConnOption {
	return func(c *conn) error {
		for _, l := range locales {
			c.outgoingLocales = append(c.outgoingLocales, encoding.Symbol(l))
		}
		return nil
	}
}

// ConnIncomingLocales sets the desired locales for incoming text,
// in decreasing order of preference.
func ConnIncomingLocales(locales ...string) ConnOption {
	return func(c *conn) error {
		for _, l := range locales {
			c.incomingLocales = append(c.incomingLocales, encoding.Symbol(l))
		}
		return nil
	}
}

// ConnAltTLSEstablishment skips the in-band AMQP-TLS protocol header
// exchange. Use when the host has already established TLS directly on
// the transport before handing it to New.
func ConnAltTLSEstablishment() ConnOption {
	return func(c *conn) error {
		c.altTLS = true
		return nil
	}
}

// connDialer overrides the connection dialer; used by tests.
func connDialer(d dialer) ConnOption {
	return func(c *conn) error {
		c.dialer = d
		return nil
	}
}

// used to abstract the underlying dialer for testing purposes
type dialer interface {
	NetDialerDial(c *conn, host, port string) error
	TLSDialWithDialer(c *conn, host, port string) error
}

type stateFunc func() stateFunc

type conn struct {
	net            net.Conn      // underlying connection
	connectTimeout time.Duration // time to wait for reads/writes during conn establishment
	dialer         dialer        // used for testing purposes, it allows faking dialing TCP/TLS endpoints

	// configuration
	maxFrameSize    uint32                // local max frame size
	channelMax      uint16                // maximum number of channels
	idleTimeout     time.Duration         // maximum period between receiving frames
	hostname        string                // hostname of remote server (set explicitly or parsed from URL)
	containerID     string                // set explicitly or randomly generated
	outgoingLocales encoding.MultiSymbol  // locales for outgoing text
	incomingLocales encoding.MultiSymbol  // preferred locales for incoming text
	properties      *encoding.Fields      // additional properties sent upon connection open
	saslHandlers    map[encoding.Symbol]stateFunc // map of supported handlers keyed by SASL mechanism, SASL not supported if nil
	saslComplete    bool                  // SASL negotiation complete; internal *except* for SASL auth methods
	altTLS          bool                  // the host established TLS out of band
	isServer        bool                  // accepted via a listener; reverses the header exchange
	deferOpen       bool                  // listener negotiation stops after the peer's OPEN so the host can accept/reject
	allowIncoming   bool                  // surface remotely initiated sessions

	// negotiated settings
	peerIdleTimeout  time.Duration  // maximum period between sending frames to the peer
	peerMaxFrameSize uint32         // maximum frame size the peer will accept
	peerProperties   *encoding.Fields
	peerContainerID  string
	peerOpen         *frames.PerformOpen // the raw remote OPEN, surfaced on incoming connections

	// mux
	newSession       chan newSessionResp     // new Sessions are requested from mux by reading off this channel
	delSession       chan *Session           // session completion is indicated to mux by sending the Session on this channel
	incomingSession  chan *Session           // remotely initiated sessions, surfaced when allowIncoming
	connErr          chan error              // connReader/Writer notifications of an error
	closeMux         chan struct{}           // indicates that the mux should stop
	closeMuxOnce     sync.Once
	done             chan struct{} // indicates the connection is done

	// mux node state
	err   error      // error to be returned to client; guarded by errMu
	errMu sync.Mutex

	// connReader
	rxProto       chan protoHeader  // protoHeaders received by connReader
	rxFrame       chan frames.Frame // AMQP frames received by connReader
	rxDone        chan struct{}
	connReaderRun chan func() // functions to be run by conn reader (set deadline on conn to run)

	// connWriter
	txFrame chan frames.Frame // AMQP frames to be sent by connWriter
	txBuf   buffer.Buffer     // buffer for marshaling frames before transmitting
	txDone  chan struct{}
}

type newSessionResp struct {
	session *Session
	err     error
}

// ProtoIDs
type protoID uint8

const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

type protoHeader struct {
	ProtoID  protoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

func newConn(netConn net.Conn, opts ...ConnOption) (*conn, error) {
	c := &conn{
		net:              netConn,
		maxFrameSize:     defaultMaxFrameSize,
		peerMaxFrameSize: defaultMaxFrameSize,
		channelMax:       defaultMaxSessions - 1, // -1 because channel-max starts at zero
		idleTimeout:      defaultIdleTimeout,
		containerID:      shared.NewContainerID("amqp"),
		done:             make(chan struct{}),
		connErr:          make(chan error, 2), // buffered to ensure connReader/Writer won't leak
		closeMux:         make(chan struct{}),
		rxProto:          make(chan protoHeader),
		rxFrame:          make(chan frames.Frame),
		rxDone:           make(chan struct{}),
		connReaderRun:    make(chan func(), 1), // buffered to allow queueing function before interrupt
		newSession:       make(chan newSessionResp),
		delSession:       make(chan *Session),
		incomingSession:  make(chan *Session),
		txFrame:          make(chan frames.Frame),
		txDone:           make(chan struct{}),
	}

	// apply options
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// start establishes the connection and begins multiplexing network IO.
// It is an error to call Start() on a connection that's been closed.
func (c *conn) start() error {
	// start reader
	go c.connReader()

	// run connection establishment state machine
	for state := c.negotiateProto; state != nil; {
		state = state()
	}

	// check if err occurred
	if c.err != nil {
		close(c.txDone) // close here since connWriter hasn't been started yet
		_ = c.net.Close()
		return c.err
	}

	// start multiplexor and writer
	go c.mux()
	go c.connWriter()

	return nil
}

func (c *conn) Close() error {
	c.closeMuxOnce.Do(func() { close(c.closeMux) })
	err := c.Err()
	var connErr *ConnError
	if errors.As(err, &connErr) && connErr.inner == nil {
		// an empty ConnError means the connection was closed by the caller
		return nil
	}
	return err
}

// close should only be called by conn.mux.
func (c *conn) close() {
	close(c.done) // notify goroutines and blocked functions to exit

	// wait for writing to stop, allows it to send the final close frame
	<-c.txDone

	err := c.net.Close()
	switch {
	// conn.err already set
	case c.err != nil:

	// conn.err not set and c.net.Close() returned a non-nil error
	case err != nil:
		c.err = err

	// no errors
	default:
	}

	// check rxDone after closing net, otherwise may block
	// for up to c.idleTimeout
	<-c.rxDone
}

// Err returns the connection's error state after it's been closed.
// Calling this on an open connection will block until the connection is closed.
func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return &ConnError{inner: c.err}
}

// mux is started in it's own goroutine after initial connection establishment.
// It handles muxing of sessions, keepalives, and connection errors.
func (c *conn) mux() {
	var (
		// allocated channels
		channels = &bitmap{max: uint32(c.channelMax)}

		// create the next session to allocate
		nextChannel, _   = channels.next()
		nextSession      = newSessionResp{session: newSession(c, uint16(nextChannel))}

		// map channels to sessions
		sessionsByChannel       = make(map[uint16]*Session)
		sessionsByRemoteChannel = make(map[uint16]*Session)
	)

	// hold the errMu lock until error or done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	defer c.close() // defer order is important. c.errMu unlock indicates that connection is finally complete

	for {
		// check if last loop returned an error
		if c.err != nil {
			return
		}

		select {
		// error from connReader
		case c.err = <-c.connErr:

		// new frame from connReader
		case fr := <-c.rxFrame:
			var (
				session *Session
				ok      bool
			)

			switch body := fr.Body.(type) {
			// Server initiated close.
			case *frames.PerformClose:
				debug.RxFrame(context.Background(), "conn", body)
				if body.Error != nil {
					c.err = body.Error
				}
				return

			// RemoteChannel should be used when frame is Begin
			case *frames.PerformBegin:
				switch {
				case body.RemoteChannel != nil:
					// response to a begin we sent
					session, ok = sessionsByChannel[*body.RemoteChannel]
					if ok {
						session.remoteChannel = fr.Channel
						sessionsByRemoteChannel[fr.Channel] = session
					}
				case c.allowIncoming:
					// remotely initiated session; a BEGIN on an unknown
					// channel allocates a new local channel
					ch, avail := channels.next()
					if !avail {
						c.err = errors.Errorf("reached connection channel max (%d)", c.channelMax)
						return
					}
					session = newSession(c, uint16(ch))
					session.remoteChannel = fr.Channel
					session.incoming = true
					sessionsByChannel[session.channel] = session
					sessionsByRemoteChannel[fr.Channel] = session
					ok = true
					select {
					case c.incomingSession <- session:
					case <-c.closeMux:
						return
					}
				}
				if !ok {
					c.err = errors.Errorf("unexpected remote channel number %d", fr.Channel)
					return
				}

			case *frames.PerformEnd:
				session, ok = sessionsByRemoteChannel[fr.Channel]
				if !ok {
					c.err = errors.Errorf("unexpected remote channel number %d, expected %d", fr.Channel, len(sessionsByRemoteChannel))
					return
				}
				// we MUST remove the remote channel from our map as soon as we receive
				// the ack (i.e. before passing it on to the session mux) on the session
				// ending since the numbers are recycled.
				delete(sessionsByRemoteChannel, fr.Channel)

			default:
				// pass on performative to the correct session
				session, ok = sessionsByRemoteChannel[fr.Channel]
				if !ok {
					c.err = errors.Errorf("unexpected remote channel number %d", fr.Channel)
					return
				}
			}

			select {
			case session.rx <- fr:
			case <-c.closeMux:
				return
			}

		// new session request
		//
		// Continually try to send the next session to the Client.NewSession caller.
		// Each added session will be the next n+1 in the sequence.
		case c.newSession <- nextSession:
			if nextSession.err != nil {
				continue
			}

			// save session into map
			ch := nextSession.session.channel
			sessionsByChannel[ch] = nextSession.session

			// get next available channel
			next, ok := channels.next()
			if !ok {
				nextSession = newSessionResp{err: errors.Errorf("reached connection channel max (%d)", c.channelMax)}
				continue
			}

			// create the next session to send
			nextSession = newSessionResp{session: newSession(c, uint16(next))}

		// session deletion
		case s := <-c.delSession:
			delete(sessionsByChannel, s.channel)
			channels.release(uint32(s.channel))

		// connection is complete
		case <-c.closeMux:
			return
		}
	}
}

// connReader reads from the net.Conn, decodes frames, and passes them
// up via the conn.rxFrame and conn.rxProto channels.
func (c *conn) connReader() {
	defer close(c.rxDone)

	buf := &buffer.Buffer{}

	var (
		negotiating     = true        // true during conn establishment, check for protoHeaders
		currentHeader   frames.Header // keep track of the current header, for frames split across multiple TCP packets
		frameInProgress bool          // true if in the middle of receiving data for currentHeader
	)

	for {
		switch {
		// Cheaply reuse free buffer space when fully read.
		case buf.Len() == 0:
			buf.Reset()

		// Prevent excessive/unbounded growth by shifting data to beginning of buffer.
		case int64(buf.Size()) > int64(c.maxFrameSize):
			buf.Reclaim()
		}

		// need to read more if buf doesn't contain the complete frame
		// or there's not enough in buf to parse the header
		if frameInProgress || buf.Len() < frames.HeaderSize {
			if c.idleTimeout > 0 {
				_ = c.net.SetReadDeadline(time.Now().Add(c.idleTimeout))
			}
			err := buf.ReadFromOnce(c.net)
			if err != nil {
				debug.Log(context.Background(), slog.LevelDebug, "connReader error", slog.Any("error", err))
				select {
				// check if error was due to close in progress
				case <-c.done:
					return

				// if there is a pending connReaderRun function, execute it
				case f := <-c.connReaderRun:
					f()
					continue

				// send error to mux and return
				default:
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						// idle timeout expired with no frames from the peer
						err = errors.Wrap(ErrTimeout, string(ErrCondResourceLimitExceeded))
					}
					c.connErr <- err
					return
				}
			}
		}

		// read more if buf doesn't contain enough to parse the header
		if buf.Len() < frames.HeaderSize {
			continue
		}

		// during negotiation, check for proto frames
		if negotiating && bytes.Equal(buf.Bytes()[:4], []byte{'A', 'M', 'Q', 'P'}) {
			p, err := parseProtoHeader(buf)
			if err != nil {
				c.connErr <- err
				return
			}

			// negotiation is complete once an AMQP proto frame is received
			if p.ProtoID == protoAMQP {
				negotiating = false
			}

			// send proto header
			select {
			case <-c.done:
				return
			case c.rxProto <- p:
			}

			continue
		}

		// parse the header if a frame isn't in progress
		if !frameInProgress {
			var err error
			currentHeader, err = frames.ParseHeader(buf)
			if err != nil {
				c.connErr <- err
				return
			}
			frameInProgress = true
		}

		// the full frame, including the header, must fit within the
		// local maximum frame size
		if currentHeader.Size > c.maxFrameSize {
			c.connErr <- errors.Wrapf(errFramingError, "received frame of %d bytes exceeding max frame size of %d", currentHeader.Size, c.maxFrameSize)
			return
		}

		bodySize := int64(currentHeader.Size - frames.HeaderSize)

		// the current frame is not complete, attempt to read more
		if int64(buf.Len()) < bodySize {
			continue
		}
		frameInProgress = false

		// check if body is empty (keepalive)
		if bodySize == 0 {
			debug.Log(context.Background(), slog.LevelDebug, "RX keepalive")
			continue
		}

		// parse the frame
		b, ok := buf.Next(bodySize)
		if !ok {
			c.connErr <- errors.Errorf("buffer EOF; requested bytes: %d, actual size: %d", bodySize, buf.Len())
			return
		}

		body := buffer.New(b)

		// discard the extended header, if any
		if extHeader := int64(currentHeader.DataOffset)*4 - frames.HeaderSize; extHeader > 0 {
			if extHeader > bodySize {
				c.connErr <- errors.Wrapf(errFramingError, "frame data offset %d exceeds frame size %d", currentHeader.DataOffset, currentHeader.Size)
				return
			}
			body.Skip(int(extHeader))
			if body.Len() == 0 {
				// nothing but extended header, treat as a keepalive
				continue
			}
		}

		parsedBody, err := frames.ParseBody(body)
		if err != nil {
			c.connErr <- err
			return
		}

		// send to mux
		select {
		case <-c.done:
			return
		case c.rxFrame <- frames.Frame{Channel: currentHeader.Channel, Type: frames.Type(currentHeader.FrameType), Body: parsedBody}:
		}
	}
}

func (c *conn) connWriter() {
	defer close(c.txDone)

	// disable write timeout
	if c.connectTimeout != 0 {
		c.connectTimeout = 0
		_ = c.net.SetWriteDeadline(time.Time{})
	}

	var (
		// keepalives are sent at a rate of 1/2 idle timeout
		keepaliveInterval = c.peerIdleTimeout / 2
		// 0 disables keepalives
		keepalivesEnabled = keepaliveInterval > 0
		// set if enable, nil if not; nil channels block forever
		keepalive <-chan time.Time
	)

	if keepalivesEnabled {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	var err error
	for {
		if err != nil {
			debug.Log(context.Background(), slog.LevelDebug, "connWriter error", slog.Any("error", err))
			c.connErr <- err
			return
		}

		select {
		// frame write request
		case fr := <-c.txFrame:
			err = c.writeFrame(fr)
			if err == nil && fr.Done != nil {
				close(fr.Done)
			}

		// keepalive timer
		case <-keepalive:
			debug.Log(context.Background(), slog.LevelDebug, "TX keepalive")
			_, err = c.net.Write(keepaliveFrame)
			// It would be slightly more efficient in terms of network
			// resources to reset the timer each time a frame is sent.
			// However, keepalives are small (8 bytes) and the interval
			// is usually on the order of minutes. It does not seem
			// worth it to add extra operations in the write path to
			// avoid. (To properly reset a timer it needs to be stopped,
			// possibly drained, then reset.)

		// connection complete
		case <-c.done:
			// send close performative. this is the only place a CLOSE
			// is written, for local and peer initiated closes alike.
			cls := &frames.PerformClose{}
			debug.TxFrame(context.Background(), "conn", cls)
			_ = c.writeFrame(frames.Frame{
				Type: frames.TypeAMQP,
				Body: cls,
			})
			return
		}
	}
}

// writeFrame writes a frame to the network.
// connWriter uses it once running; before that, SASL, the OPEN exchange
// and IncomingConn call it directly.
func (c *conn) writeFrame(fr frames.Frame) error {
	if c.connectTimeout != 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	}

	// writeFrame into txBuf
	c.txBuf.Reset()
	err := frames.Write(&c.txBuf, fr)
	if err != nil {
		return err
	}

	// validate the frame isn't exceeding peer's max frame size
	requiredFrameSize := c.txBuf.Len()
	if uint64(requiredFrameSize) > uint64(c.peerMaxFrameSize) {
		return errors.Wrapf(errFramingError, "%T frame size %d larger than peer's max frame size %d", fr.Body, requiredFrameSize, c.peerMaxFrameSize)
	}

	// write to network
	_, err = c.net.Write(c.txBuf.Bytes())
	return err
}

// writeProtoHeader writes an AMQP protocol header to the
// network
func (c *conn) writeProtoHeader(pID protoID) error {
	if c.connectTimeout != 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	}
	_, err := c.net.Write([]byte{'A', 'M', 'Q', 'P', byte(pID), 1, 0, 0})
	return err
}

// keepaliveFrame is an AMQP frame with no body, used for keepalives
var keepaliveFrame = []byte{0x00, 0x00, 0x00, 0x08, 0x02, 0x00, 0x00, 0x00}

// wantWriteFrame is used by sessions and links to send frame to
// connWriter.
func (c *conn) wantWriteFrame(fr frames.Frame) error {
	select {
	case c.txFrame <- fr:
		return nil
	case <-c.done:
		return c.Err()
	}
}

// frame methods below are used during connection establishment only.

// readProtoHeader reads a protocol header packet from c.rxProto.
func (c *conn) readProtoHeader() (protoHeader, error) {
	var deadline <-chan time.Time
	if c.connectTimeout != 0 {
		deadline = time.After(c.connectTimeout)
	}
	select {
	case p := <-c.rxProto:
		return p, nil
	case err := <-c.connErr:
		return protoHeader{}, err
	case fr := <-c.rxFrame:
		return protoHeader{}, errors.Errorf("readProtoHeader: unexpected frame %#v", fr)
	case <-deadline:
		return protoHeader{}, ErrTimeout
	}
}

// readFrame reads a frame from c.rxFrame.
func (c *conn) readFrame() (frames.Frame, error) {
	var deadline <-chan time.Time
	if c.connectTimeout != 0 {
		deadline = time.After(c.connectTimeout)
	}

	var fr frames.Frame
	select {
	case fr = <-c.rxFrame:
		return fr, nil
	case err := <-c.connErr:
		return fr, err
	case p := <-c.rxProto:
		return fr, errors.Errorf("unexpected protocol header %#v", p)
	case <-deadline:
		return fr, ErrTimeout
	}
}

// negotiateProto determines which proto to negotiate next.
// In the case of a server connection the peer speaks first.
func (c *conn) negotiateProto() stateFunc {
	// in the order each must be negotiated
	switch {
	case c.saslHandlers != nil && !c.saslComplete:
		return c.exchangeProtoHeader(protoSASL)
	default:
		return c.exchangeProtoHeader(protoAMQP)
	}
}

// exchangeProtoHeader performs the round trip exchange of protocol
// headers, validation, and returns the protoID specific next state.
func (c *conn) exchangeProtoHeader(pID protoID) stateFunc {
	if c.isServer {
		// when accepting, the initiating peer's header arrives first
		p, err := c.readProtoHeader()
		if err != nil {
			c.err = err
			return nil
		}
		if p.ProtoID != pID {
			c.err = errors.Errorf("unexpected protocol header %#00x, expected %#00x", p.ProtoID, pID)
			return nil
		}
		if c.err = c.writeProtoHeader(pID); c.err != nil {
			return nil
		}
		return c.protoStateFor(pID)
	}

	// write the proto header
	c.err = c.writeProtoHeader(pID)
	if c.err != nil {
		return nil
	}

	// read response header
	p, err := c.readProtoHeader()
	if err != nil {
		c.err = err
		return nil
	}

	if pID != p.ProtoID {
		c.err = errors.Errorf("unexpected protocol header %#00x, expected %#00x", p.ProtoID, pID)
		return nil
	}

	// go to the proto specific state
	return c.protoStateFor(pID)
}

func (c *conn) protoStateFor(pID protoID) stateFunc {
	switch pID {
	case protoAMQP:
		if c.isServer {
			return c.rxOpenThenTx
		}
		return c.openAMQP
	case protoTLS:
		if c.altTLS {
			// the host established TLS on the transport directly
			return c.negotiateProto
		}
		c.err = errors.New("in-band TLS establishment requires a TLS transport")
		return nil
	case protoSASL:
		return c.negotiateSASL
	default:
		c.err = errors.Errorf("unknown protocol ID %#02x", pID)
		return nil
	}
}

// openAMQP round trips the AMQP open performative.
func (c *conn) openAMQP() stateFunc {
	// send open frame
	open := c.localOpen()
	debug.TxFrame(context.Background(), "conn", open)
	c.err = c.writeFrame(frames.Frame{
		Type:    frames.TypeAMQP,
		Body:    open,
		Channel: 0,
	})
	if c.err != nil {
		return nil
	}

	// get the response
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	o, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		c.err = errors.Wrapf(errFramingError, "openAMQP: unexpected frame type %T", fr.Body)
		return nil
	}
	debug.RxFrame(context.Background(), "conn", o)

	c.recordPeerOpen(o)

	// connection established, exit state machine
	return nil
}

// rxOpenThenTx is the server side of the OPEN exchange: the remote
// peer's OPEN arrives first, then ours is sent in response.
func (c *conn) rxOpenThenTx() stateFunc {
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	o, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		c.err = errors.Wrapf(errFramingError, "accept: unexpected frame type %T", fr.Body)
		return nil
	}
	debug.RxFrame(context.Background(), "conn", o)

	c.recordPeerOpen(o)

	if c.deferOpen {
		// the host inspects the OPEN and calls Accept or Close
		return nil
	}

	open := c.localOpen()
	debug.TxFrame(context.Background(), "conn", open)
	c.err = c.writeFrame(frames.Frame{
		Type:    frames.TypeAMQP,
		Body:    open,
		Channel: 0,
	})
	if c.err != nil {
		return nil
	}

	return nil
}

func (c *conn) localOpen() *frames.PerformOpen {
	return &frames.PerformOpen{
		ContainerID:     c.containerID,
		Hostname:        c.hostname,
		MaxFrameSize:    c.maxFrameSize,
		ChannelMax:      c.channelMax,
		IdleTimeout:     c.idleTimeout / 2, // per spec, advertise half our idle timeout
		OutgoingLocales: c.outgoingLocales,
		IncomingLocales: c.incomingLocales,
		Properties:      c.properties,
	}
}

func (c *conn) recordPeerOpen(o *frames.PerformOpen) {
	c.peerOpen = o
	c.peerContainerID = o.ContainerID
	c.peerProperties = o.Properties

	// update peer settings; 512 is the protocol floor
	if o.MaxFrameSize >= 512 {
		c.peerMaxFrameSize = o.MaxFrameSize
	}
	if o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}
	if o.IdleTimeout > 0 {
		// TODO: reject very small idle timeouts
		c.peerIdleTimeout = o.IdleTimeout
	}
}

// frameSizeBudget returns the effective frame size budget for outgoing
// fragmentation, min(local, remote).
func (c *conn) frameSizeBudget() uint32 {
	if c.maxFrameSize < c.peerMaxFrameSize {
		return c.maxFrameSize
	}
	return c.peerMaxFrameSize
}

func parseProtoHeader(buf *buffer.Buffer) (protoHeader, error) {
	const protoHeaderSize = 8
	b, ok := buf.Next(protoHeaderSize)
	if !ok {
		return protoHeader{}, errors.New("invalid protoHeader")
	}
	_ = b[7]

	if !bytes.Equal(b[:4], []byte{'A', 'M', 'Q', 'P'}) {
		return protoHeader{}, errors.Errorf("unexpected protocol %q", b[:4])
	}

	p := protoHeader{
		ProtoID:  protoID(b[4]),
		Major:    b[5],
		Minor:    b[6],
		Revision: b[7],
	}

	if p.Major != 1 || p.Minor != 0 || p.Revision != 0 {
		return p, errors.Errorf("unexpected protocol version %d.%d.%d", p.Major, p.Minor, p.Revision)
	}
	return p, nil
}

// errFramingError indicates a violation of the framing rules; the
// connection is no longer usable.
var errFramingError = &encoding.Error{
	Condition: ErrCondFramingError,
}

// bitmap tracks channel allocation; zero value is empty.
type bitmap struct {
	max  uint32
	bits []uint64
}

// next returns the lowest available number, or false if all
// numbers up to max are in use.
func (b *bitmap) next() (uint32, bool) {
	// find the first word with an unset bit
	for i, word := range b.bits {
		if word == ^uint64(0) {
			continue
		}
		// find the unset bit
		for bit := uint32(0); bit < 64; bit++ {
			if word&(1<<bit) == 0 {
				n := uint32(i)*64 + bit
				if n > b.max {
					return 0, false
				}
				b.bits[i] |= 1 << bit
				return n, true
			}
		}
	}

	// no words with unset bits, add a new word
	n := uint32(len(b.bits)) * 64
	if n > b.max {
		return 0, false
	}
	b.bits = append(b.bits, 1)
	return n, true
}

// release marks n as available.
func (b *bitmap) release(n uint32) {
	i := n / 64
	if i >= uint32(len(b.bits)) {
		return
	}
	b.bits[i] &^= 1 << (n % 64)
}
