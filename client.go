package amqp

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"

	"github.com/pkg/errors"
)

// Client is an AMQP client connection.
type Client struct {
	conn *conn
}

// Dial connects to an AMQP server.
//
// If the addr includes a scheme, it must be "amqp" or "amqps".
// If no port is provided, 5672 will be used for "amqp" and 5671 for "amqps".
//
// If username and password information is not empty it's used as SASL PLAIN
// credentials, equal to passing ConnSASLPlain option.
func Dial(addr string, opts ...ConnOption) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "5672"
		if u.Scheme == "amqps" {
			port = "5671"
		}
	}

	// prepend SASL credentials when the user/pass segment is not empty
	if u.User != nil {
		pass, _ := u.User.Password()
		opts = append([]ConnOption{
			ConnSASLPlain(u.User.Username(), pass),
		}, opts...)
	}

	// append default options so user specified can overwrite
	opts = append([]ConnOption{
		ConnServerHostname(host),
	}, opts...)

	c, err := newConn(nil, opts...)
	if err != nil {
		return nil, err
	}

	dialer := c.dialer
	if dialer == nil {
		dialer = netDialer{}
	}

	switch u.Scheme {
	case "amqp", "":
		err = dialer.NetDialerDial(c, host, port)
	case "amqps":
		err = dialer.TLSDialWithDialer(c, host, port)
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	err = c.start()
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// netDialer is the production dialer; tests substitute their own via
// the connDialer option.
type netDialer struct{}

func (netDialer) NetDialerDial(c *conn, host, port string) error {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	nc, err := dialer.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	c.net = nc
	return nil
}

func (netDialer) TLSDialWithDialer(c *conn, host, port string) error {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	nc, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{ServerName: c.hostname})
	if err != nil {
		return err
	}
	c.net = nc
	return nil
}

// New establishes an AMQP client connection over conn.
func New(netConn net.Conn, opts ...ConnOption) (*Client, error) {
	c, err := newConn(netConn, opts...)
	if err != nil {
		return nil, err
	}
	err = c.start()
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close disconnects the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NewSession opens a new AMQP session to the server.
func (c *Client) NewSession(opts ...SessionOption) (*Session, error) {
	// get a session allocated by conn.mux
	var sResp newSessionResp
	select {
	case <-c.conn.done:
		return nil, c.conn.Err()
	case sResp = <-c.conn.newSession:
	}

	if sResp.err != nil {
		return nil, sResp.err
	}
	s := sResp.session

	for _, opt := range opts {
		err := opt(s)
		if err != nil {
			// deallocate session on error
			s.abandon()
			return nil, err
		}
	}

	if err := s.begin(); err != nil {
		return nil, err
	}

	return s, nil
}

// NextIncomingSession surfaces the next remotely initiated session.
//
// The connection must have been created with ConnAllowIncoming. The
// BEGIN handshake is completed before the session is returned.
func (c *Client) NextIncomingSession(ctx context.Context) (*Session, error) {
	select {
	case s := <-c.conn.incomingSession:
		if err := s.beginIncoming(); err != nil {
			return nil, err
		}
		return s, nil
	case <-c.conn.done:
		return nil, c.conn.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
