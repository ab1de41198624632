package amqp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"github.com/skiff-io/amqp/internal/debug"
	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
)

// SASL Mechanisms
const (
	saslMechanismPLAIN        encoding.Symbol = "PLAIN"
	saslMechanismANONYMOUS    encoding.Symbol = "ANONYMOUS"
	saslMechanismSCRAMSHA1    encoding.Symbol = "SCRAM-SHA-1"
	saslMechanismSCRAMSHA256  encoding.Symbol = "SCRAM-SHA-256"
	saslMechanismSCRAMSHA512  encoding.Symbol = "SCRAM-SHA-512"
)

// SASLError is returned when the SASL exchange terminates without an
// ok outcome. The connection never proceeds to the AMQP header
// exchange in that case.
type SASLError struct {
	Code           frames.SASLCode
	AdditionalData []byte
}

func (e *SASLError) Error() string {
	switch e.Code {
	case frames.CodeSASLAuth:
		return "amqp: SASL auth failed: invalid credentials"
	case frames.CodeSASLSys, frames.CodeSASLSysPerm, frames.CodeSASLSysTemp:
		return fmt.Sprintf("amqp: SASL auth failed: system error (code %d)", e.Code)
	default:
		return fmt.Sprintf("amqp: SASL auth failed with code %#00x: %s", e.Code, e.AdditionalData)
	}
}

// ConnSASLPlain enables SASL PLAIN authentication for the connection.
//
// SASL PLAIN transmits credentials in plain text and should only be used
// on TLS/SSL enabled connection.
func ConnSASLPlain(username, password string) ConnOption {
	// TODO: how widely used is hostname? should it be supported
	return func(c *conn) error {
		// make handlers map if no other mechanism has
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		// add the handler the the map
		c.saslHandlers[saslMechanismPLAIN] = func() stateFunc {
			// send saslInit with PLAIN payload
			init := &frames.SASLInit{
				Mechanism:       "PLAIN",
				InitialResponse: []byte("\x00" + username + "\x00" + password),
				Hostname:        "",
			}
			debug.TxFrame(context.Background(), "sasl", init)
			c.err = c.writeFrame(frames.Frame{
				Type: frames.TypeSASL,
				Body: init,
			})
			if c.err != nil {
				return nil
			}

			// go to c.saslOutcome to handle the server response
			return c.saslOutcome
		}
		return nil
	}
}

// ConnSASLAnonymous enables SASL ANONYMOUS authentication for the connection.
func ConnSASLAnonymous() ConnOption {
	return func(c *conn) error {
		// make handlers map if no other mechanism has
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		// add the handler the the map
		c.saslHandlers[saslMechanismANONYMOUS] = func() stateFunc {
			init := &frames.SASLInit{
				Mechanism:       saslMechanismANONYMOUS,
				InitialResponse: []byte("anonymous"),
			}
			debug.TxFrame(context.Background(), "sasl", init)
			c.err = c.writeFrame(frames.Frame{
				Type: frames.TypeSASL,
				Body: init,
			})
			if c.err != nil {
				return nil
			}

			// go to c.saslOutcome to handle the server response
			return c.saslOutcome
		}
		return nil
	}
}

// ConnSASLSCRAMSHA1 enables SASL SCRAM-SHA-1 authentication for the connection.
func ConnSASLSCRAMSHA1(username, password string) ConnOption {
	return connSASLSCRAM(saslMechanismSCRAMSHA1, username, password, sha1.New)
}

// ConnSASLSCRAMSHA256 enables SASL SCRAM-SHA-256 authentication for the connection.
func ConnSASLSCRAMSHA256(username, password string) ConnOption {
	return connSASLSCRAM(saslMechanismSCRAMSHA256, username, password, sha256.New)
}

// ConnSASLSCRAMSHA512 enables SASL SCRAM-SHA-512 authentication for the connection.
func ConnSASLSCRAMSHA512(username, password string) ConnOption {
	return connSASLSCRAM(saslMechanismSCRAMSHA512, username, password, sha512.New)
}

func connSASLSCRAM(mechanism encoding.Symbol, username, password string, newHash func() hash.Hash) ConnOption {
	return func(c *conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		c.saslHandlers[mechanism] = func() stateFunc {
			sc, err := newScramClient(newHash, username, password)
			if err != nil {
				c.err = err
				return nil
			}

			init := &frames.SASLInit{
				Mechanism:       mechanism,
				InitialResponse: sc.clientFirst(),
			}
			debug.TxFrame(context.Background(), "sasl", init)
			c.err = c.writeFrame(frames.Frame{
				Type: frames.TypeSASL,
				Body: init,
			})
			if c.err != nil {
				return nil
			}

			return c.saslSCRAMChallenge(sc)
		}
		return nil
	}
}

// saslSCRAMChallenge returns the state that answers the server-first
// message and verifies the server signature.
func (c *conn) saslSCRAMChallenge(sc *scramClient) stateFunc {
	return func() stateFunc {
		fr, err := c.readFrame()
		if err != nil {
			c.err = err
			return nil
		}

		switch body := fr.Body.(type) {
		case *frames.SASLChallenge:
			if sc.serverFinalPending() {
				// second challenge carries the server-final message
				if c.err = sc.verifyServerFinal(body.Challenge); c.err != nil {
					return nil
				}
				resp := &frames.SASLResponse{Response: []byte{}}
				debug.TxFrame(context.Background(), "sasl", resp)
				c.err = c.writeFrame(frames.Frame{
					Type: frames.TypeSASL,
					Body: resp,
				})
				if c.err != nil {
					return nil
				}
				return c.saslOutcome
			}

			final, err := sc.clientFinal(body.Challenge)
			if err != nil {
				c.err = err
				return nil
			}
			resp := &frames.SASLResponse{Response: final}
			debug.TxFrame(context.Background(), "sasl", resp)
			c.err = c.writeFrame(frames.Frame{
				Type: frames.TypeSASL,
				Body: resp,
			})
			if c.err != nil {
				return nil
			}
			return c.saslSCRAMChallenge(sc)

		case *frames.SASLOutcome:
			// the server may carry the server-final message in the
			// outcome's additional data
			if body.Code != frames.CodeSASLOK {
				c.err = &SASLError{Code: body.Code, AdditionalData: body.AdditionalData}
				return nil
			}
			if sc.serverFinalPending() {
				if c.err = sc.verifyServerFinal(body.AdditionalData); c.err != nil {
					return nil
				}
			}
			c.saslComplete = true
			return c.negotiateProto

		default:
			c.err = errors.Errorf("unexpected frame type %T during SCRAM exchange", fr.Body)
			return nil
		}
	}
}

// negotiateSASL returns the SASL handler for the first matched mechanism.
func (c *conn) negotiateSASL() stateFunc {
	// read mechanisms frame
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}

	sm, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		c.err = errors.Errorf("unexpected frame type %T", fr.Body)
		return nil
	}
	debug.RxFrame(context.Background(), "sasl", sm)

	// return first match in c.saslHandlers based on order received
	for _, mech := range sm.Mechanisms {
		if state, ok := c.saslHandlers[mech]; ok {
			return state
		}
	}

	// no match
	c.err = errors.Errorf("no supported auth mechanism (%v)", sm.Mechanisms) // TODO: send "auth not supported" frame?
	return nil
}

// saslOutcome processes the SASL outcome frame and return conn.negotiateProto
// on success.
//
// SASL handlers return this stateFunc when the mechanism specific negotiation
// has completed.
func (c *conn) saslOutcome() stateFunc {
	// read outcome frame
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}

	so, ok := fr.Body.(*frames.SASLOutcome)
	if !ok {
		c.err = errors.Errorf("unexpected frame type %T", fr.Body)
		return nil
	}
	debug.RxFrame(context.Background(), "sasl", so)

	// check if auth succeeded
	if so.Code != frames.CodeSASLOK {
		c.err = &SASLError{Code: so.Code, AdditionalData: so.AdditionalData}
		return nil
	}

	// return to c.negotiateProto
	c.saslComplete = true
	return c.negotiateProto
}

// scramClient implements the client side of RFC 5802 with the gs2
// header "n,," (no channel binding).
type scramClient struct {
	newHash func() hash.Hash

	username string
	password string
	nonce    string

	clientFirstBare string
	serverSignature []byte
	awaitingFinal   bool
}

func newScramClient(newHash func() hash.Hash, username, password string) (*scramClient, error) {
	nonce, err := scramNonce()
	if err != nil {
		return nil, err
	}
	return &scramClient{
		newHash:  newHash,
		username: username,
		password: password,
		nonce:    nonce,
	}, nil
}

func scramNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// clientFirst builds the client-first message, gs2 header included.
func (sc *scramClient) clientFirst() []byte {
	sc.clientFirstBare = "n=" + scramSaslName(sc.username) + ",r=" + sc.nonce
	return []byte("n,," + sc.clientFirstBare)
}

// clientFinal consumes the server-first message and produces the
// client-final message carrying the proof.
func (sc *scramClient) clientFinal(serverFirst []byte) ([]byte, error) {
	fields, err := scramFields(string(serverFirst))
	if err != nil {
		return nil, err
	}

	serverNonce, ok := fields["r"]
	if !ok || !strings.HasPrefix(serverNonce, sc.nonce) || serverNonce == sc.nonce {
		return nil, errors.New("sasl scram: server nonce does not extend client nonce")
	}

	saltB64, ok := fields["s"]
	if !ok {
		return nil, errors.New("sasl scram: server-first message missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, errors.Wrap(err, "sasl scram: invalid salt")
	}

	iterStr, ok := fields["i"]
	if !ok {
		return nil, errors.New("sasl scram: server-first message missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return nil, errors.Errorf("sasl scram: invalid iteration count %q", iterStr)
	}

	// c=biws is the base64 of the gs2 header "n,,"
	withoutProof := "c=biws,r=" + serverNonce
	authMessage := sc.clientFirstBare + "," + string(serverFirst) + "," + withoutProof

	saltedPassword := pbkdf2.Key([]byte(sc.password), salt, iterations, sc.newHash().Size(), sc.newHash)

	clientKey := scramHMAC(sc.newHash, saltedPassword, "Client Key")
	storedKey := scramHash(sc.newHash, clientKey)
	clientSignature := scramHMAC(sc.newHash, storedKey, authMessage)

	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	serverKey := scramHMAC(sc.newHash, saltedPassword, "Server Key")
	sc.serverSignature = scramHMAC(sc.newHash, serverKey, authMessage)
	sc.awaitingFinal = true

	final := withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return []byte(final), nil
}

func (sc *scramClient) serverFinalPending() bool {
	return sc.awaitingFinal
}

// verifyServerFinal checks the server signature from the server-final
// message, proving the server knew the stored credentials.
func (sc *scramClient) verifyServerFinal(serverFinal []byte) error {
	fields, err := scramFields(string(serverFinal))
	if err != nil {
		return err
	}

	if e, ok := fields["e"]; ok {
		return errors.Errorf("sasl scram: server returned error %q", e)
	}

	v, ok := fields["v"]
	if !ok {
		return errors.New("sasl scram: server-final message missing verifier")
	}
	sig, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return errors.Wrap(err, "sasl scram: invalid server signature")
	}

	if !hmac.Equal(sig, sc.serverSignature) {
		return errors.New("sasl scram: server signature mismatch")
	}
	sc.awaitingFinal = false
	return nil
}

func scramHMAC(newHash func() hash.Hash, key []byte, msg string) []byte {
	h := hmac.New(newHash, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func scramHash(newHash func() hash.Hash, data []byte) []byte {
	h := newHash()
	h.Write(data)
	return h.Sum(nil)
}

// scramSaslName escapes the username per RFC 5802.
func scramSaslName(username string) string {
	username = strings.ReplaceAll(username, "=", "=3D")
	return strings.ReplaceAll(username, ",", "=2C")
}

// scramFields splits a SCRAM message into its attribute/value pairs.
func scramFields(msg string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if part == "" {
			continue
		}
		if len(part) < 2 || part[1] != '=' {
			return nil, errors.Errorf("sasl scram: malformed attribute %q", part)
		}
		fields[part[:1]] = part[2:]
	}
	return fields, nil
}
