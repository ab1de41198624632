package amqp

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
	"github.com/skiff-io/amqp/internal/mocks"
)

// saslPlainResponder drives the SASL sub-protocol followed by the AMQP
// open exchange.
func saslPlainResponder(outcome frames.SASLCode, sawOpen *bool) func(frames.FrameBody) ([]byte, error) {
	protoCount := 0
	return func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			protoCount++
			if protoCount == 1 {
				// SASL header exchange, then the server speaks first
				hdr := []byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}
				mechs, err := mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLMechanisms{
					Mechanisms: encoding.MultiSymbol{"PLAIN", "ANONYMOUS"},
				})
				if err != nil {
					return nil, err
				}
				return append(hdr, mechs...), nil
			}
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.SASLInit:
			if tt.Mechanism != "PLAIN" {
				return nil, fmt.Errorf("unexpected mechanism %s", tt.Mechanism)
			}
			if string(tt.InitialResponse) != "\x00user\x00pass" {
				return nil, fmt.Errorf("unexpected initial response %q", tt.InitialResponse)
			}
			return mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLOutcome{Code: outcome})
		case *frames.PerformOpen:
			*sawOpen = true
			return mocks.PerformOpen("container")
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

func TestSASLPlainOK(t *testing.T) {
	var sawOpen bool
	netConn := mocks.NewNetConn(saslPlainResponder(frames.CodeSASLOK, &sawOpen))

	client, err := New(netConn, ConnSASLPlain("user", "pass"))
	require.NoError(t, err)
	require.True(t, sawOpen, "AMQP header exchange must follow a successful SASL outcome")
	require.NoError(t, client.Close())
}

func TestSASLPlainAuthFailure(t *testing.T) {
	var sawOpen bool
	netConn := mocks.NewNetConn(saslPlainResponder(frames.CodeSASLAuth, &sawOpen))

	client, err := New(netConn, ConnSASLPlain("user", "pass"))
	require.Error(t, err)
	require.Nil(t, client)

	var saslErr *SASLError
	require.True(t, errors.As(err, &saslErr))
	require.Equal(t, frames.CodeSASLAuth, saslErr.Code)
	require.False(t, sawOpen, "must not proceed to the AMQP header exchange after auth failure")
}

func TestSASLNoCommonMechanism(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			hdr := []byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}
			mechs, err := mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLMechanisms{
				Mechanisms: encoding.MultiSymbol{"EXTERNAL"},
			})
			if err != nil {
				return nil, err
			}
			return append(hdr, mechs...), nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	netConn := mocks.NewNetConn(responder)
	_, err := New(netConn, ConnSASLPlain("user", "pass"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no supported auth mechanism")
}

// RFC 5802 section 5 example exchange.
func TestSCRAMSHA1Vectors(t *testing.T) {
	sc := &scramClient{
		newHash:  sha1.New,
		username: "user",
		password: "pencil",
		nonce:    "fyko+d2lbbFgONRv9qkxdawL",
	}

	require.Equal(t, "n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL", string(sc.clientFirst()))

	final, err := sc.clientFinal([]byte("r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"))
	require.NoError(t, err)
	require.Equal(t,
		"c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts=",
		string(final))

	require.True(t, sc.serverFinalPending())
	require.NoError(t, sc.verifyServerFinal([]byte("v=rmF9pqV8S7suAoZWja4dJRkFsKQ=")))
	require.False(t, sc.serverFinalPending())
}

// RFC 7677 section 3 example exchange.
func TestSCRAMSHA256Vectors(t *testing.T) {
	sc := &scramClient{
		newHash:  sha256.New,
		username: "user",
		password: "pencil",
		nonce:    "rOprNGfwEbeRWgbNEkqO",
	}

	require.Equal(t, "n,,n=user,r=rOprNGfwEbeRWgbNEkqO", string(sc.clientFirst()))

	final, err := sc.clientFinal([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	require.NoError(t, err)
	require.Equal(t,
		"c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ=",
		string(final))

	require.NoError(t, sc.verifyServerFinal([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=")))
}

func TestSCRAMRejectsBadServer(t *testing.T) {
	sc := &scramClient{
		newHash:  sha256.New,
		username: "user",
		password: "pencil",
		nonce:    "rOprNGfwEbeRWgbNEkqO",
	}
	sc.clientFirst()

	// server must extend, not replace, the client nonce
	_, err := sc.clientFinal([]byte("r=attacker-nonce,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	require.Error(t, err)

	// bad iteration count
	_, err = sc.clientFinal([]byte("r=rOprNGfwEbeRWgbNEkqO123,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=0"))
	require.Error(t, err)

	// a wrong server signature must be rejected
	_, err = sc.clientFinal([]byte("r=rOprNGfwEbeRWgbNEkqO123,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	require.NoError(t, err)
	require.Error(t, sc.verifyServerFinal([]byte("v=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")))
}

func TestSCRAMThroughHandshake(t *testing.T) {
	// run the full challenge/response exchange against a scripted
	// server that follows RFC 5802 with fixed salt and iterations
	const mechanism = "SCRAM-SHA-256"

	protoCount := 0
	var serverSig string

	responder := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			protoCount++
			if protoCount == 1 {
				hdr := []byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}
				mechs, err := mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLMechanisms{
					Mechanisms: encoding.MultiSymbol{mechanism},
				})
				if err != nil {
					return nil, err
				}
				return append(hdr, mechs...), nil
			}
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.SASLInit:
			// client-first: gs2 header plus bare message
			clientFirst := string(tt.InitialResponse)
			if len(clientFirst) < 3 || clientFirst[:3] != "n,," {
				return nil, fmt.Errorf("malformed client-first %q", clientFirst)
			}
			bare := clientFirst[3:]
			nonce := bare[len("n=user,r="):]
			serverFirst := "r=" + nonce + "srvnonce,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"

			// mirror the client's computation to derive the server
			// signature a real server would produce
			mirror := &scramClient{newHash: sha256.New, username: "user", password: "pencil", nonce: nonce}
			mirror.clientFirstBare = bare
			if _, err := mirror.clientFinal([]byte(serverFirst)); err != nil {
				return nil, err
			}
			serverSig = base64.StdEncoding.EncodeToString(mirror.serverSignature)

			return mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLChallenge{Challenge: []byte(serverFirst)})
		case *frames.SASLResponse:
			// accept the proof and return the server-final message in
			// the outcome's additional data
			return mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLOutcome{
				Code:           frames.CodeSASLOK,
				AdditionalData: []byte("v=" + serverSig),
			})
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	netConn := mocks.NewNetConn(responder)
	client, err := New(netConn, ConnSASLSCRAMSHA256("user", "pencil"))
	require.NoError(t, err)
	require.NoError(t, client.Close())
}
