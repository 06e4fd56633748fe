package server

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // protocol-mandated, not used for secrecy beyond this handshake
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kf6kjg/whip-lru/internal/codec"
	"github.com/rs/zerolog"
)

// phase tracks where a connection is in its lifecycle.
type phase int

const (
	phaseAccepting phase = iota
	phaseChallenged
	phaseReady
	phaseDisconnected
)

func (p phase) String() string {
	switch p {
	case phaseAccepting:
		return "accepting"
	case phaseChallenged:
		return "challenged"
	case phaseReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// conn holds one accepted connection's state machine.
type conn struct {
	nc    net.Conn
	peer  string
	r     *bufio.Reader
	phase phase
	log   zerolog.Logger

	password string
	handler  Handler
}

func newConn(nc net.Conn, password string, handler Handler, log zerolog.Logger) *conn {
	peer := nc.RemoteAddr().String()
	return &conn{
		nc:       nc,
		peer:     peer,
		r:        bufio.NewReaderSize(nc, readChunkSize),
		phase:    phaseAccepting,
		log:      log.With().Str("peer", peer).Logger(),
		password: password,
		handler:  handler,
	}
}

// serve runs the full connection lifecycle to completion. It never returns
// an error: all outcomes are logged and resolve to the connection closing.
func (c *conn) serve(ctx context.Context) {
	defer c.nc.Close()

	if err := c.handshake(); err != nil {
		c.log.Debug().Err(err).Msg("authentication handshake failed")
		return
	}
	c.phase = phaseReady

	for {
		req, terminal, err := c.readRequest()
		if err != nil {
			if terminal {
				c.log.Debug().Err(err).Msg("connection closed")
				if errors.Is(err, codec.ErrPayloadTooLarge) {
					_ = c.writeResponse(codec.ServerResponse{Code: codec.RCError, Payload: []byte(err.Error())})
				}
				c.phase = phaseDisconnected
				c.log.Debug().Str("phase", c.phase.String()).Msg("connection ended")
				return
			}
			// Recoverable decode failure: answer RC_ERROR with the zero id
			// (the request's own id never parsed) and stay in Ready.
			c.log.Warn().Err(err).Msg("malformed request rejected")
			if werr := c.writeResponse(codec.ServerResponse{Code: codec.RCError, Payload: []byte(err.Error())}); werr != nil {
				c.log.Debug().Err(werr).Msg("write failed, disconnecting")
				c.phase = phaseDisconnected
				return
			}
			continue
		}

		resp := c.dispatch(ctx, req)
		if err := c.writeResponse(resp); err != nil {
			c.log.Debug().Err(err).Msg("write failed, disconnecting")
			c.phase = phaseDisconnected
			return
		}
	}
}

// dispatch invokes the handler, converting a panic into an RC_ERROR
// response so a misbehaving handler never tears down the connection.
func (c *conn) dispatch(ctx context.Context, req codec.ClientRequest) (resp codec.ServerResponse) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("handler panicked")
			resp = codec.ServerResponse{Code: codec.RCError, ID: req.ID, Payload: []byte(fmt.Sprintf("internal error: %v", r))}
		}
	}()
	return c.handler(ctx, req)
}

// handshake runs the Accepting -> Challenged -> Ready transitions.
func (c *conn) handshake() error {
	challenge, err := codec.NewAuthChallenge()
	if err != nil {
		return err
	}
	if _, err := c.nc.Write(challenge.Encode()); err != nil {
		return err
	}
	c.phase = phaseChallenged

	var respDec codec.AuthResponseDecoder
	if err := fill(c.r, &respDec); err != nil {
		return err
	}
	resp := respDec.Response()

	expected := expectedChallengeHash(c.password, challenge)
	success := strings.EqualFold(resp.HashHex, expected)

	if _, err := c.nc.Write(codec.AuthStatus{Success: success}.Encode()); err != nil {
		return err
	}
	if !success {
		return errAuthFailed
	}
	return nil
}

var errAuthFailed = errors.New("server: authentication failed")

func expectedChallengeHash(password string, challenge codec.AuthChallenge) string {
	h := sha1.New() //nolint:gosec // SHA-1 is the wire protocol's specified hash, not a security choice made here
	h.Write([]byte(password))
	h.Write(challenge.Nonce[:])
	return hex.EncodeToString(h.Sum(nil))
}

// readRequest reads one ClientRequest. terminal reports whether the error
// (if any) should end the connection outright, versus being answered with
// RC_ERROR while the connection stays in Ready.
func (c *conn) readRequest() (req codec.ClientRequest, terminal bool, err error) {
	var dec codec.ClientRequestDecoder
	if err := fill(c.r, &dec); err != nil {
		return codec.ClientRequest{}, true, err
	}
	req, err = dec.Request()
	if err != nil {
		return codec.ClientRequest{}, false, err
	}
	return req, false, nil
}

func (c *conn) writeResponse(resp codec.ServerResponse) error {
	_, err := c.nc.Write(resp.Encode())
	return err
}
