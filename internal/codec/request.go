package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/werrors"
)

// ClientRequest is the >=37-byte client->server message: type(1) +
// uuid-hex(32) + payload-length(4, big-endian) + payload.
type ClientRequest struct {
	Type    byte
	ID      assetid.ID
	Payload []byte
}

// Encode renders the request as its wire form.
func (r ClientRequest) Encode() []byte {
	out := make([]byte, headerSize+len(r.Payload))
	out[0] = r.Type
	copy(out[1:1+assetid.CompactLen], encodeID(r.ID))
	binary.BigEndian.PutUint32(out[1+assetid.CompactLen:headerSize], uint32(len(r.Payload)))
	copy(out[headerSize:], r.Payload)
	return out
}

// ClientRequestDecoder streams in a ClientRequest.
type ClientRequestDecoder struct {
	header   [headerSize]byte
	headerN  int
	payload  []byte
	payloadN int
	complete bool
	failed   error
}

// Feed consumes up to len(chunk) bytes. It returns an error wrapping
// ErrPayloadTooLarge (and so werrors.ErrProtocol), and stops accepting
// further input, as soon as the header reveals a payload length over
// MaxPayloadBytes.
func (d *ClientRequestDecoder) Feed(chunk []byte) (int, error) {
	if d.failed != nil {
		return 0, d.failed
	}
	if d.complete {
		return 0, ErrComplete
	}
	consumed := 0

	if d.headerN < headerSize {
		n := copy(d.header[d.headerN:], chunk)
		d.headerN += n
		consumed += n
		chunk = chunk[n:]
		if d.headerN < headerSize {
			return consumed, nil
		}
		raw := clampPayloadLength(binary.BigEndian.Uint32(d.header[1+assetid.CompactLen : headerSize]))
		if uint64(raw) > MaxPayloadBytes {
			d.failed = fmt.Errorf("%w: declared payload length %d exceeds max %d", ErrPayloadTooLarge, raw, MaxPayloadBytes)
			return consumed, d.failed
		}
		d.payload = make([]byte, raw)
	}

	if d.payloadN < len(d.payload) {
		n := copy(d.payload[d.payloadN:], chunk)
		d.payloadN += n
		consumed += n
	}

	if d.headerN == headerSize && d.payloadN == len(d.payload) {
		d.complete = true
	}
	return consumed, nil
}

// Complete reports whether the full header and payload have arrived.
func (d *ClientRequestDecoder) Complete() bool { return d.complete }

// Request parses the accumulated bytes. Only valid once Complete.
func (d *ClientRequestDecoder) Request() (ClientRequest, error) {
	if !d.complete {
		return ClientRequest{}, fmt.Errorf("codec: request incomplete")
	}
	typ := d.header[0]
	if !IsKnownRequestType(typ) {
		return ClientRequest{}, fmt.Errorf("%w: unknown request type byte 0x%02x", werrors.ErrProtocol, typ)
	}
	id, err := decodeIDField(d.header[1 : 1+assetid.CompactLen])
	if err != nil {
		return ClientRequest{}, fmt.Errorf("%w: %v", werrors.ErrProtocol, err)
	}
	return ClientRequest{Type: typ, ID: id, Payload: d.payload}, nil
}

// ServerResponse is the >=37-byte server->client message: code(1) +
// uuid-hex(32) + payload-length(4, big-endian) + payload.
type ServerResponse struct {
	Code    byte
	ID      assetid.ID
	Payload []byte
}

// Encode renders the response as its wire form.
func (r ServerResponse) Encode() []byte {
	out := make([]byte, headerSize+len(r.Payload))
	out[0] = r.Code
	copy(out[1:1+assetid.CompactLen], encodeID(r.ID))
	binary.BigEndian.PutUint32(out[1+assetid.CompactLen:headerSize], uint32(len(r.Payload)))
	copy(out[headerSize:], r.Payload)
	return out
}

// ServerResponseDecoder streams in a ServerResponse (used client-side).
type ServerResponseDecoder struct {
	header   [headerSize]byte
	headerN  int
	payload  []byte
	payloadN int
	complete bool
	failed   error
}

func (d *ServerResponseDecoder) Feed(chunk []byte) (int, error) {
	if d.failed != nil {
		return 0, d.failed
	}
	if d.complete {
		return 0, ErrComplete
	}
	consumed := 0

	if d.headerN < headerSize {
		n := copy(d.header[d.headerN:], chunk)
		d.headerN += n
		consumed += n
		chunk = chunk[n:]
		if d.headerN < headerSize {
			return consumed, nil
		}
		raw := clampPayloadLength(binary.BigEndian.Uint32(d.header[1+assetid.CompactLen : headerSize]))
		if uint64(raw) > MaxPayloadBytes {
			d.failed = fmt.Errorf("%w: declared payload length %d exceeds max %d", ErrPayloadTooLarge, raw, MaxPayloadBytes)
			return consumed, d.failed
		}
		d.payload = make([]byte, raw)
	}

	if d.payloadN < len(d.payload) {
		n := copy(d.payload[d.payloadN:], chunk)
		d.payloadN += n
		consumed += n
	}

	if d.headerN == headerSize && d.payloadN == len(d.payload) {
		d.complete = true
	}
	return consumed, nil
}

func (d *ServerResponseDecoder) Complete() bool { return d.complete }

func (d *ServerResponseDecoder) Response() (ServerResponse, error) {
	if !d.complete {
		return ServerResponse{}, fmt.Errorf("codec: response incomplete")
	}
	id, err := decodeIDField(d.header[1 : 1+assetid.CompactLen])
	if err != nil {
		return ServerResponse{}, fmt.Errorf("%w: %v", werrors.ErrProtocol, err)
	}
	return ServerResponse{Code: d.header[0], ID: id, Payload: d.payload}, nil
}
