// Package codec implements the message codecs: framing for the
// authentication handshake and the request/response protocol. All
// multi-byte integers are big-endian; all ids on the wire are 32
// lowercase hex characters. Decoders are streaming: Feed accepts
// successive byte chunks, Complete reports whether enough has arrived to
// parse the message, and Feed rejects further input once complete.
package codec

import (
	"crypto/rand"
	"fmt"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/werrors"
)

// Frame size limits: the combined frame (header + payload) is capped at
// MaxFrameBytes, so the payload itself is capped at 48 MiB minus the
// 37-byte ClientRequest/ServerResponse header.
const (
	MaxFrameBytes   = 48 * 1024 * 1024
	headerSize      = 1 + assetid.CompactLen + 4
	MaxPayloadBytes = MaxFrameBytes - headerSize
)

// Request type bytes.
const (
	ReqGet          byte = 10
	ReqPut          byte = 11
	ReqPurge        byte = 12
	ReqTest         byte = 13
	ReqPurgeLocals  byte = 14
	ReqStatusGet    byte = 15
	ReqStoredIDsGet byte = 16
	ReqGetDontCache byte = 17
)

// Response code bytes.
const (
	RCFound    byte = 10
	RCNotFound byte = 11
	RCError    byte = 12
	RCOk       byte = 13
)

// ErrComplete is returned by Feed when called after the decoder has
// already finished parsing its message.
var ErrComplete = fmt.Errorf("%w: codec: decoder already complete", werrors.ErrProtocol)

// ErrPayloadTooLarge is returned by ClientRequestDecoder.Feed/
// ServerResponseDecoder.Feed when the header's declared payload length
// exceeds MaxPayloadBytes. This specific decode failure terminates the
// connection, unlike other decode errors (unknown request type,
// malformed id) which are caught and answered with RC_ERROR on an
// otherwise-surviving connection.
var ErrPayloadTooLarge = fmt.Errorf("%w: declared payload length exceeds maximum", werrors.ErrProtocol)

// IsKnownRequestType reports whether b is one of the defined request type
// bytes.
func IsKnownRequestType(b byte) bool {
	switch b {
	case ReqGet, ReqPut, ReqPurge, ReqTest, ReqPurgeLocals, ReqStatusGet, ReqStoredIDsGet, ReqGetDontCache:
		return true
	default:
		return false
	}
}

func encodeID(id assetid.ID) []byte {
	return []byte(id.Compact())
}

func decodeIDField(b []byte) (assetid.ID, error) {
	return assetid.ParseCompact(string(b))
}

// clampPayloadLength clamps a declared length whose sign bit is set (i.e.
// would be negative if read as a signed int32) to zero rather than
// treating it as an enormous unsigned value.
func clampPayloadLength(raw uint32) uint32 {
	if raw&0x80000000 != 0 {
		return 0
	}
	return raw
}

func randomChallenge() ([7]byte, error) {
	var c [7]byte
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("codec: generate challenge: %w", err)
	}
	return c, nil
}
