package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/kf6kjg/whip-lru/internal/werrors"
)

// AuthChallenge is the 8-byte server->client message: 0x00 + 7 random
// bytes.
type AuthChallenge struct {
	Nonce [7]byte
}

// NewAuthChallenge generates a fresh random challenge.
func NewAuthChallenge() (AuthChallenge, error) {
	nonce, err := randomChallenge()
	if err != nil {
		return AuthChallenge{}, err
	}
	return AuthChallenge{Nonce: nonce}, nil
}

// Encode renders the challenge as its 8-byte wire form.
func (a AuthChallenge) Encode() []byte {
	out := make([]byte, 8)
	out[0] = 0x00
	copy(out[1:], a.Nonce[:])
	return out
}

// AuthChallengeDecoder streams in an AuthChallenge.
type AuthChallengeDecoder struct {
	buf [8]byte
	n   int
}

// Feed consumes up to len(chunk) bytes, returning how many it used.
func (d *AuthChallengeDecoder) Feed(chunk []byte) (int, error) {
	if d.Complete() {
		return 0, ErrComplete
	}
	n := copy(d.buf[d.n:], chunk)
	d.n += n
	if d.Complete() && d.buf[0] != 0x00 {
		return n, fmt.Errorf("%w: bad auth challenge marker byte 0x%02x", werrors.ErrProtocol, d.buf[0])
	}
	return n, nil
}

// Complete reports whether all 8 bytes have arrived.
func (d *AuthChallengeDecoder) Complete() bool { return d.n == 8 }

// Challenge returns the parsed message. Only valid once Complete.
func (d *AuthChallengeDecoder) Challenge() AuthChallenge {
	var a AuthChallenge
	copy(a.Nonce[:], d.buf[1:])
	return a
}

// AuthResponse is the 41-byte client->server message: 0x00 + 40 ASCII hex
// characters = SHA-1(password || challenge).
type AuthResponse struct {
	HashHex string
}

// Encode renders the response as its 41-byte wire form.
func (r AuthResponse) Encode() []byte {
	out := make([]byte, 41)
	out[0] = 0x00
	copy(out[1:], []byte(r.HashHex))
	return out
}

// AuthResponseDecoder streams in an AuthResponse.
type AuthResponseDecoder struct {
	buf [41]byte
	n   int
}

func (d *AuthResponseDecoder) Feed(chunk []byte) (int, error) {
	if d.Complete() {
		return 0, ErrComplete
	}
	n := copy(d.buf[d.n:], chunk)
	d.n += n
	if d.Complete() {
		if d.buf[0] != 0x00 {
			return n, fmt.Errorf("%w: bad auth response marker byte 0x%02x", werrors.ErrProtocol, d.buf[0])
		}
		if _, err := hex.DecodeString(string(d.buf[1:41])); err != nil {
			return n, fmt.Errorf("%w: auth response hash is not valid hex: %v", werrors.ErrProtocol, err)
		}
	}
	return n, nil
}

func (d *AuthResponseDecoder) Complete() bool { return d.n == 41 }

func (d *AuthResponseDecoder) Response() AuthResponse {
	return AuthResponse{HashHex: string(d.buf[1:41])}
}

// AuthStatus is the 2-byte server->client message: 0x01 + {0x00 success,
// 0x01 failure}.
type AuthStatus struct {
	Success bool
}

func (s AuthStatus) Encode() []byte {
	status := byte(0x00)
	if !s.Success {
		status = 0x01
	}
	return []byte{0x01, status}
}

// AuthStatusDecoder streams in an AuthStatus (used client-side).
type AuthStatusDecoder struct {
	buf [2]byte
	n   int
}

func (d *AuthStatusDecoder) Feed(chunk []byte) (int, error) {
	if d.Complete() {
		return 0, ErrComplete
	}
	n := copy(d.buf[d.n:], chunk)
	d.n += n
	if d.Complete() && d.buf[0] != 0x01 {
		return n, fmt.Errorf("%w: bad auth status marker byte 0x%02x", werrors.ErrProtocol, d.buf[0])
	}
	return n, nil
}

func (d *AuthStatusDecoder) Complete() bool { return d.n == 2 }

func (d *AuthStatusDecoder) Status() AuthStatus {
	return AuthStatus{Success: d.buf[1] == 0x00}
}
