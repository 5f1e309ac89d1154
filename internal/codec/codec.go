// Package codec implements the Tuya LAN wire format for protocol
// versions 3.1 and 3.3: the 55AA envelope, AES-128-ECB payload
// encryption and the CRC-32 trailer.
//
// Packet layout (all integers big-endian):
//
//	prefix(4) seq(4) cmd(4) length(4) [ext(15)|status(4)] body crc(4) suffix(4)
//
// Command packets carry a 15-byte extended header (the ASCII version
// string zero-padded) for every command except QUERY and UPDATE.
// Response packets instead carry a 4-byte status code, and may repeat
// the extended header inside the encrypted body.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// Command codes used by this implementation. The LAN protocol defines
// many more; these are the ones a controller needs.
const (
	Control uint32 = 7
	Status  uint32 = 8
	Query   uint32 = 10
	Update  uint32 = 18
)

const (
	prefixValue uint32 = 0x000055aa
	suffixValue uint32 = 0x0000aa55

	headerSize  = 16
	trailerSize = 8
	extSize     = 15

	// MaxPayload bounds the cleartext accepted by Encode. Devices in
	// practice never exceed a single TCP segment.
	MaxPayload = 1024
)

var (
	ErrBadPrefix  = errors.New("bad prefix")
	ErrBadSuffix  = errors.New("bad suffix")
	ErrBadLength  = errors.New("bad length")
	ErrTruncated  = errors.New("truncated packet")
	ErrBadCRC     = errors.New("crc mismatch")
	ErrNeedSecret = errors.New("encrypted packet without secret")
	ErrNotJSON    = errors.New("payload is not JSON under any framing")
)

// Secret is what it takes to talk to one device: its gateway id, the
// 16-byte local AES key and the protocol version string.
type Secret struct {
	ID      string
	Key     []byte
	Version string
}

// NewSecret builds a Secret from the user-provided local key string.
// Version defaults to "3.3" when empty.
func NewSecret(id, localKey, version string) *Secret {
	if version == "" {
		version = "3.3"
	}
	return &Secret{ID: id, Key: DeviceKey(localKey), Version: version}
}

// Frame is a decoded packet.
type Frame struct {
	Cmd     uint32
	Seq     uint32
	Payload []byte
}

// Codec encodes and decodes packets for one peer. Strict enables CRC
// verification on receive; it is off by default because devices do not
// verify the CRC of commands either (TCP and UDP already checksum),
// and some firmwares emit frames with a bogus CRC.
type Codec struct {
	Strict bool
}

// hasExtHeader reports whether a command packet carries the 15-byte
// version header. QUERY and UPDATE do not.
func hasExtHeader(cmd uint32) bool {
	return cmd != Query && cmd != Update
}

// Encode builds a complete command packet around the cleartext JSON
// payload. When secret is nil the payload is framed unencrypted (only
// ever useful for tests; the daemon always encrypts commands).
func (c *Codec) Encode(secret *Secret, cmd, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayload)
	}

	body := payload
	if secret != nil {
		var err error
		body, err = EncryptECB(secret.Key, payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
	}

	var ext []byte
	if hasExtHeader(cmd) {
		ext = make([]byte, extSize)
		version := "3.3"
		if secret != nil {
			version = secret.Version
		}
		copy(ext, version)
	}

	total := headerSize + len(ext) + len(body) + trailerSize
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], prefixValue)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], cmd)
	binary.BigEndian.PutUint32(buf[12:16], uint32(total-headerSize))
	copy(buf[headerSize:], ext)
	copy(buf[headerSize+len(ext):], body)

	// CRC covers everything up to (and excluding) the trailer.
	crc := crc32.ChecksumIEEE(buf[:total-trailerSize])
	binary.BigEndian.PutUint32(buf[total-trailerSize:], crc)
	binary.BigEndian.PutUint32(buf[total-4:], suffixValue)
	return buf, nil
}

// Decode parses a raw packet. With a secret the body is decrypted and
// the optional in-body extended header stripped; with a nil secret the
// body is returned verbatim (the v3.1 plaintext discovery port).
//
// Responses may or may not carry a 4-byte status code after the
// length field. The heuristic from the devices' own variance: if the
// first word has any of its high 24 bits set it is payload, not a
// status code. Because that test is fragile, both interpretations are
// tried and the one whose body decodes to JSON wins.
func (c *Codec) Decode(secret *Secret, raw []byte) (*Frame, error) {
	if len(raw) < headerSize+trailerSize {
		return nil, ErrTruncated
	}
	if binary.BigEndian.Uint32(raw[0:4]) != prefixValue {
		return nil, ErrBadPrefix
	}
	f := &Frame{
		Seq: binary.BigEndian.Uint32(raw[4:8]),
		Cmd: binary.BigEndian.Uint32(raw[8:12]),
	}
	if binary.BigEndian.Uint32(raw[12:16]) != uint32(len(raw)-headerSize) {
		return nil, ErrBadLength
	}
	if binary.BigEndian.Uint32(raw[len(raw)-4:]) != suffixValue {
		return nil, ErrBadSuffix
	}
	if c.Strict {
		want := binary.BigEndian.Uint32(raw[len(raw)-trailerSize:])
		if crc32.ChecksumIEEE(raw[:len(raw)-trailerSize]) != want {
			return nil, ErrBadCRC
		}
	}

	body := raw[headerSize : len(raw)-trailerSize]
	if len(body) == 0 {
		f.Payload = nil
		return f, nil
	}

	// Primary interpretation per the status-code heuristic, with the
	// alternative as fallback when the primary does not yield JSON.
	withCode := len(body) >= 4 && binary.BigEndian.Uint32(body[0:4])&0xffffff00 == 0
	payload, err := c.openBody(secret, body, withCode)
	if err != nil {
		if alt, altErr := c.openBody(secret, body, !withCode); altErr == nil {
			payload = alt
		} else {
			return nil, err
		}
	}
	f.Payload = payload
	return f, nil
}

// openBody strips the optional status code, decrypts, and strips the
// optional in-body extended header. It fails when the result is not
// JSON so that Decode can try the other framing.
func (c *Codec) openBody(secret *Secret, body []byte, withCode bool) ([]byte, error) {
	if withCode {
		if len(body) < 4 {
			return nil, ErrTruncated
		}
		body = body[4:]
	}
	if len(body) == 0 {
		// A bare status code; command acknowledgments look like this.
		return nil, nil
	}
	if secret == nil {
		if len(body) > 0 && !json.Valid(body) {
			return nil, ErrNotJSON
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	clear, err := DecryptECB(secret.Key, body)
	if err != nil {
		return nil, err
	}
	return stripVersionHeader(clear, secret.Version)
}

// stripVersionHeader removes the 15-byte extended header some devices
// echo inside the encrypted body. Detection is by parse: an exact
// version-string prefix is skipped outright; otherwise the payload is
// accepted as-is when it is JSON, and only a version-like ASCII prefix
// justifies skipping 15 bytes and retrying.
func stripVersionHeader(payload []byte, version string) ([]byte, error) {
	if len(payload) >= extSize && string(payload[:len(version)]) == version {
		return payload[extSize:], nil
	}
	if json.Valid(payload) {
		return payload, nil
	}
	if len(payload) >= extSize && versionLike(payload) && json.Valid(payload[extSize:]) {
		return payload[extSize:], nil
	}
	return nil, ErrNotJSON
}

// versionLike matches "3.<digit>" at the start of a payload.
func versionLike(p []byte) bool {
	return len(p) >= 3 && p[0] == '3' && p[1] == '.' && p[2] >= '0' && p[2] <= '9'
}
