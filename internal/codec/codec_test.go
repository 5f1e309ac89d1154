package codec

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"testing"
)

func testSecret(t *testing.T) *Secret {
	t.Helper()
	return NewSecret("bf1234567890abcdef1234", "0123456789abcdef", "3.3")
}

// respond builds a device-style response packet: optional 4-byte status
// code, then the (optionally encrypted) body.
func respond(t *testing.T, secret *Secret, cmd, seq uint32, withCode bool, payload []byte) []byte {
	t.Helper()
	body := payload
	if secret != nil {
		var err error
		body, err = EncryptECB(secret.Key, payload)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
	}
	if withCode {
		body = append([]byte{0, 0, 0, 0}, body...)
	}
	total := headerSize + len(body) + trailerSize
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], prefixValue)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], cmd)
	binary.BigEndian.PutUint32(buf[12:16], uint32(total-headerSize))
	copy(buf[headerSize:], body)
	binary.BigEndian.PutUint32(buf[total-trailerSize:], crc32.ChecksumIEEE(buf[:total-trailerSize]))
	binary.BigEndian.PutUint32(buf[total-4:], suffixValue)
	return buf
}

func TestEncodeLayout(t *testing.T) {
	secret := testSecret(t)
	var c Codec
	payload := []byte(`{"devId":"x","uid":"x","t":"1700000000","dps":{"1":true}}`)

	raw, err := c.Encode(secret, Control, 3, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := binary.BigEndian.Uint32(raw[0:4]); got != prefixValue {
		t.Errorf("prefix = %#x", got)
	}
	if got := binary.BigEndian.Uint32(raw[4:8]); got != 3 {
		t.Errorf("seq = %d", got)
	}
	if got := binary.BigEndian.Uint32(raw[8:12]); got != Control {
		t.Errorf("cmd = %d", got)
	}
	if got := binary.BigEndian.Uint32(raw[12:16]); got != uint32(len(raw)-headerSize) {
		t.Errorf("length = %d, packet %d", got, len(raw))
	}
	if got := binary.BigEndian.Uint32(raw[len(raw)-4:]); got != suffixValue {
		t.Errorf("suffix = %#x", got)
	}
	if want := crc32.ChecksumIEEE(raw[:len(raw)-trailerSize]); binary.BigEndian.Uint32(raw[len(raw)-trailerSize:]) != want {
		t.Errorf("crc mismatch")
	}

	// CONTROL carries the zero-padded version header before the body.
	ext := raw[headerSize : headerSize+extSize]
	if !bytes.Equal(ext[:3], []byte("3.3")) {
		t.Errorf("ext header = %q", ext)
	}
	for _, b := range ext[3:] {
		if b != 0 {
			t.Errorf("ext header not zero-padded: % x", ext)
			break
		}
	}

	// Body after the ext header must decrypt back to the payload.
	clear, err := DecryptECB(secret.Key, raw[headerSize+extSize:len(raw)-trailerSize])
	if err != nil {
		t.Fatalf("decrypt body: %v", err)
	}
	if !bytes.Equal(clear, payload) {
		t.Errorf("body = %q, want %q", clear, payload)
	}
}

func TestEncodeQueryHasNoExtHeader(t *testing.T) {
	secret := testSecret(t)
	var c Codec
	payload := []byte(`{"gwId":"x","devId":"x"}`)

	for _, cmd := range []uint32{Query, Update} {
		raw, err := c.Encode(secret, cmd, 1, payload)
		if err != nil {
			t.Fatalf("encode cmd %d: %v", cmd, err)
		}
		clear, err := DecryptECB(secret.Key, raw[headerSize:len(raw)-trailerSize])
		if err != nil {
			t.Fatalf("decrypt cmd %d: %v", cmd, err)
		}
		if !bytes.Equal(clear, payload) {
			t.Errorf("cmd %d: body = %q, want %q", cmd, clear, payload)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	var c Codec
	if _, err := c.Encode(testSecret(t), Control, 1, make([]byte, MaxPayload+1)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestDecodeResponseFramings(t *testing.T) {
	secret := testSecret(t)
	var c Codec
	payload := []byte(`{"devId":"x","dps":{"1":true}}`)

	tests := []struct {
		name     string
		withCode bool
	}{
		{"with status code", true},
		{"without status code", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := respond(t, secret, Status, 7, tt.withCode, payload)
			f, err := c.Decode(secret, raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Cmd != Status || f.Seq != 7 {
				t.Errorf("cmd/seq = %d/%d", f.Cmd, f.Seq)
			}
			if !bytes.Equal(f.Payload, payload) {
				t.Errorf("payload = %q, want %q", f.Payload, payload)
			}
		})
	}
}

func TestDecodeStripsEchoedVersionHeader(t *testing.T) {
	secret := testSecret(t)
	var c Codec
	payload := []byte(`{"dps":{"1":false}}`)

	framed := make([]byte, extSize+len(payload))
	copy(framed, secret.Version)
	copy(framed[extSize:], payload)

	raw := respond(t, secret, Query, 2, true, framed)
	f, err := c.Decode(secret, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = %q, want %q", f.Payload, payload)
	}
}

func TestDecodePlaintext(t *testing.T) {
	var c Codec
	payload := []byte(`{"gwId":"abc","ip":"192.168.1.20","version":"3.1"}`)
	raw := respond(t, nil, Update, 0, true, payload)

	f, err := c.Decode(nil, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestDecodeRejectsDamage(t *testing.T) {
	secret := testSecret(t)
	var c Codec
	raw := respond(t, secret, Status, 1, true, []byte(`{"dps":{}}`))

	tests := []struct {
		name    string
		mangle  func([]byte) []byte
		wantErr error
	}{
		{"short", func(b []byte) []byte { return b[:headerSize+trailerSize-1] }, ErrTruncated},
		{"prefix", func(b []byte) []byte {
			b[0] = 0xff
			return b
		}, ErrBadPrefix},
		{"suffix", func(b []byte) []byte {
			b[len(b)-1] = 0xff
			return b
		}, ErrBadSuffix},
		{"length high", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[12:16], uint32(len(b)-headerSize+1))
			return b
		}, ErrBadLength},
		{"length low", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[12:16], uint32(len(b)-headerSize-1))
			return b
		}, ErrBadLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mangled := tt.mangle(append([]byte(nil), raw...))
			if _, err := c.Decode(secret, mangled); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeStrictCRC(t *testing.T) {
	secret := testSecret(t)
	raw := respond(t, secret, Status, 1, true, []byte(`{"dps":{}}`))
	raw[len(raw)-trailerSize] ^= 0xff

	lenient := Codec{}
	if _, err := lenient.Decode(secret, raw); err != nil {
		t.Errorf("lenient decode: %v", err)
	}
	strict := Codec{Strict: true}
	if _, err := strict.Decode(secret, raw); !errors.Is(err, ErrBadCRC) {
		t.Errorf("strict decode err = %v, want %v", err, ErrBadCRC)
	}
}

func TestDecodeWrongKeyFails(t *testing.T) {
	secret := testSecret(t)
	other := NewSecret(secret.ID, "fedcba9876543210", "3.3")
	var c Codec
	raw := respond(t, secret, Status, 1, true, []byte(`{"dps":{"1":true}}`))
	if _, err := c.Decode(other, raw); err == nil {
		t.Fatal("expected decode failure with wrong key")
	}
}

func TestDecodeDiscoveryBeacon(t *testing.T) {
	beacon := map[string]any{
		"gwId":       "bfdiscover01",
		"productKey": "keyq5xxxxxxxxxxx",
		"ip":         "192.168.1.44",
		"version":    "3.3",
		"encrypt":    true,
	}
	payload, err := json.Marshal(beacon)
	if err != nil {
		t.Fatal(err)
	}
	discovery := &Secret{Key: DiscoveryKey(), Version: "3.3"}
	raw := respond(t, discovery, Update, 0, true, payload)

	var c Codec
	f, err := c.Decode(discovery, raw)
	if err != nil {
		t.Fatalf("decode beacon: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatalf("beacon payload not JSON: %v", err)
	}
	if got["gwId"] != "bfdiscover01" {
		t.Errorf("gwId = %v", got["gwId"])
	}
}

// A payload whose length is a block multiple gets a whole extra block
// of padding on encrypt; decode must strip it or the body is not JSON.
func TestDecodeFullBlockPaddedBody(t *testing.T) {
	secret := testSecret(t)
	var c Codec
	payload := []byte(`{"dps":{"1":true},"t":"1234567"}`)
	if len(payload)%aes.BlockSize != 0 {
		t.Fatalf("fixture length %d", len(payload))
	}

	raw := respond(t, secret, Status, 4, true, payload)
	f, err := c.Decode(secret, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = %q, want %q", f.Payload, payload)
	}
}

// Devices occasionally send unpadded blocks. A payload whose length is
// a block multiple and whose last byte is '}' must survive the lenient
// unpad untouched.
func TestDecodeUnpaddedBody(t *testing.T) {
	secret := testSecret(t)
	payload := []byte(`{"dps":{"1":true},"t":"123456" }`)
	if len(payload)%aes.BlockSize != 0 {
		t.Fatalf("fixture length %d", len(payload))
	}

	block, err := aes.NewCipher(secret.Key)
	if err != nil {
		t.Fatal(err)
	}
	enc := make([]byte, len(payload))
	for i := 0; i < len(payload); i += aes.BlockSize {
		block.Encrypt(enc[i:i+aes.BlockSize], payload[i:i+aes.BlockSize])
	}

	clear, err := DecryptECB(secret.Key, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(clear, payload) {
		t.Errorf("clear = %q, want %q", clear, payload)
	}
}
