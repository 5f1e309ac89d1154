package codec

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeviceKey("0123456789abcdef")
	// n=0 and the block multiples encrypt to a whole extra block of
	// 0x10 padding, which the unpad must strip in full.
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32, 100, 255} {
		data := bytes.Repeat([]byte{'x'}, n)
		enc, err := EncryptECB(key, data)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", n, err)
		}
		if len(enc)%blockSize != 0 {
			t.Errorf("%d bytes: ciphertext length %d not block-aligned", n, len(enc))
		}
		// PKCS#7 always adds at least one padding byte.
		if len(enc) <= n {
			t.Errorf("%d bytes: ciphertext length %d, want > %d", n, len(enc), n)
		}
		dec, err := DecryptECB(key, enc)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", n, err)
		}
		if !bytes.Equal(dec, data) {
			t.Errorf("%d bytes: round trip mismatch", n)
		}
	}
}

// A cleartext that merely ends in a 0x10 byte is not full-block
// padding and must come back intact.
func TestDecryptKeepsTrailingSixteen(t *testing.T) {
	key := DeviceKey("0123456789abcdef")
	data := append(bytes.Repeat([]byte{'x'}, 15), blockSize)
	enc, err := EncryptECB(key, data)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecryptECB(key, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, data) {
		t.Errorf("dec = % x, want % x", dec, data)
	}
}

func TestDecryptRejectsBadLength(t *testing.T) {
	key := DeviceKey("0123456789abcdef")
	for _, n := range []int{0, 1, 15, 17} {
		if _, err := DecryptECB(key, make([]byte, n)); err == nil {
			t.Errorf("length %d: expected error", n)
		}
	}
}

func TestDeviceKeyPadsAndTruncates(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"", make([]byte, 16)},
		{"abc", append([]byte("abc"), make([]byte, 13)...)},
		{"0123456789abcdef", []byte("0123456789abcdef")},
		{"0123456789abcdefEXTRA", []byte("0123456789abcdef")},
	}
	for _, tt := range tests {
		if got := DeviceKey(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("DeviceKey(%q) = % x, want % x", tt.in, got, tt.want)
		}
	}
}

func TestDiscoveryKey(t *testing.T) {
	key := DiscoveryKey()
	if len(key) != 16 {
		t.Fatalf("key length = %d", len(key))
	}
	// md5("yGAdlopoPVldABfn"), the constant baked into every device.
	want := []byte{
		0x6c, 0x1e, 0xc8, 0xe2, 0xbb, 0x9b, 0xb5, 0x9a,
		0xb5, 0x0b, 0x0d, 0xaf, 0x64, 0x9b, 0x41, 0x0a,
	}
	if !bytes.Equal(key, want) {
		t.Errorf("DiscoveryKey() = % x", key)
	}
}
