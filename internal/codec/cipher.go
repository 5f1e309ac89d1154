package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"fmt"
)

const blockSize = 16

// fullPadBlock is what PKCS#7 appends when the cleartext length is
// already a block multiple.
var fullPadBlock = bytes.Repeat([]byte{blockSize}, blockSize)

// discoveryPassword is the constant every Tuya device uses to key its
// v3.3 discovery broadcasts.
const discoveryPassword = "yGAdlopoPVldABfn"

// DiscoveryKey returns the AES key for port-6667 beacons: md5 of the
// shared discovery password.
func DiscoveryKey() []byte {
	sum := md5.Sum([]byte(discoveryPassword))
	return sum[:]
}

// DeviceKey derives a 16-byte AES key from a user-provided local key
// string. Longer strings are truncated, shorter ones zero-padded.
func DeviceKey(localKey string) []byte {
	key := make([]byte, blockSize)
	copy(key, localKey)
	return key
}

func pkcs7pad(data []byte) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

// EncryptECB encrypts data with AES-128-ECB, applying PKCS#7 padding.
func EncryptECB(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	padded := pkcs7pad(data)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += blockSize {
		block.Encrypt(out[i:i+blockSize], padded[i:i+blockSize])
	}
	return out, nil
}

// DecryptECB decrypts AES-128-ECB data and strips PKCS#7 padding
// leniently: a trailing byte in (0,16) is treated as padding, and a
// trailing 16 is stripped only when the whole last block is padding.
// Some devices emit frames without padding.
func DecryptECB(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a multiple of %d", len(data), blockSize)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += blockSize {
		block.Decrypt(out[i:i+blockSize], data[i:i+blockSize])
	}
	if last := out[len(out)-1]; last > 0 && last < blockSize {
		out = out[:len(out)-int(last)]
	} else if last == blockSize && bytes.Equal(out[len(out)-blockSize:], fullPadBlock) {
		out = out[:len(out)-blockSize]
	}
	return out, nil
}
