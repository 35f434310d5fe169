package common

import (
	"crypto/rand"
	"encoding/base64"
)

// MakeRandURLString returns an unpadded base64url string encoding size
// random bytes. Used for refresh token ids: 32 bytes gives 256 bits of
// entropy, well above the uniqueness the store relies on.
func MakeRandURLString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// WipeByteArray zeroes the buffer in place. Safe to call with nil.
func WipeByteArray(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
