package frame

import "crypto/rand"

func Mask(b []byte, key [4]byte) {
	MaskOffset(b, key, 0)
}

// MaskOffset XORs b in place, starting at key position offset%4.
func MaskOffset(b []byte, key [4]byte, offset int) {
	for i := range b {
		b[i] ^= key[(i+offset)%4]
	}
}

// NewMaskingKey returns a fresh random key. A key must never be reused across frames.
func NewMaskingKey() ([4]byte, error) {
	var key [4]byte
	_, err := rand.Read(key[:])
	return key, err
}
