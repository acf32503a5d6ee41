package random

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"math/big"
)

var (
	// CharsetAlphanumeric contains characters a-zA-Z0-9
	CharsetAlphanumeric = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

	// CharsetHex contains lowercase hexadecimal digits
	CharsetHex = []rune("0123456789abcdef")
)

// Bytes returns n bytes read from the system's secure random source.
// The source never fails on supported platforms, so a failure panics.
func Bytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}

// String generates a random string with a specific length, only using characters out of the given charset
func String(length int, charset []rune) string {
	buf := make([]rune, length)
	max := big.NewInt(int64(len(charset)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = charset[n.Int64()]
	}
	return string(buf)
}

// Hex returns the hexadecimal representation of n random bytes
func Hex(n int) string {
	return hex.EncodeToString(Bytes(n))
}

// Base64URL returns the unpadded URL-safe base64 representation of n random bytes
func Base64URL(n int) string {
	return base64.RawURLEncoding.EncodeToString(Bytes(n))
}

// Email returns a fresh address in the domain test accounts are created in
func Email() string {
	return Hex(3) + "-test@misakey.com"
}
