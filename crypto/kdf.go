package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Fixed for the lifetime of a vault: changing them
// invalidates every stored PIN record.
const (
	Argon2idTime    = 3
	Argon2idMemory  = 64 * 1024 // KiB
	Argon2idThreads = 4
	Argon2idKeyLen  = 32

	SaltSize = 16
)

// GenerateSalt generates a random per-installation salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey stretches a PIN or passphrase into a 32-byte key using
// Argon2id. The same input and salt always produce the same key, which is
// what lets the PIN double as the long-term symmetric key source without
// the PIN itself ever being stored.
func DeriveKey(input, salt []byte) [32]byte {
	out := argon2.IDKey(input, salt, Argon2idTime, Argon2idMemory, Argon2idThreads, Argon2idKeyLen)
	var key [32]byte
	copy(key[:], out)
	ZeroBytes(out)
	return key
}

// ConstantTimeEqual compares two derived hashes without leaking timing
// information about where they diverge.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
