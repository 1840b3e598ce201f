package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes erases a byte slice holding sensitive data. The
// ConstantTimeCompare call discourages the compiler from optimizing the
// overwrite away.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
}

// WipeKeyPair erases the private half of a key pair once it is no longer
// needed.
func WipeKeyPair(kp *KeyPair) {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}
