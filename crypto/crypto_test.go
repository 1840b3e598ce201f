package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	if kp1.Public == kp2.Public {
		t.Error("Two generated key pairs share a public key")
	}
	if isZeroKey(kp1.Public) || isZeroKey(kp1.Private) {
		t.Error("Generated key pair contains a zero key")
	}
}

func TestFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	rebuilt, err := FromSecretKey(kp.Private)
	if err != nil {
		t.Fatalf("Failed to rebuild key pair: %v", err)
	}
	if rebuilt.Public != kp.Public {
		t.Error("Rebuilt public key does not match original")
	}

	if _, err := FromSecretKey([32]byte{}); err == nil {
		t.Error("Expected error for all-zero secret key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("Failed to generate nonce: %v", err)
	}

	plaintext := []byte("the cafe on fifth is compromised")
	ciphertext, err := Encrypt(plaintext, nonce, bob.Public, alice.Private)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := Decrypt(ciphertext, nonce, alice.Public, bob.Private)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip mismatch: got %q, want %q", decrypted, plaintext)
	}

	// Wrong recipient key must fail authentication.
	mallory, _ := GenerateKeyPair()
	if _, err := Decrypt(ciphertext, nonce, alice.Public, mallory.Private); err == nil {
		t.Error("Decrypt succeeded with the wrong key")
	}
}

func TestSymmetricRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, 32))

	nonce, _ := GenerateNonce()
	plaintext := []byte("meet at the usual place")

	ciphertext, err := EncryptSymmetric(plaintext, nonce, key)
	if err != nil {
		t.Fatalf("EncryptSymmetric failed: %v", err)
	}
	decrypted, err := DecryptSymmetric(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("DecryptSymmetric failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Symmetric round trip mismatch")
	}

	var wrongKey [32]byte
	wrongKey[0] = 1
	if _, err := DecryptSymmetric(ciphertext, nonce, wrongKey); err == nil {
		t.Error("DecryptSymmetric succeeded with the wrong key")
	}
}

func TestEncryptRejectsEmptyAndOversized(t *testing.T) {
	var key [32]byte
	nonce, _ := GenerateNonce()

	if _, err := EncryptSymmetric(nil, nonce, key); err == nil {
		t.Error("Expected error for empty message")
	}
	if _, err := EncryptSymmetric(make([]byte, MaxPlaintextSize+1), nonce, key); err == nil {
		t.Error("Expected error for oversized message")
	}
}

func TestDeriveSharedSecretSymmetry(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	ab, err := DeriveSharedSecret(bob.Public, alice.Private)
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}
	ba, err := DeriveSharedSecret(alice.Public, bob.Private)
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}

	if ab != ba {
		t.Error("Shared secrets differ depending on derivation side")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	k1 := DeriveKey([]byte("1234"), salt)
	k2 := DeriveKey([]byte("1234"), salt)
	if k1 != k2 {
		t.Error("Same input and salt produced different keys")
	}

	k3 := DeriveKey([]byte("0000"), salt)
	if k1 == k3 {
		t.Error("Different inputs produced the same key")
	}

	otherSalt, _ := GenerateSalt()
	k4 := DeriveKey([]byte("1234"), otherSalt)
	if k1 == k4 {
		t.Error("Different salts produced the same key")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	if !ConstantTimeEqual(a, []byte{1, 2, 3}) {
		t.Error("Equal slices reported unequal")
	}
	if ConstantTimeEqual(a, []byte{1, 2, 4}) {
		t.Error("Unequal slices reported equal")
	}
	if ConstantTimeEqual(a, []byte{1, 2}) {
		t.Error("Different lengths reported equal")
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("Byte %d not wiped: %d", i, b)
		}
	}

	// Nil and empty slices are no-ops.
	ZeroBytes(nil)
	ZeroBytes([]byte{})
}

func TestWipeKeyPair(t *testing.T) {
	kp, _ := GenerateKeyPair()
	WipeKeyPair(kp)
	if !isZeroKey(kp.Private) {
		t.Error("Private key not wiped")
	}
	WipeKeyPair(nil)
}
