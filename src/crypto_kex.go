package groupwave

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KeyPair is an X25519 key-exchange keypair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeypair produces a fresh X25519 keypair.
func GenerateKeypair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, wrapErr("crypto.generate_keypair", ErrIO, err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, wrapErr("crypto.generate_keypair", ErrAuthFail, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ComputeSharedSecret runs X25519 ECDH against a peer's public key.
func (kp KeyPair) ComputeSharedSecret(peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return out, wrapErr("crypto.compute_shared_secret", ErrAuthFail, err)
	}
	copy(out[:], shared)
	return out, nil
}

// DeriveSessionKey runs HKDF-SHA256 over the shared secret (with an
// optional salt), taking the first 16 bytes as the session key and
// the next 12 as the nonce-counter seed, per the crypto design.
func DeriveSessionKey(secret [32]byte, salt []byte) (key [sessionKeySize]byte, nonceSeed [nonceSize]byte, err error) {
	r := hkdf.New(sha256.New, secret[:], salt, nil)
	out := make([]byte, sessionKeySize+nonceSize)
	if _, readErr := io.ReadFull(r, out); readErr != nil {
		return key, nonceSeed, wrapErr("crypto.derive_session_key", ErrAuthFail, readErr)
	}
	copy(key[:], out[:sessionKeySize])
	copy(nonceSeed[:], out[sessionKeySize:])
	return key, nonceSeed, nil
}

// DeriveFromPassword derives the same session-key layout as ECDH,
// using PBKDF2-SHA256 with a fixed iteration count, for the
// password-protected frequency mode.
func DeriveFromPassword(password, salt []byte, iterations int) (key [sessionKeySize]byte, nonceSeed [nonceSize]byte) {
	if iterations <= 0 {
		iterations = defaultPBKDF2Iterations
	}
	derived := pbkdf2.Key(password, salt, iterations, sessionKeySize+nonceSize, sha256.New)
	copy(key[:], derived[:sessionKeySize])
	copy(nonceSeed[:], derived[sessionKeySize:])
	return key, nonceSeed
}

// PasswordEqual compares two digit-string passwords (up to sixteen
// digits) in constant time.
func PasswordEqual(a, b string) bool {
	return constantTimeEqual([]byte(a), []byte(b))
}

// directionOf picks a 1:1 session's nonce-space discriminator: whichever
// device id sorts first gets 0, the other gets 1. Both sides compute it
// independently and land on complementary bits without coordinating.
func directionOf(self, peer DeviceId) byte {
	sd, pd := self.Digits(), peer.Digits()
	for i := 0; i < len(sd); i++ {
		if sd[i] != pd[i] {
			if sd[i] < pd[i] {
				return 0
			}
			return 1
		}
	}
	return 0
}

// kexSalt derives a deterministic, order-independent HKDF salt for a
// 1:1 session from the pair of device ids, so both ends of the ECDH
// land on the same salt regardless of which one computes it.
func kexSalt(a, b DeviceId) []byte {
	ad, bd := a.Digits(), b.Digits()
	salt := make([]byte, 0, 16)
	for i := 0; i < len(ad); i++ {
		if ad[i] != bd[i] {
			if ad[i] < bd[i] {
				return append(append(salt, ad...), bd...)
			}
			return append(append(salt, bd...), ad...)
		}
	}
	return append(salt, ad...)
}
