package groupwave

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"sync"
	"time"
)

const (
	sessionKeySize = 16
	nonceSize      = 12
	tagSize        = 16

	// Recommended refresh thresholds from the spec; overridable via
	// Config since the spec leaves the exact values as recommendations.
	defaultKeyPacketLimit = 1_000_000
	defaultKeyMaxAge      = 1 * time.Hour

	defaultPBKDF2Iterations = 10_000
)

// CryptoContext is the per-peer-session AEAD state: session key, a
// monotonic nonce counter, the replay high-water mark, and key-age
// bookkeeping. Never shared between slots; the nonce counter is
// updated under mu so two concurrent seals never read the same value.
type CryptoContext struct {
	mu sync.Mutex

	keyID     uint32
	localDir  byte // nonce-space bit this side uses when sealing, see directionOf
	peerDir   byte // nonce-space bit the peer used when sealing what we open
	key       [sessionKeySize]byte
	nonceCtr  uint64 // monotonically increasing; fills the nonce's last 8 bytes
	replayHi  uint64 // highest accepted open() counter
	encrypted uint64
	decrypted uint64

	keyCreated time.Time
	initialized bool
	agreed      bool

	aead cipher.AEAD
}

// SetKey installs a session key directly (PSK mode, or after a
// derivation step) and resets counters. keyID distinguishes keys
// across a rekey. localDir/peerDir are the nonce-space discriminator
// each side uses when sealing: for a 1:1 session they must be
// complementary (directionOf gives each side the opposite bit of the
// other), so the two sides' independently-incrementing counters never
// produce the same nonce under the same key. A frequency's
// password-derived key is shared by every member with localDir ==
// peerDir == 0, which does not protect against two members picking
// the same counter value — a known limitation, see DESIGN.md.
func (c *CryptoContext) SetKey(key [sessionKeySize]byte, keyID uint32, localDir, peerDir byte, createdAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return wrapErr("crypto.set_key", ErrAuthFail, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return wrapErr("crypto.set_key", ErrAuthFail, err)
	}

	c.key = key
	c.keyID = keyID
	c.localDir = localDir
	c.peerDir = peerDir
	c.aead = aead
	c.nonceCtr = 0
	c.replayHi = 0
	c.encrypted = 0
	c.decrypted = 0
	c.keyCreated = createdAt
	c.initialized = true
	c.agreed = true
	return nil
}

// zero overwrites key bytes on context destruction, per the
// side-channel rules in the crypto design.
func (c *CryptoContext) zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.key {
		c.key[i] = 0
	}
	c.aead = nil
	c.initialized = false
	c.agreed = false
}

// Ready reports whether a session key has been installed, i.e.
// SetKey has run and the context hasn't since been zeroed.
func (c *CryptoContext) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// PeekNextCounter returns the nonce counter Seal will use on its next
// call, without consuming it. Valid only under the single-sealer-
// per-slot invariant: a caller building a header that embeds the
// counter (so AAD and wire sequence agree) must call this
// immediately before the matching Seal, with nothing else sealing
// for the same context in between.
func (c *CryptoContext) PeekNextCounter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonceCtr + 1
}

// NeedsRefresh reports whether the encrypted-packet count or wall
// clock age has crossed the configured thresholds.
func (c *CryptoContext) NeedsRefresh(now time.Time, packetLimit uint64, maxAge time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encrypted >= packetLimit {
		return true
	}
	return now.Sub(c.keyCreated) >= maxAge
}

// nonceFromCounter builds the 96-bit GCM nonce from the key epoch, a
// one-bit sender discriminator (dir), and the monotonic counter. dir
// keeps the two sides of a session from ever sealing under the same
// nonce despite each counting independently from zero.
func nonceFromCounter(ctr uint64, keyID uint32, dir byte) [nonceSize]byte {
	var n [nonceSize]byte
	composite := keyID &^ (1 << 31)
	if dir != 0 {
		composite |= 1 << 31
	}
	binary.BigEndian.PutUint32(n[0:4], composite)
	binary.BigEndian.PutUint64(n[4:12], ctr)
	return n
}

// Seal encrypts plaintext under AAD (the serialized header with the
// integrity field zeroed), deriving the nonce from the monotonic
// counter and key id. The counter is incremented before use, and Seal
// refuses once it would wrap.
func (c *CryptoContext) Seal(plaintext, aad []byte) (ciphertext []byte, counter uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, 0, newErr("crypto.seal", ErrKeyNotAgreed)
	}
	if c.nonceCtr == ^uint64(0) {
		return nil, 0, newErr("crypto.seal", ErrNonceExhausted)
	}
	c.nonceCtr++

	nonce := nonceFromCounter(c.nonceCtr, c.keyID, c.localDir)
	ciphertext = c.aead.Seal(nil, nonce[:], plaintext, aad)
	c.encrypted++
	return ciphertext, c.nonceCtr, nil
}

// OpenWithCounter verifies and decrypts ciphertext under AAD, rejecting
// a tag failure (constant-time, via the AEAD's own comparison) and
// rejecting replay when ctr is <= the last accepted one.
//
// The nonce counter is not carried in the ciphertext; callers
// reconstruct it from the packet's 16-bit wire sequence with
// extendCounter and pass it as ctr.
func (c *CryptoContext) OpenWithCounter(ctr uint64, ciphertext, aad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, newErr("crypto.open", ErrKeyNotAgreed)
	}
	// Nonce counters are 1-based (Seal increments before first use),
	// so replayHi's zero value correctly admits the first open.
	if ctr <= c.replayHi {
		return nil, newErr("crypto.open", ErrNonceReplay)
	}

	nonce := nonceFromCounter(ctr, c.keyID, c.peerDir)
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, newErr("crypto.open", ErrAuthFail)
	}

	c.replayHi = ctr
	c.decrypted++
	return plaintext, nil
}

// replayHiSnapshot reads the current replay high-water mark, used by
// callers that must reconstruct a full counter from a truncated wire
// sequence before calling OpenWithCounter.
func (c *CryptoContext) replayHiSnapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replayHi
}

// extendCounter reconstructs the full 64-bit nonce counter from the
// wire's 16-bit sequence field, taking the candidate nearest replayHi
// that is still greater than it (sequences wrap at 2^16 well before
// any realistic session reaches 2^64 packets). The wire format has no
// separate counter field; the per-sender sequence doubles as the low
// 16 bits of the nonce counter for encrypted traffic, exactly as
// voice sequences double as ring sequences elsewhere in the design.
func extendCounter(seq uint16, replayHi uint64) uint64 {
	base := replayHi &^ 0xFFFF
	candidate := base | uint64(seq)
	if candidate <= replayHi {
		candidate += 1 << 16
	}
	return candidate
}

// constantTimeEqual is used for PSK/password comparisons elsewhere in
// the crypto package; tag comparison itself is handled by
// crypto/cipher's GCM implementation.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
