// Package secure implements the end-to-end encryption layer between the
// daemon and consumer clients. Each consumer connection gets its own NaCl
// box keypair; frames travel as EncryptedEnvelope JSON with the session id
// in the clear for routing and everything else sealed.
package secure

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"github.com/glia-ai/glia/pkg/unified"
)

// Errors surfaced by the encryption layer.
var (
	// ErrDeactivated is returned once Deactivate has been called; keys are
	// wiped and the channel cannot be revived.
	ErrDeactivated = errors.New("encryption deactivated")
	// ErrMalformedEnvelope covers bad version, missing fields, or undecodable
	// base64.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrAuthFailed means the ciphertext did not authenticate under the
	// current key pair, including replayed nonces and stale-key frames.
	ErrAuthFailed = errors.New("envelope authentication failed")
	// ErrNotPaired means no peer public key has been supplied yet.
	ErrNotPaired = errors.New("peer key not established")
)

const (
	nonceSize = 24
	tagSize   = 16 // poly1305 prefix of the sealed output
	// maxSeenNonces bounds the replay set; the oldest entry is evicted when
	// the bound is reached.
	maxSeenNonces = 4096
)

// Channel is the per-connection encryption state. All methods are safe for
// concurrent use.
type Channel struct {
	sessionID string

	mu          sync.Mutex
	priv        *[32]byte
	pub         *[32]byte
	shared      [32]byte
	paired      bool
	deactivated bool
	announceKey bool // include our public key on the next outbound envelope

	seen      map[[nonceSize]byte]struct{}
	seenOrder [][nonceSize]byte
}

// NewChannel generates a fresh keypair for one consumer connection.
func NewChannel(sessionID string) (*Channel, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Channel{
		sessionID:   sessionID,
		priv:        priv,
		pub:         pub,
		announceKey: true,
		seen:        make(map[[nonceSize]byte]struct{}),
	}, nil
}

// PublicKey returns the daemon-side public key, base64-encoded.
func (c *Channel) PublicKey() string {
	return base64.StdEncoding.EncodeToString(c.pub[:])
}

// IsEncrypted reports whether the channel is paired and active.
func (c *Channel) IsEncrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paired && !c.deactivated
}

// UpdatePeerKey installs (or rotates to) the peer's public key. The replay
// set resets because nonces are only unique per key pair.
func (c *Channel) UpdatePeerKey(peerB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(peerB64)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: bad peer key", ErrMalformedEnvelope)
	}
	var peer [32]byte
	copy(peer[:], raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deactivated {
		return ErrDeactivated
	}
	box.Precompute(&c.shared, &peer, c.priv)
	c.paired = true
	c.announceKey = true
	c.seen = make(map[[nonceSize]byte]struct{})
	c.seenOrder = c.seenOrder[:0]
	return nil
}

// EncryptOutbound seals a unified message into an envelope.
func (c *Channel) EncryptOutbound(msg unified.Message) (*unified.EncryptedEnvelope, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deactivated {
		return nil, ErrDeactivated
	}
	if !c.paired {
		return nil, ErrNotPaired
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := box.SealAfterPrecomputation(nil, plaintext, &nonce, &c.shared)
	env := &unified.EncryptedEnvelope{
		V:   unified.EnvelopeVersion,
		SID: c.sessionID,
		N:   base64.StdEncoding.EncodeToString(nonce[:]),
		C:   base64.StdEncoding.EncodeToString(sealed[tagSize:]),
		T:   base64.StdEncoding.EncodeToString(sealed[:tagSize]),
	}
	if c.announceKey {
		env.K = base64.StdEncoding.EncodeToString(c.pub[:])
		c.announceKey = false
	}
	return env, nil
}

// DecryptInbound opens an envelope and returns the unified message inside.
// A populated K field rotates the peer key before decryption, so frames
// sealed under the previous key fail with ErrAuthFailed afterwards.
func (c *Channel) DecryptInbound(env *unified.EncryptedEnvelope) (unified.Message, error) {
	var zero unified.Message
	if env == nil || env.V != unified.EnvelopeVersion || env.N == "" || env.C == "" || env.T == "" {
		return zero, ErrMalformedEnvelope
	}

	if env.K != "" {
		if err := c.UpdatePeerKey(env.K); err != nil {
			return zero, err
		}
	}

	nonceRaw, err := base64.StdEncoding.DecodeString(env.N)
	if err != nil || len(nonceRaw) != nonceSize {
		return zero, ErrMalformedEnvelope
	}
	tag, err := base64.StdEncoding.DecodeString(env.T)
	if err != nil || len(tag) != tagSize {
		return zero, ErrMalformedEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.C)
	if err != nil {
		return zero, ErrMalformedEnvelope
	}

	var nonce [nonceSize]byte
	copy(nonce[:], nonceRaw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deactivated {
		return zero, ErrDeactivated
	}
	if !c.paired {
		return zero, ErrNotPaired
	}
	if _, replayed := c.seen[nonce]; replayed {
		return zero, fmt.Errorf("%w: replayed nonce", ErrAuthFailed)
	}

	sealed := make([]byte, 0, len(tag)+len(ciphertext))
	sealed = append(sealed, tag...)
	sealed = append(sealed, ciphertext...)
	plaintext, ok := box.OpenAfterPrecomputation(nil, sealed, &nonce, &c.shared)
	if !ok {
		return zero, ErrAuthFailed
	}

	c.recordNonce(nonce)

	var msg unified.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return zero, fmt.Errorf("%w: bad plaintext", ErrMalformedEnvelope)
	}
	return msg, nil
}

// recordNonce adds a nonce to the replay set, evicting the oldest when full.
// Caller holds c.mu.
func (c *Channel) recordNonce(nonce [nonceSize]byte) {
	if len(c.seenOrder) >= maxSeenNonces {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
	c.seen[nonce] = struct{}{}
	c.seenOrder = append(c.seenOrder, nonce)
}

// Deactivate wipes key material. Every later call fails with ErrDeactivated.
func (c *Channel) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deactivated {
		return
	}
	c.deactivated = true
	c.paired = false
	for i := range c.shared {
		c.shared[i] = 0
	}
	for i := range c.priv {
		c.priv[i] = 0
	}
	c.seen = nil
	c.seenOrder = nil
}
