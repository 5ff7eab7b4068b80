// Package ampid implements identifiers and key resolution: mapping
// decentralized identifiers to signing and key-agreement public keys, and
// tracking which identifiers are trusted relays.
package ampid

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// DID is an opaque, non-empty text identifier naming a principal.
type DID string

// AgentKeys bundles the two key pairs an agent needs: an Ed25519 signing
// pair and an X25519 key-agreement pair. The seeds are independent by
// default; FromSeed reuses a single seed for both, which is convenient for
// tests and demos but not required.
type AgentKeys struct {
	DID DID

	SignPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey

	KXPub  [32]byte
	kxPriv [32]byte
}

// SignPrivate returns the Ed25519 private key for signing.
func (k AgentKeys) SignPrivate() ed25519.PrivateKey { return k.signPriv }

// KXPrivate returns the X25519 private scalar for key agreement.
func (k AgentKeys) KXPrivate() [32]byte { return k.kxPriv }

// FromSeeds builds an AgentKeys from two independent 32-byte seeds: one for
// the Ed25519 signing key, one for the X25519 key-agreement key.
func FromSeeds(did DID, signSeed, kxSeed [32]byte) (AgentKeys, error) {
	signPriv := ed25519.NewKeyFromSeed(signSeed[:])
	signPub := signPriv.Public().(ed25519.PublicKey)

	kxPriv := kxSeedToScalar(kxSeed)
	var kxPub [32]byte
	pub, err := curve25519.X25519(kxPriv[:], curve25519.Basepoint)
	if err != nil {
		return AgentKeys{}, fmt.Errorf("ampid: derive key-agreement public key: %w", err)
	}
	copy(kxPub[:], pub)

	return AgentKeys{
		DID:      did,
		SignPub:  signPub,
		signPriv: signPriv,
		KXPub:    kxPub,
		kxPriv:   kxPriv,
	}, nil
}

// FromSeed builds an AgentKeys reusing a single seed for both the signing
// and key-agreement key pairs. Convenience only; real deployments should
// prefer independent seeds via FromSeeds.
func FromSeed(did DID, seed [32]byte) (AgentKeys, error) {
	return FromSeeds(did, seed, seed)
}

// kxSeedToScalar derives a clamped X25519 scalar from an arbitrary 32-byte
// seed, mirroring the standard Ed25519-seed-expansion clamping rules so the
// derivation is deterministic and uses the full seed's entropy.
func kxSeedToScalar(seed [32]byte) [32]byte {
	h := sha512.Sum512(seed[:])
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// Resolver is a process-wide, append-only mapping from DID to public key
// material, plus the set of DIDs trusted as relays.
type Resolver struct {
	mu sync.RWMutex

	signingKeys     map[DID]ed25519.PublicKey
	keyAgreementKeys map[DID][32]byte
	trustedRelays   map[DID]struct{}
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		signingKeys:      make(map[DID]ed25519.PublicKey),
		keyAgreementKeys: make(map[DID][32]byte),
		trustedRelays:    make(map[DID]struct{}),
	}
}

// RegisterSigningKey records the signing public key for did. The resolver
// is append-only: once did has a signing key, later registrations for it
// are ignored.
func (r *Resolver) RegisterSigningKey(did DID, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.signingKeys[did]; exists {
		return
	}
	r.signingKeys[did] = pub
}

// RegisterKeyAgreementKey records the X25519 public key for did. Later
// registrations for a did that already has one are ignored.
func (r *Resolver) RegisterKeyAgreementKey(did DID, pub [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keyAgreementKeys[did]; exists {
		return
	}
	r.keyAgreementKeys[did] = pub
}

// RegisterAgent registers both keys from an AgentKeys in one call.
func (r *Resolver) RegisterAgent(k AgentKeys) {
	r.RegisterSigningKey(k.DID, k.SignPub)
	r.RegisterKeyAgreementKey(k.DID, k.KXPub)
}

// MarkTrustedRelay records did as a trusted relay identifier.
func (r *Resolver) MarkTrustedRelay(did DID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trustedRelays[did] = struct{}{}
}

// SigningKey returns the signing public key for did, if known.
func (r *Resolver) SigningKey(did DID) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.signingKeys[did]
	return k, ok
}

// KeyAgreementKey returns the X25519 public key for did, if known.
func (r *Resolver) KeyAgreementKey(did DID) ([32]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keyAgreementKeys[did]
	return k, ok
}

// IsTrustedRelay reports whether did has been marked as a trusted relay.
func (r *Resolver) IsTrustedRelay(did DID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.trustedRelays[did]
	return ok
}
