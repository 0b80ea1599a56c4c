package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// Keyring holds the local Ed25519 key pair and the verification keys of
// known peers, keyed by participant id. A peer with a registered key is
// one the local agent has a secure channel to.
type Keyring struct {
	mu      sync.RWMutex
	localID string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	peers   map[string]ed25519.PublicKey
}

// Generate creates a keyring with a fresh random key pair.
func Generate(localID string) (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &Keyring{
		localID: localID,
		priv:    priv,
		pub:     pub,
		peers:   make(map[string]ed25519.PublicKey),
	}, nil
}

// FromSeed derives the local key pair deterministically from a 32-byte
// hex seed, so a node keeps its identity across restarts.
func FromSeed(localID, seedHex string) (*Keyring, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)

	return &Keyring{
		localID: localID,
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		peers:   make(map[string]ed25519.PublicKey),
	}, nil
}

func (k *Keyring) LocalID() string {
	return k.localID
}

// Verkey returns the local public key as lowercase hex.
func (k *Keyring) Verkey() string {
	return hex.EncodeToString(k.pub)
}

// AddPeer registers a peer's verification key.
func (k *Keyring) AddPeer(participantID, verkeyHex string) error {
	raw, err := hex.DecodeString(verkeyHex)
	if err != nil {
		return fmt.Errorf("invalid verkey for %s: %w", participantID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("verkey for %s must be %d bytes, got %d",
			participantID, ed25519.PublicKeySize, len(raw))
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.peers[participantID] = ed25519.PublicKey(raw)
	return nil
}

// Has reports whether a verification key is registered for the
// participant. The local identity always counts as known.
func (k *Keyring) Has(participantID string) bool {
	if participantID == k.localID {
		return true
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.peers[participantID]
	return ok
}

// Peers returns the registered participant ids in sorted order.
func (k *Keyring) Peers() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]string, 0, len(k.peers))
	for id := range k.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sign signs raw bytes with the local private key.
func (k *Keyring) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// Verify checks a signature against the registered key of the given
// participant. Returns false for unknown participants and for any
// malformed signature rather than an error.
func (k *Keyring) Verify(participantID string, message, signature []byte) bool {
	var pub ed25519.PublicKey
	if participantID == k.localID {
		pub = k.pub
	} else {
		k.mu.RLock()
		pub = k.peers[participantID]
		k.mu.RUnlock()
	}

	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}
