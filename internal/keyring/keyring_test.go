package keyring

import (
	"strings"
	"testing"
)

func TestSignVerify(t *testing.T) {
	alice, err := Generate("alice")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	bob, err := Generate("bob")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if err := bob.AddPeer("alice", alice.Verkey()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	msg := []byte("snapshot bytes")
	sig := alice.Sign(msg)

	if !bob.Verify("alice", msg, sig) {
		t.Error("Valid signature should verify")
	}
	if bob.Verify("alice", []byte("other bytes"), sig) {
		t.Error("Signature over different bytes should not verify")
	}

	sig[0] ^= 0xff
	if bob.Verify("alice", msg, sig) {
		t.Error("Corrupted signature should not verify")
	}
}

func TestVerifyUnknownParticipant(t *testing.T) {
	alice, err := Generate("alice")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	sig := alice.Sign([]byte("msg"))
	if alice.Verify("mallory", []byte("msg"), sig) {
		t.Error("Unknown participant should never verify")
	}
}

func TestFromSeedDeterministic(t *testing.T) {
	seed := strings.Repeat("ab", 32)

	k1, err := FromSeed("alice", seed)
	if err != nil {
		t.Fatalf("FromSeed failed: %v", err)
	}
	k2, err := FromSeed("alice", seed)
	if err != nil {
		t.Fatalf("FromSeed failed: %v", err)
	}

	if k1.Verkey() != k2.Verkey() {
		t.Error("Same seed should derive the same verkey")
	}

	if _, err := FromSeed("alice", "zz"); err == nil {
		t.Error("Expected error for malformed seed")
	}
}

func TestHasAndPeers(t *testing.T) {
	alice, err := Generate("alice")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	bob, err := Generate("bob")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !alice.Has("alice") {
		t.Error("Local identity should always be known")
	}
	if alice.Has("bob") {
		t.Error("Unregistered peer should be unknown")
	}

	if err := alice.AddPeer("bob", bob.Verkey()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	if !alice.Has("bob") {
		t.Error("Registered peer should be known")
	}

	peers := alice.Peers()
	if len(peers) != 1 || peers[0] != "bob" {
		t.Errorf("Expected [bob], got %v", peers)
	}
}
