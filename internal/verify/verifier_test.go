package verify

import (
	"fmt"
	"os"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/sovmesh/microledger/internal/ledger"
)

func tempStore(t *testing.T) (*ledger.Store, string) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "verify-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := ledger.Open(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}
	return store, tmpfile.Name()
}

func seedLedger(t *testing.T, store *ledger.Store, name string) {
	t.Helper()

	genesis := []ledger.Transaction{{Payload: map[string]interface{}{"op": "genesis"}}}
	if _, err := store.Create(name, genesis); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(name, []ledger.Transaction{
		{Payload: map[string]interface{}{"op": "depart"}},
		{Payload: map[string]interface{}{"op": "arrive"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Commit(name, 2); err != nil {
		t.Fatal(err)
	}
}

// corrupt rewrites one stored transaction behind the store's back, the
// way an attacker with file access would.
func corrupt(t *testing.T, path, name string, seq uint64) {
	t.Helper()

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	key := []byte(fmt.Sprintf("%s/%016x", name, seq))
	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ledger.TxnBucket)
		if bucket.Get(key) == nil {
			return fmt.Errorf("transaction %d not found", seq)
		}
		return bucket.Put(key, []byte(`{"payload":{"op":"forged"},"meta":{"seq":2,"time":"2026-01-01T00:00:00Z"}}`))
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestVerifyLedgerClean(t *testing.T) {
	store, _ := tempStore(t)
	defer store.Close()
	seedLedger(t, store, "trips")

	v := NewVerifier(store, nil, nil, 0)
	if err := v.VerifyLedger("trips"); err != nil {
		t.Fatalf("clean ledger failed verification: %v", err)
	}
}

func TestVerifyLedgerDetectsTampering(t *testing.T) {
	store, path := tempStore(t)
	seedLedger(t, store, "trips")
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	corrupt(t, path, "trips", 2)

	store, err := ledger.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	v := NewVerifier(store, nil, nil, 0)
	err = v.VerifyLedger("trips")
	if err == nil {
		t.Fatal("expected an integrity error")
	}

	ie := AsIntegrityError(err)
	if ie == nil {
		t.Fatalf("expected IntegrityError, got %T: %v", err, err)
	}
	if ie.Region != "committed" {
		t.Errorf("expected committed region, got %s", ie.Region)
	}
	if ie.LedgerName != "trips" {
		t.Errorf("unexpected ledger name: %s", ie.LedgerName)
	}
}

func TestVerifyLedgerDetectsUncommittedTampering(t *testing.T) {
	store, path := tempStore(t)
	seedLedger(t, store, "trips")
	if _, err := store.Append("trips", []ledger.Transaction{
		{Payload: map[string]interface{}{"op": "pending"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	corrupt(t, path, "trips", 4)

	store, err := ledger.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	v := NewVerifier(store, nil, nil, 0)
	ie := AsIntegrityError(v.VerifyLedger("trips"))
	if ie == nil {
		t.Fatal("expected an integrity error")
	}
	if ie.Region != "uncommitted" {
		t.Errorf("expected uncommitted region, got %s", ie.Region)
	}
}

func TestVerifyAll(t *testing.T) {
	store, _ := tempStore(t)
	defer store.Close()
	seedLedger(t, store, "trips")
	seedLedger(t, store, "cargo")

	v := NewVerifier(store, nil, nil, 0)
	if err := v.VerifyAll(); err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
}

func TestIsIntegrityError(t *testing.T) {
	err := NewIntegrityError("trips", "committed", "aa", "bb")
	if !IsIntegrityError(err) {
		t.Error("expected IsIntegrityError to be true")
	}
	if IsIntegrityError(fmt.Errorf("other")) {
		t.Error("expected IsIntegrityError to be false for plain errors")
	}
}
