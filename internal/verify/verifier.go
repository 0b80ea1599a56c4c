package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/sovmesh/microledger/internal/alert"
	"github.com/sovmesh/microledger/internal/hash"
	"github.com/sovmesh/microledger/internal/ledger"
)

// Verifier recomputes the hash chain of every ledger from its stored
// transactions and compares the result against the recorded root hashes.
// The committed chain starts at the genesis seed; the uncommitted chain
// continues from the committed root.
type Verifier struct {
	store  *ledger.Store
	alerts *alert.Manager
	log    hclog.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewVerifier(store *ledger.Store, alerts *alert.Manager, log hclog.Logger, interval time.Duration) *Verifier {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Verifier{
		store:    store,
		alerts:   alerts,
		log:      log.Named("verify"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs a full verification pass and, when an interval is
// configured, keeps re-verifying in the background until Stop.
func (v *Verifier) Start(ctx context.Context) error {
	if err := v.VerifyAll(); err != nil {
		v.log.Error("startup verification failed", "error", err)
	}

	if v.interval > 0 {
		v.wg.Add(1)
		go v.runPeriodic(ctx)
	}
	return nil
}

func (v *Verifier) Stop() {
	close(v.stopCh)
	v.wg.Wait()
}

func (v *Verifier) runPeriodic(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.VerifyAll(); err != nil {
				v.log.Error("periodic verification failed", "error", err)
			}
		}
	}
}

// VerifyAll verifies every ledger in the store. The first integrity
// violation is returned; remaining ledgers are still checked and logged.
func (v *Verifier) VerifyAll() error {
	names, err := v.store.Names()
	if err != nil {
		return fmt.Errorf("failed to enumerate ledgers: %w", err)
	}

	var firstErr error
	for _, name := range names {
		if err := v.VerifyLedger(name); err != nil {
			v.log.Error("ledger failed verification", "ledger", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		v.log.Debug("ledger verified", "ledger", name)
	}
	return firstErr
}

// VerifyLedger recomputes both hash chains of one ledger. A mismatch is
// returned as an IntegrityError and raised as an operator alert.
func (v *Verifier) VerifyLedger(name string) error {
	snap, err := v.store.Snapshot(name)
	if err != nil {
		return fmt.Errorf("failed to read ledger state: %w", err)
	}

	txns, err := v.store.List(name)
	if err != nil {
		return fmt.Errorf("failed to read transactions: %w", err)
	}
	if uint64(len(txns)) != snap.UncommittedSize {
		return fmt.Errorf("ledger %s holds %d transactions, state says %d",
			name, len(txns), snap.UncommittedSize)
	}

	chain := hash.NewChain(hash.GenesisSeed)
	for i := uint64(0); i < snap.Size; i++ {
		if _, err := chain.Add(&txns[i]); err != nil {
			return fmt.Errorf("failed to hash transaction %d: %w", i+1, err)
		}
	}
	if chain.Root() != snap.RootHash {
		return v.violation(name, "committed", snap.RootHash, chain.Root())
	}

	for i := snap.Size; i < snap.UncommittedSize; i++ {
		if _, err := chain.Add(&txns[i]); err != nil {
			return fmt.Errorf("failed to hash transaction %d: %w", i+1, err)
		}
	}
	if chain.Root() != snap.UncommittedRootHash {
		return v.violation(name, "uncommitted", snap.UncommittedRootHash, chain.Root())
	}

	return nil
}

func (v *Verifier) violation(name, region, expected, actual string) error {
	ie := NewIntegrityError(name, region, expected, actual)
	if v.alerts != nil {
		if err := v.alerts.SendDivergenceAlert(name, "local store", expected, actual); err != nil {
			v.log.Warn("failed to send alert", "ledger", name, "error", err)
		}
	}
	return ie
}
