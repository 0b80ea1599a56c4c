package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sovmesh/microledger/internal/hash"
)

var (
	MetaBucket = []byte("ledger_meta")
	TxnBucket  = []byte("ledger_txns")
)

// Meta is the per-transaction metadata block attached on append.
// Time is stamped by the first participant that appends the transaction
// and preserved verbatim on every replica, so the serialized transaction
// is byte-identical across peers.
type Meta struct {
	Seq  uint64 `json:"seq"`
	Time string `json:"time"`
}

// Transaction is an opaque ordered key/value record plus its metadata.
// Immutable once committed.
type Transaction struct {
	Payload map[string]interface{} `json:"payload"`
	Meta    *Meta                  `json:"meta,omitempty"`
}

// Snapshot describes a ledger at a point in time. It is always replaced,
// never mutated: every storage operation returns a fresh value.
type Snapshot struct {
	Name                string `json:"name"`
	Size                uint64 `json:"size"`
	UncommittedSize     uint64 `json:"uncommitted_size"`
	RootHash            string `json:"root_hash"`
	UncommittedRootHash string `json:"uncommitted_root_hash"`
}

type ledgerMeta struct {
	Name                string `json:"name"`
	Size                uint64 `json:"size"`
	UncommittedSize     uint64 `json:"uncommitted_size"`
	RootHash            string `json:"root_hash"`
	UncommittedRootHash string `json:"uncommitted_root_hash"`
}

func (m *ledgerMeta) snapshot() *Snapshot {
	return &Snapshot{
		Name:                m.Name,
		Size:                m.Size,
		UncommittedSize:     m.UncommittedSize,
		RootHash:            m.RootHash,
		UncommittedRootHash: m.UncommittedRootHash,
	}
}

// Store is a bbolt-backed append-only transaction log with a committed
// and an uncommitted region per ledger name.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{MetaBucket, TxnBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func txnKey(name string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%016x", name, seq))
}

// Create makes a new ledger from a genesis transaction set. The genesis
// transactions are committed immediately. Fails if the name is taken.
func (s *Store) Create(name string, genesis []Transaction) (*Snapshot, error) {
	var snap *Snapshot

	err := s.db.Update(func(tx *bolt.Tx) error {
		metas := tx.Bucket(MetaBucket)
		if metas.Get([]byte(name)) != nil {
			return fmt.Errorf("ledger already exists: %s", name)
		}

		txns := tx.Bucket(TxnBucket)
		chain := hash.NewChain(hash.GenesisSeed)

		for i := range genesis {
			record := stamp(genesis[i], uint64(i+1))

			data, err := json.Marshal(&record)
			if err != nil {
				return fmt.Errorf("failed to marshal transaction: %w", err)
			}
			if err := txns.Put(txnKey(name, record.Meta.Seq), data); err != nil {
				return err
			}
			if _, err := chain.Add(&record); err != nil {
				return fmt.Errorf("failed to extend root hash: %w", err)
			}
		}

		m := &ledgerMeta{
			Name:                name,
			Size:                uint64(len(genesis)),
			UncommittedSize:     uint64(len(genesis)),
			RootHash:            chain.Root(),
			UncommittedRootHash: chain.Root(),
		}

		if err := putMeta(metas, m); err != nil {
			return err
		}

		snap = m.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// Append adds transactions to the uncommitted region, stamping sequence
// numbers from the local position. A transaction that already carries a
// timestamp (a replica of one stamped elsewhere) keeps it.
func (s *Store) Append(name string, items []Transaction) (*Snapshot, error) {
	var snap *Snapshot

	err := s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMeta(tx, name)
		if err != nil {
			return err
		}

		txns := tx.Bucket(TxnBucket)
		chain := hash.NewChain(m.UncommittedRootHash)

		for i := range items {
			m.UncommittedSize++
			record := stamp(items[i], m.UncommittedSize)

			data, err := json.Marshal(&record)
			if err != nil {
				return fmt.Errorf("failed to marshal transaction: %w", err)
			}
			if err := txns.Put(txnKey(name, record.Meta.Seq), data); err != nil {
				return err
			}
			if _, err := chain.Add(&record); err != nil {
				return fmt.Errorf("failed to extend root hash: %w", err)
			}
		}

		m.UncommittedRootHash = chain.Root()

		if err := putMeta(tx.Bucket(MetaBucket), m); err != nil {
			return err
		}

		snap = m.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// Commit moves count transactions from the uncommitted region into the
// committed region and advances the committed root hash over them.
func (s *Store) Commit(name string, count uint64) (*Snapshot, error) {
	var snap *Snapshot

	err := s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMeta(tx, name)
		if err != nil {
			return err
		}

		if count > m.UncommittedSize-m.Size {
			return fmt.Errorf("cannot commit %d transactions, only %d uncommitted",
				count, m.UncommittedSize-m.Size)
		}

		txns := tx.Bucket(TxnBucket)
		chain := hash.NewChain(m.RootHash)

		for seq := m.Size + 1; seq <= m.Size+count; seq++ {
			data := txns.Get(txnKey(name, seq))
			if data == nil {
				return fmt.Errorf("transaction not found: %s seq %d", name, seq)
			}

			var record Transaction
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("failed to unmarshal transaction: %w", err)
			}
			if _, err := chain.Add(&record); err != nil {
				return fmt.Errorf("failed to extend root hash: %w", err)
			}
		}

		m.Size += count
		m.RootHash = chain.Root()

		if err := putMeta(tx.Bucket(MetaBucket), m); err != nil {
			return err
		}

		snap = m.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// ResetUncommitted discards the uncommitted region, restoring the ledger
// to its last committed state.
func (s *Store) ResetUncommitted(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMeta(tx, name)
		if err != nil {
			return err
		}

		txns := tx.Bucket(TxnBucket)
		for seq := m.Size + 1; seq <= m.UncommittedSize; seq++ {
			if err := txns.Delete(txnKey(name, seq)); err != nil {
				return err
			}
		}

		m.UncommittedSize = m.Size
		m.UncommittedRootHash = m.RootHash

		return putMeta(tx.Bucket(MetaBucket), m)
	})
}

// Delete removes the ledger and all of its transactions.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMeta(tx, name)
		if err != nil {
			return err
		}

		txns := tx.Bucket(TxnBucket)
		for seq := uint64(1); seq <= m.UncommittedSize; seq++ {
			if err := txns.Delete(txnKey(name, seq)); err != nil {
				return err
			}
		}

		return tx.Bucket(MetaBucket).Delete([]byte(name))
	})
}

// Snapshot returns the current state of a ledger.
func (s *Store) Snapshot(name string) (*Snapshot, error) {
	var snap *Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		m, err := getMeta(tx, name)
		if err != nil {
			return err
		}
		snap = m.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// Exists reports whether a ledger with the given name is present.
func (s *Store) Exists(name string) bool {
	var found bool
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(MetaBucket).Get([]byte(name)) != nil
		return nil
	})
	return found
}

// Names returns the names of all ledgers in the store.
func (s *Store) Names() ([]string, error) {
	var out []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(MetaBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Get returns a single transaction by sequence number.
func (s *Store) Get(name string, seq uint64) (*Transaction, error) {
	var record Transaction

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(TxnBucket).Get(txnKey(name, seq))
		if data == nil {
			return fmt.Errorf("transaction not found: %s seq %d", name, seq)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// List returns all transactions of a ledger in sequence order, committed
// first, then uncommitted.
func (s *Store) List(name string) ([]Transaction, error) {
	return s.listRange(name, 1)
}

// Uncommitted returns the transactions in the uncommitted region.
func (s *Store) Uncommitted(name string) ([]Transaction, error) {
	m, err := s.Snapshot(name)
	if err != nil {
		return nil, err
	}
	return s.listRange(name, m.Size+1)
}

func (s *Store) listRange(name string, from uint64) ([]Transaction, error) {
	var out []Transaction

	err := s.db.View(func(tx *bolt.Tx) error {
		m, err := getMeta(tx, name)
		if err != nil {
			return err
		}

		txns := tx.Bucket(TxnBucket)
		for seq := from; seq <= m.UncommittedSize; seq++ {
			data := txns.Get(txnKey(name, seq))
			if data == nil {
				return fmt.Errorf("transaction not found: %s seq %d", name, seq)
			}

			var record Transaction
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("failed to unmarshal transaction: %w", err)
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func stamp(record Transaction, seq uint64) Transaction {
	when := ""
	if record.Meta != nil {
		when = record.Meta.Time
	}
	if when == "" {
		when = time.Now().UTC().Format(time.RFC3339)
	}
	record.Meta = &Meta{Seq: seq, Time: when}
	return record
}

func getMeta(tx *bolt.Tx, name string) (*ledgerMeta, error) {
	data := tx.Bucket(MetaBucket).Get([]byte(name))
	if data == nil {
		return nil, fmt.Errorf("ledger not found: %s", name)
	}

	var m ledgerMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger meta: %w", err)
	}
	return &m, nil
}

func putMeta(bucket *bolt.Bucket, m *ledgerMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger meta: %w", err)
	}
	return bucket.Put([]byte(m.Name), data)
}
