package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sovmesh/microledger/internal/ledger"
)

// Demo tool: rewrites one stored transaction behind the agent's back so
// 'mledger verify' has something to detect.
func main() {
	if len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db-path> <ledger-name> <seq>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Corrupts the payload of one transaction in the given ledger\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	name := os.Args[2]
	seq, err := strconv.ParseUint(os.Args[3], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid sequence number: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Opening database: %s\n", dbPath)
	fmt.Printf("Target: ledger %s, seq %d\n", name, seq)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	key := []byte(fmt.Sprintf("%s/%016x", name, seq))

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ledger.TxnBucket)
		if bucket == nil {
			return fmt.Errorf("transaction bucket not found, is this an mledger database?")
		}

		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("no transaction at seq %d in ledger %s", seq, name)
		}

		var record ledger.Transaction
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to decode transaction: %w", err)
		}

		fmt.Printf("Original payload: %v\n", record.Payload)
		record.Payload = map[string]interface{}{"op": "forged", "tampered_at": time.Now().UTC().Format(time.RFC3339)}

		forged, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("failed to encode forged transaction: %w", err)
		}
		return bucket.Put(key, forged)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Transaction forged. Run 'mledger verify' to see the detection.")
}
