package verify

import "fmt"

// IntegrityError reports that a ledger's stored root hash no longer
// matches the chain recomputed from its transactions. Region is either
// "committed" or "uncommitted".
type IntegrityError struct {
	LedgerName string
	Region     string
	Expected   string
	Actual     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("INTEGRITY VIOLATION: %s region of ledger %s: stored root %s, recomputed %s",
		e.Region, e.LedgerName, e.Expected, e.Actual)
}

func NewIntegrityError(ledgerName, region, expected, actual string) *IntegrityError {
	return &IntegrityError{
		LedgerName: ledgerName,
		Region:     region,
		Expected:   expected,
		Actual:     actual,
	}
}

func IsIntegrityError(err error) bool {
	_, ok := err.(*IntegrityError)
	return ok
}

func AsIntegrityError(err error) *IntegrityError {
	if ie, ok := err.(*IntegrityError); ok {
		return ie
	}
	return nil
}
