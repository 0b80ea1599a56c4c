package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/sovmesh/microledger/internal/hash"
	"github.com/sovmesh/microledger/internal/ledger"
	"github.com/sovmesh/microledger/internal/transport"
)

// Wire message kinds. Every protocol message carries its kind in the
// transport envelope so inbound dispatch is an exhaustive switch, never
// type inspection.
const (
	KindProposeInit   = "propose-init"
	KindCommitInit    = "commit-init"
	KindFinalAck      = "final-ack"
	KindProposeCommit = "propose-commit"
	KindCommitCommit  = "commit-commit"
	KindPostCommit    = "post-commit"
	KindPreCommit     = "pre-commit"
	KindCommitAck     = "commit-ack"
	KindProblemReport = "problem-report"
)

// SignedEnvelope is one participant's signature over the canonical bytes
// of a snapshot or protocol message.
type SignedEnvelope struct {
	ParticipantID string `json:"participant_id"`
	Signature     []byte `json:"signature"`
}

// ProposeInit opens a ledger-initialization run.
type ProposeInit struct {
	LedgerName   string               `json:"ledger_name"`
	Genesis      []ledger.Transaction `json:"genesis_txns"`
	RootHash     string               `json:"root_hash"`
	Participants []string             `json:"participants"`
	TimeoutMS    int64                `json:"timeout_ms"`
	Envelope     SignedEnvelope       `json:"signature"`
}

// CommitInit carries the accumulated signature set back to every
// participant during ledger initialization.
type CommitInit struct {
	LedgerName string           `json:"ledger_name"`
	Signatures []SignedEnvelope `json:"signatures"`
}

// FinalAck closes a phase: either an acceptor acknowledging the
// signature set or the leader's final acknowledgement.
type FinalAck struct {
	LedgerName string `json:"ledger_name"`
	Status     string `json:"status"`
}

// ProposeCommit opens a transaction-commit run.
type ProposeCommit struct {
	LedgerName   string               `json:"ledger_name"`
	Txns         []ledger.Transaction `json:"txns"`
	Snapshot     *ledger.Snapshot     `json:"snapshot"`
	Participants []string             `json:"participants"`
	TimeoutMS    int64                `json:"timeout_ms"`
	Envelope     SignedEnvelope       `json:"signature"`
}

// PreCommit is a participant's signed view of the ledger state after
// applying a proposal.
type PreCommit struct {
	LedgerName string           `json:"ledger_name"`
	Snapshot   *ledger.Snapshot `json:"snapshot"`
	Envelope   SignedEnvelope   `json:"signature"`
}

// CommitCommit carries one pre-commit signature per participant.
type CommitCommit struct {
	LedgerName   string           `json:"ledger_name"`
	Participants []string         `json:"participants"`
	PreCommits   []SignedEnvelope `json:"pre_commit_signatures"`
}

// CommitAck is a participant's signed commit acknowledgement.
type CommitAck struct {
	LedgerName string         `json:"ledger_name"`
	Envelope   SignedEnvelope `json:"signature"`
}

// PostCommit carries one commit acknowledgement per participant and
// finalizes the run.
type PostCommit struct {
	LedgerName string           `json:"ledger_name"`
	CommitSigs []SignedEnvelope `json:"commit_signatures"`
}

// ProblemReport transmits an abort reason to the remote side.
type ProblemReport struct {
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
}

// Message is the tagged union of all protocol messages.
type Message interface {
	Kind() string
}

func (*ProposeInit) Kind() string   { return KindProposeInit }
func (*CommitInit) Kind() string    { return KindCommitInit }
func (*FinalAck) Kind() string      { return KindFinalAck }
func (*ProposeCommit) Kind() string { return KindProposeCommit }
func (*CommitCommit) Kind() string  { return KindCommitCommit }
func (*PostCommit) Kind() string    { return KindPostCommit }
func (*PreCommit) Kind() string     { return KindPreCommit }
func (*CommitAck) Kind() string     { return KindCommitAck }
func (*ProblemReport) Kind() string { return KindProblemReport }

// Decode turns a transport envelope into its protocol message.
func Decode(env *transport.Envelope) (Message, error) {
	var msg Message

	switch env.Kind {
	case KindProposeInit:
		msg = &ProposeInit{}
	case KindCommitInit:
		msg = &CommitInit{}
	case KindFinalAck:
		msg = &FinalAck{}
	case KindProposeCommit:
		msg = &ProposeCommit{}
	case KindCommitCommit:
		msg = &CommitCommit{}
	case KindPostCommit:
		msg = &PostCommit{}
	case KindPreCommit:
		msg = &PreCommit{}
	case KindCommitAck:
		msg = &CommitAck{}
	case KindProblemReport:
		msg = &ProblemReport{}
	default:
		return nil, fmt.Errorf("unknown message kind: %s", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
	}
	return msg, nil
}

// Signing phases. Pre-commit and commit signatures cover the same
// snapshot but must not be interchangeable, so the phase tag is part of
// the signed bytes.
const (
	phasePreCommit = "pre-commit"
	phaseCommit    = "commit"
)

// snapshotDigest returns the canonical bytes every participant signs for
// the given phase over the given snapshot.
func snapshotDigest(phase string, snap *ledger.Snapshot) ([]byte, error) {
	return hash.Canonical(map[string]interface{}{
		"phase":    phase,
		"snapshot": snap,
	})
}

// initProposalDigest returns the canonical bytes the leader signs over
// an initialization proposal.
func initProposalDigest(name string, genesis []ledger.Transaction, rootHash string, participants []string) ([]byte, error) {
	return hash.Canonical(map[string]interface{}{
		"ledger_name":  name,
		"genesis_txns": genesis,
		"root_hash":    rootHash,
		"participants": participants,
	})
}

// envelopeSetMatches reports whether the signed envelopes cover the
// participant set exactly: no missing, no extra, no duplicate.
func envelopeSetMatches(participants []string, envs []SignedEnvelope) bool {
	if len(envs) != len(participants) {
		return false
	}

	seen := make(map[string]bool, len(envs))
	for _, e := range envs {
		if seen[e.ParticipantID] {
			return false
		}
		seen[e.ParticipantID] = true
	}

	for _, p := range participants {
		if !seen[p] {
			return false
		}
	}
	return true
}
