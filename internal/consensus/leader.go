package consensus

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sovmesh/microledger/internal/ledger"
)

// InitLedger drives the Leader half of ledger initialization: create the
// ledger locally, propose it to every other participant, distribute the
// accumulated signature set, and finalize. On any failure the local
// ledger is deleted before the problem is returned.
func (m *Machine) InitLedger(ctx context.Context, name string, participants []string, genesis []ledger.Transaction) (*ledger.Snapshot, error) {
	if err := m.validateParticipants(participants); err != nil {
		return nil, err
	}
	if err := m.begin(); err != nil {
		return nil, err
	}

	peers := others(participants, m.me())
	for _, peer := range peers {
		if !m.keys.Has(peer) {
			return nil, m.abort(ctx, name, "", nil, false, nil,
				NewProblem(CodeParticipantUnknown, "no secure channel to participant %s", peer))
		}
	}

	snap, err := m.store.Create(name, genesis)
	if err != nil {
		m.setState(Aborted)
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	rollback := func() error { return m.store.Delete(name) }

	// The stamped genesis transactions are what every replica must store
	// byte-for-byte, so those are the ones proposed.
	stamped, err := m.store.List(name)
	if err != nil {
		return nil, m.abort(ctx, name, "", nil, false, rollback,
			NewProblem(CodeRequestProcessingError, "failed to read back genesis: %v", err))
	}

	thread := uuid.NewString()
	fanout := m.mux.OpenFanOut(peers, thread, m.timeout)
	defer fanout.Close()

	m.log.Info("initializing ledger", "ledger", name, "thread", thread, "participants", participants)

	proposalBytes, err := initProposalDigest(name, stamped, snap.RootHash, participants)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to serialize proposal: %v", err))
	}

	propose := &ProposeInit{
		LedgerName:   name,
		Genesis:      stamped,
		RootHash:     snap.RootHash,
		Participants: participants,
		TimeoutMS:    m.timeout.Milliseconds(),
		Envelope:     SignedEnvelope{ParticipantID: m.me(), Signature: m.keys.Sign(proposalBytes)},
	}

	env, err := m.mux.NewEnvelope(KindProposeInit, thread, propose)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build proposal: %v", err))
	}

	digest, err := snapshotDigest(phasePreCommit, snap)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to serialize snapshot: %v", err))
	}
	signatures := []SignedEnvelope{{ParticipantID: m.me(), Signature: m.keys.Sign(digest)}}

	m.setState(AwaitingProposeReplies)
	results, err := fanout.Switch(ctx, env)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeAborted, "initialization cancelled"))
	}

	for _, peer := range fanout.Peers() {
		r := results[peer]
		if !r.OK {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeRequestProcessingError, "no propose reply from %s", peer))
		}

		msg, err := Decode(r.Reply)
		if err != nil {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "malformed reply from %s: %v", peer, err))
		}

		switch reply := msg.(type) {
		case *ProblemReport:
			return nil, m.abort(ctx, name, thread, fanout, false, rollback,
				NewProblem(reply.Code, "%s", reply.Explanation))
		case *PreCommit:
			if reply.Snapshot == nil || reply.Snapshot.RootHash != snap.RootHash {
				m.reportDivergence(name, peer, snap.RootHash, reply.Snapshot)
				return nil, m.abort(ctx, name, thread, fanout, true, rollback,
					NewProblem(CodeResponseNotAccepted, "root hash of %s diverged", peer))
			}
			if reply.Envelope.ParticipantID != peer || !m.keys.Verify(peer, digest, reply.Envelope.Signature) {
				return nil, m.abort(ctx, name, thread, fanout, true, rollback,
					NewProblem(CodeResponseNotAccepted, "signature of %s did not verify", peer))
			}
			signatures = append(signatures, reply.Envelope)
		default:
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "unexpected %s reply from %s", msg.Kind(), peer))
		}
	}

	m.setState(Committing)
	commitEnv, err := m.mux.NewEnvelope(KindCommitInit, thread, &CommitInit{
		LedgerName: name,
		Signatures: signatures,
	})
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build commit message: %v", err))
	}

	m.setState(AwaitingCommitReplies)
	results, err = fanout.Switch(ctx, commitEnv)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeAborted, "initialization cancelled"))
	}

	for _, peer := range fanout.Peers() {
		r := results[peer]
		if !r.OK {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeRequestProcessingError, "no commit reply from %s", peer))
		}

		msg, err := Decode(r.Reply)
		if err != nil {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "malformed reply from %s: %v", peer, err))
		}

		switch reply := msg.(type) {
		case *ProblemReport:
			return nil, m.abort(ctx, name, thread, fanout, false, rollback,
				NewProblem(reply.Code, "%s", reply.Explanation))
		case *FinalAck:
			if reply.Status != "ok" {
				return nil, m.abort(ctx, name, thread, fanout, true, rollback,
					NewProblem(CodeResponseNotAccepted, "%s rejected the signature set", peer))
			}
		default:
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "unexpected %s reply from %s", msg.Kind(), peer))
		}
	}

	m.setState(Finalizing)
	finalEnv, err := m.mux.NewEnvelope(KindFinalAck, thread, &FinalAck{LedgerName: name, Status: "ok"})
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build final ack: %v", err))
	}
	if err := fanout.Send(ctx, finalEnv); err != nil {
		m.log.Warn("failed to deliver final ack", "ledger", name, "error", err)
	}

	m.setState(Done)
	m.log.Info("ledger initialized", "ledger", name, "root_hash", snap.RootHash)
	return m.store.Snapshot(name)
}

// Commit drives the Leader half of a transaction commit: append the
// transactions as uncommitted, collect one pre-commit signature per
// participant, distribute the aggregate, collect commit acknowledgements,
// distribute those, and only then move the transactions into committed
// storage. On any failure the uncommitted region is reset before the
// problem is returned.
func (m *Machine) Commit(ctx context.Context, name string, participants []string, txns []ledger.Transaction) ([]ledger.Transaction, error) {
	if err := m.validateParticipants(participants); err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, fmt.Errorf("nothing to commit")
	}
	if !m.store.Exists(name) {
		return nil, fmt.Errorf("ledger not found: %s", name)
	}
	if err := m.begin(); err != nil {
		return nil, err
	}

	peers := others(participants, m.me())
	for _, peer := range peers {
		if !m.keys.Has(peer) {
			return nil, m.abort(ctx, name, "", nil, false, nil,
				NewProblem(CodeParticipantUnknown, "no secure channel to participant %s", peer))
		}
	}

	snap, err := m.store.Append(name, txns)
	if err != nil {
		m.setState(Aborted)
		return nil, fmt.Errorf("failed to append transactions: %w", err)
	}
	rollback := func() error { return m.store.ResetUncommitted(name) }

	uncommitted, err := m.store.Uncommitted(name)
	if err != nil {
		return nil, m.abort(ctx, name, "", nil, false, rollback,
			NewProblem(CodeRequestProcessingError, "failed to read back transactions: %v", err))
	}
	accepted := uncommitted[len(uncommitted)-len(txns):]

	thread := uuid.NewString()
	fanout := m.mux.OpenFanOut(peers, thread, m.timeout)
	defer fanout.Close()

	m.log.Info("committing transactions",
		"ledger", name, "thread", thread, "count", len(txns), "participants", participants)

	digest, err := snapshotDigest(phasePreCommit, snap)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to serialize snapshot: %v", err))
	}
	preCommits := []SignedEnvelope{{ParticipantID: m.me(), Signature: m.keys.Sign(digest)}}

	propose := &ProposeCommit{
		LedgerName:   name,
		Txns:         accepted,
		Snapshot:     snap,
		Participants: participants,
		TimeoutMS:    m.timeout.Milliseconds(),
		Envelope:     preCommits[0],
	}
	env, err := m.mux.NewEnvelope(KindProposeCommit, thread, propose)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build proposal: %v", err))
	}

	m.setState(AwaitingProposeReplies)
	results, err := fanout.Switch(ctx, env)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeAborted, "commit cancelled"))
	}

	for _, peer := range fanout.Peers() {
		r := results[peer]
		if !r.OK {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseProcessingError, "no pre-commit reply from %s", peer))
		}

		msg, err := Decode(r.Reply)
		if err != nil {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "malformed reply from %s: %v", peer, err))
		}

		switch reply := msg.(type) {
		case *ProblemReport:
			return nil, m.abort(ctx, name, thread, fanout, false, rollback,
				NewProblem(reply.Code, "%s", reply.Explanation))
		case *PreCommit:
			if reply.Snapshot == nil || reply.Snapshot.UncommittedRootHash != snap.UncommittedRootHash {
				m.reportDivergence(name, peer, snap.UncommittedRootHash, reply.Snapshot)
				return nil, m.abort(ctx, name, thread, fanout, true, rollback,
					NewProblem(CodeResponseNotAccepted, "state hash of %s diverged", peer))
			}
			if reply.Envelope.ParticipantID != peer || !m.keys.Verify(peer, digest, reply.Envelope.Signature) {
				return nil, m.abort(ctx, name, thread, fanout, true, rollback,
					NewProblem(CodeResponseNotAccepted, "pre-commit signature of %s did not verify", peer))
			}
			preCommits = append(preCommits, reply.Envelope)
		default:
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "unexpected %s reply from %s", msg.Kind(), peer))
		}
	}

	m.setState(Committing)
	commitDigest, err := snapshotDigest(phaseCommit, snap)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to serialize snapshot: %v", err))
	}
	commitSigs := []SignedEnvelope{{ParticipantID: m.me(), Signature: m.keys.Sign(commitDigest)}}

	commitEnv, err := m.mux.NewEnvelope(KindCommitCommit, thread, &CommitCommit{
		LedgerName:   name,
		Participants: participants,
		PreCommits:   preCommits,
	})
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build commit message: %v", err))
	}

	m.setState(AwaitingCommitReplies)
	results, err = fanout.Switch(ctx, commitEnv)
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeAborted, "commit cancelled"))
	}

	for _, peer := range fanout.Peers() {
		r := results[peer]
		if !r.OK {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseProcessingError, "no commit reply from %s", peer))
		}

		msg, err := Decode(r.Reply)
		if err != nil {
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "malformed reply from %s: %v", peer, err))
		}

		switch reply := msg.(type) {
		case *ProblemReport:
			return nil, m.abort(ctx, name, thread, fanout, false, rollback,
				NewProblem(reply.Code, "%s", reply.Explanation))
		case *CommitAck:
			if reply.Envelope.ParticipantID != peer || !m.keys.Verify(peer, commitDigest, reply.Envelope.Signature) {
				return nil, m.abort(ctx, name, thread, fanout, true, rollback,
					NewProblem(CodeResponseNotAccepted, "commit signature of %s did not verify", peer))
			}
			commitSigs = append(commitSigs, reply.Envelope)
		default:
			return nil, m.abort(ctx, name, thread, fanout, true, rollback,
				NewProblem(CodeResponseNotAccepted, "unexpected %s reply from %s", msg.Kind(), peer))
		}
	}

	m.setState(Finalizing)
	postEnv, err := m.mux.NewEnvelope(KindPostCommit, thread, &PostCommit{
		LedgerName: name,
		CommitSigs: commitSigs,
	})
	if err != nil {
		return nil, m.abort(ctx, name, thread, fanout, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build post-commit message: %v", err))
	}
	if err := fanout.Send(ctx, postEnv); err != nil {
		m.log.Warn("failed to deliver post-commit message", "ledger", name, "error", err)
	}

	if _, err := m.store.Commit(name, snap.UncommittedSize-snap.Size); err != nil {
		m.setState(Aborted)
		return nil, fmt.Errorf("failed to commit transactions: %w", err)
	}

	m.setState(Done)
	m.log.Info("transactions committed", "ledger", name, "count", len(accepted))
	return accepted, nil
}

func (m *Machine) reportDivergence(name, peer, expected string, theirs *ledger.Snapshot) {
	actual := ""
	if theirs != nil {
		actual = theirs.UncommittedRootHash
	}
	if m.alerts != nil {
		if err := m.alerts.SendDivergenceAlert(name, peer, expected, actual); err != nil {
			m.log.Warn("failed to send divergence alert", "ledger", name, "error", err)
		}
	}
}
