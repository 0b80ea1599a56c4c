package consensus

import (
	"context"
	"sort"
	"time"

	"github.com/sovmesh/microledger/internal/ledger"
	"github.com/sovmesh/microledger/internal/transport"
)

// AcceptLedger drives the Acceptor half of ledger initialization after
// the application observed an inbound ProposeInit. The leader and thread
// come from the transport envelope that carried the proposal. On any
// failure after local creation the ledger is deleted again.
func (m *Machine) AcceptLedger(ctx context.Context, leaderID, thread string, propose *ProposeInit) (*ledger.Snapshot, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}

	name := propose.LedgerName
	ch := m.mux.OpenPointToPoint(leaderID, thread, proposalTimeout(propose.TimeoutMS, m.timeout))
	defer ch.Close()

	if p := m.checkProposal(leaderID, propose.Participants); p != nil {
		return nil, m.abort(ctx, name, thread, ch, true, nil, p)
	}
	if propose.Envelope.ParticipantID != leaderID {
		return nil, m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestNotAccepted, "proposal signed by %s, not by leader %s",
				propose.Envelope.ParticipantID, leaderID))
	}

	proposalBytes, err := initProposalDigest(name, propose.Genesis, propose.RootHash, propose.Participants)
	if err != nil {
		return nil, m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestProcessingError, "failed to serialize proposal: %v", err))
	}
	if !m.keys.Verify(leaderID, proposalBytes, propose.Envelope.Signature) {
		return nil, m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestNotAccepted, "proposal signature of %s did not verify", leaderID))
	}

	snap, err := m.store.Create(name, propose.Genesis)
	if err != nil {
		return nil, m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestProcessingError, "failed to create ledger: %v", err))
	}
	rollback := func() error { return m.store.Delete(name) }

	if snap.RootHash != propose.RootHash {
		m.reportDivergence(name, leaderID, propose.RootHash, snap)
		return nil, m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError,
				"root hash mismatch: declared %s, computed %s", propose.RootHash, snap.RootHash))
	}

	m.log.Info("accepting ledger", "ledger", name, "leader", leaderID, "thread", thread)

	digest, err := snapshotDigest(phasePreCommit, snap)
	if err != nil {
		return nil, m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to serialize snapshot: %v", err))
	}

	replyEnv, err := m.mux.NewEnvelope(KindPreCommit, thread, &PreCommit{
		LedgerName: name,
		Snapshot:   snap,
		Envelope:   SignedEnvelope{ParticipantID: m.me(), Signature: m.keys.Sign(digest)},
	})
	if err != nil {
		return nil, m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build pre-commit: %v", err))
	}

	m.setState(AwaitingCommitReplies)
	commitMsg, p := m.exchange(ctx, ch, replyEnv)
	if p != nil {
		return nil, m.abort(ctx, name, thread, ch, true, rollback, p)
	}

	commit, ok := commitMsg.(*CommitInit)
	if !ok {
		if report, isReport := commitMsg.(*ProblemReport); isReport {
			return nil, m.abort(ctx, name, thread, ch, false, rollback,
				NewProblem(report.Code, "%s", report.Explanation))
		}
		return nil, m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestNotAccepted, "expected %s, got %s", KindCommitInit, commitMsg.Kind()))
	}

	if !envelopeSetMatches(propose.Participants, commit.Signatures) {
		return nil, m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "signature set does not match the participant set"))
	}
	for _, sig := range commit.Signatures {
		if !m.keys.Verify(sig.ParticipantID, digest, sig.Signature) {
			return nil, m.abort(ctx, name, thread, ch, true, rollback,
				NewProblem(CodeRequestProcessingError, "signature of %s did not verify", sig.ParticipantID))
		}
	}

	m.setState(Finalizing)
	ackEnv, err := m.mux.NewEnvelope(KindFinalAck, thread, &FinalAck{LedgerName: name, Status: "ok"})
	if err != nil {
		return nil, m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build ack: %v", err))
	}

	finalMsg, p := m.exchange(ctx, ch, ackEnv)
	if p != nil {
		return nil, m.abort(ctx, name, thread, ch, true, rollback, p)
	}

	switch final := finalMsg.(type) {
	case *ProblemReport:
		return nil, m.abort(ctx, name, thread, ch, false, rollback,
			NewProblem(final.Code, "%s", final.Explanation))
	case *FinalAck:
		if final.Status != "ok" {
			return nil, m.abort(ctx, name, thread, ch, true, rollback,
				NewProblem(CodeRequestProcessingError, "leader reported status %s", final.Status))
		}
	default:
		return nil, m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestNotAccepted, "expected %s, got %s", KindFinalAck, finalMsg.Kind()))
	}

	m.setState(Done)
	m.log.Info("ledger accepted", "ledger", name, "root_hash", snap.RootHash)
	return snap, nil
}

// AcceptCommit drives the Acceptor half of a transaction commit. On any
// failure after the local append the uncommitted region is reset.
func (m *Machine) AcceptCommit(ctx context.Context, leaderID, thread string, propose *ProposeCommit) error {
	if err := m.begin(); err != nil {
		return err
	}

	name := propose.LedgerName
	ch := m.mux.OpenPointToPoint(leaderID, thread, proposalTimeout(propose.TimeoutMS, m.timeout))
	defer ch.Close()

	if !m.store.Exists(name) {
		return m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestProcessingError, "ledger not found: %s", name))
	}
	if p := m.checkProposal(leaderID, propose.Participants); p != nil {
		return m.abort(ctx, name, thread, ch, true, nil, p)
	}
	if propose.Snapshot == nil {
		return m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestNotAccepted, "proposal carries no snapshot"))
	}
	if propose.Envelope.ParticipantID != leaderID {
		return m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestNotAccepted, "proposal signed by %s, not by leader %s",
				propose.Envelope.ParticipantID, leaderID))
	}

	leaderDigest, err := snapshotDigest(phasePreCommit, propose.Snapshot)
	if err != nil {
		return m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestProcessingError, "failed to serialize snapshot: %v", err))
	}
	if !m.keys.Verify(leaderID, leaderDigest, propose.Envelope.Signature) {
		return m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestNotAccepted, "proposal signature of %s did not verify", leaderID))
	}

	snap, err := m.store.Append(name, propose.Txns)
	if err != nil {
		return m.abort(ctx, name, thread, ch, true, nil,
			NewProblem(CodeRequestProcessingError, "failed to append transactions: %v", err))
	}
	rollback := func() error { return m.store.ResetUncommitted(name) }

	if snap.UncommittedRootHash != propose.Snapshot.UncommittedRootHash {
		m.reportDivergence(name, leaderID, snap.UncommittedRootHash, propose.Snapshot)
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError,
				"state hash mismatch: declared %s, computed %s",
				propose.Snapshot.UncommittedRootHash, snap.UncommittedRootHash))
	}

	m.log.Info("accepting commit",
		"ledger", name, "leader", leaderID, "thread", thread, "count", len(propose.Txns))

	digest, err := snapshotDigest(phasePreCommit, snap)
	if err != nil {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to serialize snapshot: %v", err))
	}

	replyEnv, err := m.mux.NewEnvelope(KindPreCommit, thread, &PreCommit{
		LedgerName: name,
		Snapshot:   snap,
		Envelope:   SignedEnvelope{ParticipantID: m.me(), Signature: m.keys.Sign(digest)},
	})
	if err != nil {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build pre-commit: %v", err))
	}

	m.setState(AwaitingCommitReplies)
	commitMsg, p := m.exchange(ctx, ch, replyEnv)
	if p != nil {
		return m.abort(ctx, name, thread, ch, true, rollback, p)
	}

	commit, ok := commitMsg.(*CommitCommit)
	if !ok {
		if report, isReport := commitMsg.(*ProblemReport); isReport {
			return m.abort(ctx, name, thread, ch, false, rollback,
				NewProblem(report.Code, "%s", report.Explanation))
		}
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestNotAccepted, "expected %s, got %s", KindCommitCommit, commitMsg.Kind()))
	}

	if !sameSet(propose.Participants, commit.Participants) {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "commit participant set differs from the proposal"))
	}
	if !envelopeSetMatches(propose.Participants, commit.PreCommits) {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "pre-commit signature set does not match the participant set"))
	}
	for _, sig := range commit.PreCommits {
		if !m.keys.Verify(sig.ParticipantID, digest, sig.Signature) {
			return m.abort(ctx, name, thread, ch, true, rollback,
				NewProblem(CodeRequestProcessingError, "pre-commit signature of %s did not verify", sig.ParticipantID))
		}
	}

	commitDigest, err := snapshotDigest(phaseCommit, snap)
	if err != nil {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to serialize snapshot: %v", err))
	}

	ackEnv, err := m.mux.NewEnvelope(KindCommitAck, thread, &CommitAck{
		LedgerName: name,
		Envelope:   SignedEnvelope{ParticipantID: m.me(), Signature: m.keys.Sign(commitDigest)},
	})
	if err != nil {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to build commit ack: %v", err))
	}

	m.setState(Finalizing)
	postMsg, p := m.exchange(ctx, ch, ackEnv)
	if p != nil {
		return m.abort(ctx, name, thread, ch, true, rollback, p)
	}

	post, ok := postMsg.(*PostCommit)
	if !ok {
		if report, isReport := postMsg.(*ProblemReport); isReport {
			return m.abort(ctx, name, thread, ch, false, rollback,
				NewProblem(report.Code, "%s", report.Explanation))
		}
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestNotAccepted, "expected %s, got %s", KindPostCommit, postMsg.Kind()))
	}

	if !envelopeSetMatches(propose.Participants, post.CommitSigs) {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "commit signature set does not match the participant set"))
	}
	for _, sig := range post.CommitSigs {
		if !m.keys.Verify(sig.ParticipantID, commitDigest, sig.Signature) {
			return m.abort(ctx, name, thread, ch, true, rollback,
				NewProblem(CodeRequestProcessingError, "commit signature of %s did not verify", sig.ParticipantID))
		}
	}

	if _, err := m.store.Commit(name, snap.UncommittedSize-snap.Size); err != nil {
		return m.abort(ctx, name, thread, ch, true, rollback,
			NewProblem(CodeRequestProcessingError, "failed to commit transactions: %v", err))
	}

	m.setState(Done)
	m.log.Info("commit accepted", "ledger", name, "count", len(propose.Txns))
	return nil
}

// checkProposal validates the declared participant set against the local
// identity and key material.
func (m *Machine) checkProposal(leaderID string, participants []string) *Problem {
	if len(participants) < 2 {
		return NewProblem(CodeRequestNotAccepted,
			"participant set must have at least 2 members, got %d", len(participants))
	}
	if !contains(participants, m.me()) {
		return NewProblem(CodeRequestNotAccepted,
			"local participant %s is not in the declared participant set", m.me())
	}
	if !contains(participants, leaderID) {
		return NewProblem(CodeRequestNotAccepted,
			"leader %s is not in the declared participant set", leaderID)
	}
	if !m.keys.Has(leaderID) {
		return NewProblem(CodeParticipantUnknown, "no secure channel to leader %s", leaderID)
	}
	return nil
}

// exchange sends a reply and waits for the leader's next phase message.
// Timeouts and aborts come back as problems; a decoded message of any
// kind is handed to the caller.
func (m *Machine) exchange(ctx context.Context, ch *transport.Channel, env *transport.Envelope) (Message, *Problem) {
	reply, ok, err := ch.Switch(ctx, env)
	if err == transport.ErrAborted {
		return nil, NewProblem(CodeAborted, "protocol run cancelled")
	}
	if err != nil {
		return nil, NewProblem(CodeResponseProcessingError, "failed to reach leader: %v", err)
	}
	if !ok {
		return nil, NewProblem(CodeResponseProcessingError, "timed out waiting for the leader")
	}

	msg, err := Decode(reply)
	if err != nil {
		return nil, NewProblem(CodeResponseNotAccepted, "malformed message from leader: %v", err)
	}
	return msg, nil
}

func proposalTimeout(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
