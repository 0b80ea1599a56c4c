package consensus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sovmesh/microledger/internal/keyring"
	"github.com/sovmesh/microledger/internal/ledger"
	"github.com/sovmesh/microledger/internal/transport"
)

const testTimeout = 500 * time.Millisecond

type node struct {
	id    string
	keys  *keyring.Keyring
	store *ledger.Store
	mux   *transport.Mux
	bus   *transport.MemBus

	// results collects the outcome of every reactive acceptor run.
	results chan error
}

func newNode(t *testing.T, bus *transport.MemBus, id string) *node {
	t.Helper()

	keys, err := keyring.Generate(id)
	require.NoError(t, err)

	tmpfile, err := os.CreateTemp("", "consensus-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := ledger.Open(tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n := &node{
		id:      id,
		keys:    keys,
		store:   store,
		mux:     transport.NewMux(id, bus, nil),
		bus:     bus,
		results: make(chan error, 8),
	}
	return n
}

func (n *node) machine() *Machine {
	return New(Config{
		Keyring: n.keys,
		Store:   n.store,
		Mux:     n.mux,
		Timeout: testTimeout,
	})
}

// react installs the application-side subscription: every unclaimed
// first-phase message starts a fresh acceptor-mode machine.
func (n *node) react(t *testing.T) {
	t.Helper()

	n.bus.Attach(n.id, n.mux, func(env *transport.Envelope) {
		msg, err := Decode(env)
		if err != nil {
			n.results <- err
			return
		}

		switch propose := msg.(type) {
		case *ProposeInit:
			_, err := n.machine().AcceptLedger(context.Background(), env.From, env.Thread, propose)
			n.results <- err
		case *ProposeCommit:
			n.results <- n.machine().AcceptCommit(context.Background(), env.From, env.Thread, propose)
		default:
			n.results <- nil
		}
	})
}

func link(t *testing.T, nodes ...*node) {
	t.Helper()
	for _, a := range nodes {
		for _, b := range nodes {
			if a.id == b.id {
				continue
			}
			require.NoError(t, a.keys.AddPeer(b.id, b.keys.Verkey()))
		}
	}
}

func payload(op string) ledger.Transaction {
	return ledger.Transaction{Payload: map[string]interface{}{"op": op}}
}

func TestTwoPartyInitLedger(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	airline.react(t)

	m := lab.machine()
	snap, err := m.InitLedger(context.Background(), "trips",
		[]string{"lab", "airline"}, []ledger.Transaction{payload("genesis")})
	require.NoError(t, err)
	require.Equal(t, Done, m.State())
	require.NoError(t, <-airline.results)

	require.EqualValues(t, 1, snap.Size)

	theirs, err := airline.store.Snapshot("trips")
	require.NoError(t, err)
	require.Equal(t, snap.RootHash, theirs.RootHash)
	require.EqualValues(t, 1, theirs.Size)
}

func TestInitLedgerParticipantUnknown(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	lab.bus.Attach(lab.id, lab.mux, nil)

	m := lab.machine()
	_, err := m.InitLedger(context.Background(), "trips",
		[]string{"lab", "stranger"}, []ledger.Transaction{payload("genesis")})

	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeParticipantUnknown, p.Code)
	require.Equal(t, Aborted, m.State())
	require.False(t, lab.store.Exists("trips"))
}

func TestInitLedgerUnreachablePeerRollsBack(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	bus.Attach("airline", nil, nil) // addressable but silent

	m := lab.machine()
	_, err := m.InitLedger(context.Background(), "trips",
		[]string{"lab", "airline"}, []ledger.Transaction{payload("genesis")})

	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeRequestProcessingError, p.Code)
	require.False(t, lab.store.Exists("trips"), "failed init must delete the local ledger")
}

func TestInitLedgerInvalidArguments(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")

	m := lab.machine()
	_, err := m.InitLedger(context.Background(), "trips", []string{"lab"}, nil)
	require.Error(t, err)
	require.False(t, IsProblem(err))

	_, err = lab.machine().InitLedger(context.Background(), "trips",
		[]string{"airline", "airport"}, nil)
	require.Error(t, err)
	require.False(t, IsProblem(err))
}

func TestTwoPartyCommit(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	airline.react(t)

	participants := []string{"lab", "airline"}
	_, err := lab.machine().InitLedger(context.Background(), "trips",
		participants, []ledger.Transaction{payload("genesis")})
	require.NoError(t, err)
	require.NoError(t, <-airline.results)

	accepted, err := lab.machine().Commit(context.Background(), "trips",
		participants, []ledger.Transaction{payload("depart"), payload("arrive")})
	require.NoError(t, err)
	require.NoError(t, <-airline.results)

	require.Len(t, accepted, 2)
	require.EqualValues(t, 2, accepted[0].Meta.Seq)
	require.EqualValues(t, 3, accepted[1].Meta.Seq)

	mine, err := lab.store.Snapshot("trips")
	require.NoError(t, err)
	theirs, err := airline.store.Snapshot("trips")
	require.NoError(t, err)

	require.EqualValues(t, 3, mine.Size)
	require.Equal(t, mine.Size, mine.UncommittedSize)
	require.Equal(t, mine.RootHash, theirs.RootHash)
	require.Equal(t, theirs.Size, theirs.UncommittedSize)
}

func TestCommitDivergenceRollsBackBothSides(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	airline.react(t)

	participants := []string{"lab", "airline"}
	_, err := lab.machine().InitLedger(context.Background(), "trips",
		participants, []ledger.Transaction{payload("genesis")})
	require.NoError(t, err)
	require.NoError(t, <-airline.results)

	// Simulated storage bug: the airline replica silently gains an extra
	// committed transaction, so its next append hashes differently.
	_, err = airline.store.Append("trips", []ledger.Transaction{payload("rogue")})
	require.NoError(t, err)
	_, err = airline.store.Commit("trips", 1)
	require.NoError(t, err)

	_, err = lab.machine().Commit(context.Background(), "trips",
		participants, []ledger.Transaction{payload("depart")})

	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeRequestProcessingError, p.Code)
	require.Error(t, <-airline.results)

	mine, err := lab.store.Snapshot("trips")
	require.NoError(t, err)
	require.Equal(t, mine.Size, mine.UncommittedSize, "leader must reset uncommitted state")

	theirs, err := airline.store.Snapshot("trips")
	require.NoError(t, err)
	require.Equal(t, theirs.Size, theirs.UncommittedSize, "acceptor must reset uncommitted state")
}

func TestThreePartyCommitWithUnreachablePeer(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	airport := newNode(t, bus, "airport")
	link(t, lab, airline, airport)
	lab.bus.Attach(lab.id, lab.mux, nil)
	airline.react(t)
	airport.react(t)

	participants := []string{"lab", "airline", "airport"}
	_, err := lab.machine().InitLedger(context.Background(), "trips",
		participants, []ledger.Transaction{payload("genesis")})
	require.NoError(t, err)
	require.NoError(t, <-airline.results)
	require.NoError(t, <-airport.results)

	// The airport goes dark before the commit round.
	bus.Attach("airport", nil, nil)

	start := time.Now()
	_, err = lab.machine().Commit(context.Background(), "trips",
		participants, []ledger.Transaction{payload("depart")})
	elapsed := time.Since(start)

	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeResponseProcessingError, p.Code)
	require.Less(t, elapsed, 5*testTimeout, "one silent peer must not stall the run")

	// The reachable acceptor learns about the abort from the problem
	// report and rolls back too.
	require.Error(t, <-airline.results)

	mine, err := lab.store.Snapshot("trips")
	require.NoError(t, err)
	require.Equal(t, mine.Size, mine.UncommittedSize)

	theirs, err := airline.store.Snapshot("trips")
	require.NoError(t, err)
	require.Equal(t, theirs.Size, theirs.UncommittedSize)
}

func TestCommitRejectsCorruptPeerSignature(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	mallory := newNode(t, bus, "mallory")
	link(t, lab, mallory)
	lab.bus.Attach(lab.id, lab.mux, nil)

	// Mallory echoes the proposed snapshot but signs garbage. No
	// assertions in here, the handler runs off the test goroutine; a
	// protocol mismatch surfaces as a leader-side timeout instead.
	bus.Attach("mallory", mallory.mux, func(env *transport.Envelope) {
		msg, err := Decode(env)
		if err != nil {
			return
		}
		propose, ok := msg.(*ProposeCommit)
		if !ok {
			return
		}

		reply, err := mallory.mux.NewEnvelope(KindPreCommit, env.Thread, &PreCommit{
			LedgerName: propose.LedgerName,
			Snapshot:   propose.Snapshot,
			Envelope:   SignedEnvelope{ParticipantID: "mallory", Signature: make([]byte, 64)},
		})
		if err != nil {
			return
		}
		_ = bus.Post(context.Background(), env.From, reply)
	})

	_, err := lab.store.Create("trips", []ledger.Transaction{payload("genesis")})
	require.NoError(t, err)

	_, err = lab.machine().Commit(context.Background(), "trips",
		[]string{"lab", "mallory"}, []ledger.Transaction{payload("depart")})

	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeResponseNotAccepted, p.Code)

	mine, err := lab.store.Snapshot("trips")
	require.NoError(t, err)
	require.Equal(t, mine.Size, mine.UncommittedSize)
}

func TestAcceptLedgerRejectsBadLeaderSignature(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	bus.Attach("airline", airline.mux, nil)

	propose := &ProposeInit{
		LedgerName:   "trips",
		Genesis:      []ledger.Transaction{payload("genesis")},
		RootHash:     "bogus",
		Participants: []string{"lab", "airline"},
		TimeoutMS:    testTimeout.Milliseconds(),
		Envelope:     SignedEnvelope{ParticipantID: "lab", Signature: make([]byte, 64)},
	}

	_, err := airline.machine().AcceptLedger(context.Background(), "lab", "thread-1", propose)

	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeRequestNotAccepted, p.Code)
	require.False(t, airline.store.Exists("trips"))
}

func TestAcceptLedgerRejectsIncompleteSignatureSet(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	airline.react(t)

	// Act as a leader by hand: a correctly signed proposal, then a
	// commit message whose signature set is missing the acceptor.
	participants := []string{"lab", "airline"}
	genesis := []ledger.Transaction{{
		Payload: map[string]interface{}{"op": "genesis"},
		Meta:    &ledger.Meta{Time: "2026-01-02T03:04:05Z"},
	}}

	snap, err := lab.store.Create("trips", genesis)
	require.NoError(t, err)
	stamped, err := lab.store.List("trips")
	require.NoError(t, err)

	proposalBytes, err := initProposalDigest("trips", stamped, snap.RootHash, participants)
	require.NoError(t, err)

	ch := lab.mux.OpenPointToPoint("airline", "thread-1", testTimeout)
	defer ch.Close()

	proposeEnv, err := lab.mux.NewEnvelope(KindProposeInit, "thread-1", &ProposeInit{
		LedgerName:   "trips",
		Genesis:      stamped,
		RootHash:     snap.RootHash,
		Participants: participants,
		TimeoutMS:    testTimeout.Milliseconds(),
		Envelope:     SignedEnvelope{ParticipantID: "lab", Signature: lab.keys.Sign(proposalBytes)},
	})
	require.NoError(t, err)

	reply, ok, err := ch.Switch(context.Background(), proposeEnv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindPreCommit, reply.Kind)

	digest, err := snapshotDigest(phasePreCommit, snap)
	require.NoError(t, err)

	commitEnv, err := lab.mux.NewEnvelope(KindCommitInit, "thread-1", &CommitInit{
		LedgerName: "trips",
		Signatures: []SignedEnvelope{{ParticipantID: "lab", Signature: lab.keys.Sign(digest)}},
	})
	require.NoError(t, err)

	reply, ok, err = ch.Switch(context.Background(), commitEnv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindProblemReport, reply.Kind)

	err = <-airline.results
	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeRequestProcessingError, p.Code)
	require.False(t, airline.store.Exists("trips"), "failed init must delete the acceptor ledger")
}

func TestCommitCancelledByAbort(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	bus.Attach("airline", nil, nil) // never replies, so the run hangs until cancelled

	_, err := lab.store.Create("trips", []ledger.Transaction{payload("genesis")})
	require.NoError(t, err)

	m := New(Config{
		Keyring: lab.keys,
		Store:   lab.store,
		Mux:     lab.mux,
		Timeout: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = m.Commit(ctx, "trips", []string{"lab", "airline"},
		[]ledger.Transaction{payload("depart")})

	p := AsProblem(err)
	require.NotNil(t, p)
	require.Equal(t, CodeAborted, p.Code)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, Aborted, m.State())

	mine, err := lab.store.Snapshot("trips")
	require.NoError(t, err)
	require.Equal(t, mine.Size, mine.UncommittedSize)
}

func TestMachineIsSingleUse(t *testing.T) {
	bus := transport.NewMemBus()
	lab := newNode(t, bus, "lab")
	airline := newNode(t, bus, "airline")
	link(t, lab, airline)
	lab.bus.Attach(lab.id, lab.mux, nil)
	airline.react(t)

	m := lab.machine()
	_, err := m.InitLedger(context.Background(), "trips",
		[]string{"lab", "airline"}, []ledger.Transaction{payload("genesis")})
	require.NoError(t, err)
	require.NoError(t, <-airline.results)

	_, err = m.Commit(context.Background(), "trips",
		[]string{"lab", "airline"}, []ledger.Transaction{payload("depart")})
	require.Error(t, err)
	require.False(t, IsProblem(err))
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(&transport.Envelope{Kind: "gossip", Payload: []byte("{}")})
	require.Error(t, err)
}
