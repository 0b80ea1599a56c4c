package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/sovmesh/microledger/internal/alert"
	"github.com/sovmesh/microledger/internal/keyring"
	"github.com/sovmesh/microledger/internal/ledger"
	"github.com/sovmesh/microledger/internal/transport"
)

// Config wires a state machine to its collaborators. One machine drives
// exactly one protocol run; callers construct a fresh machine per
// operation and serialize operations per ledger name themselves.
type Config struct {
	Keyring *keyring.Keyring
	Store   *ledger.Store
	Mux     *transport.Mux
	Alerts  *alert.Manager
	Logger  hclog.Logger
	Timeout time.Duration
}

// Machine is the Simple Consensus state machine. The Leader entry points
// are InitLedger and Commit; the Acceptor entry points are AcceptLedger
// and AcceptCommit.
type Machine struct {
	keys    *keyring.Keyring
	store   *ledger.Store
	mux     *transport.Mux
	alerts  *alert.Manager
	log     hclog.Logger
	timeout time.Duration

	mu    sync.Mutex
	state State
}

func New(cfg Config) *Machine {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}

	return &Machine{
		keys:    cfg.Keyring,
		store:   cfg.Store,
		mux:     cfg.Mux,
		alerts:  cfg.Alerts,
		log:     log.Named("consensus"),
		timeout: timeout,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// begin claims the machine for one run. Reusing a machine is a
// programming error, not a protocol failure.
func (m *Machine) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return fmt.Errorf("state machine already used (state %s)", m.state)
	}
	m.state = Proposing
	return nil
}

func (m *Machine) me() string {
	return m.keys.LocalID()
}

func (m *Machine) validateParticipants(participants []string) error {
	if len(participants) < 2 {
		return fmt.Errorf("participant set must have at least 2 members, got %d", len(participants))
	}
	if !contains(participants, m.me()) {
		return fmt.Errorf("local participant %s is not in the participant set", m.me())
	}
	return nil
}

// sender is either a point-to-point channel or a fan-out channel.
type sender interface {
	Send(ctx context.Context, env *transport.Envelope) error
}

// abort runs the rollback path for a failed run: roll back local state,
// transmit the problem to the remote side unless the failure originated
// from a peer's own report, raise the operator alert, and hand the
// problem to the caller.
func (m *Machine) abort(ctx context.Context, name, thread string, out sender, notify bool, rollback func() error, p *Problem) error {
	m.setState(Aborted)

	if rollback != nil {
		if err := rollback(); err != nil {
			m.log.Error("rollback failed", "ledger", name, "error", err)
		}
	}

	if notify && out != nil {
		report := &ProblemReport{Code: p.Code, Explanation: p.Explanation}
		if env, err := m.mux.NewEnvelope(KindProblemReport, thread, report); err == nil {
			if err := out.Send(ctx, env); err != nil {
				m.log.Warn("failed to transmit problem report", "ledger", name, "error", err)
			}
		}
	}

	if m.alerts != nil {
		if err := m.alerts.SendConsensusAlert(name, p.Code, p.Explanation); err != nil {
			m.log.Warn("failed to send alert", "ledger", name, "error", err)
		}
	}

	m.log.Error("protocol run aborted",
		"ledger", name, "thread", thread, "code", p.Code, "explanation", p.Explanation)
	return p
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func others(participants []string, me string) []string {
	out := make([]string, 0, len(participants)-1)
	for _, p := range participants {
		if p != me {
			out = append(out, p)
		}
	}
	return out
}
