package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrAborted is returned from a blocked wait that was cancelled via
// Abort or context cancellation. It is distinguishable from a timeout,
// which is reported as ok=false with a nil error.
var ErrAborted = errors.New("transport: wait aborted")

// DefaultTimeout bounds a correlated wait when no explicit timeout is
// configured.
const DefaultTimeout = 60 * time.Second

// Envelope is the wire unit exchanged between peers. Thread is the
// correlation id scoping one protocol run; replies carry the thread of
// the message they answer so the mux can route them.
type Envelope struct {
	Kind    string          `json:"kind"`
	Thread  string          `json:"thread"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the delivery half of the external bus: it posts one
// envelope to one peer. Implementations must be safe for concurrent use.
type Outbound interface {
	Post(ctx context.Context, peer string, env *Envelope) error
}

// Mux owns the correlation table for one node: inbound envelopes are
// routed to the channel waiting on (thread, peer), or reported as
// unclaimed so the application can start a reactive protocol run.
type Mux struct {
	me  string
	out Outbound
	log hclog.Logger

	mu      sync.Mutex
	inboxes map[string]chan *Envelope
}

func NewMux(me string, out Outbound, log hclog.Logger) *Mux {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Mux{
		me:      me,
		out:     out,
		log:     log.Named("mux"),
		inboxes: make(map[string]chan *Envelope),
	}
}

func (m *Mux) Me() string {
	return m.me
}

// NewEnvelope builds an envelope from the local identity with the
// payload marshaled to JSON.
func (m *Mux) NewEnvelope(kind, thread string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Envelope{
		Kind:    kind,
		Thread:  thread,
		From:    m.me,
		Payload: raw,
	}, nil
}

// Dispatch routes an inbound envelope to the channel waiting on its
// thread and sender. Returns false if no channel claimed it; the caller
// then owns the envelope (first-phase message for the reactive side).
func (m *Mux) Dispatch(env *Envelope) bool {
	m.mu.Lock()
	inbox, ok := m.inboxes[routeKey(env.Thread, env.From)]
	m.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case inbox <- env:
	default:
		m.log.Warn("inbox full, dropping envelope",
			"thread", env.Thread, "from", env.From, "kind", env.Kind)
	}
	return true
}

// OpenPointToPoint opens a channel bound to one peer and one thread for
// the life of the channel.
func (m *Mux) OpenPointToPoint(peer, thread string, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ch := &Channel{
		mux:     m,
		peer:    peer,
		thread:  thread,
		timeout: timeout,
		inbox:   make(chan *Envelope, 8),
		abort:   make(chan struct{}),
	}

	m.mu.Lock()
	m.inboxes[routeKey(thread, peer)] = ch.inbox
	m.mu.Unlock()

	return ch
}

// OpenFanOut opens a channel bound to an ordered peer list and one
// thread. Each peer gets its own correlated inbox.
func (m *Mux) OpenFanOut(peers []string, thread string, timeout time.Duration) *FanOut {
	f := &FanOut{
		peers:    append([]string(nil), peers...),
		channels: make(map[string]*Channel, len(peers)),
	}
	for _, peer := range peers {
		f.channels[peer] = m.OpenPointToPoint(peer, thread, timeout)
	}
	return f
}

func (m *Mux) release(thread, peer string) {
	m.mu.Lock()
	delete(m.inboxes, routeKey(thread, peer))
	m.mu.Unlock()
}

func routeKey(thread, peer string) string {
	return thread + "/" + peer
}
