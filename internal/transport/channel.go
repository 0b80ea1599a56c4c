package transport

import (
	"context"
	"sync"
	"time"
)

// Channel is a point-to-point correlated channel: it talks to exactly
// one peer under exactly one thread id.
type Channel struct {
	mux     *Mux
	peer    string
	thread  string
	timeout time.Duration
	inbox   chan *Envelope
	abort   chan struct{}
	once    sync.Once
}

func (c *Channel) Peer() string {
	return c.peer
}

func (c *Channel) Thread() string {
	return c.thread
}

// Send posts an envelope to the bound peer, fire-and-forget.
func (c *Channel) Send(ctx context.Context, env *Envelope) error {
	out := *env
	out.To = c.peer
	return c.mux.out.Post(ctx, c.peer, &out)
}

// Switch sends an envelope and blocks for exactly one correlated reply.
// A timeout is reported as ok=false with a nil error; an abort as
// ErrAborted.
func (c *Channel) Switch(ctx context.Context, env *Envelope) (*Envelope, bool, error) {
	return c.SwitchTimeout(ctx, env, c.timeout)
}

// SwitchTimeout is Switch with a per-invocation timeout override.
func (c *Channel) SwitchTimeout(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, bool, error) {
	if err := c.Send(ctx, env); err != nil {
		return nil, false, err
	}
	return c.wait(ctx, timeout)
}

// GetOne blocks for the next correlated inbound envelope. Used by the
// reactive side to receive follow-up phases.
func (c *Channel) GetOne(ctx context.Context) (*Envelope, bool, error) {
	return c.wait(ctx, c.timeout)
}

// GetOneTimeout is GetOne with a per-invocation timeout override.
func (c *Channel) GetOneTimeout(ctx context.Context, timeout time.Duration) (*Envelope, bool, error) {
	return c.wait(ctx, timeout)
}

func (c *Channel) wait(ctx context.Context, timeout time.Duration) (*Envelope, bool, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-c.inbox:
		return env, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-c.abort:
		return nil, false, ErrAborted
	case <-ctx.Done():
		return nil, false, ErrAborted
	}
}

// Abort unblocks any in-flight wait with ErrAborted. Safe to call from
// another goroutine and more than once.
func (c *Channel) Abort() {
	c.once.Do(func() { close(c.abort) })
}

// Close releases the correlation slot. The channel must not be used
// afterwards.
func (c *Channel) Close() {
	c.mux.release(c.thread, c.peer)
}

// Result is one peer's slot in a fan-out exchange. OK is false when the
// peer did not reply within the timeout or could not be reached.
type Result struct {
	OK    bool
	Reply *Envelope
}

// FanOut is a correlated channel bound to an ordered list of peers under
// one thread id.
type FanOut struct {
	peers    []string
	channels map[string]*Channel
}

func (f *FanOut) Peers() []string {
	return f.peers
}

// Send posts an envelope to every peer, fire-and-forget. The first
// delivery error is returned after all peers were attempted.
func (f *FanOut) Send(ctx context.Context, env *Envelope) error {
	var firstErr error
	for _, peer := range f.peers {
		if err := f.channels[peer].Send(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Switch delivers the envelope to every peer and waits concurrently and
// independently per peer: a silent peer yields an ok=false slot without
// delaying the others, and the call returns only once every peer has
// either replied or timed out. An abort terminates the whole exchange
// with ErrAborted.
func (f *FanOut) Switch(ctx context.Context, env *Envelope) (map[string]Result, error) {
	return f.SwitchTimeout(ctx, env, 0)
}

// SwitchTimeout is Switch with a per-invocation timeout override.
func (f *FanOut) SwitchTimeout(ctx context.Context, env *Envelope, timeout time.Duration) (map[string]Result, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Result, len(f.peers))
		aborted bool
	)

	for _, peer := range f.peers {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()

			reply, ok, err := ch.SwitchTimeout(ctx, env, timeout)

			mu.Lock()
			defer mu.Unlock()
			if err == ErrAborted {
				aborted = true
				return
			}
			// Delivery errors count as an unreachable peer, not a
			// failure of the aggregate call.
			if err != nil {
				results[ch.peer] = Result{}
				return
			}
			results[ch.peer] = Result{OK: ok, Reply: reply}
		}(f.channels[peer])
	}
	wg.Wait()

	if aborted {
		return nil, ErrAborted
	}
	return results, nil
}

// Abort unblocks every in-flight per-peer wait.
func (f *FanOut) Abort() {
	for _, ch := range f.channels {
		ch.Abort()
	}
}

// Close releases every per-peer correlation slot.
func (f *FanOut) Close() {
	for _, ch := range f.channels {
		ch.Close()
	}
}
