package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoNode attaches a node to the bus that answers every unclaimed
// envelope with a reply of the given kind after an optional delay. The
// handler runs off the test goroutine, so failures surface as timeouts
// on the waiting side instead of assertions.
func echoNode(t *testing.T, bus *MemBus, id, replyKind string, delay time.Duration) *Mux {
	t.Helper()

	mux := NewMux(id, bus, nil)
	bus.Attach(id, mux, func(env *Envelope) {
		if delay > 0 {
			time.Sleep(delay)
		}
		reply, err := mux.NewEnvelope(replyKind, env.Thread, map[string]string{"echo": env.Kind})
		if err != nil {
			return
		}
		_ = bus.Post(context.Background(), env.From, reply)
	})
	return mux
}

func TestSwitchReceivesCorrelatedReply(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)
	echoNode(t, bus, "peer", "ack", 0)

	ch := leader.OpenPointToPoint("peer", "thread-1", time.Second)
	defer ch.Close()

	env, err := leader.NewEnvelope("ping", "thread-1", nil)
	require.NoError(t, err)

	reply, ok, err := ch.Switch(context.Background(), env)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ack", reply.Kind)
	require.Equal(t, "thread-1", reply.Thread)
	require.Equal(t, "peer", reply.From)
}

func TestSwitchTimeoutIsNotAnError(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)
	bus.Attach("silent", nil, nil)

	ch := leader.OpenPointToPoint("silent", "thread-1", 50*time.Millisecond)
	defer ch.Close()

	env, err := leader.NewEnvelope("ping", "thread-1", nil)
	require.NoError(t, err)

	start := time.Now()
	reply, ok, err := ch.Switch(context.Background(), env)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, reply)
	require.Less(t, time.Since(start), time.Second)
}

func TestDispatchIgnoresForeignThread(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)

	ch := leader.OpenPointToPoint("peer", "thread-1", time.Second)
	defer ch.Close()

	claimed := leader.Dispatch(&Envelope{Kind: "ack", Thread: "thread-2", From: "peer"})
	require.False(t, claimed)

	claimed = leader.Dispatch(&Envelope{Kind: "ack", Thread: "thread-1", From: "other"})
	require.False(t, claimed)

	claimed = leader.Dispatch(&Envelope{Kind: "ack", Thread: "thread-1", From: "peer"})
	require.True(t, claimed)
}

func TestFanOutIndependence(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)
	echoNode(t, bus, "fast", "ack", 0)
	bus.Attach("slow", nil, nil)

	fanout := leader.OpenFanOut([]string{"fast", "slow"}, "thread-1", 200*time.Millisecond)
	defer fanout.Close()

	env, err := leader.NewEnvelope("ping", "thread-1", nil)
	require.NoError(t, err)

	start := time.Now()
	results, err := fanout.Switch(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.True(t, results["fast"].OK)
	require.Equal(t, "ack", results["fast"].Reply.Kind)
	require.False(t, results["slow"].OK)
	require.Nil(t, results["slow"].Reply)

	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

func TestFanOutUnknownPeerSlotFails(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)
	echoNode(t, bus, "known", "ack", 0)

	fanout := leader.OpenFanOut([]string{"known", "missing"}, "thread-1", 200*time.Millisecond)
	defer fanout.Close()

	env, err := leader.NewEnvelope("ping", "thread-1", nil)
	require.NoError(t, err)

	results, err := fanout.Switch(context.Background(), env)
	require.NoError(t, err)
	require.True(t, results["known"].OK)
	require.False(t, results["missing"].OK)
}

func TestAbortUnblocksWaitQuickly(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)
	bus.Attach("silent", nil, nil)

	ch := leader.OpenPointToPoint("silent", "thread-1", time.Minute)
	defer ch.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := ch.GetOne(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Abort()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("Abort did not unblock the wait")
	}
}

func TestAbortTerminatesFanOutSwitch(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)
	bus.Attach("silent", nil, nil)

	fanout := leader.OpenFanOut([]string{"silent"}, "thread-1", time.Minute)
	defer fanout.Close()

	env, err := leader.NewEnvelope("ping", "thread-1", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := fanout.Switch(context.Background(), env)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	fanout.Abort()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("Abort did not unblock the fan-out switch")
	}
}

func TestContextCancelBehavesLikeAbort(t *testing.T) {
	bus := NewMemBus()
	leader := NewMux("leader", bus, nil)
	bus.Attach("leader", leader, nil)
	bus.Attach("silent", nil, nil)

	ch := leader.OpenPointToPoint("silent", "thread-1", time.Minute)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := ch.GetOne(ctx)
	require.ErrorIs(t, err, ErrAborted)
}
