package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const maxFrameSize = 4 << 20

// TCPBus delivers envelopes between processes as length-prefixed JSON
// frames, one connection per posted envelope. It implements Outbound for
// the local mux and feeds inbound frames through Mux.Dispatch, handing
// unclaimed envelopes to the configured handler.
type TCPBus struct {
	bind  string
	addrs map[string]string
	log   hclog.Logger

	mu       sync.Mutex
	listener net.Listener

	dialer net.Dialer
}

// NewTCPBus creates a bus listening on bind, with addrs mapping peer id
// to dial address.
func NewTCPBus(bind string, addrs map[string]string, log hclog.Logger) *TCPBus {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &TCPBus{
		bind:   bind,
		addrs:  addrs,
		log:    log.Named("tcpbus"),
		dialer: net.Dialer{Timeout: 10 * time.Second},
	}
}

func (b *TCPBus) Post(ctx context.Context, peer string, env *Envelope) error {
	addr, ok := b.addrs[peer]
	if !ok {
		return fmt.Errorf("no address for peer: %s", peer)
	}

	conn, err := b.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", peer, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	return writeFrame(conn, env)
}

// Serve accepts connections and routes inbound envelopes until the
// context is cancelled. Envelopes not claimed by an open channel are
// handed to unclaimed on their own goroutine.
func (b *TCPBus) Serve(ctx context.Context, mux *Mux, unclaimed func(*Envelope)) error {
	listener, err := net.Listen("tcp", b.bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.bind, err)
	}

	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		go b.handleConn(conn, mux, unclaimed)
	}
}

// Addr returns the bound listen address, useful when binding to port 0.
func (b *TCPBus) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return b.bind
	}
	return b.listener.Addr().String()
}

func (b *TCPBus) handleConn(conn net.Conn, mux *Mux, unclaimed func(*Envelope)) {
	defer conn.Close()

	for {
		env, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				b.log.Warn("failed to read frame", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		if !mux.Dispatch(env) && unclaimed != nil {
			go unclaimed(env)
		}
	}
}

func writeFrame(w io.Writer, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(data)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (*Envelope, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr)
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
