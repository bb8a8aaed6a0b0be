// Package ppp wraps a mux data channel (C4) as a point-to-point IP link
// (C5). The mux framer already guarantees FIFO, frame-aligned delivery
// of the raw bytes a PPP implementation expects on the wire; this
// package only tracks connection state and exposes that channel as an
// io.ReadWriteCloser plus a small status surface the modem FSM polls.
package ppp

import (
	"io"
	"sync"
	"time"

	"ovms.dev/core/internal/errs"
	"ovms.dev/core/internal/mux"
)

// Status summarizes the link for the modem FSM's NetMode/NetLoss
// transitions.
type Status struct {
	Up        bool
	LastError error
	Since     time.Time
}

// Link adapts a mux.Channel to io.ReadWriteCloser semantics and tracks
// whether PPP negotiation on it is currently considered up. Deciding
// "up" is the caller's responsibility (a real lwIP-style PPP stack would
// drive this from LCP/IPCP state); Link only stores and reports it so
// the FSM has one place to look.
type Link struct {
	ch *mux.Channel

	mu     sync.Mutex
	status Status
}

// New wraps ch as a PPP link. It does not check the channel's state;
// modem.New constructs its Link before the mux has been started.
func New(ch *mux.Channel) *Link {
	return &Link{ch: ch}
}

// Read pulls bytes the mux framer has already demultiplexed onto this
// channel's ring buffer.
func (l *Link) Read(p []byte) (int, error) {
	n := l.ch.RX().Pop(p)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write sends p as a UIH frame on the underlying channel.
func (l *Link) Write(p []byte) (int, error) {
	if err := l.ch.Write(p); err != nil {
		return 0, errs.New(errs.TransientIO, "ppp.Write", err)
	}
	return len(p), nil
}

// Close marks the link down. The mux channel itself is torn down by the
// modem FSM, not by the link.
func (l *Link) Close() error {
	l.SetUp(false, nil)
	return nil
}

// SetUp records the link's up/down state, as driven by PPP negotiation
// events (LCP/IPCP up, or a carrier-loss notification).
func (l *Link) SetUp(up bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Up = up
	l.status.LastError = err
	if up {
		l.status.Since = time.Now()
	}
}

// Status returns a snapshot of the link's current state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}
