// Package mux implements the GSM 07.10-style basic-mode multiplexer (C4)
// that splits a single UART into up to five logical channels: one
// control channel (0) and up to four payload channels opened in order.
package mux

import (
	"sync"
	"time"

	"ovms.dev/core/internal/errs"
	"ovms.dev/core/internal/ringbuf"
)

// State is a channel's (or the mux's, mirroring channel 0) lifecycle
// state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Channel is one logical substream of a Mux.
type Channel struct {
	mux   *Mux
	id    int
	state State
	rx    *ringbuf.Buffer
}

// ID returns the channel's number (0..4).
func (c *Channel) ID() int { return c.id }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return c.state }

// RX returns the channel's inbound ring buffer, filled as UIH frames
// arrive.
func (c *Channel) RX() *ringbuf.Buffer { return c.rx }

// Write sends info as a UIH frame on this channel.
func (c *Channel) Write(info []byte) error {
	return c.mux.writeChannel(c.id, info)
}

// Writer is the byte sink a Mux sends encoded frames to: the modem UART.
type Writer interface {
	Write(p []byte) (int, error)
}

// Mux is a GSM 07.10 basic-mode multiplexer over a single UART.
type Mux struct {
	mu           sync.Mutex
	w            Writer
	maxFrameSize int
	channels     []*Channel // index 0..channelCount

	openchannels  int
	rxframecount  uint64
	txframecount  uint64
	framingerrors uint64
	lastGoodRX    time.Time

	onIncoming func(ch *Channel)

	// decode state
	frame       []byte
	framepos    int
	frameipos   int
	framelen    int
	framemore   bool
}

// New returns a Mux with channelCount payload channels (plus the
// always-present control channel 0), writing encoded frames to w.
func New(w Writer, channelCount int, maxFrameSize int, onIncoming func(ch *Channel)) *Mux {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	m := &Mux{
		w:            w,
		maxFrameSize: maxFrameSize,
		onIncoming:   onIncoming,
		frame:        make([]byte, 0, maxFrameSize+8),
	}
	bufSize := 512
	for i := 0; i <= channelCount; i++ {
		size := bufSize
		if i == channelCount || size < maxFrameSize {
			size = maxFrameSize
		}
		m.channels = append(m.channels, &Channel{mux: m, id: i, rx: ringbuf.New(size)})
	}
	return m
}

// ChannelCount returns the number of payload channels, excluding control
// channel 0.
func (m *Mux) ChannelCount() int { return len(m.channels) - 1 }

// Channel returns channel i, or nil if it does not exist.
func (m *Mux) Channel(i int) *Channel {
	if i < 0 || i >= len(m.channels) {
		return nil
	}
	return m.channels[i]
}

// State mirrors channel 0's lifecycle state.
func (m *Mux) State() State {
	return m.channels[0].state
}

// Counters returns the mux's monotonically increasing diagnostic
// counters.
func (m *Mux) Counters() (rx, tx, framingErrors uint64, lastGood time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxframecount, m.txframecount, m.framingerrors, m.lastGoodRX
}

// IsMuxUp reports whether every configured payload channel (excluding
// control channel 0) is Open.
func (m *Mux) IsMuxUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openchannels == m.ChannelCount()
}

// Startup begins channel negotiation: only channel 0 is opened
// explicitly; subsequent channels cascade open as each predecessor
// reaches Open.
func (m *Mux) Startup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openchannels = 0
	m.framingerrors = 0
	m.rxframecount = 0
	m.txframecount = 0
	for _, c := range m.channels {
		c.state = StateClosed
		c.rx.Reset()
	}
	return m.startChannelLocked(0)
}

// StartChannel sends SABM+P on channel i and marks it Opening. Only
// channel 0 may be started externally; payload channels are cascaded
// automatically as their predecessor opens.
func (m *Mux) StartChannel(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startChannelLocked(i)
}

func (m *Mux) startChannelLocked(i int) error {
	ch := m.Channel(i)
	if ch == nil {
		return errs.New(errs.Fatal, "mux.StartChannel", nil)
	}
	ch.state = StateOpening
	return m.send(encodeControl(i, ctrlSABM))
}

// StopChannel sends a courtesy DISC on channel i. Teardown of the whole
// mux does not require this.
func (m *Mux) StopChannel(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.Channel(i)
	if ch == nil {
		return errs.New(errs.Fatal, "mux.StopChannel", nil)
	}
	ch.state = StateClosing
	return m.send(encodeControl(i, ctrlDISC))
}

func (m *Mux) writeChannel(channel int, info []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.send(EncodeUIH(channel, info))
}

func (m *Mux) send(frame []byte) error {
	if _, err := m.w.Write(frame); err != nil {
		return errs.New(errs.TransientIO, "mux.send", err)
	}
	m.txframecount++
	return nil
}

// Feed decodes p byte by byte, updating channel state and ring buffers,
// and invoking onIncoming for each UIH frame received on an Open
// channel. It is the sole entry point for bytes arriving from the UART.
func (m *Mux) Feed(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range p {
		m.feedByte(b)
	}
}

func (m *Mux) feedByte(b byte) {
	if m.framepos >= cap(m.frame) {
		m.resync("frame overflow")
		return
	}
	if m.framepos == 0 && b != SOF {
		return // skip to start of frame
	}
	if m.framepos == 1 && b == SOF {
		return // SOF SOF: end of previous frame, skip
	}
	m.frame = append(m.frame, b)
	m.framepos++

	if m.framepos == 4 {
		// First length byte, following SOF/addr/control.
		m.framemore = b&ea == 0
		if m.framemore {
			m.framelen = int(b>>1) + m.framepos + 3
		} else {
			m.framelen = int(b>>1) + m.framepos + 2
			m.frameipos = m.framepos
		}
	}
	if m.framepos == 5 && m.framemore {
		m.framelen += int(b) << 7
		m.framemore = false
		m.frameipos = m.framepos
	}

	// framelen includes header and trailer overhead, so this rejects
	// any frame whose info field could possibly exceed maxFrameSize
	// before the whole frame is even buffered.
	if m.frameipos > 0 && m.framelen-m.frameipos-2 > m.maxFrameSize {
		m.resync("frame too large")
		return
	}

	if m.framepos == m.framelen {
		if b == SOF {
			m.processFrame()
		} else {
			m.resync("EOF mismatch")
		}
	}
}

func (m *Mux) resync(reason string) {
	_ = reason
	m.framingerrors++
	m.frame = m.frame[:0]
	m.framepos = 0
	m.frameipos = 0
	m.framelen = 0
	m.framemore = false
}

func (m *Mux) processFrame() {
	// m.frame is [SOF, addr, control, len..., info..., fcs, SOF].
	addr := m.frame[1]
	control := m.frame[2]
	hdr := m.frame[1:m.frameipos]
	recvFCS := m.frame[m.framelen-2]
	if !fcsVerify(hdr, recvFCS) {
		m.resync("fcs mismatch")
		return
	}

	channel := int(addr >> 2)
	info := m.frame[m.frameipos : m.framelen-2]
	m.lastGoodRX = time.Now()
	m.rxframecount++

	ch := m.Channel(channel)
	m.frame = m.frame[:0]
	m.framepos = 0
	m.frameipos = 0
	m.framelen = 0
	m.framemore = false

	if ch == nil {
		return
	}
	wasOpen := ch.state == StateOpen
	m.dispatch(ch, control)
	if wasOpen && control&^pf == ctrlUIH {
		infoCopy := append([]byte(nil), info...)
		ch.rx.PushAll(infoCopy)
		if m.onIncoming != nil {
			m.onIncoming(ch)
		}
	}
}

func (m *Mux) dispatch(ch *Channel, control byte) {
	bare := control &^ pf
	switch ch.state {
	case StateOpening:
		if bare == ctrlUA {
			ch.state = StateOpen
			if ch.id != 0 {
				m.openchannels++
			} else {
				m.channels[0].state = StateOpen
			}
			next := ch.id + 1
			if next <= m.ChannelCount() {
				m.startChannelLocked(next)
			}
		}
	case StateClosing:
		if bare == ctrlUA || bare == ctrlDM {
			ch.state = StateClosed
		}
	}
}
