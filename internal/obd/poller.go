// Package obd implements the OBD-II / ISO-TP poll-table scheduler and
// the poller traffic-state machine (C9): periodic request/response
// polling of one or more CAN buses, ISO-TP reassembly of multi-frame
// replies, and dispatch of completed replies to a vehicle Decoder (C10).
package obd

import (
	"sort"
	"sync"
	"time"

	"ovms.dev/core/internal/canbus"
	"ovms.dev/core/internal/errs"
	"ovms.dev/core/internal/metrics"
)

// PollState selects a column of each table entry's period vector. It
// doubles as the poller's own traffic-lifecycle state: a vehicle decoder
// sees exactly these four phases and tunes its poll periods per phase
// (e.g. polling faster in Charging than in Ready).
type PollState int

const (
	Shutdown PollState = iota
	Alive
	Ready
	Charging
	numPollStates
)

func (s PollState) String() string {
	switch s {
	case Shutdown:
		return "shutdown"
	case Alive:
		return "alive"
	case Ready:
		return "ready"
	case Charging:
		return "charging"
	default:
		return "unknown"
	}
}

// Addressing selects the CAN identifier width a poll entry's request
// uses. It does not affect Entry.TxID/RxID, which already carry the
// full arbitration ID; it is informational, for decoders and future
// transports that need to distinguish 11-bit from 29-bit frames.
type Addressing int

const (
	Standard Addressing = iota
	Extended
)

// Entry is one row of a poll table: a single request, repeated at
// periods[s] ticks while the poller is in PollState s. A zero period
// means "never poll in this state".
type Entry struct {
	Bus         string
	TxID        uint32
	RxID        uint32
	RequestType byte
	PID         uint16
	Periods     [numPollStates]int
	Addressing  Addressing

	offset int // assigned by Table.Install
}

// key identifies one in-flight request/response conversation: the
// poller never has more than one outstanding request per (bus, rxID) at
// a time, so reassembly state and throttling are both keyed on it.
type key struct {
	bus  string
	rxID uint32
}

// Table holds the installed poll entries and their round-robin offsets.
type Table struct {
	entries []*Entry
}

// NewTable returns an empty poll table.
func NewTable() *Table { return &Table{} }

// Install replaces the table's entries, assigning each a round-robin
// offset (its index in installation order) so that entries sharing a
// period spread their fire ticks apart instead of bursting together.
func (t *Table) Install(entries []*Entry) {
	for i, e := range entries {
		e.offset = i
	}
	t.entries = entries
}

// due returns the entries that fire at tick while the poller is in
// state s: those with periods[s] > 0 and (tick - offset) mod period == 0.
func (t *Table) due(tick int, s PollState) []*Entry {
	var out []*Entry
	for _, e := range t.entries {
		p := e.Periods[s]
		if p <= 0 {
			continue
		}
		if mod(tick-e.offset, p) == 0 {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Params tunes the poller's throttling and timing. MaxQueriesPerTick
// bounds how many requests Tick1Hz sends in one pass; entries due but
// not yet sent are deferred to the next tick, preserving table order.
// SilenceShutdown is the quiet period (no frames at all) after which the
// poller drops to Shutdown from any other state. NoResponseShutdown is
// the quiet period (no poll *replies*, though other bus traffic may be
// present) after which Alive or Ready drop to Shutdown.
type Params struct {
	MaxQueriesPerTick  int
	SeparationTime     time.Duration
	SilenceShutdown    time.Duration
	NoResponseShutdown time.Duration
}

// DefaultParams mirrors the original firmware's constants.
func DefaultParams() Params {
	return Params{
		MaxQueriesPerTick:  1,
		SeparationTime:     20 * time.Millisecond,
		SilenceShutdown:    3 * time.Second,
		NoResponseShutdown: 10 * time.Second,
	}
}

// Poller drives the poll table against one or more canbus.Bus transports
// and reassembles ISO-TP responses before handing them to a Decoder.
type Poller struct {
	mu sync.Mutex

	params  Params
	table   *Table
	buses   map[string]canbus.Bus
	decoder Decoder
	reg     *metrics.Registry

	state PollState
	tick  int

	lastFrameAt    time.Time
	lastReplyAt    time.Time
	trafficCounter int

	outstanding  map[key]*Entry
	reassemblers map[key]*reassembler
	pending      []*Entry // due entries deferred by throttling

	stateMetric *metrics.Metric
}

// New returns a Poller with no buses attached; call AddBus for each
// transport the table's entries reference.
func New(table *Table, decoder Decoder, reg *metrics.Registry) *Poller {
	p := &Poller{
		params:       DefaultParams(),
		table:        table,
		buses:        make(map[string]canbus.Bus),
		decoder:      decoder,
		reg:          reg,
		outstanding:  make(map[key]*Entry),
		reassemblers: make(map[key]*reassembler),
	}
	if reg != nil {
		p.stateMetric = reg.Declare("m.obd.state", metrics.TypeString, "", 0)
		p.stateMetric.SetString(p.state.String())
	}
	return p
}

// SetParams overrides the default throttling and timing parameters.
func (p *Poller) SetParams(params Params) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params
}

// AddBus attaches a transport under name (matching Entry.Bus) and
// subscribes the poller's frame handler to it.
func (p *Poller) AddBus(name string, b canbus.Bus) {
	p.mu.Lock()
	p.buses[name] = b
	p.mu.Unlock()
	b.Subscribe(func(f canbus.Frame) { p.OnFrameRx(name, f) })
}

// State returns the poller's current traffic-lifecycle state.
func (p *Poller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnFrameRx is the 10 Hz-rate traffic sample point: every received frame
// on every bus passes through here, whether or not it is a reply this
// poller is waiting for. It feeds ISO-TP reassembly for frames matching
// an outstanding request's rxID and bumps the traffic counters that
// drive Tick1Hz's state transitions.
func (p *Poller) OnFrameRx(bus string, f canbus.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.lastFrameAt = now
	p.trafficCounter++

	if tap, ok := p.decoder.(FrameTap); ok {
		tap.OnFrameRx(bus, f)
	}

	k := key{bus: bus, rxID: f.ID}
	entry, waiting := p.outstanding[k]
	if !waiting {
		return
	}
	r := p.reassemblers[k]
	if r == nil {
		r = &reassembler{}
		p.reassemblers[k] = r
	}
	done, needsFC, payload, err := r.feed(f.Data, now)
	if err != nil {
		delete(p.outstanding, k)
		delete(p.reassemblers, k)
		return
	}
	if needsFC {
		if b := p.buses[bus]; b != nil {
			b.Send(EncodeFlowControl(entry.TxID, byte(p.params.SeparationTime.Milliseconds())))
		}
		return
	}
	if !done {
		return
	}
	delete(p.outstanding, k)
	delete(p.reassemblers, k)
	p.lastReplyAt = now
	p.deliver(bus, entry, payload)
}

func (p *Poller) deliver(bus string, entry *Entry, payload []byte) {
	if p.decoder == nil || len(payload) == 0 {
		return
	}
	if payload[0] == negativeResponseService && len(payload) >= 2 {
		p.decoder.OnPollReply(bus, negativeResponseService, uint16(payload[1]), payload[2:], 0)
		return
	}
	p.decoder.OnPollReply(bus, entry.RequestType, entry.PID, payload, 0)
}

// Tick1Hz advances the poll-table scheduler by one tick, sends due
// requests up to the throttle, times out stale reassemblies, and
// evaluates the SHUTDOWN/ALIVE/READY transitions. CHARGING is entered
// only via SetCharging, since it reflects a vehicle-specific condition
// (plugged in and drawing current) this package has no way to observe on
// its own; it is left via ClearCharging, or for SHUTDOWN when the bus
// falls silent.
func (p *Poller) Tick1Hz(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tick++
	p.expireReassembliesLocked(now)
	p.evaluateStateLocked(now)

	if tick10, ok := p.decoder.(Ticker10Hz); ok {
		tick10.OnTick10Hz()
	}
	if tick1, ok := p.decoder.(Ticker1Hz); ok {
		tick1.OnTick1Hz()
	}

	if p.state == Shutdown {
		return
	}

	due := p.table.due(p.tick, p.state)
	queue := append(p.pending, due...)
	p.pending = nil

	budget := p.params.MaxQueriesPerTick
	var i int
	for i = 0; i < len(queue) && budget > 0; i++ {
		e := queue[i]
		k := key{bus: e.Bus, rxID: e.RxID}
		if _, busy := p.outstanding[k]; busy {
			continue
		}
		if err := p.sendLocked(e); err != nil {
			continue
		}
		budget--
	}
	p.pending = append(p.pending, queue[i:]...)
}

func (p *Poller) sendLocked(e *Entry) error {
	b := p.buses[e.Bus]
	if b == nil {
		return errs.New(errs.ConfigInvalid, "obd.Poller.sendLocked", nil)
	}
	payload := []byte{e.RequestType}
	switch {
	case e.PID > 0xFF:
		payload = append(payload, byte(e.PID>>8), byte(e.PID))
	default:
		payload = append(payload, byte(e.PID))
	}
	frame, err := EncodeSingle(e.TxID, payload)
	if err != nil {
		return err
	}
	if err := b.Send(frame); err != nil {
		return err
	}
	p.outstanding[key{bus: e.Bus, rxID: e.RxID}] = e
	return nil
}

func (p *Poller) expireReassembliesLocked(now time.Time) {
	for k, r := range p.reassemblers {
		if r.timedOut(now) {
			delete(p.reassemblers, k)
			delete(p.outstanding, k)
		}
	}
}

func (p *Poller) evaluateStateLocked(now time.Time) {
	if p.trafficCounter > 0 {
		p.lastFrameAt = now
		p.trafficCounter = 0
	}
	if p.lastFrameAt.IsZero() || now.Sub(p.lastFrameAt) > p.params.SilenceShutdown {
		p.setStateLocked(Shutdown)
		return
	}
	switch p.state {
	case Shutdown:
		p.setStateLocked(Alive)
		p.lastReplyAt = now
	case Alive, Ready:
		if now.Sub(p.lastReplyAt) > p.params.NoResponseShutdown {
			p.setStateLocked(Shutdown)
		}
	}
}

func (p *Poller) setStateLocked(s PollState) {
	if s == p.state {
		return
	}
	p.state = s
	if p.stateMetric != nil {
		p.stateMetric.SetString(s.String())
	}
	if s == Shutdown {
		p.outstanding = make(map[key]*Entry)
		p.reassemblers = make(map[key]*reassembler)
		p.pending = nil
		p.lastReplyAt = time.Time{}
	}
}

// SetReady transitions Alive to Ready, driven by a vehicle decoder that
// has recognized a vehicle-specific "ignition on" signal on the bus.
func (p *Poller) SetReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Alive {
		p.setStateLocked(Ready)
	}
}

// SetCharging forces the Charging poll state; ClearCharging returns to
// Ready. Both are vehicle-decoder-driven since "charging" is not
// observable from generic frame traffic alone.
func (p *Poller) SetCharging() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Ready {
		p.setStateLocked(Charging)
	}
}

func (p *Poller) ClearCharging() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Charging {
		p.setStateLocked(Ready)
	}
}
