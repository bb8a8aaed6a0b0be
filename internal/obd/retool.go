package obd

import (
	"sync"
	"time"

	"ovms.dev/core/internal/canbus"
)

// REMode selects what the reverse-engineering tool does with bus
// traffic: Discover actively polls a PID sweep and records replies;
// Record passively logs every frame seen on the bus, keyed by arbitration
// ID, without sending anything.
type REMode int

const (
	ModeDiscover REMode = iota
	ModeRecord
)

// REEntry is one discovered PID (Discover mode) or observed frame ID
// (Record mode) and the most recent payload seen for it.
type REEntry struct {
	Key     uint32 // PID in Discover mode, CAN arbitration ID in Record mode
	Payload []byte
	Count   int
	Last    time.Time
}

// RETool is the CLI's "re" command family: a one-at-a-time PID sweep or
// a passive traffic recorder, used to characterize an unknown vehicle's
// CAN bus before a proper vehicle.Decoder is written for it. It shares
// the poller's transport (canbus.Bus) but bypasses Table/Poller
// entirely, since it has no fixed set of PIDs to ask for.
type RETool struct {
	mu sync.Mutex

	bus        canbus.Bus
	busName    string
	txID, rxID uint32
	addressing Addressing
	mode       REMode
	key        []byte

	running bool
	sweep   uint16 // next PID the discover sweep will ask for
	entries map[uint32]*REEntry
}

// NewRETool returns an idle tool in Discover/Standard mode.
func NewRETool() *RETool {
	return &RETool{entries: make(map[uint32]*REEntry)}
}

// Start attaches the tool to bus under name, targeting txID/rxID, and
// begins sweeping or recording depending on the configured mode.
func (t *RETool) Start(bus canbus.Bus, name string, txID, rxID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bus = bus
	t.busName = name
	t.txID, t.rxID = txID, rxID
	t.sweep = 0
	t.running = true
	bus.Subscribe(func(f canbus.Frame) { t.onFrame(f) })
}

// Stop halts the sweep/recording without clearing discovered entries.
func (t *RETool) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
}

// Clear discards every discovered entry.
func (t *RETool) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint32]*REEntry)
	t.sweep = 0
}

// List returns discovered entries sorted by key.
func (t *RETool) List() []REEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]REEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort32(out)
	return out
}

func sort32(out []REEntry) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Key > out[j].Key; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
}

// SetKey stores security-access key bytes, matching "re key set" in
// spec.md §6. The key is only stored: the sweep sends no
// security-access request.
func (t *RETool) SetKey(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.key = append([]byte(nil), key...)
}

// SetAddressing records 11-bit standard or 29-bit extended addressing,
// matching "re obdii standard|extended". The value is informational:
// the sweep frames every request the same way regardless of it.
func (t *RETool) SetAddressing(a Addressing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addressing = a
}

// SetMode switches between active discovery and passive recording,
// matching "re mode discover|record".
func (t *RETool) SetMode(m REMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = m
	t.sweep = 0
}

// Tick1Hz advances the discover sweep by one PID per tick, sending one
// request per tick without waiting for the previous one's reply.
// It is a no-op in Record mode or while stopped.
func (t *RETool) Tick1Hz(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.mode != ModeDiscover || t.bus == nil {
		return
	}
	payload := []byte{0x22, byte(t.sweep >> 8), byte(t.sweep)}
	frame, err := EncodeSingle(t.txID, payload)
	if err == nil {
		t.bus.Send(frame)
	}
	t.sweep++
	if t.sweep > 0xFFFF {
		t.sweep = 0
	}
}

func (t *RETool) onFrame(f canbus.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	var key uint32
	switch t.mode {
	case ModeDiscover:
		if f.ID != t.rxID || len(f.Data) < 3 {
			return
		}
		key = uint32(f.Data[1])<<8 | uint32(f.Data[2])
	case ModeRecord:
		key = f.ID
	}
	e := t.entries[key]
	if e == nil {
		e = &REEntry{Key: key}
		t.entries[key] = e
	}
	e.Payload = append([]byte(nil), f.Data...)
	e.Count++
	e.Last = time.Now()
}
