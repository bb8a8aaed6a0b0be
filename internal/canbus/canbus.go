// Package canbus adapts the two transports the OBD-II poller (C9) can run
// over onto a single frame shape: a native SocketCAN interface via
// github.com/brutella/can, and a serial ELM327-style USB-CAN adapter via
// github.com/tarm/serial. Both satisfy Bus, so the poller never knows
// which transport it is driving.
package canbus

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/can"
	"github.com/tarm/serial"

	"ovms.dev/core/internal/errs"
)

// Frame is a classic (non-FD) CAN frame: up to 8 data bytes addressed by
// an 11- or 29-bit identifier. It is the only frame shape internal/obd
// deals in, independent of transport.
type Frame struct {
	ID   uint32
	Data []byte
}

// Bus is anything the OBD-II poller can publish requests to and receive
// responses from.
type Bus interface {
	Send(f Frame) error
	// Subscribe registers fn to be called on its own goroutine for every
	// received frame until the bus is closed.
	Subscribe(fn func(Frame))
	Close() error
}

// SocketCANBus wraps a native SocketCAN interface (can0, vcan0, ...).
type SocketCANBus struct {
	bus *can.Bus
	mu  sync.Mutex
	fns []func(Frame)
}

type handlerFunc func(can.Frame)

func (h handlerFunc) Handle(f can.Frame) { h(f) }

// NewSocketCANBus opens iface (e.g. "can0") via brutella/can and starts
// its receive loop.
func NewSocketCANBus(iface string) (*SocketCANBus, error) {
	b, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "canbus.NewSocketCANBus", err)
	}
	sb := &SocketCANBus{bus: b}
	b.Subscribe(handlerFunc(sb.dispatch))
	go func() {
		if err := b.ConnectAndPublish(); err != nil {
			return
		}
	}()
	return sb, nil
}

func (sb *SocketCANBus) dispatch(f can.Frame) {
	data := make([]byte, len(f.Data))
	copy(data, f.Data[:])
	frame := Frame{ID: uint32(f.ID), Data: data}

	sb.mu.Lock()
	fns := append([]func(Frame)(nil), sb.fns...)
	sb.mu.Unlock()
	for _, fn := range fns {
		fn(frame)
	}
}

// Send publishes f on the bus, zero-padding Data to 8 bytes as classic
// CAN requires.
func (sb *SocketCANBus) Send(f Frame) error {
	var data [8]byte
	copy(data[:], f.Data)
	err := sb.bus.Publish(can.Frame{ID: uint32(f.ID), Data: data, Flags: 0})
	if err != nil {
		return errs.New(errs.TransientIO, "canbus.SocketCANBus.Send", err)
	}
	return nil
}

// Subscribe registers fn for every received frame.
func (sb *SocketCANBus) Subscribe(fn func(Frame)) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.fns = append(sb.fns, fn)
}

// Close disconnects the underlying SocketCAN socket.
func (sb *SocketCANBus) Close() error {
	return sb.bus.Disconnect()
}

// SerialAdapter drives an ELM327-style USB-CAN dongle over a serial
// port: AT-command initialization, then ATMA-style monitor mode parsed
// line by line. It is deliberately minimal — the ELM327 AT-command
// dialect it needs is a small, fixed subset, unlike the modem's open
// command surface in internal/modem.
type SerialAdapter struct {
	port *serial.Port
	r    *bufio.Reader

	mu  sync.Mutex
	fns []func(Frame)

	done chan struct{}
}

// NewSerialAdapter opens device at baud, initializes the ELM327 for raw
// CAN passthrough (echo off, headers on, linefeeds off) and starts its
// receive loop.
func NewSerialAdapter(device string, baud int) (*SerialAdapter, error) {
	cfg := &serial.Config{Name: device, Baud: baud, ReadTimeout: time.Second}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "canbus.NewSerialAdapter", err)
	}
	sa := &SerialAdapter{port: port, r: bufio.NewReader(port), done: make(chan struct{})}
	for _, cmd := range []string{"ATZ", "ATE0", "ATH1", "ATL0", "ATS0", "ATMA"} {
		if _, err := port.Write([]byte(cmd + "\r")); err != nil {
			port.Close()
			return nil, errs.New(errs.TransientIO, "canbus.NewSerialAdapter", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	go sa.readLoop()
	return sa, nil
}

func (sa *SerialAdapter) readLoop() {
	for {
		select {
		case <-sa.done:
			return
		default:
		}
		line, err := sa.r.ReadString('\r')
		if err != nil {
			continue
		}
		f, ok := parseELM327Line(line)
		if !ok {
			continue
		}
		sa.mu.Lock()
		fns := append([]func(Frame)(nil), sa.fns...)
		sa.mu.Unlock()
		for _, fn := range fns {
			fn(f)
		}
	}
}

// parseELM327Line decodes one line of ATMA monitor output, of the form
// "7E8 8 03 41 0C 1A F8 00 00 00" (header id, length, then data bytes in
// hex) as emitted with ATH1 headers enabled.
func parseELM327Line(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Frame{}, false
	}
	id, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return Frame{}, false
	}
	var data []byte
	for _, f := range fields[2:] {
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Frame{}, false
		}
		data = append(data, byte(b))
	}
	return Frame{ID: uint32(id), Data: data}, true
}

// Send emits f as a raw hex CAN send command ("ID#DATA\r") in the
// dialect ATSH/ATMA-configured ELM327 clones accept.
func (sa *SerialAdapter) Send(f Frame) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%X#", f.ID)
	for _, b := range f.Data {
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte('\r')
	if _, err := sa.port.Write([]byte(sb.String())); err != nil {
		return errs.New(errs.TransientIO, "canbus.SerialAdapter.Send", err)
	}
	return nil
}

// Subscribe registers fn for every received frame.
func (sa *SerialAdapter) Subscribe(fn func(Frame)) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.fns = append(sa.fns, fn)
}

// Close stops the read loop and closes the serial port.
func (sa *SerialAdapter) Close() error {
	close(sa.done)
	return sa.port.Close()
}
