package obd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ovms.dev/core/internal/canbus"
)

type reFakeBus struct {
	sent []canbus.Frame
	sub  func(canbus.Frame)
}

func (b *reFakeBus) Send(f canbus.Frame) error      { b.sent = append(b.sent, f); return nil }
func (b *reFakeBus) Subscribe(fn func(canbus.Frame)) { b.sub = fn }
func (b *reFakeBus) Close() error                    { return nil }

func TestREToolDiscoverSweepsAndRecordsReplies(t *testing.T) {
	tool := NewRETool()
	bus := &reFakeBus{}
	tool.Start(bus, "hvcan", 0x6F1, 0x607)

	tool.Tick1Hz(time.Now())
	require.Len(t, bus.sent, 1)
	require.Equal(t, uint32(0x6F1), bus.sent[0].ID)
	require.Equal(t, []byte{0x03, 0x22, 0x00, 0x00}, bus.sent[0].Data)

	bus.sub(canbus.Frame{ID: 0x607, Data: []byte{0x62, 0x00, 0x00, 0xAB}})

	entries := tool.List()
	require.Len(t, entries, 1)
	require.Equal(t, uint32(0), entries[0].Key)
	require.Equal(t, 1, entries[0].Count)
}

func TestREToolIgnoresFramesFromOtherRxID(t *testing.T) {
	tool := NewRETool()
	bus := &reFakeBus{}
	tool.Start(bus, "hvcan", 0x6F1, 0x607)
	bus.sub(canbus.Frame{ID: 0x608, Data: []byte{0x62, 0x00, 0x00}})
	require.Empty(t, tool.List())
}

func TestREToolRecordModeKeysByFrameID(t *testing.T) {
	tool := NewRETool()
	tool.SetMode(ModeRecord)
	bus := &reFakeBus{}
	tool.Start(bus, "hvcan", 0x6F1, 0x607)

	bus.sub(canbus.Frame{ID: 0x123, Data: []byte{0x01, 0x02}})
	bus.sub(canbus.Frame{ID: 0x123, Data: []byte{0x03, 0x04}})
	bus.sub(canbus.Frame{ID: 0x456, Data: []byte{0x05}})

	entries := tool.List()
	require.Len(t, entries, 2)
	require.Equal(t, uint32(0x123), entries[0].Key)
	require.Equal(t, 2, entries[0].Count)
	require.Equal(t, []byte{0x03, 0x04}, entries[0].Payload)
}

func TestREToolClearResetsEntriesAndSweep(t *testing.T) {
	tool := NewRETool()
	bus := &reFakeBus{}
	tool.Start(bus, "hvcan", 0x6F1, 0x607)
	bus.sub(canbus.Frame{ID: 0x607, Data: []byte{0x62, 0x00, 0x00, 0xAB}})
	require.NotEmpty(t, tool.List())

	tool.Clear()
	require.Empty(t, tool.List())
}

func TestREToolStopHaltsSweep(t *testing.T) {
	tool := NewRETool()
	bus := &reFakeBus{}
	tool.Start(bus, "hvcan", 0x6F1, 0x607)
	tool.Stop()
	tool.Tick1Hz(time.Now())
	require.Empty(t, bus.sent)
}
