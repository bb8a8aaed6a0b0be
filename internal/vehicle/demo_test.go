package vehicle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ovms.dev/core/internal/canbus"
	"ovms.dev/core/internal/metrics"
	"ovms.dev/core/internal/obd"
)

func TestOnPollReplyDecodesHVVoltageCurrentAndSOC(t *testing.T) {
	reg := metrics.NewRegistry()
	d := NewBMWi3Demo(reg, nil)

	// HV voltage: raw 39950 -> 399.50 V
	d.OnPollReply(busHVCAN, 0x22, pidHVVoltage, []byte{0x9C, 0x0E}, 0)
	require.InDelta(t, 399.50, reg.Get("m.v.b.voltage").Float(), 1e-6)

	// HV current: raw 500 (0x1F4) -> 5.00 A, negated to -5.00 A per the
	// sign convention the original applies (positive current = draw).
	d.OnPollReply(busHVCAN, 0x22, pidHVCurrent, []byte{0x00, 0x00, 0x01, 0xF4}, 0)
	require.InDelta(t, -5.00, reg.Get("m.v.b.current").Float(), 1e-6)
	require.InDelta(t, -5.00*399.50/1000.0, reg.Get("m.v.b.power").Float(), 1e-6)

	// SOC: actual 650 (65.0%), max 700 (70.0%), min 100 (10.0%)
	d.OnPollReply(busHVCAN, 0x22, pidSOC, []byte{0x02, 0x8A, 0x02, 0xBC, 0x00, 0x64}, 0)
	require.InDelta(t, 65.0, reg.Get("m.v.b.soc").Float(), 1e-6)
	require.InDelta(t, 70.0, reg.Get("m.v.b.soc.max").Float(), 1e-6)
	require.InDelta(t, 10.0, reg.Get("m.v.b.soc.min").Float(), 1e-6)
}

func TestOnPollReplyLeavesLEDLadestatusRaw(t *testing.T) {
	reg := metrics.NewRegistry()
	d := NewBMWi3Demo(reg, nil)
	d.OnPollReply(busHVCAN, 0x22, pidLEDLadestatus, []byte{0x05}, 0)
	require.Equal(t, int64(5), reg.Get("m.v.c.ledladestatus.raw").Int())
}

func TestOnPollReplyIgnoresShortPayloadWithoutPanicking(t *testing.T) {
	reg := metrics.NewRegistry()
	d := NewBMWi3Demo(reg, nil)
	d.OnPollReply(busHVCAN, 0x22, pidSOC, []byte{0x00}, 0)
	require.Equal(t, 0.0, reg.Get("m.v.b.soc").Float())
}

func TestOnPollReplyNegativeResponseDoesNotTouchMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	d := NewBMWi3Demo(reg, nil)
	d.OnPollReply(busHVCAN, 0x7F, 0x22, []byte{0x31}, 0)
	require.Equal(t, 0.0, reg.Get("m.v.b.soc").Float())
}

type fakeBus struct{ sent []canbus.Frame }

func (b *fakeBus) Send(f canbus.Frame) error { b.sent = append(b.sent, f); return nil }
func (b *fakeBus) Subscribe(func(canbus.Frame)) {}
func (b *fakeBus) Close() error                 { return nil }

// TestBuildPollTableWiresIntoPoller exercises the demo decoder end to
// end through an obd.Poller: once the poller reaches ALIVE at tick 1, the HV-current entry (offset 1, period 2) must fire
// on a table built from BuildPollTable.
func TestBuildPollTableWiresIntoPoller(t *testing.T) {
	table := obd.NewTable()
	table.Install(BuildPollTable())

	reg := metrics.NewRegistry()
	d := NewBMWi3Demo(reg, nil)
	p := obd.New(table, d, reg)
	bus := &fakeBus{}
	p.AddBus(busHVCAN, bus)

	now := time.Now()
	p.OnFrameRx(busHVCAN, canbus.Frame{ID: 0x999})
	p.Tick1Hz(now)

	require.NotEmpty(t, bus.sent)
}
