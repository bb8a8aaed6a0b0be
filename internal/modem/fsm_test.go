package modem

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"ovms.dev/core/internal/eventbus"
	"ovms.dev/core/internal/metrics"
	"ovms.dev/core/internal/mux"
)

type fakePin struct {
	levels []gpio.Level
}

func (p *fakePin) Out(l gpio.Level) error {
	p.levels = append(p.levels, l)
	return nil
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// chanUART adapts a mux.Channel (whose Write returns only an error) to
// the (int, error) shape the AT façade's UART interface expects.
type chanUART struct{ ch *mux.Channel }

func (u chanUART) Write(p []byte) (int, error) {
	if err := u.ch.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func newTestFSM(t *testing.T) (*FSM, *fakePin, *mux.Mux) {
	t.Helper()
	m := mux.New(nullWriter{}, 4, mux.DefaultMaxFrameSize, nil)
	m.Channel(0).RX() // ensure allocated
	pin := &fakePin{}
	facade := NewFacade(chanUART{m.Channel(0)}, m.Channel(0).RX())
	bus := eventbus.New(16)
	reg := metrics.NewRegistry()
	f := New(pin, facade, m, 3, bus, reg)
	p := DefaultParams()
	p.ATCmdTimeout = 40 * time.Millisecond
	p.PowerOffQuietTicks = 1
	p.PowerPulseTicks = 1
	f.SetParams(p)
	return f, pin, m
}

// feedResponse pushes a terminated AT response onto the control
// channel's ring buffer as if the modem had just sent it. The control
// channel must be Open for the mux to accept UIH frames into its
// buffer, so tests force that directly rather than running the full
// mux handshake.
func feedResponse(m *mux.Mux, lines ...string) {
	for _, l := range lines {
		m.Feed(mux.EncodeUIH(0, []byte(l+"\r\n")))
	}
}

func openControlChannel(m *mux.Mux) {
	m.StartChannel(0)
	m.Feed(mux.EncodeUA(0))
}

func TestCheckPowerOffToPoweredOffOnSilence(t *testing.T) {
	f, pin, _ := newTestFSM(t)
	f.enterLocked(StateCheckPowerOff)
	require.Equal(t, StateCheckPowerOff, f.State())
	f.Tick()
	require.Equal(t, StatePoweredOff, f.State())
	require.Contains(t, pin.levels, gpio.Low)
}

func TestPoweringOnPulseThenIdentify(t *testing.T) {
	f, pin, _ := newTestFSM(t)
	f.enterLocked(StatePoweringOn)
	require.Contains(t, pin.levels, gpio.High)
	f.Tick()
	require.Equal(t, StateIdentify, f.State())
}

func TestIdentifySuccessRebindsDriverAndAdvances(t *testing.T) {
	f, _, m := newTestFSM(t)
	openControlChannel(m)
	f.RegisterDriver(Driver{
		Name:         "sim7600",
		Match:        func(l string) bool { return strings.Contains(l, "SIM7600") },
		KeepaliveCmd: "AT",
	})
	f.enterLocked(StateIdentify)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(1 * time.Millisecond)
		feedResponse(m, "OK")
		time.Sleep(1 * time.Millisecond)
		feedResponse(m, "SIM7600E", "OK")
	}()
	f.Tick()
	<-done

	require.Equal(t, StatePoweredOn, f.State())
	require.Equal(t, "sim7600", f.driver.Name)
}

func TestIdentifyTimeoutEscalatesToPowerOffOnAfterThree(t *testing.T) {
	f, pin, _ := newTestFSM(t)
	f.enterLocked(StateIdentify)

	f.Tick() // no response queued: AT send times out
	require.Equal(t, StateIdentify, f.State())
	f.Tick()
	require.Equal(t, StateIdentify, f.State())
	f.Tick()
	require.Equal(t, StatePowerOffOn, f.State())
	require.Equal(t, gpio.Low, pin.levels[len(pin.levels)-1])

	// One more tick drives PowerOffOn -> PoweringOn, restarting the cycle.
	f.Tick()
	require.Equal(t, StatePoweringOn, f.State())
}

func TestIdentifyRecoversAfterPowerCycle(t *testing.T) {
	f, _, m := newTestFSM(t)
	openControlChannel(m)
	f.enterLocked(StateIdentify)
	for i := 0; i < maxConsecutiveTimeouts; i++ {
		f.Tick()
	}
	require.Equal(t, StatePowerOffOn, f.State())
	f.Tick() // -> PoweringOn
	f.Tick() // pulse elapses -> Identify

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(1 * time.Millisecond)
		feedResponse(m, "OK")
		time.Sleep(1 * time.Millisecond)
		feedResponse(m, "GENERIC", "OK")
	}()
	f.Tick()
	<-done
	require.Equal(t, StatePoweredOn, f.State())
}

func TestMuxStartAdvancesOnceMuxIsUp(t *testing.T) {
	f, _, m := newTestFSM(t)
	f.enterLocked(StateMuxStart)

	for i := 0; i <= m.ChannelCount(); i++ {
		m.Feed(mux.EncodeUA(i))
	}
	f.Tick()
	require.Equal(t, StateNetWait, f.State())
}

func TestNetModeDropsToNetLossWhenPPPGoesDown(t *testing.T) {
	f, _, _ := newTestFSM(t)
	f.ppp.SetUp(true, nil)
	f.enterLocked(StateNetMode)
	f.ppp.SetUp(false, nil)
	f.Tick()
	require.Equal(t, StateNetLoss, f.State())
}

func TestDevelopmentIsAbsorbing(t *testing.T) {
	f, _, _ := newTestFSM(t)
	f.SetDevelopment()
	f.Tick()
	f.Tick()
	require.Equal(t, StateDevelopment, f.State())
}

func TestResumeFromHold(t *testing.T) {
	f, _, _ := newTestFSM(t)
	f.enterLocked(StateNetHold)
	f.ResumeFromHold()
	require.Equal(t, StateNetStart, f.State())
}
