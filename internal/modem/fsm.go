package modem

import (
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"ovms.dev/core/internal/eventbus"
	"ovms.dev/core/internal/metrics"
	"ovms.dev/core/internal/mux"
	"ovms.dev/core/internal/ppp"
)

// PowerPin is the GPIO output driving the modem's power-enable line.
// periph.io/x/conn/v3/gpio.PinOut satisfies this directly.
type PowerPin interface {
	Out(l gpio.Level) error
}

// Params tunes the FSM's per-state timeouts. Tick counts gate how long a
// state waits for an asynchronous condition (mux up, network registered,
// PPP up); ATCmdTimeout bounds each individual AT command's round trip,
// set short in tests so three consecutive Identify timeouts don't cost
// six seconds (three times the 2 s default) of wall clock.
type Params struct {
	PowerOffQuietTicks int // CheckPowerOff: consecutive silent ticks before PoweredOff
	PowerPulseTicks    int // PoweringOn: ticks spent after asserting the power pin, before Identify
	MuxStartTicks      int // MuxStart: ticks to wait for is_mux_up()
	NetWaitTicks       int // NetWait: ticks to wait for any registration
	NetStartTicks      int // NetStart: ticks to wait for PPP up
	StatusPollTicks    int // NetMode: ticks between status polls (K)
	ATCmdTimeout       time.Duration
}

// DefaultParams mirrors the original firmware's defaults.
func DefaultParams() Params {
	return Params{
		PowerOffQuietTicks: 3,
		PowerPulseTicks:    2,
		MuxStartTicks:      10,
		NetWaitTicks:       30,
		NetStartTicks:      15,
		StatusPollTicks:    60,
		ATCmdTimeout:       2 * time.Second,
	}
}

// FSM drives a single modem's lifecycle: power sequencing, model
// identification, mux bring-up and the PPP data session, per
// spec.md §4.4's state table. It is fed by a 1 Hz clock event from the
// event bus (C3) and owns the AT-command façade, a non-owning handle to
// the mux (C4), and the PPP link (C5) on the data channel.
type FSM struct {
	mu sync.Mutex

	params   Params
	power    PowerPin
	facade   *Facade
	m        *mux.Mux
	ppp      *ppp.Link
	registry *Registry
	bus      *eventbus.Bus
	reg      *metrics.Registry

	dataChannel int

	state            State
	driver           Driver
	ticksInState     int
	timeoutsInState  int
	lastRXFrameCount uint64
	devModeForced    bool

	stateMetric *metrics.Metric
	clockHandle eventbus.Handle
}

// New returns an FSM in state None, ready for Start. power controls the
// modem's power-enable pin; facade serializes AT commands over the
// control channel; m is the mux the FSM will bring up; dataChannel is
// the mux channel number PPP runs over.
func New(power PowerPin, facade *Facade, m *mux.Mux, dataChannel int, bus *eventbus.Bus, reg *metrics.Registry) *FSM {
	f := &FSM{
		params:      DefaultParams(),
		power:       power,
		facade:      facade,
		m:           m,
		ppp:         ppp.New(m.Channel(dataChannel)),
		registry:    NewRegistry(),
		bus:         bus,
		reg:         reg,
		dataChannel: dataChannel,
		state:       StateNone,
	}
	if reg != nil {
		f.stateMetric = reg.Declare("m.state", metrics.TypeString, "", 0)
		f.stateMetric.SetString(f.state.String())
	}
	return f
}

// SetParams overrides the default timeouts; it must be called before
// Start.
func (f *FSM) SetParams(p Params) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = p
}

// RegisterDriver adds a model-specific driver probed during Identify.
func (f *FSM) RegisterDriver(d Driver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry.Register(d)
}

// Start begins the lifecycle and subscribes to the event bus's 1 Hz
// clock topic.
func (f *FSM) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clockHandle = f.bus.Register("clock.1hz", func(eventbus.Event) { f.Tick() })
	if f.devModeForced {
		return
	}
	f.enterLocked(StateCheckPowerOff)
}

// ResumeFromDevelopment releases Development's hold and resumes the
// automatic lifecycle from CheckPowerOff.
func (f *FSM) ResumeFromDevelopment() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devModeForced = false
	f.enterLocked(StateCheckPowerOff)
}

// Stop unsubscribes from the clock and leaves the FSM in its current
// state; it does not power off the modem.
func (f *FSM) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bus.Unregister(f.clockHandle)
}

// State returns the FSM's current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// DataChannel returns the mux channel number PPP runs over.
func (f *FSM) DataChannel() int { return f.dataChannel }

// PPP returns the data channel's PPP link, for wiring into a network
// interface once NetMode is reached.
func (f *FSM) PPP() *ppp.Link { return f.ppp }

// Metrics returns the metric registry this FSM publishes m.state to, or
// nil if none was supplied.
func (f *FSM) Metrics() *metrics.Registry { return f.reg }

// SetDevelopment forces the absorbing Development state, yielding to
// external control; the FSM performs no further automatic transitions
// until ResumeFromDevelopment is called (Start does not release it).
func (f *FSM) SetDevelopment() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devModeForced = true
	f.enterLocked(StateDevelopment)
}

// Tick drives one 1 Hz step. It is normally invoked by the clock.1hz
// event subscription set up in Start, but tests may call it directly.
func (f *FSM) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateDevelopment {
		return
	}
	f.ticksInState++
	next, timedOut := f.tickLocked()
	if timedOut {
		f.timeoutsInState++
		if f.timeoutsInState >= maxConsecutiveTimeouts {
			f.enterLocked(StatePowerOffOn)
			return
		}
	}
	if next != f.state {
		f.enterLocked(next)
	}
}

// enterLocked runs state's entry action and resets the per-state
// counters. Caller must hold mu.
func (f *FSM) enterLocked(s State) {
	f.state = s
	f.ticksInState = 0
	f.timeoutsInState = 0
	if f.stateMetric != nil {
		f.stateMetric.SetString(s.String())
	}
	if f.bus != nil {
		f.bus.Signal("m.state", s.String())
	}

	switch s {
	case StateCheckPowerOff:
		f.power.Out(gpio.Low)
		f.lastRXFrameCount = rxCount(f.m)
	case StatePoweredOff:
		// Passive; the lifecycle proceeds automatically to PoweringOn.
	case StatePoweringOn:
		f.power.Out(gpio.High)
	case StateIdentify:
		f.driver = genericDriver
	case StatePoweredOn:
		// driver init happens on the next tick's keepalive
	case StateMuxStart:
		f.m.Startup()
	case StateNetStart:
		f.facade.Send(f.driver.DataCallCmd, f.params.ATCmdTimeout)
	case StateNetLoss:
		f.ppp.SetUp(false, nil)
	case StatePoweringOff:
		f.facade.Send(f.driver.PowerOffCmd, f.params.ATCmdTimeout)
	case StatePowerOffOn:
		f.power.Out(gpio.Low)
	case StateDevelopment:
		// Entered only via SetDevelopment; nothing to do.
	}
}

// tickLocked runs the current state's periodic action and reports the
// next state (itself, if no transition fires) and whether this tick
// counts as a timeout. Caller must hold mu.
func (f *FSM) tickLocked() (next State, timedOut bool) {
	switch f.state {
	case StateCheckPowerOff:
		if rxCount(f.m) != f.lastRXFrameCount {
			f.lastRXFrameCount = rxCount(f.m)
			f.ticksInState = 0
			return f.state, false
		}
		if f.ticksInState >= f.params.PowerOffQuietTicks {
			return StatePoweredOff, false
		}
		return f.state, false

	case StatePoweredOff:
		return StatePoweringOn, false

	case StatePoweringOn:
		if f.ticksInState >= f.params.PowerPulseTicks {
			return StateIdentify, false
		}
		return f.state, false

	case StateIdentify:
		res := f.facade.Send("AT", f.params.ATCmdTimeout)
		if res.Err != nil {
			return f.state, true
		}
		res = f.facade.Send("ATI", f.params.ATCmdTimeout)
		if res.Err != nil {
			return f.state, true
		}
		ident := strings.Join(res.Lines, "\n")
		f.driver = f.registry.Identify(ident)
		return StatePoweredOn, false

	case StatePoweredOn:
		res := f.facade.Send(f.driver.KeepaliveCmd, f.params.ATCmdTimeout)
		if res.Err != nil {
			return f.state, true
		}
		if res.OK {
			return StateMuxStart, false
		}
		return f.state, false

	case StateMuxStart:
		if f.m.IsMuxUp() {
			return StateNetWait, false
		}
		if f.ticksInState >= f.params.MuxStartTicks {
			return f.state, true
		}
		return f.state, false

	case StateNetWait:
		res := f.facade.Send("AT+CREG?;+CGREG?;+CEREG?", f.params.ATCmdTimeout)
		if strings.Contains(strings.Join(res.Lines, " "), ",1") || strings.Contains(strings.Join(res.Lines, " "), ",5") {
			return StateNetStart, false
		}
		if f.ticksInState >= f.params.NetWaitTicks {
			return f.state, true
		}
		return f.state, false

	case StateNetStart:
		if f.ppp.Status().Up {
			return StateNetMode, false
		}
		if f.ticksInState >= f.params.NetStartTicks {
			return StateNetHold, false
		}
		return f.state, false

	case StateNetMode:
		if !f.ppp.Status().Up {
			return StateNetLoss, false
		}
		if f.ticksInState%f.params.StatusPollTicks == 0 {
			f.facade.Send(f.driver.StatusPollCmd, f.params.ATCmdTimeout)
		}
		return f.state, false

	case StateNetLoss:
		return StateNetWait, false

	case StateNetHold:
		return f.state, false

	case StateNetSleep:
		return f.state, false

	case StateNetDeepSleep:
		return f.state, false

	case StatePoweringOff:
		return StateCheckPowerOff, false

	case StatePowerOffOn:
		return StatePoweringOn, false

	default:
		return f.state, false
	}
}

// ResumeFromHold drives NetHold back into NetStart, simulating a user
// (or scheduler) resuming a held data session.
func (f *FSM) ResumeFromHold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateNetHold {
		f.enterLocked(StateNetStart)
	}
}

// WakeFromSleep drives NetSleep back into NetMode.
func (f *FSM) WakeFromSleep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateNetSleep {
		f.enterLocked(StateNetMode)
	}
}

// WakeFromDeepSleep drives NetDeepSleep to PoweringOn, as the original
// firmware does on user wake.
func (f *FSM) WakeFromDeepSleep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateNetDeepSleep {
		f.enterLocked(StatePoweringOn)
	}
}

func rxCount(m *mux.Mux) uint64 {
	rx, _, _, _ := m.Counters()
	return rx
}
