// Package vehicle holds the decoder contract's one worked example: a
// partial BMW i3 decoder covering a handful of the SME (battery
// management) and LIM (charging interface) extended-addressed PIDs,
// grounded on vehicle_bmwi3.cpp's poll table and decode switch. It is
// illustrative, not a complete vehicle module — the remaining ~40 PIDs
// the original decodes are out of scope per spec.md's Non-goals.
package vehicle

import (
	"context"

	"ovms.dev/core/internal/metrics"
	"ovms.dev/core/internal/obd"
	"ovms.dev/core/internal/telemetry"
)

// Bus name and ECU addressing the demo table polls against. SME is the
// battery management ECU; LIM is the charging interface module. Both
// respond at a fixed offset above their extended-addressed physical
// request ID, per the original's ISOTP_EXTADR poll entries.
const (
	busHVCAN = "hvcan"

	smeTxID = 0x6F1
	smeRxID = 0x607
	limTxID = 0x6F1
	limRxID = 0x657

	pidHVVoltage     = 0xDD68 // I3_PID_SME_HV_SPANNUNG_BERECHNET
	pidHVCurrent     = 0xDD69 // I3_PID_SME_HV_STROM
	pidSOC           = 0xDDBC // I3_PID_SME_ANZEIGE_SOC
	pidLEDLadestatus = 0xDEF3 // I3_PID_LIM_LED_LADESTATUS
)

// BMWi3Demo decodes the subset of BMW i3 poll responses above. Every
// metric it can publish is declared in NewBMWi3Demo, never created later
// from payload content, per the decoder contract's invariant.
type BMWi3Demo struct {
	log *telemetry.Logger

	battVoltage *metrics.Metric
	battCurrent *metrics.Metric
	battPower   *metrics.Metric
	battSOC     *metrics.Metric
	chargeMax   *metrics.Metric
	chargeMin   *metrics.Metric

	// ladestatus is the raw LED_LADESTATUS byte. The original firmware's
	// bit layout for this field (which bits mean "charging", "fault",
	// "complete") is not fully documented upstream; rather than guess,
	// this decoder publishes the byte unmodified and leaves
	// interpretation to a future, better-documented revision.
	ladestatus *metrics.Metric

	hvVolts float64
}

// BuildPollTable returns the poll-table entries this decoder expects to
// receive replies for, ready to pass to obd.Table.Install. Periods are
// set per obd.PollState: HV voltage and current every tick in Ready and
// every 2 ticks in Alive and Charging, SOC every 10 ticks in Ready and
// Charging and every 30 in Alive, LED_LADESTATUS every 10 ticks, and
// nothing at all in Shutdown.
func BuildPollTable() []*obd.Entry {
	hv := &obd.Entry{Bus: busHVCAN, TxID: smeTxID, RxID: smeRxID, RequestType: 0x22, PID: pidHVVoltage, Addressing: obd.Extended}
	hv.Periods[obd.Alive] = 2
	hv.Periods[obd.Ready] = 1
	hv.Periods[obd.Charging] = 2

	cur := &obd.Entry{Bus: busHVCAN, TxID: smeTxID, RxID: smeRxID, RequestType: 0x22, PID: pidHVCurrent, Addressing: obd.Extended}
	cur.Periods[obd.Alive] = 2
	cur.Periods[obd.Ready] = 1
	cur.Periods[obd.Charging] = 2

	soc := &obd.Entry{Bus: busHVCAN, TxID: smeTxID, RxID: smeRxID, RequestType: 0x22, PID: pidSOC, Addressing: obd.Extended}
	soc.Periods[obd.Alive] = 30
	soc.Periods[obd.Ready] = 10
	soc.Periods[obd.Charging] = 10

	led := &obd.Entry{Bus: busHVCAN, TxID: limTxID, RxID: limRxID, RequestType: 0x22, PID: pidLEDLadestatus, Addressing: obd.Extended}
	led.Periods[obd.Alive] = 10
	led.Periods[obd.Ready] = 10
	led.Periods[obd.Charging] = 10

	return []*obd.Entry{hv, cur, soc, led}
}

// NewBMWi3Demo declares this decoder's metrics against reg and returns
// it ready to pass as the decoder argument of obd.New.
func NewBMWi3Demo(reg *metrics.Registry, log *telemetry.Logger) *BMWi3Demo {
	return &BMWi3Demo{
		log:         log,
		battVoltage: reg.Declare("m.v.b.voltage", metrics.TypeFloat, "V", 0),
		battCurrent: reg.Declare("m.v.b.current", metrics.TypeFloat, "A", 0),
		battPower:   reg.Declare("m.v.b.power", metrics.TypeFloat, "kW", 0),
		battSOC:     reg.Declare("m.v.b.soc", metrics.TypeFloat, "%", 0),
		chargeMax:   reg.Declare("m.v.b.soc.max", metrics.TypeFloat, "%", 0),
		chargeMin:   reg.Declare("m.v.b.soc.min", metrics.TypeFloat, "%", 0),
		ladestatus:  reg.Declare("m.v.c.ledladestatus.raw", metrics.TypeInt, "", 0),
	}
}

// OnPollReply implements obd.Decoder.
func (d *BMWi3Demo) OnPollReply(bus string, requestType byte, pid uint16, payload []byte, remaining int) {
	if requestType == 0x7F {
		if d.log != nil {
			d.log.Warn(context.Background(), "negative OBD-II response", "bus", bus, "service", pid, "nrc", payload)
		}
		return
	}
	switch pid {
	case pidHVVoltage:
		if len(payload) < 2 {
			d.logShort("HV_SPANNUNG_BERECHNET", 2, len(payload))
			return
		}
		d.hvVolts = float64(be16(payload)) / 100.0
		d.battVoltage.SetFloat(d.hvVolts)

	case pidHVCurrent:
		if len(payload) < 4 {
			d.logShort("HV_STROM", 4, len(payload))
			return
		}
		amps := -float64(be32signed(payload)) / 100.0
		if amps > -0.01 && amps < 0.01 {
			amps = 0
		}
		d.battCurrent.SetFloat(amps)
		d.battPower.SetFloat(amps * d.hvVolts / 1000.0)

	case pidSOC:
		if len(payload) < 6 {
			d.logShort("ANZEIGE_SOC", 6, len(payload))
			return
		}
		d.battSOC.SetFloat(float64(be16(payload)) / 10.0)
		d.chargeMax.SetFloat(float64(be16(payload[2:])) / 10.0)
		d.chargeMin.SetFloat(float64(be16(payload[4:])) / 10.0)

	case pidLEDLadestatus:
		if len(payload) < 1 {
			d.logShort("LED_LADESTATUS", 1, len(payload))
			return
		}
		d.ladestatus.SetInt(int64(payload[0]))
	}
}

func (d *BMWi3Demo) logShort(name string, want, got int) {
	if d.log != nil {
		d.log.Debug(context.Background(), "short OBD-II response, skipping", "pid", name, "want", want, "got", got)
	}
}

var _ obd.Decoder = (*BMWi3Demo)(nil)

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func be32signed(b []byte) int32 {
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}
