package obd

import "ovms.dev/core/internal/canbus"

// Decoder is the contract every vehicle decoder (C10) implements: it
// receives the fully reassembled payload of one poll response. remaining
// is always 0 in this implementation — replies are dispatched exactly
// once, after reassembly completes, never in partial chunks.
//
// A negative response (the ECU's service byte is 0x7F) is delivered with
// requestType set to 0x7F as a sentinel: pid carries the original
// requested service and payload[0] the negative-response code.
type Decoder interface {
	OnPollReply(bus string, requestType byte, pid uint16, payload []byte, remaining int)
}

// FrameTap is an optional Decoder capability: every raw frame on a bus
// the decoder has registered interest in, not just poll replies.
type FrameTap interface {
	OnFrameRx(bus string, frame canbus.Frame)
}

// Ticker1Hz is an optional Decoder capability for periodic bookkeeping
// independent of poll replies (e.g. deriving a rate-of-change metric).
type Ticker1Hz interface {
	OnTick1Hz()
}

// Ticker10Hz is an optional Decoder capability. The poller has no
// separate 10 Hz tick: OnTick10Hz is called once per Tick1Hz, just
// before OnTick1Hz.
type Ticker10Hz interface {
	OnTick10Hz()
}

const negativeResponseService = 0x7F
