package obd

import (
	"time"

	"ovms.dev/core/internal/canbus"
	"ovms.dev/core/internal/errs"
)

// ISO-TP (ISO 15765-2) PCI nibble values, classic 8-byte CAN framing.
const (
	pciSingle       = 0x0
	pciFirst        = 0x1
	pciConsecutive  = 0x2
	pciFlowControl  = 0x3
	reassemblyTimeout = 100 * time.Millisecond
)

// EncodeSingle builds a single-frame ISO-TP message. payload must be at
// most 7 bytes.
func EncodeSingle(id uint32, payload []byte) (canbus.Frame, error) {
	if len(payload) > 7 {
		return canbus.Frame{}, errs.New(errs.ProtocolFraming, "obd.EncodeSingle", nil)
	}
	data := make([]byte, 1+len(payload))
	data[0] = byte(len(payload))
	copy(data[1:], payload)
	return canbus.Frame{ID: id, Data: data}, nil
}

// EncodeMultiFrame splits payload (1..4095 bytes) into a FIRST frame
// followed by as many CONSECUTIVE frames as needed. The caller is
// responsible for waiting for the peer's flow-control frame before
// sending frames past the first, and for honoring its block size and
// separation time; this function only produces the frame sequence.
func EncodeMultiFrame(id uint32, payload []byte) ([]canbus.Frame, error) {
	if len(payload) == 0 || len(payload) > 4095 {
		return nil, errs.New(errs.ProtocolFraming, "obd.EncodeMultiFrame", nil)
	}
	var frames []canbus.Frame

	first := make([]byte, 8)
	first[0] = pciFirst<<4 | byte(len(payload)>>8)
	first[1] = byte(len(payload))
	n := copy(first[2:], payload)
	frames = append(frames, canbus.Frame{ID: id, Data: first})

	rest := payload[n:]
	seq := byte(1)
	for len(rest) > 0 {
		chunk := make([]byte, 8)
		chunk[0] = pciConsecutive<<4 | (seq & 0x0F)
		m := copy(chunk[1:], rest)
		frames = append(frames, canbus.Frame{ID: id, Data: chunk})
		rest = rest[m:]
		seq = (seq + 1) % 16
	}
	return frames, nil
}

// EncodeFlowControl builds a Continue-to-send flow-control frame with
// block size 0 (send the rest without further flow control) and the
// given separation time in milliseconds (0..127).
func EncodeFlowControl(id uint32, separationMs byte) canbus.Frame {
	return canbus.Frame{ID: id, Data: []byte{pciFlowControl << 4, 0x00, separationMs, 0, 0, 0, 0, 0}}
}

// reassembler tracks one in-progress multi-frame ISO-TP reception for a
// single (bus, rxID) pair. The OBD-II poller is strictly serialized per
// rxID, so a single in-flight reassembly per key is always correct.
type reassembler struct {
	expected  int
	buf       []byte
	nextSeq   byte
	lastFrame time.Time
}

// feed processes one received frame's payload (the 8 data bytes of a CAN
// frame addressed to the reassembler's rxID) and reports whether a
// complete ISO-TP message is now available, whether a flow-control frame
// must be sent in response, and the completed payload if done.
//
// A sequence-number gap is reported as errs.ProtocolFraming and the
// partial reassembly is discarded — no padding delivered.
func (r *reassembler) feed(data []byte, now time.Time) (done bool, needsFC bool, payload []byte, err error) {
	if len(data) == 0 {
		return false, false, nil, errs.New(errs.ProtocolFraming, "obd.reassembler.feed", nil)
	}
	pci := data[0] >> 4
	switch pci {
	case pciSingle:
		length := int(data[0] & 0x0F)
		if length > len(data)-1 {
			return false, false, nil, errs.New(errs.ProtocolFraming, "obd.reassembler.feed", nil)
		}
		return true, false, append([]byte(nil), data[1:1+length]...), nil

	case pciFirst:
		if len(data) < 2 {
			return false, false, nil, errs.New(errs.ProtocolFraming, "obd.reassembler.feed", nil)
		}
		length := int(data[0]&0x0F)<<8 | int(data[1])
		if length > 4095 {
			return false, false, nil, errs.New(errs.ProtocolFraming, "obd.reassembler.feed", nil)
		}
		r.expected = length
		r.buf = append([]byte(nil), data[2:]...)
		if len(r.buf) > length {
			r.buf = r.buf[:length]
		}
		r.nextSeq = 1
		r.lastFrame = now
		if len(r.buf) >= r.expected {
			done, payload := true, r.buf
			r.reset()
			return done, false, payload, nil
		}
		return false, true, nil, nil

	case pciConsecutive:
		if r.expected == 0 {
			// Consecutive frame with no prior FIRST: stale or
			// unsolicited, ignore rather than fault the bus.
			return false, false, nil, nil
		}
		seq := data[0] & 0x0F
		if seq != r.nextSeq {
			r.reset()
			return false, false, nil, errs.New(errs.ProtocolFraming, "obd.reassembler.feed", nil)
		}
		need := r.expected - len(r.buf)
		chunk := data[1:]
		if len(chunk) > need {
			chunk = chunk[:need]
		}
		r.buf = append(r.buf, chunk...)
		r.nextSeq = (r.nextSeq + 1) % 16
		r.lastFrame = now
		if len(r.buf) >= r.expected {
			payload := r.buf
			r.reset()
			return true, false, payload, nil
		}
		return false, false, nil, nil

	case pciFlowControl:
		// The poller is the requester; it never receives a
		// flow-control frame as a response payload. Ignore.
		return false, false, nil, nil

	default:
		return false, false, nil, errs.New(errs.ProtocolFraming, "obd.reassembler.feed", nil)
	}
}

func (r *reassembler) reset() {
	r.expected = 0
	r.buf = nil
	r.nextSeq = 0
}

// timedOut reports whether more than reassemblyTimeout has elapsed since
// the last frame of an in-progress (non-empty expected length)
// reassembly.
func (r *reassembler) timedOut(now time.Time) bool {
	return r.expected > 0 && now.Sub(r.lastFrame) > reassemblyTimeout
}

func (r *reassembler) inProgress() bool { return r.expected > 0 }
