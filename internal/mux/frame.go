package mux

// SOF is the GSM 07.10 basic-mode frame delimiter.
const SOF = 0xF9

// Control field values (without the poll/final bit).
const (
	ctrlSABM = 0x2F
	ctrlUA   = 0x63
	ctrlDISC = 0x43
	ctrlDM   = 0x0F
	ctrlUIH  = 0xEF

	pf = 0x10 // poll/final bit
	ea = 0x01 // address/length extension bit
	cr = 0x02 // command/response bit
)

// DefaultMaxFrameSize is the default limit on a decoded frame's info
// length, matching spec.md's default mux parameter.
const DefaultMaxFrameSize = 2048

// encodeLength appends the EA-terminated length encoding of n to dst and
// returns the result, along with the number of length bytes appended.
func encodeLength(dst []byte, n int) ([]byte, int) {
	if n < 128 {
		return append(dst, byte(n<<1)|ea), 1
	}
	dst = append(dst, byte((n%128)<<1))
	dst = append(dst, byte(n/128))
	return dst, 2
}

// EncodeUIH builds a complete UIH frame carrying info on the given
// channel (0..4).
func EncodeUIH(channel int, info []byte) []byte {
	addr := byte(channel<<2) | ea
	out := make([]byte, 0, len(info)+8)
	out = append(out, SOF, addr, ctrlUIH|pf)
	out, _ = encodeLength(out, len(info))
	hdr := out[1:] // addr, control, length byte(s); stable as long as cap holds
	out = append(out, info...)
	out = append(out, fcsCompute(hdr))
	out = append(out, SOF)
	return out
}

// encodeControl builds a control frame (SABM/DISC) with no info field.
func encodeControl(channel int, ctrl byte) []byte {
	addr := byte(channel<<2) | ea | cr
	hdr := []byte{addr, ctrl | pf, ea}
	fcs := fcsCompute(hdr)
	out := make([]byte, 0, 6)
	out = append(out, SOF)
	out = append(out, hdr...)
	out = append(out, fcs, SOF)
	return out
}

// EncodeUA builds a UA response frame for the given channel, as sent by
// a GSM 07.10 DCE; this module never originates one (it always plays the
// initiator role), but simulators and tests of dependent packages need
// to produce them to drive a Mux's channels into the Open state.
func EncodeUA(channel int) []byte {
	return encodeControl(channel, ctrlUA)
}

// decodedFrame is a single parsed (and FCS-verified) frame.
type decodedFrame struct {
	channel int
	control byte // without PF bit
	poll    bool
	info    []byte
}
