package mux

// fcsTable is the GSM 07.10 8-bit FCS lookup table: a reflected CRC-8
// with polynomial 0xE0 (the bit-reversal of the ITU polynomial 0x07).
var fcsTable [256]byte

func init() {
	for i := range fcsTable {
		c := byte(i)
		for range 8 {
			if c&1 != 0 {
				c = (c >> 1) ^ 0xE0
			} else {
				c >>= 1
			}
		}
		fcsTable[i] = c
	}
}

const (
	fcsInit = 0xFF
	fcsGood = 0xCF
)

// fcsAdd folds one byte into a running FCS accumulator.
func fcsAdd(fcs byte, c byte) byte {
	return fcsTable[fcs^c]
}

// fcsAddBlock folds a block of bytes into a running FCS accumulator.
func fcsAddBlock(fcs byte, p []byte) byte {
	for _, c := range p {
		fcs = fcsAdd(fcs, c)
	}
	return fcs
}

// fcsCompute returns the FCS byte to place on the wire for the header
// bytes in hdr (address, control, and one or two length bytes).
func fcsCompute(hdr []byte) byte {
	return 0xFF - fcsAddBlock(fcsInit, hdr)
}

// fcsVerify reports whether appending the received FCS byte to the
// running accumulator over hdr yields the well-known "good" residue.
func fcsVerify(hdr []byte, recvFCS byte) bool {
	fcs := fcsAddBlock(fcsInit, hdr)
	fcs = fcsAdd(fcs, recvFCS)
	return fcs == fcsGood
}
