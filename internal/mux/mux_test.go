package mux

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	frames [][]byte
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.frames = append(f.frames, cp)
	return len(p), nil
}

func TestFCSRoundTripRandom(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for n := 1; n <= 256; n++ {
		info := make([]byte, n)
		rnd.Read(info)
		frame := EncodeUIH(2, info)

		fw := &fakeWriter{}
		m := New(fw, 4, DefaultMaxFrameSize, nil)
		m.channels[2].state = StateOpen

		m.Feed(frame)
		got := make([]byte, m.channels[2].rx.Used())
		m.channels[2].rx.Pop(got)
		require.True(t, bytes.Equal(got, info), "round trip mismatch at n=%d", n)
		require.EqualValues(t, 0, m.framingerrors)
	}
}

func TestLengthEncodingRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 129, 1000, 2048} {
		info := bytes.Repeat([]byte{0x5a}, n)
		frame := EncodeUIH(1, info)

		fw := &fakeWriter{}
		m := New(fw, 4, DefaultMaxFrameSize, nil)
		m.channels[1].state = StateOpen
		m.Feed(frame)

		require.Equal(t, n, m.channels[1].rx.Used(), "length=%d", n)
	}
}

func TestMuxRoundTripScenario(t *testing.T) {
	fw := &fakeWriter{}
	var got *Channel
	m := New(fw, 4, DefaultMaxFrameSize, func(ch *Channel) { got = ch })
	m.channels[2].state = StateOpen

	frame := EncodeUIH(2, []byte("ABC"))
	m.Feed(frame)

	require.NotNil(t, got)
	require.Equal(t, 2, got.ID())
	buf := make([]byte, 3)
	m.channels[2].rx.Pop(buf)
	require.Equal(t, []byte{0x41, 0x42, 0x43}, buf)

	rx, _, ferr, _ := m.Counters()
	require.EqualValues(t, 1, rx)
	require.EqualValues(t, 0, ferr)
}

func TestFCSMismatchIncrementsFramingErrors(t *testing.T) {
	fw := &fakeWriter{}
	m := New(fw, 4, DefaultMaxFrameSize, nil)
	m.channels[2].state = StateOpen

	frame := EncodeUIH(2, []byte("ABC"))
	frame[len(frame)-2] ^= 0xff // corrupt FCS byte
	m.Feed(frame)

	require.Equal(t, 0, m.channels[2].rx.Used())
	_, _, ferr, _ := m.Counters()
	require.EqualValues(t, 1, ferr)
}

func TestChannelCascadeOpensInOrder(t *testing.T) {
	fw := &fakeWriter{}
	m := New(fw, 3, DefaultMaxFrameSize, nil)
	require.NoError(t, m.Startup())
	require.Len(t, fw.frames, 1, "only channel 0's SABM should be sent so far")
	require.Equal(t, StateOpening, m.channels[0].state)

	m.Feed(EncodeUA(0))
	require.Equal(t, StateOpen, m.channels[0].state)
	require.Len(t, fw.frames, 2, "channel 1's SABM should cascade")
	require.False(t, m.IsMuxUp())

	m.Feed(EncodeUA(1))
	m.Feed(EncodeUA(2))
	m.Feed(EncodeUA(3))
	require.True(t, m.IsMuxUp())
}

func TestSOFSOFSkipsToNextFrame(t *testing.T) {
	fw := &fakeWriter{}
	m := New(fw, 4, DefaultMaxFrameSize, nil)
	m.channels[2].state = StateOpen

	frame := EncodeUIH(2, []byte("hi"))
	// Duplicate the leading SOF, simulating end-of-previous-frame glue.
	doubled := append([]byte{SOF}, frame...)
	m.Feed(doubled)

	buf := make([]byte, 2)
	n := m.channels[2].rx.Pop(buf)
	require.Equal(t, 2, n)
	require.Equal(t, "hi", string(buf))
}

func TestOversizedFrameResyncs(t *testing.T) {
	fw := &fakeWriter{}
	m := New(fw, 4, 16, nil)
	m.channels[2].state = StateOpen

	big := EncodeUIH(2, bytes.Repeat([]byte{1}, 64))
	good := EncodeUIH(2, []byte("ok"))
	m.Feed(big)
	m.Feed(good)

	_, _, ferr, _ := m.Counters()
	require.GreaterOrEqual(t, ferr, uint64(1))
	buf := make([]byte, 2)
	m.channels[2].rx.Pop(buf)
	require.Equal(t, "ok", string(buf))
}
