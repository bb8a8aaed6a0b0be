package nmea

import (
	"testing"

	"github.com/stretchr/testify/require"
	"ovms.dev/core/internal/metrics"
	"ovms.dev/core/internal/mux"
)

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestChannel(t *testing.T) (*Channel, *mux.Mux, *metrics.Registry) {
	t.Helper()
	m := mux.New(nullWriter{}, 4, mux.DefaultMaxFrameSize, nil)
	reg := metrics.NewRegistry()
	ch := New(m.Channel(3), reg)
	return ch, m, reg
}

func feedLine(m *mux.Mux, ch *mux.Channel, line string) {
	m.Feed(mux.EncodeUIH(ch.ID(), []byte(line+"\r\n")))
}

func TestVerifyChecksumGoodAndBad(t *testing.T) {
	body, ok := verifyChecksum("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	require.True(t, ok)
	require.True(t, len(body) > 0)

	_, ok = verifyChecksum("$GPRMC,123519,A*00")
	require.False(t, ok)
}

func TestRMCParsesPositionAndTime(t *testing.T) {
	c, m, reg := newTestChannel(t)
	openChannel(m, 3)

	feedLine(m, m.Channel(3), "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	c.Poll()

	require.True(t, reg.Get(MetricGPSFix).Bool())
	lat := reg.Get(MetricLatitude).Float()
	lon := reg.Get(MetricLongitude).Float()
	require.InDelta(t, 48.1173, lat, 1e-3)
	require.InDelta(t, 11.5166, lon, 1e-3)
	require.Equal(t, "1994-03-23T12:35:19Z", reg.Get(MetricGPSTime).String())
}

func TestRMCInvalidStatusDoesNotSetFix(t *testing.T) {
	c, m, reg := newTestChannel(t)
	openChannel(m, 3)
	feedLine(m, m.Channel(3), "$GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*7D")
	c.Poll()
	require.False(t, reg.Get(MetricGPSFix).Bool())
}

func TestGNSParsesWhenAnyConstellationHasFix(t *testing.T) {
	c, m, reg := newTestChannel(t)
	openChannel(m, 3)
	s := "$GNGNS,014035.00,4332.69262,N,08027.01744,W,AAN,07,1.1,181.9,-27.2,,*2F"
	feedLine(m, m.Channel(3), s)
	c.Poll()
	require.True(t, reg.Get(MetricGPSFix).Bool())
}

// openChannel drives the mux handshake to put channel i into Open state,
// using only mux's exported surface.
func openChannel(m *mux.Mux, i int) {
	m.StartChannel(0)
	for j := 0; j <= i; j++ {
		m.Feed(mux.EncodeUA(j))
	}
}
