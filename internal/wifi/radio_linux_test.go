package wifi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleIWScan = `BSS aa:bb:cc:dd:ee:01(on wlan0)
	TSF: 0 usec
	SSID: home
	signal: -55.00 dBm
	DS Parameter set: channel 6
	RSN:	 * Version: 1
BSS aa:bb:cc:dd:ee:02(on wlan0)
	SSID: guest
	signal: -40.00 dBm
	DS Parameter set: channel 11
	WPA:	 * Version: 1
`

func TestParseIWScanExtractsFields(t *testing.T) {
	results := parseIWScan(sampleIWScan)
	require.Len(t, results, 2)
	require.Equal(t, "home", results[0].SSID)
	require.Equal(t, "aa:bb:cc:dd:ee:01", results[0].BSSID)
	require.Equal(t, -55, results[0].RSSI)
	require.Equal(t, 6, results[0].Chan)
	require.Equal(t, "WPA2", results[0].Auth)

	require.Equal(t, "guest", results[1].SSID)
	require.Equal(t, "WPA", results[1].Auth)
}

func TestParseIWScanSkipsBlocksWithoutSSID(t *testing.T) {
	results := parseIWScan("BSS aa:bb:cc:dd:ee:03(on wlan0)\n\tsignal: -70.00 dBm\n")
	require.Empty(t, results)
}

func TestMaskToPrefixLen(t *testing.T) {
	require.Equal(t, 24, maskToPrefixLen("255.255.255.0"))
	require.Equal(t, 16, maskToPrefixLen("255.255.0.0"))
	require.Equal(t, 24, maskToPrefixLen("not-a-mask"))
}
