// Package nmea parses the NMEA 0183 subset the modem's GPS channel
// emits: $..RMC (time/date/position) and $..GNS (position/fix), and
// publishes the decoded values to the metric registry (C2).
package nmea

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ovms.dev/core/internal/errs"
	"ovms.dev/core/internal/metrics"
	"ovms.dev/core/internal/mux"
)

// Metric names published by this package.
const (
	MetricLatitude  = "v.p.latitude"
	MetricLongitude = "v.p.longitude"
	MetricGPSTime   = "v.p.gpstime"
	MetricGPSFix    = "v.p.gpsfix"
)

// Channel parses NMEA sentences arriving on a mux channel and publishes
// position/time metrics.
type Channel struct {
	ch   *mux.Channel
	reg  *metrics.Registry
	lat  *metrics.Metric
	lon  *metrics.Metric
	gt   *metrics.Metric
	fix  *metrics.Metric
}

// New declares this channel's metrics on reg and binds to the mux
// channel carrying NMEA text.
func New(ch *mux.Channel, reg *metrics.Registry) *Channel {
	return &Channel{
		ch:  ch,
		reg: reg,
		lat: reg.Declare(MetricLatitude, metrics.TypeFloat, "deg", 120*time.Second),
		lon: reg.Declare(MetricLongitude, metrics.TypeFloat, "deg", 120*time.Second),
		gt:  reg.Declare(MetricGPSTime, metrics.TypeString, "", 120*time.Second),
		fix: reg.Declare(MetricGPSFix, metrics.TypeBool, "", 120*time.Second),
	}
}

// Poll drains complete lines currently buffered on the mux channel and
// processes each as a sentence. It should be called whenever the mux's
// onIncoming callback fires for this channel.
func (c *Channel) Poll() {
	for {
		line, ok := c.ch.RX().ReadLine()
		if !ok {
			return
		}
		c.processSentence(line)
	}
}

func (c *Channel) processSentence(s string) {
	s = strings.TrimSpace(s)
	body, ok := verifyChecksum(s)
	if !ok {
		return
	}
	fields := strings.Split(body, ",")
	if len(fields) == 0 || len(fields[0]) < 5 {
		return
	}
	switch fields[0][2:5] {
	case "RMC":
		c.parseRMC(fields)
	case "GNS":
		c.parseGNS(fields)
	}
}

// verifyChecksum checks the trailing "*HH" checksum (XOR of every byte
// between '$' and '*') and returns the sentence body with the leading
// '$' and trailing checksum stripped.
func verifyChecksum(s string) (string, bool) {
	if len(s) < 4 || s[0] != '$' {
		return "", false
	}
	star := strings.LastIndexByte(s, '*')
	if star < 0 || star+3 > len(s) {
		return "", false
	}
	body := s[1:star]
	want, err := strconv.ParseUint(s[star+1:star+3], 16, 8)
	if err != nil {
		return "", false
	}
	var got byte
	for i := 0; i < len(body); i++ {
		got ^= body[i]
	}
	if byte(want) != got {
		return "", false
	}
	return body, true
}

// parseRMC handles $..RMC: UTC time & date, position, status.
func (c *Channel) parseRMC(f []string) {
	// 0:ID 1:time 2:status(A/V) 3:lat 4:N/S 5:lon 6:E/W 7:speed 8:course 9:date ...
	if len(f) < 10 {
		return
	}
	if f[2] != "A" {
		c.fix.SetBool(false)
		return
	}
	lat, ok1 := parseLatLon(f[3], f[4])
	lon, ok2 := parseLatLon(f[5], f[6])
	if !ok1 || !ok2 {
		return
	}
	c.lat.SetFloat(lat)
	c.lon.SetFloat(lon)
	c.fix.SetBool(true)
	if ts, err := combineDateTime(f[9], f[1]); err == nil {
		c.gt.SetString(ts.UTC().Format(time.RFC3339))
	}
}

// parseGNS handles $..GNS: position plus per-constellation fix mode.
func (c *Channel) parseGNS(f []string) {
	// 0:ID 1:time 2:lat 3:N/S 4:lon 5:E/W 6:modeIndicator ...
	if len(f) < 7 {
		return
	}
	hasFix := false
	for _, m := range f[6] {
		if m != 'N' {
			hasFix = true
			break
		}
	}
	c.fix.SetBool(hasFix)
	if !hasFix {
		return
	}
	lat, ok1 := parseLatLon(f[2], f[3])
	lon, ok2 := parseLatLon(f[4], f[5])
	if !ok1 || !ok2 {
		return
	}
	c.lat.SetFloat(lat)
	c.lon.SetFloat(lon)
}

// parseLatLon converts NMEA's "ddmm.mmmm"/"dddmm.mmmm" plus hemisphere
// letter into signed decimal degrees.
func parseLatLon(v, hemi string) (float64, bool) {
	if v == "" {
		return 0, false
	}
	dot := strings.IndexByte(v, '.')
	if dot < 2 {
		return 0, false
	}
	degDigits := dot - 2
	deg, err := strconv.ParseFloat(v[:degDigits], 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil {
		return 0, false
	}
	val := deg + minutes/60
	if hemi == "S" || hemi == "W" {
		val = -val
	}
	return val, true
}

// combineDateTime parses NMEA's ddmmyy date and hhmmss.sss time fields
// into an absolute UTC time.
func combineDateTime(date, tod string) (time.Time, error) {
	if len(date) < 6 || len(tod) < 6 {
		return time.Time{}, errs.New(errs.ProtocolFraming, "nmea.combineDateTime", fmt.Errorf("short fields"))
	}
	layout := "020106150405"
	t, err := time.Parse(layout, date[:6]+tod[:6])
	if err != nil {
		return time.Time{}, errs.New(errs.ProtocolFraming, "nmea.combineDateTime", err)
	}
	return t, nil
}
