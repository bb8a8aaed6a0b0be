// Package wifi implements the station/AP controller (C8): mode
// selection, scan-and-bind association, DHCP/static IP, and the
// signal-quality metrics fed by scan and association events.
package wifi

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ovms.dev/core/internal/config"
	"ovms.dev/core/internal/errs"
	"ovms.dev/core/internal/eventbus"
	"ovms.dev/core/internal/metrics"
)

// Mode is the controller's operating mode.
type Mode int

const (
	ModeOff Mode = iota
	ModeClient
	ModeAP
	ModeAPClient
	ModeScan
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeAP:
		return "ap"
	case ModeAPClient:
		return "apclient"
	case ModeScan:
		return "scan"
	default:
		return "off"
	}
}

// ScanResult is one access point observed by an active scan.
type ScanResult struct {
	SSID  string
	BSSID string
	Chan  int
	RSSI  int // dBm
	Auth  string
}

// Radio is the hardware/driver boundary this controller drives: issuing
// scans, associating, and configuring the IP stack. A production build
// backs this with the platform's Wi-Fi driver; tests use a fake.
type Radio interface {
	Scan(dwell time.Duration) ([]ScanResult, error)
	Associate(ssid, bssid, password string) error
	StartAP(ssid, password string) error
	Disconnect() error
	ConfigureStaticIP(ip, netmask, gateway, dns string) error
	ConfigureDHCP() error
}

// Reconnect/scan dwell and RSSI thresholds, overridable via config keys
// named in spec.md §6.
const (
	defaultScanTMin = 100 * time.Millisecond
	defaultScanTMax = 120 * time.Millisecond
	defaultGoodDBm  = -70
	defaultBadDBm   = -85
	reconnectDelay  = 10 * time.Second
)

// Controller is the Wi-Fi station/AP state machine.
type Controller struct {
	mu sync.Mutex

	radio Radio
	cfg   *config.Store
	bus   *eventbus.Bus

	mode            Mode
	associated      bool
	hasIP           bool
	lastDisconnect  string
	rssiMetric      *metrics.Metric
	goodSignal      *metrics.Metric
	goodSignalState bool
	modeMetric      *metrics.Metric

	reconnectAt time.Time
	lastSSID    string
	lastBSSID   string
}

// New returns a Controller in ModeOff.
func New(radio Radio, cfg *config.Store, bus *eventbus.Bus, reg *metrics.Registry) *Controller {
	c := &Controller{radio: radio, cfg: cfg, bus: bus}
	if reg != nil {
		c.rssiMetric = reg.Declare("m.net.wifi.rssi", metrics.TypeFloat, "dBm", 0)
		c.goodSignal = reg.Declare("m.net.wifi.goodsignal", metrics.TypeBool, "", 0)
		c.modeMetric = reg.Declare("m.net.wifi.mode", metrics.TypeString, "", 0)
		c.modeMetric.SetString(c.mode.String())
	}
	return c
}

func (c *Controller) setMode(m Mode) {
	c.mode = m
	if c.modeMetric != nil {
		c.modeMetric.SetString(m.String())
	}
	if c.bus != nil {
		c.bus.Signal("wifi.mode", m.String())
	}
}

// StartClient associates in station mode. ssid/bssid empty means open
// roaming across every SSID with a configured password.
func (c *Controller) StartClient(ssid, bssid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setMode(ModeClient)
	return c.connectLocked(ssid, bssid)
}

// StartAP brings up a standalone access point. password must be at
// least 8 characters, matching spec.md §6's CLI validation.
func (c *Controller) StartAP(ssid, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(password) < 8 {
		return errs.New(errs.ConfigInvalid, "wifi.StartAP", fmt.Errorf("AP password must be at least 8 characters"))
	}
	c.setMode(ModeAP)
	if err := c.radio.StartAP(ssid, password); err != nil {
		return errs.New(errs.TransientIO, "wifi.StartAP", err)
	}
	return nil
}

// StartAPClient brings up an AP alongside a station connection.
func (c *Controller) StartAPClient(apSSID, apPassword, staSSID, staBSSID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(apPassword) < 8 {
		return errs.New(errs.ConfigInvalid, "wifi.StartAPClient", fmt.Errorf("AP password must be at least 8 characters"))
	}
	c.setMode(ModeAPClient)
	if err := c.radio.StartAP(apSSID, apPassword); err != nil {
		return errs.New(errs.TransientIO, "wifi.StartAPClient", err)
	}
	return c.connectLocked(staSSID, staBSSID)
}

// Stop disassociates and disables the radio.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setMode(ModeOff)
	c.associated = false
	c.hasIP = false
	return c.radio.Disconnect()
}

// Scan performs an active scan and returns the observed APs, sorted by
// descending RSSI (ties broken by first-seen, per spec.md §8).
func (c *Controller) Scan() ([]ScanResult, error) {
	tmin, tmax := c.scanDwellBounds()
	dwell := (tmin + tmax) / 2
	results, err := c.radio.Scan(dwell)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "wifi.Scan", err)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].RSSI > results[j].RSSI })
	return results, nil
}

func (c *Controller) scanDwellBounds() (time.Duration, time.Duration) {
	tmin, tmax := defaultScanTMin, defaultScanTMax
	if c.cfg != nil {
		if v, ok := c.cfg.GetInt("network.wifi.scan.tmin"); ok {
			tmin = time.Duration(v) * time.Millisecond
		}
		if v, ok := c.cfg.GetInt("network.wifi.scan.tmax"); ok {
			tmax = time.Duration(v) * time.Millisecond
		}
	}
	return tmin, tmax
}

func (c *Controller) signalThresholds() (good, bad int) {
	good, bad = defaultGoodDBm, defaultBadDBm
	if c.cfg != nil {
		if v, ok := c.cfg.GetInt("network.wifi.sq.good"); ok {
			good = v
		}
		if v, ok := c.cfg.GetInt("network.wifi.sq.bad"); ok {
			bad = v
		}
	}
	return good, bad
}

// connectLocked implements the scan-and-bind algorithm of spec.md §4.5.
// Caller holds mu.
func (c *Controller) connectLocked(ssid, bssid string) error {
	results, err := c.Scan()
	if err != nil {
		return err
	}
	chosen, password, ok := SelectAP(results, ssid, bssid, c.passwordsLocked())
	if !ok {
		return errs.New(errs.ConfigInvalid, "wifi.connect", fmt.Errorf("no matching access point"))
	}
	if err := c.radio.Associate(chosen.SSID, chosen.BSSID, password); err != nil {
		return errs.New(errs.TransientIO, "wifi.connect", err)
	}
	c.associated = true
	c.lastSSID = chosen.SSID
	c.lastBSSID = chosen.BSSID
	c.applyIPConfigLocked(chosen.SSID)
	if c.bus != nil {
		c.bus.Signal("wifi.associated", chosen)
	}
	return nil
}

func (c *Controller) passwordsLocked() map[string]string {
	m := make(map[string]string)
	if c.cfg == nil {
		return m
	}
	for _, key := range c.cfg.KeysWithPrefix("wifi.ssid.") {
		if strings.HasSuffix(key, ".ovms.staticip") {
			continue
		}
		ssid := strings.TrimPrefix(key, "wifi.ssid.")
		if v, ok := c.cfg.GetString(key); ok {
			m[ssid] = v
		}
	}
	return m
}

// applyIPConfigLocked implements spec.md §8 scenario 4: a configured
// static IP for the associated SSID disables DHCP and sets the
// interface's address, mask, gateway and DNS.
func (c *Controller) applyIPConfigLocked(ssid string) {
	key := "wifi.ssid." + ssid + ".ovms.staticip"
	v, ok := c.cfg.GetString(key)
	if !ok {
		c.radio.ConfigureDHCP()
		c.hasIP = true
		return
	}
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		c.radio.ConfigureDHCP()
		c.hasIP = true
		return
	}
	ip, netmask, gateway := parts[0], parts[1], parts[2]
	// The gateway also serves as the DNS resolver, matching the
	// original firmware's static-IP handling.
	if err := c.radio.ConfigureStaticIP(ip, netmask, gateway, gateway); err == nil {
		c.hasIP = true
	}
}

// SetStaticIP is the CLI-facing equivalent of applyIPConfigLocked,
// usable independent of the config store.
func (c *Controller) SetStaticIP(ip, netmask, gateway string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.radio.ConfigureStaticIP(ip, netmask, gateway, gateway); err != nil {
		return errs.New(errs.TransientIO, "wifi.SetStaticIP", err)
	}
	c.hasIP = true
	return nil
}

// StartDHCP switches the interface back to DHCP.
func (c *Controller) StartDHCP() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.radio.ConfigureDHCP(); err != nil {
		return errs.New(errs.TransientIO, "wifi.StartDHCP", err)
	}
	c.hasIP = true
	return nil
}

// Reconnect forces an immediate scan-and-bind using the last SSID/BSSID
// used, regardless of the reconnect deadline.
func (c *Controller) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(c.lastSSID, c.lastBSSID)
}

// OnDisassociated records a disconnection and arms the reconnect
// deadline 10s out, per spec.md §4.5.
func (c *Controller) OnDisassociated(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.associated = false
	c.hasIP = false
	c.lastDisconnect = reason
	c.reconnectAt = time.Now().Add(reconnectDelay)
}

// Tick1Hz checks the reconnect deadline and, in client/apclient mode
// with no current association, re-attempts scan-and-bind.
func (c *Controller) Tick1Hz(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.associated || c.reconnectAt.IsZero() || now.Before(c.reconnectAt) {
		return
	}
	if c.mode != ModeClient && c.mode != ModeAPClient {
		return
	}
	c.reconnectAt = time.Time{}
	c.connectLocked(c.lastSSID, c.lastBSSID)
}

// SampleRSSI applies the IIR smoothing filter `r <- (3r+new)/4` (in
// dBm×10 fixed point, per spec.md §8) and updates the hysteretic
// good_signal flag.
func (c *Controller) SampleRSSI(newDBm int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rssiMetric == nil {
		return
	}
	prev := c.rssiMetric.Float()
	next := (3*prev + 10*float64(newDBm)) / 4
	c.rssiMetric.SetFloat(next)

	good, bad := c.signalThresholds()
	dbm := next / 10
	if c.goodSignalState && dbm < float64(bad) {
		c.goodSignalState = false
	} else if !c.goodSignalState && dbm > float64(good) {
		c.goodSignalState = true
	}
	if c.goodSignal != nil {
		c.goodSignal.SetBool(c.goodSignalState)
	}
}

// Status reports the controller's current association state.
type Status struct {
	Mode       Mode
	Associated bool
	HasIP      bool
	SSID       string
	BSSID      string
}

// Status returns a snapshot of the controller's state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Mode: c.mode, Associated: c.associated, HasIP: c.hasIP, SSID: c.lastSSID, BSSID: c.lastBSSID}
}

// SelectAP implements the scan-and-bind priority order from spec.md
// §4.5: an explicit BSSID match wins outright; else the strongest entry
// matching a requested SSID (a blank-SSID entry is tolerated as hidden
// and assumed to match); else, in open roaming, the strongest entry
// whose SSID has a configured password. results must already be sorted
// by descending RSSI.
func SelectAP(results []ScanResult, ssid, bssid string, passwords map[string]string) (ScanResult, string, bool) {
	if bssid != "" {
		for _, r := range results {
			if strings.EqualFold(r.BSSID, bssid) {
				return r, passwords[r.SSID], true
			}
		}
		return ScanResult{}, "", false
	}
	if ssid != "" {
		for _, r := range results {
			if r.SSID == ssid || r.SSID == "" {
				return r, passwords[ssid], true
			}
		}
		return ScanResult{}, "", false
	}
	for _, r := range results {
		if pw, ok := passwords[r.SSID]; ok {
			return r, pw, true
		}
	}
	return ScanResult{}, "", false
}
