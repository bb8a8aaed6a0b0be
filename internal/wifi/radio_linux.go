package wifi

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// LinuxRadio implements Radio by shelling out to the standard embedded
// Linux Wi-Fi toolchain: `iw` for scanning, `wpa_cli` for association
// against a running wpa_supplicant instance, `hostapd_cli` and `dnsmasq`
// to bring up a concurrent AP, and `ip`/`resolvectl` for address and DNS
// configuration. This is the same layering OVMS's own Linux-hosted
// builds use in place of a native driver; no single Go library in this
// module's dependency set speaks nl80211 directly, so shelling out to
// the distro tools is the grounded choice here rather than a hand-rolled
// netlink client.
type LinuxRadio struct {
	Iface string
}

// NewLinuxRadio returns a Radio bound to the named wireless interface
// (e.g. "wlan0").
func NewLinuxRadio(iface string) *LinuxRadio {
	return &LinuxRadio{Iface: iface}
}

func (r *LinuxRadio) Scan(dwell time.Duration) ([]ScanResult, error) {
	out, err := exec.Command("iw", "dev", r.Iface, "scan").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("wifi: iw scan: %w", err)
	}
	return parseIWScan(string(out)), nil
}

func (r *LinuxRadio) Associate(ssid, bssid, password string) error {
	netID, err := r.wpaCLI("add_network")
	if err != nil {
		return err
	}
	id := strings.TrimSpace(netID)
	if _, err := r.wpaCLI("set_network", id, "ssid", quote(ssid)); err != nil {
		return err
	}
	if password == "" {
		if _, err := r.wpaCLI("set_network", id, "key_mgmt", "NONE"); err != nil {
			return err
		}
	} else {
		if _, err := r.wpaCLI("set_network", id, "psk", quote(password)); err != nil {
			return err
		}
	}
	if bssid != "" {
		if _, err := r.wpaCLI("set_network", id, "bssid", bssid); err != nil {
			return err
		}
	}
	if _, err := r.wpaCLI("enable_network", id); err != nil {
		return err
	}
	_, err = r.wpaCLI("select_network", id)
	return err
}

func (r *LinuxRadio) StartAP(ssid, password string) error {
	_, err := exec.Command("hostapd_cli", "-i", r.Iface, "set", "ssid", ssid).CombinedOutput()
	if err != nil {
		return fmt.Errorf("wifi: hostapd_cli set ssid: %w", err)
	}
	_, err = exec.Command("hostapd_cli", "-i", r.Iface, "set", "wpa_passphrase", password).CombinedOutput()
	if err != nil {
		return fmt.Errorf("wifi: hostapd_cli set wpa_passphrase: %w", err)
	}
	if _, err := exec.Command("hostapd_cli", "-i", r.Iface, "enable").CombinedOutput(); err != nil {
		return err
	}
	return r.startAPDHCP()
}

// startAPDHCP brings up dnsmasq as the AP's DHCP server with the router
// and DNS DHCP options suppressed. Offering this device as a client's
// default route or DNS server would hijack traffic that has nothing to
// do with the AP's own subnet.
func (r *LinuxRadio) startAPDHCP() error {
	out, err := exec.Command("dnsmasq",
		"--interface="+r.Iface,
		"--bind-interfaces",
		"--dhcp-range=192.168.4.2,192.168.4.100,12h",
		"--dhcp-option=3", // no router option in DHCP replies
		"--dhcp-option=6", // no DNS server option in DHCP replies
		"--no-resolv",
		"--pid-file=/var/run/ovms-dnsmasq-"+r.Iface+".pid",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("wifi: dnsmasq: %w: %s", err, out)
	}
	return nil
}

func (r *LinuxRadio) Disconnect() error {
	if _, err := r.wpaCLI("disconnect"); err != nil {
		return err
	}
	_, err := exec.Command("ip", "link", "set", r.Iface, "down").CombinedOutput()
	return err
}

func (r *LinuxRadio) ConfigureStaticIP(ip, netmask, gateway, dns string) error {
	prefix := maskToPrefixLen(netmask)
	if out, err := exec.Command("ip", "addr", "flush", "dev", r.Iface).CombinedOutput(); err != nil {
		return fmt.Errorf("wifi: ip addr flush: %w: %s", err, out)
	}
	cidr := fmt.Sprintf("%s/%d", ip, prefix)
	if out, err := exec.Command("ip", "addr", "add", cidr, "dev", r.Iface).CombinedOutput(); err != nil {
		return fmt.Errorf("wifi: ip addr add: %w: %s", err, out)
	}
	if out, err := exec.Command("ip", "route", "replace", "default", "via", gateway, "dev", r.Iface).CombinedOutput(); err != nil {
		return fmt.Errorf("wifi: ip route replace: %w: %s", err, out)
	}
	if out, err := exec.Command("resolvectl", "dns", r.Iface, dns).CombinedOutput(); err != nil {
		return fmt.Errorf("wifi: resolvectl dns: %w: %s", err, out)
	}
	return nil
}

func (r *LinuxRadio) ConfigureDHCP() error {
	out, err := exec.Command("dhclient", "-nw", r.Iface).CombinedOutput()
	if err != nil {
		return fmt.Errorf("wifi: dhclient: %w: %s", err, out)
	}
	return nil
}

func (r *LinuxRadio) wpaCLI(args ...string) (string, error) {
	full := append([]string{"-i", r.Iface}, args...)
	out, err := exec.Command("wpa_cli", full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("wifi: wpa_cli %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

func quote(s string) string { return `"` + s + `"` }

// parseIWScan extracts SSID/BSSID/channel/RSSI/auth from `iw scan`'s
// text output. It tolerates unknown lines; every field defaults to its
// zero value rather than aborting the whole scan on a malformed block.
func parseIWScan(out string) []ScanResult {
	var results []ScanResult
	var cur *ScanResult
	flush := func() {
		if cur != nil && cur.SSID != "" {
			results = append(results, *cur)
		}
		cur = nil
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "BSS "):
			flush()
			bssid := strings.TrimPrefix(line, "BSS ")
			bssid = strings.Fields(bssid)[0]
			if i := strings.IndexByte(bssid, '('); i >= 0 {
				bssid = bssid[:i]
			}
			cur = &ScanResult{BSSID: bssid}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "SSID: "):
			cur.SSID = strings.TrimPrefix(line, "SSID: ")
		case strings.HasPrefix(line, "signal: "):
			f := strings.TrimSuffix(strings.TrimPrefix(line, "signal: "), " dBm")
			if v, err := strconv.ParseFloat(f, 64); err == nil {
				cur.RSSI = int(v)
			}
		case strings.HasPrefix(line, "DS Parameter set: channel "):
			if v, err := strconv.Atoi(strings.TrimPrefix(line, "DS Parameter set: channel ")); err == nil {
				cur.Chan = v
			}
		case strings.HasPrefix(line, "RSN:"):
			cur.Auth = "WPA2"
		case strings.HasPrefix(line, "WPA:"):
			if cur.Auth == "" {
				cur.Auth = "WPA"
			}
		}
	}
	flush()
	return results
}

// maskToPrefixLen converts a dotted-decimal netmask to CIDR prefix
// length. An unparseable mask falls back to /24, the common default for
// the static-IP config scenario spec.md §8 names.
func maskToPrefixLen(mask string) int {
	parts := strings.Split(mask, ".")
	if len(parts) != 4 {
		return 24
	}
	n := 0
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return 24
		}
		for b := 7; b >= 0; b-- {
			if v&(1<<uint(b)) != 0 {
				n++
			}
		}
	}
	return n
}
