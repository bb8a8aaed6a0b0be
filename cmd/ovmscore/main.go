// command ovmscore wires the engineering-core subsystems (mux/modem,
// Wi-Fi, OBD-II poller) into a single process: either a long-running
// daemon (serve) or a one-shot debug command against freshly
// constructed controllers, matching cmd/cli's single-invocation style
// in the absence of a resident shell/IPC layer.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarm/serial"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"ovms.dev/core/internal/canbus"
	"ovms.dev/core/internal/config"
	"ovms.dev/core/internal/eventbus"
	"ovms.dev/core/internal/metrics"
	"ovms.dev/core/internal/modem"
	"ovms.dev/core/internal/mux"
	"ovms.dev/core/internal/obd"
	"ovms.dev/core/internal/telemetry"
	"ovms.dev/core/internal/vehicle"
	"ovms.dev/core/internal/wifi"
)

var (
	configPath   = flag.String("config", "", "YAML config file")
	canIface     = flag.String("can", "", "CAN transport: a SocketCAN interface name (can0) or serial:<device>:<baud> for an ELM327 adapter")
	wifiIface    = flag.String("wifi-iface", "wlan0", "Wi-Fi network interface")
	modemUART    = flag.String("modem-uart", "", "serial device for the modem's AT-command control channel")
	modemPowerIO = flag.String("modem-power-pin", "", "periph.io GPIO pin name driving the modem's power-enable line")
	metricsAddr  = flag.String("metrics-addr", "", "bind address for the Prometheus /metrics endpoint; empty disables it")
	logLevel     = flag.String("log-level", "info", "debug, info, warn or error")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// app holds every subsystem handle a command might need. Each run of
// this binary constructs one from the global flags; it is not persisted
// across invocations.
type app struct {
	bus  *eventbus.Bus
	reg  *metrics.Registry
	cfg  *config.Store
	log  *telemetry.Logger
	tele *telemetry.Metrics

	can    canbus.Bus
	wifi   *wifi.Controller
	poller *obd.Poller
	re     *obd.RETool
	fsm    *modem.FSM
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildApp() (*app, error) {
	a := &app{
		bus:  eventbus.New(64),
		reg:  metrics.NewRegistry(),
		log:  telemetry.NewLogger(parseLogLevel(*logLevel)),
		cfg:  nil,
		re:   obd.NewRETool(),
	}
	a.cfg = config.New(a.bus)
	if *configPath != "" {
		if err := a.cfg.Load(*configPath); err != nil {
			return nil, fmt.Errorf("ovmscore: load config: %w", err)
		}
	}
	a.tele = telemetry.NewMetrics(a.reg)

	if *canIface != "" {
		bus, err := openCANBus(*canIface)
		if err != nil {
			return nil, fmt.Errorf("ovmscore: open CAN transport: %w", err)
		}
		a.can = bus
	}

	a.wifi = wifi.New(wifi.NewLinuxRadio(*wifiIface), a.cfg, a.bus, a.reg)

	table := obd.NewTable()
	table.Install(vehicle.BuildPollTable())
	decoder := vehicle.NewBMWi3Demo(a.reg, a.log)
	a.poller = obd.New(table, decoder, a.reg)
	if a.can != nil {
		a.poller.AddBus("hvcan", a.can)
	}

	if *modemUART != "" && *modemPowerIO != "" {
		fsm, err := buildModemFSM(a)
		if err != nil {
			return nil, fmt.Errorf("ovmscore: build modem FSM: %w", err)
		}
		a.fsm = fsm
	}
	return a, nil
}

// openCANBus parses -can into either a SocketCAN interface or a
// serial:<device>:<baud> ELM327 adapter, per internal/canbus's two
// Bus implementations.
func openCANBus(spec string) (canbus.Bus, error) {
	if strings.HasPrefix(spec, "serial:") {
		parts := strings.Split(strings.TrimPrefix(spec, "serial:"), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("want serial:<device>:<baud>, got %q", spec)
		}
		baud, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid baud rate %q: %w", parts[1], err)
		}
		return canbus.NewSerialAdapter(parts[0], baud)
	}
	return canbus.NewSocketCANBus(spec)
}

// buildModemFSM wires the mux, AT-command façade and power pin for the
// modem lifecycle FSM. The control UART is also the mux's byte sink;
// mux-decoded bytes are fed from a background reader goroutine started
// here, matching the Writer/Feed split internal/mux expects.
func buildModemFSM(a *app) (*modem.FSM, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	pin := gpioreg.ByName(*modemPowerIO)
	if pin == nil {
		return nil, fmt.Errorf("unknown GPIO pin %q", *modemPowerIO)
	}

	port, err := openModemUART(*modemUART)
	if err != nil {
		return nil, err
	}

	const dataChannel = 1
	m := mux.New(port, 2, mux.DefaultMaxFrameSize, nil)
	go feedMuxFromUART(m, port)

	facade := modem.NewFacade(channelWriter{m.Channel(0)}, m.Channel(0).RX())
	f := modem.New(pin, facade, m, dataChannel, a.bus, a.reg)
	return f, nil
}

// channelWriter adapts a mux.Channel's error-only Write to the
// modem.UART interface's io.Writer-shaped Write.
type channelWriter struct{ ch *mux.Channel }

func (w channelWriter) Write(p []byte) (int, error) {
	if err := w.ch.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// openModemUART opens the modem control serial line at a fixed 115200
// baud, matching the AT-command rate the original firmware's modem
// drivers all settle on after initial bring-up.
func openModemUART(device string) (*serial.Port, error) {
	return serial.OpenPort(&serial.Config{Name: device, Baud: 115200, ReadTimeout: 100 * time.Millisecond})
}

// feedMuxFromUART copies bytes from port into m.Feed, the mux's decode
// input, until the port read errors out (port closed at process exit).
func feedMuxFromUART(m *mux.Mux, port *serial.Port) {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			m.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func run() error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: ovmscore [flags] <serve|wifi|re|obd|modem> ...")
	}
	switch args[0] {
	case "serve":
		return cmdServe(a)
	case "wifi":
		return cmdWifi(a, args[1:])
	case "re":
		return cmdRE(a, args[1:])
	case "obd":
		return cmdOBD(a, args[1:])
	case "modem":
		return cmdModem(a, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// cmdServe runs the long-lived process: the 1 Hz clock driving the
// modem FSM, Wi-Fi reconnect and the poll table, the config file
// watcher, and (if -metrics-addr is set) the Prometheus scrape
// endpoint. It blocks until SIGINT/SIGTERM.
func cmdServe(a *app) error {
	if a.cfg != nil && *configPath != "" {
		if err := a.cfg.Watch(); err != nil {
			a.log.Warn(context.Background(), "config watch failed to start", "err", err)
		}
	}
	if a.fsm != nil {
		a.fsm.Start()
	}
	if *metricsAddr != "" {
		mx := http.NewServeMux()
		mx.Handle("/metrics", promhttp.HandlerFor(a.tele.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mx}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error(context.Background(), "metrics server exited", "err", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			a.bus.Signal("clock.1hz", nil)
			a.wifi.Tick1Hz(now)
			a.poller.Tick1Hz(now)
			a.re.Tick1Hz(now)
			a.tele.Sync()
		case <-sig:
			a.bus.Close()
			if a.cfg != nil {
				a.cfg.Close()
			}
			return nil
		}
	}
}

func cmdWifi(a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wifi <mode|scan|status|reconnect|ip> ...")
	}
	switch args[0] {
	case "mode":
		return wifiMode(a, args[1:])
	case "scan":
		return wifiScan(a, args[1:])
	case "status":
		st := a.wifi.Status()
		fmt.Printf("mode=%s associated=%v hasip=%v ssid=%q bssid=%q\n", st.Mode, st.Associated, st.HasIP, st.SSID, st.BSSID)
		return nil
	case "reconnect":
		return a.wifi.Reconnect()
	case "ip":
		return wifiIP(a, args[1:])
	default:
		return fmt.Errorf("unknown wifi subcommand %q", args[0])
	}
}

func wifiMode(a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wifi mode <client|ap|apclient|off> ...")
	}
	switch args[0] {
	case "client":
		ssid, bssid := arg(args, 1), arg(args, 2)
		return a.wifi.StartClient(ssid, bssid)
	case "ap":
		if len(args) < 2 {
			return fmt.Errorf("usage: wifi mode ap <ssid>")
		}
		password, ok := a.cfg.GetString("wifi.ap." + args[1])
		if !ok {
			return fmt.Errorf("no config key wifi.ap.%s", args[1])
		}
		return a.wifi.StartAP(args[1], password)
	case "apclient":
		if len(args) < 2 {
			return fmt.Errorf("usage: wifi mode apclient <ap_ssid> [<sta_ssid>] [<sta_bssid>]")
		}
		apPassword, ok := a.cfg.GetString("wifi.ap." + args[1])
		if !ok {
			return fmt.Errorf("no config key wifi.ap.%s", args[1])
		}
		return a.wifi.StartAPClient(args[1], apPassword, arg(args, 2), arg(args, 3))
	case "off":
		return a.wifi.Stop()
	default:
		return fmt.Errorf("unknown wifi mode %q", args[0])
	}
}

func wifiScan(a *app, args []string) error {
	jsonOut := false
	for _, arg := range args {
		if arg == "-j" {
			jsonOut = true
		}
	}
	results, err := a.wifi.Scan()
	if err != nil {
		return err
	}
	if jsonOut {
		type entry struct {
			SSID  string `json:"ssid"`
			BSSID string `json:"bssid"`
			Chan  int    `json:"chan"`
			RSSI  int    `json:"rssi"`
			Auth  string `json:"auth"`
		}
		doc := struct {
			List []entry `json:"list"`
		}{}
		for _, r := range results {
			doc.List = append(doc.List, entry{r.SSID, r.BSSID, r.Chan, r.RSSI, r.Auth})
		}
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(doc)
	}
	fmt.Println("SSID                 BSSID              CHAN  RSSI  AUTH")
	for _, r := range results {
		fmt.Printf("%-20s %-18s %-5d %-5d %s\n", r.SSID, r.BSSID, r.Chan, r.RSSI, r.Auth)
	}
	return nil
}

func wifiIP(a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wifi ip <static|dhcp> [ip sn gw]")
	}
	switch args[0] {
	case "dhcp":
		return a.wifi.StartDHCP()
	case "static":
		if len(args) < 4 {
			return fmt.Errorf("usage: wifi ip static <ip> <netmask> <gateway>")
		}
		return a.wifi.SetStaticIP(args[1], args[2], args[3])
	default:
		return fmt.Errorf("unknown wifi ip subcommand %q", args[0])
	}
}

func cmdRE(a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: re <start|stop|clear|list|key|obdii|mode> ...")
	}
	switch args[0] {
	case "start":
		if len(args) < 4 || a.can == nil {
			return fmt.Errorf("usage: re start <bus> <txid-hex> <rxid-hex> (requires -can)")
		}
		txID, err := strconv.ParseUint(args[2], 16, 32)
		if err != nil {
			return fmt.Errorf("invalid txid: %w", err)
		}
		rxID, err := strconv.ParseUint(args[3], 16, 32)
		if err != nil {
			return fmt.Errorf("invalid rxid: %w", err)
		}
		a.re.Start(a.can, args[1], uint32(txID), uint32(rxID))
		return nil
	case "stop":
		a.re.Stop()
		return nil
	case "clear":
		a.re.Clear()
		return nil
	case "list":
		for _, e := range a.re.List() {
			fmt.Printf("%04X  %d hits  last=% X\n", e.Key, e.Count, e.Payload)
		}
		return nil
	case "key":
		if len(args) < 3 || args[1] != "set" {
			return fmt.Errorf("usage: re key set <hex bytes>")
		}
		key, err := hex.DecodeString(args[2])
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		a.re.SetKey(key)
		return nil
	case "obdii":
		if len(args) < 2 {
			return fmt.Errorf("usage: re obdii <standard|extended>")
		}
		switch args[1] {
		case "standard":
			a.re.SetAddressing(obd.Standard)
		case "extended":
			a.re.SetAddressing(obd.Extended)
		default:
			return fmt.Errorf("unknown addressing %q", args[1])
		}
		return nil
	case "mode":
		if len(args) < 2 {
			return fmt.Errorf("usage: re mode <record|discover>")
		}
		switch args[1] {
		case "record":
			a.re.SetMode(obd.ModeRecord)
		case "discover":
			a.re.SetMode(obd.ModeDiscover)
		default:
			return fmt.Errorf("unknown re mode %q", args[1])
		}
		return nil
	default:
		return fmt.Errorf("unknown re subcommand %q", args[0])
	}
}

// cmdOBD and cmdModem are the debug subcommands SPEC_FULL.md §6 adds for
// symmetry with the wifi/re families: status snapshots useful while
// bringing up a new vehicle or modem on the bench.
func cmdOBD(a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: obd <status|poll-now>")
	}
	switch args[0] {
	case "status":
		fmt.Printf("state=%s\n", a.poller.State())
		return nil
	case "poll-now":
		a.poller.Tick1Hz(time.Now())
		return nil
	default:
		return fmt.Errorf("unknown obd subcommand %q", args[0])
	}
}

func cmdModem(a *app, args []string) error {
	if a.fsm == nil {
		return fmt.Errorf("modem not configured: pass -modem-uart and -modem-power-pin")
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: modem <status|resume|wake|wake-deep>")
	}
	switch args[0] {
	case "status":
		fmt.Printf("state=%s\n", a.fsm.State())
		return nil
	case "resume":
		a.fsm.ResumeFromHold()
		return nil
	case "wake":
		a.fsm.WakeFromSleep()
		return nil
	case "wake-deep":
		a.fsm.WakeFromDeepSleep()
		return nil
	default:
		return fmt.Errorf("unknown modem subcommand %q", args[0])
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
