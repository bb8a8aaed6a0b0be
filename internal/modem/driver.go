package modem

import "time"

// Driver is the per-model behavior that varies across modem chipsets:
// identification string, power-on pulse shape, and the command used to
// place the modem in low-power states. It replaces the original
// firmware's virtual modemdriver base class with a sum type over
// concrete drivers selected by Identify's ATI response.
type Driver struct {
	Name string

	// Match reports whether an ATI/ATI9 response line identifies this
	// driver.
	Match func(identLine string) bool

	PowerPulse    time.Duration
	KeepaliveCmd  string
	DataCallCmd   string // e.g. "ATD*99#"
	PowerOffCmd   string // e.g. "AT+CPOF"
	SleepCmd      string
	StatusPollCmd string // e.g. "AT+CREG?;+CSQ;+COPS?;+CCLK?"
}

// genericDriver is used until Identify rebinds to a model-specific one,
// and as the fallback when no registered driver matches.
var genericDriver = Driver{
	Name:          "generic",
	Match:         func(string) bool { return true },
	PowerPulse:    2 * time.Second,
	KeepaliveCmd:  "AT",
	DataCallCmd:   "ATD*99#",
	PowerOffCmd:   "AT+CPOF",
	SleepCmd:      "AT+CFUN=0",
	StatusPollCmd: "AT+CREG?;+CSQ;+COPS?;+CCLK?",
}

// Registry holds the drivers known to this build, probed in
// registration order during Identify.
type Registry struct {
	drivers []Driver
}

// NewRegistry returns a registry seeded with the generic fallback
// driver; Register additional drivers before the first identify.
func NewRegistry() *Registry {
	return &Registry{drivers: []Driver{genericDriver}}
}

// Register adds a model-specific driver, probed before the generic
// fallback.
func (r *Registry) Register(d Driver) {
	r.drivers = append(r.drivers[:len(r.drivers)-1], d, genericDriver)
}

// Identify returns the first driver matching identLine, or the generic
// driver if none claims it.
func (r *Registry) Identify(identLine string) Driver {
	for _, d := range r.drivers {
		if d.Match(identLine) {
			return d
		}
	}
	return genericDriver
}
