// Package capability decides, before any device is opened, whether
// scanning can plausibly work in this environment. Probes are
// read-only and never panic: anything unexpected degrades to
// StateUnsupported with a reason the operator can read, and the
// manual-entry path stays available regardless.
package capability

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
)

// State is the tri-state readiness signal.
type State string

const (
	StateReady           State = "ready"
	StateBlockedByPolicy State = "blocked-by-policy"
	StateUnsupported     State = "unsupported"
)

// Readiness is the probe outcome.
type Readiness struct {
	State  State
	Reason string
	// Device is the first candidate that probed readable, when ready.
	Device string
}

// Probe checks transport trust for the API endpoint and scanner device
// availability. The endpoint check runs first: credentials must not
// travel over plain HTTP to a non-loopback host, so an untrusted
// endpoint blocks scanning before any device is touched.
func Probe(apiBaseURL string, devices []string) Readiness {
	if r, ok := probeEndpoint(apiBaseURL); !ok {
		return r
	}
	return probeDevices(devices)
}

// probeEndpoint reports whether the API base URL is a trusted
// destination for bearer credentials: https, or a loopback host.
func probeEndpoint(apiBaseURL string) (Readiness, bool) {
	u, err := url.Parse(apiBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Readiness{
			State:  StateUnsupported,
			Reason: fmt.Sprintf("API base URL %q is not a valid URL", apiBaseURL),
		}, false
	}
	switch u.Scheme {
	case "https":
		return Readiness{}, true
	case "http":
		if isLoopback(u.Hostname()) {
			return Readiness{}, true
		}
		return Readiness{
			State:  StateBlockedByPolicy,
			Reason: fmt.Sprintf("refusing to send credentials over plain http to %s; use https or a local endpoint", u.Host),
		}, false
	default:
		return Readiness{
			State:  StateUnsupported,
			Reason: fmt.Sprintf("unsupported API scheme %q", u.Scheme),
		}, false
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// probeDevices walks the candidate list looking for a readable device
// node. Permission failures block by policy (the operator can fix
// group membership); a fully absent list is unsupported.
func probeDevices(devices []string) Readiness {
	if len(devices) == 0 {
		return Readiness{State: StateUnsupported, Reason: "no scanner device candidates configured"}
	}

	var denied string
	for _, dev := range devices {
		info, err := os.Stat(dev)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := checkReadable(dev); err != nil {
			if errors.Is(err, fs.ErrPermission) {
				denied = dev
				continue
			}
			continue
		}
		return Readiness{State: StateReady, Device: dev}
	}

	if denied != "" {
		return Readiness{
			State:  StateBlockedByPolicy,
			Reason: fmt.Sprintf("no read permission on scanner device %s; grant access or run with the correct group", denied),
		}
	}
	return Readiness{
		State:  StateUnsupported,
		Reason: "no scanner device found; manual entry is still available",
	}
}

// checkReadable opens and immediately closes the node. Open errors are
// returned untouched so permission can be told apart from absence.
func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
