// Package device derives a stable identifier for the current machine.
//
// The identifier feeds the license signature only; it is never written
// into the license file, so a record copied to another machine simply
// fails verification there.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
)

// Identity produces the current machine's identifier. Implementations
// must be deterministic for a given machine across runs.
type Identity interface {
	CurrentID() string
}

// Static is a fixed Identity, used in tests and for explicit overrides.
type Static string

// CurrentID returns the fixed identifier.
func (s Static) CurrentID() string { return string(s) }

// machineIDPaths are consulted when no hardware address is available.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Fingerprint derives the identifier from the first hardware address,
// falling back to the platform machine id and finally the hostname.
// The raw factors are hashed; the result is cached for the process.
type Fingerprint struct {
	logger *slog.Logger

	interfaces func() ([]net.Interface, error)
	readFile   func(string) ([]byte, error)
	hostname   func() (string, error)

	once sync.Once
	id   string
}

// NewFingerprint creates a Fingerprint reading the real system.
func NewFingerprint(logger *slog.Logger) *Fingerprint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fingerprint{
		logger:     logger.With(slog.String("component", "device")),
		interfaces: net.Interfaces,
		readFile:   os.ReadFile,
		hostname:   os.Hostname,
	}
}

// CurrentID returns the hashed machine identifier.
func (f *Fingerprint) CurrentID() string {
	f.once.Do(func() {
		source, raw := f.primaryFactor()
		combined := strings.Join([]string{raw, runtime.GOOS, runtime.GOARCH}, "|")
		sum := sha256.Sum256([]byte(combined))
		f.id = hex.EncodeToString(sum[:])

		f.logger.Debug("device identity resolved",
			slog.String("source", source),
			slog.String("id_prefix", f.id[:12]),
		)
	})
	return f.id
}

func (f *Fingerprint) primaryFactor() (string, string) {
	if mac, ok := f.hardwareAddress(); ok {
		return "mac", mac
	}
	for _, path := range machineIDPaths {
		data, err := f.readFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return "machine-id", id
		}
	}
	if host, err := f.hostname(); err == nil {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			f.logger.Warn("no hardware address or machine id, using hostname")
			return "hostname", host
		}
	}
	f.logger.Warn("no machine identifier available, using platform only")
	return "none", "unknown"
}

// hardwareAddress returns the first non-loopback interface MAC in index
// order. Interface up/down state is ignored so the id does not change
// when a link drops.
func (f *Fingerprint) hardwareAddress() (string, bool) {
	interfaces, err := f.interfaces()
	if err != nil {
		f.logger.Warn("failed to list network interfaces", slog.String("error", err.Error()))
		return "", false
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		return mac, true
	}
	return "", false
}
