package security

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// DeviceFingerprint describes the machine a license is bound to.
type DeviceFingerprint struct {
	Fingerprint string `json:"fingerprint"`
	Hostname    string `json:"hostname"`
	MACAddress  string `json:"mac_address"`
	OS          string `json:"os"`
	Platform    string `json:"platform"`
}

// FingerprintManager computes and caches the device fingerprint and the
// environment hash. The zero value is not usable; call NewFingerprintManager.
type FingerprintManager struct {
	mu       sync.RWMutex
	cached   *DeviceFingerprint
	hostname func() (string, error)
	getenv   func(string) string
	macs     func() ([]string, error)
}

// NewFingerprintManager returns a manager reading from the real host.
func NewFingerprintManager() *FingerprintManager {
	return &FingerprintManager{
		hostname: os.Hostname,
		getenv:   os.Getenv,
		macs:     hardwareAddrs,
	}
}

// EnvironmentHash is SHA-256 hex over "<user>|<hostname>", where user comes
// from USER or, failing that, USERNAME.
func (fm *FingerprintManager) EnvironmentHash() string {
	user := fm.getenv("USER")
	if user == "" {
		user = fm.getenv("USERNAME")
	}
	host, err := fm.hostname()
	if err != nil {
		host = ""
	}
	return HashHex([]byte(user + "|" + host))
}

// MatchesEnvironment reports whether stored equals the current environment
// hash. An empty stored value always matches.
func (fm *FingerprintManager) MatchesEnvironment(stored string) bool {
	if stored == "" {
		return true
	}
	return strings.EqualFold(stored, fm.EnvironmentHash())
}

// Generate returns the device fingerprint, computing it on first use.
func (fm *FingerprintManager) Generate() (*DeviceFingerprint, error) {
	fm.mu.RLock()
	if fm.cached != nil {
		fp := *fm.cached
		fm.mu.RUnlock()
		return &fp, nil
	}
	fm.mu.RUnlock()

	host, err := fm.hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	mac := ""
	if addrs, err := fm.macs(); err != nil {
		slog.Warn("fingerprint: no hardware address available", slog.String("error", err.Error()))
	} else if len(addrs) > 0 {
		mac = addrs[0]
	}

	components := []string{host, mac, runtime.GOOS, runtime.GOARCH}
	fp := &DeviceFingerprint{
		Fingerprint: HashHex([]byte(strings.Join(components, "|"))),
		Hostname:    host,
		MACAddress:  mac,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
	}

	fm.mu.Lock()
	fm.cached = fp
	fm.mu.Unlock()

	out := *fp
	return &out, nil
}

// ClearCache forces the next Generate call to recompute.
func (fm *FingerprintManager) ClearCache() {
	fm.mu.Lock()
	fm.cached = nil
	fm.mu.Unlock()
}

// hardwareAddrs returns the MACs of non-loopback interfaces, sorted so the
// choice is stable across calls.
func hardwareAddrs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac != "" && mac != "00:00:00:00:00:00" {
			macs = append(macs, mac)
		}
	}
	sort.Strings(macs)
	return macs, nil
}
