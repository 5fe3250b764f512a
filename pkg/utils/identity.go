package utils

import (
	"errors"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// MachineIdentity describes the local user, device and network address.
type MachineIdentity struct {
	Username string
	DeviceID string
	SourceIP string
}

// machineIDPaths lists where Linux-like systems keep a stable machine id.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// DiscoverMachineIdentity collects the current user name, a device
// identifier and the preferred outbound IP address.
//
// The device identifier comes from the platform's machine id when one is
// readable, then the host name, and finally a random UUID persisted under the
// user config directory so it stays stable across runs.
func DiscoverMachineIdentity() (MachineIdentity, error) {
	username := currentUsername()
	if username == "" {
		return MachineIdentity{}, errors.New("could not determine the current user")
	}

	return MachineIdentity{
		Username: username,
		DeviceID: deviceID(),
		SourceIP: OutboundIP(),
	}, nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		// Windows reports DOMAIN\user
		if i := strings.LastIndex(u.Username, `\`); i >= 0 {
			return u.Username[i+1:]
		}
		return u.Username
	}
	for _, name := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func deviceID() string {
	switch runtime.GOOS {
	case "windows":
		if name := os.Getenv("COMPUTERNAME"); name != "" {
			return name
		}
	default:
		for _, path := range machineIDPaths {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	}

	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return persistedDeviceID()
}

// persistedDeviceID returns a UUID stored in the user's config directory,
// creating it on first use. Falls back to an in-memory UUID.
func persistedDeviceID() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return uuid.NewString()
	}
	path := filepath.Join(dir, "aiclient", "device-id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
		_ = os.WriteFile(path, []byte(id+"\n"), 0o600)
	}
	return id
}

// OutboundIP returns the local address used for outbound traffic, or the
// first non-loopback IPv4 address. No packets are sent.
func OutboundIP() string {
	if conn, err := net.Dial("udp", "192.0.2.1:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
