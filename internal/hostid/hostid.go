// Package hostid derives the stable identity the agent reports under: a
// persisted machine UUID used as the node identifier, and the primary
// outbound IP address used as the host identifier in events and tickets.
package hostid

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const idFileName = "machine-id"

// NodeID returns the machine UUID persisted under stateDir, generating and
// writing one on first run. The identifier survives restarts and reinstalls
// as long as the state directory does.
func NodeID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, idFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Corrupt identifier file, regenerate below.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("hostid: read %q: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("hostid: create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("hostid: persist %q: %w", path, err)
	}
	return id, nil
}

// PrimaryIP returns the IPv4 address of the interface that would carry
// outbound traffic. No packet is sent; the dial only resolves a local
// address. Falls back to an interface scan, then to loopback.
func PrimaryIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// Hostname returns the system hostname, or "unknown" when it cannot be read.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}
